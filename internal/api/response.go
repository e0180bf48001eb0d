package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/hewenyu/service-registry/internal/core/model"
)

// ApiResponse 统一的API响应结构
type ApiResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// 返回成功响应
func successResponse(code int, message string, data interface{}) *ApiResponse {
	return &ApiResponse{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// 返回错误响应
func errorResponse(code int, message string) *ApiResponse {
	return &ApiResponse{
		Code:    code,
		Message: message,
	}
}

// statusFor 把错误类别映射为HTTP状态码
func statusFor(err error) int {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	switch model.CodeOf(err) {
	case model.CodeValidation:
		return http.StatusBadRequest
	case model.CodeNotFound:
		return http.StatusNotFound
	case model.CodeConflict, model.CodeInvalidTransition:
		return http.StatusConflict
	case model.CodeNoHealthyInstances, model.CodeCircuitOpen:
		return http.StatusServiceUnavailable
	case model.CodeTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// fail 按错误类别返回错误响应，服务端错误记录日志
func (s *Server) fail(c echo.Context, action string, err error) error {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.logger.Error(action+"失败",
			zap.String("path", c.Path()),
			zap.Error(err))
	}
	message := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		message = fmt.Sprint(he.Message)
	}
	return c.JSON(status, errorResponse(status, action+"失败: "+message))
}

func badRequest(c echo.Context, message string) error {
	return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, message))
}
