package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hewenyu/service-registry/internal/balancer"
	"github.com/hewenyu/service-registry/internal/core/model"
	"github.com/hewenyu/service-registry/internal/discovery"
)

// OutcomeRequest 调用结果上报请求
type OutcomeRequest struct {
	Success   bool  `json:"success"`
	LatencyMs int64 `json:"latency_ms"`
}

// ConnectionsResult 连接计数结果
type ConnectionsResult struct {
	InstanceID        string `json:"instance_id"`
	ActiveConnections int64  `json:"active_connections"`
}

// parseQuery 解析服务发现参数，client_ip缺省时使用请求来源地址
func parseQuery(c echo.Context) (discovery.Query, error) {
	q := discovery.Query{Name: c.Param("name")}

	filter, err := parseFilter(c)
	if err != nil {
		return q, err
	}
	q.Filter = filter

	if q.Strategy, err = balancer.ParseStrategy(c.QueryParam("strategy")); err != nil {
		return q, err
	}

	q.Request = balancer.Request{
		ClientIP:  c.QueryParam("client_ip"),
		HashKey:   c.QueryParam("hash_key"),
		SessionID: c.QueryParam("session_id"),
	}
	if q.Request.ClientIP == "" {
		q.Request.ClientIP = c.RealIP()
	}
	if q.Request.SessionID == "" {
		q.Request.SessionID = c.Request().Header.Get("X-Session-ID")
	}

	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return q, model.NewValidationError("limit必须是非负整数: %s", raw)
		}
		q.Limit = n
	}
	if q.Timeout, err = parseDuration("timeout", c.QueryParam("timeout")); err != nil {
		return q, err
	}
	return q, nil
}

// discover 选择一个可用实例
func (s *Server) discover(c echo.Context) error {
	q, err := parseQuery(c)
	if err != nil {
		return s.fail(c, "服务发现", err)
	}
	inst, err := s.deps.Engine.Discover(c.Request().Context(), q)
	if err != nil {
		return s.fail(c, "服务发现", err)
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "查询成功", inst))
}

// discoverAll 返回全部可用实例
func (s *Server) discoverAll(c echo.Context) error {
	q, err := parseQuery(c)
	if err != nil {
		return s.fail(c, "服务发现", err)
	}
	list, err := s.deps.Engine.DiscoverAll(c.Request().Context(), q)
	if err != nil {
		return s.fail(c, "服务发现", err)
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "查询成功", list))
}

// reportOutcome 接收调用方上报的调用结果
func (s *Server) reportOutcome(c echo.Context) error {
	var req OutcomeRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "请求参数无效: "+err.Error())
	}
	if req.LatencyMs < 0 {
		return badRequest(c, "latency_ms不能为负数")
	}

	id := c.Param("id")
	err := s.deps.Engine.ReportOutcome(c.Request().Context(), discovery.Outcome{
		InstanceID: id,
		Latency:    time.Duration(req.LatencyMs) * time.Millisecond,
		Success:    req.Success,
	})
	if err != nil {
		return s.fail(c, "上报调用结果", err)
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "已记录", s.deps.Breakers.Snapshot(id)))
}

// acquireConnection 记录一个新的活动连接
func (s *Server) acquireConnection(c echo.Context) error {
	id := c.Param("id")
	if _, err := s.deps.Store.Get(c.Request().Context(), id); err != nil {
		return s.fail(c, "记录连接", err)
	}
	n := s.deps.Balancer.Acquire(id)
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "已记录", ConnectionsResult{InstanceID: id, ActiveConnections: n}))
}

// releaseConnection 释放一个活动连接
func (s *Server) releaseConnection(c echo.Context) error {
	id := c.Param("id")
	n := s.deps.Balancer.Release(id)
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "已释放", ConnectionsResult{InstanceID: id, ActiveConnections: n}))
}
