package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/hewenyu/service-registry/internal/core/model"
)

// sseKeepAlive 事件流保活注释的发送间隔
const sseKeepAlive = 15 * time.Second

var errHealthDisabled = echo.NewHTTPError(http.StatusNotFound, "未启用主动健康检查")

// instanceHealth 查询实例的健康检查统计
func (s *Server) instanceHealth(c echo.Context) error {
	if s.deps.Monitor == nil {
		return s.fail(c, "查询健康统计", errHealthDisabled)
	}
	stats, err := s.deps.Monitor.InstanceHealth(c.Param("id"))
	if err != nil {
		return s.fail(c, "查询健康统计", err)
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "查询成功", stats))
}

// checkNow 立即执行一次健康检查
func (s *Server) checkNow(c echo.Context) error {
	if s.deps.Monitor == nil {
		return s.fail(c, "执行健康检查", errHealthDisabled)
	}
	result, err := s.deps.Monitor.CheckNow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, "执行健康检查", err)
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "检查完成", result))
}

// monitorStats 健康检查器的整体统计
func (s *Server) monitorStats(c echo.Context) error {
	if s.deps.Monitor == nil {
		return s.fail(c, "查询健康统计", errHealthDisabled)
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "查询成功", s.deps.Monitor.Stats()))
}

// serviceHealth 服务的健康状况汇总
func (s *Server) serviceHealth(c echo.Context) error {
	report, err := s.deps.Engine.ServiceReport(c.Request().Context(), c.Param("name"))
	if err != nil {
		return s.fail(c, "查询服务健康状况", err)
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "查询成功", report))
}

// balancerStats 服务的负载均衡统计
func (s *Server) balancerStats(c echo.Context) error {
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "查询成功", s.deps.Balancer.Stats(c.Param("name"))))
}

// circuitState 查询实例的熔断器状态
func (s *Server) circuitState(c echo.Context) error {
	id := c.Param("id")
	if _, err := s.deps.Store.Get(c.Request().Context(), id); err != nil {
		return s.fail(c, "查询熔断器", err)
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "查询成功", s.deps.Breakers.Snapshot(id)))
}

// resetCircuit 手动关闭实例的熔断器
func (s *Server) resetCircuit(c echo.Context) error {
	id := c.Param("id")
	ctx := c.Request().Context()
	if _, err := s.deps.Store.Get(ctx, id); err != nil {
		return s.fail(c, "重置熔断器", err)
	}
	s.deps.Breakers.Reset(ctx, id)
	s.logger.Info("熔断器已手动重置", zap.String("instance_id", id))
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "熔断器已重置", s.deps.Breakers.Snapshot(id)))
}

// resetAllCircuits 手动关闭全部熔断器
func (s *Server) resetAllCircuits(c echo.Context) error {
	n, err := s.deps.Breakers.ResetAll(c.Request().Context())
	if err != nil {
		return s.fail(c, "重置熔断器", err)
	}
	s.logger.Info("全部熔断器已手动重置", zap.Int("reset", n))
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "熔断器已重置", map[string]int{"reset": n}))
}

// events 以Server-Sent Events推送实例变更，service参数限定服务
func (s *Server) events(c echo.Context) error {
	sub := s.deps.Store.Subscribe(c.QueryParam("service"), s.opts.EventBuffer)
	defer sub.Close()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return nil
			}
			w.Flush()
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			if err := writeEvent(w, ev); err != nil {
				s.logger.Debug("事件流写入失败", zap.Error(err))
				return nil
			}
			w.Flush()
		}
	}
}

func writeEvent(w *echo.Response, ev model.ChangeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}
