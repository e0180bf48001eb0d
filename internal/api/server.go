// Package api 提供注册中心的HTTP接口：实例写入、服务发现、观测和变更事件流
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hewenyu/service-registry/internal/balancer"
	"github.com/hewenyu/service-registry/internal/circuit"
	"github.com/hewenyu/service-registry/internal/config"
	"github.com/hewenyu/service-registry/internal/discovery"
	"github.com/hewenyu/service-registry/internal/health"
	"github.com/hewenyu/service-registry/internal/registry"
)

// Deps HTTP接口依赖的组件
type Deps struct {
	Store    *registry.Store
	Engine   *discovery.Engine
	Balancer *balancer.Balancer
	Breakers *circuit.Manager
	// Monitor 未启用主动健康检查时为nil
	Monitor *health.Monitor
	// Gatherer 为nil时不暴露指标端点
	Gatherer prometheus.Gatherer
}

// Options 服务选项
type Options struct {
	ListenAddress string
	Port          int
	MetricsPath   string
	// EventBuffer 每个事件流订阅的缓冲大小
	EventBuffer int
}

// Server 注册中心HTTP服务
type Server struct {
	e       *echo.Echo
	opts    Options
	deps    Deps
	logger  config.Logger
	started time.Time
}

// NewServer 创建HTTP服务并注册路由
func NewServer(opts Options, deps Deps, logger config.Logger) *Server {
	if logger == nil {
		logger = config.NewNopLogger()
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		e:       e,
		opts:    opts,
		deps:    deps,
		logger:  logger,
		started: time.Now(),
	}

	// 添加中间件
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
			}
			s.logger.Debug("HTTP请求", fields...)
			return nil
		},
	}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPut, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
	}))

	s.registerRoutes()
	return s
}

// Handler 返回底层的http.Handler
func (s *Server) Handler() http.Handler {
	return s.e
}

// Start 以非阻塞方式启动服务
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.opts.ListenAddress, s.opts.Port)
	s.logger.Info("启动HTTP API服务", zap.String("address", addr))

	go func() {
		if err := s.e.Start(addr); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP API服务启动失败", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown 优雅关闭服务
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("正在关闭HTTP API服务...")
	return s.e.Shutdown(ctx)
}

// registerRoutes 注册API路由
func (s *Server) registerRoutes() {
	s.e.GET("/health", s.healthCheck)
	if s.deps.Gatherer != nil {
		s.e.GET(s.opts.MetricsPath, echo.WrapHandler(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}

	api := s.e.Group("/api/v1")

	// 实例写入
	instances := api.Group("/instances")
	instances.POST("", s.registerInstance)
	instances.GET("", s.listInstances)
	instances.GET("/:id", s.getInstance)
	instances.PUT("/:id", s.updateInstance)
	instances.DELETE("/:id", s.deregisterInstance)
	instances.PUT("/:id/heartbeat", s.heartbeat)
	instances.PUT("/:id/drain", s.drainInstance)
	instances.POST("/:id/outcome", s.reportOutcome)
	instances.POST("/:id/connections", s.acquireConnection)
	instances.DELETE("/:id/connections", s.releaseConnection)
	instances.GET("/:id/health", s.instanceHealth)
	instances.POST("/:id/health/check", s.checkNow)
	instances.GET("/:id/circuit", s.circuitState)
	instances.POST("/:id/circuit/reset", s.resetCircuit)
	api.POST("/circuits/reset", s.resetAllCircuits)

	// 服务发现
	services := api.Group("/services")
	services.GET("", s.listServices)
	services.GET("/:name/instances", s.listServiceInstances)
	services.GET("/:name/discover", s.discover)
	services.GET("/:name/discover/all", s.discoverAll)
	services.GET("/:name/health", s.serviceHealth)
	services.GET("/:name/balancer", s.balancerStats)

	// 观测
	api.GET("/health/stats", s.monitorStats)
	api.GET("/events", s.events)
}

// healthCheck 注册中心自身的健康检查
func (s *Server) healthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
		"instances": s.deps.Store.StatusCounts(),
	})
}
