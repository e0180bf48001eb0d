package api

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/hewenyu/service-registry/internal/core/model"
)

// HealthCheckRequest 健康检查配置，时间字段使用 "10s" 形式或整数秒
type HealthCheckRequest struct {
	CheckType        string                   `json:"check_type"`
	Interval         string                   `json:"interval,omitempty"`
	Timeout          string                   `json:"timeout,omitempty"`
	FailureThreshold int                      `json:"failure_threshold,omitempty"`
	SuccessThreshold int                      `json:"success_threshold,omitempty"`
	HTTP             *model.HTTPCheckConfig   `json:"http,omitempty"`
	GRPC             *model.GRPCCheckConfig   `json:"grpc,omitempty"`
	Script           *model.ScriptCheckConfig `json:"script,omitempty"`
}

// RegisterRequest 实例注册请求
type RegisterRequest struct {
	ID          string              `json:"id,omitempty"`
	Name        string              `json:"name"`
	Version     string              `json:"version,omitempty"`
	Address     string              `json:"address"`
	Port        int                 `json:"port"`
	Protocol    string              `json:"protocol,omitempty"`
	Weight      *int                `json:"weight,omitempty"`
	TTL         string              `json:"ttl,omitempty"`
	Metadata    map[string]string   `json:"metadata,omitempty"`
	HealthCheck *HealthCheckRequest `json:"health_check,omitempty"`
}

// UpdateRequest 实例更新请求
type UpdateRequest struct {
	Version           *string             `json:"version,omitempty"`
	Weight            *int                `json:"weight,omitempty"`
	Metadata          map[string]string   `json:"metadata,omitempty"`
	HealthCheck       *HealthCheckRequest `json:"health_check,omitempty"`
	RemoveHealthCheck bool                `json:"remove_health_check,omitempty"`
}

// HeartbeatRequest 心跳请求，Status为空表示只刷新心跳
type HeartbeatRequest struct {
	Status string `json:"status,omitempty"`
}

// RegisterResult 注册结果
type RegisterResult struct {
	ID     string               `json:"id"`
	Status model.InstanceStatus `json:"status"`
}

// parseDuration 解析 "10s" 形式的时长，纯数字按秒处理
func parseDuration(field, s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, model.NewValidationError("%s格式无效: %s", field, s)
	}
	return d, nil
}

func (r *HealthCheckRequest) toSpec() (*model.HealthCheckSpec, error) {
	if r == nil {
		return nil, nil
	}
	interval, err := parseDuration("interval", r.Interval)
	if err != nil {
		return nil, err
	}
	timeout, err := parseDuration("timeout", r.Timeout)
	if err != nil {
		return nil, err
	}
	return &model.HealthCheckSpec{
		CheckType:        model.CheckType(strings.ToLower(r.CheckType)),
		Interval:         interval,
		Timeout:          timeout,
		FailureThreshold: r.FailureThreshold,
		SuccessThreshold: r.SuccessThreshold,
		HTTP:             r.HTTP,
		GRPC:             r.GRPC,
		Script:           r.Script,
	}, nil
}

// toInstance 转换为实例，未携带权重时使用defaultWeight，显式的0保持为0
func (r *RegisterRequest) toInstance(defaultWeight int) (*model.ServiceInstance, error) {
	ttl, err := parseDuration("ttl", r.TTL)
	if err != nil {
		return nil, err
	}
	hc, err := r.HealthCheck.toSpec()
	if err != nil {
		return nil, err
	}
	weight := defaultWeight
	if r.Weight != nil {
		weight = *r.Weight
	}
	return &model.ServiceInstance{
		ID:          r.ID,
		Name:        r.Name,
		Version:     r.Version,
		Address:     r.Address,
		Port:        r.Port,
		Protocol:    model.Protocol(strings.ToLower(r.Protocol)),
		Weight:      weight,
		TTL:         ttl,
		Metadata:    r.Metadata,
		HealthCheck: hc,
	}, nil
}

// registerInstance 处理实例注册请求
func (s *Server) registerInstance(c echo.Context) error {
	var req RegisterRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "请求参数无效: "+err.Error())
	}
	inst, err := req.toInstance(s.deps.Store.Defaults().Weight)
	if err != nil {
		return s.fail(c, "注册实例", err)
	}

	id, err := s.deps.Store.Register(c.Request().Context(), inst)
	if err != nil {
		return s.fail(c, "注册实例", err)
	}

	s.logger.Info("实例注册成功",
		zap.String("service", inst.Name),
		zap.String("instance_id", id))
	return c.JSON(http.StatusCreated, successResponse(http.StatusCreated, "实例注册成功",
		RegisterResult{ID: id, Status: model.StatusStarting}))
}

// heartbeat 处理心跳请求
func (s *Server) heartbeat(c echo.Context) error {
	var req HeartbeatRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "请求参数无效: "+err.Error())
	}

	var status *model.InstanceStatus
	if req.Status != "" {
		st := model.InstanceStatus(strings.ToLower(req.Status))
		status = &st
	}

	inst, err := s.deps.Store.Heartbeat(c.Request().Context(), c.Param("id"), status)
	if err != nil {
		return s.fail(c, "刷新心跳", err)
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "心跳已刷新", inst))
}

// deregisterInstance 处理实例注销请求，实例不存在时同样返回成功
func (s *Server) deregisterInstance(c echo.Context) error {
	id := c.Param("id")
	if err := s.deps.Store.Deregister(c.Request().Context(), id); err != nil {
		return s.fail(c, "注销实例", err)
	}
	s.logger.Info("实例注销成功", zap.String("instance_id", id))
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "实例注销成功", nil))
}

// updateInstance 处理实例更新请求
func (s *Server) updateInstance(c echo.Context) error {
	var req UpdateRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "请求参数无效: "+err.Error())
	}
	hc, err := req.HealthCheck.toSpec()
	if err != nil {
		return s.fail(c, "更新实例", err)
	}

	inst, err := s.deps.Store.Update(c.Request().Context(), c.Param("id"), model.InstanceUpdate{
		Version:           req.Version,
		Weight:            req.Weight,
		Metadata:          req.Metadata,
		HealthCheck:       hc,
		RemoveHealthCheck: req.RemoveHealthCheck,
	})
	if err != nil {
		return s.fail(c, "更新实例", err)
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "实例更新成功", inst))
}

// drainInstance 把实例置为摘流状态
func (s *Server) drainInstance(c echo.Context) error {
	id := c.Param("id")
	if err := s.deps.Store.Drain(c.Request().Context(), id); err != nil {
		return s.fail(c, "摘流实例", err)
	}
	s.logger.Info("实例已摘流", zap.String("instance_id", id))
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "实例已摘流", nil))
}

// getInstance 查询实例详情
func (s *Server) getInstance(c echo.Context) error {
	inst, err := s.deps.Store.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, "查询实例", err)
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "查询成功", inst))
}

// listInstances 查询全部实例，可以用service参数限定服务
func (s *Server) listInstances(c echo.Context) error {
	ctx := c.Request().Context()
	if name := c.QueryParam("service"); name != "" {
		filter, err := parseFilter(c)
		if err != nil {
			return s.fail(c, "查询实例列表", err)
		}
		list, err := s.deps.Store.ListByName(ctx, name, filter)
		if err != nil {
			return s.fail(c, "查询实例列表", err)
		}
		return c.JSON(http.StatusOK, successResponse(http.StatusOK, "查询成功", list))
	}

	list, err := s.deps.Store.List(ctx)
	if err != nil {
		return s.fail(c, "查询实例列表", err)
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "查询成功", list))
}

// listServices 查询已注册的服务名
func (s *Server) listServices(c echo.Context) error {
	names := s.deps.Store.ServiceNames(c.Request().Context())
	sort.Strings(names)
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "查询成功", names))
}

// listServiceInstances 按过滤条件查询服务实例
func (s *Server) listServiceInstances(c echo.Context) error {
	filter, err := parseFilter(c)
	if err != nil {
		return s.fail(c, "查询服务实例", err)
	}
	list, err := s.deps.Store.ListByName(c.Request().Context(), c.Param("name"), filter)
	if err != nil {
		return s.fail(c, "查询服务实例", err)
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "查询成功", list))
}

// parseFilter 解析 status=a,b&version=v1&meta=zone=a 形式的过滤参数
func parseFilter(c echo.Context) (model.InstanceFilter, error) {
	var f model.InstanceFilter
	if raw := c.QueryParam("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st := model.InstanceStatus(strings.ToLower(strings.TrimSpace(part)))
			if !st.Valid() {
				return f, model.NewValidationError("无效的实例状态: %s", part)
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	f.Version = c.QueryParam("version")
	for _, kv := range c.QueryParams()["meta"] {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return f, model.NewValidationError("元数据过滤格式应为key=value: %s", kv)
		}
		if f.Metadata == nil {
			f.Metadata = make(map[string]string)
		}
		f.Metadata[k] = v
	}
	return f, nil
}
