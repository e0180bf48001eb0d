package model

import (
	"net/http"
	"strings"
	"time"
)

// CheckType 健康检查类型
type CheckType string

const (
	CheckHTTP   CheckType = "http"
	CheckTCP    CheckType = "tcp"
	CheckGRPC   CheckType = "grpc"
	CheckScript CheckType = "script"
)

// DefaultHealthPath HTTP检查的默认路径
const DefaultHealthPath = "/health"

// HealthCheckSpec 注册时附带的主动健康检查配置
type HealthCheckSpec struct {
	CheckType        CheckType          `json:"check_type"`
	Interval         time.Duration      `json:"interval"`
	Timeout          time.Duration      `json:"timeout"`
	FailureThreshold int                `json:"failure_threshold"`
	SuccessThreshold int                `json:"success_threshold"`
	HTTP             *HTTPCheckConfig   `json:"http,omitempty"`
	GRPC             *GRPCCheckConfig   `json:"grpc,omitempty"`
	Script           *ScriptCheckConfig `json:"script,omitempty"`
}

// HTTPCheckConfig HTTP检查配置
type HTTPCheckConfig struct {
	Path           string            `json:"path"`
	Method         string            `json:"method"`
	Headers        map[string]string `json:"headers,omitempty"`
	ExpectedStatus int               `json:"expected_status"`
	ExpectedBody   string            `json:"expected_body,omitempty"`
}

// GRPCCheckConfig gRPC标准健康检查配置
type GRPCCheckConfig struct {
	Service string `json:"service,omitempty"`
}

// ScriptCheckConfig 脚本检查配置
type ScriptCheckConfig struct {
	Command    string   `json:"command"`
	Args       []string `json:"args,omitempty"`
	WorkingDir string   `json:"working_dir,omitempty"`
}

// RetainedResults 需要保留的最近检查结果数量
func (s *HealthCheckSpec) RetainedResults() int {
	if s.FailureThreshold > s.SuccessThreshold {
		return s.FailureThreshold
	}
	return s.SuccessThreshold
}

// Normalize 填充默认值并校验
func (s *HealthCheckSpec) Normalize(d Defaults) error {
	if s.Interval == 0 {
		s.Interval = d.HealthInterval
	}
	if s.Timeout == 0 {
		s.Timeout = d.HealthTimeout
	}
	if s.FailureThreshold == 0 {
		s.FailureThreshold = d.FailureThreshold
	}
	if s.SuccessThreshold == 0 {
		s.SuccessThreshold = d.SuccessThreshold
	}
	if s.Interval <= 0 || s.Timeout <= 0 {
		return NewValidationError("健康检查间隔和超时必须大于0")
	}
	if s.FailureThreshold < 1 || s.SuccessThreshold < 1 {
		return NewValidationError("健康检查阈值必须大于0")
	}

	switch s.CheckType {
	case CheckHTTP:
		if s.HTTP == nil {
			s.HTTP = &HTTPCheckConfig{}
		}
		if s.HTTP.Path == "" {
			s.HTTP.Path = DefaultHealthPath
		}
		if !strings.HasPrefix(s.HTTP.Path, "/") {
			s.HTTP.Path = "/" + s.HTTP.Path
		}
		if s.HTTP.Method == "" {
			s.HTTP.Method = http.MethodGet
		}
		s.HTTP.Method = strings.ToUpper(s.HTTP.Method)
		if s.HTTP.ExpectedStatus == 0 {
			s.HTTP.ExpectedStatus = http.StatusOK
		}
	case CheckTCP:
	case CheckGRPC:
		if s.GRPC == nil {
			s.GRPC = &GRPCCheckConfig{}
		}
	case CheckScript:
		if s.Script == nil || s.Script.Command == "" {
			return NewValidationError("脚本检查必须指定command")
		}
	default:
		return NewValidationError("不支持的健康检查类型: %s", s.CheckType)
	}

	return nil
}

// Clone 返回深拷贝
func (s *HealthCheckSpec) Clone() *HealthCheckSpec {
	if s == nil {
		return nil
	}
	c := *s
	if s.HTTP != nil {
		h := *s.HTTP
		if s.HTTP.Headers != nil {
			h.Headers = make(map[string]string, len(s.HTTP.Headers))
			for k, v := range s.HTTP.Headers {
				h.Headers[k] = v
			}
		}
		c.HTTP = &h
	}
	if s.GRPC != nil {
		g := *s.GRPC
		c.GRPC = &g
	}
	if s.Script != nil {
		sc := *s.Script
		sc.Args = append([]string(nil), s.Script.Args...)
		c.Script = &sc
	}
	return &c
}

// HealthCheckResult 单次探测结果
type HealthCheckResult struct {
	InstanceID string        `json:"instance_id"`
	Timestamp  time.Time     `json:"timestamp"`
	Success    bool          `json:"success"`
	Latency    time.Duration `json:"latency"`
	Error      string        `json:"error,omitempty"`
}
