package model

import (
	"net"
	"strconv"
	"strings"
	"time"
)

// InstanceStatus 实例状态
type InstanceStatus string

const (
	// StatusStarting 已注册，尚未通过健康检查
	StatusStarting InstanceStatus = "starting"
	// StatusHealthy 健康
	StatusHealthy InstanceStatus = "healthy"
	// StatusUnhealthy 不健康
	StatusUnhealthy InstanceStatus = "unhealthy"
	// StatusDraining 摘流中，不再接收新的选择
	StatusDraining InstanceStatus = "draining"
	// StatusExpired 心跳超时，终态
	StatusExpired InstanceStatus = "expired"
)

// Valid 判断状态取值是否合法
func (s InstanceStatus) Valid() bool {
	switch s {
	case StatusStarting, StatusHealthy, StatusUnhealthy, StatusDraining, StatusExpired:
		return true
	}
	return false
}

// CanTransition 判断实例状态能否从from转换到to
func CanTransition(from, to InstanceStatus) bool {
	if from == StatusExpired {
		return false
	}
	switch to {
	case StatusHealthy:
		return from == StatusStarting || from == StatusUnhealthy
	case StatusUnhealthy:
		return from == StatusHealthy
	case StatusDraining:
		return from == StatusStarting || from == StatusHealthy || from == StatusUnhealthy
	case StatusExpired:
		return true
	}
	return false
}

// Protocol 实例协议
type Protocol string

const (
	ProtocolHTTP  Protocol = "http"
	ProtocolHTTPS Protocol = "https"
	ProtocolGRPC  Protocol = "grpc"
	ProtocolTCP   Protocol = "tcp"
)

// 权重取值范围
const (
	MinWeight = 0
	MaxWeight = 1000
)

// ServiceInstance 表示一个服务实例
type ServiceInstance struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Version       string            `json:"version,omitempty"`
	Address       string            `json:"address"`
	Port          int               `json:"port"`
	Protocol      Protocol          `json:"protocol"`
	Weight        int               `json:"weight"`
	TTL           time.Duration     `json:"ttl"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Status        InstanceStatus    `json:"status"`
	HealthCheck   *HealthCheckSpec  `json:"health_check,omitempty"`
	RegisteredAt  time.Time         `json:"registered_at"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
}

// Defaults 注册时使用的默认值
type Defaults struct {
	TTL time.Duration
	// Weight 由接入层在请求未携带权重时填充，0是合法权重，Normalize不会替换它
	Weight           int
	HealthInterval   time.Duration
	HealthTimeout    time.Duration
	FailureThreshold int
	SuccessThreshold int
}

// Endpoint 返回实例的 name|address:port 标识，用于识别重复注册
func (i *ServiceInstance) Endpoint() string {
	return i.Name + "|" + net.JoinHostPort(i.Address, strconv.Itoa(i.Port))
}

// HostPort 返回 address:port
func (i *ServiceInstance) HostPort() string {
	return net.JoinHostPort(i.Address, strconv.Itoa(i.Port))
}

// Expired 判断在now时刻实例心跳是否已超时
func (i *ServiceInstance) Expired(now time.Time) bool {
	return now.Sub(i.LastHeartbeat) > i.TTL
}

// Clone 返回实例的深拷贝
func (i *ServiceInstance) Clone() *ServiceInstance {
	if i == nil {
		return nil
	}
	c := *i
	if i.Metadata != nil {
		c.Metadata = make(map[string]string, len(i.Metadata))
		for k, v := range i.Metadata {
			c.Metadata[k] = v
		}
	}
	c.HealthCheck = i.HealthCheck.Clone()
	return &c
}

// Normalize 填充默认值并校验必填字段，权重按原值校验
func (i *ServiceInstance) Normalize(d Defaults) error {
	i.Name = strings.TrimSpace(i.Name)
	i.Address = strings.TrimSpace(i.Address)

	if i.Name == "" {
		return NewValidationError("服务名称不能为空")
	}
	if i.Address == "" {
		return NewValidationError("实例地址不能为空")
	}
	if i.Port <= 0 || i.Port > 65535 {
		return NewValidationError("无效的实例端口: %d", i.Port)
	}

	if i.Protocol == "" {
		i.Protocol = ProtocolHTTP
	}
	switch i.Protocol {
	case ProtocolHTTP, ProtocolHTTPS, ProtocolGRPC, ProtocolTCP:
	default:
		return NewValidationError("不支持的协议: %s", i.Protocol)
	}

	if i.Weight < MinWeight || i.Weight > MaxWeight {
		return NewValidationError("权重必须在%d到%d之间: %d", MinWeight, MaxWeight, i.Weight)
	}

	if i.TTL == 0 {
		i.TTL = d.TTL
	}
	if i.TTL <= 0 {
		return NewValidationError("TTL必须大于0")
	}

	if i.HealthCheck != nil {
		if err := i.HealthCheck.Normalize(d); err != nil {
			return err
		}
	}

	return nil
}

// InstanceUpdate 实例的可变字段，nil表示不修改
type InstanceUpdate struct {
	Version     *string           `json:"version,omitempty"`
	Weight      *int              `json:"weight,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	HealthCheck *HealthCheckSpec  `json:"health_check,omitempty"`
	// RemoveHealthCheck 为true时移除主动健康检查
	RemoveHealthCheck bool `json:"remove_health_check,omitempty"`
}

// InstanceFilter 实例过滤条件
type InstanceFilter struct {
	Statuses []InstanceStatus  `json:"statuses,omitempty"`
	Version  string            `json:"version,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Match 判断实例是否满足过滤条件
func (f InstanceFilter) Match(inst *ServiceInstance) bool {
	if len(f.Statuses) > 0 {
		matched := false
		for _, s := range f.Statuses {
			if inst.Status == s {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if f.Version != "" && inst.Version != f.Version {
		return false
	}
	for k, v := range f.Metadata {
		if got, ok := inst.Metadata[k]; !ok || got != v {
			return false
		}
	}
	return true
}
