package dns

import (
	"context"
	"time"

	"github.com/hewenyu/service-registry/internal/core/model"
	"github.com/hewenyu/service-registry/internal/discovery"
)

// Resolver DNS应答依赖的服务发现操作，*discovery.Engine 满足该接口
type Resolver interface {
	Discover(ctx context.Context, q discovery.Query) (*model.ServiceInstance, error)
	DiscoverAll(ctx context.Context, q discovery.Query) ([]*model.ServiceInstance, error)
}

// Config 定义DNS服务的配置项
type Config struct {
	// Addr 是DNS服务的监听地址，格式为 "ip:port"
	Addr string

	// Domain 是服务域名后缀
	Domain string

	// TTL 是DNS响应的存活时间
	TTL uint32

	// Timeout 是单次查询的超时时间
	Timeout time.Duration

	// Upstream 是非服务域名转发的上游DNS地址，为空时返回NXDOMAIN
	Upstream []string

	// EnableTCP 是否启用TCP监听
	EnableTCP bool

	// EnableUDP 是否启用UDP监听
	EnableUDP bool
}

// DefaultConfig 返回默认的DNS服务配置
func DefaultConfig() Config {
	return Config{
		Addr:      ":8053",
		Domain:    "registry.local",
		TTL:       5,
		Timeout:   2 * time.Second,
		EnableTCP: true,
		EnableUDP: true,
	}
}
