package health

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/hashicorp/go-cleanhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/hewenyu/service-registry/internal/core/model"
)

// maxBodyBytes HTTP检查读取响应体的上限
const maxBodyBytes = 64 * 1024

// Prober 执行一种类型的探测，返回nil表示探测成功
type Prober interface {
	Probe(ctx context.Context, inst *model.ServiceInstance, spec *model.HealthCheckSpec) error
}

// ProberFunc 函数形式的Prober
type ProberFunc func(ctx context.Context, inst *model.ServiceInstance, spec *model.HealthCheckSpec) error

// Probe 实现Prober接口
func (f ProberFunc) Probe(ctx context.Context, inst *model.ServiceInstance, spec *model.HealthCheckSpec) error {
	return f(ctx, inst, spec)
}

// DefaultProbers 返回内置的探测实现，脚本检查需要显式开启
func DefaultProbers(scriptEnabled bool) map[model.CheckType]Prober {
	probers := map[model.CheckType]Prober{
		model.CheckHTTP: NewHTTPProber(),
		model.CheckTCP:  &TCPProber{},
		model.CheckGRPC: &GRPCProber{},
	}
	if scriptEnabled {
		probers[model.CheckScript] = &ScriptProber{}
	}
	return probers
}

// HTTPProber 通过HTTP请求检查实例
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber 创建使用连接池的HTTP探测器
func NewHTTPProber() *HTTPProber {
	return &HTTPProber{client: cleanhttp.DefaultPooledClient()}
}

// Probe 实现Prober接口
func (p *HTTPProber) Probe(ctx context.Context, inst *model.ServiceInstance, spec *model.HealthCheckSpec) error {
	cfg := spec.HTTP
	if cfg == nil {
		cfg = &model.HTTPCheckConfig{Path: model.DefaultHealthPath, Method: http.MethodGet, ExpectedStatus: http.StatusOK}
	}

	scheme := "http"
	if inst.Protocol == model.ProtocolHTTPS {
		scheme = "https"
	}
	url := scheme + "://" + inst.HostPort() + cfg.Path

	req, err := http.NewRequestWithContext(ctx, cfg.Method, url, nil)
	if err != nil {
		return fmt.Errorf("创建健康检查请求失败: %w", err)
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("健康检查请求失败: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("读取健康检查响应失败: %w", err)
	}

	if resp.StatusCode != cfg.ExpectedStatus {
		return fmt.Errorf("健康检查状态码不匹配: 期望 %d, 实际 %d", cfg.ExpectedStatus, resp.StatusCode)
	}
	if cfg.ExpectedBody != "" && !strings.Contains(string(body), cfg.ExpectedBody) {
		return fmt.Errorf("健康检查响应内容不包含 %q", cfg.ExpectedBody)
	}
	return nil
}

// TCPProber 通过建立TCP连接检查实例
type TCPProber struct {
	dialer net.Dialer
}

// Probe 实现Prober接口
func (p *TCPProber) Probe(ctx context.Context, inst *model.ServiceInstance, spec *model.HealthCheckSpec) error {
	conn, err := p.dialer.DialContext(ctx, "tcp", inst.HostPort())
	if err != nil {
		return fmt.Errorf("TCP连接失败: %w", err)
	}
	return conn.Close()
}

// GRPCProber 调用标准gRPC健康检查服务
type GRPCProber struct{}

// Probe 实现Prober接口
func (p *GRPCProber) Probe(ctx context.Context, inst *model.ServiceInstance, spec *model.HealthCheckSpec) error {
	conn, err := grpc.NewClient(inst.HostPort(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("创建gRPC连接失败: %w", err)
	}
	defer conn.Close()

	service := ""
	if spec.GRPC != nil {
		service = spec.GRPC.Service
	}

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return fmt.Errorf("gRPC健康检查失败: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("gRPC服务状态为 %s", resp.GetStatus())
	}
	return nil
}

// ScriptProber 执行本地命令检查实例，退出码为0表示健康。
// 命令通过环境变量 INSTANCE_ID、INSTANCE_ADDRESS、INSTANCE_PORT 获取实例信息
type ScriptProber struct{}

// Probe 实现Prober接口
func (p *ScriptProber) Probe(ctx context.Context, inst *model.ServiceInstance, spec *model.HealthCheckSpec) error {
	if spec.Script == nil || spec.Script.Command == "" {
		return fmt.Errorf("脚本检查未配置命令")
	}

	cmd := exec.CommandContext(ctx, spec.Script.Command, spec.Script.Args...)
	cmd.Dir = spec.Script.WorkingDir
	cmd.Env = append(os.Environ(),
		"INSTANCE_ID="+inst.ID,
		"INSTANCE_ADDRESS="+inst.Address,
		"INSTANCE_PORT="+strconv.Itoa(inst.Port),
	)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		output := strings.TrimSpace(out.String())
		if len(output) > 256 {
			output = output[:256]
		}
		if output != "" {
			return fmt.Errorf("脚本检查失败: %w: %s", err, output)
		}
		return fmt.Errorf("脚本检查失败: %w", err)
	}
	return nil
}
