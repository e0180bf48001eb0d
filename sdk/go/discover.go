package sdk

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DiscoverOptions 服务发现参数
type DiscoverOptions struct {
	// Strategy 负载均衡策略，为空时使用服务的默认策略
	Strategy  string
	ClientIP  string
	HashKey   string
	SessionID string
	Version   string
	Metadata  map[string]string
	Statuses  []string
	// Limit 仅对 DiscoverAll 生效
	Limit   int
	Timeout time.Duration
}

func (o DiscoverOptions) values() url.Values {
	v := url.Values{}
	set := func(key, value string) {
		if value != "" {
			v.Set(key, value)
		}
	}
	set("strategy", o.Strategy)
	set("client_ip", o.ClientIP)
	set("hash_key", o.HashKey)
	set("session_id", o.SessionID)
	set("version", o.Version)
	set("status", strings.Join(o.Statuses, ","))
	for k, val := range o.Metadata {
		v.Add("meta", k+"="+val)
	}
	if o.Limit > 0 {
		v.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Timeout > 0 {
		v.Set("timeout", o.Timeout.String())
	}
	return v
}

// Discover 按负载均衡策略选择一个可用实例
func (c *Client) Discover(ctx context.Context, service string, opts DiscoverOptions) (*Instance, error) {
	var inst Instance
	path := "/api/v1/services/" + url.PathEscape(service) + "/discover"
	if err := c.doRequest(ctx, http.MethodGet, path, opts.values(), nil, &inst); err != nil {
		return nil, fmt.Errorf("服务发现失败: %w", err)
	}
	return &inst, nil
}

// DiscoverAll 返回服务的全部可用实例
func (c *Client) DiscoverAll(ctx context.Context, service string, opts DiscoverOptions) ([]*Instance, error) {
	var list []*Instance
	path := "/api/v1/services/" + url.PathEscape(service) + "/discover/all"
	if err := c.doRequest(ctx, http.MethodGet, path, opts.values(), nil, &list); err != nil {
		return nil, fmt.Errorf("服务发现失败: %w", err)
	}
	return list, nil
}

// ListServices 返回已注册的服务名称
func (c *Client) ListServices(ctx context.Context) ([]string, error) {
	var names []string
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/services", nil, nil, &names); err != nil {
		return nil, fmt.Errorf("查询服务列表失败: %w", err)
	}
	return names, nil
}

type outcomeRequest struct {
	Success   bool  `json:"success"`
	LatencyMs int64 `json:"latency_ms"`
}

// ReportOutcome 上报一次调用结果，失败会计入实例的熔断统计
func (c *Client) ReportOutcome(ctx context.Context, instanceID string, success bool, latency time.Duration) error {
	path := "/api/v1/instances/" + url.PathEscape(instanceID) + "/outcome"
	req := outcomeRequest{Success: success, LatencyMs: latency.Milliseconds()}
	if err := c.doRequest(ctx, http.MethodPost, path, nil, req, nil); err != nil {
		return fmt.Errorf("上报调用结果失败: %w", err)
	}
	return nil
}

// Call 发现一个实例并执行fn，按fn的返回值上报调用结果
func (c *Client) Call(ctx context.Context, service string, opts DiscoverOptions, fn func(*Instance) error) error {
	inst, err := c.Discover(ctx, service, opts)
	if err != nil {
		return err
	}

	start := time.Now()
	callErr := fn(inst)
	if err := c.ReportOutcome(ctx, inst.ID, callErr == nil, time.Since(start)); err != nil {
		c.config.Logger.Warn("上报调用结果失败", zap.String("instance_id", inst.ID), zap.Error(err))
	}
	return callErr
}
