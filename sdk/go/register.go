package sdk

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Registration 实例注册信息
type Registration struct {
	ID       string
	Name     string
	Version  string
	Address  string
	Port     int
	Protocol string
	// Weight 为nil时使用注册中心的默认权重，指向0表示不参与加权选择
	Weight *int
	// TTL 为0时使用注册中心的默认值
	TTL      time.Duration
	Metadata map[string]string
}

// Instance 注册中心返回的实例信息
type Instance struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Version       string            `json:"version,omitempty"`
	Address       string            `json:"address"`
	Port          int               `json:"port"`
	Protocol      string            `json:"protocol"`
	Weight        int               `json:"weight"`
	TTL           time.Duration     `json:"ttl"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Status        string            `json:"status"`
	RegisteredAt  time.Time         `json:"registered_at"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
}

// Endpoint 返回 address:port 形式的访问地址
func (i *Instance) Endpoint() string {
	return fmt.Sprintf("%s:%d", i.Address, i.Port)
}

type registerRequest struct {
	ID       string            `json:"id,omitempty"`
	Name     string            `json:"name"`
	Version  string            `json:"version,omitempty"`
	Address  string            `json:"address"`
	Port     int               `json:"port"`
	Protocol string            `json:"protocol,omitempty"`
	Weight   *int              `json:"weight,omitempty"`
	TTL      string            `json:"ttl,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type registerResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type heartbeatRequest struct {
	Status string `json:"status,omitempty"`
}

// Register 注册实例，成功后客户端记住实例ID用于心跳和注销
func (c *Client) Register(ctx context.Context, reg Registration) (string, error) {
	if reg.Name == "" {
		return "", fmt.Errorf("服务名称不能为空")
	}
	if reg.Address == "" {
		return "", fmt.Errorf("服务地址不能为空")
	}
	if reg.Port <= 0 {
		return "", fmt.Errorf("服务端口必须大于0")
	}

	req := registerRequest{
		ID:       reg.ID,
		Name:     reg.Name,
		Version:  reg.Version,
		Address:  reg.Address,
		Port:     reg.Port,
		Protocol: reg.Protocol,
		Weight:   reg.Weight,
		Metadata: reg.Metadata,
	}
	if reg.TTL > 0 {
		req.TTL = reg.TTL.String()
	}

	var resp registerResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/instances", nil, req, &resp); err != nil {
		return "", fmt.Errorf("服务注册失败: %w", err)
	}

	c.mu.Lock()
	c.instanceID = resp.ID
	c.mu.Unlock()
	return resp.ID, nil
}

// Deregister 注销当前实例，未注册时直接返回
func (c *Client) Deregister(ctx context.Context) error {
	id := c.InstanceID()
	if id == "" {
		return nil
	}

	if err := c.doRequest(ctx, http.MethodDelete, "/api/v1/instances/"+url.PathEscape(id), nil, nil, nil); err != nil {
		return fmt.Errorf("服务注销失败: %w", err)
	}

	c.mu.Lock()
	if c.instanceID == id {
		c.instanceID = ""
	}
	c.mu.Unlock()
	return nil
}

// Drain 把当前实例置为排空状态，不再参与服务发现
func (c *Client) Drain(ctx context.Context) error {
	id := c.InstanceID()
	if id == "" {
		return fmt.Errorf("服务尚未注册")
	}
	if err := c.doRequest(ctx, http.MethodPut, "/api/v1/instances/"+url.PathEscape(id)+"/drain", nil, nil, nil); err != nil {
		return fmt.Errorf("排空实例失败: %w", err)
	}
	return nil
}

// GetInstance 查询实例详情
func (c *Client) GetInstance(ctx context.Context, id string) (*Instance, error) {
	var inst Instance
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/instances/"+url.PathEscape(id), nil, nil, &inst); err != nil {
		return nil, fmt.Errorf("查询实例失败: %w", err)
	}
	return &inst, nil
}

// InstanceID 返回当前注册的实例ID
func (c *Client) InstanceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instanceID
}

// IsRegistered 检查实例是否已注册
func (c *Client) IsRegistered() bool {
	return c.InstanceID() != ""
}
