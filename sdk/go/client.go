// Package sdk 是注册中心的Go客户端：注册、心跳、服务发现和调用结果上报
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"go.uber.org/zap"
)

// Config SDK客户端配置
type Config struct {
	// 注册中心地址，形如 "127.0.0.1:8080" 或 "http://127.0.0.1:8080"
	ServerAddr string `json:"server_addr"`
	// 操作超时时间
	Timeout time.Duration `json:"timeout"`
	// 是否使用HTTPS
	Secure bool `json:"secure"`
	// 心跳间隔，默认10秒
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	// Logger 为nil时不输出日志
	Logger *zap.Logger `json:"-"`
}

// Client SDK客户端
type Client struct {
	config     Config
	baseURL    string
	httpClient *http.Client

	mu         sync.Mutex
	instanceID string
	stopChan   chan struct{}
	doneChan   chan struct{}
}

// Response API响应结构
type Response struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// APIError 注册中心返回的非2xx响应
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API请求失败: %s (状态码: %d)", e.Message, e.StatusCode)
}

// IsNotFound 判断错误是否为实例不存在
func IsNotFound(err error) bool {
	return statusOf(err) == http.StatusNotFound
}

// IsUnavailable 判断错误是否为服务暂无可用实例
func IsUnavailable(err error) bool {
	return statusOf(err) == http.StatusServiceUnavailable
}

func statusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// NewClient 创建SDK客户端
func NewClient(config Config) (*Client, error) {
	if config.ServerAddr == "" {
		return nil, fmt.Errorf("服务器地址不能为空")
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	base := strings.TrimRight(config.ServerAddr, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		protocol := "http"
		if config.Secure {
			protocol = "https"
		}
		base = protocol + "://" + base
	}

	httpClient := cleanhttp.DefaultPooledClient()
	httpClient.Timeout = config.Timeout

	return &Client{
		config:     config,
		baseURL:    base,
		httpClient: httpClient,
	}, nil
}

// 发送HTTP请求，out不为nil时解析响应中的data字段
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("序列化请求体失败: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return fmt.Errorf("创建HTTP请求失败: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("发送HTTP请求失败: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("读取响应体失败: %w", err)
	}

	var apiResp Response
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return fmt.Errorf("解析响应失败: %w, 响应内容: %s", err, string(respBody))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Message: apiResp.Message}
	}

	if out != nil && len(apiResp.Data) > 0 {
		if err := json.Unmarshal(apiResp.Data, out); err != nil {
			return fmt.Errorf("解析响应数据失败: %w", err)
		}
	}
	return nil
}
