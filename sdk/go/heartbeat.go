package sdk

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// SendHeartbeat 发送心跳，status为空时只刷新心跳时间
func (c *Client) SendHeartbeat(ctx context.Context, status string) (*Instance, error) {
	id := c.InstanceID()
	if id == "" {
		return nil, fmt.Errorf("服务尚未注册")
	}

	var inst Instance
	err := c.doRequest(ctx, http.MethodPut, "/api/v1/instances/"+url.PathEscape(id)+"/heartbeat",
		nil, heartbeatRequest{Status: status}, &inst)
	if err != nil {
		return nil, fmt.Errorf("发送心跳失败: %w", err)
	}
	return &inst, nil
}

// StartHeartbeat 开始心跳任务
func (c *Client) StartHeartbeat() {
	c.StopHeartbeat()

	c.mu.Lock()
	stop := make(chan struct{})
	done := make(chan struct{})
	c.stopChan, c.doneChan = stop, done
	c.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(c.config.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
				_, err := c.SendHeartbeat(ctx, "")
				cancel()
				if err == nil {
					continue
				}
				if IsNotFound(err) {
					// 实例已过期被清理，停止心跳等待重新注册
					c.config.Logger.Warn("实例已不存在，停止心跳", zap.String("instance_id", c.InstanceID()))
					return
				}
				c.config.Logger.Warn("心跳发送失败，将在下一个周期重试", zap.Error(err))
			case <-stop:
				return
			}
		}
	}()
}

// StopHeartbeat 停止心跳任务并等待其退出
func (c *Client) StopHeartbeat() {
	c.mu.Lock()
	stop, done := c.stopChan, c.doneChan
	c.stopChan, c.doneChan = nil, nil
	c.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}

// Close 停止心跳并注销实例
func (c *Client) Close(ctx context.Context) error {
	c.StopHeartbeat()

	if err := c.Deregister(ctx); err != nil {
		return fmt.Errorf("注销服务失败: %w", err)
	}
	return nil
}
