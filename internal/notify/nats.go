// Package notify 把实例变更事件推送到消息系统
package notify

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/hewenyu/service-registry/internal/config"
	"github.com/hewenyu/service-registry/internal/core/model"
)

// DefaultSubjectPrefix 默认的主题前缀
const DefaultSubjectPrefix = "registry.events"

// Conn 发布消息所需的连接操作，*nats.Conn 满足该接口
type Conn interface {
	Publish(subject string, data []byte) error
}

// Publisher 把变更事件发布到 <prefix>.<service> 主题
type Publisher struct {
	conn   Conn
	nc     *nats.Conn
	prefix string
	logger config.Logger

	published atomic.Uint64
	failed    atomic.Uint64
}

// Connect 连接NATS并创建发布器
func Connect(url, prefix string, logger config.Logger) (*Publisher, error) {
	if logger == nil {
		logger = config.NewNopLogger()
	}
	nc, err := nats.Connect(url,
		nats.Name("service-registry"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS连接断开", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS已重新连接", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("连接NATS失败: %w", err)
	}

	p := NewPublisher(nc, prefix, logger)
	p.nc = nc
	logger.Info("已连接NATS", zap.String("url", nc.ConnectedUrl()), zap.String("subject_prefix", p.prefix))
	return p, nil
}

// NewPublisher 使用已有连接创建发布器
func NewPublisher(conn Conn, prefix string, logger config.Logger) *Publisher {
	if logger == nil {
		logger = config.NewNopLogger()
	}
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Publisher{conn: conn, prefix: prefix, logger: logger}
}

// Subject 返回服务对应的主题
func (p *Publisher) Subject(service string) string {
	return p.prefix + "." + subjectToken(service)
}

// OnInstanceChange 发布变更事件，发布失败只记录日志
func (p *Publisher) OnInstanceChange(ev model.ChangeEvent) {
	if ev.Type == model.EventHeartbeat {
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		p.failed.Add(1)
		p.logger.Error("序列化变更事件失败", zap.String("instance_id", ev.InstanceID), zap.Error(err))
		return
	}

	subject := p.Subject(ev.ServiceName)
	if err := p.conn.Publish(subject, data); err != nil {
		p.failed.Add(1)
		p.logger.Warn("发布变更事件失败",
			zap.String("subject", subject),
			zap.String("instance_id", ev.InstanceID),
			zap.Error(err))
		return
	}
	p.published.Add(1)
}

// Counts 返回已发布和失败的事件数量
func (p *Publisher) Counts() (published, failed uint64) {
	return p.published.Load(), p.failed.Load()
}

// Close 刷新缓冲并关闭连接
func (p *Publisher) Close() {
	if p.nc == nil {
		return
	}
	if err := p.nc.Flush(); err != nil {
		p.logger.Warn("刷新NATS缓冲失败", zap.Error(err))
	}
	p.nc.Close()
}

// subjectToken 把服务名转换为单个合法的主题片段
func subjectToken(service string) string {
	if service == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, service)
}
