package registry

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/hewenyu/service-registry/internal/config"
	"github.com/hewenyu/service-registry/internal/core/model"
)

// Listener 同步接收实例变更通知的组件，在写操作提交后、释放实例锁之前被调用。
// 实现不能在回调中对同一实例发起写操作
type Listener interface {
	OnInstanceChange(ev model.ChangeEvent)
}

// ListenerFunc 函数形式的Listener
type ListenerFunc func(ev model.ChangeEvent)

// OnInstanceChange 实现Listener接口
func (f ListenerFunc) OnInstanceChange(ev model.ChangeEvent) {
	f(ev)
}

// Subscription 推送模式的变更订阅，消费过慢时事件会被丢弃
type Subscription struct {
	id      uint64
	service string
	ch      chan model.ChangeEvent
	dropped atomic.Uint64
	bus     *EventBus
	once    sync.Once
}

// C 返回事件通道，订阅关闭后通道被关闭
func (s *Subscription) C() <-chan model.ChangeEvent {
	return s.ch
}

// Dropped 返回因缓冲区已满而丢弃的事件数
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close 取消订阅
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s)
	})
}

// EventBus 实例变更事件总线
type EventBus struct {
	mu        sync.RWMutex
	listeners []Listener
	subs      map[uint64]*Subscription
	nextID    uint64
	logger    config.Logger
}

// NewEventBus 创建事件总线
func NewEventBus(logger config.Logger) *EventBus {
	return &EventBus{
		subs:   make(map[uint64]*Subscription),
		logger: logger,
	}
}

// AddListener 注册同步监听器
func (b *EventBus) AddListener(l Listener) {
	b.mu.Lock()
	b.listeners = append(b.listeners, l)
	b.mu.Unlock()
}

// Subscribe 订阅指定服务的变更事件，service为空表示订阅全部服务
func (b *EventBus) Subscribe(service string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:      b.nextID,
		service: service,
		ch:      make(chan model.ChangeEvent, buffer),
		bus:     b,
	}
	b.subs[sub.id] = sub
	return sub
}

func (b *EventBus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish 分发事件：先同步调用监听器，再非阻塞地推送给订阅者
func (b *EventBus) Publish(ev model.ChangeEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, l := range b.listeners {
		b.notify(l, ev)
	}

	for _, sub := range b.subs {
		if sub.service != "" && sub.service != ev.ServiceName {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			b.logger.Warn("事件订阅者缓冲区已满，丢弃事件",
				zap.Uint64("subscription", sub.id),
				zap.String("service", ev.ServiceName),
				zap.String("event", string(ev.Type)))
		}
	}
}

// notify 调用监听器，监听器panic不能影响写路径
func (b *EventBus) notify(l Listener, ev model.ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("事件监听器异常",
				zap.Any("panic", r),
				zap.String("instance_id", ev.InstanceID),
				zap.String("event", string(ev.Type)))
		}
	}()
	l.OnInstanceChange(ev)
}
