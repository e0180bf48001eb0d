// Package balancer 在过滤后的候选实例中按策略选择一个实例
package balancer

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/service-registry/internal/config"
	"github.com/hewenyu/service-registry/internal/core/clock"
	"github.com/hewenyu/service-registry/internal/core/model"
	"github.com/hewenyu/service-registry/internal/metrics"
)

// Config 负载均衡配置
type Config struct {
	DefaultStrategy Strategy
	// Services 按服务名覆盖默认策略
	Services      map[string]Strategy
	VirtualNodes  int
	StickyEnabled bool
	StickyTTL     time.Duration
}

type serviceState struct {
	mu        sync.Mutex
	cursor    uint64
	ring      *hashRing
	total     int64
	byStrat   map[Strategy]int64
	instances map[string]*instanceCounters
}

// next 轮询游标，游标只增不减，候选数量变化只改变取模基数
func (st *serviceState) next(candidates []*model.ServiceInstance) *model.ServiceInstance {
	inst := candidates[st.cursor%uint64(len(candidates))]
	st.cursor++
	return inst
}

func (st *serviceState) counters(id string) *instanceCounters {
	c, ok := st.instances[id]
	if !ok {
		c = &instanceCounters{}
		st.instances[id] = c
	}
	return c
}

// Balancer 负载均衡器
type Balancer struct {
	cfg     Config
	clock   clock.Clock
	logger  config.Logger
	metrics *metrics.Metrics
	sticky  *stickyTable

	mu       sync.Mutex
	services map[string]*serviceState

	connMu sync.RWMutex
	conns  map[string]*atomic.Int64
}

// New 创建负载均衡器
func New(cfg Config, c clock.Clock, logger config.Logger, m *metrics.Metrics) *Balancer {
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = config.NewNopLogger()
	}
	if cfg.DefaultStrategy.validate() != nil {
		logger.Warn("无效的默认负载均衡策略，使用round_robin", zap.String("strategy", string(cfg.DefaultStrategy)))
		cfg.DefaultStrategy = RoundRobin
	}
	for name, st := range cfg.Services {
		if st.validate() != nil {
			logger.Warn("忽略无效的服务负载均衡策略", zap.String("service", name), zap.String("strategy", string(st)))
			delete(cfg.Services, name)
		}
	}

	b := &Balancer{
		cfg:      cfg,
		clock:    c,
		logger:   logger,
		metrics:  m,
		services: make(map[string]*serviceState),
		conns:    make(map[string]*atomic.Int64),
	}
	if cfg.StickyEnabled {
		b.sticky = newStickyTable(cfg.StickyTTL)
	}
	return b
}

// StrategyFor 返回服务生效的策略，override非空时优先
func (b *Balancer) StrategyFor(name string, override Strategy) Strategy {
	if override != "" {
		return override
	}
	if st, ok := b.cfg.Services[name]; ok {
		return st
	}
	return b.cfg.DefaultStrategy
}

// Select 从候选实例中选择一个，候选为空时返回NoHealthyInstancesError
func (b *Balancer) Select(name string, candidates []*model.ServiceInstance, strategy Strategy, req Request) (*model.ServiceInstance, error) {
	return b.selectFrom(name, candidates, strategy, req, true)
}

// SelectTrial 记录一次半开实例的试探选择，不读取也不写入粘性会话
func (b *Balancer) SelectTrial(name string, inst *model.ServiceInstance, strategy Strategy) (*model.ServiceInstance, error) {
	if inst == nil {
		return nil, model.NewNoHealthyInstancesError(name)
	}
	return b.selectFrom(name, []*model.ServiceInstance{inst}, strategy, Request{}, false)
}

// StickyTarget 返回会话当前绑定的实例，不延长会话有效期
func (b *Balancer) StickyTarget(name, session string) (string, bool) {
	if b.sticky == nil || session == "" {
		return "", false
	}
	return b.sticky.peek(stickyKey(name, session), b.clock.Now())
}

func (b *Balancer) selectFrom(name string, candidates []*model.ServiceInstance, strategy Strategy, req Request, sticky bool) (*model.ServiceInstance, error) {
	if len(candidates) == 0 {
		return nil, model.NewNoHealthyInstancesError(name)
	}
	strategy = b.StrategyFor(name, strategy)
	if err := strategy.validate(); err != nil {
		return nil, model.NewValidationError("%v", err)
	}

	sorted := make([]*model.ServiceInstance, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	st := b.state(name)
	st.mu.Lock()
	defer st.mu.Unlock()

	var chosen *model.ServiceInstance
	now := b.clock.Now()
	sticky = sticky && b.sticky != nil && req.SessionID != ""
	if sticky {
		if id, ok := b.sticky.get(stickyKey(name, req.SessionID), now); ok {
			chosen = find(sorted, id)
		}
	}
	if chosen == nil {
		chosen = b.pick(st, strategy, sorted, req)
		if sticky {
			b.sticky.put(stickyKey(name, req.SessionID), chosen.ID, now)
		}
	}

	st.total++
	st.byStrat[strategy]++
	st.counters(chosen.ID).selections++
	b.metrics.Selection(name, string(strategy))

	return chosen, nil
}

// Acquire 记录实例上新建立的连接，返回当前活跃连接数
func (b *Balancer) Acquire(id string) int64 {
	return b.counter(id).Add(1)
}

// Release 记录实例上的连接结束，计数不会小于0
func (b *Balancer) Release(id string) int64 {
	b.connMu.RLock()
	c, ok := b.conns[id]
	b.connMu.RUnlock()
	if !ok {
		return 0
	}
	for {
		cur := c.Load()
		if cur <= 0 {
			return 0
		}
		if c.CompareAndSwap(cur, cur-1) {
			return cur - 1
		}
	}
}

// ActiveConnections 返回实例的活跃连接数
func (b *Balancer) ActiveConnections(id string) int64 {
	b.connMu.RLock()
	c, ok := b.conns[id]
	b.connMu.RUnlock()
	if !ok {
		return 0
	}
	return c.Load()
}

// RecordOutcome 记录调用结果用于统计
func (b *Balancer) RecordOutcome(name, id string, latency time.Duration, success bool) {
	st := b.state(name)
	st.mu.Lock()
	st.counters(id).observe(latency, success)
	st.mu.Unlock()
}

// Stats 返回服务的负载均衡统计，未发生过选择的服务返回空统计
func (b *Balancer) Stats(name string) ServiceStats {
	s := ServiceStats{
		Service:    name,
		Strategy:   b.StrategyFor(name, ""),
		ByStrategy: make(map[Strategy]int64),
		Instances:  make(map[string]InstanceStats),
	}

	b.mu.Lock()
	st, ok := b.services[name]
	b.mu.Unlock()
	if !ok {
		return s
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	s.TotalSelections = st.total
	for k, v := range st.byStrat {
		s.ByStrategy[k] = v
	}
	for id, c := range st.instances {
		is := c.snapshot(st.total)
		is.ActiveConnections = b.ActiveConnections(id)
		s.Instances[id] = is
	}
	return s
}

// PurgeExpired 清理过期的粘性会话
func (b *Balancer) PurgeExpired(now time.Time) int {
	if b.sticky == nil {
		return 0
	}
	return b.sticky.purge(now)
}

// StickySessions 返回当前粘性会话数
func (b *Balancer) StickySessions() int {
	if b.sticky == nil {
		return 0
	}
	return b.sticky.len()
}

// OnInstanceChange 实例移除时清理连接计数、粘性会话和统计
func (b *Balancer) OnInstanceChange(ev model.ChangeEvent) {
	if ev.Type != model.EventRemoved {
		return
	}

	b.connMu.Lock()
	delete(b.conns, ev.InstanceID)
	b.connMu.Unlock()

	if b.sticky != nil {
		b.sticky.removeInstance(ev.InstanceID)
	}

	b.mu.Lock()
	st, ok := b.services[ev.ServiceName]
	b.mu.Unlock()
	if ok {
		st.mu.Lock()
		delete(st.instances, ev.InstanceID)
		st.mu.Unlock()
	}

	b.logger.Debug("已清理实例的负载均衡状态", zap.String("instance_id", ev.InstanceID))
}

func (b *Balancer) state(name string) *serviceState {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.services[name]
	if !ok {
		st = &serviceState{
			byStrat:   make(map[Strategy]int64),
			instances: make(map[string]*instanceCounters),
		}
		b.services[name] = st
	}
	return st
}

func (b *Balancer) counter(id string) *atomic.Int64 {
	b.connMu.RLock()
	c, ok := b.conns[id]
	b.connMu.RUnlock()
	if ok {
		return c
	}

	b.connMu.Lock()
	defer b.connMu.Unlock()
	if c, ok := b.conns[id]; ok {
		return c
	}
	c = &atomic.Int64{}
	b.conns[id] = c
	return c
}

func find(candidates []*model.ServiceInstance, id string) *model.ServiceInstance {
	for _, inst := range candidates {
		if inst.ID == id {
			return inst
		}
	}
	return nil
}
