// Package discovery 实现服务发现查询：组合实例存储、健康状态、熔断器和负载均衡
package discovery

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/service-registry/internal/balancer"
	"github.com/hewenyu/service-registry/internal/circuit"
	"github.com/hewenyu/service-registry/internal/config"
	"github.com/hewenyu/service-registry/internal/core/clock"
	"github.com/hewenyu/service-registry/internal/core/model"
	"github.com/hewenyu/service-registry/internal/health"
	"github.com/hewenyu/service-registry/internal/metrics"
)

// InstanceReader 服务发现依赖的实例读取操作
type InstanceReader interface {
	Get(ctx context.Context, id string) (*model.ServiceInstance, error)
	ListByName(ctx context.Context, name string, filter model.InstanceFilter) ([]*model.ServiceInstance, error)
}

// HealthReporter 提供实例的健康检查统计
type HealthReporter interface {
	InstanceHealth(id string) (health.Stats, error)
}

// Config 服务发现配置
type Config struct {
	CacheEnabled bool
	CacheMaxAge  time.Duration
	// QueryTimeout 查询未指定超时时使用的默认值
	QueryTimeout time.Duration
}

// Query 服务发现查询
type Query struct {
	Name     string
	Filter   model.InstanceFilter
	Strategy balancer.Strategy
	Request  balancer.Request
	// Limit 列表查询返回的最大数量，0表示不限制
	Limit   int
	Timeout time.Duration
}

// Outcome 调用方上报的一次调用结果
type Outcome struct {
	InstanceID string        `json:"instance_id"`
	Latency    time.Duration `json:"latency"`
	Success    bool          `json:"success"`
}

// Engine 服务发现查询引擎
type Engine struct {
	cfg      Config
	store    InstanceReader
	breakers *circuit.Manager
	lb       *balancer.Balancer
	health   HealthReporter
	clock    clock.Clock
	logger   config.Logger
	metrics  *metrics.Metrics
	cache    *queryCache
}

// NewEngine 创建服务发现引擎，healthReporter可以为nil
func NewEngine(cfg Config, store InstanceReader, breakers *circuit.Manager, lb *balancer.Balancer,
	healthReporter HealthReporter, c clock.Clock, logger config.Logger, m *metrics.Metrics) *Engine {
	if cfg.CacheMaxAge <= 0 {
		cfg.CacheMaxAge = 10 * time.Second
	}
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = config.NewNopLogger()
	}

	e := &Engine{
		cfg:      cfg,
		store:    store,
		breakers: breakers,
		lb:       lb,
		health:   healthReporter,
		clock:    c,
		logger:   logger,
		metrics:  m,
	}
	if cfg.CacheEnabled {
		e.cache = newQueryCache(cfg.CacheMaxAge)
	}
	return e
}

// OnInstanceChange 实例成员或状态变化时使该服务的缓存失效，单纯的心跳不影响缓存
func (e *Engine) OnInstanceChange(ev model.ChangeEvent) {
	if e.cache == nil || !ev.AffectsMembership() {
		return
	}
	e.cache.invalidate(ev.ServiceName)
}

// Discover 为服务选择一个可用实例
func (e *Engine) Discover(ctx context.Context, q Query) (*model.ServiceInstance, error) {
	inst, err := withTimeout(ctx, e.timeout(q), func(ctx context.Context) (*model.ServiceInstance, error) {
		return e.discover(ctx, q)
	})
	e.observe(q.Name, err)
	return inst, err
}

// DiscoverAll 返回服务全部可用实例
func (e *Engine) DiscoverAll(ctx context.Context, q Query) ([]*model.ServiceInstance, error) {
	list, err := withTimeout(ctx, e.timeout(q), func(ctx context.Context) ([]*model.ServiceInstance, error) {
		return e.discoverAll(ctx, q)
	})
	e.observe(q.Name, err)
	return list, err
}

// ReportOutcome 上报调用结果，驱动熔断器并记录负载均衡统计
func (e *Engine) ReportOutcome(ctx context.Context, o Outcome) error {
	inst, err := e.store.Get(ctx, o.InstanceID)
	if err != nil {
		return err
	}

	if o.Success {
		e.breakers.RecordSuccess(ctx, o.InstanceID)
	} else {
		e.breakers.RecordFailure(ctx, o.InstanceID)
	}
	e.lb.RecordOutcome(inst.Name, o.InstanceID, o.Latency, o.Success)
	return nil
}

func (e *Engine) discover(ctx context.Context, q Query) (*model.ServiceInstance, error) {
	eligible, trials, err := e.candidates(ctx, q)
	if err != nil {
		return nil, err
	}

	// 会话仍绑定在可用实例上时不参与试探
	bound := false
	if id, ok := e.lb.StickyTarget(q.Name, q.Request.SessionID); ok {
		bound = containsID(eligible, id)
	}

	// 优先把半开实例的试探名额交给本次查询，避免恢复被饿死
	if !bound {
		for _, inst := range trials {
			if !e.breakers.TryClaimTrial(ctx, inst.ID) {
				continue
			}
			chosen, err := e.lb.SelectTrial(q.Name, inst, q.Strategy)
			if err != nil {
				return nil, err
			}
			e.logger.Info("选择半开实例进行试探", zap.String("service", q.Name), zap.String("instance_id", inst.ID))
			return chosen.Clone(), nil
		}
	}

	if len(eligible) == 0 {
		return nil, model.NewCircuitOpenError(q.Name)
	}

	chosen, err := e.lb.Select(q.Name, eligible, q.Strategy, q.Request)
	if err != nil {
		return nil, err
	}
	return chosen.Clone(), nil
}

func (e *Engine) discoverAll(ctx context.Context, q Query) ([]*model.ServiceInstance, error) {
	eligible, trials, err := e.candidates(ctx, q)
	if err != nil {
		return nil, err
	}

	type entry struct {
		inst  *model.ServiceInstance
		trial bool
	}
	entries := make([]entry, 0, len(eligible)+len(trials))
	for _, inst := range eligible {
		entries = append(entries, entry{inst: inst})
	}
	for _, inst := range trials {
		entries = append(entries, entry{inst: inst, trial: true})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].inst.ID < entries[j].inst.ID })

	// 只为确定会返回的半开实例占用试探名额
	result := make([]*model.ServiceInstance, 0, len(entries))
	for _, en := range entries {
		if q.Limit > 0 && len(result) >= q.Limit {
			break
		}
		if en.trial && !e.breakers.TryClaimTrial(ctx, en.inst.ID) {
			continue
		}
		result = append(result, en.inst.Clone())
	}
	if len(result) == 0 {
		return nil, model.NewCircuitOpenError(q.Name)
	}
	return result, nil
}

func containsID(list []*model.ServiceInstance, id string) bool {
	for _, inst := range list {
		if inst.ID == id {
			return true
		}
	}
	return false
}

// candidates 返回健康且熔断器关闭的实例，以及可试探的半开实例
func (e *Engine) candidates(ctx context.Context, q Query) (eligible, trials []*model.ServiceInstance, err error) {
	if strings.TrimSpace(q.Name) == "" {
		return nil, nil, model.NewValidationError("服务名不能为空")
	}

	members, err := e.lookup(ctx, q.Name, q.Filter)
	if err != nil {
		return nil, nil, err
	}

	healthy := 0
	for _, inst := range members {
		if inst.Status != model.StatusHealthy {
			continue
		}
		healthy++
		switch e.breakers.Peek(inst.ID) {
		case circuit.Admit:
			eligible = append(eligible, inst)
		case circuit.AdmitTrial:
			trials = append(trials, inst)
		}
	}

	if healthy == 0 {
		return nil, nil, model.NewNoHealthyInstancesError(q.Name)
	}
	return eligible, trials, nil
}

// lookup 读取服务实例，优先使用缓存
func (e *Engine) lookup(ctx context.Context, name string, filter model.InstanceFilter) ([]*model.ServiceInstance, error) {
	if e.cache == nil {
		return e.store.ListByName(ctx, name, filter)
	}

	key, err := keyFor(name, filter)
	if err != nil {
		e.logger.Warn("计算缓存键失败", zap.String("service", name), zap.Error(err))
		return e.store.ListByName(ctx, name, filter)
	}

	if cached, ok := e.cache.get(key, e.clock.Now()); ok {
		e.metrics.CacheHit()
		return cached, nil
	}
	e.metrics.CacheMiss()

	gen := e.cache.generation(name)
	list, err := e.store.ListByName(ctx, name, filter)
	if err != nil {
		return nil, err
	}
	e.cache.put(key, name, gen, list, e.clock.Now())
	return list, nil
}

func (e *Engine) timeout(q Query) time.Duration {
	if q.Timeout > 0 {
		return q.Timeout
	}
	return e.cfg.QueryTimeout
}

func (e *Engine) observe(name string, err error) {
	result := "ok"
	if err != nil {
		switch model.CodeOf(err) {
		case model.CodeNoHealthyInstances:
			result = "no_healthy_instances"
		case model.CodeCircuitOpen:
			result = "circuit_open"
		case model.CodeTimeout:
			result = "timeout"
			e.logger.Warn("服务发现查询超时", zap.String("service", name))
		default:
			result = "error"
		}
	}
	e.metrics.Discovery(result)
}

// withTimeout 在超时内执行查询，超时后立即返回TimeoutError
func withTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if timeout <= 0 {
		return fn(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{value: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) {
			return zero, model.NewTimeoutError("服务发现", r.err)
		}
		return r.value, r.err
	case <-ctx.Done():
		return zero, model.NewTimeoutError("服务发现", ctx.Err())
	}
}
