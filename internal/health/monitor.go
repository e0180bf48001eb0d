// Package health 实现主动健康检查：每个实例一个独立的定时探测任务
package health

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/hewenyu/service-registry/internal/circuit"
	"github.com/hewenyu/service-registry/internal/config"
	"github.com/hewenyu/service-registry/internal/core/clock"
	"github.com/hewenyu/service-registry/internal/core/model"
	"github.com/hewenyu/service-registry/internal/metrics"
)

// InstanceStore 健康检查依赖的实例存储操作
type InstanceStore interface {
	Get(ctx context.Context, id string) (*model.ServiceInstance, error)
	TransitionStatus(ctx context.Context, id string, from, to model.InstanceStatus) (bool, error)
}

// CircuitRecorder 接收健康状态变化触发的熔断事件
type CircuitRecorder interface {
	RecordFailure(ctx context.Context, id string) circuit.State
	RecordSuccess(ctx context.Context, id string) circuit.State
}

// Config 健康检查调度配置
type Config struct {
	// MaxConcurrentProbes 同时执行的探测数上限
	MaxConcurrentProbes int64
	// ProbeRateLimit 每秒最多发起的探测数，0表示不限制
	ProbeRateLimit float64
	ProbeBurst     int
}

// MonitorStats 健康检查器的整体统计
type MonitorStats struct {
	Monitored int               `json:"monitored"`
	Running   bool              `json:"running"`
	ByType    map[string]int    `json:"by_type"`
	Failing   []string          `json:"failing"`
	Probers   []model.CheckType `json:"probers"`
}

type task struct {
	id      string
	spec    *model.HealthCheckSpec
	tracker *tracker
	cancel  context.CancelFunc
	// running 已启动探测协程
	running bool
}

// Monitor 健康检查器
type Monitor struct {
	store    InstanceStore
	breakers CircuitRecorder
	probers  map[model.CheckType]Prober
	clock    clock.Clock
	logger   config.Logger
	metrics  *metrics.Metrics

	sem     *semaphore.Weighted
	limiter *rate.Limiter

	mu     sync.Mutex
	tasks  map[string]*task
	root   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor 创建健康检查器，breakers可以为nil
func NewMonitor(cfg Config, store InstanceStore, breakers CircuitRecorder, probers map[model.CheckType]Prober,
	c clock.Clock, logger config.Logger, m *metrics.Metrics) *Monitor {
	if cfg.MaxConcurrentProbes <= 0 {
		cfg.MaxConcurrentProbes = 100
	}
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = config.NewNopLogger()
	}

	mon := &Monitor{
		store:    store,
		breakers: breakers,
		probers:  probers,
		clock:    c,
		logger:   logger,
		metrics:  m,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrentProbes),
		tasks:    make(map[string]*task),
	}
	if cfg.ProbeRateLimit > 0 {
		burst := cfg.ProbeBurst
		if burst <= 0 {
			burst = 1
		}
		mon.limiter = rate.NewLimiter(rate.Limit(cfg.ProbeRateLimit), burst)
	}
	return mon
}

// OnInstanceChange 根据实例变更调度或取消探测任务。
// 在实例写锁内被同步调用，注销后不会再有新的探测被发起
func (m *Monitor) OnInstanceChange(ev model.ChangeEvent) {
	switch ev.Type {
	case model.EventAdded:
		if ev.Instance != nil && ev.Instance.HealthCheck != nil {
			m.schedule(ev.InstanceID, ev.Instance.HealthCheck, true)
		} else {
			m.unschedule(ev.InstanceID)
		}
	case model.EventUpdated:
		if ev.Instance == nil || ev.Instance.HealthCheck == nil {
			m.unschedule(ev.InstanceID)
			return
		}
		m.schedule(ev.InstanceID, ev.Instance.HealthCheck, false)
	case model.EventRemoved:
		m.unschedule(ev.InstanceID)
	}
}

// Start 启动全部已调度实例的探测协程
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.root != nil {
		return
	}
	m.root, m.cancel = context.WithCancel(ctx)
	for _, t := range m.tasks {
		m.launch(t)
	}

	m.logger.Info("健康检查已启动", zap.Int("instances", len(m.tasks)))
}

// Stop 停止全部探测并等待进行中的探测结束
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("健康检查已停止")
}

// CheckNow 立即对实例执行一次探测并应用结果
func (m *Monitor) CheckNow(ctx context.Context, id string) (*model.HealthCheckResult, error) {
	m.mu.Lock()
	t, ok := m.tasks[id]
	m.mu.Unlock()
	if !ok {
		return nil, model.NewNotFoundError(id)
	}

	result := m.check(ctx, t)
	m.apply(ctx, t, result)
	return result, nil
}

// InstanceHealth 返回实例的健康检查统计
func (m *Monitor) InstanceHealth(id string) (Stats, error) {
	m.mu.Lock()
	t, ok := m.tasks[id]
	m.mu.Unlock()
	if !ok {
		return Stats{}, model.NewNotFoundError(id)
	}
	return t.tracker.stats(id, t.spec.CheckType), nil
}

// Stats 返回健康检查器的整体统计
func (m *Monitor) Stats() MonitorStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := MonitorStats{
		Monitored: len(m.tasks),
		Running:   m.root != nil && m.root.Err() == nil,
		ByType:    make(map[string]int),
		Failing:   []string{},
	}
	for id, t := range m.tasks {
		s.ByType[string(t.spec.CheckType)]++
		t.tracker.mu.Lock()
		if t.tracker.failures > 0 {
			s.Failing = append(s.Failing, id)
		}
		t.tracker.mu.Unlock()
	}
	for ct := range m.probers {
		s.Probers = append(s.Probers, ct)
	}
	sort.Strings(s.Failing)
	sort.Slice(s.Probers, func(i, j int) bool { return s.Probers[i] < s.Probers[j] })
	return s
}

// schedule 为实例创建探测任务，配置未变化且reset为false时保留现有任务
func (m *Monitor) schedule(id string, spec *model.HealthCheckSpec, reset bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.tasks[id]; ok {
		if !reset && reflect.DeepEqual(old.spec, spec) {
			return
		}
		m.stopTask(old)
	}

	t := &task{
		id:      id,
		spec:    spec.Clone(),
		tracker: newTracker(spec),
	}
	m.tasks[id] = t
	if m.root != nil {
		m.launch(t)
	}
	m.metrics.SetMonitored(len(m.tasks))

	m.logger.Debug("已调度健康检查",
		zap.String("instance_id", id),
		zap.String("check_type", string(spec.CheckType)),
		zap.Duration("interval", spec.Interval))
}

func (m *Monitor) unschedule(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return
	}
	m.stopTask(t)
	delete(m.tasks, id)
	m.metrics.SetMonitored(len(m.tasks))

	m.logger.Debug("已取消健康检查", zap.String("instance_id", id))
}

// stopTask 调用方需持有m.mu
func (m *Monitor) stopTask(t *task) {
	if t.cancel != nil {
		t.cancel()
	}
	delete(m.tasks, t.id)
}

// launch 调用方需持有m.mu
func (m *Monitor) launch(t *task) {
	if t.running {
		return
	}
	ctx, cancel := context.WithCancel(m.root)
	t.cancel = cancel
	t.running = true

	m.wg.Add(1)
	go m.run(ctx, t)
}

// run 单个实例的探测循环
func (m *Monitor) run(ctx context.Context, t *task) {
	defer m.wg.Done()

	ticker := time.NewTicker(t.spec.Interval)
	defer ticker.Stop()

	m.probe(ctx, t)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probe(ctx, t)
		}
	}
}

// probe 在并发和速率限制内执行一次探测
func (m *Monitor) probe(ctx context.Context, t *task) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer m.sem.Release(1)

	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return
		}
	}

	result := m.check(ctx, t)
	m.apply(ctx, t, result)
}

// check 执行探测，任何错误或panic都归一为失败结果
func (m *Monitor) check(ctx context.Context, t *task) (result *model.HealthCheckResult) {
	result = &model.HealthCheckResult{
		InstanceID: t.id,
		Timestamp:  m.clock.Now(),
	}
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			result.Success = false
			result.Error = fmt.Sprintf("探测异常: %v", r)
			m.logger.Error("健康检查探测异常", zap.String("instance_id", t.id), zap.Any("panic", r))
		}
		result.Latency = time.Since(start)
		m.metrics.HealthCheck(string(t.spec.CheckType), result.Success, result.Latency)
	}()

	prober, ok := m.probers[t.spec.CheckType]
	if !ok {
		result.Error = fmt.Sprintf("不支持的健康检查类型: %s", t.spec.CheckType)
		return result
	}

	inst, err := m.store.Get(ctx, t.id)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	probeCtx, cancel := context.WithTimeout(ctx, t.spec.Timeout)
	defer cancel()

	err = prober.Probe(probeCtx, inst, t.spec)
	if err == nil && probeCtx.Err() != nil {
		err = probeCtx.Err()
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(probeCtx.Err(), context.DeadlineExceeded) {
			err = model.NewTimeoutError("健康检查", err)
		}
		result.Error = err.Error()
		return result
	}

	result.Success = true
	return result
}

// apply 记录结果并驱动状态转换，任务已被取消或实例已不存在时结果被丢弃
func (m *Monitor) apply(ctx context.Context, t *task, result *model.HealthCheckResult) {
	if !m.current(t) {
		return
	}

	inst, err := m.store.Get(ctx, t.id)
	if err != nil {
		return
	}

	successes, failures := t.tracker.record(result)
	if !result.Success {
		m.logger.Debug("健康检查失败",
			zap.String("instance_id", t.id),
			zap.String("service", inst.Name),
			zap.Int("consecutive_failures", failures),
			zap.String("error", result.Error))
	}

	target := nextStatus(inst.Status, successes, failures, t.spec)
	if target == "" {
		return
	}

	changed, err := m.store.TransitionStatus(ctx, t.id, inst.Status, target)
	if err != nil {
		// 实例可能在探测期间被注销或改为摘流
		m.logger.Debug("健康状态更新未生效", zap.String("instance_id", t.id), zap.Error(err))
		return
	}
	if !changed {
		// 并发的探测已完成同一转换
		return
	}
	m.metrics.HealthTransition(string(target))

	fields := []zap.Field{
		zap.String("instance_id", t.id),
		zap.String("service", inst.Name),
		zap.String("from", string(inst.Status)),
		zap.String("to", string(target)),
	}
	if target == model.StatusUnhealthy {
		m.logger.Warn("实例变为不健康", append(fields, zap.String("error", result.Error))...)
	} else {
		m.logger.Info("实例变为健康", fields...)
	}

	if m.breakers == nil {
		return
	}
	switch {
	case inst.Status == model.StatusHealthy && target == model.StatusUnhealthy:
		m.breakers.RecordFailure(ctx, t.id)
	case inst.Status == model.StatusUnhealthy && target == model.StatusHealthy:
		m.breakers.RecordSuccess(ctx, t.id)
	}
}

// current 判断任务是否仍是该实例当前的探测任务
func (m *Monitor) current(t *task) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks[t.id] == t
}
