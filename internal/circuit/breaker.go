// Package circuit 实现按实例划分的熔断器
package circuit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/service-registry/internal/config"
	"github.com/hewenyu/service-registry/internal/core/clock"
	"github.com/hewenyu/service-registry/internal/core/model"
	"github.com/hewenyu/service-registry/internal/metrics"
	"github.com/hewenyu/service-registry/internal/store/kv"
)

const circuitsDir = "circuits"

// State 熔断器状态
type State string

const (
	// StateClosed 正常，实例可被选中
	StateClosed State = "closed"
	// StateOpen 熔断中，实例不可被选中
	StateOpen State = "open"
	// StateHalfOpen 半开，允许一次试探请求
	StateHalfOpen State = "half_open"
)

// Admission 选择前的准入判断结果
type Admission int

const (
	// Admit 熔断器关闭，正常参与选择
	Admit Admission = iota
	// AdmitTrial 半开且试探名额可领取
	AdmitTrial
	// Reject 熔断中或试探名额已被领取
	Reject
)

// Config 熔断器配置
type Config struct {
	FailureThreshold int
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
	Multiplier       float64
	// TrialTimeout 试探名额被领取后多久未报告结果可重新领取
	TrialTimeout time.Duration
}

// Snapshot 熔断器状态快照，同时也是持久化记录的格式
type Snapshot struct {
	InstanceID          string        `json:"instance_id"`
	State               State         `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastFailureAt       time.Time     `json:"last_failure_at,omitempty"`
	OpenUntil           time.Time     `json:"open_until,omitempty"`
	Backoff             time.Duration `json:"backoff"`
	TrialClaimedAt      time.Time     `json:"trial_claimed_at,omitempty"`
	Opens               int           `json:"opens"`
}

type breaker struct {
	mu sync.Mutex
	Snapshot
}

// Manager 管理全部实例的熔断器
type Manager struct {
	cfg     Config
	kv      kv.Store
	prefix  string
	clock   clock.Clock
	logger  config.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	breakers map[string]*breaker
}

// NewManager 创建熔断器管理器，store为nil时熔断状态不持久化
func NewManager(cfg Config, store kv.Store, prefix string, c clock.Clock, logger config.Logger, m *metrics.Metrics) *Manager {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Minute
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 2
	}
	if cfg.TrialTimeout <= 0 {
		cfg.TrialTimeout = 30 * time.Second
	}
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = config.NewNopLogger()
	}

	return &Manager{
		cfg:      cfg,
		kv:       store,
		prefix:   kv.Join(prefix, circuitsDir) + "/",
		clock:    c,
		logger:   logger,
		metrics:  m,
		breakers: make(map[string]*breaker),
	}
}

// RecordFailure 记录一次调用失败
func (m *Manager) RecordFailure(ctx context.Context, id string) State {
	b := m.getOrCreate(id)
	b.mu.Lock()
	defer b.mu.Unlock()

	now := m.clock.Now()
	prev := m.refresh(b, now)

	b.ConsecutiveFailures++
	b.LastFailureAt = now

	switch prev {
	case StateClosed:
		if b.ConsecutiveFailures >= m.cfg.FailureThreshold {
			m.open(b, now)
		}
	case StateHalfOpen:
		// 试探失败，退避时间指数增长
		next := time.Duration(float64(b.Backoff) * m.cfg.Multiplier)
		if next > m.cfg.MaxBackoff || next <= 0 {
			next = m.cfg.MaxBackoff
		}
		b.Backoff = next
		m.open(b, now)
	}

	m.persist(ctx, b)
	m.transitioned(id, prev, b)
	return b.State
}

// RecordSuccess 记录一次调用成功
func (m *Manager) RecordSuccess(ctx context.Context, id string) State {
	b := m.lookup(id)
	if b == nil {
		return StateClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	prev := m.refresh(b, m.clock.Now())
	switch prev {
	case StateHalfOpen:
		b.State = StateClosed
		b.Backoff = m.cfg.BaseBackoff
		b.OpenUntil = time.Time{}
		b.TrialClaimedAt = time.Time{}
		b.ConsecutiveFailures = 0
	case StateClosed:
		if b.ConsecutiveFailures == 0 {
			return StateClosed
		}
		b.ConsecutiveFailures = 0
	case StateOpen:
		// 熔断窗口内的成功不提前恢复
		return StateOpen
	}

	m.persist(ctx, b)
	m.transitioned(id, prev, b)
	return b.State
}

// State 返回熔断器当前状态，open窗口到期后惰性转为half_open
func (m *Manager) State(id string) State {
	b := m.lookup(id)
	if b == nil {
		return StateClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return m.refresh(b, m.clock.Now())
}

// Peek 判断实例能否参与选择，不领取试探名额
func (m *Manager) Peek(id string) Admission {
	b := m.lookup(id)
	if b == nil {
		return Admit
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := m.clock.Now()
	switch m.refresh(b, now) {
	case StateClosed:
		return Admit
	case StateHalfOpen:
		if m.trialAvailable(b, now) {
			return AdmitTrial
		}
	}
	return Reject
}

// TryClaimTrial 原子地领取半开状态下唯一的试探名额
func (m *Manager) TryClaimTrial(ctx context.Context, id string) bool {
	b := m.lookup(id)
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := m.clock.Now()
	if m.refresh(b, now) != StateHalfOpen || !m.trialAvailable(b, now) {
		return false
	}
	b.TrialClaimedAt = now
	m.persist(ctx, b)

	m.logger.Debug("已领取熔断试探名额", zap.String("instance_id", id))
	return true
}

// Reset 将熔断器恢复为关闭状态
func (m *Manager) Reset(ctx context.Context, id string) {
	b := m.lookup(id)
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	prev := m.refresh(b, m.clock.Now())
	b.Snapshot = Snapshot{
		InstanceID: id,
		State:      StateClosed,
		Backoff:    m.cfg.BaseBackoff,
	}
	m.persist(ctx, b)
	m.transitioned(id, prev, b)
}

// ResetAll 关闭全部熔断器并清除持久化记录，返回此前未处于关闭状态的数量
func (m *Manager) ResetAll(ctx context.Context) (int, error) {
	m.mu.RLock()
	list := make([]*breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		list = append(list, b)
	}
	m.mu.RUnlock()

	now := m.clock.Now()
	reset := 0
	for _, b := range list {
		b.mu.Lock()
		prev := m.refresh(b, now)
		if prev != StateClosed {
			reset++
		}
		b.Snapshot = Snapshot{
			InstanceID: b.InstanceID,
			State:      StateClosed,
			Backoff:    m.cfg.BaseBackoff,
		}
		m.transitioned(b.InstanceID, prev, b)
		b.mu.Unlock()
	}

	if m.kv != nil {
		// 关闭状态与没有记录等价
		if err := kv.DeletePrefix(ctx, m.kv, m.prefix); err != nil {
			return reset, fmt.Errorf("清除熔断器记录失败: %w", err)
		}
	}
	m.logger.Info("已重置全部熔断器", zap.Int("reset", reset))
	return reset, nil
}

// Snapshot 返回熔断器状态快照
func (m *Manager) Snapshot(id string) Snapshot {
	b := m.lookup(id)
	if b == nil {
		return Snapshot{InstanceID: id, State: StateClosed, Backoff: m.cfg.BaseBackoff}
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	m.refresh(b, m.clock.Now())
	return b.Snapshot
}

// Remove 删除实例的熔断器及其持久化记录
func (m *Manager) Remove(ctx context.Context, id string) {
	m.mu.Lock()
	_, ok := m.breakers[id]
	delete(m.breakers, id)
	m.mu.Unlock()

	if !ok || m.kv == nil {
		return
	}
	if err := m.kv.Delete(ctx, m.key(id)); err != nil {
		m.logger.Warn("删除熔断器记录失败", zap.String("instance_id", id), zap.Error(err))
	}
}

// OnInstanceChange 实例注销时删除熔断器，重新注册时重置熔断器
func (m *Manager) OnInstanceChange(ev model.ChangeEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch ev.Type {
	case model.EventRemoved:
		m.Remove(ctx, ev.InstanceID)
	case model.EventAdded:
		m.Reset(ctx, ev.InstanceID)
	}
}

// Rehydrate 从持久化存储恢复熔断器状态，alive用于识别已不存在的实例，其记录会被清除
func (m *Manager) Rehydrate(ctx context.Context, alive func(id string) bool) (int, error) {
	if m.kv == nil {
		return 0, nil
	}

	records, err := m.kv.ScanPrefix(ctx, m.prefix)
	if err != nil {
		return 0, fmt.Errorf("加载熔断器记录失败: %w", err)
	}

	loaded := 0
	for key, data := range records {
		var snap Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			m.logger.Warn("跳过无法解析的熔断器记录", zap.String("key", key), zap.Error(err))
			continue
		}
		if snap.InstanceID == "" {
			snap.InstanceID = strings.TrimPrefix(key, m.prefix)
		}
		if alive != nil && !alive(snap.InstanceID) {
			if err := m.kv.Delete(ctx, key); err != nil {
				m.logger.Warn("删除孤立的熔断器记录失败", zap.String("key", key), zap.Error(err))
			}
			continue
		}
		if snap.Backoff <= 0 {
			snap.Backoff = m.cfg.BaseBackoff
		}

		m.mu.Lock()
		m.breakers[snap.InstanceID] = &breaker{Snapshot: snap}
		m.mu.Unlock()
		loaded++
	}

	m.logger.Info("熔断器状态已恢复", zap.Int("count", loaded))
	return loaded, nil
}

// refresh 计算惰性状态转换，调用方需持有b.mu
func (m *Manager) refresh(b *breaker, now time.Time) State {
	if b.State == StateOpen && !now.Before(b.OpenUntil) {
		b.State = StateHalfOpen
		b.TrialClaimedAt = time.Time{}
		m.metrics.CircuitTransition(string(StateHalfOpen))
		m.logger.Info("熔断器进入半开状态", zap.String("instance_id", b.InstanceID))
	}
	return b.State
}

func (m *Manager) trialAvailable(b *breaker, now time.Time) bool {
	return b.TrialClaimedAt.IsZero() || now.Sub(b.TrialClaimedAt) >= m.cfg.TrialTimeout
}

func (m *Manager) open(b *breaker, now time.Time) {
	b.State = StateOpen
	b.OpenUntil = now.Add(b.Backoff)
	b.TrialClaimedAt = time.Time{}
	b.Opens++
}

func (m *Manager) transitioned(id string, prev State, b *breaker) {
	if prev == b.State {
		return
	}
	m.metrics.CircuitTransition(string(b.State))

	fields := []zap.Field{
		zap.String("instance_id", id),
		zap.String("from", string(prev)),
		zap.String("to", string(b.State)),
	}
	if b.State == StateOpen {
		fields = append(fields, zap.Duration("backoff", b.Backoff), zap.Time("open_until", b.OpenUntil))
		m.logger.Warn("熔断器打开", fields...)
		return
	}
	m.logger.Info("熔断器状态变更", fields...)
}

// persist 写入持久化存储，失败只记录日志，内存状态仍然有效
func (m *Manager) persist(ctx context.Context, b *breaker) {
	if m.kv == nil {
		return
	}
	data, err := json.Marshal(b.Snapshot)
	if err != nil {
		m.logger.Error("序列化熔断器状态失败", zap.String("instance_id", b.InstanceID), zap.Error(err))
		return
	}
	if err := m.kv.Put(ctx, m.key(b.InstanceID), data, 0); err != nil {
		m.logger.Warn("保存熔断器状态失败", zap.String("instance_id", b.InstanceID), zap.Error(err))
	}
}

func (m *Manager) key(id string) string {
	return m.prefix + id
}

func (m *Manager) lookup(id string) *breaker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.breakers[id]
}

func (m *Manager) getOrCreate(id string) *breaker {
	if b := m.lookup(id); b != nil {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[id]; ok {
		return b
	}
	b := &breaker{Snapshot: Snapshot{
		InstanceID: id,
		State:      StateClosed,
		Backoff:    m.cfg.BaseBackoff,
	}}
	m.breakers[id] = b
	return b
}
