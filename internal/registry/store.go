// Package registry 实现实例存储：持久化的实例记录、分片的内存快照和变更通知
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hewenyu/service-registry/internal/config"
	"github.com/hewenyu/service-registry/internal/core/clock"
	"github.com/hewenyu/service-registry/internal/core/model"
	"github.com/hewenyu/service-registry/internal/metrics"
	"github.com/hewenyu/service-registry/internal/store/kv"
)

const (
	shardCount  = 32
	lockStripes = 256

	instancesDir = "instances"
)

// Options 实例存储选项
type Options struct {
	// Prefix 持久化键前缀
	Prefix   string
	Defaults model.Defaults
	// LeaseMultiplier 持久化记录的租约为 TTL*LeaseMultiplier，0表示不设租约
	LeaseMultiplier int
	// CheckTypes 可执行的健康检查类型，为空时不限制
	CheckTypes []model.CheckType
	Clock      clock.Clock
	Logger     config.Logger
	Metrics    *metrics.Metrics
}

type shard struct {
	mu        sync.RWMutex
	instances map[string]*model.ServiceInstance
}

// Store 实例存储，是实例记录的唯一写入方
type Store struct {
	kv      kv.Store
	prefix  string
	opts    Options
	clock   clock.Clock
	logger  config.Logger
	metrics *metrics.Metrics
	bus     *EventBus

	shards [shardCount]shard
	locks  [lockStripes]sync.Mutex

	// regMu 串行化注册，保证同一端点不会并发产生两条记录
	regMu sync.Mutex

	idxMu      sync.RWMutex
	byName     map[string]map[string]struct{}
	byEndpoint map[string]string
}

// NewStore 创建实例存储
func NewStore(store kv.Store, opts Options) *Store {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = config.NewNopLogger()
	}
	if opts.Prefix == "" {
		opts.Prefix = "/service-registry"
	}

	s := &Store{
		kv:         store,
		prefix:     kv.Join(opts.Prefix, instancesDir) + "/",
		opts:       opts,
		clock:      opts.Clock,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		bus:        NewEventBus(opts.Logger),
		byName:     make(map[string]map[string]struct{}),
		byEndpoint: make(map[string]string),
	}
	for i := range s.shards {
		s.shards[i].instances = make(map[string]*model.ServiceInstance)
	}
	return s
}

// Defaults 返回注册默认值
func (s *Store) Defaults() model.Defaults {
	return s.opts.Defaults
}

// checkSupported 拒绝没有对应探测器的健康检查类型
func (s *Store) checkSupported(hc *model.HealthCheckSpec) error {
	if hc == nil || len(s.opts.CheckTypes) == 0 {
		return nil
	}
	for _, t := range s.opts.CheckTypes {
		if t == hc.CheckType {
			return nil
		}
	}
	return model.NewValidationError("健康检查类型未启用: %s", hc.CheckType)
}

// AddListener 注册同步变更监听器
func (s *Store) AddListener(l Listener) {
	s.bus.AddListener(l)
}

// Subscribe 订阅服务的变更事件流，service为空表示全部服务
func (s *Store) Subscribe(service string, buffer int) *Subscription {
	return s.bus.Subscribe(service, buffer)
}

// Register 注册实例，返回实例ID
func (s *Store) Register(ctx context.Context, spec *model.ServiceInstance) (string, error) {
	if spec == nil {
		return "", model.NewValidationError("注册信息不能为空")
	}

	inst := spec.Clone()
	if err := inst.Normalize(s.opts.Defaults); err != nil {
		return "", err
	}
	if err := s.checkSupported(inst.HealthCheck); err != nil {
		return "", err
	}

	s.regMu.Lock()
	defer s.regMu.Unlock()

	endpoint := inst.Endpoint()
	s.idxMu.RLock()
	previousID, replaced := s.byEndpoint[endpoint]
	s.idxMu.RUnlock()

	// 未指定ID的重复注册沿用已有ID
	if inst.ID == "" {
		if replaced {
			inst.ID = previousID
		} else {
			inst.ID = uuid.New().String()
		}
	}

	ids := []string{inst.ID}
	if replaced && previousID != inst.ID {
		ids = append(ids, previousID)
	}
	unlock := s.lockIDs(ids...)
	defer unlock()

	if cur, ok := s.load(inst.ID); ok && cur.Endpoint() != endpoint {
		return "", model.NewConflictError("实例ID %s 已绑定到 %s", inst.ID, cur.Endpoint())
	}

	now := s.clock.Now()
	inst.Status = model.StatusStarting
	inst.RegisteredAt = now
	inst.LastHeartbeat = now

	// 同一端点以新ID重新注册，先移除旧记录
	if replaced && previousID != inst.ID {
		if err := s.kv.Delete(ctx, s.key(previousID)); err != nil {
			return "", fmt.Errorf("删除被替换的实例失败: %w", err)
		}
		if old, ok := s.remove(previousID); ok {
			s.publish(model.EventRemoved, old, "", false)
		}
	}

	if err := s.persist(ctx, inst); err != nil {
		return "", err
	}
	s.insert(inst)

	s.metrics.Registered(inst.Name)
	s.logger.Info("实例注册成功",
		zap.String("instance_id", inst.ID),
		zap.String("service", inst.Name),
		zap.String("endpoint", inst.HostPort()),
		zap.Bool("replaced", replaced))

	s.publish(model.EventAdded, inst, "", replaced)
	return inst.ID, nil
}

// Heartbeat 刷新实例心跳，status非nil时由实例自报状态
func (s *Store) Heartbeat(ctx context.Context, id string, status *model.InstanceStatus) (*model.ServiceInstance, error) {
	unlock := s.lockIDs(id)
	defer unlock()

	cur, ok := s.load(id)
	if !ok {
		return nil, model.NewNotFoundError(id)
	}

	next := cur.Clone()
	next.LastHeartbeat = s.clock.Now()

	switch {
	case status != nil:
		if !status.Valid() || *status == model.StatusExpired {
			return nil, model.NewValidationError("心跳不能上报状态: %s", *status)
		}
		if *status != cur.Status {
			if !model.CanTransition(cur.Status, *status) {
				return nil, model.NewInvalidTransitionError(id, cur.Status, *status)
			}
			next.Status = *status
		}
	case cur.HealthCheck == nil && cur.Status == model.StatusStarting:
		// 没有主动检查的实例以心跳作为存活依据
		next.Status = model.StatusHealthy
	}

	if err := s.persist(ctx, next); err != nil {
		return nil, err
	}
	s.insert(next)
	s.metrics.Heartbeat()

	s.publish(model.EventHeartbeat, next, "", false)
	if next.Status != cur.Status {
		s.publish(model.EventStatusChanged, next, cur.Status, false)
	}
	return next.Clone(), nil
}

// Deregister 注销实例，实例不存在时直接返回成功
func (s *Store) Deregister(ctx context.Context, id string) error {
	unlock := s.lockIDs(id)
	defer unlock()

	if _, ok := s.load(id); !ok {
		return nil
	}

	if err := s.kv.Delete(ctx, s.key(id)); err != nil {
		return fmt.Errorf("删除实例记录失败: %w", err)
	}
	old, ok := s.remove(id)
	if !ok {
		return nil
	}

	s.metrics.Deregistered(old.Name)
	s.logger.Info("实例已注销", zap.String("instance_id", id), zap.String("service", old.Name))
	s.publish(model.EventRemoved, old, "", false)
	return nil
}

// UpdateStatus 按状态机更新实例状态，expired只能由过期清理设置
func (s *Store) UpdateStatus(ctx context.Context, id string, status model.InstanceStatus) error {
	if err := validTarget(status); err != nil {
		return err
	}
	_, err := s.setStatus(ctx, id, "", status)
	return err
}

// TransitionStatus 仅当实例当前状态为from时转换为to，返回是否发生了转换。
// 并发的调用方基于同一个旧状态计算出相同目标时只有一个会成功
func (s *Store) TransitionStatus(ctx context.Context, id string, from, to model.InstanceStatus) (bool, error) {
	if err := validTarget(to); err != nil {
		return false, err
	}
	return s.setStatus(ctx, id, from, to)
}

// Drain 将实例置为摘流状态，实例保留注册但不再被选中
func (s *Store) Drain(ctx context.Context, id string) error {
	_, err := s.setStatus(ctx, id, "", model.StatusDraining)
	return err
}

func validTarget(status model.InstanceStatus) error {
	if status == model.StatusExpired {
		return model.NewValidationError("expired状态只能由过期清理设置")
	}
	if !status.Valid() {
		return model.NewValidationError("无效的实例状态: %s", status)
	}
	return nil
}

// setStatus 执行状态转换，from非空时要求当前状态与之相同
func (s *Store) setStatus(ctx context.Context, id string, from, status model.InstanceStatus) (bool, error) {
	unlock := s.lockIDs(id)
	defer unlock()

	cur, ok := s.load(id)
	if !ok {
		return false, model.NewNotFoundError(id)
	}
	if cur.Status == status || (from != "" && cur.Status != from) {
		return false, nil
	}
	if !model.CanTransition(cur.Status, status) {
		return false, model.NewInvalidTransitionError(id, cur.Status, status)
	}

	next := cur.Clone()
	next.Status = status
	if err := s.persist(ctx, next); err != nil {
		return false, err
	}
	s.insert(next)

	s.logger.Info("实例状态变更",
		zap.String("instance_id", id),
		zap.String("service", next.Name),
		zap.String("from", string(cur.Status)),
		zap.String("to", string(status)))
	s.publish(model.EventStatusChanged, next, cur.Status, false)
	return true, nil
}

// Update 修改实例的版本、权重、元数据或健康检查配置
func (s *Store) Update(ctx context.Context, id string, upd model.InstanceUpdate) (*model.ServiceInstance, error) {
	unlock := s.lockIDs(id)
	defer unlock()

	cur, ok := s.load(id)
	if !ok {
		return nil, model.NewNotFoundError(id)
	}

	next := cur.Clone()
	if upd.Version != nil {
		next.Version = *upd.Version
	}
	if upd.Weight != nil {
		if *upd.Weight < model.MinWeight || *upd.Weight > model.MaxWeight {
			return nil, model.NewValidationError("权重必须在%d到%d之间: %d", model.MinWeight, model.MaxWeight, *upd.Weight)
		}
		next.Weight = *upd.Weight
	}
	if upd.Metadata != nil {
		next.Metadata = make(map[string]string, len(upd.Metadata))
		for k, v := range upd.Metadata {
			next.Metadata[k] = v
		}
	}
	if upd.RemoveHealthCheck {
		next.HealthCheck = nil
	} else if upd.HealthCheck != nil {
		hc := upd.HealthCheck.Clone()
		if err := hc.Normalize(s.opts.Defaults); err != nil {
			return nil, err
		}
		if err := s.checkSupported(hc); err != nil {
			return nil, err
		}
		next.HealthCheck = hc
	}

	if err := s.persist(ctx, next); err != nil {
		return nil, err
	}
	s.insert(next)

	s.publish(model.EventUpdated, next, "", false)
	return next.Clone(), nil
}

// Expire 在实例心跳仍然超时的情况下将其置为expired并移除，返回是否发生了移除
func (s *Store) Expire(ctx context.Context, id string) (bool, error) {
	unlock := s.lockIDs(id)
	defer unlock()

	cur, ok := s.load(id)
	if !ok {
		return false, nil
	}
	// 加锁后重新检查，期间可能收到了心跳
	if !cur.Expired(s.clock.Now()) {
		return false, nil
	}

	if err := s.kv.Delete(ctx, s.key(id)); err != nil {
		return false, fmt.Errorf("删除过期实例失败: %w", err)
	}
	if _, ok := s.remove(id); !ok {
		return false, nil
	}

	expired := cur.Clone()
	expired.Status = model.StatusExpired

	s.metrics.Expired(cur.Name)
	s.logger.Warn("实例心跳超时，已移除",
		zap.String("instance_id", id),
		zap.String("service", cur.Name),
		zap.Time("last_heartbeat", cur.LastHeartbeat),
		zap.Duration("ttl", cur.TTL))

	s.publish(model.EventStatusChanged, expired, cur.Status, false)
	s.publish(model.EventRemoved, expired, "", false)
	return true, nil
}

// Rehydrate 从持久化存储重建内存快照，返回加载的实例数。
// 心跳时间重置为当前时间，给每个实例一个完整TTL的宽限期
func (s *Store) Rehydrate(ctx context.Context) (int, error) {
	records, err := s.kv.ScanPrefix(ctx, s.prefix)
	if err != nil {
		return 0, fmt.Errorf("加载实例记录失败: %w", err)
	}

	s.regMu.Lock()
	defer s.regMu.Unlock()

	now := s.clock.Now()
	loaded := 0
	for key, data := range records {
		var inst model.ServiceInstance
		if err := json.Unmarshal(data, &inst); err != nil {
			s.logger.Warn("跳过无法解析的实例记录", zap.String("key", key), zap.Error(err))
			continue
		}
		if inst.ID == "" || inst.Status == model.StatusExpired {
			continue
		}

		unlock := s.lockIDs(inst.ID)
		inst.LastHeartbeat = now
		s.insert(&inst)
		s.publish(model.EventAdded, &inst, "", false)
		unlock()
		loaded++
	}

	s.logger.Info("实例记录已恢复", zap.Int("count", loaded))
	return loaded, nil
}

// Get 获取实例
func (s *Store) Get(ctx context.Context, id string) (*model.ServiceInstance, error) {
	inst, ok := s.load(id)
	if !ok {
		return nil, model.NewNotFoundError(id)
	}
	return inst.Clone(), nil
}

// ListByName 按服务名列出满足过滤条件的实例，结果按ID排序
func (s *Store) ListByName(ctx context.Context, name string, filter model.InstanceFilter) ([]*model.ServiceInstance, error) {
	s.idxMu.RLock()
	ids := make([]string, 0, len(s.byName[name]))
	for id := range s.byName[name] {
		ids = append(ids, id)
	}
	s.idxMu.RUnlock()

	result := make([]*model.ServiceInstance, 0, len(ids))
	for _, id := range ids {
		inst, ok := s.load(id)
		if !ok || inst.Name != name || !filter.Match(inst) {
			continue
		}
		result = append(result, inst.Clone())
	}

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// List 列出全部实例
func (s *Store) List(ctx context.Context) ([]*model.ServiceInstance, error) {
	var result []*model.ServiceInstance
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for _, inst := range sh.instances {
			result = append(result, inst.Clone())
		}
		sh.mu.RUnlock()
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// ServiceNames 返回已注册的服务名
func (s *Store) ServiceNames(ctx context.Context) []string {
	s.idxMu.RLock()
	names := make([]string, 0, len(s.byName))
	for name := range s.byName {
		names = append(names, name)
	}
	s.idxMu.RUnlock()

	sort.Strings(names)
	return names
}

// StatusCounts 按状态统计实例数
func (s *Store) StatusCounts() map[string]int {
	counts := make(map[string]int)
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for _, inst := range sh.instances {
			counts[string(inst.Status)]++
		}
		sh.mu.RUnlock()
	}
	return counts
}

func (s *Store) key(id string) string {
	return s.prefix + id
}

func (s *Store) persist(ctx context.Context, inst *model.ServiceInstance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("序列化实例失败: %w", err)
	}
	lease := inst.TTL * timeMultiplier(s.opts.LeaseMultiplier)
	if err := s.kv.Put(ctx, s.key(inst.ID), data, lease); err != nil {
		return fmt.Errorf("保存实例记录失败: %w", err)
	}
	return nil
}

func (s *Store) publish(t model.EventType, inst *model.ServiceInstance, prev model.InstanceStatus, replaced bool) {
	s.bus.Publish(model.ChangeEvent{
		Type:        t,
		ServiceName: inst.Name,
		InstanceID:  inst.ID,
		Status:      inst.Status,
		PrevStatus:  prev,
		Instance:    inst.Clone(),
		Replaced:    replaced,
		Timestamp:   s.clock.Now(),
	})
}

func (s *Store) shardFor(id string) *shard {
	return &s.shards[hashID(id)%shardCount]
}

func (s *Store) load(id string) (*model.ServiceInstance, bool) {
	sh := s.shardFor(id)
	sh.mu.RLock()
	inst, ok := sh.instances[id]
	sh.mu.RUnlock()
	return inst, ok
}

// insert 写入快照；快照中的记录一经写入不再修改，更新总是替换为新副本
func (s *Store) insert(inst *model.ServiceInstance) {
	sh := s.shardFor(inst.ID)
	sh.mu.Lock()
	old := sh.instances[inst.ID]
	sh.instances[inst.ID] = inst
	sh.mu.Unlock()

	s.idxMu.Lock()
	if old != nil && old.Endpoint() != inst.Endpoint() {
		s.unindex(old)
	}
	ids, ok := s.byName[inst.Name]
	if !ok {
		ids = make(map[string]struct{})
		s.byName[inst.Name] = ids
	}
	ids[inst.ID] = struct{}{}
	s.byEndpoint[inst.Endpoint()] = inst.ID
	s.idxMu.Unlock()
}

func (s *Store) remove(id string) (*model.ServiceInstance, bool) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	inst, ok := sh.instances[id]
	delete(sh.instances, id)
	sh.mu.Unlock()
	if !ok {
		return nil, false
	}

	s.idxMu.Lock()
	s.unindex(inst)
	s.idxMu.Unlock()
	return inst, true
}

// unindex 调用方需持有idxMu
func (s *Store) unindex(inst *model.ServiceInstance) {
	if ids, ok := s.byName[inst.Name]; ok {
		delete(ids, inst.ID)
		if len(ids) == 0 {
			delete(s.byName, inst.Name)
		}
	}
	if s.byEndpoint[inst.Endpoint()] == inst.ID {
		delete(s.byEndpoint, inst.Endpoint())
	}
}

// lockIDs 按条带序号升序加锁，避免多个ID加锁时死锁
func (s *Store) lockIDs(ids ...string) func() {
	stripes := make([]int, 0, len(ids))
	seen := make(map[int]bool, len(ids))
	for _, id := range ids {
		idx := int(hashID(id) % lockStripes)
		if !seen[idx] {
			seen[idx] = true
			stripes = append(stripes, idx)
		}
	}
	sort.Ints(stripes)

	for _, idx := range stripes {
		s.locks[idx].Lock()
	}
	return func() {
		for i := len(stripes) - 1; i >= 0; i-- {
			s.locks[stripes[i]].Unlock()
		}
	}
}

func hashID(id string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(id))
	return h.Sum32()
}

func timeMultiplier(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n)
}
