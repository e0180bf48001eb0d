package health

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/service-registry/internal/circuit"
	"github.com/hewenyu/service-registry/internal/config"
	"github.com/hewenyu/service-registry/internal/core/clock"
	"github.com/hewenyu/service-registry/internal/core/model"
	"github.com/hewenyu/service-registry/internal/registry"
	"github.com/hewenyu/service-registry/internal/store/memory"
)

// scriptedProber 按设定返回探测结果
type scriptedProber struct {
	mu   sync.Mutex
	fail bool
	hold chan struct{}
}

func (p *scriptedProber) set(fail bool) {
	p.mu.Lock()
	p.fail = fail
	p.mu.Unlock()
}

func (p *scriptedProber) Probe(ctx context.Context, inst *model.ServiceInstance, spec *model.HealthCheckSpec) error {
	if p.hold != nil {
		select {
		case <-p.hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("connection refused")
	}
	return nil
}

type recordingBreaker struct {
	mu        sync.Mutex
	failures  []string
	successes []string
}

func (b *recordingBreaker) RecordFailure(ctx context.Context, id string) circuit.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = append(b.failures, id)
	return circuit.StateClosed
}

func (b *recordingBreaker) RecordSuccess(ctx context.Context, id string) circuit.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.successes = append(b.successes, id)
	return circuit.StateClosed
}

type fixture struct {
	store    *registry.Store
	monitor  *Monitor
	prober   *scriptedProber
	breakers *recordingBreaker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := clock.NewManual(time.Unix(1_700_000_000, 0))
	store := registry.NewStore(memory.NewStore(c), registry.Options{
		Defaults: model.Defaults{
			TTL:              30 * time.Second,
			Weight:           100,
			HealthInterval:   time.Second,
			HealthTimeout:    time.Second,
			FailureThreshold: 3,
			SuccessThreshold: 2,
		},
		Clock: c,
	})

	prober := &scriptedProber{}
	breakers := &recordingBreaker{}
	monitor := NewMonitor(Config{MaxConcurrentProbes: 4}, store, breakers,
		map[model.CheckType]Prober{model.CheckHTTP: prober}, c, config.NewNopLogger(), nil)
	store.AddListener(monitor)

	return &fixture{store: store, monitor: monitor, prober: prober, breakers: breakers}
}

func (f *fixture) register(t *testing.T, failureThreshold, successThreshold int) string {
	t.Helper()
	id, err := f.store.Register(context.Background(), &model.ServiceInstance{
		Name:    "orders",
		Address: "10.0.0.1",
		Port:    8080,
		HealthCheck: &model.HealthCheckSpec{
			CheckType:        model.CheckHTTP,
			FailureThreshold: failureThreshold,
			SuccessThreshold: successThreshold,
		},
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) status(t *testing.T, id string) model.InstanceStatus {
	t.Helper()
	inst, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return inst.Status
}

func (f *fixture) checks(t *testing.T, id string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := f.monitor.CheckNow(context.Background(), id)
		require.NoError(t, err)
	}
}

func TestStartingBecomesHealthyAtSuccessThreshold(t *testing.T) {
	f := newFixture(t)
	id := f.register(t, 3, 2)

	f.checks(t, id, 1)
	assert.Equal(t, model.StatusStarting, f.status(t, id))
	f.checks(t, id, 1)
	assert.Equal(t, model.StatusHealthy, f.status(t, id), "第2次连续成功后应变为健康")
}

func TestFailureThresholdExactness(t *testing.T) {
	f := newFixture(t)
	id := f.register(t, 3, 2)
	f.checks(t, id, 2)
	require.Equal(t, model.StatusHealthy, f.status(t, id))

	f.prober.set(true)
	f.checks(t, id, 2)
	assert.Equal(t, model.StatusHealthy, f.status(t, id), "第2次失败时不应变为不健康")
	f.checks(t, id, 1)
	assert.Equal(t, model.StatusUnhealthy, f.status(t, id), "第3次连续失败时应变为不健康")
	f.checks(t, id, 1)
	assert.Equal(t, model.StatusUnhealthy, f.status(t, id))

	assert.Equal(t, []string{id}, f.breakers.failures, "健康到不健康应触发一次熔断失败事件")
}

func TestInterleavedSuccessResetsFailures(t *testing.T) {
	f := newFixture(t)
	id := f.register(t, 3, 2)
	f.checks(t, id, 2)

	f.prober.set(true)
	f.checks(t, id, 2)
	f.prober.set(false)
	f.checks(t, id, 1)
	f.prober.set(true)
	f.checks(t, id, 2)
	assert.Equal(t, model.StatusHealthy, f.status(t, id), "中间的成功应清零失败计数")

	stats, err := f.monitor.InstanceHealth(id)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.ConsecutiveFailures)
	assert.Equal(t, 0, stats.ConsecutiveSuccesses)
	assert.Equal(t, int64(7), stats.TotalChecks)
	assert.Equal(t, int64(4), stats.TotalFailures)
	require.NotNil(t, stats.LastResult)
	assert.Equal(t, "connection refused", stats.LastResult.Error)
}

func TestRecoveryTriggersCircuitSuccess(t *testing.T) {
	f := newFixture(t)
	id := f.register(t, 2, 2)
	f.checks(t, id, 2)

	f.prober.set(true)
	f.checks(t, id, 2)
	require.Equal(t, model.StatusUnhealthy, f.status(t, id))

	f.prober.set(false)
	f.checks(t, id, 1)
	assert.Equal(t, model.StatusUnhealthy, f.status(t, id))
	f.checks(t, id, 1)
	assert.Equal(t, model.StatusHealthy, f.status(t, id))
	assert.Equal(t, []string{id}, f.breakers.successes)
}

// staleReader 冻结后始终返回同一份实例快照，模拟两次探测读到相同的旧状态
type staleReader struct {
	*registry.Store
	mu     sync.Mutex
	frozen map[string]*model.ServiceInstance
}

func (r *staleReader) freeze(t *testing.T, id string) {
	t.Helper()
	inst, err := r.Store.Get(context.Background(), id)
	require.NoError(t, err)
	r.mu.Lock()
	r.frozen[id] = inst
	r.mu.Unlock()
}

func (r *staleReader) Get(ctx context.Context, id string) (*model.ServiceInstance, error) {
	r.mu.Lock()
	inst, ok := r.frozen[id]
	r.mu.Unlock()
	if ok {
		return inst.Clone(), nil
	}
	return r.Store.Get(ctx, id)
}

func TestStaleTransitionRecordedOnce(t *testing.T) {
	c := clock.NewManual(time.Unix(1_700_000_000, 0))
	store := registry.NewStore(memory.NewStore(c), registry.Options{
		Defaults: model.Defaults{TTL: time.Minute, HealthInterval: time.Second, HealthTimeout: time.Second},
		Clock:    c,
	})
	reader := &staleReader{Store: store, frozen: make(map[string]*model.ServiceInstance)}
	prober := &scriptedProber{}
	breakers := &recordingBreaker{}
	monitor := NewMonitor(Config{MaxConcurrentProbes: 4}, reader, breakers,
		map[model.CheckType]Prober{model.CheckHTTP: prober}, c, config.NewNopLogger(), nil)
	store.AddListener(monitor)

	ctx := context.Background()
	id, err := store.Register(ctx, &model.ServiceInstance{
		Name: "orders", Address: "10.0.0.1", Port: 8080,
		HealthCheck: &model.HealthCheckSpec{CheckType: model.CheckHTTP, FailureThreshold: 1, SuccessThreshold: 1},
	})
	require.NoError(t, err)
	_, err = monitor.CheckNow(ctx, id)
	require.NoError(t, err)
	reader.freeze(t, id)

	prober.set(true)
	for i := 0; i < 2; i++ {
		_, err = monitor.CheckNow(ctx, id)
		require.NoError(t, err)
	}

	inst, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusUnhealthy, inst.Status)
	assert.Equal(t, []string{id}, breakers.failures, "同一次状态转换只能记录一次熔断失败")
}

func TestStartingNeverBecomesUnhealthy(t *testing.T) {
	f := newFixture(t)
	id := f.register(t, 2, 2)

	f.prober.set(true)
	f.checks(t, id, 5)
	assert.Equal(t, model.StatusStarting, f.status(t, id))
}

func TestDeregisterCancelsChecks(t *testing.T) {
	f := newFixture(t)
	id := f.register(t, 2, 2)

	require.NoError(t, f.store.Deregister(context.Background(), id))
	_, err := f.monitor.CheckNow(context.Background(), id)
	assert.True(t, errors.Is(err, model.ErrNotFound), "注销后不应再有探测任务")
	assert.Equal(t, 0, f.monitor.Stats().Monitored)
}

func TestInFlightResultDiscardedAfterDeregister(t *testing.T) {
	f := newFixture(t)
	f.prober.hold = make(chan struct{})
	id := f.register(t, 2, 1)

	f.monitor.mu.Lock()
	tk := f.monitor.tasks[id]
	f.monitor.mu.Unlock()

	done := make(chan *model.HealthCheckResult)
	go func() {
		done <- f.monitor.check(context.Background(), tk)
	}()

	require.NoError(t, f.store.Deregister(context.Background(), id))
	close(f.prober.hold)
	result := <-done

	f.monitor.apply(context.Background(), tk, result)
	assert.Zero(t, tk.tracker.stats(id, model.CheckHTTP).TotalChecks, "已注销实例的探测结果应被丢弃")
}

func TestUpdateHealthCheckReschedules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.register(t, 2, 2)

	_, err := f.store.Update(ctx, id, model.InstanceUpdate{RemoveHealthCheck: true})
	require.NoError(t, err)
	assert.Equal(t, 0, f.monitor.Stats().Monitored)

	_, err = f.store.Update(ctx, id, model.InstanceUpdate{HealthCheck: &model.HealthCheckSpec{CheckType: model.CheckHTTP}})
	require.NoError(t, err)
	assert.Equal(t, 1, f.monitor.Stats().Monitored)
}

func TestUnsupportedCheckTypeIsFailure(t *testing.T) {
	f := newFixture(t)
	id, err := f.store.Register(context.Background(), &model.ServiceInstance{
		Name: "orders", Address: "10.0.0.2", Port: 9000,
		HealthCheck: &model.HealthCheckSpec{CheckType: model.CheckTCP},
	})
	require.NoError(t, err)

	result, err := f.monitor.CheckNow(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "tcp")
}

func TestProbeTimeoutCountsAsFailure(t *testing.T) {
	f := newFixture(t)
	f.prober.hold = make(chan struct{})
	defer close(f.prober.hold)

	id, err := f.store.Register(context.Background(), &model.ServiceInstance{
		Name: "orders", Address: "10.0.0.3", Port: 8080,
		HealthCheck: &model.HealthCheckSpec{CheckType: model.CheckHTTP, Timeout: 20 * time.Millisecond},
	})
	require.NoError(t, err)

	result, err := f.monitor.CheckNow(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "健康检查超时")
}

func TestMonitorRunsScheduledProbes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	store := registry.NewStore(memory.NewStore(clock.Real()), registry.Options{
		Defaults: model.Defaults{TTL: time.Minute, Weight: 100, HealthTimeout: time.Second, FailureThreshold: 2, SuccessThreshold: 2},
	})
	monitor := NewMonitor(Config{}, store, nil, DefaultProbers(false), nil, config.NewNopLogger(), nil)
	store.AddListener(monitor)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	monitor.Start(ctx)
	defer monitor.Stop()

	id, err := store.Register(ctx, &model.ServiceInstance{
		Name: "orders", Address: host, Port: port,
		HealthCheck: &model.HealthCheckSpec{CheckType: model.CheckHTTP, Interval: 10 * time.Millisecond},
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		inst, err := store.Get(ctx, id)
		return err == nil && inst.Status == model.StatusHealthy
	}, 2*time.Second, 10*time.Millisecond, "定时探测应使实例变为健康")
}
