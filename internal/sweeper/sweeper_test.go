package sweeper

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/service-registry/internal/config"
	"github.com/hewenyu/service-registry/internal/core/clock"
	"github.com/hewenyu/service-registry/internal/core/model"
	"github.com/hewenyu/service-registry/internal/registry"
	"github.com/hewenyu/service-registry/internal/store/memory"
)

type countingPurger struct {
	calls atomic.Int32
}

func (p *countingPurger) PurgeExpired(now time.Time) int {
	p.calls.Add(1)
	return 0
}

func newStore(c clock.Clock) (*registry.Store, *memory.Store) {
	backend := memory.NewStore(c)
	return registry.NewStore(backend, registry.Options{
		Defaults: model.Defaults{TTL: 30 * time.Second, Weight: 100},
		Clock:    c,
	}), backend
}

func TestSweepEvictsLapsedInstances(t *testing.T) {
	ctx := context.Background()
	c := clock.NewManual(time.Unix(1_700_000_000, 0))
	store, _ := newStore(c)

	short, err := store.Register(ctx, &model.ServiceInstance{Name: "orders", Address: "10.0.0.1", Port: 80, TTL: 10 * time.Second})
	require.NoError(t, err)
	long, err := store.Register(ctx, &model.ServiceInstance{Name: "orders", Address: "10.0.0.2", Port: 80, TTL: time.Minute})
	require.NoError(t, err)

	var removedEvents []model.ChangeEvent
	store.AddListener(registry.ListenerFunc(func(ev model.ChangeEvent) {
		if ev.Type == model.EventRemoved || ev.Type == model.EventStatusChanged {
			removedEvents = append(removedEvents, ev)
		}
	}))

	s := New(store, time.Second, c, config.NewNopLogger(), nil)

	c.Advance(5 * time.Second)
	assert.Equal(t, 0, s.Sweep(ctx), "TTL内的实例不应被移除")

	c.Advance(6 * time.Second)
	assert.Equal(t, 1, s.Sweep(ctx))

	_, err = store.Get(ctx, short)
	assert.True(t, errors.Is(err, model.ErrNotFound), "超时实例应被移除")
	_, err = store.Get(ctx, long)
	assert.NoError(t, err)

	require.Len(t, removedEvents, 2)
	assert.Equal(t, model.StatusExpired, removedEvents[0].Status)
	assert.Equal(t, model.EventRemoved, removedEvents[1].Type)
}

func TestSweepHeartbeatPreventsEviction(t *testing.T) {
	ctx := context.Background()
	c := clock.NewManual(time.Unix(1_700_000_000, 0))
	store, _ := newStore(c)

	id, err := store.Register(ctx, &model.ServiceInstance{Name: "orders", Address: "10.0.0.1", Port: 80, TTL: 10 * time.Second})
	require.NoError(t, err)

	s := New(store, time.Second, c, config.NewNopLogger(), nil)
	for i := 0; i < 5; i++ {
		c.Advance(8 * time.Second)
		_, err := store.Heartbeat(ctx, id, nil)
		require.NoError(t, err)
		assert.Equal(t, 0, s.Sweep(ctx))
	}
}

func TestSweepToleratesStoreFailure(t *testing.T) {
	ctx := context.Background()
	c := clock.NewManual(time.Unix(1_700_000_000, 0))
	store, backend := newStore(c)

	id, err := store.Register(ctx, &model.ServiceInstance{Name: "orders", Address: "10.0.0.1", Port: 80, TTL: time.Second})
	require.NoError(t, err)

	purger := &countingPurger{}
	s := New(store, time.Second, c, config.NewNopLogger(), nil, purger)
	c.Advance(2 * time.Second)

	backend.SetWriteError(errors.New("etcd unavailable"))
	assert.NotPanics(t, func() { s.tick(ctx) }, "存储失败不应使清理崩溃")
	_, err = store.Get(ctx, id)
	assert.NoError(t, err, "删除失败时实例保留到下个周期")

	backend.SetWriteError(nil)
	s.tick(ctx)
	_, err = store.Get(ctx, id)
	assert.True(t, errors.Is(err, model.ErrNotFound), "下个周期应重试成功")
	assert.Equal(t, int32(2), purger.calls.Load())
}

func TestStartStop(t *testing.T) {
	c := clock.NewManual(time.Unix(1_700_000_000, 0))
	store, _ := newStore(c)
	purger := &countingPurger{}

	s := New(store, 10*time.Millisecond, c, config.NewNopLogger(), nil, purger)
	s.Start(context.Background())

	require.Eventually(t, func() bool { return purger.calls.Load() >= 2 }, time.Second, 5*time.Millisecond,
		"清理任务应按周期执行")
	s.Stop()
}
