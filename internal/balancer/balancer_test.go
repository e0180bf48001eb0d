package balancer

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/service-registry/internal/config"
	"github.com/hewenyu/service-registry/internal/core/clock"
	"github.com/hewenyu/service-registry/internal/core/model"
)

func instances(ids ...string) []*model.ServiceInstance {
	result := make([]*model.ServiceInstance, 0, len(ids))
	for i, id := range ids {
		result = append(result, &model.ServiceInstance{
			ID:      id,
			Name:    "orders",
			Address: fmt.Sprintf("10.0.0.%d", i+1),
			Port:    8080,
			Weight:  100,
		})
	}
	return result
}

func newTestBalancer(cfg Config) (*Balancer, *clock.Manual) {
	c := clock.NewManual(time.Unix(1_700_000_000, 0))
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = RoundRobin
	}
	return New(cfg, c, config.NewNopLogger(), nil), c
}

func selectN(t *testing.T, b *Balancer, candidates []*model.ServiceInstance, strategy Strategy, req Request, n int) map[string]int {
	t.Helper()
	counts := make(map[string]int)
	for i := 0; i < n; i++ {
		inst, err := b.Select("orders", candidates, strategy, req)
		require.NoError(t, err)
		counts[inst.ID]++
	}
	return counts
}

func TestEmptyCandidates(t *testing.T) {
	b, _ := newTestBalancer(Config{})
	for _, st := range Strategies {
		_, err := b.Select("orders", nil, st, Request{})
		assert.True(t, errors.Is(err, model.ErrNoHealthyInstances), "策略 %s 在无候选时应返回无健康实例错误", st)
	}
}

func TestRoundRobinFairness(t *testing.T) {
	b, _ := newTestBalancer(Config{})
	candidates := instances("a", "b", "c")

	counts := selectN(t, b, candidates, RoundRobin, Request{}, 300)
	assert.Equal(t, map[string]int{"a": 100, "b": 100, "c": 100}, counts, "N为k的倍数时每个实例被选中N/k次")
}

func TestRoundRobinStrictlyAlternates(t *testing.T) {
	b, _ := newTestBalancer(Config{})
	// 输入顺序不影响轮询顺序
	candidates := instances("b", "a")

	var picked []string
	for i := 0; i < 4; i++ {
		inst, err := b.Select("orders", candidates, "", Request{})
		require.NoError(t, err)
		picked = append(picked, inst.ID)
	}
	assert.Equal(t, []string{"a", "b", "a", "b"}, picked)
}

func TestLeastConnections(t *testing.T) {
	b, _ := newTestBalancer(Config{})
	candidates := instances("a", "b", "c")

	b.Acquire("a")
	b.Acquire("a")
	b.Acquire("b")

	inst, err := b.Select("orders", candidates, LeastConnections, Request{})
	require.NoError(t, err)
	assert.Equal(t, "c", inst.ID)

	b.Acquire("c")
	// b和c并列时轮询
	counts := selectN(t, b, candidates, LeastConnections, Request{}, 10)
	assert.Equal(t, map[string]int{"b": 5, "c": 5}, counts)

	assert.Equal(t, int64(1), b.Release("a"))
	assert.Equal(t, int64(0), b.Release("a"))
	assert.Equal(t, int64(0), b.Release("a"), "连接数不能小于0")
}

func TestWeighted(t *testing.T) {
	b, _ := newTestBalancer(Config{})
	candidates := instances("a", "b", "c")
	candidates[0].Weight = 10
	candidates[1].Weight = 5
	candidates[2].Weight = 0

	counts := selectN(t, b, candidates, Weighted, Request{}, 10000)
	assert.Zero(t, counts["c"], "权重为0的实例不应被选中")
	ratio := float64(counts["a"]) / float64(counts["b"])
	assert.InDelta(t, 2.0, ratio, 0.5, "选择比例应与权重成正比")
}

func TestRandomCoversAll(t *testing.T) {
	b, _ := newTestBalancer(Config{})
	counts := selectN(t, b, instances("a", "b", "c"), Random, Request{}, 3000)
	for _, id := range []string{"a", "b", "c"} {
		assert.Greater(t, counts[id], 700)
	}
}

func TestIPHash(t *testing.T) {
	b, _ := newTestBalancer(Config{})
	candidates := instances("a", "b", "c", "d")

	first, err := b.Select("orders", candidates, IPHash, Request{ClientIP: "192.168.1.10"})
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		inst, err := b.Select("orders", instances("d", "c", "b", "a"), IPHash, Request{ClientIP: "192.168.1.10"})
		require.NoError(t, err)
		assert.Equal(t, first.ID, inst.ID, "相同客户端IP应映射到同一实例")
	}

	counts := selectN(t, b, candidates, IPHash, Request{}, 8)
	assert.Len(t, counts, 4, "没有客户端IP时退化为轮询")
}

func TestConsistentHashMinimalDisruption(t *testing.T) {
	b, _ := newTestBalancer(Config{VirtualNodes: 150})
	full := instances("a", "b", "c", "d", "e")

	before := make(map[string]string)
	for i := 0; i < 2000; i++ {
		key := fmt.Sprintf("user-%d", i)
		inst, err := b.Select("orders", full, ConsistentHash, Request{HashKey: key})
		require.NoError(t, err)
		before[key] = inst.ID
	}

	reduced := []*model.ServiceInstance{full[0], full[1], full[3], full[4]}
	moved := 0
	for key, owner := range before {
		inst, err := b.Select("orders", reduced, ConsistentHash, Request{HashKey: key})
		require.NoError(t, err)
		if owner != "c" {
			assert.Equal(t, owner, inst.ID, "不属于被移除实例的键不应被重新映射")
		} else {
			assert.NotEqual(t, "c", inst.ID)
			moved++
		}
	}
	assert.Greater(t, moved, 0)
}

func TestConsistentHashKeyPrecedence(t *testing.T) {
	b, _ := newTestBalancer(Config{})
	candidates := instances("a", "b", "c", "d")

	byKey, err := b.Select("orders", candidates, ConsistentHash, Request{HashKey: "k1", SessionID: "s1", ClientIP: "1.1.1.1"})
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		inst, err := b.Select("orders", candidates, ConsistentHash, Request{HashKey: "k1", SessionID: fmt.Sprint(i)})
		require.NoError(t, err)
		assert.Equal(t, byKey.ID, inst.ID, "HashKey优先于SessionID")
	}
}

func TestStickySessions(t *testing.T) {
	b, c := newTestBalancer(Config{StickyEnabled: true, StickyTTL: time.Minute})
	candidates := instances("a", "b", "c")

	first, err := b.Select("orders", candidates, RoundRobin, Request{SessionID: "s1"})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		c.Advance(30 * time.Second)
		inst, err := b.Select("orders", candidates, RoundRobin, Request{SessionID: "s1"})
		require.NoError(t, err)
		assert.Equal(t, first.ID, inst.ID, "会话在有效期内应保持粘性")
	}

	// 映射的实例不在候选中时重新选择
	var others []*model.ServiceInstance
	for _, inst := range candidates {
		if inst.ID != first.ID {
			others = append(others, inst)
		}
	}
	moved, err := b.Select("orders", others, RoundRobin, Request{SessionID: "s1"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, moved.ID)

	assert.Equal(t, 1, b.StickySessions())
	c.Advance(2 * time.Minute)
	assert.Equal(t, 1, b.PurgeExpired(c.Now()))
	assert.Equal(t, 0, b.StickySessions())
}

func TestSelectTrialLeavesSessionsAlone(t *testing.T) {
	b, c := newTestBalancer(Config{StickyEnabled: true, StickyTTL: time.Minute})
	candidates := instances("a", "b")

	_, ok := b.StickyTarget("orders", "s1")
	assert.False(t, ok)

	bound, err := b.Select("orders", candidates[1:], RoundRobin, Request{SessionID: "s1"})
	require.NoError(t, err)
	target, ok := b.StickyTarget("orders", "s1")
	require.True(t, ok)
	assert.Equal(t, bound.ID, target)

	trial, err := b.SelectTrial("orders", candidates[0], RoundRobin)
	require.NoError(t, err)
	assert.Equal(t, "a", trial.ID)
	target, _ = b.StickyTarget("orders", "s1")
	assert.Equal(t, "b", target, "试探选择不改变已有绑定")
	assert.Equal(t, 1, b.StickySessions())
	assert.Equal(t, int64(2), b.Stats("orders").TotalSelections, "试探选择计入统计")

	// StickyTarget 不延长有效期
	c.Advance(40 * time.Second)
	_, ok = b.StickyTarget("orders", "s1")
	assert.True(t, ok)
	c.Advance(40 * time.Second)
	_, ok = b.StickyTarget("orders", "s1")
	assert.False(t, ok, "只读查询不应续期会话")

	_, err = b.SelectTrial("orders", nil, RoundRobin)
	assert.True(t, errors.Is(err, model.ErrNoHealthyInstances))
}

func TestReadPathsDoNotAllocate(t *testing.T) {
	b, _ := newTestBalancer(Config{})

	for i := 0; i < 100; i++ {
		s := b.Stats(fmt.Sprintf("svc-%d", i))
		assert.Zero(t, s.TotalSelections)
		assert.Empty(t, s.Instances)
		assert.Zero(t, b.Release(fmt.Sprintf("inst-%d", i)))
	}
	assert.Empty(t, b.services, "查询统计不应创建服务状态")
	assert.Empty(t, b.conns, "释放未知实例的连接不应创建计数")

	b.Acquire("a")
	assert.Equal(t, int64(0), b.Release("a"))
	assert.Equal(t, int64(0), b.Release("a"), "计数不会小于0")
	assert.Len(t, b.conns, 1)
}

func TestServiceStrategyOverride(t *testing.T) {
	b, _ := newTestBalancer(Config{Services: map[string]Strategy{"orders": LeastConnections, "bad": "nope"}})
	assert.Equal(t, LeastConnections, b.StrategyFor("orders", ""))
	assert.Equal(t, IPHash, b.StrategyFor("orders", IPHash), "查询指定的策略优先")
	assert.Equal(t, RoundRobin, b.StrategyFor("bad", ""), "无效的服务策略应被忽略")

	_, err := b.Select("orders", instances("a"), "nope", Request{})
	assert.True(t, errors.Is(err, model.ErrValidation))
}

func TestStatsAndOutcomes(t *testing.T) {
	b, _ := newTestBalancer(Config{})
	candidates := instances("a", "b")
	selectN(t, b, candidates, RoundRobin, Request{}, 4)

	for i := 1; i <= 100; i++ {
		b.RecordOutcome("orders", "a", time.Duration(i)*time.Millisecond, i%10 != 0)
	}
	b.Acquire("a")

	s := b.Stats("orders")
	assert.Equal(t, int64(4), s.TotalSelections)
	assert.Equal(t, int64(4), s.ByStrategy[RoundRobin])

	a := s.Instances["a"]
	assert.Equal(t, int64(2), a.Selections)
	assert.InDelta(t, 0.5, a.Share, 0.001)
	assert.Equal(t, int64(100), a.Requests)
	assert.Equal(t, int64(10), a.Failures)
	assert.InDelta(t, 0.1, a.ErrorRate, 0.001)
	assert.Equal(t, 50*time.Millisecond, a.LatencyP50)
	assert.Equal(t, 95*time.Millisecond, a.LatencyP95)
	assert.Equal(t, 99*time.Millisecond, a.LatencyP99)
	assert.Equal(t, 100*time.Millisecond, a.LatencyMax)
	assert.Equal(t, int64(1), a.ActiveConnections)
}

func TestLatencySamplesBounded(t *testing.T) {
	c := &instanceCounters{}
	for i := 0; i < maxLatencySamples+500; i++ {
		c.observe(time.Millisecond, true)
	}
	assert.Len(t, c.latencies, maxLatencySamples)
	assert.Equal(t, int64(maxLatencySamples+500), c.requests)
}

func TestRemovedInstanceStateDropped(t *testing.T) {
	b, _ := newTestBalancer(Config{StickyEnabled: true})
	candidates := instances("a", "b")

	b.Acquire("a")
	_, err := b.Select("orders", candidates[:1], RoundRobin, Request{SessionID: "s1"})
	require.NoError(t, err)

	b.OnInstanceChange(model.ChangeEvent{Type: model.EventRemoved, ServiceName: "orders", InstanceID: "a"})
	assert.Zero(t, b.ActiveConnections("a"))
	assert.Zero(t, b.StickySessions())
	_, ok := b.Stats("orders").Instances["a"]
	assert.False(t, ok)
}

func TestConcurrentSelect(t *testing.T) {
	b, _ := newTestBalancer(Config{})
	candidates := instances("a", "b", "c", "d")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				inst, err := b.Select("orders", candidates, RoundRobin, Request{})
				if assert.NoError(t, err) {
					b.Acquire(inst.ID)
					b.Release(inst.ID)
				}
			}
		}()
	}
	wg.Wait()

	s := b.Stats("orders")
	assert.Equal(t, int64(800), s.TotalSelections)
	for _, id := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, int64(200), s.Instances[id].Selections)
	}
}

func TestParseStrategy(t *testing.T) {
	st, err := ParseStrategy(" Consistent_Hash ")
	require.NoError(t, err)
	assert.Equal(t, ConsistentHash, st)

	st, err = ParseStrategy("")
	require.NoError(t, err)
	assert.Empty(t, st)

	_, err = ParseStrategy("fastest")
	assert.True(t, errors.Is(err, model.ErrValidation))
}
