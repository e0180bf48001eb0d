package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/service-registry/internal/balancer"
	"github.com/hewenyu/service-registry/internal/circuit"
	"github.com/hewenyu/service-registry/internal/config"
	"github.com/hewenyu/service-registry/internal/core/clock"
	"github.com/hewenyu/service-registry/internal/core/model"
	"github.com/hewenyu/service-registry/internal/discovery"
	"github.com/hewenyu/service-registry/internal/metrics"
	"github.com/hewenyu/service-registry/internal/registry"
	"github.com/hewenyu/service-registry/internal/store/memory"
)

type apiResult struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type fixture struct {
	t      *testing.T
	server *Server
	store  *registry.Store
	clock  *clock.Manual
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := clock.NewManual(time.Unix(1_700_000_000, 0))
	logger := config.NewNopLogger()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	backend := memory.NewStore(c)

	store := registry.NewStore(backend, registry.Options{
		Defaults: model.Defaults{
			TTL: 30 * time.Second, Weight: 100,
			HealthInterval: time.Second, HealthTimeout: time.Second,
			FailureThreshold: 3, SuccessThreshold: 2,
		},
		Clock:   c,
		Metrics: m,
	})
	breakers := circuit.NewManager(circuit.Config{
		FailureThreshold: 2,
		BaseBackoff:      time.Minute,
		MaxBackoff:       10 * time.Minute,
		Multiplier:       2,
		TrialTimeout:     30 * time.Second,
	}, backend, "/test", c, logger, m)
	lb := balancer.New(balancer.Config{DefaultStrategy: balancer.RoundRobin}, c, logger, m)
	engine := discovery.NewEngine(discovery.Config{CacheEnabled: true, QueryTimeout: time.Second},
		store, breakers, lb, nil, c, logger, m)
	store.AddListener(breakers)
	store.AddListener(lb)
	store.AddListener(engine)

	s := NewServer(Options{}, Deps{
		Store:    store,
		Engine:   engine,
		Balancer: lb,
		Breakers: breakers,
		Gatherer: reg,
	}, logger)
	return &fixture{t: t, server: s, store: store, clock: c}
}

func (f *fixture) do(method, path string, body interface{}) (int, apiResult) {
	f.t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(f.t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	var res apiResult
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(f.t, json.Unmarshal(rec.Body.Bytes(), &res))
	}
	return rec.Code, res
}

func (f *fixture) register(name, address string) string {
	f.t.Helper()
	code, res := f.do(http.MethodPost, "/api/v1/instances", RegisterRequest{
		Name: name, Address: address, Port: 8080, TTL: "30s",
	})
	require.Equal(f.t, http.StatusCreated, code, res.Message)
	var out RegisterResult
	require.NoError(f.t, json.Unmarshal(res.Data, &out))
	return out.ID
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "timestamp")
}

func TestRegisterHeartbeatDiscover(t *testing.T) {
	f := newFixture(t)
	id := f.register("orders", "10.0.0.1")

	code, res := f.do(http.MethodGet, "/api/v1/services/orders/discover", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code, "starting状态的实例不可被发现")
	assert.Equal(t, http.StatusServiceUnavailable, res.Code)

	code, _ = f.do(http.MethodPut, "/api/v1/instances/"+id+"/heartbeat", nil)
	require.Equal(t, http.StatusOK, code)

	code, res = f.do(http.MethodGet, "/api/v1/services/orders/discover", nil)
	require.Equal(t, http.StatusOK, code, res.Message)
	var inst model.ServiceInstance
	require.NoError(t, json.Unmarshal(res.Data, &inst))
	assert.Equal(t, id, inst.ID)
	assert.Equal(t, model.StatusHealthy, inst.Status)

	code, res = f.do(http.MethodGet, "/api/v1/services/orders/discover/all?limit=5", nil)
	require.Equal(t, http.StatusOK, code)
	var list []model.ServiceInstance
	require.NoError(t, json.Unmarshal(res.Data, &list))
	assert.Len(t, list, 1)

	code, res = f.do(http.MethodGet, "/api/v1/services", nil)
	require.Equal(t, http.StatusOK, code)
	var names []string
	require.NoError(t, json.Unmarshal(res.Data, &names))
	assert.Equal(t, []string{"orders"}, names)
}

func TestValidationAndNotFound(t *testing.T) {
	f := newFixture(t)

	code, res := f.do(http.MethodPost, "/api/v1/instances", RegisterRequest{Name: "orders", Address: "10.0.0.1", Port: 70000})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, res.Message, "端口")

	code, _ = f.do(http.MethodPost, "/api/v1/instances", RegisterRequest{Name: "orders", Address: "10.0.0.1", Port: 80, TTL: "abc"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(http.MethodGet, "/api/v1/instances/missing", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = f.do(http.MethodPut, "/api/v1/instances/missing/heartbeat", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = f.do(http.MethodDelete, "/api/v1/instances/missing", nil)
	assert.Equal(t, http.StatusOK, code, "注销不存在的实例应成功")

	code, _ = f.do(http.MethodGet, "/api/v1/services/orders/discover?strategy=fastest", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(http.MethodGet, "/api/v1/services/orders/instances?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestRegisterWeightDefaultAndExplicitZero(t *testing.T) {
	f := newFixture(t)
	weightOf := func(id string) int {
		code, res := f.do(http.MethodGet, "/api/v1/instances/"+id, nil)
		require.Equal(t, http.StatusOK, code, res.Message)
		var inst model.ServiceInstance
		require.NoError(t, json.Unmarshal(res.Data, &inst))
		return inst.Weight
	}

	assert.Equal(t, 100, weightOf(f.register("orders", "10.0.0.1")), "未携带权重时使用默认权重")

	zero := 0
	code, res := f.do(http.MethodPost, "/api/v1/instances", RegisterRequest{
		Name: "orders", Address: "10.0.0.2", Port: 8080, Weight: &zero,
	})
	require.Equal(t, http.StatusCreated, code, res.Message)
	var out RegisterResult
	require.NoError(t, json.Unmarshal(res.Data, &out))
	assert.Equal(t, 0, weightOf(out.ID), "显式的0权重应被保留")

	bad := -1
	code, _ = f.do(http.MethodPost, "/api/v1/instances", RegisterRequest{
		Name: "orders", Address: "10.0.0.3", Port: 8080, Weight: &bad,
	})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestInvalidTransitionIsConflict(t *testing.T) {
	f := newFixture(t)
	id := f.register("orders", "10.0.0.1")

	code, _ := f.do(http.MethodPut, "/api/v1/instances/"+id+"/heartbeat", HeartbeatRequest{Status: "unhealthy"})
	assert.Equal(t, http.StatusConflict, code, "starting不能直接转换为unhealthy")

	code, _ = f.do(http.MethodPut, "/api/v1/instances/"+id+"/heartbeat", HeartbeatRequest{Status: "expired"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestUpdateAndDrain(t *testing.T) {
	f := newFixture(t)
	id := f.register("orders", "10.0.0.1")
	f.do(http.MethodPut, "/api/v1/instances/"+id+"/heartbeat", nil)

	weight := 300
	version := "v2"
	code, res := f.do(http.MethodPut, "/api/v1/instances/"+id, UpdateRequest{Weight: &weight, Version: &version})
	require.Equal(t, http.StatusOK, code, res.Message)
	var inst model.ServiceInstance
	require.NoError(t, json.Unmarshal(res.Data, &inst))
	assert.Equal(t, 300, inst.Weight)

	code, res = f.do(http.MethodGet, "/api/v1/services/orders/instances?version=v2", nil)
	require.Equal(t, http.StatusOK, code)
	var list []model.ServiceInstance
	require.NoError(t, json.Unmarshal(res.Data, &list))
	assert.Len(t, list, 1)

	code, _ = f.do(http.MethodPut, "/api/v1/instances/"+id+"/drain", nil)
	require.Equal(t, http.StatusOK, code)

	code, _ = f.do(http.MethodGet, "/api/v1/services/orders/discover", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code, "摘流的实例不应被发现")
}

func TestOutcomeOpensCircuitAndReset(t *testing.T) {
	f := newFixture(t)
	id := f.register("orders", "10.0.0.1")
	f.do(http.MethodPut, "/api/v1/instances/"+id+"/heartbeat", nil)

	for i := 0; i < 2; i++ {
		code, _ := f.do(http.MethodPost, "/api/v1/instances/"+id+"/outcome", OutcomeRequest{Success: false, LatencyMs: 20})
		require.Equal(t, http.StatusOK, code)
	}

	code, res := f.do(http.MethodGet, "/api/v1/instances/"+id+"/circuit", nil)
	require.Equal(t, http.StatusOK, code)
	var snap circuit.Snapshot
	require.NoError(t, json.Unmarshal(res.Data, &snap))
	assert.Equal(t, circuit.StateOpen, snap.State)

	code, res = f.do(http.MethodGet, "/api/v1/services/orders/discover", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, res.Message, "熔断")

	code, _ = f.do(http.MethodPost, "/api/v1/instances/"+id+"/circuit/reset", nil)
	require.Equal(t, http.StatusOK, code)
	code, _ = f.do(http.MethodGet, "/api/v1/services/orders/discover", nil)
	assert.Equal(t, http.StatusOK, code, "重置后实例应恢复可用")

	for i := 0; i < 2; i++ {
		f.do(http.MethodPost, "/api/v1/instances/"+id+"/outcome", OutcomeRequest{Success: false})
	}
	code, _ = f.do(http.MethodPost, "/api/v1/circuits/reset", nil)
	require.Equal(t, http.StatusOK, code)
	code, _ = f.do(http.MethodGet, "/api/v1/services/orders/discover", nil)
	assert.Equal(t, http.StatusOK, code, "全部重置后实例应恢复可用")

	code, _ = f.do(http.MethodPost, "/api/v1/instances/missing/outcome", OutcomeRequest{Success: true})
	assert.Equal(t, http.StatusNotFound, code)
}

func TestConnectionsAndStats(t *testing.T) {
	f := newFixture(t)
	id := f.register("orders", "10.0.0.1")
	f.do(http.MethodPut, "/api/v1/instances/"+id+"/heartbeat", nil)

	code, res := f.do(http.MethodPost, "/api/v1/instances/"+id+"/connections", nil)
	require.Equal(t, http.StatusOK, code)
	var conns ConnectionsResult
	require.NoError(t, json.Unmarshal(res.Data, &conns))
	assert.Equal(t, int64(1), conns.ActiveConnections)

	_, res = f.do(http.MethodDelete, "/api/v1/instances/"+id+"/connections", nil)
	require.NoError(t, json.Unmarshal(res.Data, &conns))
	assert.Zero(t, conns.ActiveConnections)

	f.do(http.MethodGet, "/api/v1/services/orders/discover", nil)
	f.do(http.MethodPost, "/api/v1/instances/"+id+"/outcome", OutcomeRequest{Success: true, LatencyMs: 12})

	code, res = f.do(http.MethodGet, "/api/v1/services/orders/balancer", nil)
	require.Equal(t, http.StatusOK, code)
	var stats balancer.ServiceStats
	require.NoError(t, json.Unmarshal(res.Data, &stats))
	assert.Equal(t, int64(1), stats.TotalSelections)

	code, res = f.do(http.MethodGet, "/api/v1/services/orders/health", nil)
	require.Equal(t, http.StatusOK, code)
	var report discovery.ServiceReport
	require.NoError(t, json.Unmarshal(res.Data, &report))
	assert.Equal(t, 1, report.Total)
	assert.Equal(t, 1, report.Available)
}

func TestHealthEndpointsWithoutMonitor(t *testing.T) {
	f := newFixture(t)
	id := f.register("orders", "10.0.0.1")

	code, res := f.do(http.MethodGet, "/api/v1/instances/"+id+"/health", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, res.Message, "未启用主动健康检查")
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.register("orders", "10.0.0.1")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "service_registry_registrations_total")
}

func TestEventStream(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/events?service=orders", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// 响应头返回后订阅已经建立
	f.register("payments", "10.0.0.9")
	id := f.register("orders", "10.0.0.1")

	scanner := bufio.NewScanner(resp.Body)
	var eventLine, dataLine string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			eventLine = line
		}
		if strings.HasPrefix(line, "data: ") {
			dataLine = line
			break
		}
	}
	require.NotEmpty(t, dataLine, "未收到变更事件")
	assert.Equal(t, "event: added", eventLine)

	var ev model.ChangeEvent
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(dataLine, "data: ")), &ev))
	assert.Equal(t, id, ev.InstanceID, "只推送订阅服务的事件")
	assert.Equal(t, "orders", ev.ServiceName)
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{model.NewValidationError("x"), http.StatusBadRequest},
		{model.NewNotFoundError("x"), http.StatusNotFound},
		{model.NewConflictError("x"), http.StatusConflict},
		{model.NewInvalidTransitionError("x", model.StatusStarting, model.StatusUnhealthy), http.StatusConflict},
		{model.NewNoHealthyInstancesError("x"), http.StatusServiceUnavailable},
		{model.NewCircuitOpenError("x"), http.StatusServiceUnavailable},
		{model.NewTimeoutError("服务发现", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{io.EOF, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}
