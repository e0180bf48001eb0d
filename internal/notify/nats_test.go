package notify

import (
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/service-registry/internal/config"
	"github.com/hewenyu/service-registry/internal/core/model"
)

type fakeConn struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.subjects = append(c.subjects, subject)
	c.payloads = append(c.payloads, data)
	return nil
}

func TestSubject(t *testing.T) {
	p := NewPublisher(&fakeConn{}, "", nil)
	assert.Equal(t, "registry.events.orders", p.Subject("orders"))
	assert.Equal(t, "registry.events.api_v1_orders", p.Subject("api.v1 orders"), "服务名中的分隔符应被替换")
	assert.Equal(t, "registry.events._", p.Subject(""))

	p = NewPublisher(&fakeConn{}, "prod.registry.", nil)
	assert.Equal(t, "prod.registry.orders", p.Subject("orders"))
}

func TestPublishEvents(t *testing.T) {
	conn := &fakeConn{}
	p := NewPublisher(conn, "events", config.NewNopLogger())

	p.OnInstanceChange(model.ChangeEvent{Type: model.EventAdded, ServiceName: "orders", InstanceID: "a", Status: model.StatusStarting})
	p.OnInstanceChange(model.ChangeEvent{Type: model.EventHeartbeat, ServiceName: "orders", InstanceID: "a"})
	p.OnInstanceChange(model.ChangeEvent{Type: model.EventStatusChanged, ServiceName: "orders", InstanceID: "a",
		Status: model.StatusHealthy, PrevStatus: model.StatusStarting})

	require.Len(t, conn.subjects, 2, "心跳事件不应被发布")
	assert.Equal(t, "events.orders", conn.subjects[0])

	var ev model.ChangeEvent
	require.NoError(t, json.Unmarshal(conn.payloads[1], &ev))
	assert.Equal(t, model.EventStatusChanged, ev.Type)
	assert.Equal(t, model.StatusStarting, ev.PrevStatus)

	published, failed := p.Counts()
	assert.Equal(t, uint64(2), published)
	assert.Zero(t, failed)
}

func TestPublishFailureIsCounted(t *testing.T) {
	conn := &fakeConn{err: errors.New("连接已关闭")}
	p := NewPublisher(conn, "", nil)

	assert.NotPanics(t, func() {
		p.OnInstanceChange(model.ChangeEvent{Type: model.EventRemoved, ServiceName: "orders", InstanceID: "a"})
	})
	_, failed := p.Counts()
	assert.Equal(t, uint64(1), failed)
}

// 需要运行中的NATS服务，通过NATS_URL指定
func TestPublishToNATS(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("未设置NATS_URL，跳过NATS集成测试")
	}

	p, err := Connect(url, "test.registry", config.NewNopLogger())
	require.NoError(t, err)
	defer p.Close()

	sub, err := nats.Connect(url)
	require.NoError(t, err)
	defer sub.Close()

	msgs := make(chan *nats.Msg, 1)
	s, err := sub.ChanSubscribe("test.registry.orders", msgs)
	require.NoError(t, err)
	defer s.Unsubscribe()
	require.NoError(t, sub.Flush())

	p.OnInstanceChange(model.ChangeEvent{Type: model.EventAdded, ServiceName: "orders", InstanceID: "a"})

	select {
	case msg := <-msgs:
		var ev model.ChangeEvent
		require.NoError(t, json.Unmarshal(msg.Data, &ev))
		assert.Equal(t, "a", ev.InstanceID)
	case <-time.After(5 * time.Second):
		t.Fatal("未收到变更事件")
	}
}
