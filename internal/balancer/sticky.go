package balancer

import (
	"sync"
	"time"
)

type stickyEntry struct {
	instanceID string
	expiresAt  time.Time
}

// stickyTable 会话到实例的映射，每次命中都会延长有效期
type stickyTable struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]stickyEntry
}

func newStickyTable(ttl time.Duration) *stickyTable {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &stickyTable{
		ttl:     ttl,
		entries: make(map[string]stickyEntry),
	}
}

func (t *stickyTable) get(key string, now time.Time) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok {
		return "", false
	}
	if now.After(e.expiresAt) {
		delete(t.entries, key)
		return "", false
	}
	e.expiresAt = now.Add(t.ttl)
	t.entries[key] = e
	return e.instanceID, true
}

// peek 读取映射但不延长有效期
func (t *stickyTable) peek(key string, now time.Time) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok || now.After(e.expiresAt) {
		return "", false
	}
	return e.instanceID, true
}

func (t *stickyTable) put(key, instanceID string, now time.Time) {
	t.mu.Lock()
	t.entries[key] = stickyEntry{instanceID: instanceID, expiresAt: now.Add(t.ttl)}
	t.mu.Unlock()
}

func (t *stickyTable) removeInstance(instanceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, e := range t.entries {
		if e.instanceID == instanceID {
			delete(t.entries, key)
		}
	}
}

func (t *stickyTable) purge(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for key, e := range t.entries {
		if now.After(e.expiresAt) {
			delete(t.entries, key)
			n++
		}
	}
	return n
}

func (t *stickyTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func stickyKey(service, session string) string {
	return service + "|" + session
}
