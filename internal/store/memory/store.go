package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hewenyu/service-registry/internal/core/clock"
)

// Store 是基于内存的键值存储实现，用于测试和单机开发模式
type Store struct {
	mutex sync.RWMutex
	data  map[string]entry
	clock clock.Clock

	// failWrites 非nil时所有写操作返回该错误，用于模拟存储不可用
	failMu     sync.RWMutex
	failWrites error
}

type entry struct {
	value    []byte
	expireAt time.Time
}

// NewStore 创建新的内存存储
func NewStore(c clock.Clock) *Store {
	if c == nil {
		c = clock.Real()
	}
	return &Store{
		data:  make(map[string]entry),
		clock: c,
	}
}

// SetWriteError 设置写操作返回的错误，传nil恢复正常
func (s *Store) SetWriteError(err error) {
	s.failMu.Lock()
	s.failWrites = err
	s.failMu.Unlock()
}

func (s *Store) writeError() error {
	s.failMu.RLock()
	defer s.failMu.RUnlock()
	return s.failWrites
}

// Put 设置键值
func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.writeError(); err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expireAt = s.clock.Now().Add(ttl)
	}
	s.data[key] = e
	return nil
}

// Get 获取键值，不存在或已过期返回nil
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	e, ok := s.data[key]
	if !ok || s.expired(e) {
		return nil, nil
	}
	return append([]byte(nil), e.value...), nil
}

// Delete 删除键值
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.writeError(); err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.data, key)
	return nil
}

// DeleteWithPrefix 删除指定前缀的所有键值
func (s *Store) DeleteWithPrefix(ctx context.Context, prefix string) error {
	if err := s.writeError(); err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			delete(s.data, k)
		}
	}
	return nil
}

// ScanPrefix 获取指定前缀的所有键值
func (s *Store) ScanPrefix(ctx context.Context, prefix string) (map[string][]byte, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	result := make(map[string][]byte)
	for k, e := range s.data {
		if strings.HasPrefix(k, prefix) && !s.expired(e) {
			result[k] = append([]byte(nil), e.value...)
		}
	}
	return result, nil
}

// Len 返回未过期键的数量
func (s *Store) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	n := 0
	for _, e := range s.data {
		if !s.expired(e) {
			n++
		}
	}
	return n
}

func (s *Store) expired(e entry) bool {
	return !e.expireAt.IsZero() && !s.clock.Now().Before(e.expireAt)
}
