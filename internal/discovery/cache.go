package discovery

import (
	"sync"
	"time"

	"github.com/mitchellh/hashstructure"

	"github.com/hewenyu/service-registry/internal/core/model"
)

// cacheKey 缓存键由服务名和过滤条件共同决定
type cacheKey struct {
	Name   string
	Filter model.InstanceFilter
}

type cacheEntry struct {
	name      string
	instances []*model.ServiceInstance
	expireAt  time.Time
}

// queryCache 按(服务名, 过滤条件)缓存实例列表。
// 实例变更时按服务名整体失效，同时按最大存活时间被动过期
type queryCache struct {
	mu      sync.RWMutex
	entries map[uint64]*cacheEntry
	byName  map[string]map[uint64]struct{}
	// gens 每个服务的失效代数，用于丢弃失效前开始的查询结果
	gens   map[string]uint64
	maxAge time.Duration
}

func newQueryCache(maxAge time.Duration) *queryCache {
	return &queryCache{
		entries: make(map[uint64]*cacheEntry),
		byName:  make(map[string]map[uint64]struct{}),
		gens:    make(map[string]uint64),
		maxAge:  maxAge,
	}
}

func keyFor(name string, filter model.InstanceFilter) (uint64, error) {
	return hashstructure.Hash(cacheKey{Name: name, Filter: filter}, nil)
}

// get 返回未过期的缓存记录
func (c *queryCache) get(key uint64, now time.Time) ([]*model.ServiceInstance, bool) {
	c.mu.RLock()
	entry, found := c.entries[key]
	c.mu.RUnlock()
	if !found {
		return nil, false
	}
	if now.After(entry.expireAt) {
		c.mu.Lock()
		if cur, ok := c.entries[key]; ok && cur == entry {
			c.drop(key, entry.name)
		}
		c.mu.Unlock()
		return nil, false
	}
	return entry.instances, true
}

// generation 返回服务当前的失效代数
func (c *queryCache) generation(name string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gens[name]
}

// put 写入缓存，查询期间服务已失效时放弃写入
func (c *queryCache) put(key uint64, name string, gen uint64, instances []*model.ServiceInstance, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gens[name] != gen {
		return
	}
	c.entries[key] = &cacheEntry{
		name:      name,
		instances: instances,
		expireAt:  now.Add(c.maxAge),
	}
	keys, ok := c.byName[name]
	if !ok {
		keys = make(map[uint64]struct{})
		c.byName[name] = keys
	}
	keys[key] = struct{}{}
}

// invalidate 使服务的全部缓存失效
func (c *queryCache) invalidate(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gens[name]++
	for key := range c.byName[name] {
		delete(c.entries, key)
	}
	delete(c.byName, name)
}

func (c *queryCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// drop 调用方需持有写锁
func (c *queryCache) drop(key uint64, name string) {
	delete(c.entries, key)
	if keys, ok := c.byName[name]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(c.byName, name)
		}
	}
}
