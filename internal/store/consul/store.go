package consul

import (
	"context"
	"fmt"
	"strings"
	"time"

	consulapi "github.com/hashicorp/consul/api"
)

// consul会话TTL的取值范围
const (
	minSessionTTL = 10 * time.Second
	maxSessionTTL = 24 * time.Hour
)

// Config Consul连接配置
type Config struct {
	Address    string
	Datacenter string
	Token      string
}

// Store 基于Consul KV的持久化存储，实现kv.Store接口。
// 带TTL的键通过behavior=delete的会话持有，会话过期后键被删除
type Store struct {
	client *consulapi.Client
}

// NewStore 创建Consul存储
func NewStore(cfg Config) (*Store, error) {
	consulCfg := consulapi.DefaultConfig()
	if cfg.Address != "" {
		consulCfg.Address = cfg.Address
	}
	consulCfg.Datacenter = cfg.Datacenter
	consulCfg.Token = cfg.Token

	client, err := consulapi.NewClient(consulCfg)
	if err != nil {
		return nil, fmt.Errorf("创建consul客户端失败: %w", err)
	}
	return &Store{client: client}, nil
}

// Ping 检查consul是否可用
func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.client.Status().Leader(); err != nil {
		return fmt.Errorf("consul健康检查失败: %w", err)
	}
	return nil
}

// Put 设置键值，ttl大于0时由会话持有
func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	kv := s.client.KV()
	wopts := (&consulapi.WriteOptions{}).WithContext(ctx)
	pair := &consulapi.KVPair{Key: toConsulKey(key), Value: value}

	if ttl <= 0 {
		if _, err := kv.Put(pair, wopts); err != nil {
			return fmt.Errorf("consul设置键值失败 [%s]: %w", key, err)
		}
		return nil
	}

	prev, _, err := kv.Get(pair.Key, (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return fmt.Errorf("consul获取键值失败 [%s]: %w", key, err)
	}

	sessionID, _, err := s.client.Session().Create(&consulapi.SessionEntry{
		Name:      "service-registry:" + pair.Key,
		TTL:       sessionTTL(ttl).String(),
		Behavior:  consulapi.SessionBehaviorDelete,
		LockDelay: time.Nanosecond,
	}, wopts)
	if err != nil {
		return fmt.Errorf("consul创建会话失败: %w", err)
	}

	pair.Session = sessionID
	acquired, _, err := kv.Acquire(pair, wopts)
	if err != nil {
		return fmt.Errorf("consul设置带会话的键值失败 [%s]: %w", key, err)
	}
	if !acquired {
		_, _ = s.client.Session().Destroy(sessionID, wopts)
		return fmt.Errorf("consul键被其他会话持有 [%s]", key)
	}

	// 旧会话不再持有该键，直接销毁
	if prev != nil && prev.Session != "" && prev.Session != sessionID {
		_, _ = s.client.Session().Destroy(prev.Session, wopts)
	}
	return nil
}

// Get 获取键值，不存在返回nil
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	pair, _, err := s.client.KV().Get(toConsulKey(key), (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("consul获取键值失败 [%s]: %w", key, err)
	}
	if pair == nil {
		return nil, nil
	}
	return pair.Value, nil
}

// Delete 删除键值
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.client.KV().Delete(toConsulKey(key), (&consulapi.WriteOptions{}).WithContext(ctx)); err != nil {
		return fmt.Errorf("consul删除键值失败 [%s]: %w", key, err)
	}
	return nil
}

// DeleteWithPrefix 删除指定前缀的所有键值
func (s *Store) DeleteWithPrefix(ctx context.Context, prefix string) error {
	if _, err := s.client.KV().DeleteTree(toConsulKey(prefix), (&consulapi.WriteOptions{}).WithContext(ctx)); err != nil {
		return fmt.Errorf("consul删除前缀键值失败 [%s]: %w", prefix, err)
	}
	return nil
}

// ScanPrefix 获取指定前缀的所有键值，返回的键保持调用方的格式
func (s *Store) ScanPrefix(ctx context.Context, prefix string) (map[string][]byte, error) {
	pairs, _, err := s.client.KV().List(toConsulKey(prefix), (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("consul获取前缀键值失败 [%s]: %w", prefix, err)
	}

	leadingSlash := strings.HasPrefix(prefix, "/")
	result := make(map[string][]byte, len(pairs))
	for _, p := range pairs {
		key := p.Key
		if leadingSlash {
			key = "/" + key
		}
		result[key] = p.Value
	}
	return result, nil
}

// toConsulKey consul的键不能以/开头
func toConsulKey(key string) string {
	return strings.TrimLeft(key, "/")
}

func sessionTTL(ttl time.Duration) time.Duration {
	ttl = ttl.Round(time.Second)
	if ttl < minSessionTTL {
		return minSessionTTL
	}
	if ttl > maxSessionTTL {
		return maxSessionTTL
	}
	return ttl
}
