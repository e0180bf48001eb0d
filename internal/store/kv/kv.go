// Package kv 定义注册中心使用的持久化存储接口
package kv

import (
	"context"
	"time"
)

// Store 持久化键值存储。Get对不存在的键返回(nil, nil)；ttl为0表示永不过期
type Store interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	ScanPrefix(ctx context.Context, prefix string) (map[string][]byte, error)
}

// PrefixDeleter 支持一次请求删除整个前缀的存储
type PrefixDeleter interface {
	DeleteWithPrefix(ctx context.Context, prefix string) error
}

// DeletePrefix 删除前缀下的全部键，存储不支持前缀删除时逐个删除
func DeletePrefix(ctx context.Context, s Store, prefix string) error {
	if pd, ok := s.(PrefixDeleter); ok {
		return pd.DeleteWithPrefix(ctx, prefix)
	}
	records, err := s.ScanPrefix(ctx, prefix)
	if err != nil {
		return err
	}
	for key := range records {
		if err := s.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// Join 拼接键路径片段
func Join(prefix string, parts ...string) string {
	key := prefix
	for _, p := range parts {
		if len(key) == 0 || key[len(key)-1] != '/' {
			key += "/"
		}
		key += p
	}
	return key
}
