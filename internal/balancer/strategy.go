package balancer

import (
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"sort"
	"strings"

	"github.com/hewenyu/service-registry/internal/core/model"
)

// Strategy 负载均衡策略
type Strategy string

const (
	// RoundRobin 按稳定顺序轮询
	RoundRobin Strategy = "round_robin"
	// LeastConnections 选择活跃连接最少的实例，并列时轮询
	LeastConnections Strategy = "least_connections"
	// Weighted 按权重随机
	Weighted Strategy = "weighted"
	// Random 均匀随机
	Random Strategy = "random"
	// IPHash 按客户端IP哈希
	IPHash Strategy = "ip_hash"
	// ConsistentHash 一致性哈希环
	ConsistentHash Strategy = "consistent_hash"
)

// Strategies 全部支持的策略
var Strategies = []Strategy{RoundRobin, LeastConnections, Weighted, Random, IPHash, ConsistentHash}

// ParseStrategy 解析策略名称，空字符串返回空策略表示使用默认值
func ParseStrategy(s string) (Strategy, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", nil
	}
	for _, st := range Strategies {
		if string(st) == s {
			return st, nil
		}
	}
	return "", model.NewValidationError("不支持的负载均衡策略: %s", s)
}

// Request 选择时的请求上下文
type Request struct {
	ClientIP  string `json:"client_ip,omitempty"`
	HashKey   string `json:"hash_key,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// hashKey 一致性哈希使用的键，依次取HashKey、SessionID、ClientIP
func (r Request) hashKey() string {
	switch {
	case r.HashKey != "":
		return r.HashKey
	case r.SessionID != "":
		return r.SessionID
	default:
		return r.ClientIP
	}
}

// pick 按策略从已排序的候选实例中选择一个，调用方需持有st.mu
func (b *Balancer) pick(st *serviceState, strategy Strategy, candidates []*model.ServiceInstance, req Request) *model.ServiceInstance {
	switch strategy {
	case LeastConnections:
		return b.pickLeastConnections(st, candidates)
	case Weighted:
		return pickWeighted(candidates)
	case Random:
		return candidates[rand.IntN(len(candidates))]
	case IPHash:
		if req.ClientIP == "" {
			return st.next(candidates)
		}
		return candidates[fnv32(req.ClientIP)%uint32(len(candidates))]
	case ConsistentHash:
		key := req.hashKey()
		if key == "" {
			return st.next(candidates)
		}
		return b.pickConsistent(st, candidates, key)
	default:
		return st.next(candidates)
	}
}

func (b *Balancer) pickLeastConnections(st *serviceState, candidates []*model.ServiceInstance) *model.ServiceInstance {
	var tied []*model.ServiceInstance
	least := int64(-1)
	for _, inst := range candidates {
		n := b.ActiveConnections(inst.ID)
		switch {
		case least < 0 || n < least:
			least = n
			tied = append(tied[:0], inst)
		case n == least:
			tied = append(tied, inst)
		}
	}
	return st.next(tied)
}

// pickWeighted 在累积权重上二分查找随机点，权重全为0时退化为均匀随机
func pickWeighted(candidates []*model.ServiceInstance) *model.ServiceInstance {
	cumulative := make([]int, len(candidates))
	total := 0
	for i, inst := range candidates {
		if inst.Weight > 0 {
			total += inst.Weight
		}
		cumulative[i] = total
	}
	if total == 0 {
		return candidates[rand.IntN(len(candidates))]
	}

	r := rand.IntN(total)
	idx := sort.Search(len(cumulative), func(i int) bool {
		return cumulative[i] > r
	})
	return candidates[idx]
}

func (b *Balancer) pickConsistent(st *serviceState, candidates []*model.ServiceInstance, key string) *model.ServiceInstance {
	sig := signature(candidates)
	if st.ring == nil || st.ring.signature != sig {
		st.ring = newHashRing(candidates, b.cfg.VirtualNodes, sig)
	}

	if inst := find(candidates, st.ring.lookup(key)); inst != nil {
		return inst
	}
	return st.next(candidates)
}

func signature(candidates []*model.ServiceInstance) string {
	ids := make([]string, len(candidates))
	for i, inst := range candidates {
		ids[i] = inst.ID
	}
	return strings.Join(ids, ",")
}

func fnv32(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}

func (s Strategy) String() string {
	return string(s)
}

// validate 检查策略是否受支持
func (s Strategy) validate() error {
	for _, st := range Strategies {
		if st == s {
			return nil
		}
	}
	return fmt.Errorf("不支持的负载均衡策略: %s", s)
}
