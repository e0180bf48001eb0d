package balancer

import (
	"math"
	"sort"
	"time"
)

// maxLatencySamples 每个实例保留的最近延迟样本数
const maxLatencySamples = 1000

// InstanceStats 单个实例的负载均衡统计
type InstanceStats struct {
	Selections        int64         `json:"selections"`
	Share             float64       `json:"share"`
	ActiveConnections int64         `json:"active_connections"`
	Requests          int64         `json:"requests"`
	Failures          int64         `json:"failures"`
	ErrorRate         float64       `json:"error_rate"`
	LatencyP50        time.Duration `json:"latency_p50"`
	LatencyP95        time.Duration `json:"latency_p95"`
	LatencyP99        time.Duration `json:"latency_p99"`
	LatencyMax        time.Duration `json:"latency_max"`
}

// ServiceStats 服务的负载均衡统计
type ServiceStats struct {
	Service         string                   `json:"service"`
	Strategy        Strategy                 `json:"strategy"`
	TotalSelections int64                    `json:"total_selections"`
	ByStrategy      map[Strategy]int64       `json:"by_strategy"`
	Instances       map[string]InstanceStats `json:"instances"`
}

type instanceCounters struct {
	selections int64
	requests   int64
	failures   int64
	latencies  []time.Duration
	next       int
}

func (c *instanceCounters) observe(latency time.Duration, success bool) {
	c.requests++
	if !success {
		c.failures++
	}
	if len(c.latencies) < maxLatencySamples {
		c.latencies = append(c.latencies, latency)
		return
	}
	c.latencies[c.next] = latency
	c.next = (c.next + 1) % maxLatencySamples
}

func (c *instanceCounters) snapshot(total int64) InstanceStats {
	s := InstanceStats{
		Selections: c.selections,
		Requests:   c.requests,
		Failures:   c.failures,
	}
	if total > 0 {
		s.Share = float64(c.selections) / float64(total)
	}
	if c.requests > 0 {
		s.ErrorRate = float64(c.failures) / float64(c.requests)
	}
	if len(c.latencies) > 0 {
		sorted := append([]time.Duration(nil), c.latencies...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		s.LatencyP50 = percentile(sorted, 0.50)
		s.LatencyP95 = percentile(sorted, 0.95)
		s.LatencyP99 = percentile(sorted, 0.99)
		s.LatencyMax = sorted[len(sorted)-1]
	}
	return s
}

// percentile 最近秩法，sorted需已升序
func percentile(sorted []time.Duration, p float64) time.Duration {
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}
