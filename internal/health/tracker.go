package health

import (
	"sync"
	"time"

	"github.com/hewenyu/service-registry/internal/core/model"
)

// minHistory 每个实例至少保留的检查结果数
const minHistory = 10

// Stats 单个实例的健康检查统计
type Stats struct {
	InstanceID           string                     `json:"instance_id"`
	CheckType            model.CheckType            `json:"check_type"`
	ConsecutiveSuccesses int                        `json:"consecutive_successes"`
	ConsecutiveFailures  int                        `json:"consecutive_failures"`
	TotalChecks          int64                      `json:"total_checks"`
	TotalFailures        int64                      `json:"total_failures"`
	SuccessRate          float64                    `json:"success_rate"`
	AverageLatency       time.Duration              `json:"average_latency"`
	LastResult           *model.HealthCheckResult   `json:"last_result,omitempty"`
	Recent               []*model.HealthCheckResult `json:"recent"`
}

// tracker 记录实例的连续成功/失败次数和最近的检查结果
type tracker struct {
	mu sync.Mutex

	successes    int
	failures     int
	total        int64
	totalFailed  int64
	totalLatency time.Duration

	history []*model.HealthCheckResult
	limit   int
}

func newTracker(spec *model.HealthCheckSpec) *tracker {
	limit := spec.RetainedResults()
	if limit < minHistory {
		limit = minHistory
	}
	return &tracker{limit: limit}
}

// record 记录一次结果并返回当前的连续成功和连续失败次数。
// 结果与当前连续方向相反时，对方计数清零
func (t *tracker) record(r *model.HealthCheckResult) (successes, failures int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.total++
	t.totalLatency += r.Latency
	if r.Success {
		t.successes++
		t.failures = 0
	} else {
		t.failures++
		t.successes = 0
		t.totalFailed++
	}

	t.history = append(t.history, r)
	if len(t.history) > t.limit {
		t.history = t.history[len(t.history)-t.limit:]
	}
	return t.successes, t.failures
}

func (t *tracker) stats(id string, checkType model.CheckType) Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Stats{
		InstanceID:           id,
		CheckType:            checkType,
		ConsecutiveSuccesses: t.successes,
		ConsecutiveFailures:  t.failures,
		TotalChecks:          t.total,
		TotalFailures:        t.totalFailed,
		Recent:               make([]*model.HealthCheckResult, 0, len(t.history)),
	}
	if t.total > 0 {
		s.SuccessRate = float64(t.total-t.totalFailed) / float64(t.total)
		s.AverageLatency = t.totalLatency / time.Duration(t.total)
	}
	for _, r := range t.history {
		c := *r
		s.Recent = append(s.Recent, &c)
	}
	if n := len(s.Recent); n > 0 {
		s.LastResult = s.Recent[n-1]
	}
	return s
}

// nextStatus 根据当前状态和连续计数决定目标状态，返回空表示不变
func nextStatus(cur model.InstanceStatus, successes, failures int, spec *model.HealthCheckSpec) model.InstanceStatus {
	switch cur {
	case model.StatusStarting, model.StatusUnhealthy:
		if successes >= spec.SuccessThreshold {
			return model.StatusHealthy
		}
	case model.StatusHealthy:
		if failures >= spec.FailureThreshold {
			return model.StatusUnhealthy
		}
	}
	return ""
}
