package discovery

import (
	"context"

	"github.com/hewenyu/service-registry/internal/circuit"
	"github.com/hewenyu/service-registry/internal/core/model"
	"github.com/hewenyu/service-registry/internal/health"
)

// InstanceReport 单个实例的观测信息
type InstanceReport struct {
	Instance          *model.ServiceInstance `json:"instance"`
	Health            *health.Stats          `json:"health,omitempty"`
	Circuit           circuit.Snapshot       `json:"circuit"`
	ActiveConnections int64                  `json:"active_connections"`
	Available         bool                   `json:"available"`
}

// ServiceReport 服务的健康状况汇总
type ServiceReport struct {
	Service   string           `json:"service"`
	Total     int              `json:"total"`
	Available int              `json:"available"`
	ByStatus  map[string]int   `json:"by_status"`
	Instances []InstanceReport `json:"instances"`
}

// ServiceReport 汇总服务全部实例的状态、健康检查统计和熔断状态
func (e *Engine) ServiceReport(ctx context.Context, name string) (*ServiceReport, error) {
	if name == "" {
		return nil, model.NewValidationError("服务名不能为空")
	}

	members, err := e.store.ListByName(ctx, name, model.InstanceFilter{})
	if err != nil {
		return nil, err
	}

	report := &ServiceReport{
		Service:   name,
		Total:     len(members),
		ByStatus:  make(map[string]int),
		Instances: make([]InstanceReport, 0, len(members)),
	}
	for _, inst := range members {
		report.ByStatus[string(inst.Status)]++

		ir := InstanceReport{
			Instance:          inst,
			Circuit:           e.breakers.Snapshot(inst.ID),
			ActiveConnections: e.lb.ActiveConnections(inst.ID),
		}
		ir.Available = inst.Status == model.StatusHealthy && e.breakers.Peek(inst.ID) != circuit.Reject
		if ir.Available {
			report.Available++
		}
		if e.health != nil {
			if stats, err := e.health.InstanceHealth(inst.ID); err == nil {
				ir.Health = &stats
			}
		}
		report.Instances = append(report.Instances, ir)
	}
	return report, nil
}
