package model

import "time"

// EventType 实例变更事件类型
type EventType string

const (
	EventAdded         EventType = "added"
	EventUpdated       EventType = "updated"
	EventHeartbeat     EventType = "heartbeat"
	EventStatusChanged EventType = "status_changed"
	EventRemoved       EventType = "removed"
)

// ChangeEvent 实例存储的变更通知。PrevStatus仅在status_changed时有意义，
// Replaced表示同一端点的重新注册
type ChangeEvent struct {
	Type        EventType        `json:"type"`
	ServiceName string           `json:"service_name"`
	InstanceID  string           `json:"instance_id"`
	Status      InstanceStatus   `json:"status"`
	PrevStatus  InstanceStatus   `json:"prev_status,omitempty"`
	Instance    *ServiceInstance `json:"instance,omitempty"`
	Replaced    bool             `json:"replaced,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
}

// AffectsMembership 判断事件是否改变服务的候选实例集合
func (e ChangeEvent) AffectsMembership() bool {
	return e.Type != EventHeartbeat
}
