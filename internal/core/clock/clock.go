// Package clock 提供可注入的时钟，便于测试中控制时间流逝
package clock

import (
	"sync"
	"time"
)

// Clock 时间来源
type Clock interface {
	Now() time.Time
}

type realClock struct{}

// Real 返回系统时钟，time.Now 自带单调时钟读数
func Real() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

// Manual 手动推进的时钟，用于测试
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual 创建起始于start的手动时钟
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now 返回当前时间
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance 将时钟向前推进d
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// Set 将时钟设置为t
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}
