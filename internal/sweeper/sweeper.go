// Package sweeper 定期清理心跳超时的实例
package sweeper

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/service-registry/internal/config"
	"github.com/hewenyu/service-registry/internal/core/clock"
	"github.com/hewenyu/service-registry/internal/core/model"
	"github.com/hewenyu/service-registry/internal/metrics"
)

// InstanceSource 过期清理依赖的实例存储操作
type InstanceSource interface {
	List(ctx context.Context) ([]*model.ServiceInstance, error)
	Expire(ctx context.Context, id string) (bool, error)
	StatusCounts() map[string]int
}

// Purger 随清理周期一起执行的附带清理，例如过期的粘性会话
type Purger interface {
	PurgeExpired(now time.Time) int
}

// Sweeper TTL过期清理器
type Sweeper struct {
	source   InstanceSource
	interval time.Duration
	clock    clock.Clock
	logger   config.Logger
	metrics  *metrics.Metrics
	purgers  []Purger

	// opTimeout 单个实例移除操作的超时
	opTimeout time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New 创建过期清理器
func New(source InstanceSource, interval time.Duration, c clock.Clock, logger config.Logger, m *metrics.Metrics, purgers ...Purger) *Sweeper {
	if c == nil {
		c = clock.Real()
	}
	return &Sweeper{
		source:    source,
		interval:  interval,
		clock:     c,
		logger:    logger,
		metrics:   m,
		purgers:   purgers,
		opTimeout: 5 * time.Second,
	}
}

// Start 启动定时清理协程
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()

	s.logger.Info("过期清理任务已启动", zap.Duration("interval", s.interval))
}

// Stop 停止清理并等待当前周期结束
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// tick 执行一个清理周期，任何错误都只记录日志，留待下个周期重试
func (s *Sweeper) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("过期清理周期异常", zap.Any("panic", r))
		}
	}()

	s.Sweep(ctx)

	now := s.clock.Now()
	for _, p := range s.purgers {
		if n := p.PurgeExpired(now); n > 0 {
			s.logger.Debug("已清理过期会话", zap.Int("count", n))
		}
	}

	s.metrics.SetInstanceCounts(s.source.StatusCounts())
}

// Sweep 移除所有心跳超时的实例，返回移除的数量
func (s *Sweeper) Sweep(ctx context.Context) int {
	instances, err := s.source.List(ctx)
	if err != nil {
		s.logger.Error("获取实例列表失败", zap.Error(err))
		return 0
	}

	now := s.clock.Now()
	removed := 0
	for _, inst := range instances {
		if !inst.Expired(now) {
			continue
		}

		opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
		ok, err := s.source.Expire(opCtx, inst.ID)
		cancel()

		if err != nil {
			s.logger.Error("移除过期实例失败",
				zap.String("service", inst.Name),
				zap.String("instance_id", inst.ID),
				zap.Error(err))
			continue
		}
		if ok {
			removed++
		}
	}

	if removed > 0 {
		s.logger.Info("已清理过期实例", zap.Int("count", removed))
	}
	return removed
}
