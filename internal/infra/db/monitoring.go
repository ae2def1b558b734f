package db

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PoolMonitor periodically logs pool statistics until stopped.
type PoolMonitor struct {
	pool     *pgxpool.Pool
	logger   *zap.Logger
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once
}

func NewPoolMonitor(pool *pgxpool.Pool, logger *zap.Logger, interval time.Duration) *PoolMonitor {
	return &PoolMonitor{
		pool:     pool,
		logger:   logger,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (m *PoolMonitor) Start(ctx context.Context) {
	go func() {
		defer close(m.done)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				stats := m.pool.Stat()
				m.logger.Debug("database pool stats",
					zap.Int32("total_conns", stats.TotalConns()),
					zap.Int32("idle_conns", stats.IdleConns()),
					zap.Int32("acquired_conns", stats.AcquiredConns()),
					zap.Int64("acquire_count", stats.AcquireCount()),
					zap.Duration("acquire_duration", stats.AcquireDuration()),
					zap.Int64("canceled_acquire_count", stats.CanceledAcquireCount()),
				)
			case <-m.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the monitor and waits for it. Safe to call more than once.
func (m *PoolMonitor) Stop() {
	m.once.Do(func() { close(m.stop) })
	<-m.done
}
