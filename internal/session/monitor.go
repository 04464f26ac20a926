package session

import (
	"context"
	"time"

	"github.com/rayfollow/scorefollower/internal/logger"
)

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithMonitorInterval sets how often the monitor logs diagnostics.
func WithMonitorInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) { m.interval = d }
}

// Monitor periodically logs a session driver's advancement direction,
// run_count and Feature Queue backlog — contextual awareness on a
// slower cycle than the per-step alignment loop, the way otto's
// internal/timer/watcher.go logs session/timer state on a slower
// cycle than the per-second timer supervisor tick.
type Monitor struct {
	log      *logger.Logger
	interval time.Duration
}

// NewMonitor creates a Monitor. Default interval is 5 seconds.
func NewMonitor(log *logger.Logger, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		log:      log,
		interval: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run starts the monitor loop for d. Blocks until ctx is cancelled;
// intended to be called as a goroutine.
func (m *Monitor) Run(ctx context.Context, d *Driver) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dir, runCount, depth := d.Diagnostics()
			m.log.Debug("session %s: direction=%s run_count=%d queue_depth=%d", d.ID(), dir, runCount, depth)
		}
	}
}
