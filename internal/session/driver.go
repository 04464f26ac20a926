// Package session wires one OLTW engine, one Audio Source and the
// Position Store together into a background-worker-per-session model.
// Driver is adapted from otto's internal/timer/supervisor.go: the same
// Option-configured constructor, context-cancellable background loop
// guarded by a running/cancel pair under a mutex, and an optional
// slower-cycle companion (here Monitor, there Watcher) started
// alongside it.
package session

import (
	"context"
	"sync"

	"github.com/rayfollow/scorefollower/internal/audiosource"
	"github.com/rayfollow/scorefollower/internal/domain"
	"github.com/rayfollow/scorefollower/internal/logger"
	"github.com/rayfollow/scorefollower/internal/oltw"
	"github.com/rayfollow/scorefollower/internal/position"
)

// Option configures a Driver.
type Option func(*Driver)

// WithMonitor attaches a diagnostic Monitor that runs alongside the
// driver on its own, slower cycle.
func WithMonitor(m *Monitor) Option {
	return func(d *Driver) { d.monitor = m }
}

// Driver owns one session's engine and audio source and is the sole
// writer of that session's Position Store entry. Not safe for
// concurrent Start/Stop calls from multiple goroutines simultaneously,
// though Start/Stop themselves are mutex-guarded against races with
// the background loop.
type Driver struct {
	id        string
	source    audiosource.Source
	engine    *oltw.Engine
	positions *position.Store
	log       *logger.Logger
	monitor   *Monitor

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	lastErr error

	diagMu    sync.RWMutex
	direction domain.Direction
	runCount  int
}

// New constructs a Driver for one session. The engine must already be
// initialized (oltw.New consumes the first target frame during
// construction, so the source should be started — or at least primed
// — before calling oltw.New; see Registry.Start for the wiring
// order).
func New(id string, source audiosource.Source, engine *oltw.Engine, positions *position.Store, log *logger.Logger, opts ...Option) *Driver {
	d := &Driver{
		id:        id,
		source:    source,
		engine:    engine,
		positions: positions,
		log:       log.With(id),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start begins the background alignment loop. Non-blocking.
func (d *Driver) Start(ctx context.Context) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		d.log.Warn("session driver already running")
		return
	}
	childCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	d.done = make(chan struct{})
	d.mu.Unlock()

	if d.monitor != nil {
		go d.monitor.Run(childCtx, d)
	}

	go d.loop(childCtx)
	d.log.Info("session driver started")
}

// Stop cancels the background loop, waits for it to exit, and clears
// this session's position entry (spec.md §5's cancellation contract).
// Idempotent.
func (d *Driver) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	cancel := d.cancel
	done := d.done
	d.mu.Unlock()

	cancel()
	<-done

	d.positions.Reset(d.id)
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
	d.log.Info("session driver stopped")
}

// loop runs Step until the engine is done, the queue hits EOF early,
// or ctx is cancelled, writing a new position after every step.
func (d *Driver) loop(ctx context.Context) {
	defer close(d.done)
	defer d.source.Stop()

	for !d.engine.Done() {
		select {
		case <-ctx.Done():
			d.log.Debug("session driver: cancelled")
			return
		default:
		}

		res, err := d.engine.Step()
		if err != nil {
			if trunc, ok := err.(*domain.TruncatedFollowError); ok {
				d.log.Warn("session driver: %v", trunc)
				d.setLastErr(trunc)
				return
			}
			d.log.Error("session driver: step failed: %v", err)
			d.setLastErr(err)
			return
		}

		d.positions.Set(d.id, float64(res.RefIndex))
		d.setDiagnostics(res.Direction, res.RunCount)
	}
	d.log.Info("session driver: reference exhausted, finishing normally")
}

func (d *Driver) setLastErr(err error) {
	d.mu.Lock()
	d.lastErr = err
	d.mu.Unlock()
}

// LastError returns the error that ended the loop early, or nil if
// the session is still running or finished normally.
func (d *Driver) LastError() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}

func (d *Driver) setDiagnostics(dir domain.Direction, runCount int) {
	d.diagMu.Lock()
	d.direction = dir
	d.runCount = runCount
	d.diagMu.Unlock()
}

// Diagnostics returns the most recent direction/run_count observed by
// the loop, plus the current Feature Queue backlog depth. Used by
// Monitor.
func (d *Driver) Diagnostics() (dir domain.Direction, runCount, queueDepth int) {
	d.diagMu.RLock()
	dir, runCount = d.direction, d.runCount
	d.diagMu.RUnlock()
	return dir, runCount, d.source.Queue().Len()
}

// ID returns the session identifier this driver serves.
func (d *Driver) ID() string { return d.id }
