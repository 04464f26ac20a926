package session

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/rayfollow/scorefollower/internal/audiosource"
	"github.com/rayfollow/scorefollower/internal/domain"
	"github.com/rayfollow/scorefollower/internal/logger"
	"github.com/rayfollow/scorefollower/internal/oltw"
	"github.com/rayfollow/scorefollower/internal/position"
	"github.com/rayfollow/scorefollower/internal/reference"
)

// Registry is the process-wide table of active sessions, the minimal
// state internal/api needs to start/stop sessions by ID without
// knowing anything about audio sources or the OLTW engine itself.
type Registry struct {
	mu        sync.RWMutex
	drivers   map[uuid.UUID]*Driver
	positions *position.Store
	log       *logger.Logger
}

// NewRegistry creates an empty Registry backed by positions.
func NewRegistry(positions *position.Store, log *logger.Logger) *Registry {
	return &Registry{
		drivers:   make(map[uuid.UUID]*Driver),
		positions: positions,
		log:       log,
	}
}

// Spec describes how to start one session: which reference matrix to
// follow and which audio source variant to read frames from.
type Spec struct {
	Reference *reference.Matrix
	Source    audiosource.Source
	OLTW      oltw.Config
	Monitor   *Monitor
}

// Start starts the underlying audio source, constructs the engine
// (which blocks for the first target frame) and driver for spec,
// registers the driver under a new session ID, then starts the
// driver's background loop.
func (r *Registry) Start(ctx context.Context, spec Spec) (uuid.UUID, error) {
	if err := spec.Source.Start(ctx); err != nil {
		return uuid.Nil, err
	}

	engine, err := oltw.New(spec.Reference, spec.Source.Queue(), spec.OLTW, r.log)
	if err != nil {
		spec.Source.Stop()
		return uuid.Nil, err
	}

	id := uuid.New()
	var opts []Option
	if spec.Monitor != nil {
		opts = append(opts, WithMonitor(spec.Monitor))
	}
	drv := New(id.String(), spec.Source, engine, r.positions, r.log, opts...)

	r.mu.Lock()
	r.drivers[id] = drv
	r.mu.Unlock()

	drv.Start(ctx)
	return id, nil
}

// Stop cancels and removes the session, reporting domain.ErrNotFound
// if id is unknown.
func (r *Registry) Stop(id uuid.UUID) error {
	r.mu.Lock()
	drv, ok := r.drivers[id]
	if ok {
		delete(r.drivers, id)
	}
	r.mu.Unlock()

	if !ok {
		return domain.ErrNotFound
	}
	drv.Stop()
	return nil
}

// Get returns the driver for id, or false if it doesn't exist (or has
// already been stopped and removed).
func (r *Registry) Get(id uuid.UUID) (*Driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	drv, ok := r.drivers[id]
	return drv, ok
}
