// Package position implements the Position Store: a concurrent
// session_id -> reference-frame-index map. Grounded directly on
// otto's internal/storage/memory.go MemoryStore (mutex-guarded map,
// logger.Debug on writes), generalized from *domain.Session values to
// plain float64 positions.
package position

import (
	"math"
	"sync"

	"github.com/rayfollow/scorefollower/internal/logger"
)

// Store is an in-memory position table. Safe for concurrent access by
// one writer per session (the session driver) and many readers (the
// API layer's polling loop).
type Store struct {
	mu   sync.RWMutex
	byID map[string]float64
	log  *logger.Logger
}

// New creates an empty Store.
func New(log *logger.Logger) *Store {
	return &Store{
		byID: make(map[string]float64),
		log:  log,
	}
}

// Set records the current reference-frame-index position for a
// session. A NaN value is stored as-is; Get normalizes it to 0 on
// read so downstream consumers never observe NaN.
func (s *Store) Set(sessionID string, pos float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[sessionID] = pos
	s.log.Debug("position: %s -> %.3f", sessionID, pos)
}

// Get returns the current position for a session, or 0 if the session
// is unknown or its stored position is NaN.
func (s *Store) Get(sessionID string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.byID[sessionID]
	if !ok || math.IsNaN(pos) {
		return 0
	}
	return pos
}

// Reset removes a session's position entirely, as if it had never
// reported one.
func (s *Store) Reset(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, sessionID)
	s.log.Debug("position: reset %s", sessionID)
}

// ResetAll clears every session's position at once, matching the
// position-store contract's no-argument reset() (distinct from Reset,
// which clears a single session).
func (s *Store) ResetAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID = make(map[string]float64)
	s.log.Debug("position: reset all")
}

// GetAll returns a snapshot of every known session's position, with
// the same NaN-to-zero normalization as Get.
func (s *Store) GetAll() map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]float64, len(s.byID))
	for id, pos := range s.byID {
		if math.IsNaN(pos) {
			pos = 0
		}
		out[id] = pos
	}
	return out
}
