// Package api implements the deliberately thin HTTP+WebSocket stub
// spec.md §1 names as an external collaborator: start/stop a session
// and stream its position. Grounded on rustyguts-bken's
// server/server.go for the mux-plus-graceful-shutdown shape and
// websocket.Upgrader usage; no router library appears anywhere in the
// pack, so routing uses net/http's own pattern-matching ServeMux
// rather than reaching for a third-party mux (see DESIGN.md).
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rayfollow/scorefollower/internal/audiosource"
	"github.com/rayfollow/scorefollower/internal/config"
	"github.com/rayfollow/scorefollower/internal/domain"
	"github.com/rayfollow/scorefollower/internal/logger"
	"github.com/rayfollow/scorefollower/internal/position"
	"github.com/rayfollow/scorefollower/internal/reference"
	"github.com/rayfollow/scorefollower/internal/session"
)

// Server is the position-streaming HTTP stub. It owns no alignment
// state of its own — everything lives in the session.Registry and the
// position.Store both were constructed around.
type Server struct {
	addr      string
	cfg       config.Config
	registry  *session.Registry
	positions *position.Store
	log       *logger.Logger
	upgrader  websocket.Upgrader
}

// New constructs a Server bound to addr, using cfg as the template for
// per-session overrides, reg as the session table, and positions as
// the store polled by the WebSocket stream.
func New(addr string, cfg config.Config, reg *session.Registry, positions *position.Store, log *logger.Logger) *Server {
	return &Server{
		addr:      addr,
		cfg:       cfg,
		registry:  reg,
		positions: positions,
		log:       log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Run starts the HTTP server and blocks until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", s.handleStart)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleStop)
	mux.HandleFunc("GET /sessions/{id}/ws", s.handleWS)

	httpSrv := &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("api: shutdown: %v", err)
		}
	}()

	s.log.Info("api: listening on %s", s.addr)
	err := httpSrv.ListenAndServe()
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// startRequest is the POST /sessions body. Overrides are optional —
// zero values fall back to the server's template config.
type startRequest struct {
	ReferencePath string  `json:"reference_path"`
	Source        string  `json:"source"` // "mock_file" or "live"
	FilePath      string  `json:"file_path,omitempty"`
	WindowSeconds float64 `json:"window_seconds,omitempty"`
	FrameRate     int     `json:"frame_rate,omitempty"`
	FramePerSeg   int     `json:"frame_per_seg,omitempty"`
	MaxRunCount   int     `json:"max_run_count,omitempty"`
	LocalCost     string  `json:"local_cost,omitempty"`
	FeatureType   string  `json:"feature_type,omitempty"`
}

type startResponse struct {
	ID string `json:"id"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	cfg := s.cfg
	if req.WindowSeconds > 0 {
		cfg.WindowSeconds = req.WindowSeconds
	}
	if req.FrameRate > 0 {
		cfg.FrameRate = req.FrameRate
	}
	if req.FramePerSeg > 0 {
		cfg.FramePerSeg = req.FramePerSeg
	}
	if req.MaxRunCount > 0 {
		cfg.MaxRunCount = req.MaxRunCount
	}
	if req.LocalCost != "" {
		cfg.LocalCost = req.LocalCost
	}
	if req.FeatureType != "" {
		cfg.FeatureType = req.FeatureType
	}
	if err := cfg.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ref, err := reference.Load(req.ReferencePath)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	src, err := s.buildSource(req, cfg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// The session outlives this request: it runs until DELETE
	// /sessions/{id}, so it must not inherit r.Context(), which is
	// cancelled as soon as this handler returns.
	id, err := s.registry.Start(context.Background(), session.Spec{
		Reference: ref,
		Source:    src,
		OLTW:      cfg.OLTW(),
	})
	if err != nil {
		s.writeSourceOrConfigError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(startResponse{ID: id.String()})
}

func (s *Server) buildSource(req startRequest, cfg config.Config) (audiosource.Source, error) {
	hop := cfg.HopLength()
	switch req.Source {
	case "live":
		return audiosource.NewLive(cfg.SampleRate, hop, cfg.FramePerSeg, cfg.FeatureTypeValue(), s.log)
	case "mock_file", "":
		return audiosource.NewMockFile(req.FilePath, cfg.SampleRate, hop, cfg.FramePerSeg, cfg.FeatureTypeValue(), s.log)
	default:
		return nil, &domain.ConfigError{Message: "unknown source kind: " + req.Source}
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "malformed session id", http.StatusBadRequest)
		return
	}
	if err := s.registry.Stop(id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type positionMessage struct {
	Position float64 `json:"position"`
}

// handleWS streams PositionStore.Get for the session at
// cfg.PositionPollInterval until the session driver stops, the client
// disconnects, or the request context is cancelled.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "malformed session id", http.StatusBadRequest)
		return
	}
	if _, ok := s.registry.Get(id); !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("api: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(s.cfg.PositionPollInterval)
	defer ticker.Stop()

	ctx := r.Context()
	idStr := id.String()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, ok := s.registry.Get(id); !ok {
				return
			}
			msg := positionMessage{Position: s.positions.Get(idStr)}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeSourceOrConfigError(w http.ResponseWriter, err error) {
	var cfgErr *domain.ConfigError
	var srcErr *domain.SourceError
	switch {
	case errors.As(err, &cfgErr), errors.As(err, &srcErr):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
