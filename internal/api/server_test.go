package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/rayfollow/scorefollower/internal/config"
	"github.com/rayfollow/scorefollower/internal/domain"
	"github.com/rayfollow/scorefollower/internal/logger"
	"github.com/rayfollow/scorefollower/internal/position"
	"github.com/rayfollow/scorefollower/internal/session"
)

func writeRefFile(t *testing.T, n int) string {
	t.Helper()
	type doc struct {
		Frames [][domain.ChromaDim]float64 `json:"frames"`
	}
	var d doc
	for i := 0; i < n; i++ {
		var row [domain.ChromaDim]float64
		row[i%domain.ChromaDim] = 1
		d.Frames = append(d.Frames, row)
	}
	body, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	path := filepath.Join(t.TempDir(), "reference.json")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	log := logger.New(logger.LevelOff, nil)
	positions := position.New(log)
	reg := session.NewRegistry(positions, log)
	cfg := config.Default()
	cfg.WindowSeconds = 1
	return New(":0", cfg, reg, positions, log)
}

func TestHandleStart_RejectsMalformedBody(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/sessions", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	s.handleStart(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleStart_RejectsUnknownSourceKind(t *testing.T) {
	s := newTestServer(t)
	refPath := writeRefFile(t, 60)
	body, _ := json.Marshal(startRequest{ReferencePath: refPath, Source: "teleport"})
	req := httptest.NewRequest(http.MethodPost, "/sessions", bytes.NewBuffer(body))
	rec := httptest.NewRecorder()
	s.handleStart(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleStart_RejectsMissingReferenceFile(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(startRequest{ReferencePath: "/nonexistent.json", Source: "mock_file", FilePath: "/nonexistent.wav"})
	req := httptest.NewRequest(http.MethodPost, "/sessions", bytes.NewBuffer(body))
	rec := httptest.NewRecorder()
	s.handleStart(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleStart_MockFileWithMissingAudioFails(t *testing.T) {
	// The reference decodes fine, but the mock audio file is missing;
	// Registry.Start surfaces the source's acquisition failure.
	s := newTestServer(t)
	refPath := writeRefFile(t, 60)
	body, _ := json.Marshal(startRequest{ReferencePath: refPath, Source: "mock_file", FilePath: "/nonexistent.wav"})
	req := httptest.NewRequest(http.MethodPost, "/sessions", bytes.NewBuffer(body))
	rec := httptest.NewRecorder()
	s.handleStart(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body=%s", rec.Code, rec.Body.String())
	}
}

func TestHandleStop_RejectsMalformedID(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodDelete, "/sessions/not-a-uuid", nil)
	req.SetPathValue("id", "not-a-uuid")
	rec := httptest.NewRecorder()
	s.handleStop(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleStop_UnknownSessionReturnsNotFound(t *testing.T) {
	s := newTestServer(t)
	id := uuid.New().String()
	req := httptest.NewRequest(http.MethodDelete, "/sessions/"+id, nil)
	req.SetPathValue("id", id)
	rec := httptest.NewRecorder()
	s.handleStop(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandleWS_UnknownSessionReturnsNotFound(t *testing.T) {
	s := newTestServer(t)
	id := uuid.New().String()
	req := httptest.NewRequest(http.MethodGet, "/sessions/"+id+"/ws", nil)
	req.SetPathValue("id", id)
	rec := httptest.NewRecorder()
	s.handleWS(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
