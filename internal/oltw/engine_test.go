package oltw

import (
	"testing"

	"github.com/rayfollow/scorefollower/internal/domain"
	"github.com/rayfollow/scorefollower/internal/logger"
	"github.com/rayfollow/scorefollower/internal/queue"
	"github.com/rayfollow/scorefollower/internal/reference"
)

func quietLogger() *logger.Logger {
	return logger.New(logger.LevelOff, nil)
}

// spikeRows builds n chroma rows, row i carrying all its energy in
// pitch class i%12, so rows repeat every 12 frames: euclidean distance
// is 0 between rows of the same pitch class and sqrt(2) otherwise.
func spikeRows(n int) []domain.Feature {
	rows := make([]domain.Feature, n)
	for i := range rows {
		rows[i][i%domain.ChromaDim] = 1
	}
	return rows
}

func pushAll(q *queue.Queue, rows []domain.Feature) {
	for _, r := range rows {
		q.Push(domain.QueueItem{Vector: r})
	}
}

func defaultConfig() Config {
	return Config{WindowSeconds: 1, FrameRate: 30, FramePerSeg: 1, MaxRunCount: 30, LocalCost: "euclidean"}
}

func TestNew_RejectsUnknownLocalCost(t *testing.T) {
	rows := spikeRows(60)
	ref, _ := reference.FromFeatures(rows)
	q := queue.New()
	pushAll(q, rows)
	q.Close()

	cfg := defaultConfig()
	cfg.LocalCost = "manhattan"
	if _, err := New(ref, q, cfg, quietLogger()); err == nil {
		t.Fatal("expected error for unknown local_cost")
	}
}

func TestNew_RejectsReferenceShorterThanWindow(t *testing.T) {
	rows := spikeRows(10)
	ref, _ := reference.FromFeatures(rows)
	q := queue.New()
	pushAll(q, rows)
	q.Close()

	if _, err := New(ref, q, defaultConfig(), quietLogger()); err == nil {
		t.Fatal("expected error for reference shorter than window")
	}
}

func TestNew_EmptyQueueIsTruncated(t *testing.T) {
	rows := spikeRows(60)
	ref, _ := reference.FromFeatures(rows)
	q := queue.New()
	q.Close() // closed with nothing pushed

	_, err := New(ref, q, defaultConfig(), quietLogger())
	if err == nil {
		t.Fatal("expected error for immediately-closed queue")
	}
	if _, ok := err.(*domain.TruncatedFollowError); !ok {
		t.Fatalf("expected *domain.TruncatedFollowError, got %T: %v", err, err)
	}
}

func runToCompletion(t *testing.T, e *Engine) ([]Point, error) {
	t.Helper()
	for !e.Done() {
		if _, err := e.Step(); err != nil {
			return e.Path(), err
		}
	}
	return e.Path(), nil
}

// S1 — Identity: target replays the reference exactly.
func TestScenario_Identity(t *testing.T) {
	rows := spikeRows(60)
	ref, _ := reference.FromFeatures(rows)
	q := queue.New()
	pushAll(q, rows)
	q.Close()

	e, err := New(ref, q, defaultConfig(), quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	path, err := runToCompletion(t, e)
	if err != nil {
		if _, ok := err.(*domain.TruncatedFollowError); !ok {
			t.Fatalf("Step: %v", err)
		}
	}

	if len(path) == 0 {
		t.Fatal("expected a non-empty path")
	}
	for i := 1; i < len(path); i++ {
		if path[i].Ref < path[i-1].Ref {
			t.Fatalf("path not non-decreasing in ref at %d: %v -> %v", i, path[i-1], path[i])
		}
		if path[i].Target < path[i-1].Target {
			t.Fatalf("path not non-decreasing in target at %d: %v -> %v", i, path[i-1], path[i])
		}
	}
	last := path[len(path)-1]
	if last.Ref < 60-1-defaultConfig().FramePerSeg || last.Ref > 60 {
		t.Fatalf("final ref index %d not near end of reference (60 frames)", last.Ref)
	}
}

// S2 — Constant tempo stretch x2: target repeats each reference row twice.
func TestScenario_TempoStretch(t *testing.T) {
	refRows := spikeRows(60)
	ref, _ := reference.FromFeatures(refRows)

	var targetRows []domain.Feature
	for _, r := range refRows {
		targetRows = append(targetRows, r, r)
	}

	q := queue.New()
	pushAll(q, targetRows)
	q.Close()

	e, err := New(ref, q, defaultConfig(), quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	maxRunCount := defaultConfig().MaxRunCount
	for !e.Done() {
		res, err := e.Step()
		if err != nil {
			if _, ok := err.(*domain.TruncatedFollowError); ok {
				break
			}
			t.Fatalf("Step: %v", err)
		}
		if res.Direction == domain.DirTarget && res.RunCount > maxRunCount+1 {
			t.Fatalf("TARGET run_count exceeded max_run_count+1: %d", res.RunCount)
		}
	}
}

// S3 — Silence prefix: target prepends zero-chroma frames.
func TestScenario_SilencePrefix(t *testing.T) {
	refRows := spikeRows(60)
	ref, _ := reference.FromFeatures(refRows)

	var targetRows []domain.Feature
	for i := 0; i < 15; i++ {
		targetRows = append(targetRows, domain.Feature{})
	}
	targetRows = append(targetRows, refRows...)

	q := queue.New()
	pushAll(q, targetRows)
	q.Close()

	e, err := New(ref, q, defaultConfig(), quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = runToCompletion(t, e)
	if err != nil {
		if _, ok := err.(*domain.TruncatedFollowError); !ok {
			t.Fatalf("Step: %v", err)
		}
	}
	// No hard assertion on exact early-emission values (silence gives a
	// flat cost surface); the scenario mainly checks the engine runs to
	// completion without panicking on an all-zero input prefix.
}

// S4 — Forced toggle: target matches reference row 0 for 40 frames.
func TestScenario_ForcedToggle(t *testing.T) {
	refRows := spikeRows(60)
	ref, _ := reference.FromFeatures(refRows)

	var targetRows []domain.Feature
	for i := 0; i < 40; i++ {
		targetRows = append(targetRows, refRows[0])
	}
	targetRows = append(targetRows, refRows...)

	q := queue.New()
	pushAll(q, targetRows)
	q.Close()

	cfg := defaultConfig()
	e, err := New(ref, q, cfg, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sawToggleAwayFromTarget := false
	consecutiveTarget := 0
	for i := 0; i < 45 && !e.Done(); i++ {
		res, err := e.Step()
		if err != nil {
			if _, ok := err.(*domain.TruncatedFollowError); ok {
				break
			}
			t.Fatalf("Step: %v", err)
		}
		if res.RunCount > cfg.MaxRunCount+1 {
			t.Fatalf("run_count exceeded max_run_count+1: %d", res.RunCount)
		}
		if res.Direction == domain.DirTarget {
			consecutiveTarget++
		} else {
			if consecutiveTarget > 0 {
				sawToggleAwayFromTarget = true
			}
			consecutiveTarget = 0
		}
	}
	if !sawToggleAwayFromTarget {
		t.Fatal("expected the direction to toggle away from TARGET at some point")
	}
}

// S5 — Early EOF: queue closes after 10 target frames.
func TestScenario_EarlyEOF(t *testing.T) {
	refRows := spikeRows(60)
	ref, _ := reference.FromFeatures(refRows)

	q := queue.New()
	pushAll(q, refRows[:10])
	q.Close()

	e, err := New(ref, q, defaultConfig(), quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var lastErr error
	for !e.Done() {
		_, err := e.Step()
		if err != nil {
			lastErr = err
			break
		}
	}
	if lastErr == nil {
		t.Fatal("expected TruncatedFollowError before reference exhausted")
	}
	if _, ok := lastErr.(*domain.TruncatedFollowError); !ok {
		t.Fatalf("expected *domain.TruncatedFollowError, got %T: %v", lastErr, lastErr)
	}
	// No panic, and the path accumulated so far must still be
	// monotonic — that's the point of returning it instead of
	// discarding it.
	path := e.Path()
	for i := 1; i < len(path); i++ {
		if path[i].Ref < path[i-1].Ref || path[i].Target < path[i-1].Target {
			t.Fatalf("truncated path not monotonic at %d: %v -> %v", i, path[i-1], path[i])
		}
	}
}

// Invariant 7: aligning a reference against itself yields the
// identity path up to the diagonal-discount tie-break.
func TestInvariant_SelfAlignmentIsNearIdentity(t *testing.T) {
	rows := spikeRows(90)
	ref, _ := reference.FromFeatures(rows)
	q := queue.New()
	pushAll(q, rows)
	q.Close()

	e, err := New(ref, q, defaultConfig(), quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	path, err := runToCompletion(t, e)
	if err != nil {
		if _, ok := err.(*domain.TruncatedFollowError); !ok {
			t.Fatalf("Step: %v", err)
		}
	}
	for _, p := range path {
		diff := p.Ref - p.Target
		if diff < -2 || diff > 2 {
			t.Fatalf("self-alignment drifted too far from identity: %v", p)
		}
	}
}

// Invariant 4: window-shift retains the overlapping block unchanged.
func TestInvariant_ReferenceShiftRetainsOverlap(t *testing.T) {
	rows := spikeRows(90)
	ref, _ := reference.FromFeatures(rows)
	q := queue.New()
	pushAll(q, rows)
	q.Close()

	e, err := New(ref, q, defaultConfig(), quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Step through warm-up (input_ptr <= w) so the window is fully
	// warmed and wy==w.
	for e.inputPtr <= e.w {
		if _, err := e.Step(); err != nil {
			t.Fatalf("warm-up Step: %v", err)
		}
	}

	oldWx, oldWy := e.wx, e.wy
	oldD := make([]float32, len(e.d_))
	copy(oldD, e.d_)

	// Drive one more step and, if it advanced the reference axis,
	// check the retained block.
	res, err := e.Step()
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if res.Direction == domain.DirTarget {
		t.Skip("step advanced target only; nothing to check for this invariant here")
	}
	deltaRef := e.d
	for i := 0; i < oldWx-deltaRef; i++ {
		for j := 0; j < oldWy; j++ {
			oldIdx := (i+deltaRef)*e.w + j
			newIdx := i*e.w + j
			if e.d_[newIdx] != oldD[oldIdx] {
				t.Fatalf("retained cell (%d,%d) changed: old=%v new=%v", i, j, oldD[oldIdx], e.d_[newIdx])
			}
		}
	}
}
