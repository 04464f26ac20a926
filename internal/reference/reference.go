// Package reference loads the precomputed reference feature matrix
// the OLTW engine aligns against. Grounded on the pack-wide pairing of
// github.com/go-audio/wav decode with gonum.org/v1/gonum matrix types
// for audio-feature work (confirmed across drgolem-musictools,
// emer-auditory and tphakala-birdnet-go go.mod manifests); the JSON
// loader follows otto's straightforward config-reading style
// (internal/speech/config.go), and the raw float32 path follows the
// original implementation's own `np.frombuffer(data, dtype=np.float32)`
// convention for raw sample buffers (backend/app/stream.py), applied
// here to a reference matrix instead of a live audio chunk.
package reference

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/rayfollow/scorefollower/internal/domain"
)

// Matrix is a loaded N x domain.ChromaDim reference feature sequence,
// backed by a gonum dense matrix so oltw.Engine can reuse gonum's row
// slicing and floats.Distance directly.
type Matrix struct {
	dense *mat.Dense
	rows  int
}

// Rows reports the number of reference frames (N_ref in spec.md).
func (m *Matrix) Rows() int { return m.rows }

// Row returns frame i's feature vector as a slice view into the
// underlying gonum matrix's backing array. Callers must not retain the
// slice across calls. Uses RawRowView rather than mat.Row(nil, ...),
// which allocates a fresh slice on every call — fillCell calls this
// once per new window cell on the hot path after warm-up, where an
// allocation per cell is not acceptable.
func (m *Matrix) Row(i int) []float64 {
	return m.dense.RawRowView(i)
}

// Dense exposes the underlying gonum matrix for callers that want to
// use gonum routines directly (distance, normalization, ...).
func (m *Matrix) Dense() *mat.Dense { return m.dense }

// document is the on-disk JSON shape: one row of 12 floats per frame.
type document struct {
	Frames [][domain.ChromaDim]float64 `json:"frames"`
}

// Load reads a reference feature matrix from path. A ".json" extension
// selects the {"frames": [[...12 floats...], ...]} document shape;
// any other extension (".bin", ".f32", ".raw", ...) selects the raw
// float32 binary shape: domain.ChromaDim little-endian float32 values
// per frame, concatenated frame after frame, with no header.
func Load(path string) (*Matrix, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &domain.ConfigError{Message: "cannot open reference file", Err: err}
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(path), ".json") {
		return decode(f)
	}
	return decodeBinary(f)
}

func decode(r io.Reader) (*Matrix, error) {
	var doc document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, &domain.ConfigError{Message: "cannot parse reference file", Err: err}
	}
	if len(doc.Frames) == 0 {
		return nil, &domain.ConfigError{Message: "reference file contains zero frames"}
	}

	rows := len(doc.Frames)
	data := make([]float64, rows*domain.ChromaDim)
	for i, frame := range doc.Frames {
		copy(data[i*domain.ChromaDim:(i+1)*domain.ChromaDim], frame[:])
	}

	return &Matrix{
		dense: mat.NewDense(rows, domain.ChromaDim, data),
		rows:  rows,
	}, nil
}

// decodeBinary reads a raw float32 reference matrix: domain.ChromaDim
// little-endian float32 values per frame, no header, no delimiter.
func decodeBinary(r io.Reader) (*Matrix, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, &domain.ConfigError{Message: "cannot read reference file", Err: err}
	}
	const bytesPerValue = 4
	bytesPerFrame := domain.ChromaDim * bytesPerValue
	if len(raw) == 0 || len(raw)%bytesPerFrame != 0 {
		return nil, &domain.ConfigError{Message: "reference file size is not a multiple of a chroma frame (48 bytes)"}
	}

	rows := len(raw) / bytesPerFrame
	data := make([]float64, rows*domain.ChromaDim)
	for i := range data {
		off := i * bytesPerValue
		bits := binary.LittleEndian.Uint32(raw[off : off+bytesPerValue])
		data[i] = float64(math.Float32frombits(bits))
	}

	return &Matrix{
		dense: mat.NewDense(rows, domain.ChromaDim, data),
		rows:  rows,
	}, nil
}

// FromFeatures builds a Matrix directly from a slice of already
// extracted features, used by tests and by any caller that computes
// the reference in-process instead of reading it from disk.
func FromFeatures(frames []domain.Feature) (*Matrix, error) {
	if len(frames) == 0 {
		return nil, &domain.ConfigError{Message: "reference: zero frames"}
	}
	data := make([]float64, len(frames)*domain.ChromaDim)
	for i, frame := range frames {
		for j, v := range frame {
			data[i*domain.ChromaDim+j] = float64(v)
		}
	}
	return &Matrix{
		dense: mat.NewDense(len(frames), domain.ChromaDim, data),
		rows:  len(frames),
	}, nil
}
