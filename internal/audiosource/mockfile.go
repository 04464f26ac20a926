package audiosource

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/rayfollow/scorefollower/internal/domain"
	"github.com/rayfollow/scorefollower/internal/feature"
	"github.com/rayfollow/scorefollower/internal/logger"
	"github.com/rayfollow/scorefollower/internal/queue"
)

// silenceFraction is how much trailing silence is appended to the
// decoded file, per spec.md §4.2 ("right-pads with ~10% silence").
const silenceFraction = 0.10

// MockFile decodes an entire WAV file up front and replays it at
// wall-clock chunk_size/sample_rate intervals via sleep, standing in
// for a live device in tests and demos. Grounded on
// richinsley-goshadertoy's audio/ffmpegfile.go, which paces playback
// with ffmpeg's "-re" flag; here decoding is done with go-audio/wav
// instead of shelling out, so the pacing is reproduced directly with
// time.Sleep.
type MockFile struct {
	path       string
	sampleRate int
	hopLength  int
	chunkSize  int
	extractor  *feature.Extractor
	q          *queue.Queue
	log        *logger.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMockFile constructs a MockFile source reading from path.
func NewMockFile(path string, sampleRate, hopLength, framePerSeg int, kind domain.FeatureType, log *logger.Logger) (*MockFile, error) {
	ext, err := feature.New(sampleRate, hopLength, kind)
	if err != nil {
		return nil, err
	}
	if framePerSeg <= 0 {
		framePerSeg = 1
	}
	return &MockFile{
		path:       path,
		sampleRate: sampleRate,
		hopLength:  hopLength,
		chunkSize:  framePerSeg * hopLength,
		extractor:  ext,
		q:          queue.New(),
		log:        log,
	}, nil
}

// Queue implements Source.
func (m *MockFile) Queue() *queue.Queue { return m.q }

// Start decodes the file, pads it, and begins the paced playback
// goroutine. Decode failures are surfaced synchronously (the engine
// must not start); playback itself runs asynchronously.
func (m *MockFile) Start(ctx context.Context) error {
	f, err := os.Open(m.path)
	if err != nil {
		return &domain.SourceError{Message: "cannot open mock audio file", Err: err}
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return &domain.SourceError{Message: "not a valid WAV file: " + m.path}
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return &domain.SourceError{Message: "failed to decode WAV file", Err: err}
	}
	if buf.Format.SampleRate != m.sampleRate {
		m.log.Warn("mock audio source: file sample rate %d differs from configured %d; no resampling is performed", buf.Format.SampleRate, m.sampleRate)
	}

	samples := pcmToMonoFloat32(buf)
	samples = padWithSilence(samples, silenceFraction, m.chunkSize)

	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.produce(runCtx, samples)
	return nil
}

// produce replays the decoded samples chunk_size samples at a time,
// sleeping chunk_size/sample_rate seconds between chunks to mimic
// wall-clock pacing, extracting and enqueuing one feature per hop.
func (m *MockFile) produce(ctx context.Context, samples []float32) {
	defer close(m.done)
	defer m.q.Close()

	interval := time.Duration(float64(m.chunkSize) / float64(m.sampleRate) * float64(time.Second))

	for off := 0; off+m.chunkSize <= len(samples); off += m.chunkSize {
		select {
		case <-ctx.Done():
			return
		default:
		}

		chunk := samples[off : off+m.chunkSize]
		for hopOff := 0; hopOff+m.hopLength <= len(chunk); hopOff += m.hopLength {
			hop := chunk[hopOff : hopOff+m.hopLength]
			vec, err := m.extractor.Next(hop)
			if err != nil {
				m.log.Warn("mock audio source: feature extraction failed: %v", err)
				continue
			}
			m.q.Push(domain.QueueItem{Vector: vec, Stamp: time.Now()})
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// Stop cancels playback and waits for the producer goroutine to
// finish. Idempotent; safe even if Start was never called.
func (m *MockFile) Stop() error {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	return nil
}

// pcmToMonoFloat32 downmixes an arbitrary-channel integer PCM buffer
// to normalized mono float32 samples in [-1, 1].
func pcmToMonoFloat32(buf *audio.IntBuffer) []float32 {
	channels := buf.Format.NumChannels
	if channels <= 0 {
		channels = 1
	}
	bitDepth := buf.SourceBitDepth
	if bitDepth <= 0 {
		bitDepth = 16
	}
	maxVal := float64(int64(1) << uint(bitDepth-1))

	n := len(buf.Data) / channels
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		var sum float64
		for c := 0; c < channels; c++ {
			sum += float64(buf.Data[i*channels+c])
		}
		out[i] = float32((sum / float64(channels)) / maxVal)
	}
	return out
}

// padWithSilence appends fraction*len(samples) zero samples, then
// pads further to a multiple of chunkSize so playback always emits
// whole chunks.
func padWithSilence(samples []float32, fraction float64, chunkSize int) []float32 {
	silence := int(float64(len(samples)) * fraction)
	padded := make([]float32, len(samples)+silence)
	copy(padded, samples)

	if chunkSize > 0 {
		if rem := len(padded) % chunkSize; rem != 0 {
			padded = append(padded, make([]float32, chunkSize-rem)...)
		}
	}
	return padded
}
