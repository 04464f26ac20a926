package audiosource

import (
	"context"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/rayfollow/scorefollower/internal/domain"
	"github.com/rayfollow/scorefollower/internal/feature"
	"github.com/rayfollow/scorefollower/internal/logger"
	"github.com/rayfollow/scorefollower/internal/queue"
)

// Live captures a 1-channel float32 input device at sampleRate with
// buffer chunkSize = framePerSeg*hopLength, extracting one feature
// vector per hop within each delivered buffer. Grounded on otto's
// speech/ear.go scoped portaudio.Initialize()/Terminate() lifecycle
// and richinsley-goshadertoy's audio/microphone.go callback-to-channel
// shape, adapted here to push straight onto the Feature Queue instead
// of a raw sample channel.
type Live struct {
	sampleRate int
	hopLength  int
	chunkSize  int
	extractor  *feature.Extractor
	q          *queue.Queue
	log        *logger.Logger

	mu      sync.Mutex
	stream  *portaudio.Stream
	running bool
}

// NewLive constructs a Live source. framePerSeg*hopLength must match
// the audio callback buffer size (chunk_size in spec.md §6).
func NewLive(sampleRate, hopLength, framePerSeg int, kind domain.FeatureType, log *logger.Logger) (*Live, error) {
	ext, err := feature.New(sampleRate, hopLength, kind)
	if err != nil {
		return nil, err
	}
	if framePerSeg <= 0 {
		framePerSeg = 1
	}
	return &Live{
		sampleRate: sampleRate,
		hopLength:  hopLength,
		chunkSize:  framePerSeg * hopLength,
		extractor:  ext,
		q:          queue.New(),
		log:        log,
	}, nil
}

// Queue implements Source.
func (l *Live) Queue() *queue.Queue { return l.q }

// callback runs on PortAudio's audio thread: slice the delivered
// buffer into hop-sized windows, extract one feature per hop, enqueue
// it. Never blocks — Queue.Push is O(1) and non-blocking by
// construction (unbounded backlog).
func (l *Live) callback(in []float32) {
	stamp := time.Now()
	for off := 0; off+l.hopLength <= len(in); off += l.hopLength {
		hop := in[off : off+l.hopLength]
		vec, err := l.extractor.Next(hop)
		if err != nil {
			l.log.Warn("live audio source: feature extraction failed: %v", err)
			continue
		}
		l.q.Push(domain.QueueItem{Vector: vec, Stamp: stamp})
	}
}

// Start opens and begins the capture stream. On any failure the
// device/PortAudio runtime is released before returning, so callers
// never need to call Stop after a failed Start.
func (l *Live) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return nil
	}

	if err := portaudio.Initialize(); err != nil {
		return &domain.SourceError{Message: "portaudio initialize failed", Err: err}
	}

	host, err := portaudio.DefaultHostApi()
	if err != nil {
		portaudio.Terminate()
		return &domain.SourceError{Message: "no default host API", Err: err}
	}

	params := portaudio.HighLatencyParameters(host.DefaultInputDevice, nil)
	params.Input.Channels = 1
	params.SampleRate = float64(l.sampleRate)
	params.FramesPerBuffer = l.chunkSize

	stream, err := portaudio.OpenStream(params, l.callback)
	if err != nil {
		portaudio.Terminate()
		return &domain.SourceError{Message: "failed to open input stream", Err: err}
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return &domain.SourceError{Message: "failed to start input stream", Err: err}
	}

	l.stream = stream
	l.running = true

	go func() {
		<-ctx.Done()
		l.Stop()
	}()
	return nil
}

// Stop closes the stream, terminates PortAudio, and signals EOF on
// the queue. Idempotent.
func (l *Live) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return nil
	}
	l.running = false

	closeErr := l.stream.Close()
	termErr := portaudio.Terminate()
	l.q.Close()

	if closeErr != nil {
		return &domain.SourceError{Message: "failed to close input stream", Err: closeErr}
	}
	if termErr != nil {
		return &domain.SourceError{Message: "failed to terminate portaudio", Err: termErr}
	}
	return nil
}
