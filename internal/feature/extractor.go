// Package feature implements the real-time chroma feature pipeline:
// a short-time Fourier transform over a continuity-preserving window,
// folded into 12 pitch-class bins. Grounded on goshadertoy's
// Hanning-windowed github.com/mjibson/go-dsp/fft.FFTReal call in
// inputs/mic.go, adapted from a visualizer's raw FFT magnitude texture
// into a pitch-class (chroma) aggregation, and on otto's wakeword
// detector for the hop/carry-over buffer discipline.
package feature

import (
	"fmt"
	"math"

	"github.com/mjibson/go-dsp/fft"

	"github.com/rayfollow/scorefollower/internal/domain"
)

// referenceA4 is the tuning reference (A4 = 440 Hz) used to fold FFT
// bins into equal-tempered pitch classes.
const referenceA4 = 440.0

// Extractor converts fixed-size PCM windows into chroma vectors. It is
// not safe for concurrent use — one Extractor belongs to one audio
// source / one session, matching the single-producer ownership in
// spec.md's concurrency model.
type Extractor struct {
	sampleRate int
	hopLength  int
	nFFT       int // 2 * hopLength, the window length fed to the STFT
	kind       domain.FeatureType

	hanning []float64
	binPC   []int // pitch class (0-11) per FFT bin, -1 for bins below 20 Hz (DC included)

	carry      []float32 // last hopLength samples of the previous window
	havePrev   bool
	prevChroma domain.Feature // raw chroma of the previous frame, for decay
}

// New creates an Extractor. hopLength must be > 0; sampleRate informs
// the bin→pitch-class folding.
func New(sampleRate, hopLength int, kind domain.FeatureType) (*Extractor, error) {
	if hopLength <= 0 {
		return nil, fmt.Errorf("feature: hop length must be positive, got %d", hopLength)
	}
	if kind != domain.FeatureChroma && kind != domain.FeatureChromaDecay {
		return nil, &domain.ConfigError{Message: fmt.Sprintf("unknown feature type %q", kind)}
	}

	nFFT := 2 * hopLength
	e := &Extractor{
		sampleRate: sampleRate,
		hopLength:  hopLength,
		nFFT:       nFFT,
		kind:       kind,
		hanning:    hanningWindow(nFFT),
		binPC:      make([]int, nFFT/2+1),
		carry:      make([]float32, hopLength), // synthetic silent history for frame 0
	}
	for bin := range e.binPC {
		e.binPC[bin] = pitchClassForBin(bin, nFFT, sampleRate)
	}
	return e, nil
}

// Reset clears the continuity carry-over and decay state, as if the
// extractor had just been constructed. Used when a session restarts
// against the same Extractor instance.
func (e *Extractor) Reset() {
	for i := range e.carry {
		e.carry[i] = 0
	}
	e.havePrev = false
	e.prevChroma = domain.Feature{}
}

// HopLength returns the configured hop size, in samples.
func (e *Extractor) HopLength() int { return e.hopLength }

// Next consumes exactly HopLength() new PCM samples and returns one
// chroma (or chroma-with-decay) feature vector. The window fed to the
// STFT is the previous call's trailing hopLength samples concatenated
// with newHop — the continuity contract in spec.md §4.1: breaking it
// breaks alignment with the reference.
func (e *Extractor) Next(newHop []float32) (domain.Feature, error) {
	if len(newHop) != e.hopLength {
		return domain.Feature{}, fmt.Errorf("feature: expected %d samples, got %d", e.hopLength, len(newHop))
	}

	window := make([]float64, e.nFFT)
	for i, s := range e.carry {
		window[i] = float64(s) * e.hanning[i]
	}
	for i, s := range newHop {
		window[e.hopLength+i] = float64(s) * e.hanning[e.hopLength+i]
	}

	spectrum := fft.FFTReal(window)
	chroma := e.foldChroma(spectrum)

	copy(e.carry, newHop)

	if e.kind == domain.FeatureChroma {
		return chroma, nil
	}

	// chroma_decay: forward difference against the previous raw chroma,
	// half-wave rectified (negatives clamp to zero).
	var decay domain.Feature
	if e.havePrev {
		for i := range decay {
			diff := chroma[i] - e.prevChroma[i]
			if diff > 0 {
				decay[i] = diff
			}
		}
	}
	e.prevChroma = chroma
	e.havePrev = true
	return decay, nil
}

// foldChroma aggregates FFT bin magnitudes into 12 pitch-class energy
// bins across all represented octaves.
func (e *Extractor) foldChroma(spectrum []complex128) domain.Feature {
	var chroma domain.Feature
	nyquistBins := e.nFFT/2 + 1
	for bin := 1; bin < nyquistBins; bin++ { // skip DC (bin 0)
		pc := e.binPC[bin]
		if pc < 0 {
			continue
		}
		c := spectrum[bin]
		mag := float32(math.Hypot(real(c), imag(c)))
		chroma[pc] += mag
	}
	return chroma
}

// pitchClassForBin maps an FFT bin index to an equal-tempered pitch
// class (0=C, 1=C#, ..., 11=B) relative to A4=440Hz, or -1 if the
// bin's frequency is too close to DC to assign meaningfully.
func pitchClassForBin(bin, nFFT, sampleRate int) int {
	freq := float64(bin) * float64(sampleRate) / float64(nFFT)
	if freq < 20 { // below audible low end; avoid log(~0) blowing up
		return -1
	}
	midi := 69.0 + 12.0*math.Log2(freq/referenceA4)
	pc := int(math.Round(midi)) % 12
	if pc < 0 {
		pc += 12
	}
	return pc
}

// hanningWindow returns a size-n Hanning window, matching the
// windowing used in goshadertoy's inputs/mic.go FFT pipeline.
func hanningWindow(n int) []float64 {
	w := make([]float64, n)
	if n == 1 {
		w[0] = 1
		return w
	}
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1)))
	}
	return w
}
