package audio

import (
	"math"
	"math/cmplx"
	"sync"

	"github.com/mjibson/go-dsp/fft"
	"github.com/mjibson/go-dsp/window"
)

const (
	// DefaultFFTSize is the analysis window length in samples.
	DefaultFFTSize = 256

	defaultSmoothing  = 0.8
	defaultMinDecibel = -100.0
	defaultMaxDecibel = -30.0
)

// Analyser keeps the most recently rendered samples and derives byte-scaled
// frequency magnitudes from them. Magnitudes are smoothed over time, converted
// to decibels and mapped from [MinDecibels, MaxDecibels] onto 0..255.
//
// Write is called by the playback path; ByteFrequencyData by readers such as
// the visual feedback loop. All methods are safe for concurrent use.
type Analyser struct {
	mu       sync.Mutex
	size     int
	ring     []float64
	pos      int
	win      []float64
	smoothed []float64

	smoothing float64
	minDB     float64
	maxDB     float64
}

// AnalyserOption configures an [Analyser].
type AnalyserOption func(*Analyser)

// WithFFTSize sets the analysis window length. Non power-of-two sizes are
// accepted by the FFT but cost more per call.
func WithFFTSize(n int) AnalyserOption {
	return func(a *Analyser) {
		if n >= 2 {
			a.size = n
		}
	}
}

// WithSmoothing sets the time-smoothing constant in [0, 1).
func WithSmoothing(tau float64) AnalyserOption {
	return func(a *Analyser) {
		if tau >= 0 && tau < 1 {
			a.smoothing = tau
		}
	}
}

// WithDecibelRange sets the range mapped onto 0..255.
func WithDecibelRange(minDB, maxDB float64) AnalyserOption {
	return func(a *Analyser) {
		if minDB < maxDB {
			a.minDB, a.maxDB = minDB, maxDB
		}
	}
}

// NewAnalyser returns an Analyser with a 256-sample window, 0.8 smoothing and
// a [-100, -30] dB range unless overridden.
func NewAnalyser(opts ...AnalyserOption) *Analyser {
	a := &Analyser{
		size:      DefaultFFTSize,
		smoothing: defaultSmoothing,
		minDB:     defaultMinDecibel,
		maxDB:     defaultMaxDecibel,
	}
	for _, o := range opts {
		o(a)
	}
	a.ring = make([]float64, a.size)
	a.win = window.Blackman(a.size)
	a.smoothed = make([]float64, a.size/2)
	return a
}

// BinCount returns the number of frequency bins (half the FFT size).
func (a *Analyser) BinCount() int { return a.size / 2 }

// Write appends rendered samples to the analysis window. It satisfies [Tap].
func (a *Analyser) Write(samples []float32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range samples {
		a.ring[a.pos] = float64(s)
		a.pos = (a.pos + 1) % a.size
	}
}

// Reset clears the window and smoothing history.
func (a *Analyser) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.ring)
	clear(a.smoothed)
	a.pos = 0
}

// ByteFrequencyData fills dst with the current byte-scaled magnitudes, one per
// bin, and returns the number of bins written.
func (a *Analyser) ByteFrequencyData(dst []byte) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	frame := make([]float64, a.size)
	for i := range frame {
		frame[i] = a.ring[(a.pos+i)%a.size] * a.win[i]
	}
	spectrum := fft.FFTReal(frame)

	n := min(len(dst), len(a.smoothed))
	scale := 255 / (a.maxDB - a.minDB)
	for k := range a.smoothed {
		mag := cmplx.Abs(spectrum[k]) / float64(a.size)
		a.smoothed[k] = a.smoothing*a.smoothed[k] + (1-a.smoothing)*mag
		if k >= n {
			continue
		}
		db := math.Inf(-1)
		if a.smoothed[k] > 0 {
			db = 20 * math.Log10(a.smoothed[k])
		}
		v := (db - a.minDB) * scale
		dst[k] = byte(max(0, min(255, v)))
	}
	return n
}
