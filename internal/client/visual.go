package client

import (
	"context"
	"time"
)

// DefaultRefreshInterval is the visual refresh cadence used when none is set,
// roughly one display frame at 60 Hz.
const DefaultRefreshInterval = time.Second / 60

const (
	baseGlowSize     = 20
	glowSizeRange    = 100
	baseGlowOpacity  = 0.8
	glowOpacityRange = 0.2
)

// Glow is the visual state of the speaking indicator.
type Glow struct {
	// Size is the glow radius in display units.
	Size float64

	// Opacity is the opacity of the indicator's centre, in [0, 1].
	Opacity float64
}

// RestingGlow is shown whenever nothing is playing.
var RestingGlow = Glow{Size: baseGlowSize, Opacity: baseGlowOpacity}

// GlowFor maps an intensity in [0, 1] to a [Glow].
func GlowFor(intensity float64) Glow {
	intensity = min(max(intensity, 0), 1)
	return Glow{
		Size:    baseGlowSize + glowSizeRange*intensity,
		Opacity: baseGlowOpacity + glowOpacityRange*intensity,
	}
}

// Intensity averages the lower half of the byte spectrum, where most voice
// energy sits, and normalises the result to [0, 1].
func Intensity(bins []byte) float64 {
	n := len(bins) / 2
	if n == 0 {
		return 0
	}
	var sum int
	for _, b := range bins[:n] {
		sum += int(b)
	}
	return float64(sum) / float64(n) / 255
}

// Spectrum is a source of byte-scaled frequency magnitudes, such as
// [audio.Analyser].
type Spectrum interface {
	BinCount() int
	ByteFrequencyData(dst []byte) int
}

// Visualizer samples the playback spectrum on its own cadence and reports a
// [Glow] each tick. It only reads from the audio path and never affects it.
type Visualizer struct {
	spectrum Spectrum
	playing  func() bool
	render   func(Glow)
	interval time.Duration

	bins []byte
}

// NewVisualizer returns a Visualizer that calls render every interval with the
// glow derived from spectrum while playing reports true, and [RestingGlow]
// otherwise. A nil spectrum renders [RestingGlow] on every tick. A non-positive
// interval selects [DefaultRefreshInterval].
func NewVisualizer(spectrum Spectrum, playing func() bool, render func(Glow), interval time.Duration) *Visualizer {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	v := &Visualizer{
		spectrum: spectrum,
		playing:  playing,
		render:   render,
		interval: interval,
	}
	if spectrum != nil {
		v.bins = make([]byte, spectrum.BinCount())
	}
	return v
}

// Step computes the glow for the current instant.
func (v *Visualizer) Step() Glow {
	if v.spectrum == nil || !v.playing() {
		return RestingGlow
	}
	n := v.spectrum.ByteFrequencyData(v.bins)
	return GlowFor(Intensity(v.bins[:n]))
}

// Run renders one glow per tick until ctx is cancelled. It always returns nil.
func (v *Visualizer) Run(ctx context.Context) error {
	t := time.NewTicker(v.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			v.render(v.Step())
		}
	}
}
