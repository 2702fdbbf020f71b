package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync/atomic"

	"github.com/MrWong99/livebridge/pkg/audio"
	"github.com/MrWong99/livebridge/pkg/protocol"
)

// rmsLogRate is the fraction of transmitted frames whose level is logged at
// debug level.
const rmsLogRate = 0.05

// CaptureStats is a snapshot of the capture pipeline counters.
type CaptureStats struct {
	// Captured counts every frame read from the input device.
	Captured uint64

	// Discarded counts frames read while the talk control was released.
	Discarded uint64

	// Sent counts frames accepted by the outbound sender.
	Sent uint64

	// Dropped counts eligible frames the sender refused (not connected or
	// outbound buffer full).
	Dropped uint64
}

// Capture turns microphone frames into audioChunk messages while the talk
// control is held. It never blocks on the relay: frames that cannot be handed
// off immediately are dropped.
type Capture struct {
	in       audio.InputDevice
	activity *Activity
	send     func(protocol.ClientMessage) bool

	captured  atomic.Uint64
	discarded atomic.Uint64
	sent      atomic.Uint64
	dropped   atomic.Uint64
}

// NewCapture returns a pipeline reading from in, gated by activity, handing
// encoded frames to send. send must not block.
func NewCapture(in audio.InputDevice, activity *Activity, send func(protocol.ClientMessage) bool) *Capture {
	return &Capture{in: in, activity: activity, send: send}
}

// Run reads frames until ctx is cancelled or the device fails. End of stream
// and cancellation return nil.
func (c *Capture) Run(ctx context.Context) error {
	for {
		f, err := c.in.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		c.handle(f)
	}
}

func (c *Capture) handle(f audio.Frame) {
	c.captured.Add(1)

	eligible, sent := c.activity.Transmit(func() bool {
		pcm := audio.EncodeOutbound(f.Samples)
		return c.send(protocol.AudioChunk(pcm, f.SampleRate))
	})
	switch {
	case !eligible:
		c.discarded.Add(1)
	case !sent:
		c.dropped.Add(1)
	default:
		c.sent.Add(1)
		if rand.Float64() < rmsLogRate {
			slog.Debug("audio frame sent", "samples", len(f.Samples), "rms", rms(f.Samples))
		}
	}
}

// Stats returns the current counters.
func (c *Capture) Stats() CaptureStats {
	return CaptureStats{
		Captured:  c.captured.Load(),
		Discarded: c.discarded.Load(),
		Sent:      c.sent.Load(),
		Dropped:   c.dropped.Load(),
	}
}

func rms(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
