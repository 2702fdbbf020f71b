// Package audio defines the audio frame type, the PCM codec used on the wire,
// and the device abstractions the client pipeline captures from and renders to.
//
// The two device abstractions are:
//
//   - [InputDevice]: a live microphone stream delivering fixed-size frames.
//   - [OutputDevice]: a speaker that renders one frame at a time and reports
//     completion by returning from Play.
//
// Implementations are provided by adapter packages (audio/portaudio for real
// hardware, audio/mock for tests). The interfaces are intentionally narrow so
// the client pipeline stays decoupled from any particular audio backend.
//
// This package lives under pkg/ because external code is expected to provide
// its own devices.
package audio

import "context"

// InputDevice is a live capture stream opened at a fixed channel count (1) and
// sample rate. Devices do not resample: when the hardware cannot honour the
// requested rate, the platform layer is responsible for it.
//
// ReadFrame is driven by the device's own cadence: it blocks until the next
// full frame is available. Only one goroutine may call ReadFrame at a time.
type InputDevice interface {
	// SampleRate reports the rate frames are delivered at.
	SampleRate() int

	// ReadFrame blocks until the next frame is captured or ctx is done.
	ReadFrame(ctx context.Context) (Frame, error)

	// Close releases the device. It is safe to call more than once.
	Close() error
}

// OutputDevice renders frames to a speaker.
//
// Play blocks until the whole frame has been handed to the hardware, so a
// caller that plays frames sequentially never overlaps them. Only one
// goroutine may call Play at a time.
type OutputDevice interface {
	Play(ctx context.Context, frame Frame) error

	// Close releases the device. It is safe to call more than once.
	Close() error
}

// Tap observes samples as they are rendered. Output devices call it with each
// block they hand to the hardware; it must not block or retain the slice.
type Tap func(samples []float32)
