// Package mock provides in-memory implementations of [audio.InputDevice] and
// [audio.OutputDevice] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every call so that tests
// can assert on ordering and counts, and expose fields that control behaviour.
//
// Typical usage:
//
//	in := mock.NewInput(16000)
//	out := &mock.Output{PlayDelay: 5 * time.Millisecond}
//	in.Push(audio.Frame{Samples: make([]float32, 4096), SampleRate: 16000})
package mock

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/MrWong99/livebridge/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.InputDevice  = (*Input)(nil)
	_ audio.OutputDevice = (*Output)(nil)
)

// ─── Input ────────────────────────────────────────────────────────────────────

// Input is a mock microphone. Frames pushed with [Input.Push] are returned by
// ReadFrame in order. After [Input.Close] (or [Input.End]) ReadFrame returns
// io.EOF once the pushed frames are consumed.
type Input struct {
	rate   int
	frames chan audio.Frame

	mu        sync.Mutex
	ended     bool
	CallReads int
	Closed    int
}

// NewInput returns an Input reporting the given sample rate with room for 64
// buffered frames.
func NewInput(rate int) *Input {
	return &Input{rate: rate, frames: make(chan audio.Frame, 64)}
}

// Push queues f for a later ReadFrame. It blocks when 64 frames are pending.
func (m *Input) Push(f audio.Frame) { m.frames <- f }

// End marks the stream finished; subsequent reads drain and then return io.EOF.
func (m *Input) End() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ended {
		m.ended = true
		close(m.frames)
	}
}

// SampleRate implements [audio.InputDevice].
func (m *Input) SampleRate() int { return m.rate }

// ReadFrame implements [audio.InputDevice].
func (m *Input) ReadFrame(ctx context.Context) (audio.Frame, error) {
	m.mu.Lock()
	m.CallReads++
	m.mu.Unlock()

	select {
	case f, ok := <-m.frames:
		if !ok {
			return audio.Frame{}, io.EOF
		}
		return f, nil
	case <-ctx.Done():
		return audio.Frame{}, ctx.Err()
	}
}

// Close implements [audio.InputDevice].
func (m *Input) Close() error {
	m.mu.Lock()
	m.Closed++
	m.mu.Unlock()
	m.End()
	return nil
}

// ─── Output ───────────────────────────────────────────────────────────────────

// PlayEvent records one side of a Play call.
type PlayEvent struct {
	// Start is true when playback of Frame began and false when it completed.
	Start bool
	Frame audio.Frame
	At    time.Time
}

// Output is a mock speaker. Each Play call records a start event, waits for
// PlayDelay (or for Gate to yield a value when Gate is non-nil), forwards the
// samples to Tap, and records a completion event.
type Output struct {
	// PlayDelay simulates the time the hardware takes to render a frame.
	PlayDelay time.Duration

	// Gate, when non-nil, must deliver one value per Play before it completes.
	Gate chan struct{}

	// Tap receives the samples of each frame as it is rendered.
	Tap audio.Tap

	// PlayError is returned from every Play call when set.
	PlayError error

	mu     sync.Mutex
	events []PlayEvent
	active int
	maxAct int
	Closed int
}

// Play implements [audio.OutputDevice].
func (m *Output) Play(ctx context.Context, f audio.Frame) error {
	m.mu.Lock()
	m.events = append(m.events, PlayEvent{Start: true, Frame: f, At: time.Now()})
	m.active++
	m.maxAct = max(m.maxAct, m.active)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.active--
		m.events = append(m.events, PlayEvent{Start: false, Frame: f, At: time.Now()})
		m.mu.Unlock()
	}()

	if m.Tap != nil {
		m.Tap(f.Samples)
	}
	if m.Gate != nil {
		select {
		case <-m.Gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	} else if m.PlayDelay > 0 {
		select {
		case <-time.After(m.PlayDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return m.PlayError
}

// Close implements [audio.OutputDevice].
func (m *Output) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed++
	return nil
}

// Events returns a copy of the recorded start/completion events.
func (m *Output) Events() []PlayEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PlayEvent, len(m.events))
	copy(out, m.events)
	return out
}

// Completed returns the frames whose playback has finished, in order.
func (m *Output) Completed() []audio.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []audio.Frame
	for _, e := range m.events {
		if !e.Start {
			out = append(out, e.Frame)
		}
	}
	return out
}

// MaxConcurrent reports the largest number of Play calls observed in flight.
func (m *Output) MaxConcurrent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxAct
}
