// Package portaudio implements [audio.InputDevice] and [audio.OutputDevice] on
// top of the PortAudio blocking stream API.
//
// Both devices use the host's default input/output device, mono, at a fixed
// sample rate. PortAudio initialisation is reference counted by the library
// itself, so each device initialises on open and terminates on close.
package portaudio

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/livebridge/pkg/audio"
)

var (
	_ audio.InputDevice  = (*Microphone)(nil)
	_ audio.OutputDevice = (*Speaker)(nil)
)

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone captures fixed-size mono frames from the default input device.
type Microphone struct {
	stream *pa.Stream
	buf    []float32
	rate   int
	name   string
	start  int64 // samples delivered so far, for frame timestamps

	closeOnce sync.Once
}

// OpenMicrophone opens and starts the default input device at sampleRate with
// framesPerBuffer samples per frame. Any failure is reported as a
// [*audio.DeviceError].
func OpenMicrophone(sampleRate, framesPerBuffer int) (*Microphone, error) {
	if err := pa.Initialize(); err != nil {
		return nil, &audio.DeviceError{Op: "initialise", Err: err}
	}

	dev, err := pa.DefaultInputDevice()
	if err != nil {
		_ = pa.Terminate()
		return nil, &audio.DeviceError{Op: "open input", Err: err}
	}

	params := pa.LowLatencyParameters(dev, nil)
	params.Input.Channels = 1
	params.SampleRate = float64(sampleRate)
	params.FramesPerBuffer = framesPerBuffer

	buf := make([]float32, framesPerBuffer)
	stream, err := pa.OpenStream(params, buf)
	if err != nil {
		_ = pa.Terminate()
		return nil, &audio.DeviceError{Op: "open input", Device: dev.Name, Err: err}
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = pa.Terminate()
		return nil, &audio.DeviceError{Op: "start input", Device: dev.Name, Err: err}
	}

	slog.Info("microphone opened", "device", dev.Name, "sample_rate", sampleRate, "frame_size", framesPerBuffer)
	return &Microphone{stream: stream, buf: buf, rate: sampleRate, name: dev.Name}, nil
}

// SampleRate implements [audio.InputDevice].
func (m *Microphone) SampleRate() int { return m.rate }

// ReadFrame implements [audio.InputDevice]. PortAudio reads are not
// cancellable; ctx is checked before each blocking read, and Close unblocks a
// pending read by stopping the stream.
func (m *Microphone) ReadFrame(ctx context.Context) (audio.Frame, error) {
	if err := ctx.Err(); err != nil {
		return audio.Frame{}, err
	}
	if err := m.stream.Read(); err != nil {
		// Input overflow only means samples were lost; the frame is still usable.
		if !errors.Is(err, pa.InputOverflowed) {
			return audio.Frame{}, &audio.DeviceError{Op: "read input", Device: m.name, Err: err}
		}
		slog.Debug("microphone input overflowed", "device", m.name)
	}

	f := audio.Frame{
		Samples:    append([]float32(nil), m.buf...),
		SampleRate: m.rate,
		Timestamp:  samplesToDuration(m.start, m.rate),
	}
	m.start += int64(len(m.buf))
	return f, nil
}

// Close implements [audio.InputDevice].
func (m *Microphone) Close() error {
	var err error
	m.closeOnce.Do(func() {
		err = closeStream(m.stream)
	})
	return err
}

// ─── Speaker ──────────────────────────────────────────────────────────────────

// Speaker renders mono frames on the default output device. Frames at another
// sample rate are linearly resampled to the device rate before playback.
type Speaker struct {
	stream *pa.Stream
	buf    []float32
	rate   int
	name   string
	tap    audio.Tap

	closeOnce sync.Once
}

// SpeakerOption configures a [Speaker].
type SpeakerOption func(*Speaker)

// WithTap registers an observer for every block handed to the hardware.
func WithTap(tap audio.Tap) SpeakerOption {
	return func(s *Speaker) { s.tap = tap }
}

// OpenSpeaker opens and starts the default output device at sampleRate.
// blockSize controls the granularity of writes (and of Tap callbacks).
func OpenSpeaker(sampleRate, blockSize int, opts ...SpeakerOption) (*Speaker, error) {
	if err := pa.Initialize(); err != nil {
		return nil, &audio.DeviceError{Op: "initialise", Err: err}
	}

	dev, err := pa.DefaultOutputDevice()
	if err != nil {
		_ = pa.Terminate()
		return nil, &audio.DeviceError{Op: "open output", Err: err}
	}

	params := pa.LowLatencyParameters(nil, dev)
	params.Output.Channels = 1
	params.SampleRate = float64(sampleRate)
	params.FramesPerBuffer = blockSize

	buf := make([]float32, blockSize)
	stream, err := pa.OpenStream(params, buf)
	if err != nil {
		_ = pa.Terminate()
		return nil, &audio.DeviceError{Op: "open output", Device: dev.Name, Err: err}
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = pa.Terminate()
		return nil, &audio.DeviceError{Op: "start output", Device: dev.Name, Err: err}
	}

	s := &Speaker{stream: stream, buf: buf, rate: sampleRate, name: dev.Name}
	for _, o := range opts {
		o(s)
	}
	slog.Info("speaker opened", "device", dev.Name, "sample_rate", sampleRate, "block_size", blockSize)
	return s, nil
}

// Play implements [audio.OutputDevice]. It returns once every block of the
// frame has been written to the stream.
func (s *Speaker) Play(ctx context.Context, f audio.Frame) error {
	samples := audio.ResampleLinear(f.Samples, f.SampleRate, s.rate)
	for off := 0; off < len(samples); off += len(s.buf) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := copy(s.buf, samples[off:])
		clear(s.buf[n:])
		if s.tap != nil {
			s.tap(s.buf[:n])
		}
		if err := s.stream.Write(); err != nil {
			if errors.Is(err, pa.OutputUnderflowed) {
				continue
			}
			return &audio.DeviceError{Op: "write output", Device: s.name, Err: err}
		}
	}
	return nil
}

// Close implements [audio.OutputDevice].
func (s *Speaker) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = closeStream(s.stream)
	})
	return err
}

func samplesToDuration(n int64, rate int) time.Duration {
	return time.Duration(n) * time.Second / time.Duration(rate)
}

func closeStream(stream *pa.Stream) error {
	err := errors.Join(stream.Stop(), stream.Close())
	return errors.Join(err, pa.Terminate())
}
