// Package client implements the browser-side half of the relay as a Go
// program: push-to-talk capture, FIFO playback of the assistant's replies and
// a visual level indicator, all tied to one WebSocket session with the relay.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livebridge/pkg/audio"
	"github.com/MrWong99/livebridge/pkg/protocol"
)

const (
	defaultOutboundBuffer = 32

	// boundarySlots is outbound room only activity boundaries may use, so a
	// backlog of audio never crowds out an activityEnd.
	boundarySlots    = 2
	defaultReadLimit = 4 << 20
	transcriptBuffer = 16
)

// Config holds the parameters of a client [Session].
type Config struct {
	// RelayURL is the ws:// or wss:// address of the relay.
	RelayURL string

	// OutputRate is the sample rate assumed for received audio whose MIME
	// type carries no rate parameter. Defaults to [audio.OutputSampleRate].
	OutputRate int

	// MaxBacklog bounds the playback queue; zero means unbounded.
	MaxBacklog int

	// OutboundBuffer is the number of encoded messages that may wait for the
	// socket writer before new ones are dropped. Defaults to 32.
	OutboundBuffer int

	// ReadLimit is the largest message accepted from the relay, in bytes.
	// Defaults to 4 MiB.
	ReadLimit int64

	// RefreshInterval is the cadence of glow updates. Defaults to
	// [DefaultRefreshInterval].
	RefreshInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.OutputRate <= 0 {
		c.OutputRate = audio.OutputSampleRate
	}
	if c.OutboundBuffer <= 0 {
		c.OutboundBuffer = defaultOutboundBuffer
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = defaultReadLimit
	}
}

// Option configures a [Session].
type Option func(*Session)

// WithGlow enables the visual feedback loop. render is called on every tick
// with the glow derived from spectrum, which should be fed the samples as they
// are rendered (for example through a speaker tap). A nil spectrum keeps the
// glow at rest.
func WithGlow(spectrum Spectrum, render func(Glow)) Option {
	return func(s *Session) {
		s.spectrum = spectrum
		s.render = render
	}
}

// WithStateHandler registers cb to observe push-to-talk state changes.
func WithStateHandler(cb func(State)) Option {
	return func(s *Session) { s.activity.OnChange(cb) }
}

// WithDialOptions sets the options used to dial the relay.
func WithDialOptions(opts *websocket.DialOptions) Option {
	return func(s *Session) { s.dialOpts = opts }
}

// Session is one live connection between this client and the relay. It owns
// the input and output devices handed to [Start] and releases them when the
// session ends.
//
// Outbound messages go through a single writer goroutine so their order on the
// wire matches the order they were produced in.
type Session struct {
	cfg      Config
	dialOpts *websocket.DialOptions
	conn     *websocket.Conn

	in  audio.InputDevice
	out audio.OutputDevice

	activity *Activity
	capture  *Capture
	playback *PlaybackQueue
	spectrum Spectrum
	render   func(Glow)

	ctx         context.Context
	cancel      context.CancelFunc
	outbound    chan []byte
	transcripts chan string

	devicesOnce sync.Once
	stopOnce    sync.Once
	done        chan struct{}
	err         error
}

// Start connects to the relay and begins capture and playback. The session
// takes ownership of in and out: they are closed when the session ends, and
// also when Start fails.
func Start(ctx context.Context, cfg Config, in audio.InputDevice, out audio.OutputDevice, opts ...Option) (*Session, error) {
	cfg.applyDefaults()

	s := &Session{
		cfg:         cfg,
		in:          in,
		out:         out,
		outbound:    make(chan []byte, cfg.OutboundBuffer+boundarySlots),
		transcripts: make(chan string, transcriptBuffer),
		done:        make(chan struct{}),
	}
	s.activity = NewActivity(s.trySend)
	for _, o := range opts {
		o(s)
	}

	conn, _, err := websocket.Dial(ctx, cfg.RelayURL, s.dialOpts)
	if err != nil {
		s.closeDevices()
		return nil, fmt.Errorf("client: dial relay: %w", err)
	}
	conn.SetReadLimit(cfg.ReadLimit)
	s.conn = conn

	s.capture = NewCapture(in, s.activity, s.trySend)
	s.playback = NewPlaybackQueue(out, WithMaxBacklog(cfg.MaxBacklog))

	// The session outlives the dial context.
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	go s.run()

	slog.Info("connected to relay", "url", cfg.RelayURL)
	return s, nil
}

func (s *Session) run() {
	defer close(s.done)

	g, gctx := errgroup.WithContext(s.ctx)

	// Blocking device reads and writes are only interrupted by closing the
	// device.
	stop := context.AfterFunc(gctx, s.closeDevices)
	defer stop()

	g.Go(func() error {
		defer s.cancel()
		return s.receive(gctx)
	})
	g.Go(func() error {
		defer s.cancel()
		return s.send(gctx)
	})
	g.Go(func() error { return s.capture.Run(gctx) })
	g.Go(func() error { return s.playback.Run(gctx) })
	if s.render != nil {
		v := NewVisualizer(s.spectrum, s.playback.Playing, s.render, s.cfg.RefreshInterval)
		g.Go(func() error { return v.Run(gctx) })
	}

	s.err = g.Wait()
	s.cancel()
	s.activity.Reset()
	s.closeDevices()
	_ = s.conn.CloseNow()
	close(s.transcripts)

	if s.err != nil {
		slog.Warn("client session ended", "err", s.err)
	} else {
		slog.Info("client session ended")
	}
}

func (s *Session) receive(ctx context.Context) error {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil
			}
			return fmt.Errorf("client: receive: %w", err)
		}
		s.handleMessage(data)
	}
}

func (s *Session) handleMessage(data []byte) {
	msg, err := protocol.ParseServerMessage(data)
	if err != nil {
		slog.Warn("discarding undecodable message", "err", err, "shape", protocol.Describe(data))
		return
	}
	if msg.Error != nil {
		slog.Warn("remote reported an error", "err", msg.Error)
	}
	if msg.Content == nil {
		return
	}
	if msg.Content.Interrupted {
		slog.Debug("remote turn interrupted")
	}

	for _, p := range msg.Content.Parts {
		if p.Text != "" {
			s.emitTranscript(p.Text)
		}
		if p.InlineData == nil || !p.InlineData.IsPCM() {
			continue
		}
		samples, err := decodePart(p.InlineData)
		if err != nil {
			slog.Warn("discarding undecodable audio part", "err", err, "mime_type", p.InlineData.MIMEType)
			continue
		}
		s.playback.Enqueue(audio.Frame{
			Samples:    samples,
			SampleRate: p.InlineData.SampleRate(s.cfg.OutputRate),
		})
	}
}

func decodePart(d *protocol.InlineData) ([]float32, error) {
	pcm, err := audio.FromTransportText(d.Data)
	if err != nil {
		return nil, err
	}
	return audio.DecodeInbound(pcm)
}

func (s *Session) emitTranscript(text string) {
	slog.Info("assistant text", "text", text)
	select {
	case s.transcripts <- text:
	default:
		slog.Debug("transcript buffer full, dropping text")
	}
}

func (s *Session) send(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case data := <-s.outbound:
			if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("client: send: %w", err)
			}
		}
	}
}

// trySend queues msg for the writer without blocking. It reports false when
// the session is over or the outbound buffer is full. Audio chunks may only
// fill cfg.OutboundBuffer slots; the rest is kept for activity boundaries.
// Every producer calls trySend under the Activity lock, so the length check
// and the send cannot interleave with another producer.
func (s *Session) trySend(msg protocol.ClientMessage) bool {
	if s.ctx == nil || s.ctx.Err() != nil {
		return false
	}
	if msg.Kind() == "audioChunk" && len(s.outbound) >= s.cfg.OutboundBuffer {
		slog.Debug("outbound buffer full, dropping message", "kind", msg.Kind())
		return false
	}
	data, err := msg.Marshal()
	if err != nil {
		slog.Error("encode client message", "err", err, "kind", msg.Kind())
		return false
	}
	select {
	case s.outbound <- data:
		return true
	default:
		slog.Debug("outbound buffer full, dropping message", "kind", msg.Kind())
		return false
	}
}

func (s *Session) closeDevices() {
	s.devicesOnce.Do(func() {
		err := errors.Join(s.in.Close(), s.out.Close())
		if err != nil {
			slog.Warn("release audio devices", "err", err)
		}
	})
}

// Engage presses the talk control.
func (s *Session) Engage() bool { return s.activity.Engage() }

// Release lets go of the talk control.
func (s *Session) Release() bool { return s.activity.Release() }

// Leave handles the pointer leaving the held talk control.
func (s *Session) Leave() bool { return s.activity.Leave() }

// State returns the push-to-talk state.
func (s *Session) State() State { return s.activity.State() }

// Playing reports whether received audio is being rendered.
func (s *Session) Playing() bool { return s.playback.Playing() }

// Stats returns the capture counters.
func (s *Session) Stats() CaptureStats { return s.capture.Stats() }

// Transcripts delivers text parts of the assistant's replies. The channel is
// closed when the session ends. Text that arrives while the buffer is full is
// dropped.
func (s *Session) Transcripts() <-chan string { return s.transcripts }

// Done is closed once the session has fully ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the reason the session ended, or nil for a normal close. It is
// only meaningful after Done is closed.
func (s *Session) Err() error {
	<-s.done
	return s.err
}

// Stop ends the session: it closes the relay connection, releases both
// devices and clears pending playback. It is idempotent.
func (s *Session) Stop() error {
	s.stopOnce.Do(func() {
		if s.activity.Release() {
			// Give the writer a moment to flush the activityEnd.
			s.flush(100 * time.Millisecond)
		}
		s.playback.Clear()
		_ = s.conn.Close(websocket.StatusNormalClosure, "client stopped")
		s.cancel()
	})
	return s.Err()
}

func (s *Session) flush(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for len(s.outbound) > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
}
