package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livebridge/internal/observe"
	"github.com/MrWong99/livebridge/pkg/protocol"
)

const (
	keepaliveTimeout = 5 * time.Second

	// maxCloseReason is the longest close reason a control frame can carry.
	maxCloseReason = 123
)

// Session outcomes recorded in metrics and logs.
const (
	OutcomeClientClosed      = "client_closed"
	OutcomeRemoteClosed      = "remote_closed"
	OutcomeRemoteUnavailable = "remote_unavailable"
	OutcomeShutdown          = "shutdown"
	OutcomeError             = "error"
)

// SessionConnection pairs one client WebSocket with one remote WebSocket and
// relays messages between them verbatim.
//
// The remote leg is dialed when the session starts. Exactly one setup message
// is written to it before any client message is forwarded; client messages
// that arrive earlier are dropped. When either leg closes or fails, the other
// is closed too.
type SessionConnection struct {
	id        string
	client    *websocket.Conn
	dialer    RemoteDialer
	setup     protocol.SetupOptions
	keepalive time.Duration
	readLimit int64
	metrics   *observe.Metrics
	tracer    trace.Tracer

	// remote is nil until the setup message has been written.
	remote atomic.Pointer[websocket.Conn]
	// conn holds the dialed remote even before it is ready, so it can be
	// closed on teardown.
	conn atomic.Pointer[websocket.Conn]

	shuttingDown atomic.Bool
	clientOnce   sync.Once
	remoteOnce   sync.Once
	outcomeOnce  sync.Once
	outcome      string
}

func newSessionConnection(client *websocket.Conn, p sessionParams) *SessionConnection {
	return &SessionConnection{
		id:        uuid.NewString(),
		client:    client,
		dialer:    p.dialer,
		setup:     p.setup,
		keepalive: p.keepalive,
		readLimit: p.readLimit,
		metrics:   p.metrics,
		tracer:    p.tracer,
	}
}

// ID returns the session's unique identifier.
func (s *SessionConnection) ID() string { return s.id }

// Ready reports whether the remote leg is open and set up.
func (s *SessionConnection) Ready() bool { return s.remote.Load() != nil }

// Run relays until either leg ends. It returns nil when the session ended
// through a normal close on either side and a [*TransportError] otherwise.
func (s *SessionConnection) Run(ctx context.Context) error {
	ctx, span, log := observe.StartSession(ctx, s.tracer, s.id)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	s.metrics.ActiveSessions.Add(ctx, 1)
	log.Info("session opened")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		err := s.pumpClient(gctx, log)
		s.setOutcome(OutcomeClientClosed)
		s.closeRemote(websocket.StatusNormalClosure, "client disconnected")
		return err
	})
	g.Go(func() error {
		defer cancel()
		code, reason, err := s.runRemote(gctx, g, log)
		s.setOutcome(OutcomeRemoteClosed)
		s.closeClient(code, reason)
		return err
	})
	err := g.Wait()

	outcome := s.outcome
	if err != nil && outcome != OutcomeRemoteUnavailable {
		outcome = OutcomeError
	}
	observe.EndSession(span, outcome, err)

	// The request context may already be gone; metrics use a detached one.
	mctx := context.WithoutCancel(ctx)
	s.metrics.ActiveSessions.Add(mctx, -1)
	s.metrics.RecordSessionEnd(mctx, outcome, time.Since(start).Seconds())

	if err != nil {
		log.Warn("session closed", "outcome", outcome, "err", err, "duration", time.Since(start))
	} else {
		log.Info("session closed", "outcome", outcome, "duration", time.Since(start))
	}
	return err
}

// pumpClient forwards client messages to the remote once it is ready.
func (s *SessionConnection) pumpClient(ctx context.Context, log *slog.Logger) error {
	for {
		typ, data, err := s.client.Read(ctx)
		if err != nil {
			return s.legError(ctx, LegClient, err)
		}

		remote := s.remote.Load()
		if remote == nil {
			s.metrics.RecordDrop(ctx, observe.DirectionUpstream, "remote_not_ready")
			debugShape(ctx, log, "dropping client message, remote not ready", data)
			continue
		}
		if err := remote.Write(ctx, typ, data); err != nil {
			return s.legError(ctx, LegRemote, err)
		}
		s.metrics.RecordForward(ctx, observe.DirectionUpstream, len(data))
		debugShape(ctx, log, "client -> remote", data, "type", typ, "bytes", len(data))
	}
}

// describe is swapped in tests to count calls.
var describe = protocol.Describe

// debugShape logs msg with the message shape only when debug logging is on.
// Describing a message parses it, so the hot path must not pay for it at info.
func debugShape(ctx context.Context, log *slog.Logger, msg string, data []byte, args ...any) {
	if !log.Enabled(ctx, slog.LevelDebug) {
		return
	}
	log.Debug(msg, append(args, "shape", describe(data))...)
}

// runRemote dials the remote, sends the setup message and forwards remote
// messages to the client. It returns the close status the client should see.
func (s *SessionConnection) runRemote(ctx context.Context, g *errgroup.Group, log *slog.Logger) (websocket.StatusCode, string, error) {
	dialStart := time.Now()
	conn, err := s.dialer.Dial(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return websocket.StatusNormalClosure, "", nil
		}
		s.setOutcome(OutcomeRemoteUnavailable)
		s.metrics.RecordTransportError(ctx, LegRemote)
		return websocket.StatusBadGateway, "remote unavailable", &TransportError{Leg: LegRemote, Err: err}
	}
	s.conn.Store(conn)
	defer s.closeRemote(websocket.StatusNormalClosure, "relay session ended")
	if s.readLimit > 0 {
		conn.SetReadLimit(s.readLimit)
	}

	setup, err := protocol.NewSetup(s.setup).Marshal()
	if err != nil {
		return websocket.StatusInternalError, "setup failed", &TransportError{Leg: LegRemote, Err: err}
	}
	if err := conn.Write(ctx, websocket.MessageText, setup); err != nil {
		return websocket.StatusBadGateway, "setup failed", s.legError(ctx, LegRemote, err)
	}
	s.remote.Store(conn)
	s.metrics.RemoteDialDuration.Record(ctx, time.Since(dialStart).Seconds())
	log.Info("remote connected", "model", s.setup.Model, "push_to_talk", s.setup.PushToTalk, "dial", time.Since(dialStart))

	if s.keepalive > 0 {
		g.Go(func() error {
			s.keepaliveLoop(ctx, conn, log)
			return nil
		})
	}

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			code, reason := clientCloseFor(err)
			return code, reason, s.legError(ctx, LegRemote, err)
		}
		if err := s.client.Write(ctx, typ, data); err != nil {
			return websocket.StatusNormalClosure, "", s.legError(ctx, LegClient, err)
		}
		s.metrics.RecordForward(ctx, observe.DirectionDownstream, len(data))
		debugShape(ctx, log, "remote -> client", data, "type", typ, "bytes", len(data))
	}
}

// keepaliveLoop pings the remote periodically. Ping failures are logged and
// otherwise ignored; they never end the session.
func (s *SessionConnection) keepaliveLoop(ctx context.Context, conn *websocket.Conn, log *slog.Logger) {
	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, keepaliveTimeout)
			if err := conn.Ping(pingCtx); err != nil && ctx.Err() == nil {
				log.Debug("remote keepalive ping failed", "err", err)
			}
			cancel()
		}
	}
}

// legError classifies a read or write failure. Normal closes, cancellation
// and shutdown are not errors.
func (s *SessionConnection) legError(ctx context.Context, leg string, err error) error {
	if ctx.Err() != nil || s.shuttingDown.Load() || errors.Is(err, io.EOF) {
		return nil
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway, websocket.StatusNoStatusRcvd:
		return nil
	}
	s.metrics.RecordTransportError(context.WithoutCancel(ctx), leg)
	return &TransportError{Leg: leg, Err: err}
}

// Close ends the session from the outside, telling the client why.
func (s *SessionConnection) Close(code websocket.StatusCode, reason string) {
	s.shuttingDown.Store(true)
	s.setOutcome(OutcomeShutdown)
	s.closeClient(code, reason)
}

func (s *SessionConnection) closeClient(code websocket.StatusCode, reason string) {
	s.clientOnce.Do(func() {
		_ = s.client.Close(code, truncateReason(reason))
	})
}

func (s *SessionConnection) closeRemote(code websocket.StatusCode, reason string) {
	conn := s.conn.Load()
	if conn == nil {
		return
	}
	s.remoteOnce.Do(func() {
		_ = conn.Close(code, truncateReason(reason))
	})
}

func (s *SessionConnection) setOutcome(o string) {
	s.outcomeOnce.Do(func() { s.outcome = o })
}

// clientCloseFor mirrors the remote's close status to the client when it can
// be sent on the wire, and reports a gateway failure otherwise.
func clientCloseFor(err error) (websocket.StatusCode, string) {
	var ce websocket.CloseError
	if !errors.As(err, &ce) {
		return websocket.StatusBadGateway, "remote connection lost"
	}
	switch ce.Code {
	case websocket.StatusNoStatusRcvd:
		return websocket.StatusNormalClosure, ""
	case websocket.StatusAbnormalClosure, websocket.StatusTLSHandshake:
		return websocket.StatusBadGateway, "remote connection lost"
	}
	if ce.Code < websocket.StatusNormalClosure || ce.Code >= 5000 {
		return websocket.StatusBadGateway, ce.Reason
	}
	return ce.Code, ce.Reason
}

func truncateReason(reason string) string {
	if len(reason) <= maxCloseReason {
		return reason
	}
	cut := maxCloseReason
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}
