package relay_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/livebridge/internal/relay"
	"github.com/MrWong99/livebridge/internal/resilience"
)

func TestDialer_EndpointPath(t *testing.T) {
	t.Parallel()

	reqCh := make(chan *http.Request, 1)
	remote := startRemote(t, func(conn *websocket.Conn, r *http.Request) {
		reqCh <- r
	})

	d := relay.NewDialer("secret-key", relay.WithBaseURL(wsURL(remote)+"/ws"), relay.WithAPIVersion("v1beta"))
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, err := d.Dial(ctx)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	r := <-reqCh
	if want := "/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"; r.URL.Path != want {
		t.Errorf("path = %q, want %q", r.URL.Path, want)
	}
	if got := r.URL.Query().Get("key"); got != "secret-key" {
		t.Errorf("key = %q, want secret-key", got)
	}
}

func TestDialer_StringRedactsKey(t *testing.T) {
	t.Parallel()
	d := relay.NewDialer("secret-key")
	s := d.String()
	if strings.Contains(s, "secret-key") {
		t.Errorf("String() leaks the key: %s", s)
	}
	if !strings.HasPrefix(s, "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1alpha.") {
		t.Errorf("String() = %s", s)
	}
}

func TestDialer_ErrorRedactsKey(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	d := relay.NewDialer("secret-key", relay.WithBaseURL(wsURL(srv)))
	_, err := d.Dial(context.Background())
	if err == nil {
		t.Fatal("Dial against a non-websocket server succeeded")
	}
	if strings.Contains(err.Error(), "secret-key") {
		t.Errorf("error leaks the key: %v", err)
	}
}

func TestTransportError(t *testing.T) {
	t.Parallel()
	inner := errors.New("connection reset")
	err := error(&relay.TransportError{Leg: relay.LegRemote, Err: inner})

	if !errors.Is(err, inner) {
		t.Error("TransportError does not unwrap to its cause")
	}
	if got := err.Error(); got != "relay: remote connection: connection reset" {
		t.Errorf("Error() = %q", got)
	}
	var te *relay.TransportError
	if !errors.As(err, &te) || te.Leg != relay.LegRemote {
		t.Errorf("errors.As failed or wrong leg: %+v", te)
	}
}

func TestGuardedDialer_FailsFastWhenOpen(t *testing.T) {
	t.Parallel()

	dead := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(dead.Close)

	breaker := resilience.NewBreaker(resilience.BreakerConfig{Name: "remote", Threshold: 1, Cooldown: time.Hour})
	d := &relay.GuardedDialer{
		Dialer:  relay.NewDialer("k", relay.WithBaseURL(wsURL(dead))),
		Breaker: breaker,
	}

	if _, err := d.Dial(context.Background()); err == nil || errors.Is(err, resilience.ErrOpen) {
		t.Fatalf("first dial: err = %v, want a handshake failure", err)
	}
	if _, err := d.Dial(context.Background()); !errors.Is(err, resilience.ErrOpen) {
		t.Fatalf("second dial: err = %v, want ErrOpen", err)
	}
	if err := breaker.Check(context.Background()); err == nil {
		t.Error("breaker Check passes while open")
	}
}
