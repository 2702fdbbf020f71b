package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/livebridge/internal/app"
	"github.com/MrWong99/livebridge/internal/config"
	"github.com/MrWong99/livebridge/internal/observe"
	"github.com/MrWong99/livebridge/internal/relay"
	"github.com/MrWong99/livebridge/internal/resilience"
)

// testConfig returns a validated-looking config for a relay on a random port.
func testConfig() *config.Config {
	cfg := &config.Config{
		Server: config.ServerConfig{ListenAddr: "127.0.0.1:0"},
		Remote: config.RemoteConfig{
			APIKey:          "test-key",
			InteractionMode: config.ModePushToTalk,
		},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// fakeRemote acknowledges setup, reports each setup model on setups and
// forwards later messages to recv.
func fakeRemote(t *testing.T, setups chan<- string, recv chan<- []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := context.Background()

		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var setup struct {
			Setup struct {
				Model string `json:"model"`
			} `json:"setup"`
		}
		_ = json.Unmarshal(data, &setup)
		setups <- setup.Setup.Model

		if err := conn.Write(ctx, websocket.MessageText, []byte(`{"setupComplete":{}}`)); err != nil {
			return
		}
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			recv <- data
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func remoteDialer(srv *httptest.Server) *relay.Dialer {
	return relay.NewDialer("test-key", relay.WithBaseURL("ws"+strings.TrimPrefix(srv.URL, "http")))
}

// serve runs a on a random local port and returns its WebSocket URL.
func serve(t *testing.T, a *app.App) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		sctx, scancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer scancel()
		_ = a.Shutdown(sctx)
	})
	return "ws://" + ln.Addr().String()
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func readMsg(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return data
}

func TestNew_NilConfig(t *testing.T) {
	t.Parallel()
	if _, err := app.New(nil); err == nil {
		t.Fatal("New(nil) should fail")
	}
}

func TestApp_HealthEndpoints(t *testing.T) {
	t.Parallel()

	a, err := app.New(testConfig(), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, resp.StatusCode)
		}
	}

	// Readiness only reports checks that can fail at runtime.
	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	var ready struct {
		Checks map[string]string `json:"checks"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&ready)
	resp.Body.Close()
	if len(ready.Checks) != 1 || ready.Checks["remote"] != "ok" {
		t.Errorf("readyz checks = %v, want only remote=ok", ready.Checks)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	resp, err = http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("readyz after Shutdown = %d, want 503", resp.StatusCode)
	}
}

func TestApp_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	exp, err := promexporter.New(promexporter.WithRegisterer(reg))
	if err != nil {
		t.Fatalf("prometheus exporter: %v", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exp))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	a, err := app.New(testConfig(), app.WithMetrics(m), app.WithRegistry(reg))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	// One request so the HTTP histogram has a data point.
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "livebridge_http_request_duration") {
		t.Errorf("/metrics lacks the request histogram:\n%s", body)
	}
}

func TestApp_ServesStaticFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>talk</h1>"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig()
	cfg.Server.StaticDir = dir

	a, err := app.New(cfg, app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "<h1>talk</h1>" {
		t.Errorf("body = %q", body)
	}
}

func TestApp_RelaysAndDrainsOnShutdown(t *testing.T) {
	t.Parallel()

	setups := make(chan string, 1)
	recv := make(chan []byte, 1)
	remote := fakeRemote(t, setups, recv)

	a, err := app.New(testConfig(), app.WithDialer(remoteDialer(remote)), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	url := serve(t, a)
	client := dial(t, url)

	readMsg(t, client) // setupComplete
	if model := <-setups; model != "models/"+config.DefaultModel {
		t.Errorf("setup model = %q", model)
	}

	msg := []byte(`{"realtimeInput":{"activityStart":{}}}`)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Write(ctx, websocket.MessageText, msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case got := <-recv:
		if string(got) != string(msg) {
			t.Errorf("remote got %s, want %s", got, msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("remote never received the message")
	}
	if n := a.Sessions(); n != 1 {
		t.Errorf("Sessions() = %d, want 1", n)
	}

	errCh := make(chan error, 1)
	go func() {
		_, _, err := client.Read(context.Background())
		errCh <- err
	}()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case err := <-errCh:
		if websocket.CloseStatus(err) != websocket.StatusGoingAway {
			t.Errorf("client close = %v, want going away", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("client not closed on shutdown")
	}
}

func TestApp_ApplyConfig(t *testing.T) {
	t.Parallel()

	setups := make(chan string, 2)
	recv := make(chan []byte, 1)
	remote := fakeRemote(t, setups, recv)

	lv := new(slog.LevelVar)
	old := testConfig()
	old.Remote.BaseURL = "ws" + strings.TrimPrefix(remote.URL, "http")
	a, err := app.New(old, app.WithLevelVar(lv), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if lv.Level() != slog.LevelInfo {
		t.Errorf("initial level = %v, want info", lv.Level())
	}
	url := serve(t, a)

	next := *old
	next.Server.LogLevel = config.LogDebug
	next.Remote.Model = "reloaded-model"
	a.ApplyConfig(old, &next)

	if lv.Level() != slog.LevelDebug {
		t.Errorf("level after reload = %v, want debug", lv.Level())
	}

	client := dial(t, url)
	readMsg(t, client)
	if model := <-setups; model != "models/reloaded-model" {
		t.Errorf("new session setup model = %q, want models/reloaded-model", model)
	}
}

// refusingDialer fails every dial.
type refusingDialer struct{}

func (refusingDialer) Dial(context.Context) (*websocket.Conn, error) {
	return nil, errors.New("connection refused")
}

func TestApp_ReadyzFailsWhileRemoteDown(t *testing.T) {
	t.Parallel()

	breaker := resilience.NewBreaker(resilience.BreakerConfig{Name: "remote", Threshold: 1, Cooldown: time.Hour})
	a, err := app.New(testConfig(),
		app.WithDialer(refusingDialer{}),
		app.WithBreaker(breaker),
		app.WithMetrics(testMetrics(t)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	url := serve(t, a)

	client := dial(t, url)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, _, err := client.Read(ctx); websocket.CloseStatus(err) != websocket.StatusBadGateway {
		t.Fatalf("client close = %v, want bad gateway", err)
	}

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)
	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Checks map[string]string `json:"checks"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if resp.StatusCode != http.StatusServiceUnavailable || !strings.HasPrefix(body.Checks["remote"], "fail") {
		t.Errorf("readyz = %d %v, want 503 with remote failing", resp.StatusCode, body.Checks)
	}
}
