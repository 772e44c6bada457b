package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// --- Shutdown Coordinator ---

func TestShutdownCoordinatorLIFO(t *testing.T) {
	var order []int
	sc := &ShutdownCoordinator{}

	for i := 1; i <= 3; i++ {
		i := i
		sc.Register(fmt.Sprintf("h%d", i), func(ctx context.Context) error {
			order = append(order, i)
			return nil
		})
	}

	if err := sc.Shutdown(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(order) != 3 || order[0] != 3 || order[1] != 2 || order[2] != 1 {
		t.Fatalf("expected LIFO [3,2,1], got %v", order)
	}
}

func TestShutdownCoordinatorEmpty(t *testing.T) {
	sc := &ShutdownCoordinator{}
	if err := sc.Shutdown(context.Background()); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestShutdownCoordinatorError(t *testing.T) {
	var order []int
	sc := &ShutdownCoordinator{}

	sc.Register("ok", func(ctx context.Context) error {
		order = append(order, 1)
		return nil
	})
	sc.Register("bad", func(ctx context.Context) error {
		order = append(order, 2)
		return errors.New("boom")
	})

	err := sc.Shutdown(context.Background())
	if err == nil {
		t.Fatal("expected error from failing handler")
	}
	if !strings.Contains(err.Error(), "bad") {
		t.Errorf("error should name the failing handler, got %v", err)
	}
	// A failing handler must not stop the rest from running.
	if len(order) != 2 {
		t.Errorf("expected both handlers to run, got %v", order)
	}
}

// --- Logging ---

func TestSetupLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupLogger("warn", "json", &buf)

	logger.Info("hidden")
	logger.Warn("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info line emitted at warn level")
	}
	if !strings.Contains(out, "visible") {
		t.Error("warn line missing")
	}
}

func TestSetupLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupLogger("info", "json", &buf)
	logger.Info("session established", "peer", "abc123")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry["msg"] != "session established" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["peer"] != "abc123" {
		t.Errorf("peer = %v", entry["peer"])
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"bogus": slog.LevelInfo,
		"":      slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestPrettyHandlerOutput(t *testing.T) {
	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(h)

	logger.Info("link attached", "scheme", "tcp")

	out := buf.String()
	if !strings.Contains(out, "link attached") {
		t.Errorf("message missing: %q", out)
	}
	if !strings.Contains(out, "scheme=tcp") {
		t.Errorf("attr missing: %q", out)
	}
	if !strings.Contains(out, "INF") {
		t.Errorf("level tag missing: %q", out)
	}
}

func TestPrettyHandlerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, nil)
	logger := slog.New(h).With("zid", "deadbeef")

	logger.Info("listening")

	if !strings.Contains(buf.String(), "zid=deadbeef") {
		t.Errorf("inherited attr missing: %q", buf.String())
	}
}

func TestPrettyHandlerEnabled(t *testing.T) {
	h := NewPrettyHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn})
	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info enabled at warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Error("error disabled at warn level")
	}
}

// --- Metrics ---

func TestNewMetricsGathers(t *testing.T) {
	m := NewMetrics()

	m.SessionsOpen.Inc()
	m.LinksOpen.WithLabelValues("tcp").Inc()
	m.HandshakesTotal.WithLabelValues("opened").Inc()
	m.BatchesTotal.WithLabelValues("tx").Inc()
	m.BytesTotal.WithLabelValues("rx").Add(42)
	m.MessagesTotal.WithLabelValues("tx").Inc()
	m.FragmentsTotal.WithLabelValues("rx").Inc()
	m.KeepAlivesTotal.WithLabelValues("tx").Inc()
	m.DropsTotal.WithLabelValues("malformed").Inc()
	m.LeaseExpiriesTotal.Inc()
	m.SessionClosesTotal.WithLabelValues("graceful").Inc()

	want := []string{
		"weft_sessions_open",
		"weft_links_open",
		"weft_handshakes_total",
		"weft_batches_total",
		"weft_bytes_total",
		"weft_messages_total",
		"weft_fragments_total",
		"weft_keepalives_total",
		"weft_drops_total",
		"weft_lease_expiries_total",
		"weft_session_closes_total",
	}

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	seen := make(map[string]bool, len(families))
	for _, f := range families {
		seen[f.GetName()] = true
	}
	for _, name := range want {
		if !seen[name] {
			t.Errorf("metric %s not gathered", name)
		}
	}
}

func TestNewMetricsIndependent(t *testing.T) {
	a := NewMetrics()
	b := NewMetrics()

	a.SessionsOpen.Inc()

	if got := testutil.ToFloat64(b.SessionsOpen); got != 0 {
		t.Errorf("registries are shared, got %v", got)
	}
	if got := testutil.ToFloat64(a.SessionsOpen); got != 1 {
		t.Errorf("gauge = %v, want 1", got)
	}
}

// --- Operation ---

func TestOperationEnd(t *testing.T) {
	m := NewMetrics()

	op, _ := StartOperation(context.Background(), m, "session.open")
	op.End(nil)

	op, _ = StartOperation(context.Background(), m, "session.open")
	op.End(errors.New("refused"))

	if got := testutil.ToFloat64(m.OperationTotal.WithLabelValues("session.open", "ok")); got != 1 {
		t.Errorf("ok count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.OperationTotal.WithLabelValues("session.open", "error")); got != 1 {
		t.Errorf("error count = %v, want 1", got)
	}
}

// --- New / ServeMetrics ---

func TestNewWithoutTracing(t *testing.T) {
	obs, err := New(context.Background(), ObsConfig{
		LogLevel:    "info",
		LogFormat:   "json",
		ServiceName: "weft",
	}, io.Discard)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = obs.Close(context.Background()) }()

	if _, ok := obs.TracerProvider.(tracenoop.TracerProvider); !ok {
		t.Errorf("expected noop tracer provider, got %T", obs.TracerProvider)
	}
	if obs.Metrics == nil || obs.Logger == nil {
		t.Error("missing components")
	}
}

func TestServeMetrics(t *testing.T) {
	obs, err := New(context.Background(), ObsConfig{LogLevel: "error", LogFormat: "json"}, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = obs.Close(context.Background()) }()

	// Reserve a port so the request below has a known address.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	obs.Metrics.SessionsOpen.Set(3)
	srv := obs.ServeMetrics(context.Background(), addr)
	defer func() { _ = srv.Close() }()

	// The server binds asynchronously; poll until it answers.
	var body string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err == nil {
			b, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			body = string(b)
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !strings.Contains(body, "weft_sessions_open 3") {
		t.Errorf("metrics output missing gauge, got %q", body)
	}

	resp, err := http.Get("http://" + addr + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}
}
