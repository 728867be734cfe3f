package runtime

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-companion/internal/companion"
	"github.com/loqalabs/loqa-companion/internal/config"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(config.TelemetryConfig{LogLevel: "info", LogFormat: "json"}, &buf).Info("hello", slog.String("component", "test"))
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("json logger output is not JSON: %v (%q)", err, buf.String())
	}
	if rec["msg"] != "hello" || rec["component"] != "test" {
		t.Fatalf("unexpected record: %v", rec)
	}

	buf.Reset()
	logger := NewLogger(config.TelemetryConfig{LogLevel: "warn", LogFormat: "console"}, &buf)
	logger.Info("dropped")
	logger.Warn("kept")
	out := buf.String()
	if strings.Contains(out, "dropped") || !strings.Contains(out, "kept") {
		t.Fatalf("unexpected console output: %q", out)
	}
}

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	cfg := config.Default()
	cfg.Bus.Enabled = false
	cfg.EventStore.Enabled = false
	rt := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := rt.startCompanion(); err != nil {
		t.Fatalf("start companion: %v", err)
	}
	t.Cleanup(func() {
		_ = rt.companion.Close()
		rt.machine.Close()
	})
	return rt
}

func TestStateEndpoint(t *testing.T) {
	rt := newTestRuntime(t)

	rec := httptest.NewRecorder()
	rt.handleState(rec, httptest.NewRequest(http.MethodGet, "/state", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var status companion.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.State != "disconnected" || status.Connected || status.CanRecord {
		t.Fatalf("unexpected status: %+v", status)
	}
	if status.DisplayText == "" {
		t.Fatalf("expected display text")
	}
}

func TestReadyEndpoint(t *testing.T) {
	rt := newTestRuntime(t)

	rec := httptest.NewRecorder()
	rt.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected not ready before start, got %d", rec.Code)
	}

	rt.ready.Store(true)
	rec = httptest.NewRecorder()
	rt.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected ready, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	rt.handlePeers(rec, httptest.NewRequest(http.MethodGet, "/peers", nil))
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected empty peer list, got %q", rec.Body.String())
	}
}
