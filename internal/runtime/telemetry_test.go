package runtime

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-companion/internal/config"
	"go.opentelemetry.io/otel"
)

func TestTelemetryWithoutMetricsListener(t *testing.T) {
	cfg := config.Default()
	cfg.Telemetry.PrometheusBind = ""
	shutdown, handler, err := setupTelemetry(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("setupTelemetry: %v", err)
	}
	defer shutdown(context.Background())
	if handler != nil {
		t.Fatalf("expected no metrics handler without a bind address")
	}
}

func TestTelemetryExportsDeviceMetrics(t *testing.T) {
	cfg := config.Default()
	cfg.Presence.DeviceID = "watch-7"
	shutdown, handler, err := setupTelemetry(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("setupTelemetry: %v", err)
	}
	defer shutdown(context.Background())
	if handler == nil {
		t.Fatalf("expected metrics handler")
	}

	counter, err := otel.Meter("telemetry-test").Int64Counter("companion.test")
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	counter.Add(context.Background(), 3)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "companion_test") {
		t.Fatalf("counter missing from scrape:\n%s", body)
	}
	if !strings.Contains(body, `"watch-7"`) {
		t.Fatalf("device id missing from target info:\n%s", body)
	}
}
