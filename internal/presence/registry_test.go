package presence

import (
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-companion/internal/bus"
	"github.com/loqalabs/loqa-companion/internal/config"
	"github.com/loqalabs/loqa-companion/internal/natsserver"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	log := newLogger()
	cfg := config.BusConfig{Enabled: true, Embedded: true, Port: -1, ConnectTimeout: 2000}
	srv, err := natsserver.Start(cfg, "127.0.0.1", log)
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	cfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(t.Context(), "presence-test", cfg, log)
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRegistriesSeeEachOther(t *testing.T) {
	client := startBus(t)

	var watchState atomic.Value
	watchState.Store("idle")
	watch, err := NewRegistry(t.Context(),
		config.PresenceConfig{Enabled: true, DeviceID: "watch-1", IntervalMS: 20, TimeoutMS: 100},
		[]string{"voice"},
		func() (string, string) { s := watchState.Load().(string); return s, "Ready" },
		client, newLogger())
	if err != nil {
		t.Fatalf("watch registry: %v", err)
	}
	defer watch.Close()

	phone, err := NewRegistry(t.Context(),
		config.PresenceConfig{Enabled: true, DeviceID: "phone-1", IntervalMS: 20, TimeoutMS: 100},
		[]string{"console"}, nil, client, newLogger())
	if err != nil {
		t.Fatalf("phone registry: %v", err)
	}

	waitFor(t, "watch to hear itself", watch.Healthy)
	waitFor(t, "phone to hear the watch", func() bool {
		p, ok := phone.Peer("watch-1")
		return ok && p.Healthy && p.State == "idle"
	})

	watchState.Store("recording")
	waitFor(t, "state change to propagate", func() bool {
		p, _ := phone.Peer("watch-1")
		return p.State == "recording"
	})

	voices := phone.Query(WithCapability("voice"))
	if len(voices) != 1 || voices[0].ID != "watch-1" {
		t.Fatalf("unexpected voice devices: %+v", voices)
	}

	phone.Close()
	waitFor(t, "phone to go quiet", func() bool {
		p, ok := watch.Peer("phone-1")
		return ok && !p.Healthy
	})
	if got := watch.Query(Healthy); len(got) != 1 || got[0].ID != "watch-1" {
		t.Fatalf("unexpected healthy devices: %+v", got)
	}
}
