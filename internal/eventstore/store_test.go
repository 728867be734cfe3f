package eventstore

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-companion/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTemp(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	cfg.Path = filepath.Join(t.TempDir(), "events.db")
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if es.Persistent() {
		t.Fatalf("ephemeral store should not be persistent")
	}
	if err := es.Record(ctx, "s", "d", "state", "idle", nil); err != nil {
		t.Fatalf("record on ephemeral store: %v", err)
	}
	events, err := es.ListSessionEvents(ctx, "s", 10)
	if err != nil || len(events) != 0 {
		t.Fatalf("expected no events, got %v (%v)", events, err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()

	sessionID := "session-123"
	if err := es.StartSession(ctx, sessionID, "watch-1"); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := es.Append(ctx, Event{SessionID: sessionID, Kind: "transcript.user", Text: "hello"}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := es.Record(ctx, sessionID, "watch-1", "state", "Listening...", map[string]string{"state": "recording"}); err != nil {
		t.Fatalf("record event: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, sessionID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Text != "hello" || events[0].Kind != "transcript.user" {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	var payload map[string]string
	if err := json.Unmarshal(events[1].Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["state"] != "recording" || events[1].DeviceID != "watch-1" {
		t.Fatalf("unexpected second event: %+v", events[1])
	}
}

func TestAppendRequiresSession(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})
	if err := es.Append(context.Background(), Event{Kind: "state"}); err == nil {
		t.Fatalf("expected error for event without session")
	}
}

func TestListSessions(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "persistent"})
	ctx := context.Background()

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC) }
	if err := es.Record(ctx, "morning", "watch-1", "state", "Ready", nil); err != nil {
		t.Fatalf("record: %v", err)
	}
	es.clock = func() time.Time { return time.Date(2025, 1, 1, 18, 0, 0, 0, time.UTC) }
	if err := es.StartSession(ctx, "evening", "watch-1"); err != nil {
		t.Fatalf("start session: %v", err)
	}

	sessions, err := es.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	if sessions[0].ID != "evening" || sessions[0].Events != 0 {
		t.Fatalf("unexpected newest session: %+v", sessions[0])
	}
	if sessions[1].ID != "morning" || sessions[1].Events != 1 {
		t.Fatalf("unexpected oldest session: %+v", sessions[1])
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})
	ctx := context.Background()

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.StartSession(ctx, "old-session", "watch-1"); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := es.Append(ctx, Event{SessionID: "old-session", Kind: "note"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.StartSession(ctx, "new-session", "watch-1"); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
	sessions, err := es.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "new-session" {
		t.Fatalf("unexpected sessions after prune: %+v", sessions)
	}
}
