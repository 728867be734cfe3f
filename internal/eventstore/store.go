package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-companion/internal/config"
	_ "modernc.org/sqlite"
)

// Event is one entry of a conversation timeline: a state change, a transcript or an error.
type Event struct {
	ID        int64
	SessionID string
	DeviceID  string
	Kind      string
	Text      string
	Payload   []byte
	CreatedAt time.Time
}

// Session summarizes one connection to the voice service.
type Session struct {
	ID        string
	DeviceID  string
	StartedAt time.Time
	Events    int
}

// Store keeps the interaction timeline in SQLite. In ephemeral mode it holds no database and
// every call is a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    device_id TEXT,
    started_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    device_id TEXT,
    kind TEXT NOT NULL,
    text TEXT,
    payload BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init event store schema: %w", err)
	}
	return nil
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Persistent reports whether events are written anywhere.
func (s *Store) Persistent() bool {
	return s.db != nil
}

// StartSession ensures a session row exists.
func (s *Store) StartSession(ctx context.Context, sessionID, deviceID string) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, device_id, started_at)
		 VALUES(?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET device_id=excluded.device_id`,
		sessionID, deviceID, s.clock().UTC().UnixMilli())
	return err
}

// Append writes evt into the timeline of its session, creating the session row when needed.
func (s *Store) Append(ctx context.Context, evt Event) error {
	if s.db == nil {
		return nil
	}
	if evt.SessionID == "" {
		return fmt.Errorf("append %s: missing session id", evt.Kind)
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions(session_id, device_id, started_at) VALUES(?, ?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		evt.SessionID, evt.DeviceID, evt.CreatedAt.UTC().UnixMilli()); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events(session_id, device_id, kind, text, payload, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		evt.SessionID, evt.DeviceID, evt.Kind, evt.Text, evt.Payload, evt.CreatedAt.UTC().UnixMilli()); err != nil {
		return err
	}
	return tx.Commit()
}

// Record appends an event whose payload is v encoded as JSON. A nil v stores no payload.
func (s *Store) Record(ctx context.Context, sessionID, deviceID, kind, text string, v any) error {
	if s.db == nil {
		return nil
	}
	var payload []byte
	if v != nil {
		var err error
		if payload, err = json.Marshal(v); err != nil {
			return fmt.Errorf("encode %s payload: %w", kind, err)
		}
	}
	return s.Append(ctx, Event{SessionID: sessionID, DeviceID: deviceID, Kind: kind, Text: text, Payload: payload})
}

// ListSessionEvents retrieves up to limit events for a session in the order they happened.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, device_id, kind, text, payload, created_at
		 FROM events WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e        Event
			device   sql.NullString
			text     sql.NullString
			postedMS int64
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &device, &e.Kind, &text, &e.Payload, &postedMS); err != nil {
			return nil, err
		}
		e.DeviceID = device.String
		e.Text = text.String
		e.CreatedAt = time.UnixMilli(postedMS).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListSessions returns the most recent sessions first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.session_id, s.device_id, s.started_at, COUNT(e.id)
		 FROM sessions s LEFT JOIN events e ON e.session_id = s.session_id
		 GROUP BY s.session_id ORDER BY s.started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var (
			sess      Session
			device    sql.NullString
			startedMS int64
		)
		if err := rows.Scan(&sess.ID, &device, &startedMS, &sess.Events); err != nil {
			return nil, err
		}
		sess.DeviceID = device.String
		sess.StartedAt = time.UnixMilli(startedMS).UTC()
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Prune applies configured retention (called on startup and after every session).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC().UnixMilli()
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE started_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
