package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shaket-dev/shaket/internal/domain"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store on SQLite. The (session_id, seq) primary key
// is what makes the optimistic append safe against concurrent writers even
// across processes.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) a SQLite-backed store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS events (
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			event_id TEXT NOT NULL,
			type TEXT NOT NULL,
			context_id TEXT,
			payload TEXT,
			ts TEXT NOT NULL,
			PRIMARY KEY (session_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, seq)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Append(ctx context.Context, ev domain.Event, expectedSeq int) (domain.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Event{}, fmt.Errorf("begin append tx: %w", err)
	}
	defer tx.Rollback()

	var length int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE session_id = ?`, ev.SessionID).Scan(&length); err != nil {
		return domain.Event{}, fmt.Errorf("read log length: %w", err)
	}
	if expectedSeq != length {
		return domain.Event{}, &domain.ConcurrencyConflict{
			SessionID:   ev.SessionID,
			ExpectedSeq: expectedSeq,
			ActualSeq:   length,
		}
	}

	ev.Seq = expectedSeq
	var contextID sql.NullString
	if ev.ContextID != "" {
		contextID = sql.NullString{String: ev.ContextID, Valid: true}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (session_id, seq, event_id, type, context_id, payload, ts) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.SessionID, ev.Seq, ev.EventID, string(ev.Type), contextID, string(ev.Payload),
		ev.Timestamp.UTC().Format(time.RFC3339Nano))
	if err != nil {
		// A unique-key violation means another writer won the race between
		// our count and insert.
		return domain.Event{}, &domain.ConcurrencyConflict{
			SessionID:   ev.SessionID,
			ExpectedSeq: expectedSeq,
			ActualSeq:   length + 1,
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.Event{}, fmt.Errorf("commit append: %w", err)
	}
	return ev, nil
}

func (s *SQLiteStore) Events(ctx context.Context, sessionID string) ([]domain.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, seq, event_id, type, context_id, payload, ts
		 FROM events WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var ev domain.Event
		var typ, ts string
		var contextID, payload sql.NullString
		if err := rows.Scan(&ev.SessionID, &ev.Seq, &ev.EventID, &typ, &contextID, &payload, &ts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Type = domain.EventType(typ)
		if contextID.Valid {
			ev.ContextID = contextID.String
		}
		if payload.Valid && payload.String != "" {
			ev.Payload = []byte(payload.String)
		}
		when, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse event timestamp: %w", err)
		}
		ev.Timestamp = when
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) Sessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT session_id FROM events ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
