package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pepperlink/pepperlink/internal/history"
)

// Store implements history.Sink backed by SQLite (modernc.org/sqlite
// driver, CGO-free). It doubles as the local queryable session journal.
// DSN is a filesystem path to the database file; use ":memory:" for
// in-memory.
type Store struct {
	db *sql.DB
}

// New opens a SQLite database at path and ensures the schema.
func New(path string) (*Store, error) {
	p := strings.TrimSpace(strings.TrimPrefix(path, "sqlite://"))
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	s := &Store{db: d}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = d.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS session_events(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			occurred_at TIMESTAMP NOT NULL,
			session TEXT NOT NULL,
			state TEXT NOT NULL,
			engine_pid INTEGER NOT NULL,
			detail TEXT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session);`,
		`CREATE INDEX IF NOT EXISTS idx_session_events_type ON session_events(type);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Send(ctx context.Context, e history.Event) error {
	var detail sql.NullString
	if e.Detail != "" {
		detail = sql.NullString{String: e.Detail, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_events(type, occurred_at, session, state, engine_pid, detail)
		VALUES(?, ?, ?, ?, ?, ?);`,
		string(e.Type), e.OccurredAt.UTC(), e.Session, e.State, e.EnginePID, detail)
	return err
}

// Recent returns up to n most recent events for the named session,
// newest first.
func (s *Store) Recent(ctx context.Context, session string, n int) ([]history.Event, error) {
	if n <= 0 {
		n = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT type, occurred_at, session, state, engine_pid, COALESCE(detail, '')
		FROM session_events WHERE session = ?
		ORDER BY id DESC LIMIT ?;`, session, n)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []history.Event
	for rows.Next() {
		var e history.Event
		var typ string
		var at time.Time
		if err := rows.Scan(&typ, &at, &e.Session, &e.State, &e.EnginePID, &e.Detail); err != nil {
			return nil, err
		}
		e.Type = history.EventType(typ)
		e.OccurredAt = at
		out = append(out, e)
	}
	return out, rows.Err()
}
