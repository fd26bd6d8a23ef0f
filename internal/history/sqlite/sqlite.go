// Package sqlite stores session history in a local SQLite file. Sibling
// runners may point at the same file, so the database runs in WAL mode with
// a busy timeout rather than failing on a concurrent writer.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/partest/internal/history"
)

const schema = `
CREATE TABLE IF NOT EXISTS session_history(
	occurred_us INTEGER NOT NULL,
	session_id  TEXT    NOT NULL,
	event       TEXT    NOT NULL,
	pid         INTEGER NOT NULL DEFAULT 0,
	detail      TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS session_history_by_session ON session_history(session_id, occurred_us);
`

type Sink struct {
	db     *sql.DB
	insert *sql.Stmt
}

// New opens the database named by dsn. Accepted forms are a plain path,
// "file:" URIs, ":memory:" and any of those behind a "sqlite://" scheme.
func New(dsn string) (*Sink, error) {
	path := strings.TrimSpace(dsn)
	if low := strings.ToLower(path); strings.HasPrefix(low, "sqlite://") {
		path = path[len("sqlite://"):]
	}
	if path == "" {
		return nil, errors.New("sqlite: empty DSN")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one connection keeps :memory: databases alive and serializes writers
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: create schema: %w", err)
	}
	insert, err := db.PrepareContext(ctx,
		`INSERT INTO session_history(occurred_us, session_id, event, pid, detail) VALUES(?, ?, ?, ?, ?)`)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Sink{db: db, insert: insert}, nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	_, err := s.insert.ExecContext(ctx, e.OccurredAt.UnixMicro(), e.SessionID, string(e.Type), e.PID, e.Detail)
	return err
}

// Events lists what was recorded for sessionID, oldest first.
func (s *Sink) Events(ctx context.Context, sessionID string) ([]history.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT occurred_us, event, pid, detail FROM session_history
		 WHERE session_id = ? ORDER BY occurred_us, rowid`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []history.Event
	for rows.Next() {
		var (
			us  int64
			typ string
		)
		e := history.Event{SessionID: sessionID}
		if err := rows.Scan(&us, &typ, &e.PID, &e.Detail); err != nil {
			return nil, err
		}
		e.OccurredAt = time.UnixMicro(us).UTC()
		e.Type = history.EventType(typ)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Purge drops events older than before and returns how many were removed.
func (s *Sink) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM session_history WHERE occurred_us < ?`, before.UnixMicro())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Sink) Close() error {
	if s.db == nil {
		return nil
	}
	return errors.Join(s.insert.Close(), s.db.Close())
}
