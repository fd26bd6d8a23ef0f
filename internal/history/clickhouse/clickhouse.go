// Package clickhouse appends session events to a MergeTree table over the
// native protocol.
package clickhouse

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/partest/internal/history"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

type Sink struct {
	conn  driver.Conn
	table string
}

type Options struct {
	Addr     string
	Database string // default "default"
	Username string // default "default"
	Password string
	Table    string // default "session_history"
	Timeout  time.Duration
}

// New connects, pings and creates the table when missing.
func New(opts Options) (*Sink, error) {
	if opts.Database == "" {
		opts.Database = "default"
	}
	if opts.Username == "" {
		opts.Username = "default"
	}
	if opts.Table == "" {
		opts.Table = "session_history"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if !tableName.MatchString(opts.Table) {
		return nil, fmt.Errorf("invalid ClickHouse table name %q", opts.Table)
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		DialTimeout: opts.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()
	s := &Sink{conn: conn, table: opts.Table}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	if err := s.ensureTable(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}
	return s, nil
}

func (s *Sink) ensureTable(ctx context.Context) error {
	return s.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+s.table+` (
			occurred_at DateTime64(6, 'UTC'),
			session_id LowCardinality(String),
			event LowCardinality(String),
			pid Int64,
			detail String
		) ENGINE = MergeTree()
		ORDER BY (session_id, occurred_at)`)
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	return s.SendBatch(ctx, []history.Event{e})
}

// SendBatch inserts events in one block.
func (s *Sink) SendBatch(ctx context.Context, events []history.Event) error {
	if len(events) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+s.table+" (occurred_at, session_id, event, pid, detail)")
	if err != nil {
		return fmt.Errorf("clickhouse prepare: %w", err)
	}
	for _, e := range events {
		if err := batch.Append(e.OccurredAt.UTC(), e.SessionID, string(e.Type), int64(e.PID), e.Detail); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("clickhouse append: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("clickhouse insert: %w", err)
	}
	return nil
}

// Events returns the events recorded for sessionID ordered by time.
func (s *Sink) Events(ctx context.Context, sessionID string) ([]history.Event, error) {
	rows, err := s.conn.Query(ctx,
		"SELECT occurred_at, event, pid, detail FROM "+s.table+" WHERE session_id = ? ORDER BY occurred_at", sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []history.Event
	for rows.Next() {
		var (
			e   = history.Event{SessionID: sessionID}
			typ string
			pid int64
		)
		if err := rows.Scan(&e.OccurredAt, &typ, &pid, &e.Detail); err != nil {
			return nil, err
		}
		e.Type, e.PID = history.EventType(typ), int(pid)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
