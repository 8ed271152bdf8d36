package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/pepperlink/pepperlink/internal/history"
)

// Sink sends session events to ClickHouse using the official Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

func New(addr, database, table string) (*Sink, error) {
	if database == "" {
		database = "default"
	}
	if table == "" {
		table = "session_history"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: "default",
			Password: "",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	s := &Sink{conn: conn, table: table}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		occurred_at DateTime64(3),
		session String,
		type String,
		state String,
		engine_pid Int32,
		detail String
	) ENGINE = MergeTree() ORDER BY (session, occurred_at)`, s.table)
	return s.conn.Exec(ctx, stmt)
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	query := fmt.Sprintf(`INSERT INTO %s (occurred_at, session, type, state, engine_pid, detail) VALUES (?, ?, ?, ?, ?, ?)`, s.table)
	return s.conn.Exec(ctx, query,
		e.OccurredAt,
		e.Session,
		string(e.Type),
		e.State,
		int32(e.EnginePID),
		e.Detail,
	)
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
