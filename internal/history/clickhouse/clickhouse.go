package clickhouse

import (
	"context"
	"fmt"
	"regexp"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/tunnelkeeper/internal/history"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type Options struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
}

// Sink sends events to ClickHouse using the official ClickHouse Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

func New(o Options) (*Sink, error) {
	if o.Database == "" {
		o.Database = "default"
	}
	if o.Username == "" {
		o.Username = "default"
	}
	if o.Table == "" {
		o.Table = "lifecycle_events"
	}
	if !identRe.MatchString(o.Table) {
		return nil, fmt.Errorf("invalid ClickHouse table name %q", o.Table)
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{o.Addr},
		Auth: clickhouse.Auth{
			Database: o.Database,
			Username: o.Username,
			Password: o.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx := context.Background()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	s := &Sink{conn: conn, table: o.Table}
	if err := s.ensureSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id UUID,
		type LowCardinality(String),
		process LowCardinality(String),
		pid UInt32,
		occurred_at DateTime64(6),
		detail String
	) ENGINE = MergeTree()
	ORDER BY (occurred_at, id)`, s.table)
	if err := s.conn.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create ClickHouse table: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	query := fmt.Sprintf(`INSERT INTO %s (id, type, process, pid, occurred_at, detail) VALUES (?, ?, ?, ?, ?, ?)`, s.table)

	// #nosec G115 -- pids are non-negative and fit in 32 bits
	err := s.conn.Exec(ctx, query,
		e.ID,
		string(e.Type),
		e.Process,
		uint32(e.PID),
		e.OccurredAt,
		e.Detail,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}
