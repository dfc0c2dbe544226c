package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/tunnelkeeper/internal/history"
)

// Sink writes lifecycle events to a SQLite database.
type Sink struct {
	db *sql.DB
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "/path/to/file.db" (without prefix)
//   - "file:/path/to/file.db"
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// one writer keeps :memory: databases on a single connection
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmt := `CREATE TABLE IF NOT EXISTS lifecycle_events(
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		process TEXT NOT NULL,
		pid INTEGER NOT NULL,
		occurred_at TIMESTAMP NOT NULL,
		detail TEXT
	);`
	_, err := s.db.ExecContext(ctx, stmt)
	return err
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lifecycle_events(id, type, process, pid, occurred_at, detail)
		VALUES(?, ?, ?, ?, ?, ?);`,
		e.ID.String(), string(e.Type), e.Process, e.PID, e.OccurredAt.UTC(), e.Detail)
	return err
}

// Recent returns up to limit events, newest first.
func (s *Sink) Recent(ctx context.Context, limit int) ([]history.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, process, pid, occurred_at, COALESCE(detail, '')
		FROM lifecycle_events ORDER BY occurred_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []history.Event
	for rows.Next() {
		var (
			e   history.Event
			id  string
			typ string
		)
		if err := rows.Scan(&id, &typ, &e.Process, &e.PID, &e.OccurredAt, &e.Detail); err != nil {
			return nil, err
		}
		if err := e.ID.UnmarshalText([]byte(id)); err != nil {
			return nil, err
		}
		e.Type = history.EventType(typ)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
