package transcript

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS transcript (
	session_id TEXT NOT NULL,
	counter    INTEGER NOT NULL,
	logged_at  TEXT NOT NULL,
	type       TEXT NOT NULL,
	input      TEXT NOT NULL,
	output     TEXT NOT NULL,
	exception  TEXT NOT NULL,
	PRIMARY KEY (session_id, counter)
)`

// Record is a stored transcript row.
type Record struct {
	SessionID string
	Counter   int
	LoggedAt  time.Time
	Entry
}

// SQLLogger writes entries to a SQLite database.
type SQLLogger struct {
	db        *sql.DB
	sessionID string
}

// OpenSQLLogger opens (and creates if needed) the database at path.
// ":memory:" gives a private in-memory database.
func OpenSQLLogger(ctx context.Context, path, sessionID string) (*SQLLogger, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is empty")
	}

	dsn := path
	if path != ":memory:" {
		expanded, err := expandHome(path)
		if err != nil {
			return nil, err
		}
		if err := ensureDir(expanded); err != nil {
			return nil, err
		}
		dsn = "file:" + expanded
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open transcript db: %w", err)
	}
	// Single connection keeps :memory: databases shared and avoids writer contention.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := configure(ctx, db, dsn); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create transcript table: %w", err)
	}

	return &SQLLogger{db: db, sessionID: sessionID}, nil
}

func configure(ctx context.Context, db *sql.DB, dsn string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping transcript db: %w", err)
	}
	if !strings.HasPrefix(dsn, "file:") {
		return nil
	}

	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	var busyTimeout int
	if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&busyTimeout); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	return nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(filepath.Clean(path))
	if dir == "." || dir == string(filepath.Separator) {
		return nil
	}
	// #nosec G301 -- data directories use 0755 for multi-user access compatibility
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create transcript db directory: %w", err)
	}
	return nil
}

func (l *SQLLogger) Log(ctx context.Context, at time.Time, counter int, e Entry) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO transcript (session_id, counter, logged_at, type, input, output, exception)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.sessionID, counter, at.UTC().Format(time.RFC3339Nano), e.Type, e.Input, e.Output, e.Exception,
	)
	if err != nil {
		return fmt.Errorf("insert transcript entry: %w", err)
	}
	return nil
}

// Entries returns the rows for this logger's session in counter order.
func (l *SQLLogger) Entries(ctx context.Context) ([]Record, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT session_id, counter, logged_at, type, input, output, exception
		 FROM transcript WHERE session_id = ? ORDER BY counter`, l.sessionID)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r  Record
			at string
		)
		if err := rows.Scan(&r.SessionID, &r.Counter, &at, &r.Type, &r.Input, &r.Output, &r.Exception); err != nil {
			return nil, fmt.Errorf("scan transcript row: %w", err)
		}
		if r.LoggedAt, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("parse logged_at: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (l *SQLLogger) Close() error {
	return l.db.Close()
}
