// Package journal records the save requests accepted by the reference server in
// SQLite or PostgreSQL.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/liveview/lvsave/internal/protocol"
)

// Entry is one accepted save request.
type Entry struct {
	ID         int64
	FileName   string
	NumFrames  int
	NumAvgs    int
	RemoteAddr string
	ReceivedAt time.Time
}

// Journal wraps the database connection.
type Journal struct {
	db      *sql.DB
	dialect Dialect
	qb      *QueryBuilder
}

// Open connects to the database selected by cfg and creates the schema.
func Open(cfg Config) (*Journal, error) {
	switch DialectType(cfg.Driver) {
	case DialectSQLite, "":
		return OpenSQLite(cfg.SQLitePath)
	case DialectPostgres:
		return openPostgres(cfg.Postgres)
	default:
		return nil, fmt.Errorf("unknown journal driver %q", cfg.Driver)
	}
}

// ErrNotFound is returned by OpenExistingSQLite when there is no journal at path.
var ErrNotFound = errors.New("journal not found")

// OpenExistingSQLite opens the SQLite journal at path without creating one.
func OpenExistingSQLite(path string) (*Journal, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to stat journal: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	return OpenSQLite(path)
}

// OpenSQLite opens or creates the SQLite journal at path.
func OpenSQLite(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	dialect := NewDialect(DialectSQLite)
	db, err := sql.Open(dialect.DriverName(), path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	// SQLite serialises writers; one connection avoids SQLITE_BUSY between them.
	db.SetMaxOpenConns(1)

	return newJournal(db, dialect)
}

func openPostgres(cfg PostgresConfig) (*Journal, error) {
	dialect := NewDialect(DialectPostgres)
	db, err := sql.Open(dialect.DriverName(), cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetimeSeconds > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime())
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres at %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	return newJournal(db, dialect)
}

func newJournal(db *sql.DB, dialect Dialect) (*Journal, error) {
	for _, stmt := range dialect.InitStatements() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to run %q: %w", stmt, err)
		}
	}

	j := &Journal{db: db, dialect: dialect, qb: NewQueryBuilder(dialect)}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return j, nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS save_requests (
			` + j.dialect.IDColumn() + `,
			file_name TEXT NOT NULL,
			num_frames INTEGER NOT NULL,
			num_avgs INTEGER NOT NULL DEFAULT 1,
			remote_addr TEXT NOT NULL DEFAULT '',
			received_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_save_requests_received_at ON save_requests(received_at)`,
	}

	for _, m := range migrations {
		if _, err := j.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// RecordSave journals an accepted request received from remoteAddr.
func (j *Journal) RecordSave(ctx context.Context, req protocol.SaveRequest, remoteAddr string) error {
	_, err := j.Record(ctx, Entry{
		FileName:   req.FileName,
		NumFrames:  req.NumFrames,
		NumAvgs:    req.NumAvgs,
		RemoteAddr: remoteAddr,
		ReceivedAt: time.Now(),
	})
	return err
}

// Record inserts e and returns its ID. A zero ReceivedAt is set to now.
func (j *Journal) Record(ctx context.Context, e Entry) (int64, error) {
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now()
	}

	query := j.qb.BuildWithReturning(
		`INSERT INTO save_requests (file_name, num_frames, num_avgs, remote_addr, received_at) VALUES (?, ?, ?, ?, ?)`,
		"id",
	)
	args := []any{e.FileName, e.NumFrames, e.NumAvgs, e.RemoteAddr, e.ReceivedAt.UnixNano()}

	if !j.dialect.SupportsLastInsertID() {
		var id int64
		if err := j.db.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
			return 0, fmt.Errorf("failed to record save request: %w", err)
		}
		return id, nil
	}

	result, err := j.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to record save request: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read inserted id: %w", err)
	}
	return id, nil
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := j.db.QueryContext(ctx, j.qb.Build(
		`SELECT id, file_name, num_frames, num_avgs, remote_addr, received_at
		 FROM save_requests ORDER BY received_at DESC, id DESC LIMIT ?`,
	), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query save requests: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var receivedAt int64
		if err := rows.Scan(&e.ID, &e.FileName, &e.NumFrames, &e.NumAvgs, &e.RemoteAddr, &receivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan save request: %w", err)
		}
		e.ReceivedAt = time.Unix(0, receivedAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns the number of journaled requests.
func (j *Journal) Count(ctx context.Context) (int, error) {
	var count int
	if err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM save_requests`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count save requests: %w", err)
	}
	return count, nil
}

// Each calls fn for every entry in insertion order, stopping at the first error.
func (j *Journal) Each(ctx context.Context, fn func(Entry) error) error {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, file_name, num_frames, num_avgs, remote_addr, received_at
		 FROM save_requests ORDER BY id`)
	if err != nil {
		return fmt.Errorf("failed to query save requests: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e Entry
		var receivedAt int64
		if err := rows.Scan(&e.ID, &e.FileName, &e.NumFrames, &e.NumAvgs, &e.RemoteAddr, &receivedAt); err != nil {
			return fmt.Errorf("failed to scan save request: %w", err)
		}
		e.ReceivedAt = time.Unix(0, receivedAt)
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}
