// Package store provides PostgreSQL access for the mail archive.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

//go:embed schema.sql
var schemaFS embed.FS

// Store provides database operations for the archive.
type Store struct {
	db *sqlx.DB
}

// Open connects to the PostgreSQL database at the given URL.
func Open(databaseURL string) (*Store, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database_url is not configured")
	}

	db, err := sqlx.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying connection pool for advanced queries.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// InitSchema creates the mail_archiver schema and tables if they don't exist.
func (s *Store) InitSchema(ctx context.Context) error {
	schema, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("read schema.sql: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, string(schema)); err != nil {
		return fmt.Errorf("execute schema.sql: %w", err)
	}
	return nil
}

// withTx executes fn within a database transaction. If fn returns an error,
// the transaction is rolled back; otherwise it is committed.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Stats holds archive-wide statistics.
type Stats struct {
	AccountCount    int64
	EmailCount      int64
	AttachmentCount int64
	DatabaseSize    int64
}

// GetStats returns statistics about the archive.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	queries := []struct {
		query string
		dest  *int64
	}{
		{`SELECT COUNT(*) FROM mail_archiver.mail_accounts`, &stats.AccountCount},
		{`SELECT COUNT(*) FROM mail_archiver.archived_emails`, &stats.EmailCount},
		{`SELECT COUNT(*) FROM mail_archiver.email_attachments`, &stats.AttachmentCount},
	}

	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("get stats %q: %w", q.query, err)
		}
	}

	size, err := s.DatabaseSize(ctx)
	if err != nil {
		return nil, err
	}
	stats.DatabaseSize = size

	return stats, nil
}

// DatabaseSize returns the on-disk size of the current database in bytes.
func (s *Store) DatabaseSize(ctx context.Context) (int64, error) {
	var size int64
	err := s.db.QueryRowContext(ctx,
		`SELECT pg_database_size(current_database())`).Scan(&size)
	if err != nil {
		return 0, fmt.Errorf("database size: %w", err)
	}
	return size, nil
}

// LogAccess records an access-log row for audit of search/export/restore
// operations. emailID may be zero for operations not tied to a single email.
func (s *Store) LogAccess(ctx context.Context, kind, detail string, emailID int64) error {
	var id sql.NullInt64
	if emailID > 0 {
		id = sql.NullInt64{Int64: emailID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mail_archiver.access_logs (kind, detail, email_id)
		VALUES ($1, $2, $3)
	`, kind, detail, id)
	if err != nil {
		return fmt.Errorf("insert access log: %w", err)
	}
	return nil
}
