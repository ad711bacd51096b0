package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// DB wraps the Postgres connection pool
type DB struct {
	*sql.DB
}

// NewDB opens and pings a Postgres database
func NewDB(databaseURL string) (*DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{DB: db}, nil
}

const campaignSchema = `
	CREATE TABLE IF NOT EXISTS campaigns (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL DEFAULT '',
		document   JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)
`

// Migrate creates the tables this service reads
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, campaignSchema); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}
