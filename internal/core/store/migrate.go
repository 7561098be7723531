package store

import (
	"context"
	"errors"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS token_buckets (
		key TEXT PRIMARY KEY,
		tokens REAL NOT NULL,
		last_refill INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS window_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		key TEXT NOT NULL,
		at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_window_events_key_at ON window_events(key, at);`,
	`CREATE TABLE IF NOT EXISTS fixed_windows (
		key TEXT PRIMARY KEY,
		window_index INTEGER NOT NULL,
		request_count INTEGER NOT NULL DEFAULT 0
	);`,
}

// Migrate ensures the required database tables exist.
func (s *LibsqlStore) Migrate(ctx context.Context) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	for _, stmt := range schemaStatements {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store migration failed: %w", err)
		}
	}

	return nil
}
