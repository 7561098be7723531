package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/gatewarden/gatewarden/internal/config"
	"github.com/gatewarden/gatewarden/internal/core"
)

// LibsqlStore persists limit state in an embedded libsql database so budgets
// survive process restarts. Compound operations run inside transactions;
// libsql serializes writers, so concurrent instances sharing a database file
// still see consistent state.
type LibsqlStore struct {
	DB *sql.DB
}

func openLibsql(ctx context.Context, cfg config.StoreConfig) (*LibsqlStore, error) {
	dsn, err := buildLibsqlDSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverLibsql, dsn)
	if err != nil {
		return nil, fmt.Errorf("open libsql store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping libsql store: %w", err)
	}

	s := &LibsqlStore{DB: db}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *LibsqlStore) GetBucket(ctx context.Context, key string) (*core.BucketState, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.New("key is required")
	}

	var (
		tokens     float64
		lastRefill int64
	)

	row := s.DB.QueryRowContext(ctx, `
		SELECT tokens, last_refill
		FROM token_buckets
		WHERE key = ?
	`, key)

	if err := row.Scan(&tokens, &lastRefill); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch bucket: %w", err)
	}

	return &core.BucketState{
		Tokens:     tokens,
		LastRefill: time.Unix(0, lastRefill).UTC(),
	}, nil
}

func (s *LibsqlStore) PutBucket(ctx context.Context, key string, state *core.BucketState) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("key is required")
	}
	if state == nil {
		return errors.New("bucket state is required")
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO token_buckets (key, tokens, last_refill)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			tokens = excluded.tokens,
			last_refill = excluded.last_refill
	`, key, state.Tokens, state.LastRefill.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("store bucket: %w", err)
	}

	return nil
}

func (s *LibsqlStore) AppendWindowEvent(ctx context.Context, key string, at time.Time, windowStart time.Time, limit int) (WindowResult, error) {
	if s == nil || s.DB == nil {
		return WindowResult{}, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	key = strings.TrimSpace(key)
	if key == "" {
		return WindowResult{}, errors.New("key is required")
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return WindowResult{}, fmt.Errorf("append window event: %w", err)
	}
	defer tx.Rollback() // nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM window_events
		WHERE key = ? AND at <= ?
	`, key, windowStart.UTC().UnixNano()); err != nil {
		return WindowResult{}, fmt.Errorf("prune window events: %w", err)
	}

	var (
		count  int
		oldest sql.NullInt64
	)
	row := tx.QueryRowContext(ctx, `
		SELECT COUNT(*), MIN(at)
		FROM window_events
		WHERE key = ?
	`, key)
	if err := row.Scan(&count, &oldest); err != nil {
		return WindowResult{}, fmt.Errorf("count window events: %w", err)
	}

	result := WindowResult{Count: count}
	if oldest.Valid {
		result.Oldest = time.Unix(0, oldest.Int64).UTC()
	}

	if count < limit {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO window_events (key, at)
			VALUES (?, ?)
		`, key, at.UTC().UnixNano()); err != nil {
			return WindowResult{}, fmt.Errorf("append window event: %w", err)
		}
		result.Count++
		result.Admitted = true
		if result.Oldest.IsZero() || at.UTC().Before(result.Oldest) {
			result.Oldest = at.UTC()
		}
	}

	if err := tx.Commit(); err != nil {
		return WindowResult{}, fmt.Errorf("append window event: %w", err)
	}

	return result, nil
}

func (s *LibsqlStore) IncrCounter(ctx context.Context, key string, windowIndex int64, window time.Duration) (int, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	key = strings.TrimSpace(key)
	if key == "" {
		return 0, errors.New("key is required")
	}

	row := s.DB.QueryRowContext(ctx, `
		INSERT INTO fixed_windows (key, window_index, request_count)
		VALUES (?, ?, 1)
		ON CONFLICT(key) DO UPDATE SET
			request_count = CASE
				WHEN fixed_windows.window_index = excluded.window_index
					THEN fixed_windows.request_count + 1
				ELSE 1
			END,
			window_index = excluded.window_index
		RETURNING request_count
	`, key, windowIndex)

	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("increment counter: %w", err)
	}
	return count, nil
}

func (s *LibsqlStore) ListStates(ctx context.Context, q StateQuery) ([]StateEntry, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args, err := sqlWhereClause(q)
	if err != nil {
		return nil, err
	}

	entries := []StateEntry{}

	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT key, tokens, last_refill
		FROM token_buckets
		%s
		ORDER BY key
	`, where), args...)
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	for rows.Next() {
		var (
			key        string
			tokens     float64
			lastRefill int64
		)
		if err := rows.Scan(&key, &tokens, &lastRefill); err != nil {
			return nil, fmt.Errorf("scan buckets: %w", err)
		}
		entries = append(entries, StateEntry{
			Kind:       StateBucket,
			Key:        key,
			Tokens:     tokens,
			LastRefill: time.Unix(0, lastRefill).UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}

	windowRows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT key, COUNT(*), MIN(at)
		FROM window_events
		%s
		GROUP BY key
		ORDER BY key
	`, where), args...)
	if err != nil {
		return nil, fmt.Errorf("list windows: %w", err)
	}
	defer windowRows.Close() // nolint:errcheck // best-effort cleanup

	for windowRows.Next() {
		var (
			key    string
			events int
			oldest sql.NullInt64
		)
		if err := windowRows.Scan(&key, &events, &oldest); err != nil {
			return nil, fmt.Errorf("scan windows: %w", err)
		}
		entry := StateEntry{Kind: StateWindow, Key: key, Events: events}
		if oldest.Valid {
			entry.Oldest = time.Unix(0, oldest.Int64).UTC()
		}
		entries = append(entries, entry)
	}
	if err := windowRows.Err(); err != nil {
		return nil, fmt.Errorf("list windows: %w", err)
	}

	counterRows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT key, window_index, request_count
		FROM fixed_windows
		%s
		ORDER BY key
	`, where), args...)
	if err != nil {
		return nil, fmt.Errorf("list counters: %w", err)
	}
	defer counterRows.Close() // nolint:errcheck // best-effort cleanup

	for counterRows.Next() {
		var (
			key          string
			windowIndex  int64
			requestCount int
		)
		if err := counterRows.Scan(&key, &windowIndex, &requestCount); err != nil {
			return nil, fmt.Errorf("scan counters: %w", err)
		}
		entries = append(entries, StateEntry{
			Kind:        StateCounter,
			Key:         key,
			WindowIndex: windowIndex,
			Count:       requestCount,
		})
	}
	if err := counterRows.Err(); err != nil {
		return nil, fmt.Errorf("list counters: %w", err)
	}

	return entries, nil
}

func (s *LibsqlStore) CountStates(ctx context.Context, q StateQuery) (int, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args, err := sqlWhereClause(q)
	if err != nil {
		return 0, err
	}

	total := 0
	queries := []string{
		fmt.Sprintf(`SELECT COUNT(*) FROM token_buckets %s`, where),
		fmt.Sprintf(`SELECT COUNT(DISTINCT key) FROM window_events %s`, where),
		fmt.Sprintf(`SELECT COUNT(*) FROM fixed_windows %s`, where),
	}
	for _, query := range queries {
		var count int
		if err := s.DB.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
			return 0, fmt.Errorf("count states: %w", err)
		}
		total += count
	}

	return total, nil
}

func (s *LibsqlStore) ResetStates(ctx context.Context, q StateQuery) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args, err := sqlWhereClause(q)
	if err != nil {
		return 0, err
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("reset states: %w", err)
	}
	defer tx.Rollback() // nolint:errcheck // no-op after commit

	var windowKeys int64
	row := tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(DISTINCT key) FROM window_events %s
	`, where), args...)
	if err := row.Scan(&windowKeys); err != nil {
		return 0, fmt.Errorf("reset states: %w", err)
	}

	removed := windowKeys
	for _, table := range []string{"token_buckets", "fixed_windows"} {
		result, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s %s`, table, where), args...)
		if err != nil {
			return 0, fmt.Errorf("reset states: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("reset states: %w", err)
		}
		removed += affected
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM window_events %s`, where), args...); err != nil {
		return 0, fmt.Errorf("reset states: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("reset states: %w", err)
	}

	return removed, nil
}

func (s *LibsqlStore) CheckHealth(ctx context.Context) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.DB.PingContext(ctx); err != nil {
		return fmt.Errorf("ping libsql store: %w", err)
	}
	return nil
}

func (s *LibsqlStore) Driver() string {
	return driverLibsql
}

// Close releases database resources.
func (s *LibsqlStore) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

func sqlWhereClause(q StateQuery) (string, []any, error) {
	if err := q.Validate(); err != nil {
		return "", nil, err
	}
	if q.All {
		return "", nil, nil
	}
	if key := strings.TrimSpace(q.Key); key != "" {
		return "WHERE key = ?", []any{key}, nil
	}
	prefix := strings.TrimSpace(q.Prefix)
	if prefix == "" {
		return "", nil, errors.New("prefix is required")
	}
	return "WHERE key LIKE ?", []any{prefix + "%"}, nil
}

func buildLibsqlDSN(cfg config.StoreConfig) (string, error) {
	if dsn := strings.TrimSpace(cfg.URL); dsn != "" {
		return addAuthToken(dsn, cfg.AuthToken)
	}

	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return "", errors.New("store path or url is required")
	}

	if path == ":memory:" {
		return path, nil
	}

	if strings.HasPrefix(path, "file:") {
		localPath, err := extractFilePath(path)
		if err != nil {
			return "", err
		}
		if err := ensureStoreDir(localPath); err != nil {
			return "", err
		}
		return path, nil
	}

	if strings.HasPrefix(path, "libsql:") {
		return path, nil
	}

	if err := ensureStoreDir(path); err != nil {
		return "", err
	}
	return "file:" + filepath.Clean(path), nil
}

func addAuthToken(dsn string, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return dsn, nil
	}

	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid store url: %w", err)
	}

	query := parsed.Query()
	if query.Get("authToken") == "" {
		query.Set("authToken", token)
		parsed.RawQuery = query.Encode()
	}

	return parsed.String(), nil
}

func extractFilePath(dsn string) (string, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid store path: %w", err)
	}

	if parsed.Path != "" {
		return strings.TrimPrefix(parsed.Path, "//"), nil
	}

	return strings.TrimPrefix(parsed.Opaque, "//"), nil
}

func ensureStoreDir(path string) error {
	if strings.TrimSpace(path) == "" || path == ":memory:" {
		return nil
	}

	dir := filepath.Dir(filepath.Clean(path))
	if dir == "." || dir == string(filepath.Separator) {
		return nil
	}

	// #nosec G301 -- data directories use 0755 for multi-user access compatibility
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	return nil
}
