package analysis

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/hibiki-ai/hibiki/internal/model"
)

// SQLiteStore keeps analysis results in an embedded SQLite database. Used on
// single-node deployments where running Redis would be overkill; the cache
// survives restarts but is local to the instance.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if needed creates) the cache database at path.
// Pass ":memory:" for an ephemeral cache.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("analysis: open sqlite cache: %w", err)
	}
	// modernc sqlite serializes writes itself; a single connection avoids
	// SQLITE_BUSY under concurrent access.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS analysis_cache (
			key        TEXT PRIMARY KEY,
			payload    BLOB NOT NULL,
			expires_at INTEGER NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("analysis: init sqlite cache schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Get fetches a cached result, treating expired entries as misses.
func (s *SQLiteStore) Get(ctx context.Context, key string) (*model.AnalysisResult, bool, error) {
	var payload []byte
	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, expires_at FROM analysis_cache WHERE key = ?`, key,
	).Scan(&payload, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("analysis: sqlite get: %w", err)
	}

	if time.Now().Unix() >= expiresAt {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM analysis_cache WHERE key = ?`, key)
		return nil, false, nil
	}

	var res model.AnalysisResult
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, false, nil
	}
	return &res, true, nil
}

// Set stores a result with the given TTL and opportunistically sweeps
// expired rows.
func (s *SQLiteStore) Set(ctx context.Context, key string, res *model.AnalysisResult, ttl time.Duration) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("analysis: marshal result: %w", err)
	}

	now := time.Now().Unix()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO analysis_cache (key, payload, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET payload = excluded.payload, expires_at = excluded.expires_at
	`, key, payload, now+int64(ttl.Seconds())); err != nil {
		return fmt.Errorf("analysis: sqlite set: %w", err)
	}

	_, _ = s.db.ExecContext(ctx, `DELETE FROM analysis_cache WHERE expires_at < ?`, now)
	return nil
}

// Delete removes entries.
func (s *SQLiteStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	for _, k := range keys {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM analysis_cache WHERE key = ?`, k); err != nil {
			return fmt.Errorf("analysis: sqlite delete: %w", err)
		}
	}
	return nil
}

// Close shuts down the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
