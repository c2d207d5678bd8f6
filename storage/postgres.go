package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"reposter/models"
)

// PostgresStore lets several daemon replicas share dedup state and results.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	store := &PostgresStore{pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS processed_posts (
		post_id TEXT PRIMARY KEY,
		account TEXT,
		processed_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS run_results (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		account TEXT NOT NULL,
		started_at TIMESTAMPTZ,
		finished_at TIMESTAMPTZ,
		status TEXT,
		posts_selected INTEGER,
		posts_scheduled INTEGER,
		data JSONB
	);

	CREATE TABLE IF NOT EXISTS run_logs (
		id BIGSERIAL PRIMARY KEY,
		run_id TEXT,
		timestamp TIMESTAMPTZ,
		level TEXT,
		message TEXT,
		account TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_processed_at ON processed_posts(processed_at);
	CREATE INDEX IF NOT EXISTS idx_results_account ON run_results(account, seq);
	CREATE INDEX IF NOT EXISTS idx_logs_run ON run_logs(run_id, timestamp);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// =============================================================================
// Processed posts
// =============================================================================

func (s *PostgresStore) ProcessedPosts(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.pool.Query(ctx, `SELECT post_id, processed_at FROM processed_posts`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var id string
		var at time.Time
		if err := rows.Scan(&id, &at); err != nil {
			return nil, err
		}
		out[id] = at
	}
	return out, rows.Err()
}

func (s *PostgresStore) IsProcessed(ctx context.Context, postID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_posts WHERE post_id = $1)`, postID,
	).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, postIDs []string, account string, at time.Time) error {
	if len(postIDs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, id := range postIDs {
		batch.Queue(`
			INSERT INTO processed_posts (post_id, account, processed_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (post_id) DO NOTHING`, id, account, at)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for _, id := range postIDs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("mark %s: %w", id, err)
		}
	}
	return nil
}

func (s *PostgresStore) PurgeProcessed(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM processed_posts WHERE processed_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// =============================================================================
// Run results
// =============================================================================

func (s *PostgresStore) SaveRunResult(ctx context.Context, r *models.RunResult, retain int) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode run result: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO run_results (id, account, started_at, finished_at, status, posts_selected, posts_scheduled, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.Account, r.StartedAt, r.FinishedAt, string(r.Status), r.SelectedCount(), r.SucceededCount(), data)
	if err != nil {
		return fmt.Errorf("insert run result: %w", err)
	}

	_, err = s.TrimRunResults(ctx, retain)
	return err
}

func (s *PostgresStore) TrimRunResults(ctx context.Context, retain int) (int64, error) {
	if retain <= 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM run_results
		WHERE seq NOT IN (SELECT seq FROM run_results ORDER BY seq DESC LIMIT $1)`, retain)
	if err != nil {
		return 0, fmt.Errorf("trim run results: %w", err)
	}

	if _, err := s.pool.Exec(ctx, `
		DELETE FROM run_logs
		WHERE run_id NOT IN (SELECT id FROM run_results)
		AND timestamp < (SELECT MIN(started_at) FROM run_results)`); err != nil {
		return tag.RowsAffected(), fmt.Errorf("trim run logs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) RecentRunResults(ctx context.Context, account string, limit int) ([]models.RunResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT data FROM run_results
		WHERE $1 = '' OR account = $1
		ORDER BY seq DESC
		LIMIT $2`, account, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []models.RunResult
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var r models.RunResult
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("decode run result: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// =============================================================================
// Run logs
// =============================================================================

func (s *PostgresStore) AppendRunLog(ctx context.Context, entry models.RunLog) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO run_logs (run_id, timestamp, level, message, account)
		VALUES ($1, $2, $3, $4, $5)`,
		entry.RunID, entry.Timestamp, string(entry.Level), entry.Message, entry.Account)
	return err
}

func (s *PostgresStore) RunLogs(ctx context.Context, runID string) ([]models.RunLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, timestamp, level, message, account
		FROM run_logs WHERE run_id = $1 ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []models.RunLog
	for rows.Next() {
		var l models.RunLog
		var level string
		if err := rows.Scan(&l.ID, &l.RunID, &l.Timestamp, &level, &l.Message, &l.Account); err != nil {
			return nil, err
		}
		l.Level = models.LogLevel(level)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
