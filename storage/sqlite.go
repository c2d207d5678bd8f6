package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"reposter/models"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS processed_posts (
		post_id TEXT PRIMARY KEY,
		account TEXT,
		processed_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS run_results (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		account TEXT NOT NULL,
		started_at DATETIME,
		finished_at DATETIME,
		status TEXT,
		posts_selected INTEGER,
		posts_scheduled INTEGER,
		data JSON
	);

	CREATE TABLE IF NOT EXISTS run_logs (
		id INTEGER PRIMARY KEY,
		run_id TEXT,
		timestamp DATETIME,
		level TEXT,
		message TEXT,
		account TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_processed_at ON processed_posts(processed_at);
	CREATE INDEX IF NOT EXISTS idx_results_account ON run_results(account, seq);
	CREATE INDEX IF NOT EXISTS idx_logs_run ON run_logs(run_id, timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// Processed posts
// =============================================================================

func (s *SQLiteStore) ProcessedPosts(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT post_id, processed_at FROM processed_posts`)
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

func (s *SQLiteStore) IsProcessed(ctx context.Context, postID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM processed_posts WHERE post_id = ?`, postID).Scan(&n)
	return n > 0, err
}

func (s *SQLiteStore) MarkProcessed(ctx context.Context, postIDs []string, account string, at time.Time) error {
	if len(postIDs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO processed_posts (post_id, account, processed_at)
		VALUES (?, ?, ?)
		ON CONFLICT(post_id) DO NOTHING`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, id := range postIDs {
		if _, err := stmt.ExecContext(ctx, id, account, at.UTC()); err != nil {
			return fmt.Errorf("mark %s: %w", id, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) PurgeProcessed(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM processed_posts WHERE processed_at < ?`, before.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// =============================================================================
// Run results
// =============================================================================

func (s *SQLiteStore) SaveRunResult(ctx context.Context, r *models.RunResult, retain int) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode run result: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO run_results (id, account, started_at, finished_at, status, posts_selected, posts_scheduled, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Account, r.StartedAt.UTC(), r.FinishedAt, r.Status, r.SelectedCount(), r.SucceededCount(), string(data))
	if err != nil {
		return fmt.Errorf("insert run result: %w", err)
	}

	_, err = s.TrimRunResults(ctx, retain)
	return err
}

func (s *SQLiteStore) TrimRunResults(ctx context.Context, retain int) (int64, error) {
	if retain <= 0 {
		return 0, nil
	}
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM run_results
		WHERE seq NOT IN (SELECT seq FROM run_results ORDER BY seq DESC LIMIT ?)`, retain)
	if err != nil {
		return 0, fmt.Errorf("trim run results: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	// Logs of runs still in flight have no result yet but are newer than the
	// oldest kept run, so only older orphans go.
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM run_logs
		WHERE run_id NOT IN (SELECT id FROM run_results)
		AND timestamp < (SELECT MIN(started_at) FROM run_results)`); err != nil {
		return n, fmt.Errorf("trim run logs: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) RecentRunResults(ctx context.Context, account string, limit int) ([]models.RunResult, error) {
	query := `SELECT data FROM run_results`
	var args []interface{}
	if account != "" {
		query += ` WHERE account = ?`
		args = append(args, account)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []models.RunResult
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var r models.RunResult
		if err := json.NewDecoder(strings.NewReader(data)).Decode(&r); err != nil {
			return nil, fmt.Errorf("decode run result: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// =============================================================================
// Run logs
// =============================================================================

func (s *SQLiteStore) AppendRunLog(ctx context.Context, entry models.RunLog) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_logs (run_id, timestamp, level, message, account)
		VALUES (?, ?, ?, ?, ?)`,
		entry.RunID, entry.Timestamp.UTC(), entry.Level, entry.Message, entry.Account)
	return err
}

func (s *SQLiteStore) RunLogs(ctx context.Context, runID string) ([]models.RunLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, timestamp, level, message, account
		FROM run_logs WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []models.RunLog
	for rows.Next() {
		var l models.RunLog
		if err := rows.Scan(&l.ID, &l.RunID, &l.Timestamp, &l.Level, &l.Message, &l.Account); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
