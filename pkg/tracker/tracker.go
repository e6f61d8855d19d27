package tracker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/pario-ai/llmbatch/pkg/models"
)

// ErrRunNotFound is returned when a run ID is unknown.
var ErrRunNotFound = errors.New("run not found")

// Tracker records and queries token usage per run.
type Tracker interface {
	// StartRun creates a run row and returns its ID.
	StartRun(ctx context.Context, model, input string) (string, error)
	// FinishRun stores the final counters of a run.
	FinishRun(ctx context.Context, runID string, stats models.BatchStats) error
	// Record stores a usage record and updates the run's token total.
	Record(ctx context.Context, rec models.UsageRecord) error
	// QueryByRun returns the usage records of a run.
	QueryByRun(ctx context.Context, runID string) ([]models.UsageRecord, error)
	// TotalByModel returns total tokens used for a model since a given time.
	// An empty model or "*" sums across all models.
	TotalByModel(ctx context.Context, model string, since time.Time) (int64, error)
	// Summary returns usage aggregated by run and model, optionally for one run.
	Summary(ctx context.Context, runID string) ([]models.UsageSummary, error)
	// ListRuns returns runs, newest first.
	ListRuns(ctx context.Context, limit int) ([]models.Run, error)
	// Close releases resources.
	Close() error
}

// SQLiteTracker implements Tracker with a SQLite database.
type SQLiteTracker struct {
	db *sql.DB
}

var _ Tracker = (*SQLiteTracker)(nil)

const createUsageTable = `
CREATE TABLE IF NOT EXISTS usage_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	model TEXT NOT NULL,
	row_index INTEGER NOT NULL,
	prompt_tokens INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	total_tokens INTEGER NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_model_time ON usage_records(model, created_at);
CREATE INDEX IF NOT EXISTS idx_usage_run ON usage_records(run_id);
`

const createRunsTable = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	model TEXT NOT NULL,
	input TEXT NOT NULL DEFAULT '',
	started_at DATETIME NOT NULL,
	finished_at DATETIME,
	row_count INTEGER NOT NULL DEFAULT 0,
	cache_hits INTEGER NOT NULL DEFAULT 0,
	api_calls INTEGER NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0
);
`

// New creates a SQLiteTracker and runs auto-migration.
func New(dbPath string) (*SQLiteTracker, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open tracker db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createUsageTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate tracker db: %w", err)
	}

	if _, err := db.Exec(createRunsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate runs table: %w", err)
	}

	// Databases created before attempts were tracked lack the column.
	if !columnExists(db, "usage_records", "attempts") {
		if _, err := db.Exec(`ALTER TABLE usage_records ADD COLUMN attempts INTEGER NOT NULL DEFAULT 1`); err != nil {
			db.Close()
			return nil, fmt.Errorf("add attempts column: %w", err)
		}
	}

	return &SQLiteTracker{db: db}, nil
}

func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dflt sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false
		}
		if name == column {
			return true
		}
	}
	return false
}

// StartRun creates a run with a fresh UUID.
func (t *SQLiteTracker) StartRun(ctx context.Context, model, input string) (string, error) {
	id := uuid.NewString()
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO runs (id, model, input, started_at) VALUES (?, ?, ?, ?)`,
		id, model, input, time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("start run: %w", err)
	}
	return id, nil
}

// FinishRun stores the run's counters and finish time.
func (t *SQLiteTracker) FinishRun(ctx context.Context, runID string, stats models.BatchStats) error {
	res, err := t.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, row_count = ?, cache_hits = ?, api_calls = ?, failed = ? WHERE id = ?`,
		time.Now().UTC(), stats.Rows, stats.CacheHits, stats.APICalls, stats.Failed, runID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %s: %w", runID, ErrRunNotFound)
	}
	return nil
}

// Record stores a usage record and updates run counters.
func (t *SQLiteTracker) Record(ctx context.Context, rec models.UsageRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO usage_records (run_id, model, row_index, prompt_tokens, completion_tokens, total_tokens, attempts, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Model, rec.RowIndex, rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens, rec.Attempts, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}

	if rec.RunID != "" {
		_, err = t.db.ExecContext(ctx,
			`UPDATE runs SET total_tokens = total_tokens + ? WHERE id = ?`,
			rec.TotalTokens, rec.RunID,
		)
		if err != nil {
			return fmt.Errorf("update run counters: %w", err)
		}
	}

	return nil
}

// QueryByRun returns usage records for a run ordered by row.
func (t *SQLiteTracker) QueryByRun(ctx context.Context, runID string) ([]models.UsageRecord, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT id, run_id, model, row_index, prompt_tokens, completion_tokens, total_tokens, attempts, created_at
		 FROM usage_records WHERE run_id = ? ORDER BY row_index ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	var records []models.UsageRecord
	for rows.Next() {
		var r models.UsageRecord
		if err := rows.Scan(&r.ID, &r.RunID, &r.Model, &r.RowIndex, &r.PromptTokens, &r.CompletionTokens, &r.TotalTokens, &r.Attempts, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// TotalByModel returns total tokens used for a model since a given time.
func (t *SQLiteTracker) TotalByModel(ctx context.Context, model string, since time.Time) (int64, error) {
	query := `SELECT COALESCE(SUM(total_tokens), 0) FROM usage_records WHERE created_at >= ?`
	args := []any{since.UTC()}
	if model != "" && model != "*" {
		query += ` AND model = ?`
		args = append(args, model)
	}

	var total int64
	if err := t.db.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("total usage: %w", err)
	}
	return total, nil
}

// Summary returns aggregated usage grouped by run and model.
func (t *SQLiteTracker) Summary(ctx context.Context, runID string) ([]models.UsageSummary, error) {
	query := `SELECT run_id, model, COUNT(*), SUM(prompt_tokens), SUM(completion_tokens), SUM(total_tokens)
		 FROM usage_records`
	var args []any
	if runID != "" {
		query += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	query += ` GROUP BY run_id, model ORDER BY MIN(created_at), model`

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	defer rows.Close()

	var summaries []models.UsageSummary
	for rows.Next() {
		var s models.UsageSummary
		if err := rows.Scan(&s.RunID, &s.Model, &s.RequestCount, &s.TotalPrompt, &s.TotalCompletion, &s.TotalTokens); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// ListRuns returns runs, newest first. A limit <= 0 returns all runs.
func (t *SQLiteTracker) ListRuns(ctx context.Context, limit int) ([]models.Run, error) {
	query := `SELECT id, model, input, started_at, finished_at, row_count, cache_hits, api_calls, failed, total_tokens
		 FROM runs ORDER BY started_at DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		var r models.Run
		var finished sql.NullTime
		if err := rows.Scan(&r.ID, &r.Model, &r.Input, &r.StartedAt, &finished, &r.Rows, &r.CacheHits, &r.APICalls, &r.Failed, &r.TotalTokens); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if finished.Valid {
			ft := finished.Time
			r.FinishedAt = &ft
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Close releases the database connection.
func (t *SQLiteTracker) Close() error {
	return t.db.Close()
}
