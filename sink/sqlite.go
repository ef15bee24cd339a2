package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/zero-day-ai/rubriceval/evalerr"
	"github.com/zero-day-ai/rubriceval/runner"
)

// SQLite upserts records into a results table keyed by run, agent, task and
// answer.
type SQLite struct {
	db *sql.DB
}

var _ runner.Sink = (*SQLite)(nil)

// NewSQLite opens or creates the database at path and migrates it.
func NewSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Writes are serialized through one connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS results (
		run_id TEXT NOT NULL,
		agent TEXT NOT NULL,
		task_id TEXT NOT NULL,
		answer_id TEXT NOT NULL,
		status TEXT NOT NULL,
		score REAL NOT NULL,
		error_kind TEXT,
		error_message TEXT,
		judge_calls INTEGER NOT NULL,
		word_count INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		tree TEXT NOT NULL,
		usage TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (run_id, agent, task_id, answer_id)
	);

	CREATE INDEX IF NOT EXISTS idx_results_agent ON results(agent, created_at DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Write upserts rec.
func (s *SQLite) Write(ctx context.Context, rec runner.Record) error {
	tree, err := json.Marshal(rec.Tree)
	if err != nil {
		return fmt.Errorf("marshal tree: %w", err)
	}
	usage, err := json.Marshal(rec.Usage)
	if err != nil {
		return fmt.Errorf("marshal usage: %w", err)
	}

	var kind, msg *string
	if rec.Error != nil {
		k := string(rec.Error.Kind)
		kind, msg = &k, &rec.Error.Message
	}

	query := `
	INSERT INTO results (run_id, agent, task_id, answer_id, status, score, error_kind, error_message,
		judge_calls, word_count, duration_ms, tree, usage, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(run_id, agent, task_id, answer_id) DO UPDATE SET
		status = excluded.status,
		score = excluded.score,
		error_kind = excluded.error_kind,
		error_message = excluded.error_message,
		judge_calls = excluded.judge_calls,
		word_count = excluded.word_count,
		duration_ms = excluded.duration_ms,
		tree = excluded.tree,
		usage = excluded.usage,
		created_at = excluded.created_at
	`
	_, err = s.db.ExecContext(ctx, query,
		rec.RunID, rec.Agent, rec.TaskID, rec.AnswerID,
		string(rec.Status), rec.Score, kind, msg,
		rec.JudgeCalls, rec.WordCount, rec.DurationMS,
		string(tree), string(usage),
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save record: %w", err)
	}
	return nil
}

// LoadRecords returns the records of agent's most recent run, or of runID
// when it is not empty.
func (s *SQLite) LoadRecords(ctx context.Context, agent, runID string) ([]runner.Record, error) {
	if runID == "" {
		err := s.db.QueryRowContext(ctx,
			`SELECT run_id FROM results WHERE agent = ? ORDER BY created_at DESC LIMIT 1`, agent,
		).Scan(&runID)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("find latest run: %w", err)
		}
	}

	rows, err := s.db.QueryContext(ctx, `
	SELECT run_id, agent, task_id, answer_id, status, score, error_kind, error_message,
		judge_calls, word_count, duration_ms, tree, usage, created_at
	FROM results
	WHERE agent = ? AND run_id = ?
	ORDER BY task_id, answer_id`, agent, runID)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []runner.Record
	for rows.Next() {
		var (
			rec         runner.Record
			status      string
			kind, msg   sql.NullString
			tree, usage string
			createdAt   string
		)
		if err := rows.Scan(&rec.RunID, &rec.Agent, &rec.TaskID, &rec.AnswerID, &status, &rec.Score,
			&kind, &msg, &rec.JudgeCalls, &rec.WordCount, &rec.DurationMS, &tree, &usage, &createdAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Status = runner.Status(status)
		if kind.Valid {
			rec.Error = &runner.RecordError{Kind: evalerr.Kind(kind.String), Message: msg.String}
		}
		if err := json.Unmarshal([]byte(tree), &rec.Tree); err != nil {
			return nil, fmt.Errorf("parse tree: %w", err)
		}
		if err := json.Unmarshal([]byte(usage), &rec.Usage); err != nil {
			return nil, fmt.Errorf("parse usage: %w", err)
		}
		if rec.Timestamp, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
