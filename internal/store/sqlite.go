// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/pdiddy/evidence-engine/pkg/types"
)

const dbFile = "evidence.db"

// SQLite keeps state in dir/evidence.db. Values are stored as JSON
// documents next to the columns used for lookup and ordering.
type SQLite struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLite opens or creates the database under dir and its schema.
func NewSQLite(dir string, logger *zap.Logger) (*SQLite, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	dbPath := filepath.Join(dir, dbFile)
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &SQLite{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	logger.Debug("opened state database", zap.String("path", dbPath))
	return s, nil
}

// Close releases the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) createSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS checkpoints (
			job_id TEXT PRIMARY KEY,
			parent_job_id TEXT,
			stage TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			body TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_parent ON checkpoints(parent_job_id)`,
		`CREATE TABLE IF NOT EXISTS reports (
			job_id TEXT PRIMARY KEY,
			version INTEGER NOT NULL,
			body TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS evaluations (
			job_id TEXT NOT NULL,
			iteration INTEGER NOT NULL,
			stage TEXT NOT NULL,
			document_id TEXT NOT NULL,
			body TEXT NOT NULL,
			PRIMARY KEY (job_id, iteration, stage, document_id)
		)`,
		`CREATE TABLE IF NOT EXISTS documents (
			job_id TEXT NOT NULL,
			document_id TEXT NOT NULL,
			body TEXT NOT NULL,
			PRIMARY KEY (job_id, document_id)
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("executing schema statement: %w", err)
		}
	}
	return nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SaveReport replaces the job's report.
func (s *SQLite) SaveReport(ctx context.Context, jobID string, r *types.Report) error {
	if err := validJob(jobID); err != nil {
		return err
	}
	return saveReport(ctx, s.db, jobID, r)
}

func saveReport(ctx context.Context, ex execer, jobID string, r *types.Report) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	_, err = ex.ExecContext(ctx,
		`INSERT INTO reports (job_id, version, body) VALUES (?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET version=excluded.version, body=excluded.body`,
		jobID, r.Version, string(body),
	)
	if err != nil {
		return fmt.Errorf("saving report for %s: %w", jobID, err)
	}
	return nil
}

// LoadReport returns the job's report.
func (s *SQLite) LoadReport(ctx context.Context, jobID string) (*types.Report, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM reports WHERE job_id = ?`, jobID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &types.NotFoundError{Kind: "report", ID: jobID}
	}
	if err != nil {
		return nil, fmt.Errorf("loading report for %s: %w", jobID, err)
	}
	var r types.Report
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return nil, fmt.Errorf("decoding report for %s: %w", jobID, err)
	}
	return &r, nil
}

// SaveCheckpoint upserts the checkpoint.
func (s *SQLite) SaveCheckpoint(ctx context.Context, cp *types.Checkpoint) error {
	if err := validJob(cp.JobID); err != nil {
		return err
	}
	return saveCheckpoint(ctx, s.db, cp)
}

func saveCheckpoint(ctx context.Context, ex execer, cp *types.Checkpoint) error {
	body, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}
	_, err = ex.ExecContext(ctx,
		`INSERT INTO checkpoints (job_id, parent_job_id, stage, status, created_at, updated_at, body)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET
			parent_job_id=excluded.parent_job_id, stage=excluded.stage, status=excluded.status,
			updated_at=excluded.updated_at, body=excluded.body`,
		cp.JobID, cp.ParentJobID, string(cp.Stage), string(cp.Status),
		cp.CreatedAt.UTC().Format(time.RFC3339Nano), cp.UpdatedAt.UTC().Format(time.RFC3339Nano),
		string(body),
	)
	if err != nil {
		return fmt.Errorf("saving checkpoint for %s: %w", cp.JobID, err)
	}
	return nil
}

// LoadCheckpoint returns the job's checkpoint.
func (s *SQLite) LoadCheckpoint(ctx context.Context, jobID string) (*types.Checkpoint, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM checkpoints WHERE job_id = ?`, jobID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &types.NotFoundError{Kind: "job", ID: jobID}
	}
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint for %s: %w", jobID, err)
	}
	var cp types.Checkpoint
	if err := json.Unmarshal([]byte(body), &cp); err != nil {
		return nil, fmt.Errorf("decoding checkpoint for %s: %w", jobID, err)
	}
	return &cp, nil
}

// ListCheckpoints returns every checkpoint ordered by creation time.
func (s *SQLite) ListCheckpoints(ctx context.Context) ([]*types.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM checkpoints ORDER BY created_at, job_id`)
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*types.Checkpoint
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scanning checkpoint: %w", err)
		}
		var cp types.Checkpoint
		if err := json.Unmarshal([]byte(body), &cp); err != nil {
			return nil, fmt.Errorf("decoding checkpoint: %w", err)
		}
		out = append(out, &cp)
	}
	return out, rows.Err()
}

// Commit writes the report and checkpoint in one transaction.
func (s *SQLite) Commit(ctx context.Context, cp *types.Checkpoint, r *types.Report) error {
	if err := validJob(cp.JobID); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := saveReport(ctx, tx, cp.JobID, r); err != nil {
		return err
	}
	if err := saveCheckpoint(ctx, tx, cp); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing state for %s: %w", cp.JobID, err)
	}
	s.logger.Debug("committed state",
		zap.String("job", cp.JobID),
		zap.String("stage", string(cp.Stage)),
		zap.Int("report_version", r.Version),
	)
	return nil
}

// SaveEvaluation upserts one evaluation result.
func (s *SQLite) SaveEvaluation(ctx context.Context, jobID string, res types.EvaluationResult) error {
	if err := validJob(jobID); err != nil {
		return err
	}
	body, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encoding evaluation: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO evaluations (job_id, iteration, stage, document_id, body)
		 VALUES (?, ?, ?, ?, ?)`,
		jobID, res.Iteration, string(res.Stage), res.DocumentID, string(body),
	)
	if err != nil {
		return fmt.Errorf("saving evaluation of %s: %w", res.DocumentID, err)
	}
	return nil
}

// LoadEvaluations returns the results of one iteration and stage.
func (s *SQLite) LoadEvaluations(ctx context.Context, jobID string, iteration int, stage types.Stage) ([]types.EvaluationResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM evaluations WHERE job_id = ? AND iteration = ? AND stage = ? ORDER BY document_id`,
		jobID, iteration, string(stage),
	)
	if err != nil {
		return nil, fmt.Errorf("loading evaluations for %s: %w", jobID, err)
	}
	defer rows.Close()

	var out []types.EvaluationResult
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scanning evaluation: %w", err)
		}
		var res types.EvaluationResult
		if err := json.Unmarshal([]byte(body), &res); err != nil {
			return nil, fmt.Errorf("decoding evaluation: %w", err)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// SaveDocuments upserts documents in one transaction.
func (s *SQLite) SaveDocuments(ctx context.Context, jobID string, docs []types.Document) error {
	if err := validJob(jobID); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO documents (job_id, document_id, body) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, d := range docs {
		body, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("encoding document %s: %w", d.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, jobID, d.ID, string(body)); err != nil {
			return fmt.Errorf("inserting document %s: %w", d.ID, err)
		}
	}
	return tx.Commit()
}

// LoadDocuments returns the job's documents.
func (s *SQLite) LoadDocuments(ctx context.Context, jobID string) ([]types.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM documents WHERE job_id = ? ORDER BY document_id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("loading documents for %s: %w", jobID, err)
	}
	defer rows.Close()

	var out []types.Document
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		var d types.Document
		if err := json.Unmarshal([]byte(body), &d); err != nil {
			return nil, fmt.Errorf("decoding document: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
