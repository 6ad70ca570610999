// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package store persists pipeline state: per-job reports, checkpoints,
// evaluation results and the candidate documents of a job. Two backends
// share one contract: a SQLite database and a directory of YAML files.
// Readers never observe a half-written value in either.
package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pdiddy/evidence-engine/pkg/types"
)

// Store is the persisted state of every job.
type Store interface {
	// SaveReport replaces the job's report.
	SaveReport(ctx context.Context, jobID string, r *types.Report) error
	// LoadReport returns the job's report or a NotFoundError.
	LoadReport(ctx context.Context, jobID string) (*types.Report, error)

	SaveCheckpoint(ctx context.Context, cp *types.Checkpoint) error
	// LoadCheckpoint returns the job's checkpoint or a NotFoundError.
	LoadCheckpoint(ctx context.Context, jobID string) (*types.Checkpoint, error)
	// ListCheckpoints returns every job's checkpoint, oldest first.
	ListCheckpoints(ctx context.Context) ([]*types.Checkpoint, error)

	// Commit saves the report and the checkpoint together. A reader sees
	// either both or neither, or at worst a newer report than the
	// checkpoint names.
	Commit(ctx context.Context, cp *types.Checkpoint, r *types.Report) error

	// SaveEvaluation stores a result, replacing any earlier result for the
	// same job, iteration, stage and document.
	SaveEvaluation(ctx context.Context, jobID string, res types.EvaluationResult) error
	// LoadEvaluations returns the job's results for one iteration and
	// stage, ordered by document id.
	LoadEvaluations(ctx context.Context, jobID string, iteration int, stage types.Stage) ([]types.EvaluationResult, error)

	// SaveDocuments stores candidate documents of a job, replacing any
	// with the same id.
	SaveDocuments(ctx context.Context, jobID string, docs []types.Document) error
	// LoadDocuments returns the job's documents ordered by id.
	LoadDocuments(ctx context.Context, jobID string) ([]types.Document, error)

	Close() error
}

// Open returns the store selected by cfg.
func Open(cfg types.StoreConfig, logger *zap.Logger) (Store, error) {
	dir := cfg.Dir
	if dir == "" {
		dir = "state"
	}
	switch cfg.Backend {
	case types.StoreSQLite, "":
		return NewSQLite(dir, logger)
	case types.StoreFiles:
		return NewFiles(dir, logger)
	default:
		return nil, &types.ValidationError{Subject: "store config", Problems: []string{fmt.Sprintf("unknown backend %q", cfg.Backend)}}
	}
}

// Lineage returns the chain of checkpoints from the root ancestor down to
// jobID. It fails when a parent is missing or the chain loops.
func Lineage(ctx context.Context, s Store, jobID string) ([]*types.Checkpoint, error) {
	var chain []*types.Checkpoint
	seen := make(map[string]bool)
	for id := jobID; id != ""; {
		if seen[id] {
			return nil, &types.ValidationError{Subject: "lineage of " + jobID, Problems: []string{"cycle through job " + id}}
		}
		seen[id] = true

		cp, err := s.LoadCheckpoint(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("loading lineage of %s: %w", jobID, err)
		}
		chain = append(chain, cp)
		id = cp.ParentJobID
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

func validJob(jobID string) error {
	if jobID == "" {
		return &types.ValidationError{Subject: "job", Problems: []string{"empty job id"}}
	}
	return nil
}
