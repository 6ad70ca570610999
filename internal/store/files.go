// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/evidence-engine/pkg/types"
)

const (
	jobsDir        = "jobs"
	reportFile     = "report.yaml"
	checkpointFile = "checkpoint.yaml"
	documentsFile  = "documents.yaml"
	evaluationsDir = "evaluations"
)

// Files keeps state as YAML under dir/jobs/<job>/. Every write goes to a
// temporary file in the same directory that is then renamed over the
// target.
type Files struct {
	dir    string
	logger *zap.Logger

	// mu serializes read-modify-write of the evaluation and document files.
	mu sync.Mutex
}

// NewFiles returns a file store rooted at dir, creating it if needed.
func NewFiles(dir string, logger *zap.Logger) (*Files, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Join(dir, jobsDir), 0o755); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	return &Files{dir: dir, logger: logger}, nil
}

// Close is a no-op.
func (f *Files) Close() error { return nil }

func (f *Files) jobDir(jobID string) string {
	return filepath.Join(f.dir, jobsDir, url.PathEscape(jobID))
}

// SaveReport replaces the job's report file.
func (f *Files) SaveReport(ctx context.Context, jobID string, r *types.Report) error {
	if err := validJob(jobID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return writeYAML(filepath.Join(f.jobDir(jobID), reportFile), r)
}

// LoadReport reads the job's report file.
func (f *Files) LoadReport(ctx context.Context, jobID string) (*types.Report, error) {
	var r types.Report
	if err := readYAML(filepath.Join(f.jobDir(jobID), reportFile), &r); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &types.NotFoundError{Kind: "report", ID: jobID}
		}
		return nil, fmt.Errorf("loading report for %s: %w", jobID, err)
	}
	return &r, nil
}

// SaveCheckpoint replaces the job's checkpoint file.
func (f *Files) SaveCheckpoint(ctx context.Context, cp *types.Checkpoint) error {
	if err := validJob(cp.JobID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return writeYAML(filepath.Join(f.jobDir(cp.JobID), checkpointFile), cp)
}

// LoadCheckpoint reads the job's checkpoint file.
func (f *Files) LoadCheckpoint(ctx context.Context, jobID string) (*types.Checkpoint, error) {
	var cp types.Checkpoint
	if err := readYAML(filepath.Join(f.jobDir(jobID), checkpointFile), &cp); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &types.NotFoundError{Kind: "job", ID: jobID}
		}
		return nil, fmt.Errorf("loading checkpoint for %s: %w", jobID, err)
	}
	return &cp, nil
}

// ListCheckpoints reads every job's checkpoint, oldest first. Job
// directories without a checkpoint are skipped.
func (f *Files) ListCheckpoints(ctx context.Context) ([]*types.Checkpoint, error) {
	entries, err := os.ReadDir(filepath.Join(f.dir, jobsDir))
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}

	var out []*types.Checkpoint
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !e.IsDir() {
			continue
		}
		var cp types.Checkpoint
		err := readYAML(filepath.Join(f.dir, jobsDir, e.Name(), checkpointFile), &cp)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("loading checkpoint in %s: %w", e.Name(), err)
		}
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].JobID < out[j].JobID
	})
	return out, nil
}

// Commit writes the report before the checkpoint, so a checkpoint never
// names a report version that is not on disk.
func (f *Files) Commit(ctx context.Context, cp *types.Checkpoint, r *types.Report) error {
	if err := f.SaveReport(ctx, cp.JobID, r); err != nil {
		return err
	}
	if err := f.SaveCheckpoint(ctx, cp); err != nil {
		return err
	}
	f.logger.Debug("committed state",
		zap.String("job", cp.JobID),
		zap.String("stage", string(cp.Stage)),
		zap.Int("report_version", r.Version),
	)
	return nil
}

func (f *Files) evaluationsPath(jobID string, iteration int, stage types.Stage) string {
	return filepath.Join(f.jobDir(jobID), evaluationsDir, strconv.Itoa(iteration)+"-"+string(stage)+".yaml")
}

// SaveEvaluation upserts a result into the iteration and stage file.
func (f *Files) SaveEvaluation(ctx context.Context, jobID string, res types.EvaluationResult) error {
	if err := validJob(jobID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	path := f.evaluationsPath(jobID, res.Iteration, res.Stage)
	var all []types.EvaluationResult
	if err := readYAML(path, &all); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("reading evaluations: %w", err)
	}

	replaced := false
	for i := range all {
		if all[i].DocumentID == res.DocumentID {
			all[i] = res
			replaced = true
			break
		}
	}
	if !replaced {
		all = append(all, res)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].DocumentID < all[j].DocumentID })
	return writeYAML(path, all)
}

// LoadEvaluations reads the iteration and stage file.
func (f *Files) LoadEvaluations(ctx context.Context, jobID string, iteration int, stage types.Stage) ([]types.EvaluationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var all []types.EvaluationResult
	if err := readYAML(f.evaluationsPath(jobID, iteration, stage), &all); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading evaluations for %s: %w", jobID, err)
	}
	return all, nil
}

// SaveDocuments upserts documents into the job's document file.
func (f *Files) SaveDocuments(ctx context.Context, jobID string, docs []types.Document) error {
	if err := validJob(jobID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	path := filepath.Join(f.jobDir(jobID), documentsFile)
	var all []types.Document
	if err := readYAML(path, &all); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("reading documents: %w", err)
	}

	index := make(map[string]int, len(all))
	for i, d := range all {
		index[d.ID] = i
	}
	for _, d := range docs {
		if i, ok := index[d.ID]; ok {
			all[i] = d
			continue
		}
		index[d.ID] = len(all)
		all = append(all, d)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return writeYAML(path, all)
}

// LoadDocuments reads the job's document file.
func (f *Files) LoadDocuments(ctx context.Context, jobID string) ([]types.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var all []types.Document
	if err := readYAML(filepath.Join(f.jobDir(jobID), documentsFile), &all); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading documents for %s: %w", jobID, err)
	}
	return all, nil
}

func readYAML(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// writeYAML marshals v and replaces path atomically.
func writeYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling YAML: %w", err)
	}
	return WriteFileAtomic(path, data)
}

// WriteFileAtomic writes data to a temporary file beside path and renames
// it into place, creating parent directories as needed.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("syncing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("closing %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return fmt.Errorf("setting mode on %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}
