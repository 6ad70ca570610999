// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package pipeline orchestrates incremental analysis jobs. A job runs the
// stages intake, evaluate, adjudicate, appeal, sync, gap-analysis and
// deep-pass in order, checkpointing after every evaluated document so that
// an interrupted job resumes with only the remaining work.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pdiddy/evidence-engine/internal/coverage"
	"github.com/pdiddy/evidence-engine/internal/evaluate"
	"github.com/pdiddy/evidence-engine/internal/gaps"
	"github.com/pdiddy/evidence-engine/internal/merge"
	"github.com/pdiddy/evidence-engine/internal/prompt"
	"github.com/pdiddy/evidence-engine/internal/ratelimit"
	"github.com/pdiddy/evidence-engine/internal/relevance"
	"github.com/pdiddy/evidence-engine/internal/retry"
	"github.com/pdiddy/evidence-engine/internal/search"
	"github.com/pdiddy/evidence-engine/internal/source"
	"github.com/pdiddy/evidence-engine/internal/store"
	"github.com/pdiddy/evidence-engine/pkg/types"
)

// Deps are the orchestrator's collaborators. Store, Source and Evaluator
// are required; the rest are optional.
type Deps struct {
	Store     store.Store
	Source    source.Source
	Evaluator evaluate.Evaluator

	// Searcher enables search work items in deep passes.
	Searcher search.Searcher
	// Prompter asks whether to appeal; without one appeals run unasked.
	Prompter prompt.Prompter

	// Limiter is shared by every evaluator call; built from config when nil.
	Limiter *ratelimit.Limiter
	// Retry is the evaluator retry policy; built from config when nil.
	Retry *retry.Policy
	// Metrics defaults to instruments on a private registry.
	Metrics *Metrics

	Logger *zap.Logger
	Now    func() time.Time
	NewID  func() string
}

// Orchestrator runs and controls jobs.
type Orchestrator struct {
	cfg      types.PipelineConfig
	deps     Deps
	coverage types.CoverageFunc
	scorer   *relevance.Scorer
	limiter  *ratelimit.Limiter
	retry    *retry.Policy
	metrics  *Metrics
	logger   *zap.Logger

	// mergeMu serializes merges into job reports.
	mergeMu sync.Mutex
}

// New validates deps and builds an Orchestrator.
func New(cfg types.PipelineConfig, deps Deps) (*Orchestrator, error) {
	var problems []string
	if deps.Store == nil {
		problems = append(problems, "store is required")
	}
	if deps.Source == nil {
		problems = append(problems, "document source is required")
	}
	if deps.Evaluator == nil {
		problems = append(problems, "evaluator is required")
	}
	if cfg.Merge.Policy != "" && !cfg.Merge.Policy.Valid() {
		problems = append(problems, fmt.Sprintf("unknown merge policy %q", cfg.Merge.Policy))
	}
	if len(problems) > 0 {
		return nil, &types.ValidationError{Subject: "pipeline", Problems: problems}
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Merge.Policy == "" {
		cfg.Merge.Policy = types.KeepExisting
	}
	if cfg.Gap.Threshold <= 0 {
		cfg.Gap.Threshold = 100
	}

	covFn := coverage.Default()
	if cfg.Gap.Coverage != "" {
		s, err := coverage.ByName(cfg.Gap.Coverage)
		if err != nil {
			return nil, err
		}
		covFn = coverage.Func(s)
	}

	scorer, err := relevance.NewScorer(cfg.Relevance, logger)
	if err != nil {
		return nil, err
	}

	metrics := deps.Metrics
	if metrics == nil {
		metrics = NewMetrics(prometheus.NewRegistry())
	}

	limiter := deps.Limiter
	if limiter == nil {
		limiter = ratelimit.New(cfg.RateLimit)
	}
	limiter.OnWait(func(d time.Duration) { metrics.RateLimitWait.Observe(d.Seconds()) })

	var policy retry.Policy
	if deps.Retry != nil {
		policy = *deps.Retry
	} else {
		policy = *retry.FromConfig(cfg.Retry, logger)
	}
	prev := policy.OnRetry
	policy.OnRetry = func(kind retry.Kind, attempt int, delay time.Duration, err error) {
		metrics.observeRetry(kind)
		if prev != nil {
			prev(kind, attempt, delay, err)
		}
	}

	return &Orchestrator{
		cfg:      cfg,
		deps:     deps,
		coverage: covFn,
		scorer:   scorer,
		limiter:  limiter,
		retry:    &policy,
		metrics:  metrics,
		logger:   logger,
	}, nil
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() types.PipelineConfig { return o.cfg }

// RunRequest starts a job.
type RunRequest struct {
	// JobID names the job; a UUID is generated when empty.
	JobID string
	// ParentJobID seeds the job from a parent's report and source marker.
	ParentJobID string
	// Report is the base report of a root job. Ignored when ParentJobID is set.
	Report *types.Report
	// Documents are submitted in addition to what the source lists.
	Documents []types.Document
}

// Start creates a job and runs it to completion, failure or cancellation.
// The returned checkpoint reflects where the job stopped; it is non-nil
// whenever the job was created.
func (o *Orchestrator) Start(ctx context.Context, req RunRequest) (*types.Checkpoint, error) {
	jobID := req.JobID
	if jobID == "" {
		jobID = o.deps.NewID()
	}
	if _, err := o.deps.Store.LoadCheckpoint(ctx, jobID); err == nil {
		return nil, &types.ValidationError{Subject: "job " + jobID, Problems: []string{"job already exists; use resume"}}
	}

	var (
		base   *types.Report
		marker string
	)
	if req.ParentJobID != "" {
		parent, err := o.deps.Store.LoadCheckpoint(ctx, req.ParentJobID)
		if err != nil {
			return nil, fmt.Errorf("loading parent job: %w", err)
		}
		base, err = o.deps.Store.LoadReport(ctx, req.ParentJobID)
		if err != nil {
			return nil, fmt.Errorf("loading parent report: %w", err)
		}
		marker = parent.SourceMarker
	} else {
		if req.Report == nil {
			return nil, &types.ValidationError{Subject: "run request", Problems: []string{"a base report or a parent job is required"}}
		}
		base = req.Report.Clone()
	}
	if err := base.Validate(); err != nil {
		return nil, fmt.Errorf("base report: %w", err)
	}
	for _, d := range req.Documents {
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("submitted document: %w", err)
		}
	}
	base.RecomputeCoverage(o.coverage)

	now := o.deps.Now().UTC()
	cp := &types.Checkpoint{
		JobID:         jobID,
		ParentJobID:   req.ParentJobID,
		Stage:         types.StageIntake,
		Status:        types.JobRunning,
		ReportVersion: base.Version,
		SourceMarker:  marker,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if len(req.Documents) > 0 {
		if err := o.deps.Store.SaveDocuments(ctx, jobID, req.Documents); err != nil {
			return nil, fmt.Errorf("saving submitted documents: %w", err)
		}
		for _, d := range req.Documents {
			cp.CandidateDocumentIDs = append(cp.CandidateDocumentIDs, d.ID)
		}
	}
	if err := o.deps.Store.Commit(ctx, cp, base); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}

	o.logger.Info("job started",
		zap.String("job", jobID),
		zap.String("parent", req.ParentJobID),
		zap.Int("report_version", base.Version),
		zap.Int("submitted", len(req.Documents)),
	)
	return o.execute(ctx, cp, base)
}

// Resume continues a job from its checkpoint. Stages already completed and
// documents already evaluated are not run again. Resuming a completed job
// returns its checkpoint unchanged.
func (o *Orchestrator) Resume(ctx context.Context, jobID string) (*types.Checkpoint, error) {
	cp, err := o.deps.Store.LoadCheckpoint(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if cp.Terminal() {
		o.logger.Info("job already completed", zap.String("job", jobID))
		return cp, nil
	}
	base, err := o.deps.Store.LoadReport(ctx, jobID)
	if err != nil {
		return cp, fmt.Errorf("loading report: %w", err)
	}
	base.RecomputeCoverage(o.coverage)

	o.logger.Info("job resumed",
		zap.String("job", jobID),
		zap.String("stage", string(cp.Stage)),
		zap.String("previous_status", string(cp.Status)),
		zap.Int("iteration", cp.Iteration),
		zap.Int("remaining", len(cp.Remaining())),
	)
	cp.Status = types.JobRunning
	cp.Error = ""
	return o.execute(ctx, cp, base)
}

// Continue starts a child job of parentJobID over newly submitted
// documents plus whatever the source lists after the parent's marker.
func (o *Orchestrator) Continue(ctx context.Context, parentJobID string, docs []types.Document) (*types.Checkpoint, error) {
	return o.Start(ctx, RunRequest{ParentJobID: parentJobID, Documents: docs})
}

// Status returns the job's checkpoint.
func (o *Orchestrator) Status(ctx context.Context, jobID string) (*types.Checkpoint, error) {
	return o.deps.Store.LoadCheckpoint(ctx, jobID)
}

// Jobs returns every job's checkpoint, oldest first.
func (o *Orchestrator) Jobs(ctx context.Context) ([]*types.Checkpoint, error) {
	return o.deps.Store.ListCheckpoints(ctx)
}

// Report returns the job's current report.
func (o *Orchestrator) Report(ctx context.Context, jobID string) (*types.Report, error) {
	r, err := o.deps.Store.LoadReport(ctx, jobID)
	if err != nil {
		return nil, err
	}
	r.RecomputeCoverage(o.coverage)
	return r, nil
}

// Gaps extracts the open gaps of the job's current report, optionally
// narrowed to one pillar.
func (o *Orchestrator) Gaps(ctx context.Context, jobID, pillar string) ([]types.Gap, error) {
	r, err := o.deps.Store.LoadReport(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return gaps.Extract(r, gaps.Options{
		Threshold:    o.cfg.Gap.Threshold,
		PillarFilter: pillar,
		Coverage:     o.coverage,
	})
}

// MergeReports merges incremental into the job's report with policy (the
// configured policy when empty) and commits the result.
func (o *Orchestrator) MergeReports(ctx context.Context, jobID string, incremental *types.Report, policy types.ConflictPolicy) (*merge.Result, error) {
	cp, err := o.deps.Store.LoadCheckpoint(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if cp.Status == types.JobRunning {
		o.logger.Warn("merging into a job that is not stopped", zap.String("job", jobID))
	}

	o.mergeMu.Lock()
	defer o.mergeMu.Unlock()

	base, err := o.deps.Store.LoadReport(ctx, jobID)
	if err != nil {
		return nil, err
	}
	res, err := o.merge(base, incremental, jobID, policy)
	if err != nil {
		return nil, err
	}
	cp.ReportVersion = res.Report.Version
	cp.UpdatedAt = o.deps.Now().UTC()
	if err := o.deps.Store.Commit(ctx, cp, res.Report); err != nil {
		return nil, fmt.Errorf("saving merged report: %w", err)
	}
	return res, nil
}

// Lineage returns the job's ancestry from the root job down.
func (o *Orchestrator) Lineage(ctx context.Context, jobID string) ([]*types.Checkpoint, error) {
	return store.Lineage(ctx, o.deps.Store, jobID)
}

// merge runs the result merger with the orchestrator's settings. Callers
// hold mergeMu.
func (o *Orchestrator) merge(base, incremental *types.Report, jobID string, policy types.ConflictPolicy) (*merge.Result, error) {
	if policy == "" {
		policy = o.cfg.Merge.Policy
	}
	res, err := merge.Merge(base, incremental, merge.Options{
		Policy:   policy,
		Coverage: o.coverage,
		Now:      o.deps.Now,
		JobID:    jobID,
		Logger:   o.logger,
	})
	if err != nil {
		return nil, err
	}
	o.metrics.observeMerge(res.Stats, res.Report.Version)
	return res, nil
}
