// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pdiddy/evidence-engine/internal/gaps"
	"github.com/pdiddy/evidence-engine/internal/prioritize"
	"github.com/pdiddy/evidence-engine/internal/relevance"
	"github.com/pdiddy/evidence-engine/internal/retry"
	"github.com/pdiddy/evidence-engine/pkg/types"
)

// Stop reasons recorded on completed checkpoints besides the
// prioritizer's own.
const (
	StopSinglePass    = "single_pass"
	StopMaxIterations = "max_iterations"
)

const (
	defaultBatchSize     = 3
	defaultMaxIterations = 3
	defaultPassFraction  = 0.5
)

// run is one job's in-memory state. Everything in it can be rebuilt from
// the store, which is what Resume does.
type run struct {
	o      *Orchestrator
	cp     *types.Checkpoint
	base   *types.Report
	logger *zap.Logger

	// gaps caches the open gaps of base; cleared when base changes.
	gaps []types.Gap

	prio *prioritize.Prioritizer
	// lastBatch holds the work items run by the latest deep pass.
	lastBatch []string
}

// execute drives the job from its checkpointed stage to the end.
func (o *Orchestrator) execute(ctx context.Context, cp *types.Checkpoint, base *types.Report) (*types.Checkpoint, error) {
	r := &run{o: o, cp: cp, base: base, logger: o.logger.With(zap.String("job", cp.JobID))}
	if err := r.save(ctx); err != nil {
		return cp, err
	}

	for cp.Stage != types.StageDone {
		if err := ctx.Err(); err != nil {
			return r.stop(ctx, err)
		}
		stage := cp.Stage
		start := time.Now()
		err := r.step(ctx)
		o.metrics.observeStage(stage, time.Since(start))
		if err != nil {
			return r.stop(ctx, err)
		}
		r.logger.Debug("stage finished", zap.String("stage", string(stage)), zap.Duration("took", time.Since(start)))
	}

	cp.Status = types.JobCompleted
	if err := r.save(ctx); err != nil {
		return cp, err
	}
	r.logger.Info("job completed",
		zap.Int("iterations", cp.Iteration+1),
		zap.Int("report_version", cp.ReportVersion),
		zap.String("stop_reason", cp.StopReason),
	)
	return cp, nil
}

func (r *run) step(ctx context.Context) error {
	switch r.cp.Stage {
	case types.StageIntake:
		return r.intake(ctx)
	case types.StageEvaluate:
		return r.evaluate(ctx)
	case types.StageAdjudicate:
		return r.adjudicate(ctx)
	case types.StageAppeal:
		return r.appeal(ctx)
	case types.StageSync:
		return r.sync(ctx)
	case types.StageGapAnalysis:
		return r.gapAnalysis(ctx)
	case types.StageDeepPass:
		return r.deepPass(ctx)
	default:
		return &types.FatalError{Err: fmt.Errorf("unknown stage %q", r.cp.Stage)}
	}
}

// stop records why the job halted. Once ctx is cancelled any non-fatal error
// yields a cancelled checkpoint, including a transient failure from a call
// that was in flight; anything else fails the current stage.
func (r *run) stop(ctx context.Context, err error) (*types.Checkpoint, error) {
	if ctx.Err() != nil && retry.Classify(err) != retry.KindFatal {
		r.cp.Status = types.JobCancelled
		r.cp.Error = ""
		if serr := r.save(ctx); serr != nil {
			r.logger.Error("saving cancelled checkpoint", zap.Error(serr))
		}
		r.logger.Warn("job cancelled",
			zap.String("stage", string(r.cp.Stage)),
			zap.Int("remaining", len(r.cp.Remaining())),
		)
		return r.cp, ctx.Err()
	}

	var sf *types.StageFailedError
	if !errors.As(err, &sf) {
		err = &types.StageFailedError{Stage: r.cp.Stage, Err: err}
	}
	r.cp.Status = types.JobFailed
	r.cp.Error = err.Error()
	if serr := r.save(ctx); serr != nil {
		r.logger.Error("saving failed checkpoint", zap.Error(serr))
	}
	r.logger.Error("job failed", zap.String("stage", string(r.cp.Stage)), zap.Error(err))
	return r.cp, err
}

// save persists the checkpoint even when ctx is cancelled.
func (r *run) save(ctx context.Context) error {
	r.cp.UpdatedAt = r.o.deps.Now().UTC()
	if err := r.o.deps.Store.SaveCheckpoint(context.WithoutCancel(ctx), r.cp); err != nil {
		return fmt.Errorf("saving checkpoint: %w", err)
	}
	return nil
}

func (r *run) finish(ctx context.Context, reason string) error {
	r.cp.StopReason = reason
	r.cp.Stage = types.StageDone
	return r.save(ctx)
}

func (r *run) openGaps() ([]types.Gap, error) {
	if r.gaps != nil {
		return r.gaps, nil
	}
	gs, err := gaps.Extract(r.base, gaps.Options{
		Threshold: r.o.cfg.Gap.Threshold,
		Coverage:  r.o.coverage,
	})
	if err != nil {
		return nil, fmt.Errorf("extracting gaps: %w", err)
	}
	if gs == nil {
		gs = []types.Gap{}
	}
	r.gaps = gs
	return gs, nil
}

func (r *run) loadDocuments(ctx context.Context) (map[string]types.Document, error) {
	docs, err := r.o.deps.Store.LoadDocuments(ctx, r.cp.JobID)
	if err != nil {
		return nil, fmt.Errorf("loading documents: %w", err)
	}
	out := make(map[string]types.Document, len(docs))
	for _, d := range docs {
		out[d.ID] = d
	}
	return out, nil
}

// intake gathers this iteration's candidates and keeps the ones relevant
// to open gaps. The first iteration lists the source; later iterations
// take what the deep pass found, unfiltered.
func (r *run) intake(ctx context.Context) error {
	cp := r.cp
	known, err := r.loadDocuments(ctx)
	if err != nil {
		return err
	}

	var candidates []types.Document
	seen := make(map[string]bool)
	for _, id := range cp.CandidateDocumentIDs {
		if d, ok := known[id]; ok && !seen[id] {
			seen[id] = true
			candidates = append(candidates, d)
		}
	}

	marker := cp.SourceMarker
	if cp.Iteration == 0 {
		listed, next, err := r.o.deps.Source.ListNewDocuments(ctx, cp.SourceMarker)
		if err != nil {
			return fmt.Errorf("listing new documents: %w", err)
		}
		for _, d := range listed {
			if err := d.Validate(); err != nil {
				r.logger.Warn("skipping invalid document", zap.Error(err))
				continue
			}
			if seen[d.ID] {
				continue
			}
			seen[d.ID] = true
			candidates = append(candidates, d)
		}
		marker = next
	}
	if err := r.o.deps.Store.SaveDocuments(ctx, cp.JobID, candidates); err != nil {
		return fmt.Errorf("saving candidates: %w", err)
	}

	gs, err := r.openGaps()
	if err != nil {
		return err
	}

	pending := documentIDs(candidates)
	if cp.Iteration == 0 && len(gs) > 0 && len(candidates) > 0 {
		results, err := r.o.scorer.ScoreBatch(ctx, candidates, gs)
		if err != nil {
			return err
		}
		cutoff := r.o.cfg.Relevance.Cutoff
		if cutoff <= 0 {
			pf := r.o.cfg.Relevance.PassFraction
			if pf <= 0 {
				pf = defaultPassFraction
			}
			cutoff = relevance.SuggestThreshold(results, pf)
		}
		kept := relevance.Filter(results, cutoff)
		pending = make([]string, len(kept))
		for i, res := range kept {
			pending[i] = res.DocumentID
		}
		r.logger.Info("relevance filter applied",
			zap.Float64("cutoff", cutoff),
			zap.Int("candidates", len(candidates)),
			zap.Int("kept", len(kept)),
		)
	}

	cp.CandidateDocumentIDs = documentIDs(candidates)
	cp.PendingDocumentIDs = pending
	cp.CompletedDocumentIDs = nil
	cp.AppealedDocumentIDs = nil
	cp.FilteredCount = len(candidates) - len(pending)
	cp.SourceMarker = marker
	cp.Stage = types.StageEvaluate

	r.o.metrics.IntakeDocuments.WithLabelValues("kept").Add(float64(len(pending)))
	r.o.metrics.IntakeDocuments.WithLabelValues("filtered").Add(float64(cp.FilteredCount))
	return r.save(ctx)
}

func (r *run) evaluate(ctx context.Context) error {
	gs, err := r.openGaps()
	if err != nil {
		return err
	}
	docs, err := r.loadDocuments(ctx)
	if err != nil {
		return err
	}

	ectx := types.EvalContext{
		JobID:     r.cp.JobID,
		Stage:     types.StageEvaluate,
		Iteration: r.cp.Iteration,
		Gaps:      gs,
	}
	err = r.evaluateAll(ctx, r.cp.Remaining(), docs,
		func(string) types.EvalContext { return ectx },
		func(id string) { r.cp.CompletedDocumentIDs = append(r.cp.CompletedDocumentIDs, id) },
	)
	if err != nil {
		return err
	}
	r.cp.Stage = types.StageAdjudicate
	return r.save(ctx)
}

// adjudicate sorts this iteration's claims into accepted evidence and
// appeal candidates. It only reads persisted results; sync rebuilds the
// same incremental report.
func (r *run) adjudicate(ctx context.Context) error {
	results, err := r.o.deps.Store.LoadEvaluations(ctx, r.cp.JobID, r.cp.Iteration, types.StageEvaluate)
	if err != nil {
		return fmt.Errorf("loading evaluations: %w", err)
	}
	inc, warnings := r.buildIncremental(results, nil)
	for _, w := range warnings {
		r.logger.Warn(w)
	}
	candidates := r.appealCandidates(results)
	r.logger.Info("adjudicated claims",
		zap.Int("documents", len(results)),
		zap.Int("accepted_evidence", inc.EvidenceCount()),
		zap.Int("appeal_candidates", len(candidates)),
	)

	if r.o.cfg.EnableAppeal && len(candidates) > 0 {
		r.cp.Stage = types.StageAppeal
	} else {
		r.cp.Stage = types.StageSync
	}
	return r.save(ctx)
}

func (r *run) appeal(ctx context.Context) error {
	results, err := r.o.deps.Store.LoadEvaluations(ctx, r.cp.JobID, r.cp.Iteration, types.StageEvaluate)
	if err != nil {
		return fmt.Errorf("loading evaluations: %w", err)
	}
	candidates := r.appealCandidates(results)

	done := make(map[string]bool, len(r.cp.AppealedDocumentIDs))
	for _, id := range r.cp.AppealedDocumentIDs {
		done[id] = true
	}
	var ids []string
	for _, res := range results {
		if _, ok := candidates[res.DocumentID]; ok && !done[res.DocumentID] {
			ids = append(ids, res.DocumentID)
		}
	}

	// Only the first entry into the stage asks; a resumed appeal was
	// already approved.
	if len(ids) > 0 && len(r.cp.AppealedDocumentIDs) == 0 {
		ok, err := r.confirmAppeal(ctx, ids)
		if err != nil {
			return err
		}
		if !ok {
			r.logger.Info("appeal declined", zap.Int("candidates", len(ids)))
			r.cp.Stage = types.StageSync
			return r.save(ctx)
		}
	}

	gs, err := r.openGaps()
	if err != nil {
		return err
	}
	docs, err := r.loadDocuments(ctx)
	if err != nil {
		return err
	}
	err = r.evaluateAll(ctx, ids, docs,
		func(id string) types.EvalContext {
			return types.EvalContext{
				JobID:     r.cp.JobID,
				Stage:     types.StageAppeal,
				Iteration: r.cp.Iteration,
				Gaps:      gs,
				Prior:     candidates[id],
			}
		},
		func(id string) { r.cp.AppealedDocumentIDs = append(r.cp.AppealedDocumentIDs, id) },
	)
	if err != nil {
		return err
	}
	r.cp.Stage = types.StageSync
	return r.save(ctx)
}

func (r *run) sync(ctx context.Context) error {
	evals, err := r.o.deps.Store.LoadEvaluations(ctx, r.cp.JobID, r.cp.Iteration, types.StageEvaluate)
	if err != nil {
		return fmt.Errorf("loading evaluations: %w", err)
	}
	appeals, err := r.o.deps.Store.LoadEvaluations(ctx, r.cp.JobID, r.cp.Iteration, types.StageAppeal)
	if err != nil {
		return fmt.Errorf("loading appeals: %w", err)
	}

	inc, _ := r.buildIncremental(evals, appeals)
	if inc.EvidenceCount() == 0 {
		r.logger.Info("no accepted evidence to merge")
		r.cp.Stage = types.StageGapAnalysis
		return r.save(ctx)
	}

	r.o.mergeMu.Lock()
	res, err := r.o.merge(r.base, inc, r.cp.JobID, "")
	r.o.mergeMu.Unlock()
	if err != nil {
		return err
	}
	for _, c := range res.Conflicts {
		r.logger.Info("merge conflict", zap.Error(c.Err()), zap.String("resolution", string(c.Resolution)))
	}
	for _, w := range res.Warnings {
		r.logger.Warn(w)
	}

	r.base = res.Report
	r.gaps = nil
	r.cp.ReportVersion = res.Report.Version
	r.cp.Stage = types.StageGapAnalysis
	r.cp.UpdatedAt = r.o.deps.Now().UTC()
	if err := r.o.deps.Store.Commit(context.WithoutCancel(ctx), r.cp, res.Report); err != nil {
		return fmt.Errorf("saving merged report: %w", err)
	}
	r.logger.Info("merged iteration",
		zap.Int("iteration", r.cp.Iteration),
		zap.Int("version", res.Report.Version),
		zap.Int("evidence_added", res.Stats.EvidenceAdded),
		zap.Int("papers_added", res.Stats.PapersAdded),
		zap.Int("conflicts", res.Stats.Conflicts),
	)
	return nil
}

// gapAnalysis re-extracts gaps from the merged report and decides whether
// another deep pass is worth running.
func (r *run) gapAnalysis(ctx context.Context) error {
	gs, err := r.openGaps()
	if err != nil {
		return err
	}
	r.o.metrics.OpenGaps.Set(float64(len(gs)))
	r.logger.Info("gap analysis", zap.Int("open_gaps", len(gs)), zap.Int("iteration", r.cp.Iteration))

	if len(gs) == 0 {
		return r.finish(ctx, string(prioritize.StopConverged))
	}
	if !r.o.cfg.EnableDeepPass {
		return r.finish(ctx, StopSinglePass)
	}
	maxIter := r.o.cfg.Prioritizer.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}
	if r.cp.Iteration >= maxIter {
		return r.finish(ctx, StopMaxIterations)
	}

	if r.prio == nil {
		if err := r.plan(ctx, gs); err != nil {
			return err
		}
	} else {
		if err := r.prio.Recalculate(r.lastBatch, r.base); err != nil {
			return fmt.Errorf("recalculating priorities: %w", err)
		}
		r.lastBatch = nil
	}
	if done, reason := r.prio.Done(); done {
		return r.finish(ctx, string(reason))
	}
	r.cp.Stage = types.StageDeepPass
	return r.save(ctx)
}

// plan builds the prioritizer: search items when a searcher is available
// and review items for first-iteration documents the relevance filter
// dropped but that matched some gap.
func (r *run) plan(ctx context.Context, gs []types.Gap) error {
	var items []types.WorkItem
	if r.o.deps.Searcher != nil {
		items = prioritize.PlanSearchItems(gs)
	}

	if r.cp.Iteration == 0 && r.cp.FilteredCount > 0 {
		pending := make(map[string]bool, len(r.cp.PendingDocumentIDs))
		for _, id := range r.cp.PendingDocumentIDs {
			pending[id] = true
		}
		known, err := r.loadDocuments(ctx)
		if err != nil {
			return err
		}
		var filtered []types.Document
		for _, id := range r.cp.CandidateDocumentIDs {
			if d, ok := known[id]; ok && !pending[id] {
				filtered = append(filtered, d)
			}
		}
		results, err := r.o.scorer.ScoreBatch(ctx, filtered, gs)
		if err != nil {
			return err
		}
		matches := make(map[string][]string)
		for _, res := range results {
			for _, m := range res.MatchedGaps {
				matches[res.DocumentID] = append(matches[res.DocumentID], m.GapID)
			}
		}
		items = append(items, prioritize.PlanReviewItems(matches)...)
	}

	r.prio = prioritize.New(items, gs, prioritize.Config{
		PrioritizerConfig: r.o.cfg.Prioritizer,
		Coverage:          r.o.coverage,
		Now:               r.o.deps.Now,
	})
	r.logger.Info("planned deep-pass work", zap.Int("items", len(items)))
	return nil
}

// deepPass runs the next batch of work items and hands what they found to
// the next iteration's intake.
func (r *run) deepPass(ctx context.Context) error {
	gs, err := r.openGaps()
	if err != nil {
		return err
	}
	if r.prio == nil {
		if err := r.plan(ctx, gs); err != nil {
			return err
		}
	}

	size := r.o.cfg.Prioritizer.BatchSize
	if size <= 0 {
		size = defaultBatchSize
	}
	batch := r.prio.NextBatch(size)
	if len(batch) == 0 {
		_, reason := r.prio.Done()
		return r.finish(ctx, string(reason))
	}

	known, err := r.loadDocuments(ctx)
	if err != nil {
		return err
	}
	cited := r.base.DocumentIDs()
	var found []types.Document
	taken := make(map[string]bool)
	add := func(d types.Document) {
		if taken[d.ID] || cited[d.ID] {
			return
		}
		taken[d.ID] = true
		found = append(found, d)
	}

	for _, it := range batch {
		switch it.Kind {
		case types.WorkSearch:
			if r.o.deps.Searcher == nil {
				continue
			}
			docs, err := r.search(ctx, it.Query)
			if err != nil {
				if ctx.Err() != nil {
					return err
				}
				r.logger.Warn("search failed", zap.String("query", it.Query), zap.Error(err))
				break
			}
			for _, d := range docs {
				if d.Validate() != nil {
					continue
				}
				if _, ok := known[d.ID]; ok {
					continue
				}
				add(d)
			}
		case types.WorkReview:
			if d, ok := known[it.DocumentID]; ok {
				add(d)
			}
		}
		r.lastBatch = append(r.lastBatch, it.ID)
	}

	if err := r.o.deps.Store.SaveDocuments(ctx, r.cp.JobID, found); err != nil {
		return fmt.Errorf("saving deep-pass documents: %w", err)
	}
	r.logger.Info("deep pass",
		zap.Int("iteration", r.cp.Iteration),
		zap.Int("work_items", len(batch)),
		zap.Int("documents_found", len(found)),
	)

	r.cp.Iteration++
	r.cp.Stage = types.StageIntake
	r.cp.CandidateDocumentIDs = documentIDs(found)
	r.cp.PendingDocumentIDs = nil
	r.cp.CompletedDocumentIDs = nil
	r.cp.AppealedDocumentIDs = nil
	r.cp.FilteredCount = 0
	return r.save(ctx)
}

func (r *run) search(ctx context.Context, query string) ([]types.Document, error) {
	var docs []types.Document
	err := r.o.retry.Do(ctx, func(c context.Context) error {
		var err error
		docs, err = r.o.deps.Searcher.Search(c, query, r.o.cfg.Search.MaxResults)
		return err
	})
	return docs, err
}

func documentIDs(docs []types.Document) []string {
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	return ids
}
