// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package pipeline

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pdiddy/evidence-engine/internal/prompt"
	"github.com/pdiddy/evidence-engine/internal/retry"
	"github.com/pdiddy/evidence-engine/pkg/types"
)

// outcome is one finished document handed from a worker to the collector.
type outcome struct {
	id      string
	result  types.EvaluationResult
	skipped bool
}

// evaluateAll evaluates ids on a bounded worker pool. A single collector
// persists each result, calls markDone and saves the checkpoint, so a
// document counts as done only once its result is stored. The first fatal
// or exhausted error cancels the remaining work; calls already in flight
// finish and are recorded.
func (r *run) evaluateAll(ctx context.Context, ids []string, docs map[string]types.Document,
	ectxFor func(id string) types.EvalContext, markDone func(id string)) error {
	if len(ids) == 0 {
		return nil
	}

	results := make(chan outcome, len(ids))
	persistCtx := context.WithoutCancel(ctx)
	var persistErr error
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for out := range results {
			if persistErr != nil {
				continue
			}
			if !out.skipped {
				if err := r.o.deps.Store.SaveEvaluation(persistCtx, r.cp.JobID, out.result); err != nil {
					persistErr = err
					continue
				}
			}
			markDone(out.id)
			if err := r.save(persistCtx); err != nil {
				persistErr = err
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.o.cfg.Workers)
	for _, id := range ids {
		if gctx.Err() != nil {
			break
		}
		doc, ok := docs[id]
		if !ok {
			r.logger.Warn("pending document missing from store; skipping", zap.String("document", id))
			results <- outcome{id: id, skipped: true}
			continue
		}
		ectx := ectxFor(id)
		g.Go(func() error {
			res, err := r.callEvaluator(gctx, doc, ectx)
			switch {
			case err == nil:
				results <- outcome{id: id, result: res}
				return nil
			case retry.Classify(err) == retry.KindInvalid:
				r.logger.Warn("evaluator rejected document; skipping",
					zap.String("document", id), zap.String("stage", string(ectx.Stage)), zap.Error(err))
				results <- outcome{id: id, skipped: true}
				return nil
			default:
				return fmt.Errorf("evaluating %s: %w", id, err)
			}
		})
	}
	err := g.Wait()
	close(results)
	<-collected

	if persistErr != nil {
		return fmt.Errorf("persisting evaluation: %w", persistErr)
	}
	return err
}

// callEvaluator runs one evaluation under the shared limiter and the retry
// policy. The evaluator call itself is detached from ctx so a call that has
// started is allowed to finish.
func (r *run) callEvaluator(ctx context.Context, doc types.Document, ectx types.EvalContext) (types.EvaluationResult, error) {
	var res types.EvaluationResult
	err := r.o.retry.Do(ctx, func(c context.Context) error {
		if err := c.Err(); err != nil {
			return err
		}
		if err := r.o.limiter.Wait(c); err != nil {
			return err
		}
		out, err := r.o.deps.Evaluator.Evaluate(context.WithoutCancel(c), doc, ectx)
		label := "ok"
		if err != nil {
			label = string(retry.Classify(err))
		}
		r.o.metrics.EvaluatorCalls.WithLabelValues(string(ectx.Stage), label).Inc()
		if err != nil {
			return err
		}
		res = out
		return nil
	})
	if err != nil {
		return res, err
	}
	res.DocumentID = doc.ID
	res.Stage = ectx.Stage
	res.Iteration = ectx.Iteration
	if res.EvaluatedAt.IsZero() {
		res.EvaluatedAt = r.o.deps.Now().UTC()
	}
	return res, nil
}

// appealCandidates returns, per document, the claims that fell within the
// appeal margin below the accept score.
func (r *run) appealCandidates(results []types.EvaluationResult) map[string][]types.Claim {
	accept := r.o.cfg.AcceptScore
	low := accept - r.o.cfg.AppealMargin
	out := make(map[string][]types.Claim)
	for _, res := range results {
		for _, c := range res.Claims {
			if c.Score < low || c.Score >= accept {
				continue
			}
			if _, ok := r.base.SubRequirement(c.SubRequirementID); !ok {
				continue
			}
			out[res.DocumentID] = append(out[res.DocumentID], c)
		}
	}
	return out
}

func (r *run) confirmAppeal(ctx context.Context, ids []string) (bool, error) {
	if r.o.deps.Prompter == nil {
		return true, nil
	}
	resp, err := prompt.Ask(ctx, r.o.deps.Prompter, prompt.Request{
		Question: fmt.Sprintf("Re-evaluate %d borderline documents?", len(ids)),
		Detail:   fmt.Sprintf("job %s, iteration %d", r.cp.JobID, r.cp.Iteration),
		Default:  r.o.cfg.Prompt.DefaultAppeal,
		Timeout:  r.o.cfg.Prompt.Timeout,
	})
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		r.logger.Warn("appeal prompt failed; using default", zap.Error(err))
	}
	if resp.Defaulted {
		r.logger.Info("appeal prompt defaulted", zap.Bool("answer", resp.Answer))
	}
	return resp.Answer, nil
}

// buildIncremental turns accepted claims into an incremental report shaped
// like the base. One evidence item is kept per sub-requirement and
// document, the highest scoring one; appeals follow evaluations so an equal
// appeal score does not replace the original claim.
func (r *run) buildIncremental(evals, appeals []types.EvaluationResult) (*types.Report, []string) {
	var warnings []string
	best := make(map[string]map[string]types.Evidence)
	accept := func(res types.EvaluationResult) {
		for _, c := range res.Claims {
			if c.Score < r.o.cfg.AcceptScore {
				continue
			}
			if err := c.Validate(); err != nil {
				warnings = append(warnings, fmt.Sprintf("document %s: %v", res.DocumentID, err))
				continue
			}
			if _, ok := r.base.SubRequirement(c.SubRequirementID); !ok {
				warnings = append(warnings, fmt.Sprintf("document %s claims unknown sub-requirement %s", res.DocumentID, c.SubRequirementID))
				continue
			}
			e := c.Evidence(res.DocumentID)
			byDoc := best[c.SubRequirementID]
			if byDoc == nil {
				byDoc = make(map[string]types.Evidence)
				best[c.SubRequirementID] = byDoc
			}
			if prev, ok := byDoc[res.DocumentID]; ok && prev.Score >= e.Score {
				continue
			}
			byDoc[res.DocumentID] = e
		}
	}
	for _, res := range evals {
		accept(res)
	}
	for _, res := range appeals {
		accept(res)
	}

	inc := &types.Report{
		ID:        r.base.ID,
		Title:     r.base.Title,
		Version:   r.base.Version,
		CreatedAt: r.base.CreatedAt,
		UpdatedAt: r.o.deps.Now().UTC(),
	}
	for _, p := range r.base.Pillars {
		var reqs []types.Requirement
		for _, req := range p.Requirements {
			var subs []types.SubRequirement
			for _, sub := range req.SubRequirements {
				byDoc := best[sub.ID]
				if len(byDoc) == 0 {
					continue
				}
				docIDs := make([]string, 0, len(byDoc))
				for id := range byDoc {
					docIDs = append(docIDs, id)
				}
				sort.Strings(docIDs)
				evidence := make([]types.Evidence, len(docIDs))
				for i, id := range docIDs {
					evidence[i] = byDoc[id]
				}
				subs = append(subs, types.SubRequirement{
					ID:          sub.ID,
					Description: sub.Description,
					Keywords:    append([]string(nil), sub.Keywords...),
					Severity:    sub.Severity,
					Evidence:    evidence,
				})
			}
			if len(subs) > 0 {
				reqs = append(reqs, types.Requirement{ID: req.ID, Title: req.Title, SubRequirements: subs})
			}
		}
		if len(reqs) > 0 {
			inc.Pillars = append(inc.Pillars, types.Pillar{ID: p.ID, Name: p.Name, Requirements: reqs})
		}
	}
	return inc, warnings
}
