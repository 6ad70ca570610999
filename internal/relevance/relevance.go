// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package relevance scores candidate documents against open gaps so that the
// pipeline only spends evaluator calls on documents likely to close them.
//
// A document's score is the maximum of its per-gap sub-scores: a document
// that strongly supports one critical gap is not diluted by its irrelevance
// to unrelated gaps. The top three sub-scores are kept for explainability.
package relevance

import (
	"context"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pdiddy/evidence-engine/pkg/types"
)

// TopMatches is the number of matched gaps kept on each result.
const TopMatches = 3

// GapMatch is one gap's sub-score for a document.
type GapMatch struct {
	GapID string  `json:"gap_id" yaml:"gap_id"`
	Score float64 `json:"score" yaml:"score"`
}

// Result is a document's relevance to a gap set.
type Result struct {
	DocumentID  string     `json:"document_id" yaml:"document_id"`
	Score       float64    `json:"score" yaml:"score"`
	MatchedGaps []GapMatch `json:"matched_gaps" yaml:"matched_gaps"`
}

// Strategy turns a gap set into a Matcher. Implementations precompute
// whatever per-gap representation they need once per batch.
type Strategy interface {
	Name() string
	Prepare(gaps []types.Gap) Matcher
}

// Matcher computes per-gap sub-scores in [0,1] for one document, aligned
// with the gap slice passed to Prepare.
type Matcher interface {
	SubScores(doc types.Document) []float64
}

// Scorer applies a Strategy to documents.
type Scorer struct {
	strategy       Strategy
	workers        int
	indexThreshold int
	logger         *zap.Logger
}

// NewScorer builds a Scorer from configuration.
func NewScorer(cfg types.RelevanceConfig, logger *zap.Logger) (*Scorer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var strategy Strategy
	switch cfg.Strategy {
	case "", types.RelevanceKeyword:
		strategy = Keyword{}
	case types.RelevanceEmbedding:
		strategy = Embedding{Dimensions: cfg.Dimensions}
	default:
		return nil, &types.ValidationError{
			Subject:  "relevance strategy",
			Problems: []string{fmt.Sprintf("unknown strategy %q: use keyword or embedding", cfg.Strategy)},
		}
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}

	return &Scorer{
		strategy:       strategy,
		workers:        workers,
		indexThreshold: cfg.IndexThreshold,
		logger:         logger,
	}, nil
}

// NewScorerWithStrategy builds a Scorer around an explicit strategy.
func NewScorerWithStrategy(strategy Strategy, workers int, logger *zap.Logger) *Scorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if workers <= 0 {
		workers = 4
	}
	return &Scorer{strategy: strategy, workers: workers, logger: logger}
}

// Strategy returns the scorer's strategy name.
func (s *Scorer) Strategy() string { return s.strategy.Name() }

// Score scores one document against gaps.
func (s *Scorer) Score(doc types.Document, gaps []types.Gap) Result {
	if len(gaps) == 0 {
		return Result{DocumentID: doc.ID, MatchedGaps: []GapMatch{}}
	}
	return buildResult(doc.ID, gaps, s.strategy.Prepare(gaps).SubScores(doc))
}

// ScoreBatch scores documents concurrently. Results are aligned with docs.
// Work is O(len(docs) × len(gaps)); with the embedding strategy and a batch
// larger than the index threshold, gaps are loaded into a nearest-neighbour
// index and each document only ranks its closest gaps.
func (s *Scorer) ScoreBatch(ctx context.Context, docs []types.Document, gaps []types.Gap) ([]Result, error) {
	results := make([]Result, len(docs))
	if len(docs) == 0 {
		return results, nil
	}
	if len(gaps) == 0 {
		for i, d := range docs {
			results[i] = Result{DocumentID: d.ID, MatchedGaps: []GapMatch{}}
		}
		return results, nil
	}

	matcher, err := s.batchMatcher(ctx, gaps, len(docs))
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i := range docs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = buildResult(docs[i].ID, gaps, matcher.SubScores(docs[i]))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("scoring documents: %w", err)
	}

	s.logger.Debug("scored relevance batch",
		zap.String("strategy", s.strategy.Name()),
		zap.Int("documents", len(docs)),
		zap.Int("gaps", len(gaps)),
	)
	return results, nil
}

func (s *Scorer) batchMatcher(ctx context.Context, gaps []types.Gap, numDocs int) (Matcher, error) {
	emb, ok := s.strategy.(Embedding)
	if !ok || s.indexThreshold <= 0 || numDocs*len(gaps) <= s.indexThreshold {
		return s.strategy.Prepare(gaps), nil
	}
	s.logger.Info("using nearest-neighbour gap index",
		zap.Int("documents", numDocs),
		zap.Int("gaps", len(gaps)),
		zap.Int("threshold", s.indexThreshold),
	)
	return newIndexMatcher(ctx, emb, gaps)
}

// buildResult turns sub-scores into a Result with the top matches.
func buildResult(docID string, gaps []types.Gap, scores []float64) Result {
	matches := make([]GapMatch, 0, len(gaps))
	best := 0.0
	for i, sc := range scores {
		sc = clamp01(sc)
		if sc > best {
			best = sc
		}
		if sc > 0 {
			matches = append(matches, GapMatch{GapID: gaps[i].SubRequirementID, Score: sc})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > TopMatches {
		matches = matches[:TopMatches]
	}
	return Result{DocumentID: docID, Score: best, MatchedGaps: matches}
}

// SuggestThreshold returns the relevance cutoff that lets roughly
// passFraction of the scored documents through. It is a convenience for
// picking a cutoff, not a guarantee: ties at the cutoff all pass.
func SuggestThreshold(results []Result, passFraction float64) float64 {
	if len(results) == 0 {
		return 0
	}
	if passFraction <= 0 {
		return 1
	}
	if passFraction >= 1 {
		return 0
	}

	scores := make([]float64, len(results))
	for i, r := range results {
		scores[i] = r.Score
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(scores)))

	k := int(math.Ceil(passFraction * float64(len(scores))))
	if k < 1 {
		k = 1
	}
	return scores[k-1]
}

// Filter keeps results scoring at least cutoff, most relevant first. Ties
// keep their input order.
func Filter(results []Result, cutoff float64) []Result {
	var kept []Result
	for _, r := range results {
		if r.Score >= cutoff && r.Score > 0 {
			kept = append(kept, r)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Score > kept[j].Score
	})
	return kept
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
