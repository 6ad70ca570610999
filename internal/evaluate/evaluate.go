// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package evaluate judges documents against open gaps. An Evaluator returns
// claims mapped to sub-requirement ids, each with a score in [0,1]. This is
// the costly call the pipeline rate-limits and retries, so implementations
// must return the same claims for the same document and context.
package evaluate

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pdiddy/evidence-engine/pkg/types"
)

// Evaluator judges one document against the gaps in ectx. Errors should be
// classified with the types error taxonomy so the caller can decide whether
// to retry.
type Evaluator interface {
	Evaluate(ctx context.Context, doc types.Document, ectx types.EvalContext) (types.EvaluationResult, error)
}

// New builds the evaluator selected by cfg.Backend.
func New(cfg types.EvaluatorConfig, logger *zap.Logger) (Evaluator, error) {
	switch cfg.Backend {
	case "", types.EvaluatorLexical:
		return &Lexical{}, nil
	case types.EvaluatorClaude:
		if cfg.APIKey == "" {
			return nil, &types.ValidationError{
				Subject:  "evaluator config",
				Problems: []string{"claude backend needs an API key (set evaluator.api_key or .secrets/anthropic-api-key)"},
			}
		}
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 2 * time.Minute
		}
		return &ClaudeBackend{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
			UserAgent: cfg.UserAgent,
			Client:    &http.Client{Timeout: timeout},
			Logger:    logger,
		}, nil
	default:
		return nil, &types.ValidationError{
			Subject:  "evaluator config",
			Problems: []string{fmt.Sprintf("unknown backend %q: use claude or lexical", cfg.Backend)},
		}
	}
}

// knownGaps indexes the gaps of an evaluation context by id.
func knownGaps(ectx types.EvalContext) map[string]types.Gap {
	idx := make(map[string]types.Gap, len(ectx.Gaps))
	for _, g := range ectx.Gaps {
		idx[g.SubRequirementID] = g
	}
	return idx
}
