// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package evaluate

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/pdiddy/evidence-engine/internal/textutil"
	"github.com/pdiddy/evidence-engine/pkg/types"
)

// minStemLen is the shortest shared prefix that counts as a lenient match
// during appeals.
const minStemLen = 5

// Lexical is an offline evaluator that scores each gap by the share of its
// keyword hints found in the best-matching sentence of the document. It
// makes no network calls and is fully deterministic, which makes it the
// evaluator for dry runs and tests.
//
// In the appeal stage matching is lenient: a document word sharing a prefix
// of at least five letters with a hint also counts, so "encrypted" supports
// "encryption".
type Lexical struct {
	// Now stamps results (default time.Now).
	Now func() time.Time
}

type sentence struct {
	text   string
	offset int
	tokens map[string]bool
}

// Evaluate returns one claim per gap with any keyword support.
func (l *Lexical) Evaluate(ctx context.Context, doc types.Document, ectx types.EvalContext) (types.EvaluationResult, error) {
	if err := ctx.Err(); err != nil {
		return types.EvaluationResult{}, err
	}
	if err := doc.Validate(); err != nil {
		return types.EvaluationResult{}, fmt.Errorf("lexical evaluation: %w", err)
	}

	now := time.Now
	if l.Now != nil {
		now = l.Now
	}
	res := types.EvaluationResult{
		DocumentID:  doc.ID,
		Stage:       ectx.Stage,
		Iteration:   ectx.Iteration,
		Claims:      []types.Claim{},
		EvaluatedAt: now().UTC(),
	}

	lenient := ectx.Stage == types.StageAppeal
	sentences := splitSentences(doc.Text)
	gaps := ectx.Gaps
	if lenient && len(ectx.Prior) > 0 {
		gaps = appealedGaps(ectx)
	}

	for _, g := range gaps {
		if len(g.Keywords) == 0 {
			continue
		}
		best, bestHits := -1, 0
		for i, s := range sentences {
			hits := countHits(g.Keywords, s.tokens, lenient)
			if hits > bestHits {
				best, bestHits = i, hits
			}
		}
		if best < 0 {
			continue
		}
		s := sentences[best]
		res.Claims = append(res.Claims, types.Claim{
			SubRequirementID: g.SubRequirementID,
			Claim:            s.text,
			Score:            math.Round(100*float64(bestHits)/float64(len(g.Keywords))) / 100,
			Locator:          doc.LocatorAt(s.offset),
		})
	}
	return res, nil
}

// appealedGaps narrows the context's gaps to those with a prior claim.
func appealedGaps(ectx types.EvalContext) []types.Gap {
	idx := knownGaps(ectx)
	var out []types.Gap
	seen := make(map[string]bool)
	for _, p := range ectx.Prior {
		if g, ok := idx[p.SubRequirementID]; ok && !seen[g.SubRequirementID] {
			seen[g.SubRequirementID] = true
			out = append(out, g)
		}
	}
	return out
}

func countHits(keywords []string, tokens map[string]bool, lenient bool) int {
	hits := 0
	for _, kw := range keywords {
		if tokens[kw] {
			hits++
			continue
		}
		if lenient && stemMatch(kw, tokens) {
			hits++
		}
	}
	return hits
}

func stemMatch(kw string, tokens map[string]bool) bool {
	if len(kw) < minStemLen {
		return false
	}
	stem := kw[:minStemLen]
	for tok := range tokens {
		if len(tok) >= minStemLen && strings.HasPrefix(tok, stem) {
			return true
		}
	}
	return false
}

// splitSentences splits text on sentence punctuation and blank lines,
// keeping each sentence's byte offset.
func splitSentences(text string) []sentence {
	var out []sentence
	start := 0
	emit := func(end int) {
		raw := text[start:end]
		trimmed := strings.TrimSpace(raw)
		if trimmed != "" {
			lead := len(raw) - len(strings.TrimLeft(raw, " \t\r\n"))
			out = append(out, sentence{
				text:   strings.Join(strings.Fields(trimmed), " "),
				offset: start + lead,
				tokens: textutil.TokenSet(trimmed),
			})
		}
		start = end
	}
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '.', '!', '?':
			if i+1 == len(text) || text[i+1] == ' ' || text[i+1] == '\n' {
				emit(i + 1)
			}
		case '\n':
			if i+1 < len(text) && text[i+1] == '\n' {
				emit(i + 1)
			}
		}
	}
	emit(len(text))
	return out
}
