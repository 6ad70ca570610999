// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package coverage derives a sub-requirement's coverage percentage from its
// evidence. Coverage is always recomputed from evidence, never merged or
// summed, so every caller that needs it goes through a Strategy.
package coverage

import (
	"fmt"
	"math"

	"github.com/pdiddy/evidence-engine/pkg/types"
)

// Strategy computes coverage in [0,100] from an evidence list.
type Strategy interface {
	Name() string
	Recompute(evidence []types.Evidence) float64
}

// Func adapts a Strategy to types.CoverageFunc.
func Func(s Strategy) types.CoverageFunc {
	return s.Recompute
}

// Step maps the number of distinct supporting documents onto discrete tiers.
// With the default three tiers one document gives 33.33, two give 66.67 and
// three or more give 100. Copies of the same document count once.
type Step struct {
	// Tiers is the number of documents needed for full coverage (default 3).
	Tiers int
}

// Name returns "step".
func (s Step) Name() string { return "step" }

// Recompute returns the tier reached by the distinct document count.
func (s Step) Recompute(evidence []types.Evidence) float64 {
	tiers := s.Tiers
	if tiers <= 0 {
		tiers = 3
	}
	n := distinctDocuments(evidence)
	if n >= tiers {
		return 100
	}
	return round2(100 * float64(n) / float64(tiers))
}

// Weighted sums the best score per document and saturates at Saturation
// documents' worth of perfect evidence.
type Weighted struct {
	// Saturation is the score total that counts as full coverage (default 3).
	Saturation float64
}

// Name returns "weighted".
func (w Weighted) Name() string { return "weighted" }

// Recompute returns the quality-weighted coverage.
func (w Weighted) Recompute(evidence []types.Evidence) float64 {
	sat := w.Saturation
	if sat <= 0 {
		sat = 3
	}
	best := make(map[string]float64)
	for _, e := range evidence {
		if e.Score > best[e.DocumentID] {
			best[e.DocumentID] = e.Score
		}
	}
	var total float64
	for _, s := range best {
		total += s
	}
	return round2(math.Min(100, 100*total/sat))
}

// ByName returns the strategy registered under name. An empty name selects
// the default step strategy.
func ByName(name string) (Strategy, error) {
	switch name {
	case "", "step":
		return Step{}, nil
	case "weighted":
		return Weighted{}, nil
	default:
		return nil, &types.ValidationError{
			Subject:  "coverage strategy",
			Problems: []string{fmt.Sprintf("unknown strategy %q: use step or weighted", name)},
		}
	}
}

// Default is the strategy used when none is configured.
func Default() types.CoverageFunc {
	return Step{}.Recompute
}

func distinctDocuments(evidence []types.Evidence) int {
	seen := make(map[string]bool, len(evidence))
	for _, e := range evidence {
		seen[e.DocumentID] = true
	}
	return len(seen)
}

// round2 rounds to two decimals so that serialized reports stay stable.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
