// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package gaps finds under-evidenced sub-requirements in a report.
//
// Extraction is a pure function of the report snapshot: coverage is
// recomputed from evidence rather than read from the stored field, and the
// output order follows the rubric (pillar, requirement, sub-requirement) so
// downstream ranking is reproducible.
package gaps

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/pdiddy/evidence-engine/internal/coverage"
	"github.com/pdiddy/evidence-engine/internal/textutil"
	"github.com/pdiddy/evidence-engine/pkg/types"
)

// DefaultThreshold is the target coverage used when Options.Threshold is zero.
const DefaultThreshold = 100.0

// Options controls an extraction.
type Options struct {
	// Threshold is the target coverage percentage. Zero uses DefaultThreshold.
	Threshold float64

	// PillarFilter restricts extraction to one pillar id.
	PillarFilter string

	// Coverage recomputes coverage from evidence. Nil uses the step strategy.
	Coverage types.CoverageFunc
}

// Extract returns one Gap for every sub-requirement whose coverage is below
// the threshold, in rubric order. It fails with a NotFoundError when the
// report has no pillars or the pillar filter names an unknown pillar. A
// report with no gaps yields an empty slice and no error.
func Extract(report *types.Report, opts Options) ([]types.Gap, error) {
	if report == nil || len(report.Pillars) == 0 {
		id := ""
		if report != nil {
			id = report.ID
		}
		return nil, &types.NotFoundError{Kind: "pillars in report", ID: id}
	}

	if opts.PillarFilter != "" {
		if _, ok := report.Pillar(opts.PillarFilter); !ok {
			return nil, &types.NotFoundError{Kind: "pillar", ID: opts.PillarFilter}
		}
	}

	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	covFn := opts.Coverage
	if covFn == nil {
		covFn = coverage.Default()
	}

	gaps := []types.Gap{}
	report.Walk(func(p *types.Pillar, req *types.Requirement, sub *types.SubRequirement) bool {
		if opts.PillarFilter != "" && p.ID != opts.PillarFilter {
			return true
		}
		current := sub.Coverage(covFn)
		if current >= threshold {
			return true
		}
		gaps = append(gaps, types.Gap{
			SubRequirementID: sub.ID,
			PillarID:         p.ID,
			RequirementID:    req.ID,
			Description:      sub.Description,
			Severity:         severityOf(sub),
			CurrentCoverage:  current,
			TargetCoverage:   threshold,
			Deficit:          threshold - current,
			Keywords:         Hints(sub, req),
		})
		return true
	})

	return gaps, nil
}

// Hints returns the keyword hints for a sub-requirement: its explicit
// keywords first, then content words of its description, then of the parent
// requirement's title.
func Hints(sub *types.SubRequirement, req *types.Requirement) []string {
	lists := [][]string{sub.Keywords, {sub.Description}}
	if req != nil {
		lists = append(lists, []string{req.Title})
	}
	return textutil.Merge(lists...)
}

func severityOf(sub *types.SubRequirement) types.Severity {
	if sub.Severity == "" {
		return types.SeverityMedium
	}
	return sub.Severity
}

// Index returns gaps keyed by sub-requirement id.
func Index(gaps []types.Gap) map[string]types.Gap {
	idx := make(map[string]types.Gap, len(gaps))
	for _, g := range gaps {
		idx[g.SubRequirementID] = g
	}
	return idx
}

// PillarSummary aggregates the gaps of one pillar.
type PillarSummary struct {
	PillarID    string  `json:"pillar_id" yaml:"pillar_id"`
	Gaps        int     `json:"gaps" yaml:"gaps"`
	Critical    int     `json:"critical" yaml:"critical"`
	MeanDeficit float64 `json:"mean_deficit" yaml:"mean_deficit"`
}

// Summarize groups gaps per pillar in first-seen order.
func Summarize(gaps []types.Gap) []PillarSummary {
	var order []string
	byPillar := make(map[string]*PillarSummary)
	totals := make(map[string]float64)
	for _, g := range gaps {
		s, ok := byPillar[g.PillarID]
		if !ok {
			s = &PillarSummary{PillarID: g.PillarID}
			byPillar[g.PillarID] = s
			order = append(order, g.PillarID)
		}
		s.Gaps++
		if g.Severity == types.SeverityCritical {
			s.Critical++
		}
		totals[g.PillarID] += g.Deficit
	}

	out := make([]PillarSummary, 0, len(order))
	for _, id := range order {
		s := byPillar[id]
		s.MeanDeficit = totals[id] / float64(s.Gaps)
		out = append(out, *s)
	}
	return out
}

// FormatTable writes gaps as a human-readable table to w, largest weighted
// deficit first.
func FormatTable(gaps []types.Gap, w io.Writer) {
	if len(gaps) == 0 {
		fmt.Fprintln(w, "No open gaps.")
		return
	}

	sorted := append([]types.Gap(nil), gaps...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].WeightedDeficit() > sorted[j].WeightedDeficit()
	})

	fmt.Fprintf(w, "%-16s  %-12s  %-8s  %-8s  %-8s  %s\n",
		"Sub-requirement", "Pillar", "Severity", "Coverage", "Deficit", "Description")
	fmt.Fprintln(w, strings.Repeat("-", 100))
	for _, g := range sorted {
		desc := g.Description
		if len(desc) > 40 {
			desc = desc[:37] + "..."
		}
		fmt.Fprintf(w, "%-16s  %-12s  %-8s  %7.2f%%  %8.2f  %s\n",
			truncate(g.SubRequirementID, 16), truncate(g.PillarID, 12), g.Severity,
			g.CurrentCoverage, g.Deficit, desc)
	}
	fmt.Fprintf(w, "\n%d open gaps\n", len(gaps))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
