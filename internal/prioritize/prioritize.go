// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package prioritize ranks pending work items by return on investment and
// re-ranks them as completed work changes the report.
//
// An item's value is the severity-weighted deficit of the gaps it targets;
// its roi is value over cost. After each batch the caller reports what
// completed and the new report, and every remaining item is re-valued
// against the new coverage, so work done for one item can close the gaps of
// another.
package prioritize

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pdiddy/evidence-engine/internal/coverage"
	"github.com/pdiddy/evidence-engine/internal/textutil"
	"github.com/pdiddy/evidence-engine/pkg/types"
)

// StopReason names why the work loop should halt.
type StopReason string

const (
	StopNone        StopReason = ""
	StopConverged   StopReason = "converged"
	StopDiminishing StopReason = "diminishing_returns"
	StopExhausted   StopReason = "exhausted"
)

// maxQueryTerms bounds the words in a planned search query.
const maxQueryTerms = 6

// Config holds the termination settings plus how to recompute coverage.
type Config struct {
	types.PrioritizerConfig

	// Coverage recomputes deficits in Recalculate (default step).
	Coverage types.CoverageFunc

	// Now stamps history entries (default time.Now).
	Now func() time.Time
}

// ROIHistoryEntry records one NextBatch call.
type ROIHistoryEntry struct {
	Timestamp  time.Time  `json:"timestamp" yaml:"timestamp"`
	BatchSize  int        `json:"batch_size" yaml:"batch_size"`
	AverageROI float64    `json:"average_roi" yaml:"average_roi"`
	TopROI     float64    `json:"top_roi" yaml:"top_roi"`
	Converged  bool       `json:"converged" yaml:"converged"`
	Reason     StopReason `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Prioritizer is a re-rankable queue of work items. It is safe for
// concurrent use.
type Prioritizer struct {
	mu      sync.Mutex
	cfg     Config
	items   []*types.WorkItem
	gaps    map[string]types.Gap
	order   []string // gap ids in input order
	history []ROIHistoryEntry
}

// New builds a Prioritizer over items targeting gaps. Items are copied;
// their values are computed from the gaps, and items whose gaps are already
// effectively closed are skipped.
func New(items []types.WorkItem, gaps []types.Gap, cfg Config) *Prioritizer {
	if cfg.Coverage == nil {
		cfg.Coverage = coverage.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.CloseFraction <= 0 || cfg.CloseFraction > 1 {
		cfg.CloseFraction = 0.95
	}
	if cfg.MinSeverity == "" {
		cfg.MinSeverity = types.SeverityMedium
	}

	p := &Prioritizer{cfg: cfg, gaps: make(map[string]types.Gap, len(gaps))}
	for _, g := range gaps {
		if _, ok := p.gaps[g.SubRequirementID]; !ok {
			p.order = append(p.order, g.SubRequirementID)
		}
		p.gaps[g.SubRequirementID] = g
	}
	for _, it := range items {
		c := it
		c.TargetGaps = append([]string(nil), it.TargetGaps...)
		if c.Status == "" {
			c.Status = types.WorkPending
		}
		p.items = append(p.items, &c)
	}
	p.revalue()
	return p
}

// NextBatch returns up to n pending items with the highest roi and marks
// them in progress. When the loop should stop it returns an empty batch.
// Every call appends an ROIHistoryEntry.
func (p *Prioritizer) NextBatch(n int) []types.WorkItem {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry := ROIHistoryEntry{Timestamp: p.cfg.Now().UTC()}
	batch := []types.WorkItem{}

	if stop, reason := p.doneLocked(); stop || n <= 0 {
		entry.Reason = reason
		entry.Converged = reason == StopConverged
		p.history = append(p.history, entry)
		return batch
	}

	var sum float64
	for _, it := range p.items {
		if len(batch) == n {
			break
		}
		if it.Status != types.WorkPending {
			continue
		}
		it.Status = types.WorkInProgress
		batch = append(batch, cloneItem(it))
		sum += it.ROI
		if it.ROI > entry.TopROI {
			entry.TopROI = it.ROI
		}
	}
	entry.BatchSize = len(batch)
	if len(batch) > 0 {
		entry.AverageROI = sum / float64(len(batch))
	}
	p.history = append(p.history, entry)
	return batch
}

// Recalculate marks completed items done, recomputes every tracked gap's
// deficit against report, re-values the remaining items, skips items whose
// gaps are effectively closed, and re-sorts the queue. Unknown item ids
// yield a NotFoundError and leave the queue unchanged.
func (p *Prioritizer) Recalculate(completed []string, report *types.Report) error {
	if report == nil {
		return &types.ValidationError{Subject: "recalculate", Problems: []string{"report is nil"}}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	byID := make(map[string]*types.WorkItem, len(p.items))
	for _, it := range p.items {
		byID[it.ID] = it
	}
	for _, id := range completed {
		if _, ok := byID[id]; !ok {
			return &types.NotFoundError{Kind: "work item", ID: id}
		}
	}
	for _, id := range completed {
		byID[id].Status = types.WorkDone
	}

	for id, g := range p.gaps {
		sub, ok := report.SubRequirement(id)
		if !ok {
			// Removed from the rubric: nothing left to close.
			g.CurrentCoverage = g.TargetCoverage
			g.Deficit = 0
			p.gaps[id] = g
			continue
		}
		g.CurrentCoverage = sub.Coverage(p.cfg.Coverage)
		g.Deficit = g.TargetCoverage - g.CurrentCoverage
		if g.Deficit < 0 {
			g.Deficit = 0
		}
		p.gaps[id] = g
	}

	p.revalue()
	return nil
}

// Done reports whether the loop should halt and why. Convergence is checked
// first, then exhaustion, then diminishing returns.
func (p *Prioritizer) Done() (bool, StopReason) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.doneLocked()
}

func (p *Prioritizer) doneLocked() (bool, StopReason) {
	if p.convergedLocked() {
		return true, StopConverged
	}
	var top *types.WorkItem
	for _, it := range p.items {
		if it.Status == types.WorkPending {
			top = it
			break
		}
	}
	if top == nil {
		return true, StopExhausted
	}
	if p.cfg.ROIFloor > 0 && top.ROI < p.cfg.ROIFloor {
		return true, StopDiminishing
	}
	return false, StopNone
}

func (p *Prioritizer) convergedLocked() bool {
	minRank := p.cfg.MinSeverity.Rank()
	for _, g := range p.gaps {
		if g.Severity.Rank() < minRank {
			continue
		}
		if g.Deficit > p.cfg.TargetDeficit {
			return false
		}
	}
	return true
}

// revalue recomputes value and roi, applies the skip rule, and sorts
// pending items by roi, highest first. Ties keep insertion order.
func (p *Prioritizer) revalue() {
	for _, it := range p.items {
		if it.Status != types.WorkPending {
			continue
		}
		it.EstimatedValue = p.valueOf(it.TargetGaps)
		it.UpdateROI()
		if p.closedLocked(it.TargetGaps) {
			it.Status = types.WorkSkipped
		}
	}
	sort.SliceStable(p.items, func(i, j int) bool {
		pi, pj := p.items[i].Status == types.WorkPending, p.items[j].Status == types.WorkPending
		if pi != pj {
			return pi
		}
		return p.items[i].ROI > p.items[j].ROI
	})
}

func (p *Prioritizer) valueOf(targets []string) float64 {
	var v float64
	for _, id := range targets {
		if g, ok := p.gaps[id]; ok {
			v += g.WeightedDeficit()
		}
	}
	return v
}

// closedLocked reports whether every targeted gap is within the close
// fraction of its target. Untracked gaps count as closed.
func (p *Prioritizer) closedLocked(targets []string) bool {
	for _, id := range targets {
		g, ok := p.gaps[id]
		if !ok {
			continue
		}
		if g.Deficit > (1-p.cfg.CloseFraction)*g.TargetCoverage {
			return false
		}
	}
	return true
}

// Items returns a snapshot of the queue in rank order.
func (p *Prioritizer) Items() []types.WorkItem {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.WorkItem, len(p.items))
	for i, it := range p.items {
		out[i] = cloneItem(it)
	}
	return out
}

// Gaps returns the tracked gaps with their latest deficits, in input order.
func (p *Prioritizer) Gaps() []types.Gap {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.Gap, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.gaps[id])
	}
	return out
}

// History returns a copy of the roi history.
func (p *Prioritizer) History() []ROIHistoryEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ROIHistoryEntry(nil), p.history...)
}

func cloneItem(it *types.WorkItem) types.WorkItem {
	c := *it
	c.TargetGaps = append([]string(nil), it.TargetGaps...)
	return c
}

// PlanSearchItems builds one search item per requirement with open gaps.
// The query joins the leading keyword hints of the requirement's gaps; each
// query costs one unit.
func PlanSearchItems(gaps []types.Gap) []types.WorkItem {
	type group struct {
		targets  []string
		keywords [][]string
	}
	var keys []string
	groups := make(map[string]*group)
	for _, g := range gaps {
		key := g.PillarID + "/" + g.RequirementID
		grp, ok := groups[key]
		if !ok {
			grp = &group{}
			groups[key] = grp
			keys = append(keys, key)
		}
		grp.targets = append(grp.targets, g.SubRequirementID)
		grp.keywords = append(grp.keywords, g.Keywords)
	}

	items := make([]types.WorkItem, 0, len(keys))
	for _, key := range keys {
		grp := groups[key]
		terms := textutil.Merge(grp.keywords...)
		if len(terms) > maxQueryTerms {
			terms = terms[:maxQueryTerms]
		}
		if len(terms) == 0 {
			continue
		}
		items = append(items, types.WorkItem{
			ID:            uuid.NewString(),
			Kind:          types.WorkSearch,
			Query:         strings.Join(terms, " "),
			TargetGaps:    grp.targets,
			EstimatedCost: 1,
			Status:        types.WorkPending,
		})
	}
	return items
}

// PlanReviewItems builds one review item per document, targeting the gaps
// the document matched. Documents are planned in id order.
func PlanReviewItems(matches map[string][]string) []types.WorkItem {
	ids := make([]string, 0, len(matches))
	for id := range matches {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	items := make([]types.WorkItem, 0, len(ids))
	for _, id := range ids {
		if len(matches[id]) == 0 {
			continue
		}
		items = append(items, types.WorkItem{
			ID:            fmt.Sprintf("review-%s", id),
			Kind:          types.WorkReview,
			DocumentID:    id,
			TargetGaps:    append([]string(nil), matches[id]...),
			EstimatedCost: 1,
			Status:        types.WorkPending,
		})
	}
	return items
}
