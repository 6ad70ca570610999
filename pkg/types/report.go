// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package types defines shared data structures for the evidence-engine pipeline:
// the rubric report tree (pillars, requirements, sub-requirements, evidence),
// gaps, work items, checkpoints, documents, configuration, and the error
// taxonomy shared by every stage.
package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Severity ranks how much a sub-requirement matters to the overall report.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Rank orders severities from low (1) to critical (4). An empty severity
// ranks as medium.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityLow:
		return 1
	default:
		return 2
	}
}

// Weight is the multiplier applied to a gap's deficit when estimating the
// value of work that targets it.
func (s Severity) Weight() float64 {
	return float64(s.Rank())
}

// Valid reports whether s is a known severity or empty.
func (s Severity) Valid() bool {
	switch s {
	case "", SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// ConflictPolicy selects how the merger resolves an incoming evidence item
// whose document is already recorded with different content.
type ConflictPolicy string

const (
	KeepExisting ConflictPolicy = "keep_existing"
	KeepNew      ConflictPolicy = "keep_new"
	KeepBoth     ConflictPolicy = "keep_both"
)

// Valid reports whether p is a known policy.
func (p ConflictPolicy) Valid() bool {
	switch p {
	case KeepExisting, KeepNew, KeepBoth:
		return true
	}
	return false
}

// CoverageFunc derives a coverage percentage in [0,100] from an evidence list.
// Implementations must be pure: the same evidence always yields the same value.
type CoverageFunc func(evidence []Evidence) float64

// Locator points at the place in a document that supports a claim.
type Locator struct {
	Page    int    `json:"page,omitempty" yaml:"page,omitempty"`
	Section string `json:"section,omitempty" yaml:"section,omitempty"`
	Offset  int    `json:"offset,omitempty" yaml:"offset,omitempty"`
}

// Evidence is one document's contribution to a SubRequirement.
type Evidence struct {
	// DocumentID is the dedup key within a sub-requirement.
	DocumentID string `json:"document_id" yaml:"document_id"`

	// Claim summarizes what the document says about the sub-requirement.
	Claim string `json:"claim" yaml:"claim"`

	// Score is the evaluator's judgment in [0,1].
	Score float64 `json:"score" yaml:"score"`

	Locator *Locator `json:"locator,omitempty" yaml:"locator,omitempty"`

	// MergeTimestamp is stamped by the merger when the item enters a report.
	// Two copies kept for the same document differ by this value.
	MergeTimestamp time.Time `json:"merge_timestamp,omitempty" yaml:"merge_timestamp,omitempty"`
}

// evidenceContent is the canonical form compared for byte equivalence.
// MergeTimestamp is bookkeeping and excluded.
type evidenceContent struct {
	DocumentID string   `json:"d"`
	Claim      string   `json:"c"`
	Score      float64  `json:"s"`
	Locator    *Locator `json:"l,omitempty"`
}

// ContentKey returns the canonical encoding of the evidence content.
func (e Evidence) ContentKey() []byte {
	var loc *Locator
	if e.Locator != nil && *e.Locator != (Locator{}) {
		l := *e.Locator
		loc = &l
	}
	data, _ := json.Marshal(evidenceContent{
		DocumentID: e.DocumentID,
		Claim:      e.Claim,
		Score:      e.Score,
		Locator:    loc,
	})
	return data
}

// SameContent reports whether e and other carry byte-equivalent content.
func (e Evidence) SameContent(other Evidence) bool {
	return bytes.Equal(e.ContentKey(), other.ContentKey())
}

// SubRequirement is the leaf unit of evaluation.
type SubRequirement struct {
	ID          string   `json:"id" yaml:"id"`
	Description string   `json:"description" yaml:"description"`
	Keywords    []string `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	Severity    Severity `json:"severity,omitempty" yaml:"severity,omitempty"`

	// CoveragePercent is derived from Evidence. It is written for readers of
	// serialized reports and recomputed after every load and merge; callers
	// must not set it directly.
	CoveragePercent float64 `json:"coverage_percent" yaml:"coverage_percent"`

	Evidence []Evidence `json:"evidence" yaml:"evidence"`
}

// Coverage recomputes the coverage percentage with fn without storing it.
func (s *SubRequirement) Coverage(fn CoverageFunc) float64 {
	return fn(s.Evidence)
}

// DocumentCount returns the number of distinct documents in the evidence list.
func (s *SubRequirement) DocumentCount() int {
	seen := make(map[string]bool, len(s.Evidence))
	for _, e := range s.Evidence {
		seen[e.DocumentID] = true
	}
	return len(seen)
}

// EvidenceFor returns the indices of evidence items recorded for docID.
func (s *SubRequirement) EvidenceFor(docID string) []int {
	var idx []int
	for i, e := range s.Evidence {
		if e.DocumentID == docID {
			idx = append(idx, i)
		}
	}
	return idx
}

// Requirement groups related sub-requirements.
type Requirement struct {
	ID              string           `json:"id" yaml:"id"`
	Title           string           `json:"title" yaml:"title"`
	SubRequirements []SubRequirement `json:"sub_requirements" yaml:"sub_requirements"`
}

// Pillar is a named top-level category of the rubric.
type Pillar struct {
	ID           string        `json:"id" yaml:"id"`
	Name         string        `json:"name" yaml:"name"`
	Requirements []Requirement `json:"requirements" yaml:"requirements"`
}

// MergeStats counts what one merge changed.
type MergeStats struct {
	PapersAdded          int `json:"papers_added" yaml:"papers_added"`
	EvidenceAdded        int `json:"evidence_added" yaml:"evidence_added"`
	EvidenceDuplicated   int `json:"evidence_duplicated" yaml:"evidence_duplicated"`
	Conflicts            int `json:"conflicts" yaml:"conflicts"`
	RequirementsUpdated  int `json:"requirements_updated" yaml:"requirements_updated"`
	PillarsAdded         int `json:"pillars_added" yaml:"pillars_added"`
	RequirementsAdded    int `json:"requirements_added" yaml:"requirements_added"`
	SubRequirementsAdded int `json:"sub_requirements_added" yaml:"sub_requirements_added"`
}

// Map returns the statistics keyed by their serialized names.
func (m MergeStats) Map() map[string]int {
	return map[string]int{
		"papers_added":           m.PapersAdded,
		"evidence_added":         m.EvidenceAdded,
		"evidence_duplicated":    m.EvidenceDuplicated,
		"conflicts":              m.Conflicts,
		"requirements_updated":   m.RequirementsUpdated,
		"pillars_added":          m.PillarsAdded,
		"requirements_added":     m.RequirementsAdded,
		"sub_requirements_added": m.SubRequirementsAdded,
	}
}

// MergeHistoryEntry records one merge into a report. The history is
// append-only.
type MergeHistoryEntry struct {
	Timestamp time.Time      `json:"timestamp" yaml:"timestamp"`
	Version   int            `json:"version" yaml:"version"`
	JobID     string         `json:"job_id,omitempty" yaml:"job_id,omitempty"`
	Policy    ConflictPolicy `json:"policy" yaml:"policy"`
	Stats     MergeStats     `json:"stats" yaml:"stats"`
}

// Report is the root aggregate: an ordered rubric tree plus its evidence.
type Report struct {
	ID           string              `json:"id" yaml:"id"`
	Title        string              `json:"title,omitempty" yaml:"title,omitempty"`
	Version      int                 `json:"version" yaml:"version"`
	Pillars      []Pillar            `json:"pillars" yaml:"pillars"`
	MergeHistory []MergeHistoryEntry `json:"merge_history,omitempty" yaml:"merge_history,omitempty"`
	CreatedAt    time.Time           `json:"created_at" yaml:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at" yaml:"updated_at"`
}

// Walk calls fn for every sub-requirement in pillar, requirement,
// sub-requirement order. Returning false stops the walk.
func (r *Report) Walk(fn func(p *Pillar, req *Requirement, sub *SubRequirement) bool) {
	for pi := range r.Pillars {
		p := &r.Pillars[pi]
		for ri := range p.Requirements {
			req := &p.Requirements[ri]
			for si := range req.SubRequirements {
				if !fn(p, req, &req.SubRequirements[si]) {
					return
				}
			}
		}
	}
}

// SubRequirement returns the sub-requirement with the given id.
func (r *Report) SubRequirement(id string) (*SubRequirement, bool) {
	var found *SubRequirement
	r.Walk(func(_ *Pillar, _ *Requirement, sub *SubRequirement) bool {
		if sub.ID == id {
			found = sub
			return false
		}
		return true
	})
	return found, found != nil
}

// Pillar returns the pillar with the given id.
func (r *Report) Pillar(id string) (*Pillar, bool) {
	for i := range r.Pillars {
		if r.Pillars[i].ID == id {
			return &r.Pillars[i], true
		}
	}
	return nil, false
}

// RecomputeCoverage refreshes every sub-requirement's CoveragePercent from
// its evidence using fn.
func (r *Report) RecomputeCoverage(fn CoverageFunc) {
	r.Walk(func(_ *Pillar, _ *Requirement, sub *SubRequirement) bool {
		sub.CoveragePercent = fn(sub.Evidence)
		return true
	})
}

// DocumentIDs returns the set of documents cited anywhere in the report.
func (r *Report) DocumentIDs() map[string]bool {
	ids := make(map[string]bool)
	r.Walk(func(_ *Pillar, _ *Requirement, sub *SubRequirement) bool {
		for _, e := range sub.Evidence {
			ids[e.DocumentID] = true
		}
		return true
	})
	return ids
}

// EvidenceCount returns the total number of evidence items.
func (r *Report) EvidenceCount() int {
	n := 0
	r.Walk(func(_ *Pillar, _ *Requirement, sub *SubRequirement) bool {
		n += len(sub.Evidence)
		return true
	})
	return n
}

// SubRequirementCount returns the number of leaves in the rubric tree.
func (r *Report) SubRequirementCount() int {
	n := 0
	r.Walk(func(_ *Pillar, _ *Requirement, _ *SubRequirement) bool {
		n++
		return true
	})
	return n
}

// Clone returns a deep copy of r.
func (r *Report) Clone() *Report {
	if r == nil {
		return nil
	}
	out := *r
	out.Pillars = make([]Pillar, len(r.Pillars))
	for pi, p := range r.Pillars {
		out.Pillars[pi] = p.clone()
	}
	if r.MergeHistory != nil {
		out.MergeHistory = append([]MergeHistoryEntry(nil), r.MergeHistory...)
	}
	return &out
}

func (p Pillar) clone() Pillar {
	out := p
	out.Requirements = make([]Requirement, len(p.Requirements))
	for ri, req := range p.Requirements {
		out.Requirements[ri] = req.clone()
	}
	return out
}

func (req Requirement) clone() Requirement {
	out := req
	out.SubRequirements = make([]SubRequirement, len(req.SubRequirements))
	for si, sub := range req.SubRequirements {
		out.SubRequirements[si] = sub.clone()
	}
	return out
}

func (s SubRequirement) clone() SubRequirement {
	out := s
	if s.Keywords != nil {
		out.Keywords = append([]string(nil), s.Keywords...)
	}
	out.Evidence = make([]Evidence, len(s.Evidence))
	for i, e := range s.Evidence {
		out.Evidence[i] = e.clone()
	}
	return out
}

func (e Evidence) clone() Evidence {
	out := e
	if e.Locator != nil {
		l := *e.Locator
		out.Locator = &l
	}
	return out
}

// Validate checks the structural schema of the report: non-empty unique ids,
// known severities, scores in [0,1], and at most one evidence item per
// (sub-requirement, document) pair unless the copies carry distinct merge
// timestamps and distinct content.
func (r *Report) Validate() error {
	if r == nil {
		return &ValidationError{Subject: "report", Problems: []string{"report is nil"}}
	}

	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if r.Version < 0 {
		addf("version %d is negative", r.Version)
	}

	pillarIDs := make(map[string]bool)
	subIDs := make(map[string]bool)
	for pi, p := range r.Pillars {
		if p.ID == "" {
			addf("pillar %d: empty id", pi)
		} else if pillarIDs[p.ID] {
			addf("pillar %q: duplicate id", p.ID)
		}
		pillarIDs[p.ID] = true

		reqIDs := make(map[string]bool)
		for ri, req := range p.Requirements {
			if req.ID == "" {
				addf("pillar %q requirement %d: empty id", p.ID, ri)
			} else if reqIDs[req.ID] {
				addf("pillar %q requirement %q: duplicate id", p.ID, req.ID)
			}
			reqIDs[req.ID] = true

			for si, sub := range req.SubRequirements {
				if sub.ID == "" {
					addf("requirement %q sub-requirement %d: empty id", req.ID, si)
				} else if subIDs[sub.ID] {
					addf("sub-requirement %q: duplicate id", sub.ID)
				}
				subIDs[sub.ID] = true

				if !sub.Severity.Valid() {
					addf("sub-requirement %q: unknown severity %q", sub.ID, sub.Severity)
				}
				problems = append(problems, validateEvidence(sub)...)
			}
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Subject: "report " + r.ID, Problems: problems}
	}
	return nil
}

func validateEvidence(sub SubRequirement) []string {
	var problems []string
	byDoc := make(map[string][]Evidence)
	for i, e := range sub.Evidence {
		if e.DocumentID == "" {
			problems = append(problems, fmt.Sprintf("sub-requirement %q evidence %d: empty document_id", sub.ID, i))
			continue
		}
		if math.IsNaN(e.Score) || e.Score < 0 || e.Score > 1 {
			problems = append(problems, fmt.Sprintf("sub-requirement %q evidence %q: score %v out of range [0,1]", sub.ID, e.DocumentID, e.Score))
		}
		for _, prev := range byDoc[e.DocumentID] {
			if prev.MergeTimestamp.Equal(e.MergeTimestamp) || prev.SameContent(e) {
				problems = append(problems, fmt.Sprintf("sub-requirement %q: duplicate evidence for document %q", sub.ID, e.DocumentID))
				break
			}
		}
		byDoc[e.DocumentID] = append(byDoc[e.DocumentID], e)
	}
	return problems
}
