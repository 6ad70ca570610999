// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package merge combines an incremental report into a base report.
//
// Evidence is deduplicated by document: a document already recorded with
// byte-equivalent content is skipped, an unseen document is appended, and a
// document recorded with different content is a Conflict resolved by the
// configured policy. Coverage is recomputed from the merged evidence, never
// summed. Inputs are never mutated, and merging the same increment twice
// adds nothing the second time.
package merge

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pdiddy/evidence-engine/internal/coverage"
	"github.com/pdiddy/evidence-engine/pkg/types"
)

// Options controls a merge.
type Options struct {
	// Policy resolves conflicting evidence (default keep_existing).
	Policy types.ConflictPolicy

	// Coverage recomputes coverage after the merge (default step).
	Coverage types.CoverageFunc

	// Now stamps merge timestamps and the history entry (default time.Now).
	Now func() time.Time

	// JobID is recorded on the merge history entry.
	JobID string

	Logger *zap.Logger
}

// Conflict records one incoming evidence item whose document was already
// recorded with different content.
type Conflict struct {
	SubRequirementID string               `json:"sub_requirement_id" yaml:"sub_requirement_id"`
	DocumentID       string               `json:"document_id" yaml:"document_id"`
	Existing         []types.Evidence     `json:"existing" yaml:"existing"`
	Incoming         types.Evidence       `json:"incoming" yaml:"incoming"`
	Resolution       types.ConflictPolicy `json:"resolution" yaml:"resolution"`

	// Discarded holds the stored copies dropped by keep_new.
	Discarded []types.Evidence `json:"discarded,omitempty" yaml:"discarded,omitempty"`
}

// Err returns the conflict as a typed error for callers that surface it.
func (c Conflict) Err() error {
	return &types.ConflictError{SubRequirementID: c.SubRequirementID, DocumentID: c.DocumentID}
}

// Result is the outcome of a merge.
type Result struct {
	Report    *types.Report    `json:"merged_report" yaml:"merged_report"`
	Stats     types.MergeStats `json:"stats" yaml:"stats"`
	Conflicts []Conflict       `json:"conflicts" yaml:"conflicts"`
	Warnings  []string         `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// subLoc addresses a sub-requirement by slice indexes in the merged report.
// Indexes stay valid across appends where pointers would not.
type subLoc struct {
	pillar, req, sub int
}

type merger struct {
	out       *types.Report
	policy    types.ConflictPolicy
	ts        time.Time
	logger    *zap.Logger
	subs      map[string]subLoc
	baseDocs  map[string]bool
	addedDocs map[string]bool
	touched   map[string]bool // requirement ids whose evidence changed
	res       *Result
}

// Merge merges incremental into base and returns a new report. Both inputs
// must pass Validate; otherwise a *types.ValidationError is returned.
func Merge(base, incremental *types.Report, opts Options) (*Result, error) {
	if base == nil || incremental == nil {
		return nil, &types.ValidationError{Subject: "merge input", Problems: []string{"base and incremental reports are required"}}
	}
	if err := base.Validate(); err != nil {
		return nil, fmt.Errorf("base report: %w", err)
	}
	if err := incremental.Validate(); err != nil {
		return nil, fmt.Errorf("incremental report: %w", err)
	}

	policy := opts.Policy
	if policy == "" {
		policy = types.KeepExisting
	}
	if !policy.Valid() {
		return nil, &types.ValidationError{
			Subject:  "merge policy",
			Problems: []string{fmt.Sprintf("unknown policy %q: use keep_existing, keep_new, or keep_both", policy)},
		}
	}
	covFn := opts.Coverage
	if covFn == nil {
		covFn = coverage.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &merger{
		out:       base.Clone(),
		policy:    policy,
		ts:        now().UTC(),
		logger:    logger,
		subs:      make(map[string]subLoc),
		baseDocs:  base.DocumentIDs(),
		addedDocs: make(map[string]bool),
		touched:   make(map[string]bool),
		res:       &Result{Conflicts: []Conflict{}},
	}
	m.indexSubs()

	for _, ip := range incremental.Pillars {
		pi := m.ensurePillar(ip)
		for _, ir := range ip.Requirements {
			ri := m.ensureRequirement(pi, ir)
			for _, is := range ir.SubRequirements {
				loc := m.ensureSub(pi, ri, is)
				for _, e := range is.Evidence {
					m.mergeEvidence(loc, e)
				}
			}
		}
	}

	out := m.out
	out.RecomputeCoverage(covFn)
	m.res.Stats.PapersAdded = len(m.addedDocs)
	m.res.Stats.Conflicts = len(m.res.Conflicts)
	m.res.Stats.RequirementsUpdated = len(m.touched)

	out.Version = base.Version + 1
	out.UpdatedAt = m.ts
	if out.CreatedAt.IsZero() {
		out.CreatedAt = m.ts
	}
	out.MergeHistory = append(out.MergeHistory, types.MergeHistoryEntry{
		Timestamp: m.ts,
		Version:   out.Version,
		JobID:     opts.JobID,
		Policy:    policy,
		Stats:     m.res.Stats,
	})

	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("merged report: %w", err)
	}
	m.res.Report = out

	logger.Info("merged report",
		zap.String("report", out.ID),
		zap.Int("version", out.Version),
		zap.String("policy", string(policy)),
		zap.Int("papers_added", m.res.Stats.PapersAdded),
		zap.Int("evidence_added", m.res.Stats.EvidenceAdded),
		zap.Int("evidence_duplicated", m.res.Stats.EvidenceDuplicated),
		zap.Int("conflicts", m.res.Stats.Conflicts),
	)
	return m.res, nil
}

func (m *merger) indexSubs() {
	for pi, p := range m.out.Pillars {
		for ri, req := range p.Requirements {
			for si, sub := range req.SubRequirements {
				m.subs[sub.ID] = subLoc{pi, ri, si}
			}
		}
	}
}

func (m *merger) warnf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	m.res.Warnings = append(m.res.Warnings, msg)
	m.logger.Warn(msg)
}

func (m *merger) ensurePillar(ip types.Pillar) int {
	for pi := range m.out.Pillars {
		p := &m.out.Pillars[pi]
		if p.ID != ip.ID {
			continue
		}
		if ip.Name != "" && ip.Name != p.Name {
			m.warnf("pillar %q: name %q differs from %q; keeping base", p.ID, ip.Name, p.Name)
		}
		return pi
	}
	m.out.Pillars = append(m.out.Pillars, types.Pillar{ID: ip.ID, Name: ip.Name, Requirements: []types.Requirement{}})
	m.res.Stats.PillarsAdded++
	return len(m.out.Pillars) - 1
}

func (m *merger) ensureRequirement(pi int, ir types.Requirement) int {
	p := &m.out.Pillars[pi]
	for ri := range p.Requirements {
		req := &p.Requirements[ri]
		if req.ID != ir.ID {
			continue
		}
		if ir.Title != "" && ir.Title != req.Title {
			m.warnf("requirement %q: title %q differs from %q; keeping base", req.ID, ir.Title, req.Title)
		}
		return ri
	}
	p.Requirements = append(p.Requirements, types.Requirement{ID: ir.ID, Title: ir.Title, SubRequirements: []types.SubRequirement{}})
	m.res.Stats.RequirementsAdded++
	return len(p.Requirements) - 1
}

// ensureSub returns the location of the sub-requirement with is.ID. Ids are
// unique across the report, so an id already present under another
// requirement is merged in place.
func (m *merger) ensureSub(pi, ri int, is types.SubRequirement) subLoc {
	if loc, ok := m.subs[is.ID]; ok {
		sub := m.sub(loc)
		if loc.pillar != pi || loc.req != ri {
			m.warnf("sub-requirement %q: found under requirement %q, merging into base location %q",
				is.ID, m.out.Pillars[pi].Requirements[ri].ID, m.out.Pillars[loc.pillar].Requirements[loc.req].ID)
		}
		if is.Description != "" && is.Description != sub.Description {
			m.warnf("sub-requirement %q: description changed; keeping base", is.ID)
		}
		if is.Severity != "" && is.Severity != sub.Severity {
			m.warnf("sub-requirement %q: severity %q differs from %q; keeping base", is.ID, is.Severity, sub.Severity)
		}
		return loc
	}

	req := &m.out.Pillars[pi].Requirements[ri]
	skel := types.SubRequirement{
		ID:          is.ID,
		Description: is.Description,
		Severity:    is.Severity,
		Evidence:    []types.Evidence{},
	}
	if is.Keywords != nil {
		skel.Keywords = append([]string(nil), is.Keywords...)
	}
	req.SubRequirements = append(req.SubRequirements, skel)
	loc := subLoc{pi, ri, len(req.SubRequirements) - 1}
	m.subs[is.ID] = loc
	m.res.Stats.SubRequirementsAdded++
	return loc
}

func (m *merger) sub(loc subLoc) *types.SubRequirement {
	return &m.out.Pillars[loc.pillar].Requirements[loc.req].SubRequirements[loc.sub]
}

func (m *merger) mergeEvidence(loc subLoc, incoming types.Evidence) {
	sub := m.sub(loc)
	reqID := m.out.Pillars[loc.pillar].Requirements[loc.req].ID

	existing := sub.EvidenceFor(incoming.DocumentID)
	if len(existing) == 0 {
		m.appendStamped(sub, incoming)
		m.res.Stats.EvidenceAdded++
		m.touched[reqID] = true
		return
	}
	for _, i := range existing {
		if sub.Evidence[i].SameContent(incoming) {
			m.res.Stats.EvidenceDuplicated++
			return
		}
	}

	c := Conflict{
		SubRequirementID: sub.ID,
		DocumentID:       incoming.DocumentID,
		Incoming:         copyEvidence(incoming),
		Resolution:       m.policy,
	}
	for _, i := range existing {
		c.Existing = append(c.Existing, copyEvidence(sub.Evidence[i]))
	}

	switch m.policy {
	case types.KeepNew:
		kept := sub.Evidence[:0:0]
		for _, e := range sub.Evidence {
			if e.DocumentID == incoming.DocumentID {
				c.Discarded = append(c.Discarded, copyEvidence(e))
				continue
			}
			kept = append(kept, e)
		}
		sub.Evidence = kept
		m.appendStamped(sub, incoming)
		m.touched[reqID] = true
		m.logger.Warn("conflict resolved with incoming evidence",
			zap.String("sub_requirement", sub.ID),
			zap.String("document", incoming.DocumentID),
			zap.Int("discarded", len(c.Discarded)),
		)
	case types.KeepBoth:
		m.appendStamped(sub, incoming)
		m.res.Stats.EvidenceAdded++
		m.touched[reqID] = true
	default:
		m.logger.Debug("conflict resolved with existing evidence",
			zap.String("sub_requirement", sub.ID),
			zap.String("document", incoming.DocumentID),
		)
	}
	m.res.Conflicts = append(m.res.Conflicts, c)
}

// appendStamped appends a copy of e stamped with the merge timestamp. When a
// stored copy of the same document already carries that timestamp, the
// stamp is advanced so that kept copies stay distinguishable.
func (m *merger) appendStamped(sub *types.SubRequirement, e types.Evidence) {
	ts := m.ts
	for {
		clash := false
		for _, i := range sub.EvidenceFor(e.DocumentID) {
			if sub.Evidence[i].MergeTimestamp.Equal(ts) {
				clash = true
				break
			}
		}
		if !clash {
			break
		}
		ts = ts.Add(time.Nanosecond)
	}

	c := copyEvidence(e)
	c.MergeTimestamp = ts
	sub.Evidence = append(sub.Evidence, c)
	if !m.baseDocs[e.DocumentID] {
		m.addedDocs[e.DocumentID] = true
	}
}

func copyEvidence(e types.Evidence) types.Evidence {
	out := e
	if e.Locator != nil {
		l := *e.Locator
		out.Locator = &l
	}
	return out
}
