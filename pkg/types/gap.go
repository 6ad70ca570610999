// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

// Gap is a sub-requirement whose coverage is below target. Gaps are derived
// from a report snapshot and never mutated; the next extraction supersedes
// them.
type Gap struct {
	SubRequirementID string   `json:"sub_requirement_id" yaml:"sub_requirement_id"`
	PillarID         string   `json:"pillar_id" yaml:"pillar_id"`
	RequirementID    string   `json:"requirement_id" yaml:"requirement_id"`
	Description      string   `json:"description" yaml:"description"`
	Severity         Severity `json:"severity" yaml:"severity"`
	CurrentCoverage  float64  `json:"current_coverage" yaml:"current_coverage"`
	TargetCoverage   float64  `json:"target_coverage" yaml:"target_coverage"`
	Deficit          float64  `json:"deficit" yaml:"deficit"`

	// Keywords are topic hints used for relevance scoring and search queries.
	Keywords []string `json:"keywords" yaml:"keywords"`
}

// ID returns the gap's identifier, which is its sub-requirement id.
func (g Gap) ID() string { return g.SubRequirementID }

// WeightedDeficit is the deficit scaled by the gap's severity weight.
func (g Gap) WeightedDeficit() float64 {
	return g.Deficit * g.Severity.Weight()
}
