// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

// ROIEpsilon keeps roi finite for zero-cost work.
const ROIEpsilon = 1e-9

// WorkKind identifies what executing a work item means.
type WorkKind string

const (
	// WorkSearch runs a search query for new candidate documents.
	WorkSearch WorkKind = "search"
	// WorkReview deep-reviews one known document against its target gaps.
	WorkReview WorkKind = "review"
)

// WorkStatus tracks a work item through the prioritizer queue.
type WorkStatus string

const (
	WorkPending    WorkStatus = "pending"
	WorkInProgress WorkStatus = "in_progress"
	WorkDone       WorkStatus = "done"
	WorkSkipped    WorkStatus = "skipped"
)

// WorkItem is a pending analysis action targeting one or more gaps.
type WorkItem struct {
	ID         string   `json:"id" yaml:"id"`
	Kind       WorkKind `json:"kind" yaml:"kind"`
	Query      string   `json:"query,omitempty" yaml:"query,omitempty"`
	DocumentID string   `json:"document_id,omitempty" yaml:"document_id,omitempty"`

	// TargetGaps lists the sub-requirement ids this item is expected to help.
	TargetGaps []string `json:"target_gaps" yaml:"target_gaps"`

	EstimatedValue float64    `json:"estimated_value" yaml:"estimated_value"`
	EstimatedCost  float64    `json:"estimated_cost" yaml:"estimated_cost"`
	ROI            float64    `json:"roi" yaml:"roi"`
	Status         WorkStatus `json:"status" yaml:"status"`
}

// UpdateROI recomputes ROI from the current value and cost.
func (w *WorkItem) UpdateROI() {
	w.ROI = w.EstimatedValue / (w.EstimatedCost + ROIEpsilon)
}
