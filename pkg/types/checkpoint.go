// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import "time"

// Stage names one step of the analysis pipeline.
type Stage string

const (
	StageIntake      Stage = "intake"
	StageEvaluate    Stage = "evaluate"
	StageAdjudicate  Stage = "adjudicate"
	StageAppeal      Stage = "appeal"
	StageSync        Stage = "sync"
	StageGapAnalysis Stage = "gap-analysis"
	StageDeepPass    Stage = "deep-pass"
	StageDone        Stage = "done"
)

// JobStatus is the lifecycle state of a run.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Checkpoint is the persisted orchestrator state of one job. Stage is the
// next stage to run; every stage before it in the current iteration has
// completed.
type Checkpoint struct {
	JobID string `json:"job_id" yaml:"job_id"`

	// ParentJobID links a job started from another job's report. Empty for
	// root jobs.
	ParentJobID string `json:"parent_job_id,omitempty" yaml:"parent_job_id,omitempty"`

	Stage     Stage     `json:"stage" yaml:"stage"`
	Status    JobStatus `json:"status" yaml:"status"`
	Iteration int       `json:"iteration" yaml:"iteration"`

	// CandidateDocumentIDs are documents queued for the next intake by a
	// deep pass.
	CandidateDocumentIDs []string `json:"candidate_document_ids,omitempty" yaml:"candidate_document_ids,omitempty"`

	// PendingDocumentIDs are the documents intake selected for this iteration.
	PendingDocumentIDs []string `json:"pending_document_ids,omitempty" yaml:"pending_document_ids,omitempty"`

	// CompletedDocumentIDs are documents whose evaluation finished in this
	// iteration. Resume skips them.
	CompletedDocumentIDs []string `json:"completed_document_ids,omitempty" yaml:"completed_document_ids,omitempty"`

	// AppealedDocumentIDs are documents whose appeal call finished in this
	// iteration.
	AppealedDocumentIDs []string `json:"appealed_document_ids,omitempty" yaml:"appealed_document_ids,omitempty"`

	// FilteredCount is the number of candidates intake dropped as irrelevant.
	FilteredCount int `json:"filtered_count,omitempty" yaml:"filtered_count,omitempty"`

	ReportVersion int `json:"report_version" yaml:"report_version"`

	// SourceMarker is the opaque "since" value for the document source.
	SourceMarker string `json:"source_marker,omitempty" yaml:"source_marker,omitempty"`

	// StopReason records why the gap loop ended.
	StopReason string `json:"stop_reason,omitempty" yaml:"stop_reason,omitempty"`

	Error     string    `json:"error,omitempty" yaml:"error,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// Clone returns a copy of c that shares no slices with it.
func (c *Checkpoint) Clone() *Checkpoint {
	out := *c
	out.CandidateDocumentIDs = append([]string(nil), c.CandidateDocumentIDs...)
	out.PendingDocumentIDs = append([]string(nil), c.PendingDocumentIDs...)
	out.CompletedDocumentIDs = append([]string(nil), c.CompletedDocumentIDs...)
	out.AppealedDocumentIDs = append([]string(nil), c.AppealedDocumentIDs...)
	return &out
}

// Completed reports whether docID has been evaluated in this job.
func (c *Checkpoint) Completed(docID string) bool {
	for _, id := range c.CompletedDocumentIDs {
		if id == docID {
			return true
		}
	}
	return false
}

// Remaining returns the pending documents not yet evaluated.
func (c *Checkpoint) Remaining() []string {
	done := make(map[string]bool, len(c.CompletedDocumentIDs))
	for _, id := range c.CompletedDocumentIDs {
		done[id] = true
	}
	var out []string
	for _, id := range c.PendingDocumentIDs {
		if !done[id] {
			out = append(out, id)
		}
	}
	return out
}

// Terminal reports whether the job has reached a final status.
func (c *Checkpoint) Terminal() bool {
	return c.Status == JobCompleted
}
