// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import (
	"fmt"
	"math"
	"time"
)

// Section marks where a heading starts within a document's text.
type Section struct {
	Heading string `json:"heading" yaml:"heading"`
	Page    int    `json:"page,omitempty" yaml:"page,omitempty"`

	// Offset is the byte offset of the section within Document.Text.
	Offset int `json:"offset" yaml:"offset"`
}

// Document is a candidate source of evidence.
type Document struct {
	ID    string `json:"id" yaml:"id"`
	Title string `json:"title,omitempty" yaml:"title,omitempty"`

	// Text is the plain text used for relevance scoring and evaluation.
	Text string `json:"text" yaml:"text"`

	// Content is the opaque original payload, if any.
	Content []byte `json:"content,omitempty" yaml:"content,omitempty"`

	Sections   []Section `json:"sections,omitempty" yaml:"sections,omitempty"`
	Source     string    `json:"source,omitempty" yaml:"source,omitempty"`
	ModifiedAt time.Time `json:"modified_at,omitempty" yaml:"modified_at,omitempty"`
}

// Validate checks that the document can enter the pipeline.
func (d Document) Validate() error {
	if d.ID == "" {
		return &ValidationError{Subject: "document", Problems: []string{"empty id"}}
	}
	return nil
}

// LocatorAt returns the locator of the section containing the byte offset.
func (d Document) LocatorAt(offset int) *Locator {
	var cur *Section
	for i := range d.Sections {
		if d.Sections[i].Offset > offset {
			break
		}
		cur = &d.Sections[i]
	}
	if cur == nil {
		return &Locator{Offset: offset}
	}
	return &Locator{Page: cur.Page, Section: cur.Heading, Offset: offset}
}

// Claim is one judgment the evaluator made about a document and a
// sub-requirement.
type Claim struct {
	SubRequirementID string   `json:"sub_requirement_id" yaml:"sub_requirement_id"`
	Claim            string   `json:"claim" yaml:"claim"`
	Score            float64  `json:"score" yaml:"score"`
	Locator          *Locator `json:"locator,omitempty" yaml:"locator,omitempty"`
}

// Validate checks the claim's fields.
func (c Claim) Validate() error {
	var problems []string
	if c.SubRequirementID == "" {
		problems = append(problems, "empty sub_requirement_id")
	}
	if c.Claim == "" {
		problems = append(problems, "empty claim")
	}
	if math.IsNaN(c.Score) || c.Score < 0 || c.Score > 1 {
		problems = append(problems, fmt.Sprintf("score %v out of range [0,1]", c.Score))
	}
	if len(problems) > 0 {
		return &ValidationError{Subject: "claim", Problems: problems}
	}
	return nil
}

// Evidence converts the claim into an evidence item for docID.
func (c Claim) Evidence(docID string) Evidence {
	e := Evidence{DocumentID: docID, Claim: c.Claim, Score: c.Score}
	if c.Locator != nil {
		l := *c.Locator
		e.Locator = &l
	}
	return e
}

// EvalContext tells the evaluator what to judge a document against.
type EvalContext struct {
	JobID     string `json:"job_id" yaml:"job_id"`
	Stage     Stage  `json:"stage" yaml:"stage"`
	Iteration int    `json:"iteration" yaml:"iteration"`

	// Gaps are the sub-requirements the document is evaluated against.
	Gaps []Gap `json:"gaps" yaml:"gaps"`

	// Prior holds earlier claims under appeal.
	Prior []Claim `json:"prior,omitempty" yaml:"prior,omitempty"`
}

// EvaluationResult is the evaluator's output for one document in one stage.
type EvaluationResult struct {
	DocumentID  string    `json:"document_id" yaml:"document_id"`
	Stage       Stage     `json:"stage" yaml:"stage"`
	Iteration   int       `json:"iteration" yaml:"iteration"`
	Claims      []Claim   `json:"claims" yaml:"claims"`
	EvaluatedAt time.Time `json:"evaluated_at" yaml:"evaluated_at"`
}
