// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package rubric reads rubrics and reports from disk and writes reports
// back. Files ending in .json are JSON; everything else is YAML.
package rubric

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/evidence-engine/internal/store"
	"github.com/pdiddy/evidence-engine/pkg/types"
)

// LoadReport reads and validates a report file.
func LoadReport(path string) (*types.Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &types.NotFoundError{Kind: "report file", ID: path}
		}
		return nil, fmt.Errorf("reading report: %w", err)
	}
	var r types.Report
	if isJSON(path) {
		err = json.Unmarshal(data, &r)
	} else {
		err = yaml.Unmarshal(data, &r)
	}
	if err != nil {
		return nil, &types.ValidationError{Subject: "report file " + path, Problems: []string{err.Error()}}
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// Init builds an empty version-0 report from a rubric file. A rubric has
// the report's shape; any evidence or merge history it carries is dropped.
func Init(path string, now time.Time) (*types.Report, error) {
	r, err := LoadReport(path)
	if err != nil {
		return nil, err
	}
	if len(r.Pillars) == 0 {
		return nil, &types.ValidationError{Subject: "rubric " + path, Problems: []string{"no pillars"}}
	}
	if r.ID == "" {
		r.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	r.Version = 0
	r.MergeHistory = nil
	r.Walk(func(_ *types.Pillar, _ *types.Requirement, sub *types.SubRequirement) bool {
		sub.Evidence = []types.Evidence{}
		sub.CoveragePercent = 0
		return true
	})
	r.CreatedAt = now.UTC()
	r.UpdatedAt = now.UTC()
	return r, nil
}

// WriteReport encodes r by the path's extension and replaces the file
// atomically.
func WriteReport(path string, r *types.Report) error {
	var (
		data []byte
		err  error
	)
	if isJSON(path) {
		data, err = json.MarshalIndent(r, "", "  ")
		data = append(data, '\n')
	} else {
		data, err = yaml.Marshal(r)
	}
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	return store.WriteFileAtomic(path, data)
}

// PillarCoverage summarizes one pillar of a report.
type PillarCoverage struct {
	PillarID        string  `json:"pillar_id" yaml:"pillar_id"`
	Name            string  `json:"name" yaml:"name"`
	SubRequirements int     `json:"sub_requirements" yaml:"sub_requirements"`
	Covered         int     `json:"covered" yaml:"covered"`
	Evidence        int     `json:"evidence" yaml:"evidence"`
	MeanCoverage    float64 `json:"mean_coverage" yaml:"mean_coverage"`
}

// Summarize returns per-pillar coverage in rubric order. A sub-requirement
// counts as covered when it reaches threshold.
func Summarize(r *types.Report, fn types.CoverageFunc, threshold float64) []PillarCoverage {
	out := make([]PillarCoverage, 0, len(r.Pillars))
	for _, p := range r.Pillars {
		pc := PillarCoverage{PillarID: p.ID, Name: p.Name}
		var total float64
		for _, req := range p.Requirements {
			for i := range req.SubRequirements {
				sub := &req.SubRequirements[i]
				cov := sub.Coverage(fn)
				pc.SubRequirements++
				pc.Evidence += len(sub.Evidence)
				total += cov
				if cov >= threshold {
					pc.Covered++
				}
			}
		}
		if pc.SubRequirements > 0 {
			pc.MeanCoverage = total / float64(pc.SubRequirements)
		}
		out = append(out, pc)
	}
	return out
}

// FormatSummary writes a coverage table to w.
func FormatSummary(w io.Writer, r *types.Report, rows []PillarCoverage) {
	fmt.Fprintf(w, "Report %s v%d", r.ID, r.Version)
	if r.Title != "" {
		fmt.Fprintf(w, " (%s)", r.Title)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%-12s  %-24s  %7s  %8s  %8s\n", "Pillar", "Name", "Covered", "Evidence", "Mean")
	fmt.Fprintln(w, strings.Repeat("-", 68))
	for _, row := range rows {
		name := row.Name
		if len(name) > 24 {
			name = name[:21] + "..."
		}
		fmt.Fprintf(w, "%-12s  %-24s  %3d/%-3d  %8d  %7.2f%%\n",
			row.PillarID, name, row.Covered, row.SubRequirements, row.Evidence, row.MeanCoverage)
	}
}

func isJSON(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}
