// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package merge

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/cucumber/godog"

	"github.com/pdiddy/evidence-engine/pkg/types"
)

// TestMergeFeatures runs the merge scenarios in features/ through godog.
func TestMergeFeatures(t *testing.T) {
	suite := godog.TestSuite{
		Name:                "merge",
		ScenarioInitializer: initializeMergeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			Strict:   true,
			TestingT: t,
		},
	}
	if suite.Run() != 0 {
		t.Fatalf("non-zero godog status")
	}
}

type mergeState struct {
	base        *types.Report
	incremental *types.Report
	policy      types.ConflictPolicy
	result      *Result
}

func initializeMergeScenario(ctx *godog.ScenarioContext) {
	s := &mergeState{}
	ctx.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
		*s = mergeState{}
		return ctx, nil
	})

	ctx.Step(`^a base report where sub-requirement "([^"]+)" cites:$`, s.givenBase)
	ctx.Step(`^an incremental report where sub-requirement "([^"]+)" cites:$`, s.givenIncremental)
	ctx.Step(`^the reports are merged with policy "([^"]+)"$`, s.merge)
	ctx.Step(`^the same increment is merged again$`, s.mergeAgain)
	ctx.Step(`^sub-requirement "([^"]+)" cites documents "([^"]+)" in order$`, s.citesInOrder)
	ctx.Step(`^sub-requirement "([^"]+)" has coverage (\d+(?:\.\d+)?)$`, s.hasCoverage)
	ctx.Step(`^the merge stats report (\d+) papers added and (\d+) evidence duplicated$`, s.statsReport)
	ctx.Step(`^the merged report is version (\d+)$`, s.isVersion)
	ctx.Step(`^(\d+) conflicts? (?:is|are) recorded$`, s.conflictsRecorded)
	ctx.Step(`^sub-requirement "([^"]+)" has (\d+) evidence items for "([^"]+)"$`, s.copiesFor)
}

func evidenceTable(table *godog.Table) ([]types.Evidence, error) {
	var out []types.Evidence
	for i, row := range table.Rows {
		if i == 0 {
			continue
		}
		if len(row.Cells) != 3 {
			return nil, fmt.Errorf("row %d: want 3 cells, got %d", i, len(row.Cells))
		}
		score, err := strconv.ParseFloat(row.Cells[2].Value, 64)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out = append(out, types.Evidence{
			DocumentID: row.Cells[0].Value,
			Claim:      row.Cells[1].Value,
			Score:      score,
		})
	}
	return out, nil
}

func (s *mergeState) givenBase(subID string, table *godog.Table) error {
	ev, err := evidenceTable(table)
	if err != nil {
		return err
	}
	s.base = oneSubReport("base", ev...)
	s.base.Pillars[0].Requirements[0].SubRequirements[0].ID = subID
	return nil
}

func (s *mergeState) givenIncremental(subID string, table *godog.Table) error {
	ev, err := evidenceTable(table)
	if err != nil {
		return err
	}
	s.incremental = oneSubReport("increment", ev...)
	s.incremental.Pillars[0].Requirements[0].SubRequirements[0].ID = subID
	return nil
}

func (s *mergeState) merge(policy string) error {
	s.policy = types.ConflictPolicy(policy)
	res, err := Merge(s.base, s.incremental, Options{Policy: s.policy, Now: clock})
	if err != nil {
		return err
	}
	s.result = res
	return nil
}

func (s *mergeState) mergeAgain() error {
	res, err := Merge(s.result.Report, s.incremental, Options{Policy: s.policy, Now: clock})
	if err != nil {
		return err
	}
	s.result = res
	return nil
}

func (s *mergeState) sub(id string) (*types.SubRequirement, error) {
	if s.result == nil {
		return nil, fmt.Errorf("no merge has run")
	}
	sub, ok := s.result.Report.SubRequirement(id)
	if !ok {
		return nil, fmt.Errorf("sub-requirement %q missing from merged report", id)
	}
	return sub, nil
}

func (s *mergeState) citesInOrder(id, docs string) error {
	sub, err := s.sub(id)
	if err != nil {
		return err
	}
	var got []string
	for _, e := range sub.Evidence {
		got = append(got, e.DocumentID)
	}
	if strings.Join(got, ",") != docs {
		return fmt.Errorf("cited documents = %v, want %s", got, docs)
	}
	return nil
}

func (s *mergeState) hasCoverage(id string, want float64) error {
	sub, err := s.sub(id)
	if err != nil {
		return err
	}
	if sub.CoveragePercent != want {
		return fmt.Errorf("coverage = %v, want %v", sub.CoveragePercent, want)
	}
	return nil
}

func (s *mergeState) statsReport(papers, duplicated int) error {
	st := s.result.Stats
	if st.PapersAdded != papers || st.EvidenceDuplicated != duplicated {
		return fmt.Errorf("papers_added=%d evidence_duplicated=%d, want %d and %d",
			st.PapersAdded, st.EvidenceDuplicated, papers, duplicated)
	}
	return nil
}

func (s *mergeState) isVersion(v int) error {
	if s.result.Report.Version != v {
		return fmt.Errorf("version = %d, want %d", s.result.Report.Version, v)
	}
	return nil
}

func (s *mergeState) conflictsRecorded(n int) error {
	if len(s.result.Conflicts) != n {
		return fmt.Errorf("conflicts = %d, want %d", len(s.result.Conflicts), n)
	}
	return nil
}

func (s *mergeState) copiesFor(id string, n int, doc string) error {
	sub, err := s.sub(id)
	if err != nil {
		return err
	}
	if got := len(sub.EvidenceFor(doc)); got != n {
		return fmt.Errorf("%d copies of %s, want %d", got, doc, n)
	}
	return nil
}
