// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package prioritize

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/evidence-engine/pkg/types"
)

func testConfig() Config {
	return Config{
		PrioritizerConfig: types.PrioritizerConfig{
			CloseFraction: 0.95,
			TargetDeficit: 5,
			MinSeverity:   types.SeverityMedium,
			ROIFloor:      1,
		},
		Now: func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) },
	}
}

func gap(id string, sev types.Severity, deficit float64) types.Gap {
	return types.Gap{
		SubRequirementID: id,
		Severity:         sev,
		TargetCoverage:   100,
		CurrentCoverage:  100 - deficit,
		Deficit:          deficit,
	}
}

func item(id string, cost float64, targets ...string) types.WorkItem {
	return types.WorkItem{ID: id, Kind: types.WorkSearch, EstimatedCost: cost, TargetGaps: targets}
}

func ids(items []types.WorkItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func testGaps() []types.Gap {
	return []types.Gap{
		gap("S1", types.SeverityCritical, 66.67),
		gap("S2", types.SeverityLow, 100),
		gap("S3", types.SeverityMedium, 33.33),
	}
}

func TestNew_ValuesAndOrder(t *testing.T) {
	p := New([]types.WorkItem{
		item("low", 1, "S2"),
		item("crit", 1, "S1"),
		item("both", 2, "S1", "S3"),
	}, testGaps(), testConfig())

	items := p.Items()
	assert.Equal(t, []string{"crit", "both", "low"}, ids(items))

	// critical weight 4, medium weight 2
	assert.InDelta(t, 66.67*4, items[0].EstimatedValue, 1e-9)
	assert.InDelta(t, 66.67*4+33.33*2, items[1].EstimatedValue, 1e-9)
	assert.InDelta(t, (66.67*4+33.33*2)/2, items[1].ROI, 1e-6)
	assert.InDelta(t, 100.0, items[2].ROI, 1e-6)
	for _, it := range items {
		assert.Equal(t, types.WorkPending, it.Status)
	}
}

func TestNextBatch_TopNAndHistory(t *testing.T) {
	p := New([]types.WorkItem{
		item("a", 1, "S2"),
		item("b", 1, "S1"),
		item("c", 1, "S3"),
	}, testGaps(), testConfig())

	batch := p.NextBatch(2)
	assert.Equal(t, []string{"b", "a"}, ids(batch))

	hist := p.History()
	require.Len(t, hist, 1)
	assert.Equal(t, 2, hist[0].BatchSize)
	assert.InDelta(t, 66.67*4, hist[0].TopROI, 1e-6)
	assert.InDelta(t, (66.67*4+100)/2, hist[0].AverageROI, 1e-6)
	assert.False(t, hist[0].Converged)

	// In-progress items are not handed out twice.
	next := p.NextBatch(5)
	assert.Equal(t, []string{"c"}, ids(next))
}

func TestNextBatch_ConvergedWhenAllCovered(t *testing.T) {
	gaps := []types.Gap{gap("S1", types.SeverityCritical, 0), gap("S2", types.SeverityHigh, 0)}
	p := New([]types.WorkItem{item("a", 1, "S1"), item("b", 1, "S2")}, gaps, testConfig())

	assert.Empty(t, p.NextBatch(3))
	hist := p.History()
	require.NotEmpty(t, hist)
	last := hist[len(hist)-1]
	assert.True(t, last.Converged)
	assert.Equal(t, StopConverged, last.Reason)
	assert.Equal(t, 0, last.BatchSize)
}

func TestRecalculate_CrossItemEffects(t *testing.T) {
	gaps := []types.Gap{gap("S1", types.SeverityCritical, 66.67), gap("S3", types.SeverityMedium, 66.67)}
	p := New([]types.WorkItem{
		item("first", 1, "S1"),
		item("second", 1, "S1"),
		item("third", 1, "S3"),
	}, gaps, testConfig())

	batch := p.NextBatch(1)
	require.Equal(t, []string{"first"}, ids(batch))

	// "first" brought S1 to full coverage, which also closes "second".
	report := &types.Report{
		ID: "r",
		Pillars: []types.Pillar{{ID: "p", Requirements: []types.Requirement{{ID: "r1", SubRequirements: []types.SubRequirement{
			{ID: "S1", Evidence: []types.Evidence{{DocumentID: "a", Score: 1}, {DocumentID: "b", Score: 1}, {DocumentID: "c", Score: 1}}},
			{ID: "S3", Evidence: []types.Evidence{{DocumentID: "a", Score: 1}}},
		}}}}},
	}
	require.NoError(t, p.Recalculate([]string{"first"}, report))

	byID := make(map[string]types.WorkItem)
	for _, it := range p.Items() {
		byID[it.ID] = it
	}
	assert.Equal(t, types.WorkDone, byID["first"].Status)
	assert.Equal(t, types.WorkSkipped, byID["second"].Status)
	assert.Equal(t, types.WorkPending, byID["third"].Status)
	assert.InDelta(t, 66.67*2, byID["third"].EstimatedValue, 1e-9)

	gapsNow := p.Gaps()
	assert.Equal(t, 0.0, gapsNow[0].Deficit)
	assert.InDelta(t, 66.67, gapsNow[1].Deficit, 1e-9)
}

func TestRecalculate_Errors(t *testing.T) {
	p := New([]types.WorkItem{item("a", 1, "S1")}, testGaps(), testConfig())

	var verr *types.ValidationError
	require.True(t, errors.As(p.Recalculate(nil, nil), &verr))

	var nf *types.NotFoundError
	err := p.Recalculate([]string{"nope"}, &types.Report{ID: "r"})
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, types.WorkPending, p.Items()[0].Status)
}

func TestDone(t *testing.T) {
	t.Run("exhausted", func(t *testing.T) {
		p := New(nil, testGaps(), testConfig())
		done, reason := p.Done()
		assert.True(t, done)
		assert.Equal(t, StopExhausted, reason)
	})

	t.Run("diminishing returns", func(t *testing.T) {
		cfg := testConfig()
		cfg.ROIFloor = 1000
		p := New([]types.WorkItem{item("a", 1, "S1")}, testGaps(), cfg)
		done, reason := p.Done()
		assert.True(t, done)
		assert.Equal(t, StopDiminishing, reason)
		assert.Empty(t, p.NextBatch(1))
		assert.Equal(t, StopDiminishing, p.History()[0].Reason)
	})

	t.Run("low severity gaps do not block convergence", func(t *testing.T) {
		gaps := []types.Gap{gap("S1", types.SeverityHigh, 4), gap("S2", types.SeverityLow, 100)}
		p := New([]types.WorkItem{item("a", 1, "S2")}, gaps, testConfig())
		done, reason := p.Done()
		assert.True(t, done)
		assert.Equal(t, StopConverged, reason)
	})

	t.Run("open work", func(t *testing.T) {
		p := New([]types.WorkItem{item("a", 1, "S1")}, testGaps(), testConfig())
		done, reason := p.Done()
		assert.False(t, done)
		assert.Equal(t, StopNone, reason)
	})
}

func TestZeroCostItemsStayFinite(t *testing.T) {
	p := New([]types.WorkItem{item("free", 0, "S1")}, testGaps(), testConfig())
	it := p.Items()[0]
	assert.Greater(t, it.ROI, 1e9)
	assert.False(t, it.ROI > 1e300)
}

func TestPlanSearchItems(t *testing.T) {
	gaps := []types.Gap{
		{SubRequirementID: "S1", PillarID: "sec", RequirementID: "r1", Keywords: []string{"encryption", "rest", "aes", "keys"}},
		{SubRequirementID: "S2", PillarID: "sec", RequirementID: "r1", Keywords: []string{"rotation", "keys", "kms", "hsm", "audit"}},
		{SubRequirementID: "S3", PillarID: "ops", RequirementID: "r2", Keywords: []string{"backup"}},
		{SubRequirementID: "S4", PillarID: "ops", RequirementID: "r3"},
	}
	items := PlanSearchItems(gaps)
	require.Len(t, items, 2)

	assert.Equal(t, "encryption rest aes keys rotation kms", items[0].Query)
	assert.Equal(t, []string{"S1", "S2"}, items[0].TargetGaps)
	assert.Equal(t, types.WorkSearch, items[0].Kind)
	assert.Equal(t, 1.0, items[0].EstimatedCost)
	_, err := uuid.Parse(items[0].ID)
	assert.NoError(t, err)

	assert.Equal(t, "backup", items[1].Query)
}

func TestPlanReviewItems(t *testing.T) {
	items := PlanReviewItems(map[string][]string{
		"doc_b": {"S1"},
		"doc_a": {"S2", "S3"},
		"doc_c": nil,
	})
	require.Len(t, items, 2)
	assert.Equal(t, "doc_a", items[0].DocumentID)
	assert.Equal(t, types.WorkReview, items[0].Kind)
	assert.Equal(t, "review-doc_b", items[1].ID)
}
