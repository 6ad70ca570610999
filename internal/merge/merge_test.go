// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package merge

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pdiddy/evidence-engine/internal/coverage"
	"github.com/pdiddy/evidence-engine/pkg/types"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

func oneSubReport(id string, evidence ...types.Evidence) *types.Report {
	return &types.Report{
		ID:      id,
		Version: 1,
		Pillars: []types.Pillar{{
			ID:   "security",
			Name: "Security",
			Requirements: []types.Requirement{{
				ID:    "sec-1",
				Title: "Data protection",
				SubRequirements: []types.SubRequirement{{
					ID:          "S1",
					Description: "Encrypt data at rest",
					Severity:    types.SeverityCritical,
					Evidence:    evidence,
				}},
			}},
		}},
	}
}

func docA() types.Evidence {
	return types.Evidence{DocumentID: "doc_A", Claim: "AES-256 at rest", Score: 0.9, Locator: &types.Locator{Page: 3}}
}

func docB() types.Evidence {
	return types.Evidence{DocumentID: "doc_B", Claim: "disk encryption enabled", Score: 0.8}
}

func TestMerge_BarCase(t *testing.T) {
	base := oneSubReport("base", docA())
	base.RecomputeCoverage(coverage.Default())
	require.Equal(t, 33.33, base.Pillars[0].Requirements[0].SubRequirements[0].CoveragePercent)

	inc := oneSubReport("inc", docA(), docB())

	res, err := Merge(base, inc, Options{Now: clock, JobID: "job-1", Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)

	sub, ok := res.Report.SubRequirement("S1")
	require.True(t, ok)
	require.Len(t, sub.Evidence, 2)
	assert.Equal(t, "doc_A", sub.Evidence[0].DocumentID)
	assert.Equal(t, "doc_B", sub.Evidence[1].DocumentID)
	assert.Equal(t, fixedNow, sub.Evidence[1].MergeTimestamp)
	assert.Equal(t, 66.67, sub.CoveragePercent)

	assert.Equal(t, 1, res.Stats.PapersAdded)
	assert.Equal(t, 1, res.Stats.EvidenceAdded)
	assert.Equal(t, 1, res.Stats.EvidenceDuplicated)
	assert.Equal(t, 0, res.Stats.Conflicts)
	assert.Equal(t, 1, res.Stats.RequirementsUpdated)
	assert.Empty(t, res.Conflicts)

	assert.Equal(t, 2, res.Report.Version)
	require.Len(t, res.Report.MergeHistory, 1)
	entry := res.Report.MergeHistory[0]
	assert.Equal(t, 2, entry.Version)
	assert.Equal(t, "job-1", entry.JobID)
	assert.Equal(t, types.KeepExisting, entry.Policy)
	assert.Equal(t, res.Stats, entry.Stats)
}

func TestMerge_DoesNotMutateInputs(t *testing.T) {
	base := oneSubReport("base", docA())
	inc := oneSubReport("inc", docB())
	baseCopy := base.Clone()
	incCopy := inc.Clone()

	_, err := Merge(base, inc, Options{Now: clock})
	require.NoError(t, err)
	assert.Equal(t, baseCopy, base)
	assert.Equal(t, incCopy, inc)
}

func TestMerge_SelfIsAllDuplicates(t *testing.T) {
	r := oneSubReport("r", docA(), docB())
	res, err := Merge(r, r, Options{Now: clock})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Stats.EvidenceAdded)
	assert.Equal(t, 0, res.Stats.PapersAdded)
	assert.Equal(t, 2, res.Stats.EvidenceDuplicated)
	assert.Equal(t, 2, res.Report.EvidenceCount())
}

func conflicting() types.Evidence {
	e := docA()
	e.Claim = "AES-128 at rest"
	e.Score = 0.6
	return e
}

func TestMerge_ConflictPolicies(t *testing.T) {
	tests := []struct {
		policy     types.ConflictPolicy
		wantClaims []string
		wantAdded  int
		discarded  int
	}{
		{policy: types.KeepExisting, wantClaims: []string{"AES-256 at rest"}},
		{policy: types.KeepNew, wantClaims: []string{"AES-128 at rest"}, discarded: 1},
		{policy: types.KeepBoth, wantClaims: []string{"AES-256 at rest", "AES-128 at rest"}, wantAdded: 1},
	}

	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			base := oneSubReport("base", docA())
			inc := oneSubReport("inc", conflicting())

			res, err := Merge(base, inc, Options{Policy: tt.policy, Now: clock})
			require.NoError(t, err)

			sub, _ := res.Report.SubRequirement("S1")
			var claims []string
			for _, e := range sub.Evidence {
				claims = append(claims, e.Claim)
			}
			assert.Equal(t, tt.wantClaims, claims)
			assert.Equal(t, tt.wantAdded, res.Stats.EvidenceAdded)
			assert.Equal(t, 1, res.Stats.Conflicts)
			assert.Equal(t, 0, res.Stats.PapersAdded)

			require.Len(t, res.Conflicts, 1)
			c := res.Conflicts[0]
			assert.Equal(t, "S1", c.SubRequirementID)
			assert.Equal(t, "doc_A", c.DocumentID)
			assert.Equal(t, tt.policy, c.Resolution)
			assert.Len(t, c.Discarded, tt.discarded)
			require.Len(t, c.Existing, 1)
			assert.True(t, c.Existing[0].SameContent(docA()))
			assert.True(t, c.Incoming.SameContent(conflicting()))

			var cerr *types.ConflictError
			assert.True(t, errors.As(c.Err(), &cerr))

			// One document, so coverage is unchanged whichever copy wins.
			assert.Equal(t, 33.33, sub.CoveragePercent)
		})
	}
}

func TestMerge_KeepBothIsIdempotent(t *testing.T) {
	base := oneSubReport("base", docA())
	inc := oneSubReport("inc", conflicting())

	first, err := Merge(base, inc, Options{Policy: types.KeepBoth, Now: clock})
	require.NoError(t, err)
	second, err := Merge(first.Report, inc, Options{Policy: types.KeepBoth, Now: clock})
	require.NoError(t, err)

	assert.Equal(t, 0, second.Stats.EvidenceAdded)
	assert.Equal(t, 1, second.Stats.EvidenceDuplicated)
	assert.Equal(t, 2, second.Report.EvidenceCount())
	assert.Equal(t, 3, second.Report.Version)
	assert.Len(t, second.Report.MergeHistory, 2)
}

func TestMerge_KeepBothDistinctTimestamps(t *testing.T) {
	stored := docA()
	stored.MergeTimestamp = fixedNow
	base := oneSubReport("base", stored)
	inc := oneSubReport("inc", conflicting())

	res, err := Merge(base, inc, Options{Policy: types.KeepBoth, Now: clock})
	require.NoError(t, err)
	sub, _ := res.Report.SubRequirement("S1")
	require.Len(t, sub.Evidence, 2)
	assert.False(t, sub.Evidence[0].MergeTimestamp.Equal(sub.Evidence[1].MergeTimestamp))
}

func TestMerge_NewStructure(t *testing.T) {
	base := oneSubReport("base", docA())
	inc := &types.Report{
		ID: "inc",
		Pillars: []types.Pillar{
			{
				ID: "security",
				Requirements: []types.Requirement{{
					ID: "sec-1",
					SubRequirements: []types.SubRequirement{
						{ID: "S2", Description: "Rotate keys", Evidence: []types.Evidence{docB()}},
					},
				}},
			},
			{
				ID:   "ops",
				Name: "Operations",
				Requirements: []types.Requirement{{
					ID:    "ops-1",
					Title: "Monitoring",
					SubRequirements: []types.SubRequirement{
						{ID: "S3", Description: "Alert on failures", Severity: types.SeverityHigh},
					},
				}},
			},
		},
	}

	res, err := Merge(base, inc, Options{Now: clock})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Stats.PillarsAdded)
	assert.Equal(t, 1, res.Stats.RequirementsAdded)
	assert.Equal(t, 2, res.Stats.SubRequirementsAdded)
	assert.Equal(t, 1, res.Stats.EvidenceAdded)
	assert.Equal(t, 3, res.Report.SubRequirementCount())

	s2, ok := res.Report.SubRequirement("S2")
	require.True(t, ok)
	assert.Equal(t, 33.33, s2.CoveragePercent)
	assert.Equal(t, fixedNow, s2.Evidence[0].MergeTimestamp)

	ops, ok := res.Report.Pillar("ops")
	require.True(t, ok)
	assert.Equal(t, "Operations", ops.Name)
	assert.Equal(t, types.SeverityHigh, ops.Requirements[0].SubRequirements[0].Severity)

	// Merging the same increment again adds no structure.
	again, err := Merge(res.Report, inc, Options{Now: clock})
	require.NoError(t, err)
	assert.Equal(t, 0, again.Stats.PillarsAdded)
	assert.Equal(t, 0, again.Stats.RequirementsAdded)
	assert.Equal(t, 0, again.Stats.SubRequirementsAdded)
}

func TestMerge_MetadataWarnings(t *testing.T) {
	base := oneSubReport("base", docA())
	inc := oneSubReport("inc")
	inc.Pillars[0].Name = "Security & Privacy"
	inc.Pillars[0].Requirements[0].SubRequirements[0].Description = "Encrypt everything"

	res, err := Merge(base, inc, Options{Now: clock})
	require.NoError(t, err)
	assert.Len(t, res.Warnings, 2)

	p, _ := res.Report.Pillar("security")
	assert.Equal(t, "Security", p.Name)
}

func TestMerge_ValidationErrors(t *testing.T) {
	valid := oneSubReport("ok", docA())

	badScore := docB()
	badScore.Score = 1.5
	invalid := oneSubReport("bad", badScore)

	var verr *types.ValidationError

	_, err := Merge(valid, invalid, Options{})
	require.True(t, errors.As(err, &verr))

	_, err = Merge(invalid, valid, Options{})
	require.True(t, errors.As(err, &verr))

	_, err = Merge(nil, valid, Options{})
	require.True(t, errors.As(err, &verr))

	_, err = Merge(valid, valid, Options{Policy: "newest_wins"})
	require.True(t, errors.As(err, &verr))
}

func TestMerge_WeightedCoverage(t *testing.T) {
	base := oneSubReport("base", docA())
	inc := oneSubReport("inc", docB())
	res, err := Merge(base, inc, Options{Now: clock, Coverage: coverage.Func(coverage.Weighted{})})
	require.NoError(t, err)
	sub, _ := res.Report.SubRequirement("S1")
	assert.InDelta(t, 56.67, sub.CoveragePercent, 1e-9)
}

func TestMerge_HistoryIsAppendOnly(t *testing.T) {
	r := oneSubReport("r", docA())
	for i := 0; i < 3; i++ {
		res, err := Merge(r, oneSubReport("inc", docB()), Options{Now: clock, JobID: "job"})
		require.NoError(t, err)
		require.Len(t, res.Report.MergeHistory, i+1)
		r = res.Report
	}
	assert.Equal(t, 4, r.Version)
	assert.Equal(t, []int{2, 3, 4}, []int{r.MergeHistory[0].Version, r.MergeHistory[1].Version, r.MergeHistory[2].Version})
}
