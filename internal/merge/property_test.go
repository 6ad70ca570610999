// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package merge

import (
	"fmt"
	"math/rand"
	"reflect"
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/require"

	"github.com/pdiddy/evidence-engine/pkg/types"
)

// randomReport draws a valid report from a fixed universe of pillars,
// requirements, sub-requirements, and documents so that two draws overlap.
type randomReport struct {
	*types.Report
}

var (
	claims = []string{"supports", "partially supports", "mentions"}
	scores = []float64{0.4, 0.7, 1}
)

// Generate implements quick.Generator.
func (randomReport) Generate(r *rand.Rand, _ int) reflect.Value {
	rep := &types.Report{ID: fmt.Sprintf("r%d", r.Intn(1000)), Version: r.Intn(3)}
	for p := 0; p < 3; p++ {
		if r.Intn(4) == 0 {
			continue
		}
		pillar := types.Pillar{ID: fmt.Sprintf("P%d", p), Name: fmt.Sprintf("Pillar %d", p)}
		for q := 0; q < 2; q++ {
			if r.Intn(4) == 0 {
				continue
			}
			req := types.Requirement{ID: fmt.Sprintf("P%d-R%d", p, q), Title: "req"}
			for s := 0; s < 3; s++ {
				if r.Intn(3) == 0 {
					continue
				}
				sub := types.SubRequirement{ID: fmt.Sprintf("S%d%d%d", p, q, s), Description: "sub"}
				for d := 0; d < 4; d++ {
					if r.Intn(2) == 0 {
						continue
					}
					sub.Evidence = append(sub.Evidence, types.Evidence{
						DocumentID: fmt.Sprintf("doc%d", d),
						Claim:      claims[r.Intn(len(claims))],
						Score:      scores[r.Intn(len(scores))],
					})
				}
				req.SubRequirements = append(req.SubRequirements, sub)
			}
			pillar.Requirements = append(pillar.Requirements, req)
		}
		rep.Pillars = append(rep.Pillars, pillar)
	}
	return reflect.ValueOf(randomReport{rep})
}

var policies = []types.ConflictPolicy{types.KeepExisting, types.KeepNew, types.KeepBoth}

func TestMerge_PropertyIdempotent(t *testing.T) {
	for _, policy := range policies {
		t.Run(string(policy), func(t *testing.T) {
			prop := func(a, b randomReport) bool {
				opts := Options{Policy: policy, Now: clock}
				first, err := Merge(a.Report, b.Report, opts)
				if err != nil {
					t.Logf("first merge: %v", err)
					return false
				}
				second, err := Merge(first.Report, b.Report, opts)
				if err != nil {
					t.Logf("second merge: %v", err)
					return false
				}
				s := second.Stats
				return s.EvidenceAdded == 0 &&
					s.PapersAdded == 0 &&
					s.PillarsAdded == 0 &&
					s.RequirementsAdded == 0 &&
					s.SubRequirementsAdded == 0 &&
					second.Report.EvidenceCount() == first.Report.EvidenceCount() &&
					second.Report.SubRequirementCount() == first.Report.SubRequirementCount()
			}
			require.NoError(t, quick.Check(prop, &quick.Config{MaxCount: 200}))
		})
	}
}

func TestMerge_PropertyNoDataLoss(t *testing.T) {
	for _, policy := range policies {
		t.Run(string(policy), func(t *testing.T) {
			prop := func(a, b randomReport) bool {
				res, err := Merge(a.Report, b.Report, Options{Policy: policy, Now: clock})
				if err != nil {
					return false
				}
				lost := 0
				a.Walk(func(_ *types.Pillar, _ *types.Requirement, sub *types.SubRequirement) bool {
					merged, ok := res.Report.SubRequirement(sub.ID)
					if !ok {
						lost += len(sub.Evidence)
						return true
					}
					for _, e := range sub.Evidence {
						if !containsContent(merged.Evidence, e) && !discarded(res.Conflicts, sub.ID, e) {
							lost++
						}
					}
					return true
				})
				return lost == 0
			}
			require.NoError(t, quick.Check(prop, &quick.Config{MaxCount: 200}))
		})
	}
}

func TestMerge_PropertyCoverageMatchesEvidence(t *testing.T) {
	prop := func(a, b randomReport) bool {
		res, err := Merge(a.Report, b.Report, Options{Now: clock})
		if err != nil {
			return false
		}
		ok := true
		res.Report.Walk(func(_ *types.Pillar, _ *types.Requirement, sub *types.SubRequirement) bool {
			want := map[int]float64{0: 0, 1: 33.33, 2: 66.67}[sub.DocumentCount()]
			if sub.DocumentCount() >= 3 {
				want = 100
			}
			if sub.CoveragePercent != want {
				ok = false
			}
			return ok
		})
		return ok
	}
	require.NoError(t, quick.Check(prop, &quick.Config{MaxCount: 200}))
}

func containsContent(list []types.Evidence, e types.Evidence) bool {
	for _, x := range list {
		if x.SameContent(e) {
			return true
		}
	}
	return false
}

func discarded(conflicts []Conflict, subID string, e types.Evidence) bool {
	for _, c := range conflicts {
		if c.SubRequirementID == subID && containsContent(c.Discarded, e) {
			return true
		}
	}
	return false
}
