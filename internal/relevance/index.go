// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package relevance

import (
	"context"
	"fmt"
	"strconv"

	"github.com/philippgille/chromem-go"

	"github.com/pdiddy/evidence-engine/pkg/types"
)

const gapCollection = "gaps"

// indexMatcher answers SubScores from an in-memory chromem collection of gap
// vectors. Only each document's nearest gaps get a non-zero sub-score, which
// is exact for the maximum and the top matches.
type indexMatcher struct {
	emb        Embedding
	collection *chromem.Collection
	numGaps    int
	neighbours int
}

func newIndexMatcher(ctx context.Context, emb Embedding, gaps []types.Gap) (*indexMatcher, error) {
	db := chromem.NewDB()
	embed := func(_ context.Context, text string) ([]float32, error) {
		v := emb.Embed(text)
		if v == nil {
			return nil, fmt.Errorf("no content words to embed")
		}
		return v, nil
	}
	coll, err := db.CreateCollection(gapCollection, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("creating gap index: %w", err)
	}

	docs := make([]chromem.Document, 0, len(gaps))
	for i, g := range gaps {
		v := emb.Embed(gapText(g))
		if v == nil {
			continue
		}
		docs = append(docs, chromem.Document{
			ID:        strconv.Itoa(i),
			Content:   gapText(g),
			Embedding: v,
			Metadata:  map[string]string{"gap_id": g.SubRequirementID},
		})
	}
	if len(docs) > 0 {
		if err := coll.AddDocuments(ctx, docs, 4); err != nil {
			return nil, fmt.Errorf("indexing gaps: %w", err)
		}
	}

	neighbours := TopMatches
	if neighbours > len(docs) {
		neighbours = len(docs)
	}
	return &indexMatcher{emb: emb, collection: coll, numGaps: len(gaps), neighbours: neighbours}, nil
}

func (m *indexMatcher) SubScores(doc types.Document) []float64 {
	scores := make([]float64, m.numGaps)
	if m.neighbours == 0 {
		return scores
	}
	dv := m.emb.Embed(documentText(doc))
	if dv == nil {
		return scores
	}
	hits, err := m.collection.QueryEmbedding(context.Background(), dv, m.neighbours, nil, nil)
	if err != nil {
		return scores
	}
	for _, h := range hits {
		i, err := strconv.Atoi(h.ID)
		if err != nil || i < 0 || i >= m.numGaps {
			continue
		}
		scores[i] = clamp01(float64(h.Similarity))
	}
	return scores
}
