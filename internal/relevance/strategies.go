// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package relevance

import (
	"hash/fnv"
	"math"
	"strings"

	"github.com/pdiddy/evidence-engine/internal/textutil"
	"github.com/pdiddy/evidence-engine/pkg/types"
)

// Keyword scores a gap by the fraction of its keyword hints that appear in
// the document.
type Keyword struct{}

// Name returns "keyword".
func (Keyword) Name() string { return "keyword" }

// Prepare returns a matcher over the gaps' keyword lists.
func (Keyword) Prepare(gaps []types.Gap) Matcher {
	return keywordMatcher{gaps: gaps}
}

type keywordMatcher struct {
	gaps []types.Gap
}

func (m keywordMatcher) SubScores(doc types.Document) []float64 {
	tokens := textutil.TokenSet(documentText(doc))
	scores := make([]float64, len(m.gaps))
	for i, g := range m.gaps {
		if len(g.Keywords) == 0 {
			continue
		}
		hits := 0
		for _, kw := range g.Keywords {
			if tokens[kw] {
				hits++
			}
		}
		scores[i] = float64(hits) / float64(len(g.Keywords))
	}
	return scores
}

// Embedding scores a gap by cosine similarity between feature-hashed
// bag-of-words vectors of the document and the gap's hints.
type Embedding struct {
	// Dimensions is the vector size (default 256).
	Dimensions int
}

// Name returns "embedding".
func (Embedding) Name() string { return "embedding" }

func (e Embedding) dims() int {
	if e.Dimensions <= 0 {
		return 256
	}
	return e.Dimensions
}

// Embed returns the L2-normalized hashed vector of text, or nil when text
// has no content words.
func (e Embedding) Embed(text string) []float32 {
	dims := e.dims()
	vec := make([]float32, dims)
	words := textutil.Keywords(text)
	if len(words) == 0 {
		return nil
	}
	for _, w := range words {
		h := fnv.New32a()
		h.Write([]byte(w))
		sum := h.Sum32()
		sign := float32(1)
		if sum&(1<<31) != 0 {
			sign = -1
		}
		vec[int(sum%uint32(dims))] += sign
	}
	return normalize(vec)
}

// Prepare embeds every gap once.
func (e Embedding) Prepare(gaps []types.Gap) Matcher {
	vecs := make([][]float32, len(gaps))
	for i, g := range gaps {
		vecs[i] = e.Embed(gapText(g))
	}
	return embeddingMatcher{emb: e, gapVecs: vecs}
}

type embeddingMatcher struct {
	emb     Embedding
	gapVecs [][]float32
}

func (m embeddingMatcher) SubScores(doc types.Document) []float64 {
	scores := make([]float64, len(m.gapVecs))
	dv := m.emb.Embed(documentText(doc))
	if dv == nil {
		return scores
	}
	for i, gv := range m.gapVecs {
		if gv == nil {
			continue
		}
		scores[i] = clamp01(dot(dv, gv))
	}
	return scores
}

// gapText is the text embedded for a gap: its keyword hints.
func gapText(g types.Gap) string {
	return strings.Join(g.Keywords, " ")
}

func documentText(doc types.Document) string {
	if doc.Title == "" {
		return doc.Text
	}
	return doc.Title + "\n" + doc.Text
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func normalize(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return nil
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= inv
	}
	return v
}
