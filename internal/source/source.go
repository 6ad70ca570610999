// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package source yields candidate documents for the pipeline. A Source is
// asked for documents that are new since an opaque marker and returns the
// marker to pass next time.
package source

import (
	"context"
	"strconv"
	"sync"

	"github.com/pdiddy/evidence-engine/pkg/types"
)

// Source lists documents added since a marker. An empty marker means from
// the beginning.
type Source interface {
	ListNewDocuments(ctx context.Context, since string) ([]types.Document, string, error)
}

// Static serves a fixed, append-only list of documents. Its marker is the
// number of documents already handed out.
type Static struct {
	mu   sync.Mutex
	docs []types.Document
}

// NewStatic returns a Static source over docs.
func NewStatic(docs ...types.Document) *Static {
	return &Static{docs: append([]types.Document(nil), docs...)}
}

// Add appends documents; they are returned by the next listing.
func (s *Static) Add(docs ...types.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = append(s.docs, docs...)
}

// ListNewDocuments returns the documents after position since.
func (s *Static) ListNewDocuments(ctx context.Context, since string) ([]types.Document, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, since, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	start := 0
	if since != "" {
		n, err := strconv.Atoi(since)
		if err != nil || n < 0 {
			return nil, since, &types.ValidationError{Subject: "source marker", Problems: []string{"want a document count, got " + strconv.Quote(since)}}
		}
		start = n
	}
	if start > len(s.docs) {
		start = len(s.docs)
	}
	out := append([]types.Document(nil), s.docs[start:]...)
	return out, strconv.Itoa(len(s.docs)), nil
}
