// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package search finds candidate documents for deep-pass work items by
// querying academic APIs. Every backend returns documents whose text is the
// title followed by the abstract.
package search

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pdiddy/evidence-engine/pkg/types"
)

// Searcher runs one free-text query and returns at most limit documents.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]types.Document, error)
}

// Backend is a Searcher with a name for logs and document sources.
type Backend interface {
	Searcher
	Name() string
}

// New builds a Searcher from configuration. A single backend is returned
// as is; several are wrapped in a Multi.
func New(cfg types.SearchConfig, client *http.Client, logger *zap.Logger) (Searcher, error) {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	names := cfg.Backends
	if len(names) == 0 {
		names = []string{"semantic_scholar"}
	}

	var backends []Backend
	for _, name := range names {
		switch name {
		case "semantic_scholar":
			backends = append(backends, &SemanticScholarBackend{
				Client:    client,
				APIKey:    cfg.SemanticScholarAPIKey,
				UserAgent: cfg.UserAgent,
				Logger:    logger,
			})
		case "openalex":
			backends = append(backends, &OpenAlexBackend{
				Client:    client,
				Email:     cfg.OpenAlexEmail,
				UserAgent: cfg.UserAgent,
			})
		default:
			return nil, &types.ValidationError{Subject: "search config", Problems: []string{fmt.Sprintf("unknown backend %q", name)}}
		}
	}
	if len(backends) == 1 {
		return backends[0], nil
	}
	return &Multi{Backends: backends, Logger: logger}, nil
}

// Multi fans a query out to every backend concurrently and deduplicates the
// results by document id and normalized title. A failing backend is logged
// and skipped; Multi fails only when every backend fails.
type Multi struct {
	Backends []Backend
	Logger   *zap.Logger
}

// Search queries all backends and returns up to limit unique documents in
// backend order.
func (m *Multi) Search(ctx context.Context, query string, limit int) ([]types.Document, error) {
	if len(m.Backends) == 0 {
		return nil, &types.ValidationError{Subject: "search", Problems: []string{"no search backends configured"}}
	}
	logger := m.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	results := make([][]types.Document, len(m.Backends))
	errs := make([]error, len(m.Backends))
	var g errgroup.Group
	for i, b := range m.Backends {
		g.Go(func() error {
			results[i], errs[i] = b.Search(ctx, query, limit)
			return nil
		})
	}
	g.Wait()

	var all []types.Document
	failed := 0
	var firstErr error
	for i, b := range m.Backends {
		if errs[i] != nil {
			failed++
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", b.Name(), errs[i])
			}
			logger.Warn("search backend failed", zap.String("backend", b.Name()), zap.Error(errs[i]))
			continue
		}
		all = append(all, results[i]...)
	}
	if failed == len(m.Backends) {
		return nil, firstErr
	}

	deduped, removed := Deduplicate(all)
	if removed > 0 {
		logger.Debug("search duplicates removed", zap.String("query", query), zap.Int("removed", removed))
	}
	if limit > 0 && len(deduped) > limit {
		deduped = deduped[:limit]
	}
	return deduped, nil
}

// Deduplicate drops documents that share an id or a normalized title with
// an earlier one, filling the kept document's empty title and text from the
// dropped copy. It returns the unique documents and the number removed.
func Deduplicate(docs []types.Document) ([]types.Document, int) {
	seen := make(map[string]int)
	var out []types.Document
	removed := 0

	for _, d := range docs {
		idKey := "id:" + d.ID
		titleKey := "title:" + normalizeTitle(d.Title)

		idx, ok := seen[idKey]
		if !ok && titleKey != "title:" {
			idx, ok = seen[titleKey]
		}
		if ok {
			mergeInto(&out[idx], d)
			removed++
			continue
		}

		idx = len(out)
		out = append(out, d)
		if d.ID != "" {
			seen[idKey] = idx
		}
		if titleKey != "title:" {
			seen[titleKey] = idx
		}
	}
	return out, removed
}

func mergeInto(dst *types.Document, src types.Document) {
	if dst.Title == "" {
		dst.Title = src.Title
	}
	if len(src.Text) > len(dst.Text) {
		dst.Text = src.Text
	}
	if dst.ModifiedAt.IsZero() {
		dst.ModifiedAt = src.ModifiedAt
	}
	if src.Source != "" && !strings.Contains(dst.Source, src.Source) {
		dst.Source = dst.Source + "," + src.Source
	}
}

// normalizeTitle returns a lowercased, punctuation-stripped version of the title.
func normalizeTitle(title string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(title) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// documentText joins title and abstract the way every backend presents a
// paper to the evaluator.
func documentText(title, abstract string) string {
	title = strings.TrimSpace(title)
	abstract = strings.TrimSpace(abstract)
	switch {
	case abstract == "":
		return title
	case title == "":
		return abstract
	default:
		return title + "\n\n" + abstract
	}
}
