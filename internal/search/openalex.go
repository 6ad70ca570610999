// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pdiddy/evidence-engine/internal/httputil"
	"github.com/pdiddy/evidence-engine/pkg/types"
)

// openAlexSearchBase is the OpenAlex Works search endpoint. Declared as a
// var so tests can substitute an httptest server.
var openAlexSearchBase = "https://api.openalex.org/works"

// openAlexMaxPerPage is the largest page OpenAlex serves.
const openAlexMaxPerPage = 200

// OpenAlexBackend queries the OpenAlex API.
type OpenAlexBackend struct {
	Client *http.Client
	// Email is sent as mailto parameter for polite pool access.
	Email     string
	UserAgent string
}

// Name returns the backend identifier.
func (b *OpenAlexBackend) Name() string { return "openalex" }

// Search queries OpenAlex works. Ids are "doi:<doi>" when the work has a
// DOI and "openalex:<work id>" otherwise.
func (b *OpenAlexBackend) Search(ctx context.Context, query string, limit int) ([]types.Document, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, &types.ValidationError{Subject: "search query", Problems: []string{"empty query"}}
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > openAlexMaxPerPage {
		limit = openAlexMaxPerPage
	}

	params := url.Values{
		"search":   {query},
		"per_page": {strconv.Itoa(limit)},
		"page":     {"1"},
	}
	if b.Email != "" {
		params.Set("mailto", b.Email)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, openAlexSearchBase+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if b.UserAgent != "" {
		req.Header.Set("User-Agent", b.UserAgent)
	}

	client := b.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("OpenAlex API request: %w", httputil.ClassifyTransport(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading OpenAlex response: %w", &types.TransientError{Err: err})
	}
	if err := httputil.ClassifyStatus(resp, body); err != nil {
		return nil, fmt.Errorf("OpenAlex API: %w", err)
	}

	var oar openAlexResponse
	if err := json.Unmarshal(body, &oar); err != nil {
		return nil, fmt.Errorf("parsing OpenAlex response: %w", &types.TransientError{Err: err})
	}

	var docs []types.Document
	for _, work := range oar.Results {
		text := documentText(work.Title, reconstructAbstract(work.AbstractInvertedIndex))
		if text == "" {
			continue
		}
		docs = append(docs, types.Document{
			ID:         work.documentID(),
			Title:      work.Title,
			Text:       text,
			Source:     b.Name(),
			ModifiedAt: work.date(),
		})
	}
	return docs, nil
}

// reconstructAbstract converts OpenAlex's abstract_inverted_index back to
// plain text. The inverted index maps each word to the positions where it
// appears.
func reconstructAbstract(invertedIndex map[string][]int) string {
	if len(invertedIndex) == 0 {
		return ""
	}

	type posWord struct {
		pos  int
		word string
	}
	var pairs []posWord
	for word, positions := range invertedIndex {
		for _, pos := range positions {
			pairs = append(pairs, posWord{pos: pos, word: word})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		return pairs[i].pos < pairs[j].pos
	})

	words := make([]string, len(pairs))
	for i, p := range pairs {
		words[i] = p.word
	}
	return strings.Join(words, " ")
}

// OpenAlex API JSON structures.
type openAlexResponse struct {
	Results []openAlexWork `json:"results"`
}

type openAlexWork struct {
	ID                    string           `json:"id"`
	Title                 string           `json:"title"`
	DOI                   string           `json:"doi"`
	PublicationDate       string           `json:"publication_date"`
	PublicationYear       int              `json:"publication_year"`
	AbstractInvertedIndex map[string][]int `json:"abstract_inverted_index"`
}

func (w openAlexWork) documentID() string {
	if w.DOI != "" {
		return "doi:" + strings.ToLower(strings.TrimPrefix(w.DOI, "https://doi.org/"))
	}
	return "openalex:" + strings.TrimPrefix(w.ID, "https://openalex.org/")
}

func (w openAlexWork) date() time.Time {
	if w.PublicationDate != "" {
		if t, err := time.Parse("2006-01-02", w.PublicationDate); err == nil {
			return t
		}
	}
	if w.PublicationYear > 0 {
		return time.Date(w.PublicationYear, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return time.Time{}
}
