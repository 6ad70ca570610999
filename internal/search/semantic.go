// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pdiddy/evidence-engine/internal/httputil"
	"github.com/pdiddy/evidence-engine/pkg/types"
)

// semanticAPIBase is the Semantic Scholar paper search endpoint. Declared
// as a var so tests can substitute an httptest server.
var semanticAPIBase = "https://api.semanticscholar.org/graph/v1/paper/search"

const semanticFields = "title,abstract,externalIds,year,publicationDate"

// defaultLimit applies when a caller passes a non-positive limit.
const defaultLimit = 10

// SemanticScholarBackend queries the Semantic Scholar Graph API.
type SemanticScholarBackend struct {
	Client    *http.Client
	APIKey    string
	UserAgent string
	Logger    *zap.Logger
}

// Name returns the backend identifier.
func (b *SemanticScholarBackend) Name() string { return "semantic_scholar" }

// Search queries the API. Document ids prefer the arXiv id, then the DOI,
// then the Semantic Scholar paper id, each with a scheme prefix. Papers
// with neither title nor abstract are dropped.
func (b *SemanticScholarBackend) Search(ctx context.Context, query string, limit int) ([]types.Document, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, &types.ValidationError{Subject: "search query", Problems: []string{"empty query"}}
	}
	if limit <= 0 {
		limit = defaultLimit
	}

	params := url.Values{
		"query":  {query},
		"limit":  {strconv.Itoa(limit)},
		"fields": {semanticFields},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, semanticAPIBase+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if b.UserAgent != "" {
		req.Header.Set("User-Agent", b.UserAgent)
	}
	if b.APIKey != "" {
		req.Header.Set("x-api-key", b.APIKey)
	}

	client := b.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Semantic Scholar API request: %w", httputil.ClassifyTransport(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading Semantic Scholar response: %w", &types.TransientError{Err: err})
	}
	if err := httputil.ClassifyStatus(resp, body); err != nil {
		return nil, fmt.Errorf("Semantic Scholar API: %w", err)
	}

	var sr semanticResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, fmt.Errorf("parsing Semantic Scholar response: %w", &types.TransientError{Err: err})
	}

	var docs []types.Document
	for _, paper := range sr.Data {
		text := documentText(paper.Title, paper.Abstract)
		if text == "" {
			continue
		}
		docs = append(docs, types.Document{
			ID:         paper.documentID(),
			Title:      paper.Title,
			Text:       text,
			Source:     b.Name(),
			ModifiedAt: paper.date(),
		})
		if len(docs) == limit {
			break
		}
	}
	if b.Logger != nil {
		b.Logger.Debug("semantic scholar search",
			zap.String("query", query), zap.Int("total", sr.Total), zap.Int("kept", len(docs)))
	}
	return docs, nil
}

// Semantic Scholar API JSON structures.
type semanticResponse struct {
	Total  int             `json:"total"`
	Offset int             `json:"offset"`
	Data   []semanticPaper `json:"data"`
}

type semanticPaper struct {
	PaperID         string              `json:"paperId"`
	Title           string              `json:"title"`
	Abstract        string              `json:"abstract"`
	Year            int                 `json:"year"`
	PublicationDate string              `json:"publicationDate"`
	ExternalIDs     semanticExternalIDs `json:"externalIds"`
}

type semanticExternalIDs struct {
	DOI   string `json:"DOI"`
	ArXiv string `json:"ArXiv"`
}

func (p semanticPaper) documentID() string {
	switch {
	case p.ExternalIDs.ArXiv != "":
		return "arxiv:" + p.ExternalIDs.ArXiv
	case p.ExternalIDs.DOI != "":
		return "doi:" + strings.ToLower(p.ExternalIDs.DOI)
	default:
		return "s2:" + p.PaperID
	}
}

func (p semanticPaper) date() time.Time {
	if p.PublicationDate != "" {
		if t, err := time.Parse("2006-01-02", p.PublicationDate); err == nil {
			return t
		}
	}
	if p.Year > 0 {
		return time.Date(p.Year, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return time.Time{}
}
