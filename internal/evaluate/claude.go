// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package evaluate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/template"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/pdiddy/evidence-engine/internal/httputil"
	"github.com/pdiddy/evidence-engine/pkg/types"
)

// maxDocumentChars bounds the document text sent in one prompt.
const maxDocumentChars = 60000

const defaultModel = "claude-sonnet-4-5-20250929"

// evaluationPromptTmpl asks the model to judge a document against each open
// gap and answer with JSON claims.
var evaluationPromptTmpl = template.Must(template.New("evaluation").Parse(`You are an evidence reviewer. Decide whether the document below supports each of the listed requirements.

For every requirement the document supports, return one claim with:
- sub_requirement_id: the id of the requirement, exactly as listed
- claim: one or two sentences summarizing what the document says, quoting its language where possible
- score: a float between 0.0 and 1.0; 1.0 means the document fully and explicitly satisfies the requirement, 0.5 means partial or indirect support
- page: the page number where the support appears (0 if unknown)
- section: the section heading where the support appears ("" if unknown)

Omit requirements the document does not address. Respond with a JSON object containing a "claims" array and no other text.

Example response:
{"claims": [{"sub_requirement_id": "sec-1.2", "claim": "All customer data is encrypted at rest with AES-256.", "score": 0.9, "page": 4, "section": "Data Protection"}]}

Requirements:
{{range .Gaps}}- {{.SubRequirementID}} ({{.Severity}}): {{.Description}}
{{end}}{{if .Prior}}
This is an appeal. An earlier review scored these claims just below the acceptance bar. Re-read the document and either confirm a higher score with specific support or keep the score:
{{range .Prior}}- {{.SubRequirementID}}: "{{.Claim}}" (score {{printf "%.2f" .Score}})
{{end}}{{end}}
Document {{.DocumentID}}{{if .Title}}: {{.Title}}{{end}}
{{.Text}}
`))

// claudeAPIURL is the Claude API endpoint. Package-level var for test substitution.
var claudeAPIURL = "https://api.anthropic.com/v1/messages"

// ClaudeBackend evaluates documents with the Claude Messages API.
type ClaudeBackend struct {
	APIKey    string
	Model     string
	MaxTokens int
	UserAgent string
	Client    *http.Client
	Logger    *zap.Logger
}

type claudeRequest struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens"`
	Messages  []claudeMessage `json:"messages"`
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeResponse struct {
	Content []claudeContent `json:"content"`
}

type claudeContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// modelClaims is the JSON the prompt asks for.
type modelClaims struct {
	Claims []struct {
		SubRequirementID string  `json:"sub_requirement_id"`
		Claim            string  `json:"claim"`
		Score            float64 `json:"score"`
		Page             int     `json:"page"`
		Section          string  `json:"section"`
	} `json:"claims"`
}

// Evaluate sends one document and its gaps to Claude. HTTP failures are
// classified: 429 is a RateLimitError, 5xx and network failures are
// transient, 400 is a ValidationError, and 401/402/403 are fatal.
func (c *ClaudeBackend) Evaluate(ctx context.Context, doc types.Document, ectx types.EvalContext) (types.EvaluationResult, error) {
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	prompt, err := renderPrompt(doc, ectx)
	if err != nil {
		return types.EvaluationResult{}, fmt.Errorf("rendering prompt: %w", err)
	}

	model := c.Model
	if model == "" {
		model = defaultModel
	}
	maxTokens := c.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	bodyBytes, err := json.Marshal(claudeRequest{
		Model:     model,
		MaxTokens: maxTokens,
		Messages:  []claudeMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return types.EvaluationResult{}, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, claudeAPIURL, bytes.NewReader(bodyBytes))
	if err != nil {
		return types.EvaluationResult{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.APIKey)
	req.Header.Set("anthropic-version", "2023-06-01")
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return types.EvaluationResult{}, fmt.Errorf("calling Claude API: %w", httputil.ClassifyTransport(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return types.EvaluationResult{}, fmt.Errorf("Claude API: %w", httputil.ClassifyStatus(resp, body))
	}

	var cResp claudeResponse
	if err := json.NewDecoder(resp.Body).Decode(&cResp); err != nil {
		return types.EvaluationResult{}, &types.TransientError{Err: fmt.Errorf("decoding Claude response: %w", err)}
	}

	for _, block := range cResp.Content {
		if block.Type != "text" {
			continue
		}
		var mc modelClaims
		if err := json.Unmarshal([]byte(stripFences(block.Text)), &mc); err != nil {
			return types.EvaluationResult{}, &types.TransientError{Err: fmt.Errorf("parsing model JSON: %w", err)}
		}
		return toResult(doc, ectx, mc, logger), nil
	}

	return types.EvaluationResult{}, &types.TransientError{Err: fmt.Errorf("no text content in Claude API response")}
}

func toResult(doc types.Document, ectx types.EvalContext, mc modelClaims, logger *zap.Logger) types.EvaluationResult {
	res := types.EvaluationResult{
		DocumentID:  doc.ID,
		Stage:       ectx.Stage,
		Iteration:   ectx.Iteration,
		Claims:      []types.Claim{},
		EvaluatedAt: time.Now().UTC(),
	}
	for i, mcl := range mc.Claims {
		cl := types.Claim{
			SubRequirementID: mcl.SubRequirementID,
			Claim:            strings.TrimSpace(mcl.Claim),
			Score:            mcl.Score,
		}
		if mcl.Page > 0 || mcl.Section != "" {
			cl.Locator = &types.Locator{Page: mcl.Page, Section: mcl.Section}
		}
		if err := cl.Validate(); err != nil {
			logger.Warn("dropping invalid claim",
				zap.String("document", doc.ID),
				zap.Int("index", i),
				zap.Error(err),
			)
			continue
		}
		res.Claims = append(res.Claims, cl)
	}
	return res
}

// renderPrompt executes the evaluation template for one document.
func renderPrompt(doc types.Document, ectx types.EvalContext) (string, error) {
	text := doc.Text
	if len(text) > maxDocumentChars {
		cut := maxDocumentChars
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	var buf bytes.Buffer
	err := evaluationPromptTmpl.Execute(&buf, struct {
		DocumentID string
		Title      string
		Text       string
		Gaps       []types.Gap
		Prior      []types.Claim
	}{
		DocumentID: doc.ID,
		Title:      doc.Title,
		Text:       text,
		Gaps:       ectx.Gaps,
		Prior:      ectx.Prior,
	})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

// stripFences removes a Markdown code fence around a JSON answer.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
