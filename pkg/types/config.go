package types

import "time"

// HTTPConfig holds shared HTTP settings used by adapters that make network requests.
type HTTPConfig struct {
	// Timeout is the HTTP request timeout.
	Timeout time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`

	// UserAgent is the User-Agent header sent with HTTP requests
	// (e.g. "evidence-engine/0.1").
	UserAgent string `json:"user_agent" yaml:"user_agent" mapstructure:"user_agent"`
}

// AIConfig holds shared settings for adapters that call a Generative AI API.
type AIConfig struct {
	// Model is the AI model identifier (e.g. "claude-sonnet-4-5-20250929").
	Model string `json:"model" yaml:"model" mapstructure:"model"`

	// APIKey is the authentication key for the AI API.
	APIKey string `json:"api_key,omitempty" yaml:"api_key,omitempty" mapstructure:"api_key"`

	// MaxTokens caps the response length of one call (default 4096).
	MaxTokens int `json:"max_tokens" yaml:"max_tokens" mapstructure:"max_tokens"`
}

// EvaluatorBackend selects the evaluator adapter.
type EvaluatorBackend string

const (
	EvaluatorClaude  EvaluatorBackend = "claude"
	EvaluatorLexical EvaluatorBackend = "lexical"
)

// EvaluatorConfig holds settings for the evaluation collaborator.
type EvaluatorConfig struct {
	AIConfig   `yaml:",inline" mapstructure:",squash"`
	HTTPConfig `yaml:",inline" mapstructure:",squash"`

	// Backend selects claude or lexical.
	Backend EvaluatorBackend `json:"backend" yaml:"backend" mapstructure:"backend"`
}

// SearchConfig holds settings for the deep-pass search backend.
type SearchConfig struct {
	HTTPConfig `yaml:",inline" mapstructure:",squash"`

	// Enabled turns on search work items during deep passes.
	Enabled bool `json:"enabled" yaml:"enabled" mapstructure:"enabled"`

	// MaxResults is the maximum number of documents one query returns (default 10).
	MaxResults int `json:"max_results" yaml:"max_results" mapstructure:"max_results"`

	// Backends lists the search backends to query: semantic_scholar,
	// openalex (default semantic_scholar).
	Backends []string `json:"backends" yaml:"backends" mapstructure:"backends"`

	// SemanticScholarAPIKey is an optional API key for higher rate limits.
	SemanticScholarAPIKey string `json:"semantic_scholar_api_key,omitempty" yaml:"semantic_scholar_api_key,omitempty" mapstructure:"semantic_scholar_api_key"`

	// OpenAlexEmail is sent as mailto for OpenAlex polite pool access.
	OpenAlexEmail string `json:"openalex_email,omitempty" yaml:"openalex_email,omitempty" mapstructure:"openalex_email"`
}

// GapConfig holds settings for gap extraction.
type GapConfig struct {
	// Threshold is the target coverage percentage (default 100).
	Threshold float64 `json:"threshold" yaml:"threshold" mapstructure:"threshold"`

	// Coverage names the coverage strategy: step or weighted.
	Coverage string `json:"coverage" yaml:"coverage" mapstructure:"coverage"`
}

// RelevanceStrategy selects how documents are scored against gaps.
type RelevanceStrategy string

const (
	RelevanceKeyword   RelevanceStrategy = "keyword"
	RelevanceEmbedding RelevanceStrategy = "embedding"
)

// RelevanceConfig holds settings for relevance pre-filtering.
type RelevanceConfig struct {
	Strategy RelevanceStrategy `json:"strategy" yaml:"strategy" mapstructure:"strategy"`

	// Cutoff is the minimum relevance score. Zero means suggest one from PassFraction.
	Cutoff float64 `json:"cutoff" yaml:"cutoff" mapstructure:"cutoff"`

	// PassFraction is the share of candidates to keep when no cutoff is set (default 0.5).
	PassFraction float64 `json:"pass_fraction" yaml:"pass_fraction" mapstructure:"pass_fraction"`

	// IndexThreshold is the documents × gaps size above which the embedding
	// strategy switches to an approximate nearest-neighbour index (default 50000).
	IndexThreshold int `json:"index_threshold" yaml:"index_threshold" mapstructure:"index_threshold"`

	// Dimensions is the hashed embedding size (default 256).
	Dimensions int `json:"dimensions" yaml:"dimensions" mapstructure:"dimensions"`

	// Workers bounds concurrent scoring (default 4).
	Workers int `json:"workers" yaml:"workers" mapstructure:"workers"`
}

// MergeConfig holds settings for the result merger.
type MergeConfig struct {
	Policy ConflictPolicy `json:"policy" yaml:"policy" mapstructure:"policy"`
}

// PrioritizerConfig holds settings for work prioritization and termination.
type PrioritizerConfig struct {
	// BatchSize is the number of work items run per deep pass (default 3).
	BatchSize int `json:"batch_size" yaml:"batch_size" mapstructure:"batch_size"`

	// CloseFraction marks a gap effectively closed once coverage reaches this
	// share of target (default 0.95).
	CloseFraction float64 `json:"close_fraction" yaml:"close_fraction" mapstructure:"close_fraction"`

	// TargetDeficit is the deficit at or below which a gap counts as converged (default 5).
	TargetDeficit float64 `json:"target_deficit" yaml:"target_deficit" mapstructure:"target_deficit"`

	// MinSeverity is the lowest severity that must converge (default medium).
	MinSeverity Severity `json:"min_severity" yaml:"min_severity" mapstructure:"min_severity"`

	// ROIFloor stops the loop when the best remaining roi falls below it (default 1).
	ROIFloor float64 `json:"roi_floor" yaml:"roi_floor" mapstructure:"roi_floor"`

	// MaxIterations bounds the number of deep passes per job (default 3).
	MaxIterations int `json:"max_iterations" yaml:"max_iterations" mapstructure:"max_iterations"`
}

// RateLimitConfig bounds calls to the evaluator.
type RateLimitConfig struct {
	// CallsPerMinute is the number of calls allowed per rolling 60 s window (default 50).
	CallsPerMinute int `json:"calls_per_minute" yaml:"calls_per_minute" mapstructure:"calls_per_minute"`
}

// RetryConfig bounds retries of evaluator calls.
type RetryConfig struct {
	// MaxAttempts is the total attempts for transient errors (default 3).
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts" mapstructure:"max_attempts"`

	// BaseDelay is the first transient backoff; it doubles per attempt (default 1s).
	BaseDelay time.Duration `json:"base_delay" yaml:"base_delay" mapstructure:"base_delay"`

	// RateLimitAttempts is the separate budget for rate-limit responses (default 5).
	RateLimitAttempts int `json:"rate_limit_attempts" yaml:"rate_limit_attempts" mapstructure:"rate_limit_attempts"`

	// RateLimitBaseDelay is the first rate-limit backoff (default 10s).
	RateLimitBaseDelay time.Duration `json:"rate_limit_base_delay" yaml:"rate_limit_base_delay" mapstructure:"rate_limit_base_delay"`

	// MaxDelay caps any single backoff (default 2m).
	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay" mapstructure:"max_delay"`
}

// StoreBackend selects the persisted-state implementation.
type StoreBackend string

const (
	StoreSQLite StoreBackend = "sqlite"
	StoreFiles  StoreBackend = "files"
)

// StoreConfig holds settings for persisted state.
type StoreConfig struct {
	Backend StoreBackend `json:"backend" yaml:"backend" mapstructure:"backend"`

	// Dir is the state directory (default "state").
	Dir string `json:"dir" yaml:"dir" mapstructure:"dir"`
}

// PromptConfig holds settings for interactive operator prompts.
type PromptConfig struct {
	// Interactive enables the terminal prompter; otherwise defaults apply.
	Interactive bool `json:"interactive" yaml:"interactive" mapstructure:"interactive"`

	// Timeout bounds how long a prompt waits for an answer (default 30s).
	Timeout time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`

	// DefaultAppeal is the answer used when the appeal prompt times out.
	DefaultAppeal bool `json:"default_appeal" yaml:"default_appeal" mapstructure:"default_appeal"`
}

// PipelineConfig groups all settings for an orchestrated run.
type PipelineConfig struct {
	// Workers bounds concurrent evaluator calls within a stage (default 4).
	Workers int `json:"workers" yaml:"workers" mapstructure:"workers"`

	// AcceptScore is the minimum claim score adjudication accepts (default 0.5).
	AcceptScore float64 `json:"accept_score" yaml:"accept_score" mapstructure:"accept_score"`

	// AppealMargin is how far below AcceptScore a claim may fall and still be
	// appealed (default 0.15).
	AppealMargin float64 `json:"appeal_margin" yaml:"appeal_margin" mapstructure:"appeal_margin"`

	EnableAppeal   bool `json:"enable_appeal" yaml:"enable_appeal" mapstructure:"enable_appeal"`
	EnableDeepPass bool `json:"enable_deep_pass" yaml:"enable_deep_pass" mapstructure:"enable_deep_pass"`

	Gap         GapConfig         `json:"gap" yaml:"gap" mapstructure:"gap"`
	Relevance   RelevanceConfig   `json:"relevance" yaml:"relevance" mapstructure:"relevance"`
	Merge       MergeConfig       `json:"merge" yaml:"merge" mapstructure:"merge"`
	Prioritizer PrioritizerConfig `json:"prioritizer" yaml:"prioritizer" mapstructure:"prioritizer"`
	RateLimit   RateLimitConfig   `json:"rate_limit" yaml:"rate_limit" mapstructure:"rate_limit"`
	Retry       RetryConfig       `json:"retry" yaml:"retry" mapstructure:"retry"`
	Evaluator   EvaluatorConfig   `json:"evaluator" yaml:"evaluator" mapstructure:"evaluator"`
	Search      SearchConfig      `json:"search" yaml:"search" mapstructure:"search"`
	Store       StoreConfig       `json:"store" yaml:"store" mapstructure:"store"`
	Prompt      PromptConfig      `json:"prompt" yaml:"prompt" mapstructure:"prompt"`
}

// DefaultPipelineConfig returns the configuration used when nothing is set.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Workers:      4,
		AcceptScore:  0.5,
		AppealMargin: 0.15,
		Gap: GapConfig{
			Threshold: 100,
			Coverage:  "step",
		},
		Relevance: RelevanceConfig{
			Strategy:       RelevanceKeyword,
			PassFraction:   0.5,
			IndexThreshold: 50000,
			Dimensions:     256,
			Workers:        4,
		},
		Merge: MergeConfig{Policy: KeepExisting},
		Prioritizer: PrioritizerConfig{
			BatchSize:     3,
			CloseFraction: 0.95,
			TargetDeficit: 5,
			MinSeverity:   SeverityMedium,
			ROIFloor:      1,
			MaxIterations: 3,
		},
		RateLimit: RateLimitConfig{CallsPerMinute: 50},
		Retry: RetryConfig{
			MaxAttempts:        3,
			BaseDelay:          time.Second,
			RateLimitAttempts:  5,
			RateLimitBaseDelay: 10 * time.Second,
			MaxDelay:           2 * time.Minute,
		},
		Evaluator: EvaluatorConfig{
			AIConfig: AIConfig{
				Model:     "claude-sonnet-4-5-20250929",
				MaxTokens: 4096,
			},
			HTTPConfig: HTTPConfig{
				Timeout:   2 * time.Minute,
				UserAgent: "evidence-engine/0.1",
			},
			Backend: EvaluatorLexical,
		},
		Search: SearchConfig{
			HTTPConfig: HTTPConfig{
				Timeout:   30 * time.Second,
				UserAgent: "evidence-engine/0.1",
			},
			MaxResults: 10,
			Backends:   []string{"semantic_scholar"},
		},
		Store: StoreConfig{
			Backend: StoreSQLite,
			Dir:     "state",
		},
		Prompt: PromptConfig{
			Timeout: 30 * time.Second,
		},
	}
}
