// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pdiddy/evidence-engine/internal/evaluate"
	"github.com/pdiddy/evidence-engine/internal/prompt"
	"github.com/pdiddy/evidence-engine/internal/retry"
	"github.com/pdiddy/evidence-engine/internal/source"
	"github.com/pdiddy/evidence-engine/internal/store"
	"github.com/pdiddy/evidence-engine/pkg/types"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

// baseReport has two open sub-requirements. Their keyword hints are
// S1: backups encrypted nightly encryption, S2: audit logs retained logging.
func baseReport() *types.Report {
	return &types.Report{
		ID:      "vendor",
		Title:   "Vendor assessment",
		Version: 1,
		Pillars: []types.Pillar{{
			ID:   "P1",
			Name: "Security",
			Requirements: []types.Requirement{
				{ID: "R1", Title: "Encryption", SubRequirements: []types.SubRequirement{
					{ID: "S1", Description: "Backups encrypted nightly", Severity: types.SeverityCritical},
				}},
				{ID: "R2", Title: "Logging", SubRequirements: []types.SubRequirement{
					{ID: "S2", Description: "Audit logs retained", Severity: types.SeverityHigh},
				}},
			},
		}},
		CreatedAt: t0,
		UpdatedAt: t0,
	}
}

// corpus passes the relevance filter in the order d1 d2 d3 d5; d4 matches
// nothing and is filtered.
func corpus() []types.Document {
	return []types.Document{
		{ID: "d1", Text: "Backups are encrypted nightly."},
		{ID: "d2", Text: "Audit logs are retained for a year."},
		{ID: "d3", Text: "Backups are encrypted."},
		{ID: "d4", Text: "The cafeteria serves lunch."},
		{ID: "d5", Text: "Audit logs rotate."},
	}
}

func testConfig() types.PipelineConfig {
	cfg := types.DefaultPipelineConfig()
	cfg.Workers = 1
	cfg.RateLimit.CallsPerMinute = 0
	cfg.Retry = types.RetryConfig{
		MaxAttempts:        3,
		BaseDelay:          time.Millisecond,
		RateLimitAttempts:  2,
		RateLimitBaseDelay: time.Millisecond,
		MaxDelay:           5 * time.Millisecond,
	}
	cfg.Relevance.Cutoff = 0.01
	cfg.Prompt.Timeout = 100 * time.Millisecond
	return cfg
}

type fixture struct {
	orch    *Orchestrator
	store   store.Store
	src     *source.Static
	metrics *Metrics
}

func newFixture(t *testing.T, cfg types.PipelineConfig, deps Deps) *fixture {
	t.Helper()
	st, err := store.NewSQLite(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	src := source.NewStatic(corpus()...)
	m := NewMetrics(prometheus.NewRegistry())
	deps.Store = st
	deps.Source = src
	deps.Metrics = m
	deps.Logger = zaptest.NewLogger(t)
	deps.Now = func() time.Time { return t0 }

	o, err := New(cfg, deps)
	require.NoError(t, err)
	return &fixture{orch: o, store: st, src: src, metrics: m}
}

// scripted returns canned claims per stage and document and records calls.
type scripted struct {
	mu      sync.Mutex
	claims  map[string][]types.Claim
	appeals map[string][]types.Claim
	errs    map[string]error
	calls   []string
	onCall  func(n int)
}

func (s *scripted) Evaluate(_ context.Context, doc types.Document, ectx types.EvalContext) (types.EvaluationResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, string(ectx.Stage)+"/"+doc.ID)
	n, hook := len(s.calls), s.onCall
	err := s.errs[doc.ID]
	src := s.claims
	if ectx.Stage == types.StageAppeal {
		src = s.appeals
	}
	claims := src[doc.ID]
	s.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	if err != nil {
		return types.EvaluationResult{}, err
	}
	return types.EvaluationResult{DocumentID: doc.ID, Claims: claims}, nil
}

func (s *scripted) setHook(fn func(n int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCall = fn
}

func (s *scripted) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func claim(sub string, score float64) types.Claim {
	return types.Claim{SubRequirementID: sub, Claim: "supports " + sub, Score: score}
}

// mockEvaluator is a testify mock of evaluate.Evaluator.
type mockEvaluator struct{ mock.Mock }

func (m *mockEvaluator) Evaluate(ctx context.Context, doc types.Document, ectx types.EvalContext) (types.EvaluationResult, error) {
	args := m.Called(ctx, doc, ectx)
	return args.Get(0).(types.EvaluationResult), args.Error(1)
}

func docID(id string) any {
	return mock.MatchedBy(func(d types.Document) bool { return d.ID == id })
}

func evidenceDocs(t *testing.T, r *types.Report, sub string) []string {
	t.Helper()
	s, ok := r.SubRequirement(sub)
	require.True(t, ok, sub)
	var ids []string
	for _, e := range s.Evidence {
		ids = append(ids, e.DocumentID)
	}
	return ids
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(testConfig(), Deps{})
	var verr *types.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Problems, 3)

	cfg := testConfig()
	cfg.Gap.Coverage = "linear"
	st, err := store.NewFiles(t.TempDir(), nil)
	require.NoError(t, err)
	_, err = New(cfg, Deps{Store: st, Source: source.NewStatic(), Evaluator: &evaluate.Lexical{}})
	assert.True(t, errors.As(err, &verr))
}

func TestStart_SinglePassLexical(t *testing.T) {
	f := newFixture(t, testConfig(), Deps{Evaluator: &evaluate.Lexical{}})

	cp, err := f.orch.Start(context.Background(), RunRequest{JobID: "job-1", Report: baseReport()})
	require.NoError(t, err)

	assert.Equal(t, types.JobCompleted, cp.Status)
	assert.Equal(t, types.StageDone, cp.Stage)
	assert.Equal(t, StopSinglePass, cp.StopReason)
	assert.Equal(t, []string{"d1", "d2", "d3", "d5"}, cp.PendingDocumentIDs)
	assert.Equal(t, 1, cp.FilteredCount)
	assert.Equal(t, 2, cp.ReportVersion)
	assert.Equal(t, "5", cp.SourceMarker)

	r, err := f.orch.Report(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, 2, r.Version)
	assert.Equal(t, []string{"d1", "d3"}, evidenceDocs(t, r, "S1"))
	assert.Equal(t, []string{"d2", "d5"}, evidenceDocs(t, r, "S2"))
	s1, _ := r.SubRequirement("S1")
	assert.InDelta(t, 66.67, s1.CoveragePercent, 0.001)
	require.Len(t, r.MergeHistory, 1)
	assert.Equal(t, "job-1", r.MergeHistory[0].JobID)

	open, err := f.orch.Gaps(context.Background(), "job-1", "")
	require.NoError(t, err)
	assert.Len(t, open, 2)

	assert.Equal(t, 4.0, testutil.ToFloat64(f.metrics.EvaluatorCalls.WithLabelValues("evaluate", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.IntakeDocuments.WithLabelValues("filtered")))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.ReportVersion))
}

func TestStart_RejectsExistingJob(t *testing.T) {
	f := newFixture(t, testConfig(), Deps{Evaluator: &evaluate.Lexical{}})
	_, err := f.orch.Start(context.Background(), RunRequest{JobID: "job-1", Report: baseReport()})
	require.NoError(t, err)

	_, err = f.orch.Start(context.Background(), RunRequest{JobID: "job-1", Report: baseReport()})
	var verr *types.ValidationError
	assert.True(t, errors.As(err, &verr))

	_, err = f.orch.Start(context.Background(), RunRequest{JobID: "job-2"})
	assert.True(t, errors.As(err, &verr), "a root job needs a report")
}

func TestResume_EvaluatesOnlyRemainingDocuments(t *testing.T) {
	ev := &scripted{claims: map[string][]types.Claim{
		"d1": {claim("S1", 0.9)},
		"d2": {claim("S2", 0.8)},
		"d3": {claim("S1", 0.7)},
		"d5": {claim("S2", 0.6)},
	}}
	f := newFixture(t, testConfig(), Deps{Evaluator: ev})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ev.setHook(func(n int) {
		if n == 2 {
			cancel()
		}
	})

	cp, err := f.orch.Start(ctx, RunRequest{JobID: "job-1", Report: baseReport()})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, types.JobCancelled, cp.Status)
	assert.Equal(t, types.StageEvaluate, cp.Stage)
	assert.Equal(t, []string{"d1", "d2"}, cp.CompletedDocumentIDs)

	stored, err := f.orch.Status(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobCancelled, stored.Status)
	assert.Equal(t, []string{"d3", "d5"}, stored.Remaining())

	ev.setHook(nil)
	cp, err = f.orch.Resume(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, cp.Status)
	assert.Equal(t, []string{"evaluate/d1", "evaluate/d2", "evaluate/d3", "evaluate/d5"}, ev.Calls(),
		"no document is evaluated twice")

	r, err := f.orch.Report(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"d1", "d3"}, evidenceDocs(t, r, "S1"))
	assert.Equal(t, []string{"d2", "d5"}, evidenceDocs(t, r, "S2"))

	again, err := f.orch.Resume(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, cp.UpdatedAt, again.UpdatedAt)
	assert.Len(t, ev.Calls(), 4, "a completed job is not re-run")
}

func TestStart_CancelDuringTransientFailureIsCancelled(t *testing.T) {
	ev := &scripted{
		claims: map[string][]types.Claim{"d1": {claim("S1", 0.9)}},
		errs:   map[string]error{"d2": &types.TransientError{Err: errors.New("502")}},
	}
	f := newFixture(t, testConfig(), Deps{Evaluator: ev})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ev.setHook(func(n int) {
		if n == 2 {
			cancel()
		}
	})

	cp, err := f.orch.Start(ctx, RunRequest{JobID: "job-1", Report: baseReport()})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, types.JobCancelled, cp.Status)
	assert.Empty(t, cp.Error)
	assert.Equal(t, []string{"d1"}, cp.CompletedDocumentIDs)

	stored, err := f.orch.Status(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobCancelled, stored.Status)
	assert.Equal(t, []string{"d2", "d3", "d5"}, stored.Remaining())
}

func TestStart_FatalErrorFailsStage(t *testing.T) {
	ev := &mockEvaluator{}
	ok := types.EvaluationResult{Claims: []types.Claim{claim("S1", 0.9)}}
	ev.On("Evaluate", mock.Anything, docID("d1"), mock.Anything).Return(ok, nil).Once()
	ev.On("Evaluate", mock.Anything, docID("d2"), mock.Anything).
		Return(types.EvaluationResult{}, &types.FatalError{Err: errors.New("invalid api key")}).Once()

	f := newFixture(t, testConfig(), Deps{Evaluator: ev})
	cp, err := f.orch.Start(context.Background(), RunRequest{JobID: "job-1", Report: baseReport()})

	var sf *types.StageFailedError
	require.True(t, errors.As(err, &sf))
	assert.Equal(t, types.StageEvaluate, sf.Stage)
	var fatal *types.FatalError
	assert.True(t, errors.As(err, &fatal))

	assert.Equal(t, types.JobFailed, cp.Status)
	assert.Contains(t, cp.Error, "invalid api key")
	assert.Equal(t, []string{"d1"}, cp.CompletedDocumentIDs)
	ev.AssertExpectations(t)

	// The key is fixed; resuming picks up at d2.
	ev.On("Evaluate", mock.Anything, mock.Anything, mock.Anything).Return(ok, nil)
	cp, err = f.orch.Resume(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, cp.Status)
	assert.Empty(t, cp.Error)
	ev.AssertNumberOfCalls(t, "Evaluate", 5)
}

func TestStart_RetriesExhausted(t *testing.T) {
	ev := &scripted{errs: map[string]error{"d1": &types.TransientError{Err: errors.New("502")}}}
	f := newFixture(t, testConfig(), Deps{Evaluator: ev})

	cp, err := f.orch.Start(context.Background(), RunRequest{JobID: "job-1", Report: baseReport()})
	require.ErrorIs(t, err, retry.ErrExhausted)
	assert.Equal(t, types.JobFailed, cp.Status)
	assert.Equal(t, []string{"evaluate/d1", "evaluate/d1", "evaluate/d1"}, ev.Calls())
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.Retries.WithLabelValues("transient")))
}

func TestStart_InvalidDocumentIsSkipped(t *testing.T) {
	ev := &scripted{
		claims: map[string][]types.Claim{"d1": {claim("S1", 0.9)}, "d2": {claim("S2", 0.9)}},
		errs:   map[string]error{"d2": &types.ValidationError{Subject: "document d2", Problems: []string{"unreadable"}}},
	}
	f := newFixture(t, testConfig(), Deps{Evaluator: ev})

	cp, err := f.orch.Start(context.Background(), RunRequest{JobID: "job-1", Report: baseReport()})
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, cp.Status)
	assert.Contains(t, cp.CompletedDocumentIDs, "d2")

	r, err := f.orch.Report(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Empty(t, evidenceDocs(t, r, "S2"))
	assert.Equal(t, []string{"d1"}, evidenceDocs(t, r, "S1"))
}

func TestAppeal(t *testing.T) {
	newScript := func() *scripted {
		return &scripted{
			claims:  map[string][]types.Claim{"d1": {claim("S1", 0.4)}, "d2": {claim("S2", 0.2)}},
			appeals: map[string][]types.Claim{"d1": {claim("S1", 0.8)}},
		}
	}
	cfg := testConfig()
	cfg.EnableAppeal = true

	tests := []struct {
		name     string
		prompter prompt.Prompter
		appealed bool
	}{
		{name: "no prompter appeals", prompter: nil, appealed: true},
		{name: "operator accepts", prompter: prompt.Static{Answer: true}, appealed: true},
		{name: "operator declines", prompter: prompt.Static{Answer: false}, appealed: false},
		{name: "timeout uses default", prompter: prompt.Static{Answer: true, Delay: time.Second}, appealed: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := newScript()
			f := newFixture(t, cfg, Deps{Evaluator: ev, Prompter: tt.prompter})
			_, err := f.orch.Start(context.Background(), RunRequest{JobID: "job-1", Report: baseReport()})
			require.NoError(t, err)

			r, err := f.orch.Report(context.Background(), "job-1")
			require.NoError(t, err)
			if tt.appealed {
				assert.Contains(t, ev.Calls(), "appeal/d1")
				assert.NotContains(t, ev.Calls(), "appeal/d2", "only claims within the margin are appealed")
				assert.Equal(t, []string{"d1"}, evidenceDocs(t, r, "S1"))
			} else {
				assert.NotContains(t, ev.Calls(), "appeal/d1")
				assert.Empty(t, evidenceDocs(t, r, "S1"))
			}
		})
	}
}

type fakeSearcher struct {
	mu      sync.Mutex
	queries []string
	docs    []types.Document
}

func (s *fakeSearcher) Search(_ context.Context, query string, _ int) ([]types.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, query)
	return s.docs, nil
}

func TestDeepPass_SearchFindsNewEvidence(t *testing.T) {
	ev := &scripted{claims: map[string][]types.Claim{
		"d1": {claim("S1", 0.9)},
		"x1": {claim("S1", 0.9), claim("S2", 0.7)},
	}}
	searcher := &fakeSearcher{docs: []types.Document{
		{ID: "d1", Text: "already known"},
		{ID: "x1", Title: "Offsite backups", Text: "Backups encrypted nightly; audit logs retained."},
	}}
	cfg := testConfig()
	cfg.EnableDeepPass = true
	cfg.Prioritizer.MaxIterations = 2

	f := newFixture(t, cfg, Deps{Evaluator: ev, Searcher: searcher})
	cp, err := f.orch.Start(context.Background(), RunRequest{JobID: "job-1", Report: baseReport()})
	require.NoError(t, err)

	assert.Equal(t, types.JobCompleted, cp.Status)
	assert.Equal(t, 1, cp.Iteration)
	assert.Equal(t, "exhausted", cp.StopReason)
	assert.Len(t, searcher.queries, 2, "one query per requirement with open gaps")
	assert.Contains(t, ev.Calls(), "evaluate/x1")
	assert.NotContains(t, ev.Calls()[4:], "evaluate/d1", "known documents are not re-evaluated")

	r, err := f.orch.Report(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"d1", "x1"}, evidenceDocs(t, r, "S1"))
	assert.Equal(t, []string{"x1"}, evidenceDocs(t, r, "S2"))
	assert.Equal(t, 3, r.Version)
	assert.Len(t, r.MergeHistory, 2)
}

func TestDeepPass_StopsAtMaxIterations(t *testing.T) {
	cfg := testConfig()
	cfg.EnableDeepPass = true
	cfg.Prioritizer.MaxIterations = 1

	ev := &scripted{}
	searcher := &fakeSearcher{docs: []types.Document{{ID: "x1", Text: "Backups encrypted."}}}
	f := newFixture(t, cfg, Deps{Evaluator: ev, Searcher: searcher})

	cp, err := f.orch.Start(context.Background(), RunRequest{JobID: "job-1", Report: baseReport()})
	require.NoError(t, err)
	assert.Equal(t, StopMaxIterations, cp.StopReason)
	assert.Equal(t, 1, cp.Iteration)
}

func TestContinue_RecordsLineageAndReadsOnlyNewDocuments(t *testing.T) {
	f := newFixture(t, testConfig(), Deps{Evaluator: &evaluate.Lexical{}})
	ctx := context.Background()

	parent, err := f.orch.Start(ctx, RunRequest{JobID: "root", Report: baseReport()})
	require.NoError(t, err)

	f.src.Add(types.Document{ID: "d6", Text: "Audit logs are retained and logging is central."})
	child, err := f.orch.Continue(ctx, "root", []types.Document{{ID: "d7", Text: "Backups encrypted nightly offsite."}})
	require.NoError(t, err)

	assert.Equal(t, "root", child.ParentJobID)
	assert.ElementsMatch(t, []string{"d6", "d7"}, child.PendingDocumentIDs)
	assert.Equal(t, parent.ReportVersion+1, child.ReportVersion)

	chain, err := f.orch.Lineage(ctx, child.JobID)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, "root", chain[0].JobID)
	assert.Equal(t, child.JobID, chain[1].JobID)

	r, err := f.orch.Report(ctx, child.JobID)
	require.NoError(t, err)
	assert.Equal(t, []string{"d1", "d3", "d7"}, evidenceDocs(t, r, "S1"))
	assert.Equal(t, []string{"d2", "d5", "d6"}, evidenceDocs(t, r, "S2"))

	jobs, err := f.orch.Jobs(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestMergeReports(t *testing.T) {
	f := newFixture(t, testConfig(), Deps{Evaluator: &scripted{}})
	ctx := context.Background()
	_, err := f.orch.Start(ctx, RunRequest{JobID: "job-1", Report: baseReport()})
	require.NoError(t, err)

	inc := baseReport()
	inc.Pillars[0].Requirements = inc.Pillars[0].Requirements[1:]
	inc.Pillars[0].Requirements[0].SubRequirements[0].Evidence = []types.Evidence{
		{DocumentID: "manual-1", Claim: "Retention policy is one year", Score: 0.9},
	}

	res, err := f.orch.MergeReports(ctx, "job-1", inc, "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stats.EvidenceAdded)
	assert.Equal(t, 2, res.Report.Version)

	cp, err := f.orch.Status(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 2, cp.ReportVersion)

	r, err := f.orch.Report(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"manual-1"}, evidenceDocs(t, r, "S2"))

	_, err = f.orch.MergeReports(ctx, "missing", inc, "")
	var nf *types.NotFoundError
	assert.True(t, errors.As(err, &nf))
}

func TestStart_ConcurrentWorkersShareLimiter(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 4
	f := newFixture(t, cfg, Deps{Evaluator: &evaluate.Lexical{}})

	cp, err := f.orch.Start(context.Background(), RunRequest{JobID: "job-1", Report: baseReport()})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"d1", "d2", "d3", "d5"}, cp.CompletedDocumentIDs)

	evals, err := f.store.LoadEvaluations(context.Background(), "job-1", 0, types.StageEvaluate)
	require.NoError(t, err)
	assert.Len(t, evals, 4)
}
