// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/pdiddy/evidence-engine/internal/retry"
	"github.com/pdiddy/evidence-engine/pkg/types"
)

const metricsNamespace = "evidence_engine"

// Metrics are the orchestrator's Prometheus instruments.
type Metrics struct {
	EvaluatorCalls  *prometheus.CounterVec
	Retries         *prometheus.CounterVec
	RateLimitWait   prometheus.Histogram
	StageDuration   *prometheus.HistogramVec
	MergeEvidence   *prometheus.CounterVec
	IntakeDocuments *prometheus.CounterVec
	OpenGaps        prometheus.Gauge
	ReportVersion   prometheus.Gauge
}

// NewMetrics registers the instruments with reg. Pass
// prometheus.DefaultRegisterer to expose them on the default handler.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EvaluatorCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "evaluator_calls_total",
			Help:      "Evaluator calls by stage and outcome.",
		}, []string{"stage", "outcome"}),
		Retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "retries_total",
			Help:      "Evaluator retries by error kind.",
		}, []string{"kind"}),
		RateLimitWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "rate_limit_wait_seconds",
			Help:      "Time spent waiting for a rate limit token.",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time of each pipeline stage.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"stage"}),
		MergeEvidence: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "merge_evidence_total",
			Help:      "Evidence items seen by merges, by result.",
		}, []string{"result"}),
		IntakeDocuments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "intake_documents_total",
			Help:      "Candidate documents at intake, by relevance decision.",
		}, []string{"decision"}),
		OpenGaps: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "open_gaps",
			Help:      "Gaps open after the latest gap analysis.",
		}),
		ReportVersion: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "report_version",
			Help:      "Version of the latest merged report.",
		}),
	}
}

func (m *Metrics) observeStage(stage types.Stage, d time.Duration) {
	m.StageDuration.WithLabelValues(string(stage)).Observe(d.Seconds())
}

func (m *Metrics) observeRetry(kind retry.Kind) {
	m.Retries.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) observeMerge(stats types.MergeStats, version int) {
	m.MergeEvidence.WithLabelValues("added").Add(float64(stats.EvidenceAdded))
	m.MergeEvidence.WithLabelValues("duplicated").Add(float64(stats.EvidenceDuplicated))
	m.MergeEvidence.WithLabelValues("conflict").Add(float64(stats.Conflicts))
	m.ReportVersion.Set(float64(version))
}
