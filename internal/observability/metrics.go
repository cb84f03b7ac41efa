package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the client's collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	statementsTotal      *prometheus.CounterVec
	statementLatencyMs   prometheus.Histogram
	pollsTotal           prometheus.Counter
	throttleRetriesTotal prometheus.Counter
	renewalsTotal        *prometheus.CounterVec
	chunkFetchesTotal    *prometheus.CounterVec
	chunkFetchLatencyMs  prometheus.Histogram
	stageUploadsTotal    *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		statementsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "snowquery_statements_total",
				Help: "Total number of executed statements by outcome.",
			},
			[]string{"outcome"},
		),
		statementLatencyMs: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "snowquery_statement_latency_ms",
				Help:    "Statement latency from submission to materialized result in milliseconds.",
				Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
			},
		),
		pollsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "snowquery_polls_total",
				Help: "Total number of status polls for asynchronous statements.",
			},
		),
		throttleRetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "snowquery_throttle_retries_total",
				Help: "Total number of requests retried after a throttling response.",
			},
		),
		renewalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "snowquery_session_renewals_total",
				Help: "Total number of session logins by outcome.",
			},
			[]string{"outcome"},
		),
		chunkFetchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "snowquery_chunk_fetches_total",
				Help: "Total number of remote result chunk fetches by outcome.",
			},
			[]string{"outcome"},
		),
		chunkFetchLatencyMs: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "snowquery_chunk_fetch_latency_ms",
				Help:    "Remote chunk fetch and decode latency in milliseconds.",
				Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
			},
		),
		stageUploadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "snowquery_stage_uploads_total",
				Help: "Total number of files uploaded to stages by outcome.",
			},
			[]string{"outcome"},
		),
	}
	for _, c := range []prometheus.Collector{
		m.statementsTotal,
		m.statementLatencyMs,
		m.pollsTotal,
		m.throttleRetriesTotal,
		m.renewalsTotal,
		m.chunkFetchesTotal,
		m.chunkFetchLatencyMs,
		m.stageUploadsTotal,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) ObserveStatement(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.statementsTotal.WithLabelValues(outcome).Inc()
	m.statementLatencyMs.Observe(float64(elapsed.Milliseconds()))
}

func (m *Metrics) IncPoll() {
	if m == nil {
		return
	}
	m.pollsTotal.Inc()
}

func (m *Metrics) IncThrottleRetry() {
	if m == nil {
		return
	}
	m.throttleRetriesTotal.Inc()
}

func (m *Metrics) ObserveRenewal(outcome string) {
	if m == nil {
		return
	}
	m.renewalsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveChunkFetch(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.chunkFetchesTotal.WithLabelValues(outcome).Inc()
	m.chunkFetchLatencyMs.Observe(float64(elapsed.Milliseconds()))
}

func (m *Metrics) ObserveStageUpload(outcome string) {
	if m == nil {
		return
	}
	m.stageUploadsTotal.WithLabelValues(outcome).Inc()
}
