// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "meeting_transcript"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Session metrics
	SessionsCreated prometheus.Counter
	SessionsActive  prometheus.Gauge
	SessionsEnded   prometheus.Counter
	SessionsReaped  prometheus.Counter

	// Chunk metrics
	ChunksReceived     prometheus.Counter
	ChunkBytesReceived prometheus.Counter
	ChunksAdmitted     *prometheus.CounterVec
	ChunksPending      prometheus.Gauge
	ChunksDrained      prometheus.Counter

	// Pipeline metrics
	StageLatency  *prometheus.HistogramVec
	StageFailures *prometheus.CounterVec
	WordsAppended prometheus.Counter

	// Summary metrics
	SummariesProduced *prometheus.CounterVec
	SummaryFailures   prometheus.Counter

	// Event metrics
	Subscribers       prometheus.Gauge
	EventsPublished   *prometheus.CounterVec
	EventsDelivered   *prometheus.CounterVec
	SubscribersPruned *prometheus.CounterVec
	EventsDropped     *prometheus.CounterVec

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec

	// Backpressure metrics
	LimitExceeded *prometheus.CounterVec

	// Transport metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	UploadsInFlight prometheus.Gauge
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics on the default registerer.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all metrics on reg. Tests pass a fresh registry.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Total number of recording sessions created",
		}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions currently accepting chunks",
		}),
		SessionsEnded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Total number of finalized sessions",
		}),
		SessionsReaped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_reaped_total",
			Help:      "Total number of ended sessions removed by age",
		}),

		ChunksReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_received_total",
			Help:      "Total number of audio chunks received",
		}),
		ChunkBytesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_bytes_received_total",
			Help:      "Total audio bytes received",
		}),
		ChunksAdmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_admitted_total",
			Help:      "Chunks by admission outcome",
		}, []string{"outcome", "reason"}),
		ChunksPending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chunks_pending",
			Help:      "Out-of-order chunks buffered across all sessions",
		}),
		ChunksDrained: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_drained_total",
			Help:      "Buffered chunks processed after a gap was filled",
		}),

		StageLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_latency_seconds",
			Help:      "Pipeline stage latency in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"stage"}),
		StageFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_failures_total",
			Help:      "Pipeline stage failures",
		}, []string{"stage", "error_type"}),
		WordsAppended: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "words_appended_total",
			Help:      "Total words appended to transcripts",
		}),

		SummariesProduced: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summaries_produced_total",
			Help:      "Summaries produced by trigger reason",
		}, []string{"reason"}),
		SummaryFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summary_failures_total",
			Help:      "Summaries that failed or came back empty",
		}),

		Subscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "Number of live event subscribers",
		}),
		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Events handed to the broadcaster",
		}, []string{"event_type"}),
		EventsDelivered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_delivered_total",
			Help:      "Event deliveries by result",
		}, []string{"event_type", "result"}),
		SubscribersPruned: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscribers_pruned_total",
			Help:      "Subscribers removed after a failed or blocked delivery",
		}, []string{"reason"}),
		EventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events shed from a durable subscriber's full queue",
		}, []string{"event_type"}),

		KafkaPublishTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),

		LimitExceeded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "limit_exceeded_total",
			Help:      "Total number of times ingestion limits were exceeded",
		}, []string{"limit_type"}),

		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "HTTP and gRPC requests by transport, route and status code",
		}, []string{"transport", "route", "code"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "HTTP and gRPC request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"transport", "route"}),
		UploadsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uploads_in_flight",
			Help:      "Accepted chunk uploads still being ingested",
		}),
	}
}

// RecordSessionCreated records a new session.
func (m *Metrics) RecordSessionCreated() {
	m.SessionsCreated.Inc()
	m.SessionsActive.Inc()
}

// RecordSessionEnded records a finalized session.
func (m *Metrics) RecordSessionEnded() {
	m.SessionsActive.Dec()
	m.SessionsEnded.Inc()
}

// RecordSessionDeleted records removal of a session that was never finalized.
func (m *Metrics) RecordSessionDeleted(wasActive bool) {
	if wasActive {
		m.SessionsActive.Dec()
	}
}

// RecordSessionReaped records an aged-out session.
func (m *Metrics) RecordSessionReaped() {
	m.SessionsReaped.Inc()
}

// RecordChunkReceived records an uploaded chunk.
func (m *Metrics) RecordChunkReceived(bytes int) {
	m.ChunksReceived.Inc()
	m.ChunkBytesReceived.Add(float64(bytes))
}

// RecordAdmission records a sequencer decision.
func (m *Metrics) RecordAdmission(outcome, reason string) {
	m.ChunksAdmitted.WithLabelValues(outcome, reason).Inc()
}

// RecordPendingDelta moves the pending gauge.
func (m *Metrics) RecordPendingDelta(delta int) {
	m.ChunksPending.Add(float64(delta))
}

// RecordDrained records chunks drained from the pending buffer.
func (m *Metrics) RecordDrained(n int) {
	m.ChunksDrained.Add(float64(n))
}

// RecordStage records a pipeline stage execution.
func (m *Metrics) RecordStage(stage string, latencySeconds float64) {
	m.StageLatency.WithLabelValues(stage).Observe(latencySeconds)
}

// RecordStageFailure records a failed pipeline stage.
func (m *Metrics) RecordStageFailure(stage, errorType string) {
	m.StageFailures.WithLabelValues(stage, errorType).Inc()
}

// RecordWords records words appended to a transcript.
func (m *Metrics) RecordWords(n int) {
	m.WordsAppended.Add(float64(n))
}

// RecordSummary records a produced summary.
func (m *Metrics) RecordSummary(reason string) {
	m.SummariesProduced.WithLabelValues(reason).Inc()
}

// RecordSummaryFailure records a failed summary.
func (m *Metrics) RecordSummaryFailure() {
	m.SummaryFailures.Inc()
}

// RecordSubscribers sets the live subscriber count.
func (m *Metrics) RecordSubscribers(n int) {
	m.Subscribers.Set(float64(n))
}

// RecordEventPublished records an event handed to the broadcaster.
func (m *Metrics) RecordEventPublished(eventType string) {
	m.EventsPublished.WithLabelValues(eventType).Inc()
}

// RecordDelivery records one delivery attempt.
func (m *Metrics) RecordDelivery(eventType string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.EventsDelivered.WithLabelValues(eventType, result).Inc()
}

// RecordSubscriberPruned records a removed subscriber.
func (m *Metrics) RecordSubscriberPruned(reason string) {
	m.SubscribersPruned.WithLabelValues(reason).Inc()
}

// RecordEventDropped records an event shed from a durable subscriber.
func (m *Metrics) RecordEventDropped(eventType string) {
	m.EventsDropped.WithLabelValues(eventType).Inc()
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}

// RecordLimitExceeded records when an ingestion limit is exceeded.
func (m *Metrics) RecordLimitExceeded(limitType string) {
	m.LimitExceeded.WithLabelValues(limitType).Inc()
}

// RecordRequest records a completed HTTP or gRPC request.
func (m *Metrics) RecordRequest(transport, route, code string, latencySeconds float64) {
	m.RequestsTotal.WithLabelValues(transport, route, code).Inc()
	m.RequestDuration.WithLabelValues(transport, route).Observe(latencySeconds)
}

// RecordUploadStart records a chunk upload handed to a worker.
func (m *Metrics) RecordUploadStart() {
	m.UploadsInFlight.Inc()
}

// RecordUploadEnd records a chunk upload whose ingestion finished.
func (m *Metrics) RecordUploadEnd() {
	m.UploadsInFlight.Dec()
}
