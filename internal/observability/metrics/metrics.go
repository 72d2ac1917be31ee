// Package metrics provides Prometheus metrics for the voice agent.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "voice_agent"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	CallsTotal   prometheus.Counter
	CallsActive  prometheus.Gauge
	CallDuration prometheus.Histogram

	TranscriptsFinal   prometheus.Counter
	VoiceActivity      *prometheus.CounterVec
	ResponsesGenerated prometheus.Counter
	ResponsesEmpty     prometheus.Counter
	Interruptions      prometheus.Counter

	AudioBytesIn  prometheus.Counter
	AudioBytesOut prometheus.Counter

	FirstTranscriptLatency prometheus.Histogram
	FirstAudioLatency      prometheus.Histogram

	WebhookDeliveries *prometheus.CounterVec
}

// Default is the global metrics instance.
var Default = New()

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		CallsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Total number of call sessions started",
		}),
		CallsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calls_active",
			Help:      "Number of currently active call sessions",
		}),
		CallDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Duration of completed calls in seconds",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		}),
		TranscriptsFinal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_final_total",
			Help:      "Total number of final transcripts received",
		}),
		VoiceActivity: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_activity_total",
			Help:      "Total number of voice-activity signals received",
		}, []string{"signal"}),
		ResponsesGenerated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_generated_total",
			Help:      "Total number of assistant responses generated",
		}),
		ResponsesEmpty: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_empty_total",
			Help:      "Total number of empty LLM generations",
		}),
		Interruptions: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interruptions_total",
			Help:      "Total number of user barge-ins handled",
		}),
		AudioBytesIn: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_in_total",
			Help:      "Total inbound telephony audio bytes",
		}),
		AudioBytesOut: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_out_total",
			Help:      "Total outbound telephony audio bytes",
		}),
		FirstTranscriptLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_transcript_latency_seconds",
			Help:      "Time from first audio send to first transcript",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5},
		}),
		FirstAudioLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_seconds",
			Help:      "Time from utterance text send to first synthesized audio",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5},
		}),
		WebhookDeliveries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Total call-result webhook delivery attempts",
		}, []string{"status"}),
	}
}

// RecordCallStart records a new call session.
func (m *Metrics) RecordCallStart() {
	m.CallsTotal.Inc()
	m.CallsActive.Inc()
}

// RecordCallEnd records a call session ending.
func (m *Metrics) RecordCallEnd(durationSeconds float64) {
	m.CallsActive.Dec()
	m.CallDuration.Observe(durationSeconds)
}

// RecordWebhook records a webhook delivery outcome.
func (m *Metrics) RecordWebhook(err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.WebhookDeliveries.WithLabelValues(status).Inc()
}
