package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service, plus a
// StageWindow that keeps a rolling percentile view of the same stage
// latencies for the human-readable /debug/stages endpoint (Prometheus
// histograms are precise but awkward to eyeball without a query engine).
type Metrics struct {
	ActiveSessions     prometheus.Gauge
	SessionEvents      *prometheus.CounterVec
	WSMessages         *prometheus.CounterVec
	WSWriteErrors      *prometheus.CounterVec
	ProviderErrors     *prometheus.CounterVec
	CommitsTotal       prometheus.Counter
	BackpressureState  prometheus.Gauge
	StageLatencyMs     *prometheus.HistogramVec
	FirstAudioLatency  prometheus.Histogram
	Stages             *StageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active translation sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		WSWriteErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_write_errors_total",
			Help:      "WebSocket write failures by kind.",
		}, []string{"kind"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Adapter errors by stage (asr/mt/tts) and code.",
		}, []string{"stage", "code"}),
		CommitsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_total",
			Help:      "Total segments committed by the commit tracker across all sessions.",
		}),
		BackpressureState: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backpressure_degraded_sessions",
			Help:      "Number of sessions currently in the Degraded backpressure state.",
		}),
		StageLatencyMs: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_latency_ms",
			Help:      "Per-segment stage latency in milliseconds.",
			Buckets:   []float64{50, 100, 200, 300, 500, 700, 1000, 1500, 2000, 3200},
		}, []string{"stage"}),
		FirstAudioLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "commit_to_first_audio_ms",
			Help:      "Latency from commit to first TTS chunk delivered to the client, in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 1400, 2000, 3200},
		}),
		Stages: NewStageWindow(256),
	}
}

func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
}

// ObserveStage records one stage latency sample into both the Prometheus
// histogram (for alerting/dashboards) and the in-process StageWindow (for
// the /debug/stages endpoint).
func (m *Metrics) ObserveStage(stage string, ms float64) {
	m.StageLatencyMs.WithLabelValues(stage).Observe(ms)
	m.Stages.Observe(stage, ms)
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
