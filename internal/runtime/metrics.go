package runtime

import (
	"net/http"
	"time"

	"agentpilot/internal/stream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics records turn and member activity on its own registry. A nil
// *Metrics records nothing.
type Metrics struct {
	registry  *prometheus.Registry
	turns     *prometheus.CounterVec
	responses *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	chunks    *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentpilot_turns_total",
			Help: "Finished turns by final state.",
		}, []string{"outcome"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentpilot_member_responses_total",
			Help: "Member invocations by member kind and outcome.",
		}, []string{"kind", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentpilot_member_response_seconds",
			Help:    "Wall time of member invocations.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"kind"}),
		chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentpilot_stream_chunks_total",
			Help: "Streamed chunks delivered to listeners by role.",
		}, []string{"role"}),
	}
	m.registry.MustRegister(
		m.turns, m.responses, m.latency, m.chunks,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) TurnFinished(outcome string) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) MemberResponded(kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.responses.WithLabelValues(kind, outcome).Inc()
	m.latency.WithLabelValues(kind).Observe(d.Seconds())
}

// HandleEvent counts chunk events; it is subscribed to the bridge.
func (m *Metrics) HandleEvent(e stream.Event) {
	if m == nil || e.Kind != stream.EventChunk {
		return
	}
	m.chunks.WithLabelValues(e.Role).Inc()
}
