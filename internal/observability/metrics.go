package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ActiveSessions      prometheus.Gauge
	DeliveringSessions  prometheus.Gauge
	SessionEvents       *prometheus.CounterVec
	RPCMessages         *prometheus.CounterVec
	TaskEvents          *prometheus.CounterVec
	StageLatency        *prometheus.HistogramVec
	TaskDuration        prometheus.Histogram
	Elicitations        *prometheus.CounterVec
	ResourceUpdates     *prometheus.CounterVec
	ActiveSubscriptions prometheus.Gauge

	stages *StageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of sessions with a live transport.",
		}),
		DeliveringSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "delivering_sessions",
			Help:      "Number of sessions receiving periodic resource updates.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		RPCMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_messages_total",
			Help:      "JSON-RPC messages by direction and method.",
		}, []string{"direction", "method"}),
		TaskEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_events_total",
			Help:      "Task lifecycle events by type and status.",
		}, []string{"event", "status"}),
		StageLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "research_stage_duration_ms",
			Help:      "Research stage duration in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 1500, 2500, 5000},
		}, []string{"stage"}),
		TaskDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Wall time from task creation to terminal status.",
			Buckets:   []float64{0.5, 1, 2, 4, 8, 15, 30, 60, 300},
		}),
		Elicitations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "elicitations_total",
			Help:      "Elicitation round-trips by outcome.",
		}, []string{"outcome"}),
		ResourceUpdates: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resource_updates_total",
			Help:      "Resource update notifications by result.",
		}, []string{"result"}),
		ActiveSubscriptions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "resource_subscriptions",
			Help:      "Number of (uri, session) subscription pairs.",
		}),
		stages: NewStageWindow(256),
	}
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) SessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) RPCMessage(direction, method string) {
	if m == nil {
		return
	}
	if method == "" {
		method = "response"
	}
	m.RPCMessages.WithLabelValues(direction, method).Inc()
}

func (m *Metrics) ObserveTaskEvent(event, status string) {
	if m == nil {
		return
	}
	m.TaskEvents.WithLabelValues(event, status).Inc()
}

func (m *Metrics) ObserveTaskDuration(d time.Duration) {
	if m == nil || d < 0 {
		return
	}
	m.TaskDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageLatency.WithLabelValues(stage).Observe(float64(d.Milliseconds()))
	m.stages.Observe(stage, d)
}

// ObserveIndicator counts a research lifecycle marker such as "paused" or
// "resumed" in the stage window.
func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.stages.ObserveIndicator(name)
}

func (m *Metrics) ObserveElicitation(outcome string) {
	if m == nil {
		return
	}
	m.Elicitations.WithLabelValues(outcome).Inc()
	m.stages.ObserveIndicator("elicitation_" + outcome)
}

func (m *Metrics) ObserveResourceUpdate(result string) {
	if m == nil {
		return
	}
	m.ResourceUpdates.WithLabelValues(result).Inc()
}

func (m *Metrics) StageWindow() *StageWindow {
	if m == nil {
		return nil
	}
	return m.stages
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
