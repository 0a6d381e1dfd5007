// Package metrics exposes prescreening engine events as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trial-prescreen-server/internal/domain"
)

// Metrics implements prescreen.Observer.
type Metrics struct {
	registry *prometheus.Registry

	TurnsTotal        *prometheus.CounterVec
	TurnDuration      *prometheus.HistogramVec
	SessionsStarted   *prometheus.CounterVec
	SessionsCompleted *prometheus.CounterVec
	AnswersValidated  *prometheus.CounterVec
}

// New registers the engine metrics and the Go runtime collectors on a
// private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prescreen_turns_total",
				Help: "Total number of conversation turns by kind and error code",
			},
			[]string{"kind", "code"},
		),
		TurnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "prescreen_turn_duration_seconds",
				Help:    "Duration of conversation turns in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"kind"},
		),
		SessionsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prescreen_sessions_started_total",
				Help: "Total number of prescreening sessions created",
			},
			[]string{"trial_id"},
		),
		SessionsCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prescreen_sessions_completed_total",
				Help: "Total number of completed prescreenings by overall status",
			},
			[]string{"trial_id", "status"},
		),
		AnswersValidated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prescreen_answers_validated_total",
				Help: "Total number of validated replies by outcome",
			},
			[]string{"outcome"},
		),
	}
}

func (m *Metrics) TurnCompleted(kind string, _ domain.StateType, elapsed time.Duration, err error) {
	code := domain.ErrorCode(err)
	if code == "" {
		code = "ok"
	}
	m.TurnsTotal.WithLabelValues(kind, code).Inc()
	m.TurnDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func (m *Metrics) SessionStarted(trialID string) {
	m.SessionsStarted.WithLabelValues(trialID).Inc()
}

func (m *Metrics) SessionCompleted(trialID string, status domain.OverallStatus) {
	m.SessionsCompleted.WithLabelValues(trialID, string(status)).Inc()
}

func (m *Metrics) AnswerValidated(outcome string) {
	m.AnswersValidated.WithLabelValues(outcome).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
