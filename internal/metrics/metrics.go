// Package metrics exposes Prometheus metrics for call sessions, providers and HTTP.
//
// Metrics registers on its own registry so tests and multiple instances in one
// process do not collide on the global one.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lead-qualifier/internal/calls"
	"lead-qualifier/internal/orchestrator"
)

type Metrics struct {
	reg *prometheus.Registry

	// HTTP
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Sessions
	transitionsTotal *prometheus.CounterVec
	discardedTotal   *prometheus.CounterVec
	terminalTotal    *prometheus.CounterVec
	sessionsActive   prometheus.Gauge

	// Providers and coordination
	providerCallsTotal   *prometheus.CounterVec
	providerCallDuration *prometheus.HistogramVec
	storeConflictsTotal  prometheus.Counter
	timersFiredTotal     *prometheus.CounterVec
}

func New(serviceName string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	labels := prometheus.Labels{"service": serviceName}

	return &Metrics{
		reg: reg,

		httpRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: labels,
			},
			[]string{"method", "route", "status"},
		),
		httpRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		transitionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "call_transitions_total",
				Help:        "Applied session transitions",
				ConstLabels: labels,
			},
			[]string{"event", "from", "to"},
		),
		discardedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "call_events_discarded_total",
				Help:        "Events discarded without changing a session",
				ConstLabels: labels,
			},
			[]string{"event", "reason"},
		),
		terminalTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "call_sessions_terminal_total",
				Help:        "Sessions that reached a terminal state",
				ConstLabels: labels,
			},
			[]string{"state", "failure_reason"},
		),
		sessionsActive: f.NewGauge(
			prometheus.GaugeOpts{
				Name:        "call_sessions_active",
				Help:        "Sessions started on this instance and not yet terminal",
				ConstLabels: labels,
			},
		),

		providerCallsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "provider_calls_total",
				Help:        "Calls to external providers",
				ConstLabels: labels,
			},
			[]string{"provider", "op", "result"},
		),
		providerCallDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "provider_call_duration_seconds",
				Help:        "External provider latency in seconds",
				ConstLabels: labels,
				Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"provider", "op"},
		),
		storeConflictsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name:        "call_store_conflicts_total",
				Help:        "Version conflicts on session save",
				ConstLabels: labels,
			},
		),
		timersFiredTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "call_timers_fired_total",
				Help:        "Backstop timers that fired",
				ConstLabels: labels,
			},
			[]string{"event"},
		),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// ObserveStep counts transitions and discards.
func (m *Metrics) ObserveStep(_ context.Context, ev orchestrator.Event, step orchestrator.Step) {
	if !step.Applied {
		m.discardedTotal.WithLabelValues(string(ev.Type), step.Discarded).Inc()
		return
	}
	to := step.Session.State
	m.transitionsTotal.WithLabelValues(string(ev.Type), string(step.From), string(to)).Inc()

	if step.From == calls.StateInitiated && !to.Terminal() {
		m.sessionsActive.Inc()
	}
	if to.Terminal() {
		if step.From != calls.StateInitiated {
			m.sessionsActive.Dec()
		}
		m.terminalTotal.WithLabelValues(string(to), step.Session.FailureReason).Inc()
	}
}

func (m *Metrics) ProviderCall(provider, op string, err error, d time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.providerCallsTotal.WithLabelValues(provider, op, result).Inc()
	m.providerCallDuration.WithLabelValues(provider, op).Observe(d.Seconds())
}

func (m *Metrics) StoreConflict() { m.storeConflictsTotal.Inc() }

func (m *Metrics) TimerFired(ev orchestrator.EventType) {
	m.timersFiredTotal.WithLabelValues(string(ev)).Inc()
}

// Middleware records request count and latency per matched route.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}
