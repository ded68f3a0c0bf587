// Package observability exposes the process-wide Prometheus metrics.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	activeSessions      prometheus.Gauge
	sessionsByState     *prometheus.GaugeVec
	messageSaveDuration prometheus.Histogram
	messageLoadDuration prometheus.Histogram
	eventsEmittedTotal  *prometheus.CounterVec

	providerInvokeTotal    *prometheus.CounterVec
	providerInvokeDuration *prometheus.HistogramVec
	providerErrorsTotal    *prometheus.CounterVec

	gatewayClients       prometheus.Gauge
	gatewayCommandsTotal *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_sessions",
					Help: "Current live session count.",
				},
			),
			sessionsByState: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "sessions_by_state",
					Help: "Live sessions by state.",
				},
				[]string{"state"},
			),
			messageSaveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "message_save_duration_seconds",
					Help:    "Message persistence duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			messageLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "message_load_duration_seconds",
					Help:    "Message history read duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			eventsEmittedTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "session_events_emitted_total",
					Help: "Total session events emitted by event name.",
				},
				[]string{"event"},
			),
			providerInvokeTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "provider_invoke_total",
					Help: "Total provider invocations by provider and status.",
				},
				[]string{"provider", "status"},
			),
			providerInvokeDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "provider_invoke_duration_seconds",
					Help:    "Provider invocation duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			providerErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "provider_errors_total",
					Help: "Total provider invocation errors by provider.",
				},
				[]string{"provider"},
			),
			gatewayClients: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "gateway_connected_clients",
					Help: "Currently connected gateway clients.",
				},
			),
			gatewayCommandsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gateway_commands_total",
					Help: "Total gateway commands by type and status.",
				},
				[]string{"type", "status"},
			),
		}

		prometheus.MustRegister(
			m.activeSessions,
			m.sessionsByState,
			m.messageSaveDuration,
			m.messageLoadDuration,
			m.eventsEmittedTotal,
			m.providerInvokeTotal,
			m.providerInvokeDuration,
			m.providerErrorsTotal,
			m.gatewayClients,
			m.gatewayCommandsTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

// MetricsHandler returns the Prometheus scrape handler.
func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

// SetActiveSessions records the current live session count.
func SetActiveSessions(n int) {
	getMetrics().activeSessions.Set(float64(n))
}

// SetSessionsByState records the per-state session counts. States
// absent from counts are cleared.
func SetSessionsByState(counts map[string]int) {
	m := getMetrics()
	m.sessionsByState.Reset()
	for state, n := range counts {
		m.sessionsByState.WithLabelValues(state).Set(float64(n))
	}
}

// RecordMessageSave records a message persistence duration.
func RecordMessageSave(d time.Duration) {
	getMetrics().messageSaveDuration.Observe(d.Seconds())
}

// RecordMessageLoad records a history read duration.
func RecordMessageLoad(d time.Duration) {
	getMetrics().messageLoadDuration.Observe(d.Seconds())
}

// RecordEventEmitted counts one emitted session event.
func RecordEventEmitted(event string) {
	getMetrics().eventsEmittedTotal.WithLabelValues(event).Inc()
}

// RecordProviderInvoke records one provider invocation.
func RecordProviderInvoke(provider, status string, d time.Duration) {
	m := getMetrics()
	m.providerInvokeTotal.WithLabelValues(provider, status).Inc()
	m.providerInvokeDuration.WithLabelValues(provider).Observe(d.Seconds())
	if status == "error" {
		m.providerErrorsTotal.WithLabelValues(provider).Inc()
	}
}

// SetGatewayClients records the connected client count.
func SetGatewayClients(n int) {
	getMetrics().gatewayClients.Set(float64(n))
}

// RecordGatewayCommand counts one inbound gateway command.
func RecordGatewayCommand(cmdType, status string) {
	getMetrics().gatewayCommandsTotal.WithLabelValues(cmdType, status).Inc()
}
