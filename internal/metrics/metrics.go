// Package metrics exposes the bridge's Prometheus collectors. All
// methods are nil-safe so components can be built without metrics in
// tests and in the one-shot command.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "varta"

// Metrics holds the collectors registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	cycles            *prometheus.CounterVec
	logins            *prometheus.CounterVec
	reauths           prometheus.Counter
	consecutiveErrors prometheus.Gauge
	lastSuccess       prometheus.Gauge
	brokerUp          prometheus.Gauge
	fetchDuration     prometheus.Histogram
	measurements      *prometheus.GaugeVec
}

// New creates the collectors and registers them, together with the Go
// runtime and process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_cycles_total",
			Help:      "Completed poll cycles by result.",
		}, []string{"result"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "login_attempts_total",
			Help:      "Login attempts by outcome, including cooldown blocks.",
		}, []string{"outcome"}),
		reauths: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reauthentications_total",
			Help:      "Data requests rejected with 401/403 that triggered a re-login.",
		}),
		consecutiveErrors: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consecutive_errors",
			Help:      "Current consecutive failed poll cycles.",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful fetch.",
		}),
		brokerUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mqtt_connected",
			Help:      "1 while the MQTT broker connection is up.",
		}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Duration of data requests against the battery API.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		measurements: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "measurement",
			Help:      "Latest mapped battery measurement by sensor key.",
		}, []string{"key"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.cycles,
		m.logins,
		m.reauths,
		m.consecutiveErrors,
		m.lastSuccess,
		m.brokerUp,
		m.fetchDuration,
		m.measurements,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveCycle counts a finished poll cycle.
func (m *Metrics) ObserveCycle(ok bool) {
	if m == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	m.cycles.WithLabelValues(result).Inc()
}

// ObserveLogin counts a login attempt outcome.
func (m *Metrics) ObserveLogin(outcome string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(outcome).Inc()
}

// ObserveReauth counts an authorization rejection on the data endpoint.
func (m *Metrics) ObserveReauth() {
	if m == nil {
		return
	}
	m.reauths.Inc()
}

// ObserveFetch records the duration of one data request.
func (m *Metrics) ObserveFetch(d time.Duration) {
	if m == nil {
		return
	}
	m.fetchDuration.Observe(d.Seconds())
}

// SetErrorCount mirrors the consecutive error counter.
func (m *Metrics) SetErrorCount(n int) {
	if m == nil {
		return
	}
	m.consecutiveErrors.Set(float64(n))
}

// MarkSuccess records the time of a successful fetch.
func (m *Metrics) MarkSuccess(t time.Time) {
	if m == nil {
		return
	}
	m.lastSuccess.Set(float64(t.Unix()))
}

// SetBrokerUp records the broker connection state.
func (m *Metrics) SetBrokerUp(up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.brokerUp.Set(v)
}

// SetMeasurement exports a mapped measurement value.
func (m *Metrics) SetMeasurement(key string, v float64) {
	if m == nil {
		return
	}
	m.measurements.WithLabelValues(key).Set(v)
}
