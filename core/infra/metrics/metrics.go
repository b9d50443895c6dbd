package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics defines the counters/histograms emitted by the router.
type Metrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
	IncQueuePublished(environment, color string)
	IncQueueOverflow(environment string)
	IncCorrelatorResult(outcome string)
	SetBusConnected(connected bool)
	IncBusReconnect()
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) ObserveRequest(string, string, string, float64) {}
func (Noop) IncQueuePublished(string, string) {}
func (Noop) IncQueueOverflow(string) {}
func (Noop) IncCorrelatorResult(string) {}
func (Noop) SetBusConnected(bool) {}
func (Noop) IncBusReconnect() {}

// Prom implements Metrics backed by Prometheus collectors.
type Prom struct {
	requests         *prometheus.CounterVec
	latency          *prometheus.HistogramVec
	queuePublished   *prometheus.CounterVec
	queueOverflow    *prometheus.CounterVec
	correlatorResult *prometheus.CounterVec
	busConnected     prometheus.Gauge
	busReconnects    prometheus.Counter
	once             sync.Once
}

// NewProm constructs a Prom metrics implementation under namespace.
func NewProm(namespace string) *Prom {
	p := &Prom{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		queuePublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_messages_published_total",
			Help:      "Queue messages published by environment/color",
		}, []string{"environment", "color"}),
		queueOverflow: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_overflow_total",
			Help:      "Queue messages that overflowed to object storage, by environment",
		}, []string{"environment"}),
		correlatorResult: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "correlator_results_total",
			Help:      "Correlator completions by outcome (delivered/timeout/cancelled)",
		}, []string{"outcome"}),
		busConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "eventbus_connected",
			Help:      "1 if the event-bus client is currently open, 0 otherwise",
		}),
		busReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eventbus_reconnects_total",
			Help:      "Number of event-bus reconnect attempts",
		}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(
			p.requests, p.latency, p.queuePublished, p.queueOverflow,
			p.correlatorResult, p.busConnected, p.busReconnects,
		)
	})
}

func (p *Prom) ObserveRequest(method, route, status string, durationSeconds float64) {
	p.requests.WithLabelValues(method, route, status).Inc()
	p.latency.WithLabelValues(method, route).Observe(durationSeconds)
}

func (p *Prom) IncQueuePublished(environment, color string) {
	p.queuePublished.WithLabelValues(environment, color).Inc()
}

func (p *Prom) IncQueueOverflow(environment string) {
	p.queueOverflow.WithLabelValues(environment).Inc()
}

func (p *Prom) IncCorrelatorResult(outcome string) {
	p.correlatorResult.WithLabelValues(outcome).Inc()
}

func (p *Prom) SetBusConnected(connected bool) {
	if connected {
		p.busConnected.Set(1)
		return
	}
	p.busConnected.Set(0)
}

func (p *Prom) IncBusReconnect() {
	p.busReconnects.Inc()
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
