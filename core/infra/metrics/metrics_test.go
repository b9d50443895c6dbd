package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func withTestRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	origReg := prometheus.DefaultRegisterer
	origGather := prometheus.DefaultGatherer
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg
	t.Cleanup(func() {
		prometheus.DefaultRegisterer = origReg
		prometheus.DefaultGatherer = origGather
	})
	return reg
}

func TestNoopMetrics(t *testing.T) {
	var m Noop
	m.ObserveRequest("GET", "/healthcheck", "200", 0.01)
	m.IncQueuePublished("prod", "blue")
	m.IncQueueOverflow("prod")
	m.IncCorrelatorResult("delivered")
	m.SetBusConnected(true)
	m.IncBusReconnect()
}

func TestPromRequestMetrics(t *testing.T) {
	reg := withTestRegistry(t)
	m := NewProm("ce_router")
	m.ObserveRequest("POST", "/api/compiler/gcc12/compile", "200", 0.25)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if !hasMetric(families, "ce_router_http_requests_total", map[string]string{"method": "POST", "route": "/api/compiler/gcc12/compile", "status": "200"}) {
		t.Fatalf("expected http_requests metric")
	}
	if !hasMetric(families, "ce_router_http_request_duration_seconds", map[string]string{"method": "POST", "route": "/api/compiler/gcc12/compile"}) {
		t.Fatalf("expected http_request_duration metric")
	}
}

func TestPromQueueAndCorrelatorMetrics(t *testing.T) {
	reg := withTestRegistry(t)
	m := NewProm("ce_router")
	m.IncQueuePublished("prod", "blue")
	m.IncQueueOverflow("prod")
	m.IncCorrelatorResult("timeout")
	m.SetBusConnected(true)
	m.IncBusReconnect()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if !hasMetric(families, "ce_router_queue_messages_published_total", map[string]string{"environment": "prod", "color": "blue"}) {
		t.Fatalf("expected queue_messages_published metric")
	}
	if !hasMetric(families, "ce_router_queue_overflow_total", map[string]string{"environment": "prod"}) {
		t.Fatalf("expected queue_overflow metric")
	}
	if !hasMetric(families, "ce_router_correlator_results_total", map[string]string{"outcome": "timeout"}) {
		t.Fatalf("expected correlator_results metric")
	}
	if !hasMetric(families, "ce_router_eventbus_connected", nil) {
		t.Fatalf("expected eventbus_connected metric")
	}
	if !hasMetric(families, "ce_router_eventbus_reconnects_total", nil) {
		t.Fatalf("expected eventbus_reconnects metric")
	}
}

func TestHandler(t *testing.T) {
	withTestRegistry(t)
	m := NewProm("ce_router")
	m.IncCorrelatorResult("delivered")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatalf("expected metrics output")
	}
}

func hasMetric(families []*dto.MetricFamily, name string, labels map[string]string) bool {
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if matchLabels(metric.GetLabel(), labels) {
				return true
			}
		}
	}
	return false
}

func matchLabels(pairs []*dto.LabelPair, labels map[string]string) bool {
	if len(labels) == 0 {
		return true
	}
	found := 0
	for _, pair := range pairs {
		if val, ok := labels[pair.GetName()]; ok && pair.GetValue() == val {
			found++
		}
	}
	return found == len(labels)
}
