package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	gatewaymetrics "github.com/theroutercompany/oidc_router/pkg/gateway/metrics"
)

// protocolMetrics records every request the gateway answers, whether it was
// proxied or rejected by the authorization layer.
type protocolMetrics struct {
	upstream    string
	requests    *prometheus.CounterVec
	inflight    *prometheus.GaugeVec
	duration    *prometheus.HistogramVec
	connections *prometheus.GaugeVec
}

func newProtocolMetrics(reg *gatewaymetrics.Registry, upstream string) *protocolMetrics {
	if reg == nil {
		return nil
	}

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_http_requests_total",
		Help: "Requests answered by the gateway labelled by protocol, upstream, and status class.",
	}, []string{"protocol", "upstream", "class"})

	inflight := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_http_inflight",
		Help: "Current number of in-flight requests by protocol and upstream.",
	}, []string{"protocol", "upstream"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_http_request_duration_seconds",
		Help:    "End-to-end request duration including authorization and upstream time.",
		Buckets: prometheus.DefBuckets,
	}, []string{"protocol", "upstream"})

	connections := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_http_active_upgraded_connections",
		Help: "Current number of upgraded connections (websockets) by upstream.",
	}, []string{"protocol", "upstream"})

	return &protocolMetrics{
		upstream:    upstream,
		requests:    reg.Share(requests).(*prometheus.CounterVec),
		inflight:    reg.Share(inflight).(*prometheus.GaugeVec),
		duration:    reg.Share(duration).(*prometheus.HistogramVec),
		connections: reg.Share(connections).(*prometheus.GaugeVec),
	}
}

func (m *protocolMetrics) track(r *http.Request) func(status int, elapsed time.Duration) {
	if m == nil || r == nil {
		return func(int, time.Duration) {}
	}

	protocol := classifyProtocol(r)
	m.inflight.WithLabelValues(protocol, m.upstream).Inc()

	return func(status int, elapsed time.Duration) {
		if status <= 0 {
			status = http.StatusOK
		}
		m.requests.WithLabelValues(protocol, m.upstream, statusClass(status)).Inc()
		m.duration.WithLabelValues(protocol, m.upstream).Observe(elapsed.Seconds())
		m.inflight.WithLabelValues(protocol, m.upstream).Dec()
	}
}

func (m *protocolMetrics) hijacked(r *http.Request) func() {
	if m == nil || r == nil {
		return nil
	}

	protocol := classifyProtocol(r)
	if protocol != "websocket" {
		return nil
	}

	m.connections.WithLabelValues(protocol, m.upstream).Inc()
	return func() {
		m.connections.WithLabelValues(protocol, m.upstream).Dec()
	}
}

func statusClass(status int) string {
	return strconv.Itoa(status/100) + "xx"
}

func classifyProtocol(r *http.Request) string {
	if r == nil {
		return "unknown"
	}

	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return "websocket"
	}

	contentType := strings.ToLower(r.Header.Get("Content-Type"))
	if strings.HasPrefix(contentType, "application/grpc") || r.Header.Get("Grpc-Timeout") != "" {
		return "grpc"
	}
	if strings.HasPrefix(contentType, "text/event-stream") || strings.Contains(strings.ToLower(r.Header.Get("Accept")), "text/event-stream") {
		return "sse"
	}

	return "http"
}
