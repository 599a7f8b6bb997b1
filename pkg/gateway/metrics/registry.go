package metrics

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Option configures behaviour of a Registry.
type Option func(*options)

type options struct {
	namespace                 string
	registerDefaultCollectors bool
}

// WithNamespace sets a namespace applied to collectors registered through helper
// functions. The namespace is advisory; callers can ignore it when registering
// custom metrics.
func WithNamespace(namespace string) Option {
	return func(o *options) {
		o.namespace = strings.TrimSpace(namespace)
	}
}

// WithoutDefaultCollectors disables automatic registration of Go and process
// collectors. Useful for tests or callers that prefer bespoke wiring.
func WithoutDefaultCollectors() Option {
	return func(o *options) {
		o.registerDefaultCollectors = false
	}
}

// Registry wraps a Prometheus registry and exposes helpers for HTTP handlers
// and collector registration with gateway defaults applied.
type Registry struct {
	namespace string
	registry  *prometheus.Registry
}

// NewRegistry creates a registry preloaded with default collectors (unless
// disabled via options) and records an optional namespace.
func NewRegistry(opts ...Option) *Registry {
	settings := options{
		registerDefaultCollectors: true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&settings)
		}
	}

	reg := prometheus.NewRegistry()
	if settings.registerDefaultCollectors {
		reg.MustRegister(collectors.NewGoCollector())
		reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	return &Registry{
		namespace: settings.namespace,
		registry:  reg,
	}
}

// Namespace returns the configured namespace, if any.
func (r *Registry) Namespace() string {
	if r == nil {
		return ""
	}
	return r.namespace
}

// Handler returns an HTTP handler that exposes Prometheus metrics registered in
// this registry. When the registry is nil, http.NotFound is returned.
func (r *Registry) Handler() http.Handler {
	if r == nil || r.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Register allows callers to register custom collectors. It panics if the
// registry is nil or registration fails, mirroring standard Prometheus
// behaviour.
func (r *Registry) Register(c prometheus.Collector) {
	if r == nil || r.registry == nil || c == nil {
		return
	}
	r.registry.MustRegister(c)
}

// Share registers c, or returns the collector already registered under the
// same descriptor. Policies rebuilt on reload reuse their counters this way.
func (r *Registry) Share(c prometheus.Collector) prometheus.Collector {
	if r == nil || r.registry == nil || c == nil {
		return c
	}
	if err := r.registry.Register(c); err != nil {
		var exists prometheus.AlreadyRegisteredError
		if errors.As(err, &exists) {
			return exists.ExistingCollector
		}
		panic(err)
	}
	return c
}

// Outcomes counts and times one kind of gateway event, labelled by outcome.
// A nil *Outcomes ignores observations.
type Outcomes struct {
	Total    *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

// Observe records one event with the given outcome.
func (o *Outcomes) Observe(outcome string, elapsed time.Duration) {
	if o == nil {
		return
	}
	o.Total.WithLabelValues(outcome).Inc()
	o.Duration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

var decisionBuckets = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}

// AuthzDecisions returns the authorization decision collectors
// (gateway_authz_decisions_total, gateway_authz_decision_duration_seconds).
// Outcomes include the time spent waiting on key resolution.
func (r *Registry) AuthzDecisions() *Outcomes {
	return r.outcomes("gateway_authz_decisions_total", "Authorization decisions labelled by outcome.",
		"gateway_authz_decision_duration_seconds", "Time spent deciding a request, including key resolution.",
		decisionBuckets)
}

// KeyFetches returns the collectors for discovery+JWKS fetch rounds, labelled
// success or error.
func (r *Registry) KeyFetches() *Outcomes {
	return r.outcomes("gateway_oidc_key_fetch_total", "Discovery and JWKS fetch rounds labelled by outcome.",
		"gateway_oidc_key_fetch_duration_seconds", "Duration of discovery and JWKS fetch rounds.",
		prometheus.DefBuckets)
}

func (r *Registry) outcomes(totalName, totalHelp, durationName, durationHelp string, buckets []float64) *Outcomes {
	if r == nil || r.registry == nil {
		return nil
	}
	total := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: totalName,
		Help: totalHelp,
	}, []string{"outcome"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    durationName,
		Help:    durationHelp,
		Buckets: buckets,
	}, []string{"outcome"})

	return &Outcomes{
		Total:    r.Share(total).(*prometheus.CounterVec),
		Duration: r.Share(duration).(*prometheus.HistogramVec),
	}
}

// Raw returns the underlying Prometheus registry for advanced use cases.
func (r *Registry) Raw() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}
