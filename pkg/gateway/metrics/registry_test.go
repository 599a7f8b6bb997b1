package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHandlerExposesMetrics(t *testing.T) {
	reg := NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: reg.Namespace() + "gateway_test_counter_total",
		Help: "test counter",
	})
	reg.Register(counter)
	counter.Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rr := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rr, req)

	if rr.Code != 200 {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if rr.Body.Len() == 0 {
		t.Fatalf("expected metrics output")
	}
}

func TestNamespaceOption(t *testing.T) {
	reg := NewRegistry(WithNamespace("gateway"))
	if reg.Namespace() != "gateway" {
		t.Fatalf("expected namespace gateway, got %s", reg.Namespace())
	}
}

func TestWithoutDefaultCollectors(t *testing.T) {
	reg := NewRegistry(WithoutDefaultCollectors())
	mfs, err := reg.Raw().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(mfs) != 0 {
		t.Fatalf("expected no collectors registered by default, got %d", len(mfs))
	}
}

func TestShareReturnsExistingCollector(t *testing.T) {
	reg := NewRegistry(WithoutDefaultCollectors())
	opts := prometheus.CounterOpts{Name: "gateway_shared_counter_total", Help: "shared"}

	first := reg.Share(prometheus.NewCounter(opts))
	second := reg.Share(prometheus.NewCounter(opts))

	if first != second {
		t.Fatalf("expected second registration to return the existing collector")
	}
}

func TestShareOnNilRegistry(t *testing.T) {
	var reg *Registry
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "nil_registry_total", Help: "nil"})
	if got := reg.Share(counter); got != counter {
		t.Fatalf("expected collector passthrough on nil registry")
	}
}

func TestOutcomesSharedAcrossCallers(t *testing.T) {
	reg := NewRegistry(WithoutDefaultCollectors())

	first := reg.AuthzDecisions()
	second := reg.AuthzDecisions()
	first.Observe("allowed", time.Millisecond)
	second.Observe("allowed", time.Millisecond)
	reg.KeyFetches().Observe("error", time.Second)

	if got := testutil.ToFloat64(first.Total.WithLabelValues("allowed")); got != 2 {
		t.Fatalf("expected shared decision counter at 2, got %v", got)
	}
	if got := testutil.ToFloat64(reg.KeyFetches().Total.WithLabelValues("error")); got != 1 {
		t.Fatalf("expected one failed fetch, got %v", got)
	}
}

func TestOutcomesNilSafe(t *testing.T) {
	var reg *Registry
	outcomes := reg.AuthzDecisions()
	if outcomes != nil {
		t.Fatalf("expected nil outcomes from nil registry")
	}
	outcomes.Observe("allowed", time.Millisecond)
}
