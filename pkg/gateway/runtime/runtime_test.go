package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/theroutercompany/oidc_router/internal/oidctest"
	"github.com/theroutercompany/oidc_router/internal/platform/health"
	gatewayconfig "github.com/theroutercompany/oidc_router/pkg/gateway/config"
	"github.com/theroutercompany/oidc_router/pkg/gateway/openapi"
	pkglog "github.com/theroutercompany/oidc_router/pkg/log"
)

const testAudience = "orders-api"

const securedDocument = `
openapi: 3.0.3
info:
  title: orders
  version: "1.0"
security:
  - oidc: [orders:read]
components:
  securitySchemes:
    oidc:
      type: openIdConnect
      openIdConnectUrl: %q
paths:
  /orders:
    get:
      responses:
        "200":
          description: ok
`

const publicDocument = `
openapi: 3.0.3
info:
  title: orders
  version: "1.1"
components:
  securitySchemes:
    oidc:
      type: openIdConnect
      openIdConnectUrl: %q
paths:
  /orders:
    get:
      security: []
      responses:
        "200":
          description: ok
`

type testEnv struct {
	idp      *oidctest.Provider
	specPath string
	cfg      gatewayconfig.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	idp := oidctest.NewProvider(t)
	env := &testEnv{
		idp:      idp,
		specPath: filepath.Join(t.TempDir(), "openapi.yaml"),
	}
	env.writeSpec(t, securedDocument)

	cfg := gatewayconfig.Default()
	cfg.HTTP.Port = 0
	cfg.Upstream.BaseURL = "https://orders.example.com"
	cfg.Policy.OpenAPISpecPath = env.specPath
	cfg.Policy.Audience = testAudience
	cfg.Readiness.Issuers = false
	env.cfg = cfg
	return env
}

func (e *testEnv) writeSpec(t *testing.T, document string) {
	t.Helper()
	data := fmt.Sprintf(document, e.idp.DiscoveryURL())
	if err := os.WriteFile(e.specPath, []byte(data), 0o600); err != nil {
		t.Fatalf("write spec: %v", err)
	}
}

func (e *testEnv) bearer(t *testing.T, scope string) string {
	t.Helper()
	return "Bearer " + e.idp.Sign(t, oidctest.DefaultKeyID, e.idp.Claims(testAudience, "svc-reporting", scope))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func get(t *testing.T, handler http.Handler, path, authorization string) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec.Code
}

func TestRuntimeRunStartsAndStops(t *testing.T) {
	env := newTestEnv(t)
	rt, err := New(env.cfg, WithLogger(pkglog.Nop()))
	if err != nil {
		t.Fatalf("runtime.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	if err := rt.Run(ctx); err != nil {
		t.Fatalf("runtime.Run: %v", err)
	}
}

func TestRuntimeRejectsDoubleStart(t *testing.T) {
	env := newTestEnv(t)
	rt, err := New(env.cfg, WithLogger(pkglog.Nop()))
	if err != nil {
		t.Fatalf("runtime.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rt.Start(ctx); err != nil {
		t.Fatalf("first start failed: %v", err)
	}

	if err := rt.Start(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}

	cancel()
	if err := rt.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if err := rt.Wait(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestRuntimeReloadConstraints(t *testing.T) {
	env := newTestEnv(t)
	rt, err := New(env.cfg, WithLogger(pkglog.Nop()))
	if err != nil {
		t.Fatalf("runtime.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := rt.Reload(env.cfg); !errors.Is(err, ErrReloadWhileRunning) {
		t.Fatalf("expected ErrReloadWhileRunning, got %v", err)
	}

	cancel()
	if err := rt.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}

	cfgCopy := env.cfg
	cfgCopy.Policy.Alternatives = gatewayconfig.AlternativesFirst
	if err := rt.Reload(cfgCopy); err != nil {
		t.Fatalf("reload after stop: %v", err)
	}
	if rt.Config().Policy.Alternatives != gatewayconfig.AlternativesFirst {
		t.Fatalf("expected reloaded config to be active")
	}
}

func TestRuntimeRejectsUnloadableDocument(t *testing.T) {
	env := newTestEnv(t)
	cfg := env.cfg
	cfg.Policy.OpenAPISpecPath = filepath.Join(t.TempDir(), "missing.yaml")

	_, err := New(cfg, WithLogger(pkglog.Nop()))
	var loadErr *openapi.SpecLoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("expected SpecLoadError, got %v", err)
	}
}

func TestRuntimeAuthorizesRequests(t *testing.T) {
	env := newTestEnv(t)
	rt, err := New(env.cfg, WithLogger(pkglog.Nop()), WithUpstreamHandler(okHandler()))
	if err != nil {
		t.Fatalf("runtime.New: %v", err)
	}
	handler := rt.Handler()

	if code := get(t, handler, "/orders", env.bearer(t, "orders:read")); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if code := get(t, handler, "/orders", ""); code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
	if code := get(t, handler, "/orders", env.bearer(t, "orders:write")); code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", code)
	}
}

func TestRuntimeReloadPolicySwapsDocument(t *testing.T) {
	env := newTestEnv(t)
	rt, err := New(env.cfg, WithLogger(pkglog.Nop()), WithUpstreamHandler(okHandler()))
	if err != nil {
		t.Fatalf("runtime.New: %v", err)
	}
	handler := rt.Handler()
	before := rt.Policy()

	env.writeSpec(t, publicDocument)
	if err := rt.ReloadPolicy(context.Background()); err != nil {
		t.Fatalf("reload policy: %v", err)
	}
	if rt.Policy() == before {
		t.Fatalf("expected a new policy to be active")
	}
	if code := get(t, handler, "/orders", ""); code != http.StatusOK {
		t.Fatalf("expected reloaded document to make /orders public, got %d", code)
	}

	active := rt.Policy()
	if err := os.WriteFile(env.specPath, []byte("openapi: [broken"), 0o600); err != nil {
		t.Fatalf("write spec: %v", err)
	}
	if err := rt.ReloadPolicy(context.Background()); err == nil {
		t.Fatalf("expected reload of a broken document to fail")
	}
	if rt.Policy() != active {
		t.Fatalf("expected previous policy to stay active")
	}
}

func TestRuntimeReadinessProbesUpstreamAndIssuers(t *testing.T) {
	env := newTestEnv(t)
	backend := httptest.NewServer(okHandler())
	t.Cleanup(backend.Close)

	cfg := env.cfg
	cfg.Upstream.BaseURL = backend.URL
	cfg.Readiness.Issuers = true
	rt, err := New(cfg, WithLogger(pkglog.Nop()))
	if err != nil {
		t.Fatalf("runtime.New: %v", err)
	}

	report := rt.Readiness(context.Background())
	if report.Status != health.StatusReady {
		t.Fatalf("expected ready, got %+v", report)
	}
	if len(report.Upstreams) != 1 || report.Upstreams[0].Name != cfg.Upstream.Name {
		t.Fatalf("unexpected upstream reports %+v", report.Upstreams)
	}
	if len(report.Issuers) != 1 || report.Issuers[0].Name != "oidc" || !report.Issuers[0].Healthy {
		t.Fatalf("unexpected issuer reports %+v", report.Issuers)
	}
	if env.idp.JWKSHits() != 1 {
		t.Fatalf("expected readiness to populate the key cache once, got %d fetches", env.idp.JWKSHits())
	}

	rt.Readiness(context.Background())
	if env.idp.JWKSHits() != 1 {
		t.Fatalf("expected cached keys on the second probe, got %d fetches", env.idp.JWKSHits())
	}
}

func TestRuntimeReadinessDegradedWhenIssuerDown(t *testing.T) {
	env := newTestEnv(t)
	env.idp.SetJWKSStatus(http.StatusInternalServerError)
	backend := httptest.NewServer(okHandler())
	t.Cleanup(backend.Close)

	cfg := env.cfg
	cfg.Upstream.BaseURL = backend.URL
	cfg.Readiness.Issuers = true
	rt, err := New(cfg, WithLogger(pkglog.Nop()))
	if err != nil {
		t.Fatalf("runtime.New: %v", err)
	}

	report := rt.Readiness(context.Background())
	if report.Status != health.StatusDegraded {
		t.Fatalf("expected degraded, got %s", report.Status)
	}
	if len(report.Issuers) != 1 || report.Issuers[0].Healthy || report.Issuers[0].Error == "" {
		t.Fatalf("expected failing issuer report, got %+v", report.Issuers)
	}
}
