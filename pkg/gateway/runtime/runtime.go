// Package runtime composes configuration, the authorization policy, and the
// HTTP server into a controllable lifecycle suitable for CLIs, services, or
// SDK embedding. It exposes helpers to start, wait, reload, and shutdown the
// gateway.
package runtime

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/theroutercompany/oidc_router/internal/platform/health"
	"github.com/theroutercompany/oidc_router/pkg/gateway/authz"
	gatewayconfig "github.com/theroutercompany/oidc_router/pkg/gateway/config"
	"github.com/theroutercompany/oidc_router/pkg/gateway/keys"
	gatewaymetrics "github.com/theroutercompany/oidc_router/pkg/gateway/metrics"
	gatewayserver "github.com/theroutercompany/oidc_router/pkg/gateway/server"
	pkglog "github.com/theroutercompany/oidc_router/pkg/log"
)

var (
	// ErrAlreadyRunning indicates the runtime is already serving requests.
	ErrAlreadyRunning = errors.New("runtime already running")
	// ErrNotRunning indicates the runtime has not been started yet.
	ErrNotRunning = errors.New("runtime not running")
	// ErrReloadWhileRunning is returned when attempting to reload while serving.
	ErrReloadWhileRunning = errors.New("cannot reload runtime while it is running")
)

// Runtime orchestrates the HTTP server lifecycle based on gateway configuration.
type Runtime struct {
	mu sync.Mutex

	cfg      gatewayconfig.Config
	server   *gatewayserver.Server
	checker  *health.Checker
	registry *gatewaymetrics.Registry
	resolver *keys.Resolver
	policy   *authz.Holder
	upstream http.Handler
	logger   pkglog.Logger

	cancel context.CancelFunc
	errCh  chan error
}

// Option customises runtime behaviour.
type Option func(*Runtime)

// WithLogger overrides the logger used by the runtime and underlying server.
func WithLogger(logger pkglog.Logger) Option {
	return func(r *Runtime) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithUpstreamHandler serves authorized requests in-process instead of
// proxying them to upstream.baseURL.
func WithUpstreamHandler(handler http.Handler) Option {
	return func(r *Runtime) {
		r.upstream = handler
	}
}

// New constructs a runtime from the provided configuration. The OpenAPI
// document is loaded here; a document that cannot be loaded is fatal.
func New(cfg gatewayconfig.Config, opts ...Option) (*Runtime, error) {
	rt := &Runtime{
		cfg:    cfg,
		logger: pkglog.Shared(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(rt)
		}
	}

	comps, err := buildComponents(cfg, rt.logger, rt.upstream)
	if err != nil {
		return nil, err
	}
	rt.apply(comps)

	return rt, nil
}

// Start begins serving in the background until the supplied context is
// cancelled or Shutdown is called. Keys for every OIDC scheme are fetched
// in the background; failures there do not stop the gateway.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.errCh != nil {
		return ErrAlreadyRunning
	}

	if ctx == nil {
		ctx = context.Background()
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.errCh = make(chan error, 1)

	server := r.server
	errCh := r.errCh
	go func() {
		err := server.Start(runCtx)
		errCh <- err
		close(errCh)
	}()

	if policy := r.policy.Current(); policy != nil {
		go func() {
			_ = policy.Warm(runCtx)
		}()
	}

	return nil
}

// Wait blocks until the runtime stops and returns the terminal error, normalising context cancellation to nil.
func (r *Runtime) Wait() error {
	r.mu.Lock()
	errCh := r.errCh
	r.mu.Unlock()

	if errCh == nil {
		return ErrNotRunning
	}

	err := <-errCh
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	r.mu.Lock()
	r.errCh = nil
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.mu.Unlock()

	return err
}

// Run starts the runtime and waits for completion.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	return r.Wait()
}

// Shutdown gracefully stops the runtime if it is running.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.server == nil || r.errCh == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if r.cancel != nil {
		r.cancel()
	}

	return r.server.Shutdown(ctx)
}

// Reload rebuilds runtime dependencies using the supplied configuration. The runtime must not be running.
func (r *Runtime) Reload(cfg gatewayconfig.Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.errCh != nil {
		return ErrReloadWhileRunning
	}

	comps, err := buildComponents(cfg, r.logger, r.upstream)
	if err != nil {
		return err
	}

	r.cfg = cfg
	r.apply(comps)

	return nil
}

// ReloadPolicy re-reads the OpenAPI document and fragments named by the
// current configuration and swaps the active policy in place. It is safe to
// call while serving: in-flight requests finish against the policy they
// started with. On error the active policy is kept.
func (r *Runtime) ReloadPolicy(ctx context.Context) error {
	r.mu.Lock()
	cfg := r.cfg.Policy
	resolver := r.resolver
	registry := r.registry
	holder := r.policy
	r.mu.Unlock()

	policy, err := authz.NewPolicy(ctx, cfg, resolver, authz.WithLogger(r.logger), authz.WithMetrics(registry))
	if err != nil {
		r.logger.Errorw("policy reload failed, keeping active policy", "spec", cfg.OpenAPISpecPath, "error", err)
		return err
	}

	holder.Store(policy)
	r.logger.Infow("policy reloaded", "spec", cfg.OpenAPISpecPath, "operations", len(policy.Spec.Operations()))

	go func() {
		_ = policy.Warm(context.WithoutCancel(ctx))
	}()
	return nil
}

// Config returns the runtime's current configuration.
func (r *Runtime) Config() gatewayconfig.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// Policy returns the active authorization policy.
func (r *Runtime) Policy() *authz.Policy {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.policy.Current()
}

// Handler returns the gateway's request handler, for serving it from an
// existing listener or test server.
func (r *Runtime) Handler() http.Handler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.server.Handler()
}

// Readiness runs the readiness probes once.
func (r *Runtime) Readiness(ctx context.Context) health.Report {
	r.mu.Lock()
	checker := r.checker
	r.mu.Unlock()
	return checker.Readiness(ctx)
}

type components struct {
	server   *gatewayserver.Server
	checker  *health.Checker
	registry *gatewaymetrics.Registry
	resolver *keys.Resolver
	policy   *authz.Holder
}

func (r *Runtime) apply(c components) {
	r.server = c.server
	r.checker = c.checker
	r.registry = c.registry
	r.resolver = c.resolver
	r.policy = c.policy
}

func buildComponents(cfg gatewayconfig.Config, logger pkglog.Logger, upstream http.Handler) (components, error) {
	if logger == nil {
		logger = pkglog.Shared()
	}

	var registry *gatewaymetrics.Registry
	if cfg.Metrics.Enabled {
		registry = gatewaymetrics.NewRegistry()
	}

	kr := cfg.Policy.KeyResolution
	resolver := keys.NewResolver(
		keys.WithCacheTTL(kr.CacheTTL.AsDuration()),
		keys.WithFetchTimeout(kr.FetchTimeout.AsDuration()),
		keys.WithMinRefreshInterval(kr.MinRefreshInterval.AsDuration()),
		keys.WithFailureBackoff(kr.FailureBackoff.AsDuration()),
		keys.WithLogger(logger),
		keys.WithMetrics(registry),
	)

	policy, err := authz.NewPolicy(context.Background(), cfg.Policy, resolver, authz.WithLogger(logger), authz.WithMetrics(registry))
	if err != nil {
		return components{}, fmt.Errorf("build policy: %w", err)
	}
	holder := authz.NewHolder(policy)

	checker, err := buildChecker(cfg, resolver, holder)
	if err != nil {
		return components{}, err
	}

	opts := []gatewayserver.Option{gatewayserver.WithLogger(logger)}
	if upstream != nil {
		opts = append(opts, gatewayserver.WithUpstreamHandler(upstream))
	}
	srv := gatewayserver.New(cfg, checker, registry, holder, opts...)

	return components{
		server:   srv,
		checker:  checker,
		registry: registry,
		resolver: resolver,
		policy:   holder,
	}, nil
}

func buildChecker(cfg gatewayconfig.Config, resolver *keys.Resolver, holder *authz.Holder) (*health.Checker, error) {
	readinessTimeout := cfg.Readiness.Timeout.AsDuration()
	transport := defaultHTTPTransport()

	var upstreams []health.Upstream
	if strings.TrimSpace(cfg.Upstream.BaseURL) != "" {
		if cfg.Upstream.TLS.Enabled {
			tlsCfg, err := buildReadinessTLSConfig(cfg.Upstream.TLS)
			if err != nil {
				return nil, fmt.Errorf("build readiness tls config for %s: %w", cfg.Upstream.Name, err)
			}
			transport.TLSClientConfig = tlsCfg
		}
		upstreams = append(upstreams, health.Upstream{
			Name:       cfg.Upstream.Name,
			BaseURL:    cfg.Upstream.BaseURL,
			HealthPath: cfg.Upstream.HealthPath,
		})
	}

	var opts []health.Option
	if cfg.Readiness.Issuers {
		opts = append(opts, health.WithIssuers(
			func() []health.Issuer { return policyIssuers(holder.Current()) },
			func(ctx context.Context, discoveryURL string) error {
				_, err := resolver.Resolve(ctx, discoveryURL)
				return err
			},
		))
	}

	client := &http.Client{Timeout: readinessTimeout, Transport: transport}
	return health.NewChecker(client, upstreams, readinessTimeout, cfg.Readiness.UserAgent, opts...), nil
}

// policyIssuers lists the usable OIDC schemes of policy. Schemes sharing a
// discovery URL are probed once.
func policyIssuers(policy *authz.Policy) []health.Issuer {
	if policy == nil {
		return nil
	}
	seen := make(map[string]struct{})
	var out []health.Issuer
	for _, b := range policy.Spec.Registry.OIDC() {
		if !b.Usable() {
			continue
		}
		if _, ok := seen[b.DiscoveryURL]; ok {
			continue
		}
		seen[b.DiscoveryURL] = struct{}{}
		out = append(out, health.Issuer{Scheme: b.Name, DiscoveryURL: b.DiscoveryURL})
	}
	return out
}

func defaultHTTPTransport() *http.Transport {
	if base, ok := http.DefaultTransport.(*http.Transport); ok && base != nil {
		return base.Clone()
	}
	return &http.Transport{}
}

func buildReadinessTLSConfig(cfg gatewayconfig.TLSConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		NextProtos:         []string{"h2", "http/1.1"},
	}

	if cfg.CAFile != "" {
		data, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file %q: %w", cfg.CAFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("parse ca bundle %q", cfg.CAFile)
		}
		tlsCfg.RootCAs = pool
	}

	if cfg.ClientCertFile != "" || cfg.ClientKeyFile != "" {
		if cfg.ClientCertFile == "" || cfg.ClientKeyFile == "" {
			return nil, errors.New("client certificate and key must both be provided")
		}
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client key pair: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	return tlsCfg, nil
}

