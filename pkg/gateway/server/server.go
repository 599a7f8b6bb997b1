// Package server exposes the HTTP server wiring for the gateway runtime. It
// puts the authorization middleware in front of the upstream proxy and serves
// the gateway's own health, readiness, OpenAPI and metrics endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/theroutercompany/oidc_router/internal/platform/health"
	"github.com/theroutercompany/oidc_router/pkg/gateway/authz"
	gatewayconfig "github.com/theroutercompany/oidc_router/pkg/gateway/config"
	gatewaymetrics "github.com/theroutercompany/oidc_router/pkg/gateway/metrics"
	"github.com/theroutercompany/oidc_router/pkg/gateway/openapi"
	gatewayproblem "github.com/theroutercompany/oidc_router/pkg/gateway/problem"
	gatewayproxy "github.com/theroutercompany/oidc_router/pkg/gateway/proxy"
	gatewaymiddleware "github.com/theroutercompany/oidc_router/pkg/gateway/server/middleware"
	pkglog "github.com/theroutercompany/oidc_router/pkg/log"
)

const maxRequestBodyBytes int64 = 1 << 20 // 1 MiB

type readinessReporter interface {
	Readiness(ctx context.Context) health.Report
}

// Option configures optional server dependencies.
type Option func(*Server)

// WithOpenAPIProvider overrides the document served at /openapi.json. By
// default the active policy's document is served.
func WithOpenAPIProvider(provider openapi.DocumentProvider) Option {
	return func(s *Server) {
		s.openapiProvider = provider
	}
}

// WithLogger overrides the logger used by the server. Defaults to the global logger.
func WithLogger(logger pkglog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithUpstreamHandler serves authorized requests with handler instead of
// proxying them to the configured upstream URL.
func WithUpstreamHandler(handler http.Handler) Option {
	return func(s *Server) {
		s.upstream = handler
	}
}

// Server coordinates HTTP routes and lifecycle hooks.
type Server struct {
	cfg             gatewayconfig.Config
	router          *http.ServeMux
	httpServer      *http.Server
	handler         http.Handler
	healthChecker   readinessReporter
	policy          authz.Source
	bootTime        time.Time
	metricsHandler  http.Handler
	upstream        http.Handler
	rateLimiter     *rateLimiter
	cors            *cors.Cors
	openapiProvider openapi.DocumentProvider
	protocolMetrics *protocolMetrics
	logger          pkglog.Logger
}

// New constructs a server enforcing the policy published by policy.
func New(cfg gatewayconfig.Config, checker readinessReporter, registry *gatewaymetrics.Registry, policy authz.Source, opts ...Option) *Server {
	mux := http.NewServeMux()

	s := &Server{
		cfg:           cfg,
		router:        mux,
		healthChecker: checker,
		policy:        policy,
		bootTime:      time.Now().UTC(),
		rateLimiter:   newRateLimiter(cfg.RateLimit.Window.AsDuration(), cfg.RateLimit.Max),
		cors:          buildCORS(cfg.CORS.AllowedOrigins),
		logger:        pkglog.Shared(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	if registry != nil && cfg.Metrics.Enabled {
		s.metricsHandler = registry.Handler()
		s.protocolMetrics = newProtocolMetrics(registry, cfg.Upstream.Name)
	}

	if s.openapiProvider == nil && policy != nil {
		s.openapiProvider = policyDocument{source: policy}
	}

	if s.upstream == nil {
		s.upstream = s.buildProxy()
	}

	s.mountRoutes()
	handler := http.Handler(mux)
	handler = gatewaymiddleware.BodyLimit(maxRequestBodyBytes, traceIDFromContext, gatewayproblem.Write)(handler)
	if s.rateLimiter != nil {
		handler = gatewaymiddleware.RateLimit(s.rateLimiter.allow, clientKey, time.Now, traceIDFromContext, gatewayproblem.Write)(handler)
	}
	if s.cors != nil {
		handler = gatewaymiddleware.CORS(s.cors, traceIDFromContext, gatewayproblem.Write)(handler)
	}
	var tracker gatewaymiddleware.TrackFunc
	var hijacker gatewaymiddleware.HijackedFunc
	if s.protocolMetrics != nil {
		tracker = s.protocolMetrics.track
		hijacker = func(r *http.Request) (func(), func(net.Conn) net.Conn) {
			return s.protocolMetrics.hijacked(r), nil
		}
	}
	handler = gatewaymiddleware.Logging(s.logger, tracker, hijacker, requestIDFromContext, traceIDFromContext, clientAddress)(handler)
	handler = gatewaymiddleware.SecurityHeaders()(handler)
	handler = gatewaymiddleware.RequestMetadata(ensureRequestIDs)(handler)
	http2Server := &http2.Server{}
	handler = h2c.NewHandler(handler, http2Server)

	s.handler = handler
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := http2.ConfigureServer(s.httpServer, http2Server); err != nil {
		s.logger.Errorw("failed to configure http2 server", "error", err)
	}

	return s
}

// Handler returns the fully wrapped request handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving HTTP requests until the context is cancelled or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	if s.httpServer == nil {
		return errors.New("http server not initialised")
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("http server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.HTTP.ShutdownTimeout.AsDuration())
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Errorw("http server shutdown failed", "error", err)
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			s.logger.Errorw("http server stopped with error", "error", err)
		}
		return err
	}
}

// Shutdown gracefully stops the HTTP server using the provided context.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// mountRoutes registers the gateway's own endpoints. Every other path is
// authorized against the policy and forwarded upstream.
func (s *Server) mountRoutes() {
	s.router.HandleFunc("/health", s.handleHealth)
	s.router.HandleFunc("/readyz", s.handleReadiness)
	s.router.HandleFunc("/readiness", s.handleReadiness)
	if s.openapiProvider != nil {
		s.router.HandleFunc("/openapi.json", s.handleOpenAPI)
	}
	if s.metricsHandler != nil {
		s.router.Handle("/metrics", s.metricsHandler)
	}
	s.router.Handle("/", authz.Middleware(s.policy, authz.WithTraceID(traceIDFromContext))(s.upstream))
}

func (s *Server) buildProxy() http.Handler {
	upstream := s.cfg.Upstream
	handler, err := gatewayproxy.New(gatewayproxy.Options{
		Target:   upstream.BaseURL,
		Upstream: upstream.Name,
		Logger:   s.logger,
		TLS: gatewayproxy.TLSConfig{
			Enabled:            upstream.TLS.Enabled,
			InsecureSkipVerify: upstream.TLS.InsecureSkipVerify,
			CAFile:             upstream.TLS.CAFile,
			ClientCertFile:     upstream.TLS.ClientCertFile,
			ClientKeyFile:      upstream.TLS.ClientKeyFile,
		},
	})
	if err != nil {
		s.logger.Errorw("failed to build proxy", "error", err, "upstream", upstream.Name)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gatewayproblem.Write(w, http.StatusBadGateway, "Upstream Unavailable", "Upstream is not configured", traceIDFromContext(r.Context()), r.URL.Path)
		})
	}
	return handler
}

// policyDocument serves the document of whichever policy is active.
type policyDocument struct {
	source authz.Source
}

func (d policyDocument) Document(ctx context.Context) ([]byte, error) {
	policy := d.source.Current()
	if policy == nil {
		return nil, errors.New("authorization policy not loaded")
	}
	return policy.Spec.Document(ctx)
}

func clientKey(r *http.Request) string {
	addr := clientAddress(r)
	if addr == "" {
		return "global"
	}
	return addr
}

func clientAddress(r *http.Request) string {
	if r == nil {
		return ""
	}

	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

func buildCORS(origins []string) *cors.Cors {
	allowAll := len(origins) == 0

	allowed := make(map[string]struct{})
	for _, origin := range origins {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		if o == "*" {
			allowAll = true
			break
		}
		allowed[o] = struct{}{}
	}

	return cors.New(cors.Options{
		AllowedMethods:       []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:       []string{"*"},
		ExposedHeaders:       []string{"X-Request-Id", "X-Trace-Id", "WWW-Authenticate"},
		OptionsSuccessStatus: http.StatusNoContent,
		AllowOriginRequestFunc: func(_ *http.Request, origin string) bool {
			if origin == "" || allowAll {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	response := struct {
		Status    string  `json:"status"`
		Uptime    float64 `json:"uptime"`
		Timestamp string  `json:"timestamp"`
		Version   string  `json:"version,omitempty"`
	}{
		Status:    "ok",
		Uptime:    time.Since(s.bootTime).Seconds(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   s.cfg.Version,
	}

	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response)
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	report := health.Report{Status: health.StatusReady, CheckedAt: time.Now().UTC()}
	if s.healthChecker != nil {
		report = s.healthChecker.Readiness(r.Context())
	}
	if s.policy == nil || s.policy.Current() == nil {
		report.Status = health.StatusDegraded
	}

	statusCode := http.StatusOK
	if report.Status != health.StatusReady {
		statusCode = http.StatusServiceUnavailable
	}

	response := struct {
		Status    string                  `json:"status"`
		CheckedAt time.Time               `json:"checkedAt"`
		Upstreams []health.UpstreamReport `json:"upstreams"`
		Issuers   []health.UpstreamReport `json:"issuers,omitempty"`
		RequestID string                  `json:"requestId,omitempty"`
		TraceID   string                  `json:"traceId,omitempty"`
	}{
		Status:    report.Status,
		CheckedAt: report.CheckedAt,
		Upstreams: report.Upstreams,
		Issuers:   report.Issuers,
		RequestID: requestIDFromContext(r.Context()),
		TraceID:   traceIDFromContext(r.Context()),
	}

	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	data, err := s.openapiProvider.Document(r.Context())
	if err != nil {
		gatewayproblem.Write(w, http.StatusServiceUnavailable, "OpenAPI Unavailable", err.Error(), traceIDFromContext(r.Context()), r.URL.Path)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Warnw("failed to write openapi response", "error", err)
	}
}
