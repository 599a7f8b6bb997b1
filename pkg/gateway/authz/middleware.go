package authz

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/theroutercompany/oidc_router/pkg/gateway/auth"
	gatewayconfig "github.com/theroutercompany/oidc_router/pkg/gateway/config"
	"github.com/theroutercompany/oidc_router/pkg/gateway/openapi"
	gatewayproblem "github.com/theroutercompany/oidc_router/pkg/gateway/problem"
	gatewaymiddleware "github.com/theroutercompany/oidc_router/pkg/gateway/server/middleware"
)

// Headers set on authorized requests forwarded upstream. Inbound copies are
// always removed so clients cannot assert an identity.
const (
	HeaderSubject = "X-Auth-Subject"
	HeaderScopes  = "X-Auth-Scopes"
)

const errorCodeMissingScopes = "missing-scopes"

// MiddlewareOption customises Middleware.
type MiddlewareOption func(*middleware)

// WithTraceID sets how the trace id written into problem responses is read.
func WithTraceID(fn func(context.Context) string) MiddlewareOption {
	return func(m *middleware) {
		m.traceID = fn
	}
}

type middleware struct {
	source  Source
	traceID func(context.Context) string
}

// Middleware enforces the active policy in front of next. Every request gets
// exactly one terminal outcome: forwarded to next, or answered with 401, 403,
// 404, 405 or the configured key-resolution failure status.
func Middleware(source Source, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	m := &middleware{source: source}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	return func(next http.Handler) http.Handler {
		if next == nil {
			return http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.serve(w, r, next)
		})
	}
}

func (m *middleware) serve(w http.ResponseWriter, r *http.Request, next http.Handler) {
	r.Header.Del(HeaderSubject)
	r.Header.Del(HeaderScopes)

	var policy *Policy
	if m.source != nil {
		policy = m.source.Current()
	}
	if policy == nil {
		gatewayproblem.Write(w, http.StatusServiceUnavailable, "Service Unavailable", "Authorization policy not loaded", m.trace(r), r.URL.Path)
		return
	}

	start := time.Now()

	route, err := policy.Spec.Match(r)
	if err != nil {
		policy.metrics.Observe("unmatched", time.Since(start))
		gatewaymiddleware.Annotate(r.Context(), "authzOutcome", "unmatched")
		if policy.cfg.UnmatchedRoutes == gatewayconfig.UnmatchedPassthrough {
			next.ServeHTTP(w, r)
			return
		}
		var notAllowed *openapi.MethodNotAllowedError
		if errors.As(err, &notAllowed) {
			w.Header().Set("Allow", strings.Join(notAllowed.Allowed, ", "))
			gatewayproblem.Write(w, http.StatusMethodNotAllowed, "Method Not Allowed", "", m.trace(r), r.URL.Path)
			return
		}
		gatewayproblem.Write(w, http.StatusNotFound, "Not Found", "", m.trace(r), r.URL.Path)
		return
	}

	decision := policy.Engine.Decide(r.Context(), route.Security, r.Header.Get("Authorization"))
	policy.metrics.Observe(decision.Outcome.String(), time.Since(start))
	gatewaymiddleware.Annotate(r.Context(), "operationId", route.OperationID, "authzOutcome", decision.Outcome.String())
	if decision.Principal != nil {
		gatewaymiddleware.Annotate(r.Context(), "subject", decision.Principal.Subject)
	}

	switch decision.Outcome {
	case NoSchemeApplicable:
		next.ServeHTTP(w, r)

	case Allowed:
		policy.logger.Debugw("request authorized",
			"operationId", route.OperationID,
			"scheme", decision.Scheme,
			"subject", decision.Principal.Subject,
		)
		r = r.WithContext(WithPrincipal(r.Context(), decision.Principal))
		if policy.cfg.ForwardPrincipal {
			r.Header.Set(HeaderSubject, decision.Principal.Subject)
			r.Header.Set(HeaderScopes, strings.Join(decision.Principal.Scopes, " "))
		}
		next.ServeHTTP(w, r)

	case Forbidden:
		policy.logger.Infow("request forbidden",
			"operationId", route.OperationID,
			"scheme", decision.Scheme,
			"subject", decision.Principal.Subject,
			"missingScopes", decision.MissingScopes,
		)
		gatewayproblem.WriteErrors(w, http.StatusForbidden, gatewayproblem.ErrorItem{
			ErrorCode:      errorCodeMissingScopes,
			RequiredScopes: decision.RequiredScopes,
			MissingScopes:  decision.MissingScopes,
		})

	default:
		policy.logger.Infow("request unauthenticated",
			"operationId", route.OperationID,
			"scheme", decision.Scheme,
			"reason", auth.Reason(decision.Cause),
			"error", decision.Cause,
		)
		status := decision.Status
		if status == 0 {
			status = http.StatusUnauthorized
		}
		if status == http.StatusUnauthorized {
			w.Header().Set("WWW-Authenticate", "Bearer")
			gatewayproblem.Write(w, status, "Unauthorized", "", m.trace(r), r.URL.Path)
			return
		}
		gatewayproblem.Write(w, status, http.StatusText(status), "", m.trace(r), r.URL.Path)
	}
}

func (m *middleware) trace(r *http.Request) string {
	if m.traceID == nil {
		return ""
	}
	return m.traceID(r.Context())
}
