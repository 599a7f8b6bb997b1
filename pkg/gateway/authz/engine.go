// Package authz decides, per request, whether the bearer token satisfies the
// security requirements the OpenAPI document declares for the matched
// operation, and adapts that decision to HTTP.
package authz

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/theroutercompany/oidc_router/pkg/gateway/auth"
	"github.com/theroutercompany/oidc_router/pkg/gateway/keys"
	"github.com/theroutercompany/oidc_router/pkg/gateway/openapi"
)

// Outcome classifies a decision.
type Outcome int

const (
	// NoSchemeApplicable means the operation requires no OIDC authentication.
	NoSchemeApplicable Outcome = iota
	Allowed
	Unauthenticated
	Forbidden
)

func (o Outcome) String() string {
	switch o {
	case NoSchemeApplicable:
		return "no_scheme"
	case Allowed:
		return "allowed"
	case Unauthenticated:
		return "unauthenticated"
	case Forbidden:
		return "forbidden"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Mode selects how many OIDC alternatives are tried.
type Mode string

const (
	// ModeAll tries every OIDC alternative in order; the first that fully
	// succeeds wins.
	ModeAll Mode = "all"
	// ModeFirst only considers the first OIDC alternative.
	ModeFirst Mode = "first"
)

// NonOIDCPolicy decides operations whose alternatives name only non-OIDC schemes.
type NonOIDCPolicy string

const (
	NonOIDCAllow NonOIDCPolicy = "allow"
	NonOIDCDeny  NonOIDCPolicy = "deny"
)

// ErrNoOIDCScheme is the cause recorded when non-OIDC-only operations are denied.
var ErrNoOIDCScheme = errors.New("operation declares no openIdConnect scheme")

// Decision is the result of evaluating one request.
type Decision struct {
	Outcome   Outcome
	Principal *auth.Principal
	// Scheme is the scheme that verified the principal, or the scheme whose
	// verification failed last.
	Scheme         string
	RequiredScopes []string
	MissingScopes  []string
	// Status is the HTTP status to answer a denial with.
	Status int
	// Cause is the internal reason for a denial. It is logged, never returned to clients.
	Cause error
}

// KeySource resolves and refreshes issuer key sets. *keys.Resolver implements it.
type KeySource interface {
	Resolve(ctx context.Context, source string) (*keys.KeySet, error)
	RefreshUnknownKey(ctx context.Context, source string, stale *keys.KeySet) (*keys.KeySet, error)
}

// EngineConfig holds the verification expectations shared by every request.
type EngineConfig struct {
	Audience      string
	Algorithms    []string
	ClockSkew     time.Duration
	Mode          Mode
	NonOIDC       NonOIDCPolicy
	FailureStatus int
	Now           func() time.Time
}

// Engine evaluates security requirements. It is immutable and safe for
// concurrent use.
type Engine struct {
	registry *openapi.Registry
	keys     KeySource
	cfg      EngineConfig
}

// NewEngine validates cfg and builds an engine over registry and source.
func NewEngine(registry *openapi.Registry, source KeySource, cfg EngineConfig) (*Engine, error) {
	if registry == nil {
		return nil, errors.New("scheme registry is required")
	}
	if source == nil {
		return nil, errors.New("key source is required")
	}
	if cfg.Audience == "" {
		return nil, errors.New("audience is required")
	}
	if len(cfg.Algorithms) == 0 {
		cfg.Algorithms = auth.DefaultAlgorithms
	}
	if err := auth.ValidateAlgorithms(cfg.Algorithms); err != nil {
		return nil, err
	}
	switch cfg.Mode {
	case "":
		cfg.Mode = ModeAll
	case ModeAll, ModeFirst:
	default:
		return nil, fmt.Errorf("unknown alternatives mode %q", cfg.Mode)
	}
	switch cfg.NonOIDC {
	case "":
		cfg.NonOIDC = NonOIDCAllow
	case NonOIDCAllow, NonOIDCDeny:
	default:
		return nil, fmt.Errorf("unknown non-OIDC policy %q", cfg.NonOIDC)
	}
	if cfg.FailureStatus == 0 {
		cfg.FailureStatus = http.StatusUnauthorized
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{registry: registry, keys: source, cfg: cfg}, nil
}

type schemeResult struct {
	principal *auth.Principal
	status    int
	err       error
}

// Decide evaluates reqs, the effective security alternatives of the matched
// operation, against the request's Authorization header value.
func (e *Engine) Decide(ctx context.Context, reqs []openapi.Requirement, authorization string) Decision {
	if len(reqs) == 0 {
		return Decision{Outcome: NoSchemeApplicable}
	}

	var candidates []openapi.Requirement
	optional := false
	for _, req := range reqs {
		if req.Anonymous() {
			optional = true
			continue
		}
		if e.hasOIDC(req) {
			candidates = append(candidates, req)
		}
	}

	if len(candidates) == 0 {
		if optional || e.cfg.NonOIDC == NonOIDCAllow {
			return Decision{Outcome: NoSchemeApplicable}
		}
		return e.unauthenticated("", http.StatusUnauthorized, ErrNoOIDCScheme)
	}

	token, err := auth.BearerToken(authorization)
	if err != nil {
		if optional {
			return Decision{Outcome: NoSchemeApplicable}
		}
		return e.unauthenticated("", http.StatusUnauthorized, err)
	}

	if e.cfg.Mode == ModeFirst {
		candidates = candidates[:1]
	}

	memo := make(map[string]schemeResult)
	var last Decision
	for _, candidate := range candidates {
		decision := e.decideCandidate(ctx, candidate, token, memo)
		if decision.Outcome == Allowed {
			return decision
		}
		last = decision
	}
	return last
}

func (e *Engine) hasOIDC(req openapi.Requirement) bool {
	for _, entry := range req.Entries {
		if e.registry.IsOIDC(entry.Scheme) {
			return true
		}
	}
	return false
}

// decideCandidate requires every OIDC entry of the alternative to verify the
// token, then checks the union of their scopes. Non-OIDC entries are inert.
func (e *Engine) decideCandidate(ctx context.Context, req openapi.Requirement, token string, memo map[string]schemeResult) Decision {
	var (
		principal *auth.Principal
		scheme    string
		required  []string
	)
	seen := make(map[string]struct{})

	for _, entry := range req.Entries {
		if !e.registry.IsOIDC(entry.Scheme) {
			continue
		}

		res, ok := memo[entry.Scheme]
		if !ok {
			res = e.verifyScheme(ctx, entry.Scheme, token)
			memo[entry.Scheme] = res
		}
		if res.err != nil {
			return e.unauthenticated(entry.Scheme, res.status, res.err)
		}
		if principal == nil {
			principal = res.principal
			scheme = entry.Scheme
		}

		for _, scope := range entry.Scopes {
			if _, dup := seen[scope]; dup {
				continue
			}
			seen[scope] = struct{}{}
			required = append(required, scope)
		}
	}

	missing := principal.MissingScopes(required)
	if len(missing) > 0 {
		return Decision{
			Outcome:        Forbidden,
			Principal:      principal,
			Scheme:         scheme,
			RequiredScopes: required,
			MissingScopes:  missing,
			Status:         http.StatusForbidden,
			Cause:          fmt.Errorf("missing scopes %v", missing),
		}
	}

	return Decision{
		Outcome:        Allowed,
		Principal:      principal,
		Scheme:         scheme,
		RequiredScopes: required,
	}
}

func (e *Engine) verifyScheme(ctx context.Context, name, token string) schemeResult {
	binding, _ := e.registry.Lookup(name)
	if !binding.Usable() {
		return schemeResult{status: e.cfg.FailureStatus, err: binding.Err}
	}

	set, err := e.keys.Resolve(ctx, binding.DiscoveryURL)
	if err != nil {
		return schemeResult{status: e.cfg.FailureStatus, err: err}
	}

	params := auth.Params{
		Issuer:     set.Issuer,
		Audience:   e.cfg.Audience,
		Algorithms: e.cfg.Algorithms,
		ClockSkew:  e.cfg.ClockSkew,
		Now:        e.cfg.Now,
		Scheme:     name,
	}

	principal, err := auth.Verify(token, set, params)

	var unknown *auth.UnknownKeyError
	if errors.As(err, &unknown) && unknown.KeyID != "" {
		fresh, refreshErr := e.keys.RefreshUnknownKey(ctx, binding.DiscoveryURL, set)
		if refreshErr != nil {
			return schemeResult{status: e.cfg.FailureStatus, err: refreshErr}
		}
		if fresh != set {
			params.Issuer = fresh.Issuer
			principal, err = auth.Verify(token, fresh, params)
		}
	}

	if err != nil {
		return schemeResult{status: http.StatusUnauthorized, err: err}
	}
	return schemeResult{principal: principal}
}

func (e *Engine) unauthenticated(scheme string, status int, cause error) Decision {
	if status == 0 {
		status = http.StatusUnauthorized
	}
	if cause == nil {
		cause = openapi.ErrSchemeUnusable
	}
	return Decision{
		Outcome: Unauthenticated,
		Scheme:  scheme,
		Status:  status,
		Cause:   cause,
	}
}
