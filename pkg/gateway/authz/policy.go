package authz

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	gatewayconfig "github.com/theroutercompany/oidc_router/pkg/gateway/config"
	gatewaymetrics "github.com/theroutercompany/oidc_router/pkg/gateway/metrics"
	"github.com/theroutercompany/oidc_router/pkg/gateway/openapi"
	pkglog "github.com/theroutercompany/oidc_router/pkg/log"
)

// Policy binds a loaded OpenAPI document to a decision engine. A Policy is
// immutable; reloading builds a new one.
type Policy struct {
	Spec   *openapi.Spec
	Engine *Engine

	cfg     gatewayconfig.PolicyConfig
	source  KeySource
	logger  pkglog.Logger
	metrics *gatewaymetrics.Outcomes
}

// PolicyOption customises NewPolicy.
type PolicyOption func(*policyOptions)

type policyOptions struct {
	logger   pkglog.Logger
	registry *gatewaymetrics.Registry
	now      func() time.Time
}

// WithLogger overrides the policy logger.
func WithLogger(logger pkglog.Logger) PolicyOption {
	return func(o *policyOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records decisions in the given registry.
func WithMetrics(reg *gatewaymetrics.Registry) PolicyOption {
	return func(o *policyOptions) {
		o.registry = reg
	}
}

// WithClock overrides the time source used for token validity checks.
func WithClock(now func() time.Time) PolicyOption {
	return func(o *policyOptions) {
		o.now = now
	}
}

// NewPolicy loads the configured OpenAPI document and assembles an engine over it.
func NewPolicy(ctx context.Context, cfg gatewayconfig.PolicyConfig, source KeySource, opts ...PolicyOption) (*Policy, error) {
	options := policyOptions{logger: pkglog.Shared()}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	spec, err := openapi.Load(ctx, cfg.OpenAPISpecPath,
		openapi.WithFragments(cfg.OpenAPIFragments...),
		openapi.WithLogger(options.logger),
	)
	if err != nil {
		return nil, err
	}

	return newPolicy(spec, cfg, source, options)
}

// NewPolicyFromSpec assembles a policy over an already loaded document.
func NewPolicyFromSpec(spec *openapi.Spec, cfg gatewayconfig.PolicyConfig, source KeySource, opts ...PolicyOption) (*Policy, error) {
	options := policyOptions{logger: pkglog.Shared()}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return newPolicy(spec, cfg, source, options)
}

func newPolicy(spec *openapi.Spec, cfg gatewayconfig.PolicyConfig, source KeySource, options policyOptions) (*Policy, error) {
	if spec == nil {
		return nil, errors.New("openapi document is required")
	}

	engine, err := NewEngine(spec.Registry, source, EngineConfig{
		Audience:      cfg.Audience,
		Algorithms:    cfg.Algorithms,
		ClockSkew:     cfg.ClockSkew.AsDuration(),
		Mode:          Mode(cfg.Alternatives),
		NonOIDC:       NonOIDCPolicy(cfg.NonOIDCSchemes),
		FailureStatus: cfg.KeyResolution.FailureStatus,
		Now:           options.now,
	})
	if err != nil {
		return nil, fmt.Errorf("build decision engine: %w", err)
	}

	p := &Policy{
		Spec:    spec,
		Engine:  engine,
		cfg:     cfg,
		source:  source,
		logger:  options.logger,
		metrics: options.registry.AuthzDecisions(),
	}
	p.warnUnenforced()
	return p, nil
}

// warnUnenforced logs operations whose security names only schemes the
// gateway cannot enforce and that the policy therefore lets through.
func (p *Policy) warnUnenforced() {
	if p.Engine.cfg.NonOIDC != NonOIDCAllow {
		return
	}
	for _, route := range p.Spec.Operations() {
		if len(route.Security) == 0 {
			continue
		}
		enforced := false
		for _, req := range route.Security {
			if req.Anonymous() || p.Engine.hasOIDC(req) {
				enforced = true
				break
			}
		}
		if !enforced {
			p.logger.Warnw("operation declares only non-OIDC security schemes and will not be authenticated",
				"method", route.Method,
				"path", route.Path,
				"operationId", route.OperationID,
			)
		}
	}
}

// Config returns the policy configuration the policy was built from.
func (p *Policy) Config() gatewayconfig.PolicyConfig {
	return p.cfg
}

// Current lets a fixed Policy serve as a Source.
func (p *Policy) Current() *Policy {
	return p
}

// Sources lists the discovery URLs of every usable OIDC scheme.
func (p *Policy) Sources() []string {
	var out []string
	for _, b := range p.Spec.Registry.OIDC() {
		if b.Usable() {
			out = append(out, b.DiscoveryURL)
		}
	}
	return out
}

// Warm resolves the keys of every usable OIDC scheme concurrently. Failures
// are logged and returned joined; requests resolve lazily either way.
func (p *Policy) Warm(ctx context.Context) error {
	sources := p.Sources()
	errs := make([]error, len(sources))

	var wg sync.WaitGroup
	for i, source := range sources {
		wg.Add(1)
		go func(i int, source string) {
			defer wg.Done()
			set, err := p.source.Resolve(ctx, source)
			if err != nil {
				p.logger.Warnw("oidc key warm-up failed", "source", source, "error", err)
				errs[i] = err
				return
			}
			p.logger.Infow("oidc keys warmed", "source", source, "issuer", set.Issuer, "keys", set.Len())
		}(i, source)
	}
	wg.Wait()

	return errors.Join(errs...)
}

// Source yields the policy in force for a request.
type Source interface {
	Current() *Policy
}

// Holder publishes the active policy and swaps it atomically on reload.
type Holder struct {
	policy atomic.Pointer[Policy]
}

// NewHolder returns a holder publishing p.
func NewHolder(p *Policy) *Holder {
	h := &Holder{}
	h.Store(p)
	return h
}

// Current returns the active policy.
func (h *Holder) Current() *Policy {
	if h == nil {
		return nil
	}
	return h.policy.Load()
}

// Store replaces the active policy.
func (h *Holder) Store(p *Policy) {
	h.policy.Store(p)
}
