// Package health reports gateway readiness: the protected upstream answers
// its health endpoint and every OIDC issuer the active policy relies on has
// resolvable signing keys.
package health

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"
)

const (
	StatusReady    = "ready"
	StatusDegraded = "degraded"
)

// Upstream identifies a dependency to probe for readiness.
type Upstream struct {
	Name       string
	BaseURL    string
	HealthPath string
}

// Issuer identifies an OIDC scheme whose keys must be resolvable.
type Issuer struct {
	Scheme       string
	DiscoveryURL string
}

// IssuerProbe checks that keys for a discovery URL can be obtained.
type IssuerProbe func(ctx context.Context, discoveryURL string) error

// UpstreamReport captures the outcome of probing a single dependency.
type UpstreamReport struct {
	Name       string    `json:"name"`
	Healthy    bool      `json:"healthy"`
	StatusCode int       `json:"statusCode,omitempty"`
	Error      string    `json:"error,omitempty"`
	CheckedAt  time.Time `json:"checkedAt"`
}

// Report aggregates readiness across dependencies.
type Report struct {
	Status    string           `json:"status"`
	CheckedAt time.Time        `json:"checkedAt"`
	Upstreams []UpstreamReport `json:"upstreams"`
	Issuers   []UpstreamReport `json:"issuers,omitempty"`
}

// Option customises a Checker.
type Option func(*Checker)

// WithIssuers adds OIDC issuers to readiness. issuers is consulted on every
// check so policy reloads are picked up.
func WithIssuers(issuers func() []Issuer, probe IssuerProbe) Option {
	return func(c *Checker) {
		c.issuers = issuers
		c.probeIssuer = probe
	}
}

// Checker evaluates health of gateway dependencies.
type Checker struct {
	client      *http.Client
	upstreams   []Upstream
	timeout     time.Duration
	userAgent   string
	issuers     func() []Issuer
	probeIssuer IssuerProbe
}

// NewChecker returns a checker configured with the given dependencies.
func NewChecker(client *http.Client, upstreams []Upstream, timeout time.Duration, userAgent string, opts ...Option) *Checker {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if userAgent == "" {
		userAgent = "oidc-router/readyz"
	}

	c := &Checker{
		client:    client,
		upstreams: upstreams,
		timeout:   timeout,
		userAgent: userAgent,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Readiness probes configured dependencies concurrently and returns an aggregated report.
func (c *Checker) Readiness(ctx context.Context) Report {
	var issuers []Issuer
	if c.issuers != nil && c.probeIssuer != nil {
		issuers = c.issuers()
	}

	upstreamResults := make([]UpstreamReport, len(c.upstreams))
	issuerResults := make([]UpstreamReport, len(issuers))
	var wg sync.WaitGroup

	for idx, upstream := range c.upstreams {
		wg.Add(1)
		go func(i int, u Upstream) {
			defer wg.Done()
			upstreamResults[i] = c.probe(ctx, u)
		}(idx, upstream)
	}
	for idx, issuer := range issuers {
		wg.Add(1)
		go func(i int, iss Issuer) {
			defer wg.Done()
			issuerResults[i] = c.probeKeys(ctx, iss)
		}(idx, issuer)
	}

	wg.Wait()

	report := Report{
		Status:    StatusReady,
		CheckedAt: time.Now().UTC(),
		Upstreams: upstreamResults,
		Issuers:   issuerResults,
	}
	for _, group := range [][]UpstreamReport{upstreamResults, issuerResults} {
		for _, r := range group {
			if !r.Healthy {
				report.Status = StatusDegraded
			}
		}
	}

	return report
}

func (c *Checker) probe(ctx context.Context, upstream Upstream) UpstreamReport {
	report := UpstreamReport{
		Name:      upstream.Name,
		CheckedAt: time.Now().UTC(),
	}

	targetURL, err := url.JoinPath(upstream.BaseURL, upstream.HealthPath)
	if err != nil {
		report.Error = fmt.Sprintf("failed to build upstream url: %v", err)
		return report
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, targetURL, nil)
	if err != nil {
		report.Error = fmt.Sprintf("failed to create request: %v", err)
		return report
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		select {
		case <-reqCtx.Done():
			report.Error = reqCtx.Err().Error()
		default:
			report.Error = err.Error()
		}
		return report
	}
	defer resp.Body.Close()

	report.StatusCode = resp.StatusCode
	report.Healthy = resp.StatusCode >= 200 && resp.StatusCode < 300
	if !report.Healthy {
		report.Error = fmt.Sprintf("health check failed with status %d", resp.StatusCode)
	}

	return report
}

func (c *Checker) probeKeys(ctx context.Context, issuer Issuer) UpstreamReport {
	report := UpstreamReport{Name: issuer.Scheme}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.probeIssuer(reqCtx, issuer.DiscoveryURL); err != nil {
		report.Error = err.Error()
	} else {
		report.Healthy = true
	}
	report.CheckedAt = time.Now().UTC()
	return report
}
