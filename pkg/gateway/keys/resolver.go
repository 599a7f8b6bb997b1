// Package keys resolves OIDC issuers to their published signing keys.
//
// A Resolver fetches the discovery document for a source URL, follows its
// jwks_uri, and caches the resulting KeySet per source. Snapshots are
// immutable and replaced atomically, so readers never observe a partially
// updated set. Concurrent callers for the same source share a single
// in-flight fetch, and that fetch outlives any individual caller's context.
package keys

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	gatewaymetrics "github.com/theroutercompany/oidc_router/pkg/gateway/metrics"
	pkglog "github.com/theroutercompany/oidc_router/pkg/log"
)

const (
	DefaultCacheTTL           = 15 * time.Minute
	DefaultFetchTimeout       = 5 * time.Second
	DefaultMinRefreshInterval = 5 * time.Minute
	DefaultFailureBackoff     = time.Second
	defaultUserAgent          = "oidc-router/keys"
)

// ErrKeyResolutionFailed marks every failure to obtain a usable KeySet.
var ErrKeyResolutionFailed = errors.New("key resolution failed")

// ResolutionError carries the source and underlying cause of a failed resolution.
// It matches ErrKeyResolutionFailed as well as its cause under errors.Is.
type ResolutionError struct {
	Source string
	Err    error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve keys from %s: %v", e.Source, e.Err)
}

func (e *ResolutionError) Unwrap() []error {
	return []error{ErrKeyResolutionFailed, e.Err}
}

// Option customises a Resolver.
type Option func(*Resolver)

// WithHTTPClient overrides the client used for discovery and JWKS fetches.
func WithHTTPClient(client *http.Client) Option {
	return func(r *Resolver) {
		if client != nil {
			r.client = client
		}
	}
}

// WithCacheTTL sets how long a fetched KeySet is served before it is refetched.
func WithCacheTTL(ttl time.Duration) Option {
	return func(r *Resolver) {
		if ttl > 0 {
			r.cacheTTL = ttl
		}
	}
}

// WithFetchTimeout bounds a single discovery+JWKS round.
func WithFetchTimeout(timeout time.Duration) Option {
	return func(r *Resolver) {
		if timeout > 0 {
			r.fetchTimeout = timeout
		}
	}
}

// WithMinRefreshInterval sets the minimum spacing between two unknown-kid
// fetches for the same source.
func WithMinRefreshInterval(interval time.Duration) Option {
	return func(r *Resolver) {
		if interval >= 0 {
			r.minRefreshInterval = interval
		}
	}
}

// WithFailureBackoff sets how long a failed fetch is replayed to callers
// before the next attempt. Zero disables the backoff.
func WithFailureBackoff(backoff time.Duration) Option {
	return func(r *Resolver) {
		if backoff >= 0 {
			r.failureBackoff = backoff
		}
	}
}

// WithLogger overrides the resolver logger.
func WithLogger(logger pkglog.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records fetch outcomes in the given registry.
func WithMetrics(reg *gatewaymetrics.Registry) Option {
	return func(r *Resolver) {
		r.metrics = reg.KeyFetches()
	}
}

// WithClock overrides the time source used for cache expiry.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// WithUserAgent overrides the User-Agent sent to identity providers.
func WithUserAgent(ua string) Option {
	return func(r *Resolver) {
		r.userAgent = ua
	}
}

// Resolver caches KeySets per discovery source.
type Resolver struct {
	client             *http.Client
	cacheTTL           time.Duration
	fetchTimeout       time.Duration
	minRefreshInterval time.Duration
	failureBackoff     time.Duration
	userAgent          string
	now                func() time.Time
	logger             pkglog.Logger
	metrics            *gatewaymetrics.Outcomes

	group   singleflight.Group
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	snapshot atomic.Pointer[KeySet]
	failure  atomic.Pointer[failure]

	// unix nanos of the last unknown-kid fetch
	lastRefresh atomic.Int64
}

type failure struct {
	err error
	at  time.Time
}

// NewResolver constructs a Resolver with defaults applied.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		client:             &http.Client{},
		cacheTTL:           DefaultCacheTTL,
		fetchTimeout:       DefaultFetchTimeout,
		minRefreshInterval: DefaultMinRefreshInterval,
		failureBackoff:     DefaultFailureBackoff,
		userAgent:          defaultUserAgent,
		now:                time.Now,
		logger:             pkglog.Shared(),
		entries:            make(map[string]*entry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Resolve returns the cached KeySet for source, fetching it when absent or expired.
func (r *Resolver) Resolve(ctx context.Context, source string) (*KeySet, error) {
	if _, err := ParseSource(source); err != nil {
		return nil, &ResolutionError{Source: source, Err: err}
	}

	e := r.entryFor(source)
	now := r.now()
	if set := e.snapshot.Load(); set != nil && !set.Expired(now) {
		return set, nil
	}
	if f := e.failure.Load(); f != nil && r.failureBackoff > 0 && now.Sub(f.at) < r.failureBackoff {
		return nil, &ResolutionError{Source: source, Err: f.err}
	}

	return r.load(ctx, source, e, nil)
}

// RefreshUnknownKey is called after a token referenced a kid absent from
// stale. It refetches at most once per stale snapshot: if a newer snapshot is
// already published it is returned as is, and a snapshot that itself came from
// an unknown-kid refresh is returned unchanged until it expires. Refreshes for
// one source are further spaced by the minimum refresh interval and suppressed
// while a failed fetch is inside its backoff window.
func (r *Resolver) RefreshUnknownKey(ctx context.Context, source string, stale *KeySet) (*KeySet, error) {
	if _, err := ParseSource(source); err != nil {
		return nil, &ResolutionError{Source: source, Err: err}
	}

	e := r.entryFor(source)
	now := r.now()
	if current := e.snapshot.Load(); current != nil && current != stale && !current.Expired(now) {
		return current, nil
	}
	if f := e.failure.Load(); f != nil && r.failureBackoff > 0 && now.Sub(f.at) < r.failureBackoff {
		return nil, &ResolutionError{Source: source, Err: f.err}
	}
	if stale != nil && !stale.Expired(now) {
		if stale.onMiss {
			return stale, nil
		}
		if last := e.lastRefresh.Load(); last != 0 && now.Sub(time.Unix(0, last)) < r.minRefreshInterval {
			return stale, nil
		}
	}

	return r.load(ctx, source, e, stale)
}

// Snapshot returns the currently published KeySet for source without fetching.
func (r *Resolver) Snapshot(source string) (*KeySet, bool) {
	r.mu.Lock()
	e, ok := r.entries[source]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	set := e.snapshot.Load()
	return set, set != nil
}

func (r *Resolver) entryFor(source string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[source]
	if !ok {
		e = &entry{}
		r.entries[source] = e
	}
	return e
}

// load runs (or joins) the shared fetch for source. A non-nil stale marks an
// unknown-kid refresh. Plain loads and refreshes share one flight per source,
// and a flight that finds a fresh snapshot already published returns it
// without I/O.
func (r *Resolver) load(ctx context.Context, source string, e *entry, stale *KeySet) (*KeySet, error) {
	onMiss := stale != nil

	ch := r.group.DoChan(source, func() (any, error) {
		now := r.now()
		if current := e.snapshot.Load(); current != nil && current != stale && !current.Expired(now) {
			return current, nil
		}
		if onMiss {
			e.lastRefresh.Store(now.UnixNano())
		}

		fetchCtx, cancel := context.WithTimeout(context.Background(), r.fetchTimeout)
		defer cancel()

		start := time.Now()
		set, err := r.fetchKeySet(fetchCtx, source, onMiss)
		if err != nil {
			r.metrics.Observe("error", time.Since(start))
			e.failure.Store(&failure{err: err, at: r.now()})
			r.logger.Warnw("oidc key resolution failed", "source", source, "unknownKidRefresh", onMiss, "error", err)
			return nil, err
		}
		r.metrics.Observe("success", time.Since(start))

		e.failure.Store(nil)
		e.snapshot.Store(set)
		r.logger.Infow("oidc keys resolved", "source", source, "issuer", set.Issuer, "keys", set.Len(), "unknownKidRefresh", onMiss)
		return set, nil
	})

	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return nil, &ResolutionError{Source: source, Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return nil, &ResolutionError{Source: source, Err: res.Err}
		}
		return res.Val.(*KeySet), nil
	}
}
