package keys

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/theroutercompany/oidc_router/internal/oidctest"
	gatewaymetrics "github.com/theroutercompany/oidc_router/pkg/gateway/metrics"
	pkglog "github.com/theroutercompany/oidc_router/pkg/log"
)

func newTestResolver(opts ...Option) *Resolver {
	base := []Option{WithLogger(pkglog.Nop()), WithFailureBackoff(0)}
	return NewResolver(append(base, opts...)...)
}

func TestResolveReturnsDiscoveredIssuerAndKeys(t *testing.T) {
	idp := oidctest.NewProvider(t)
	idp.SetIssuer("https://idp.example/")

	r := newTestResolver()
	set, err := r.Resolve(context.Background(), idp.DiscoveryURL())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if set.Issuer != "https://idp.example/" {
		t.Fatalf("expected discovered issuer, got %q", set.Issuer)
	}
	if set.JWKSURI != idp.URL()+oidctest.JWKSPath {
		t.Fatalf("unexpected jwks uri %q", set.JWKSURI)
	}
	key, ok := set.Lookup(oidctest.DefaultKeyID)
	if !ok {
		t.Fatalf("expected key %s", oidctest.DefaultKeyID)
	}
	if key.Algorithm != "RS256" {
		t.Fatalf("expected RS256 key, got %q", key.Algorithm)
	}
	if _, ok := set.Lookup(""); ok {
		t.Fatalf("empty kid must never match")
	}
	if set.RefreshedOnMiss() {
		t.Fatalf("initial load must not be tagged as unknown-kid refresh")
	}
}

func TestResolveServesCacheUntilTTL(t *testing.T) {
	idp := oidctest.NewProvider(t)

	now := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	r := newTestResolver(WithClock(clock), WithCacheTTL(time.Minute))
	first, err := r.Resolve(context.Background(), idp.DiscoveryURL())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	second, err := r.Resolve(context.Background(), idp.DiscoveryURL())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if first != second {
		t.Fatalf("expected cached snapshot to be reused")
	}
	if idp.DiscoveryHits() != 1 || idp.JWKSHits() != 1 {
		t.Fatalf("expected one fetch round, got discovery=%d jwks=%d", idp.DiscoveryHits(), idp.JWKSHits())
	}

	advance(time.Minute)
	third, err := r.Resolve(context.Background(), idp.DiscoveryURL())
	if err != nil {
		t.Fatalf("resolve after ttl: %v", err)
	}
	if third == first {
		t.Fatalf("expected new snapshot after ttl")
	}
	if idp.DiscoveryHits() != 2 {
		t.Fatalf("expected refetch after ttl, got %d discovery hits", idp.DiscoveryHits())
	}
	if first.Len() != 1 {
		t.Fatalf("old snapshot must stay intact, got %d keys", first.Len())
	}
}

func TestResolveCoalescesConcurrentCallers(t *testing.T) {
	idp := oidctest.NewProvider(t)
	release := idp.HoldJWKS()
	defer release()

	r := newTestResolver()

	const callers = 32
	var wg sync.WaitGroup
	results := make([]*KeySet, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = r.Resolve(context.Background(), idp.DiscoveryURL())
		}(i)
	}

	waitFor(t, func() bool { return idp.JWKSHits() == 1 })
	release()
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i] != results[0] {
			t.Fatalf("caller %d received a different snapshot", i)
		}
	}
	if idp.DiscoveryHits() != 1 || idp.JWKSHits() != 1 {
		t.Fatalf("expected exactly one discovery and one jwks fetch, got %d and %d", idp.DiscoveryHits(), idp.JWKSHits())
	}
}

func TestResolveCallerCancellationLeavesFetchRunning(t *testing.T) {
	idp := oidctest.NewProvider(t)
	release := idp.HoldJWKS()
	defer release()

	r := newTestResolver()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := r.Resolve(ctx, idp.DiscoveryURL())
		done <- err
	}()

	waitFor(t, func() bool { return idp.JWKSHits() == 1 })
	cancel()

	err := <-done
	if !errors.Is(err, ErrKeyResolutionFailed) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancelled resolution error, got %v", err)
	}

	release()
	waitFor(t, func() bool {
		_, ok := r.Snapshot(idp.DiscoveryURL())
		return ok
	})
	if _, err := r.Resolve(context.Background(), idp.DiscoveryURL()); err != nil {
		t.Fatalf("resolve after detached fetch: %v", err)
	}
	if idp.JWKSHits() != 1 {
		t.Fatalf("expected detached fetch result to populate cache, got %d jwks hits", idp.JWKSHits())
	}
}

func TestResolveFailures(t *testing.T) {
	cases := []struct {
		name  string
		setup func(p *oidctest.Provider)
	}{
		{name: "jwks status", setup: func(p *oidctest.Provider) { p.SetJWKSStatus(http.StatusInternalServerError) }},
		{name: "malformed jwks", setup: func(p *oidctest.Provider) { p.SetJWKSBody([]byte(`{"keys":`)) }},
		{name: "empty jwks", setup: func(p *oidctest.Provider) { p.SetJWKSBody([]byte(`{"keys":[]}`)) }},
		{name: "symmetric only", setup: func(p *oidctest.Provider) {
			p.SetJWKSBody([]byte(`{"keys":[{"kty":"oct","kid":"h1","k":"c2VjcmV0LXNlY3JldC1zZWNyZXQtc2VjcmV0"}]}`))
		}},
		{name: "missing issuer", setup: func(p *oidctest.Provider) { p.SetIssuer("") }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			idp := oidctest.NewProvider(t)
			tc.setup(idp)

			r := newTestResolver()
			_, err := r.Resolve(context.Background(), idp.DiscoveryURL())
			if !errors.Is(err, ErrKeyResolutionFailed) {
				t.Fatalf("expected key resolution failure, got %v", err)
			}
			var resErr *ResolutionError
			if !errors.As(err, &resErr) || resErr.Source != idp.DiscoveryURL() {
				t.Fatalf("expected resolution error for source, got %#v", err)
			}
			if _, ok := r.Snapshot(idp.DiscoveryURL()); ok {
				t.Fatalf("failed fetch must not publish a snapshot")
			}
		})
	}
}

func TestResolveRejectsMalformedSourceWithoutNetwork(t *testing.T) {
	r := newTestResolver()
	for _, source := range []string{"", "not a url", "ftp://idp.example/", "https://"} {
		_, err := r.Resolve(context.Background(), source)
		if !errors.Is(err, ErrKeyResolutionFailed) {
			t.Fatalf("source %q: expected key resolution failure, got %v", source, err)
		}
	}
}

func TestResolveFailureBackoff(t *testing.T) {
	idp := oidctest.NewProvider(t)
	idp.SetJWKSStatus(http.StatusServiceUnavailable)

	now := time.Unix(1_700_000_000, 0)
	r := newTestResolver(WithClock(func() time.Time { return now }), WithFailureBackoff(time.Second))

	for i := 0; i < 3; i++ {
		if _, err := r.Resolve(context.Background(), idp.DiscoveryURL()); err == nil {
			t.Fatalf("expected failure")
		}
	}
	if idp.JWKSHits() != 1 {
		t.Fatalf("expected failure to be replayed within backoff, got %d jwks hits", idp.JWKSHits())
	}

	idp.SetJWKSStatus(0)
	now = now.Add(time.Second)
	if _, err := r.Resolve(context.Background(), idp.DiscoveryURL()); err != nil {
		t.Fatalf("expected recovery after backoff: %v", err)
	}
}

func TestRefreshUnknownKeyIsBounded(t *testing.T) {
	idp := oidctest.NewProvider(t)
	r := newTestResolver()
	ctx := context.Background()

	initial, err := r.Resolve(ctx, idp.DiscoveryURL())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	idp.AddKey(t, "K2")
	refreshed, err := r.RefreshUnknownKey(ctx, idp.DiscoveryURL(), initial)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, ok := refreshed.Lookup("K2"); !ok {
		t.Fatalf("expected rotated key after refresh")
	}
	if !refreshed.RefreshedOnMiss() {
		t.Fatalf("expected refreshed snapshot to be tagged")
	}

	// a second caller still holding the initial snapshot gets the new one without I/O
	again, err := r.RefreshUnknownKey(ctx, idp.DiscoveryURL(), initial)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if again != refreshed {
		t.Fatalf("expected published snapshot to be reused")
	}

	// unknown kids against the tagged snapshot do not refetch while it is valid
	for i := 0; i < 5; i++ {
		same, err := r.RefreshUnknownKey(ctx, idp.DiscoveryURL(), refreshed)
		if err != nil {
			t.Fatalf("refresh: %v", err)
		}
		if same != refreshed {
			t.Fatalf("expected refresh to be suppressed")
		}
	}
	if idp.JWKSHits() != 2 {
		t.Fatalf("expected exactly one refresh fetch, got %d jwks hits", idp.JWKSHits())
	}
}

func TestRefreshUnknownKeySuppressedWhileRefreshedSetValid(t *testing.T) {
	idp := oidctest.NewProvider(t)
	now := time.Unix(1_700_000_000, 0)
	r := newTestResolver(
		WithClock(func() time.Time { return now }),
		WithMinRefreshInterval(time.Minute),
		WithCacheTTL(time.Hour),
	)
	ctx := context.Background()

	initial, err := r.Resolve(ctx, idp.DiscoveryURL())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	refreshed, err := r.RefreshUnknownKey(ctx, idp.DiscoveryURL(), initial)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}

	now = now.Add(59 * time.Minute)
	same, err := r.RefreshUnknownKey(ctx, idp.DiscoveryURL(), refreshed)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if same != refreshed || idp.JWKSHits() != 2 {
		t.Fatalf("expected no fetch while the refreshed set is valid, got %d jwks hits", idp.JWKSHits())
	}

	now = now.Add(time.Minute)
	next, err := r.RefreshUnknownKey(ctx, idp.DiscoveryURL(), refreshed)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if next == refreshed || idp.JWKSHits() != 3 {
		t.Fatalf("expected a fetch once the refreshed set expired, got %d jwks hits", idp.JWKSHits())
	}
}

func TestRefreshUnknownKeySpacedByInterval(t *testing.T) {
	idp := oidctest.NewProvider(t)
	now := time.Unix(1_700_000_000, 0)
	r := newTestResolver(
		WithClock(func() time.Time { return now }),
		WithMinRefreshInterval(15*time.Minute),
		WithCacheTTL(10*time.Minute),
	)
	ctx := context.Background()
	source := idp.DiscoveryURL()

	initial, err := r.Resolve(ctx, source)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := r.RefreshUnknownKey(ctx, source, initial); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	now = now.Add(10 * time.Minute)
	plain, err := r.Resolve(ctx, source)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if plain.RefreshedOnMiss() || idp.JWKSHits() != 3 {
		t.Fatalf("expected an expiry reload, got %d jwks hits", idp.JWKSHits())
	}

	same, err := r.RefreshUnknownKey(ctx, source, plain)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if same != plain || idp.JWKSHits() != 3 {
		t.Fatalf("expected refresh inside the interval to be suppressed, got %d jwks hits", idp.JWKSHits())
	}

	now = now.Add(5 * time.Minute)
	if _, err := r.RefreshUnknownKey(ctx, source, plain); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if idp.JWKSHits() != 4 {
		t.Fatalf("expected a refresh once the interval elapsed, got %d jwks hits", idp.JWKSHits())
	}
}

func TestRefreshUnknownKeyHonoursFailureBackoff(t *testing.T) {
	idp := oidctest.NewProvider(t)
	now := time.Unix(1_700_000_000, 0)
	r := newTestResolver(
		WithClock(func() time.Time { return now }),
		WithFailureBackoff(time.Minute),
		WithMinRefreshInterval(0),
	)
	ctx := context.Background()
	source := idp.DiscoveryURL()

	initial, err := r.Resolve(ctx, source)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	idp.SetJWKSStatus(http.StatusBadGateway)
	for i := 0; i < 5; i++ {
		if _, err := r.RefreshUnknownKey(ctx, source, initial); !errors.Is(err, ErrKeyResolutionFailed) {
			t.Fatalf("expected key resolution failure, got %v", err)
		}
	}
	if idp.JWKSHits() != 2 {
		t.Fatalf("expected one failed refresh fetch, got %d jwks hits", idp.JWKSHits())
	}

	if set, err := r.Resolve(ctx, source); err != nil || set != initial {
		t.Fatalf("expected the valid snapshot to keep serving, got %v", err)
	}

	idp.SetJWKSStatus(0)
	now = now.Add(time.Minute)
	if _, err := r.RefreshUnknownKey(ctx, source, initial); err != nil {
		t.Fatalf("expected refresh after backoff: %v", err)
	}
	if idp.JWKSHits() != 3 {
		t.Fatalf("expected one more fetch after backoff, got %d jwks hits", idp.JWKSHits())
	}
}

func TestLoadReturnsPublishedSnapshotWithoutFetch(t *testing.T) {
	idp := oidctest.NewProvider(t)
	r := newTestResolver()
	ctx := context.Background()
	source := idp.DiscoveryURL()

	set, err := r.Resolve(ctx, source)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	e := r.entryFor(source)

	for _, stale := range []*KeySet{nil, {}} {
		got, err := r.load(ctx, source, e, stale)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if got != set {
			t.Fatalf("expected the published snapshot")
		}
	}
	if idp.JWKSHits() != 1 || idp.DiscoveryHits() != 1 {
		t.Fatalf("expected no extra fetches, got %d discovery and %d jwks", idp.DiscoveryHits(), idp.JWKSHits())
	}
}

func TestResolveAcceptsIssuerURL(t *testing.T) {
	idp := oidctest.NewProvider(t)
	r := newTestResolver()

	for _, source := range []string{idp.URL(), idp.URL() + "/"} {
		set, err := r.Resolve(context.Background(), source)
		if err != nil {
			t.Fatalf("resolve %s: %v", source, err)
		}
		if set.Issuer != idp.Issuer() {
			t.Fatalf("expected issuer %q, got %q", idp.Issuer(), set.Issuer)
		}
		if _, ok := set.Lookup(oidctest.DefaultKeyID); !ok {
			t.Fatalf("expected key %s", oidctest.DefaultKeyID)
		}
	}
	if idp.DiscoveryHits() != 2 {
		t.Fatalf("expected discovery through the well-known path, got %d hits", idp.DiscoveryHits())
	}
}

func TestDiscoveryURL(t *testing.T) {
	cases := []struct {
		source string
		want   string
	}{
		{"https://idp.example", "https://idp.example/.well-known/openid-configuration"},
		{"https://idp.example/", "https://idp.example/.well-known/openid-configuration"},
		{"https://idp.example/realms/main/", "https://idp.example/realms/main/.well-known/openid-configuration"},
		{"https://idp.example/.well-known/openid-configuration?appid=1", "https://idp.example/.well-known/openid-configuration?appid=1"},
	}
	for _, tc := range cases {
		got, err := DiscoveryURL(tc.source)
		if err != nil {
			t.Fatalf("%s: %v", tc.source, err)
		}
		if got != tc.want {
			t.Fatalf("DiscoveryURL(%q) = %q, want %q", tc.source, got, tc.want)
		}
	}
	if _, err := DiscoveryURL("ftp://idp.example"); err == nil {
		t.Fatalf("expected non-http source to be rejected")
	}
}

func TestResolverRecordsFetchMetrics(t *testing.T) {
	idp := oidctest.NewProvider(t)
	reg := gatewaymetrics.NewRegistry(gatewaymetrics.WithoutDefaultCollectors())

	r := newTestResolver(WithMetrics(reg))
	if _, err := r.Resolve(context.Background(), idp.DiscoveryURL()); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// a second resolver on the same registry shares the collectors
	other := newTestResolver(WithMetrics(reg))
	idp.SetJWKSStatus(http.StatusBadGateway)
	if _, err := other.Resolve(context.Background(), idp.DiscoveryURL()); err == nil {
		t.Fatalf("expected failure")
	}

	if got := testutil.ToFloat64(r.metrics.Total.WithLabelValues("success")); got != 1 {
		t.Fatalf("expected one successful fetch, got %v", got)
	}
	if got := testutil.ToFloat64(r.metrics.Total.WithLabelValues("error")); got != 1 {
		t.Fatalf("expected one failed fetch, got %v", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
