// Package oidctest runs an in-process OIDC identity provider for tests.
package oidctest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

const (
	DiscoveryPath = "/.well-known/openid-configuration"
	JWKSPath      = "/keys"
	DefaultKeyID  = "K1"
)

// Provider serves a discovery document and a JWKS and signs tokens with its
// private keys. Request counters allow tests to assert coalescing.
type Provider struct {
	server *httptest.Server

	mu          sync.Mutex
	issuer      string
	keys        []signingKey
	jwksStatus  int
	jwksRaw     []byte
	gate        chan struct{}
	discoveries atomic.Int64
	jwksFetches atomic.Int64
}

type signingKey struct {
	id      string
	private *rsa.PrivateKey
}

// NewProvider starts a provider publishing one RSA key under DefaultKeyID.
// The server is closed when the test ends.
func NewProvider(t testing.TB) *Provider {
	t.Helper()

	p := &Provider{}
	mux := http.NewServeMux()
	mux.HandleFunc(DiscoveryPath, p.serveDiscovery)
	mux.HandleFunc(JWKSPath, p.serveJWKS)
	p.server = httptest.NewServer(mux)
	p.issuer = p.server.URL + "/"
	t.Cleanup(p.server.Close)

	p.AddKey(t, DefaultKeyID)
	return p
}

// URL returns the provider base URL.
func (p *Provider) URL() string {
	return p.server.URL
}

// DiscoveryURL returns the openIdConnectUrl a spec would reference.
func (p *Provider) DiscoveryURL() string {
	return p.server.URL + DiscoveryPath
}

// Issuer returns the issuer announced by discovery.
func (p *Provider) Issuer() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.issuer
}

// SetIssuer changes the issuer announced by discovery.
func (p *Provider) SetIssuer(issuer string) {
	p.mu.Lock()
	p.issuer = issuer
	p.mu.Unlock()
}

// AddKey generates and publishes a new RSA key under kid.
func (p *Provider) AddKey(t testing.TB, kid string) *rsa.PrivateKey {
	t.Helper()
	private, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	p.mu.Lock()
	p.keys = append(p.keys, signingKey{id: kid, private: private})
	p.mu.Unlock()
	return private
}

// RemoveKey stops publishing kid.
func (p *Provider) RemoveKey(kid string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.keys[:0]
	for _, k := range p.keys {
		if k.id != kid {
			kept = append(kept, k)
		}
	}
	p.keys = kept
}

// SetJWKSStatus makes the JWKS endpoint answer with status when non-zero.
func (p *Provider) SetJWKSStatus(status int) {
	p.mu.Lock()
	p.jwksStatus = status
	p.mu.Unlock()
}

// SetJWKSBody replaces the JWKS response body. Nil restores the generated set.
func (p *Provider) SetJWKSBody(body []byte) {
	p.mu.Lock()
	p.jwksRaw = body
	p.mu.Unlock()
}

// HoldJWKS blocks JWKS responses until the returned release func is called.
func (p *Provider) HoldJWKS() (release func()) {
	gate := make(chan struct{})
	p.mu.Lock()
	p.gate = gate
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			p.gate = nil
			p.mu.Unlock()
			close(gate)
		})
	}
}

// DiscoveryHits reports how many discovery documents were served.
func (p *Provider) DiscoveryHits() int64 {
	return p.discoveries.Load()
}

// JWKSHits reports how many JWKS requests were received.
func (p *Provider) JWKSHits() int64 {
	return p.jwksFetches.Load()
}

// Sign issues an RS256 token signed with the key published under kid. The
// key does not need to be published; unknown kids sign with a fresh key.
func (p *Provider) Sign(t testing.TB, kid string, claims jwt.MapClaims) string {
	t.Helper()

	var private *rsa.PrivateKey
	p.mu.Lock()
	for _, k := range p.keys {
		if k.id == kid {
			private = k.private
			break
		}
	}
	p.mu.Unlock()

	if private == nil {
		var err error
		private, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatalf("generate rsa key: %v", err)
		}
	}
	return SignWith(t, private, kid, claims)
}

// SignWith issues an RS256 token with an explicit private key.
func SignWith(t testing.TB, private *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	signed, err := token.SignedString(private)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

// Claims builds a claim set valid for an hour.
func (p *Provider) Claims(audience, subject, scope string) jwt.MapClaims {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": p.Issuer(),
		"sub": subject,
		"aud": audience,
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}
	if scope != "" {
		claims["scope"] = scope
	}
	return claims
}

func (p *Provider) serveDiscovery(w http.ResponseWriter, _ *http.Request) {
	p.discoveries.Add(1)
	doc := map[string]any{
		"issuer":                 p.Issuer(),
		"jwks_uri":               p.server.URL + JWKSPath,
		"authorization_endpoint": p.server.URL + "/authorize",
		"token_endpoint":         p.server.URL + "/token",
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}

func (p *Provider) serveJWKS(w http.ResponseWriter, _ *http.Request) {
	p.jwksFetches.Add(1)

	p.mu.Lock()
	gate := p.gate
	status := p.jwksStatus
	raw := p.jwksRaw
	set := jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(p.keys))}
	for _, k := range p.keys {
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       &k.private.PublicKey,
			KeyID:     k.id,
			Algorithm: string(jose.RS256),
			Use:       "sig",
		})
	}
	p.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if status != 0 {
		w.WriteHeader(status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if raw != nil {
		_, _ = w.Write(raw)
		return
	}
	_ = json.NewEncoder(w).Encode(set)
}
