// Package auth verifies OIDC bearer tokens against an issuer's published keys.
//
// Verify is a pure function of the token, a key set and the expected
// issuer/audience: it holds no registry and performs no I/O, so the same
// keys can serve any number of concurrent requests.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/theroutercompany/oidc_router/pkg/gateway/keys"
)

// DefaultAlgorithms is the allow-list used when none is configured.
var DefaultAlgorithms = []string{"RS256"}

// supportedAlgorithms are the asymmetric algorithms a JWKS can back.
var supportedAlgorithms = map[string]struct{}{
	"RS256": {}, "RS384": {}, "RS512": {},
	"PS256": {}, "PS384": {}, "PS512": {},
	"ES256": {}, "ES384": {}, "ES512": {},
	"EdDSA": {},
}

// ValidateAlgorithms rejects allow-lists containing none, HMAC or unknown
// algorithms.
func ValidateAlgorithms(algs []string) error {
	var errs []error
	for _, alg := range algs {
		if _, ok := supportedAlgorithms[alg]; !ok {
			errs = append(errs, fmt.Errorf("algorithm %q is not an accepted public-key algorithm", alg))
		}
	}
	return errors.Join(errs...)
}

// KeyLookup finds a verification key by kid. *keys.KeySet implements it.
type KeyLookup interface {
	Lookup(kid string) (keys.Key, bool)
}

// Params are the expectations a token is verified against.
type Params struct {
	// Issuer is the issuer announced by discovery, compared verbatim.
	Issuer     string
	Audience   string
	Algorithms []string
	ClockSkew  time.Duration
	Now        func() time.Time
	Scheme     string
}

var parser = jwt.NewParser()

// Verify checks token and returns its principal. Checks run in a fixed order
// and stop at the first failure: structure, algorithm, key, signature,
// issuer, audience, then validity window.
func Verify(token string, lookup KeyLookup, p Params) (*Principal, error) {
	claims := jwt.MapClaims{}
	parsed, parts, err := parser.ParseUnverified(token, claims)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenUnverifiable) {
			return nil, fmt.Errorf("%w: %v", ErrAlgorithmRejected, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}

	alg := parsed.Method.Alg()
	if !algorithmAllowed(alg, p.Algorithms) {
		return nil, fmt.Errorf("%w: %s", ErrAlgorithmRejected, alg)
	}

	kid, _ := parsed.Header["kid"].(string)
	if lookup == nil {
		return nil, &UnknownKeyError{KeyID: kid}
	}
	key, ok := lookup.Lookup(kid)
	if !ok {
		return nil, &UnknownKeyError{KeyID: kid}
	}
	if key.Algorithm != "" && key.Algorithm != alg {
		return nil, fmt.Errorf("%w: key %q is bound to %s", ErrBadSignature, kid, key.Algorithm)
	}

	signature, err := parser.DecodeSegment(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
	if err := parsed.Method.Verify(parts[0]+"."+parts[1], signature, key.Public); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	issuer, _ := claims["iss"].(string)
	if issuer == "" || issuer != p.Issuer {
		return nil, fmt.Errorf("%w: got %q", ErrIssuerMismatch, issuer)
	}

	audience, err := claims.GetAudience()
	if err != nil || !containsString(audience, p.Audience) {
		return nil, ErrAudienceMismatch
	}

	now := time.Now()
	if p.Now != nil {
		now = p.Now()
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, fmt.Errorf("%w: missing or invalid exp", ErrTokenExpired)
	}
	if !now.Before(exp.Time.Add(p.ClockSkew)) {
		return nil, ErrTokenExpired
	}

	var notBefore time.Time
	nbf, err := claims.GetNotBefore()
	if err != nil {
		return nil, fmt.Errorf("%w: invalid nbf", ErrTokenNotYetValid)
	}
	if nbf != nil {
		notBefore = nbf.Time
		if now.Add(p.ClockSkew).Before(notBefore) {
			return nil, ErrTokenNotYetValid
		}
	}

	subject, _ := claims["sub"].(string)
	return &Principal{
		Subject:   subject,
		Issuer:    issuer,
		Audience:  []string(audience),
		Scopes:    scopesFromClaims(claims),
		ExpiresAt: exp.Time,
		NotBefore: notBefore,
		KeyID:     kid,
		Scheme:    p.Scheme,
		Claims:    claims,
	}, nil
}

func algorithmAllowed(alg string, allowed []string) bool {
	if len(allowed) == 0 {
		allowed = DefaultAlgorithms
	}
	if _, ok := supportedAlgorithms[alg]; !ok {
		return false
	}
	return containsString(allowed, alg)
}

func containsString(values []string, want string) bool {
	if want == "" {
		return false
	}
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
