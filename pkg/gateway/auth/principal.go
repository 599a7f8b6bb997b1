package auth

import (
	"strings"
	"time"
)

// Principal is the verified identity carried by a bearer token.
type Principal struct {
	Subject   string
	Issuer    string
	Audience  []string
	Scopes    []string
	ExpiresAt time.Time
	NotBefore time.Time
	KeyID     string
	// Scheme is the security scheme whose issuer verified the token.
	Scheme string
	Claims map[string]any
}

// HasScope reports whether the principal was granted scope.
func (p *Principal) HasScope(scope string) bool {
	if p == nil {
		return false
	}
	for _, owned := range p.Scopes {
		if owned == scope {
			return true
		}
	}
	return false
}

// MissingScopes returns the required scopes the principal lacks, in the
// order they were required and without duplicates.
func (p *Principal) MissingScopes(required []string) []string {
	var missing []string
	seen := make(map[string]struct{}, len(required))
	for _, scope := range required {
		if _, dup := seen[scope]; dup {
			continue
		}
		seen[scope] = struct{}{}
		if !p.HasScope(scope) {
			missing = append(missing, scope)
		}
	}
	return missing
}

// scopeClaims are read in order; scope and scopes carry space-delimited
// strings or arrays, scp carries an array.
var scopeClaims = []string{"scope", "scopes", "scp"}

func scopesFromClaims(claims map[string]any) []string {
	var out []string
	seen := make(map[string]struct{})
	add := func(scope string) {
		if scope == "" {
			return
		}
		if _, ok := seen[scope]; ok {
			return
		}
		seen[scope] = struct{}{}
		out = append(out, scope)
	}

	for _, name := range scopeClaims {
		switch v := claims[name].(type) {
		case string:
			for _, scope := range strings.Fields(v) {
				add(scope)
			}
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok {
					add(strings.TrimSpace(s))
				}
			}
		case []string:
			for _, s := range v {
				add(strings.TrimSpace(s))
			}
		}
	}
	return out
}
