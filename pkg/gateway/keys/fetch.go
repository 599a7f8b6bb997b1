package keys

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	jose "github.com/go-jose/go-jose/v4"
)

// discovery and JWKS documents are a few KiB in practice
const maxDocumentBytes = 1 << 20

// ParseSource validates an issuer or discovery URL.
func ParseSource(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("empty url")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("url %q must use http or https", trimmed)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("url %q missing host", trimmed)
	}
	return parsed, nil
}

const wellKnownDiscoveryPath = "/.well-known/openid-configuration"

// DiscoveryURL returns the discovery document location for source. Issuer
// URLs get the well-known suffix appended; discovery URLs are kept as is.
func DiscoveryURL(source string) (string, error) {
	parsed, err := ParseSource(source)
	if err != nil {
		return "", err
	}
	if !strings.HasSuffix(parsed.Path, wellKnownDiscoveryPath) {
		parsed.Path = strings.TrimSuffix(parsed.Path, "/") + wellKnownDiscoveryPath
		parsed.RawPath = ""
	}
	return parsed.String(), nil
}

type jwksDocument struct {
	Keys []json.RawMessage `json:"keys"`
}

// fetchKeySet performs the two dependent fetches: the discovery document, then
// the JWKS it points to. source may be an issuer or a discovery URL.
func (r *Resolver) fetchKeySet(ctx context.Context, source string, onMiss bool) (*KeySet, error) {
	discovery, err := DiscoveryURL(source)
	if err != nil {
		return nil, fmt.Errorf("discovery: %w", err)
	}
	var provider oidc.ProviderConfig
	if err := r.getJSON(ctx, discovery, &provider); err != nil {
		return nil, fmt.Errorf("discovery: %w", err)
	}
	issuer := strings.TrimSpace(provider.IssuerURL)
	if issuer == "" {
		return nil, errors.New("discovery document missing issuer")
	}
	if strings.TrimSpace(provider.JWKSURL) == "" {
		return nil, errors.New("discovery document missing jwks_uri")
	}
	if _, err := ParseSource(provider.JWKSURL); err != nil {
		return nil, fmt.Errorf("discovery jwks_uri: %w", err)
	}

	var doc jwksDocument
	if err := r.getJSON(ctx, provider.JWKSURL, &doc); err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}

	keys := r.decodeKeys(source, doc.Keys)
	if len(keys) == 0 {
		return nil, errors.New("jwks contains no usable signing keys")
	}

	return newKeySet(source, issuer, provider.JWKSURL, keys, r.now(), r.cacheTTL, onMiss), nil
}

func (r *Resolver) decodeKeys(source string, raw []json.RawMessage) []Key {
	keys := make([]Key, 0, len(raw))
	for i, item := range raw {
		var jwk jose.JSONWebKey
		if err := jwk.UnmarshalJSON(item); err != nil {
			r.logger.Warnw("skipping unparseable jwk", "source", source, "index", i, "error", err)
			continue
		}
		if strings.EqualFold(jwk.Use, "enc") {
			continue
		}
		// symmetric keys have no public half and are never accepted
		public := jwk.Public()
		if public.Key == nil {
			r.logger.Warnw("skipping non-asymmetric jwk", "source", source, "kid", jwk.KeyID)
			continue
		}
		keys = append(keys, Key{
			ID:        jwk.KeyID,
			Algorithm: jwk.Algorithm,
			Use:       jwk.Use,
			Public:    public.Key,
		})
	}
	return keys
}

func (r *Resolver) getJSON(ctx context.Context, target string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned status %d", target, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes+1))
	if err != nil {
		return fmt.Errorf("read %s: %w", target, err)
	}
	if len(body) > maxDocumentBytes {
		return fmt.Errorf("%s exceeds %d bytes", target, maxDocumentBytes)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("decode %s: %w", target, err)
	}
	return nil
}
