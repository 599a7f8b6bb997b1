package openapi

import (
	"errors"
	"fmt"
	"sort"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/theroutercompany/oidc_router/pkg/gateway/keys"
)

// KindOpenIDConnect is the only security scheme type the gateway enforces.
const KindOpenIDConnect = "openIdConnect"

// ErrSchemeUnusable marks an openIdConnect scheme whose discovery URL cannot be used.
var ErrSchemeUnusable = errors.New("security scheme unusable")

// Binding is the registry view of one declared security scheme.
type Binding struct {
	Name         string
	Kind         string
	DiscoveryURL string
	// Err is set when an openIdConnect scheme cannot be resolved. Requests
	// requiring it are always unauthenticated.
	Err error
}

// IsOIDC reports whether the binding is an openIdConnect scheme, usable or not.
func (b Binding) IsOIDC() bool {
	return b.Kind == KindOpenIDConnect
}

// Usable reports whether the binding can take part in token verification.
func (b Binding) Usable() bool {
	return b.IsOIDC() && b.Err == nil
}

// Registry maps scheme names to bindings. It is immutable once built.
type Registry struct {
	bindings map[string]Binding
}

// BuildRegistry derives bindings from the document's components.securitySchemes.
// A malformed openIdConnectUrl marks that scheme unusable without failing the rest.
func BuildRegistry(doc *openapi3.T) *Registry {
	reg := &Registry{bindings: make(map[string]Binding)}
	if doc == nil || doc.Components == nil {
		return reg
	}

	for name, ref := range doc.Components.SecuritySchemes {
		binding := Binding{Name: name}
		if ref == nil || ref.Value == nil {
			binding.Err = fmt.Errorf("%w: scheme %q has no definition", ErrSchemeUnusable, name)
			reg.bindings[name] = binding
			continue
		}

		scheme := ref.Value
		binding.Kind = scheme.Type
		if binding.IsOIDC() {
			binding.DiscoveryURL = scheme.OpenIdConnectUrl
			if _, err := keys.ParseSource(scheme.OpenIdConnectUrl); err != nil {
				binding.Err = fmt.Errorf("%w: scheme %q openIdConnectUrl: %v", ErrSchemeUnusable, name, err)
			}
		}
		reg.bindings[name] = binding
	}

	return reg
}

// Lookup returns the binding declared under name.
func (r *Registry) Lookup(name string) (Binding, bool) {
	if r == nil {
		return Binding{}, false
	}
	b, ok := r.bindings[name]
	return b, ok
}

// IsOIDC reports whether name refers to an openIdConnect scheme.
func (r *Registry) IsOIDC(name string) bool {
	b, ok := r.Lookup(name)
	return ok && b.IsOIDC()
}

// OIDC returns every openIdConnect binding sorted by name.
func (r *Registry) OIDC() []Binding {
	if r == nil {
		return nil
	}
	out := make([]Binding, 0, len(r.bindings))
	for _, b := range r.bindings {
		if b.IsOIDC() {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len reports the number of declared schemes.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.bindings)
}
