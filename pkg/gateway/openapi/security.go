package openapi

import (
	"sort"

	"github.com/getkin/kin-openapi/openapi3"
)

// SchemeScopes pairs a scheme name with the scopes an alternative requires from it.
type SchemeScopes struct {
	Scheme string
	Scopes []string
}

// Requirement is one alternative of an operation's security list. Every entry
// must be satisfied. A requirement with no entries is the explicit empty
// alternative, meaning authentication is optional.
type Requirement struct {
	Entries []SchemeScopes
}

// Anonymous reports whether the requirement is the explicit empty alternative.
func (r Requirement) Anonymous() bool {
	return len(r.Entries) == 0
}

// SecurityFor returns the effective security alternatives of op in declaration
// order. An operation-level list, including an explicitly empty one, overrides
// the document default.
func SecurityFor(doc *openapi3.T, op *openapi3.Operation) []Requirement {
	var source openapi3.SecurityRequirements
	switch {
	case op != nil && op.Security != nil:
		source = *op.Security
	case doc != nil:
		source = doc.Security
	}
	if len(source) == 0 {
		return nil
	}

	out := make([]Requirement, 0, len(source))
	for _, alt := range source {
		out = append(out, toRequirement(alt))
	}
	return out
}

func toRequirement(alt openapi3.SecurityRequirement) Requirement {
	names := make([]string, 0, len(alt))
	for name := range alt {
		names = append(names, name)
	}
	sort.Strings(names)

	req := Requirement{Entries: make([]SchemeScopes, 0, len(names))}
	for _, name := range names {
		scopes := append([]string(nil), alt[name]...)
		req.Entries = append(req.Entries, SchemeScopes{Scheme: name, Scopes: scopes})
	}
	return req
}
