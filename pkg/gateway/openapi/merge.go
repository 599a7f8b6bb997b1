package openapi

import (
	"errors"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"
)

// mergeFragments folds fragments into base. Paths, components and scheme names
// must be unique across documents; servers and tags are de-duplicated.
// Fragment-level default security is not carried over: operations in a
// fragment inherit its default explicitly so the base default cannot widen
// or narrow them.
func mergeFragments(base *openapi3.T, fragments []*openapi3.T) error {
	if base == nil {
		return errors.New("no base document")
	}
	if base.Paths == nil {
		base.Paths = openapi3.NewPaths()
	}
	if base.Components == nil {
		components := openapi3.NewComponents()
		base.Components = &components
	}

	for _, frag := range fragments {
		if frag == nil {
			continue
		}
		pinDefaultSecurity(frag)
		if err := mergePaths(base.Paths, frag.Paths); err != nil {
			return err
		}
		if err := mergeComponents(base.Components, frag.Components); err != nil {
			return err
		}
		base.Servers = appendServers(base.Servers, frag.Servers)
		base.Tags = appendTags(base.Tags, frag.Tags)
	}
	return nil
}

func pinDefaultSecurity(frag *openapi3.T) {
	if frag.Paths == nil {
		return
	}
	for _, item := range frag.Paths.Map() {
		for _, op := range item.Operations() {
			if op.Security != nil {
				continue
			}
			pinned := append(openapi3.SecurityRequirements{}, frag.Security...)
			op.Security = &pinned
		}
	}
}

func mergePaths(dst, src *openapi3.Paths) error {
	if src == nil {
		return nil
	}
	existing := dst.Map()
	for path, item := range src.Map() {
		if _, dup := existing[path]; dup {
			return fmt.Errorf("duplicate path %s", path)
		}
		dst.Set(path, item)
	}
	return nil
}

func mergeComponents(dst, src *openapi3.Components) error {
	if src == nil {
		return nil
	}
	return errors.Join(
		mergeMap(&dst.Schemas, src.Schemas, "schema"),
		mergeMap(&dst.Parameters, src.Parameters, "parameter"),
		mergeMap(&dst.Headers, src.Headers, "header"),
		mergeMap(&dst.RequestBodies, src.RequestBodies, "request body"),
		mergeMap(&dst.Responses, src.Responses, "response"),
		mergeMap(&dst.SecuritySchemes, src.SecuritySchemes, "security scheme"),
	)
}

func mergeMap[M ~map[string]V, V any](dst *M, src M, label string) error {
	if len(src) == 0 {
		return nil
	}
	if *dst == nil {
		*dst = make(M, len(src))
	}
	for key, value := range src {
		if _, dup := (*dst)[key]; dup {
			return fmt.Errorf("duplicate %s %s", label, key)
		}
		(*dst)[key] = value
	}
	return nil
}

func appendServers(dst, src openapi3.Servers) openapi3.Servers {
	seen := make(map[string]struct{}, len(dst))
	for _, s := range dst {
		if s != nil {
			seen[s.URL] = struct{}{}
		}
	}
	for _, s := range src {
		if s == nil {
			continue
		}
		if _, ok := seen[s.URL]; ok {
			continue
		}
		seen[s.URL] = struct{}{}
		dst = append(dst, s)
	}
	return dst
}

func appendTags(dst, src openapi3.Tags) openapi3.Tags {
	seen := make(map[string]struct{}, len(dst))
	for _, tag := range dst {
		if tag != nil {
			seen[tag.Name] = struct{}{}
		}
	}
	for _, tag := range src {
		if tag == nil {
			continue
		}
		if _, ok := seen[tag.Name]; ok {
			continue
		}
		seen[tag.Name] = struct{}{}
		dst = append(dst, tag)
	}
	return dst
}
