// Package openapi loads the OpenAPI document that drives authorization and
// answers, for a live request, which operation it targets and which security
// alternatives apply to it.
package openapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/legacy"

	pkglog "github.com/theroutercompany/oidc_router/pkg/log"
)

var (
	// ErrRouteNotFound is returned when no declared path matches the request.
	ErrRouteNotFound = errors.New("no operation matches request path")
	// ErrMethodNotAllowed is returned when the path exists but not for the request method.
	ErrMethodNotAllowed = errors.New("method not declared for path")
)

var probeMethods = []string{
	http.MethodGet,
	http.MethodHead,
	http.MethodPost,
	http.MethodPut,
	http.MethodPatch,
	http.MethodDelete,
	http.MethodOptions,
	http.MethodTrace,
}

// SpecLoadError reports an OpenAPI document that could not be read, parsed or routed.
type SpecLoadError struct {
	Path string
	Err  error
}

func (e *SpecLoadError) Error() string {
	return fmt.Sprintf("load openapi document %s: %v", e.Path, e.Err)
}

func (e *SpecLoadError) Unwrap() error {
	return e.Err
}

// MethodNotAllowedError carries the methods declared for a matched path.
type MethodNotAllowedError struct {
	Allowed []string
}

func (e *MethodNotAllowedError) Error() string {
	return fmt.Sprintf("%s (allowed: %s)", ErrMethodNotAllowed, strings.Join(e.Allowed, ", "))
}

func (e *MethodNotAllowedError) Is(target error) bool {
	return target == ErrMethodNotAllowed
}

// Route is the operation a request was matched to.
type Route struct {
	Path        string
	Method      string
	OperationID string
	Params      map[string]string
	Security    []Requirement
}

// DocumentProvider exposes the loaded document in JSON form.
type DocumentProvider interface {
	Document(ctx context.Context) ([]byte, error)
}

// Spec is a loaded, immutable OpenAPI document with its precomputed security model.
type Spec struct {
	Path     string
	Doc      *openapi3.T
	Registry *Registry

	raw      []byte
	router   routers.Router
	prefixes []string
	security map[*openapi3.Operation][]Requirement
}

// LoadOption customises Load.
type LoadOption func(*loadOptions)

type loadOptions struct {
	fragments []string
	logger    pkglog.Logger
}

// WithFragments merges additional documents into the base document.
func WithFragments(paths ...string) LoadOption {
	return func(o *loadOptions) {
		for _, p := range paths {
			if strings.TrimSpace(p) != "" {
				o.fragments = append(o.fragments, p)
			}
		}
	}
}

// WithLogger overrides the logger used to report unusable schemes.
func WithLogger(logger pkglog.Logger) LoadOption {
	return func(o *loadOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Load reads, dereferences and indexes the document at path.
func Load(ctx context.Context, path string, opts ...LoadOption) (*Spec, error) {
	options := loadOptions{logger: pkglog.Shared()}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	if strings.TrimSpace(path) == "" {
		return nil, &SpecLoadError{Path: path, Err: errors.New("path is empty")}
	}

	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = true
	loader.Context = ctx

	doc, err := loader.LoadFromFile(path)
	if err != nil {
		return nil, &SpecLoadError{Path: path, Err: err}
	}

	fragments := make([]*openapi3.T, 0, len(options.fragments))
	for _, fragPath := range options.fragments {
		if err := ctx.Err(); err != nil {
			return nil, &SpecLoadError{Path: path, Err: err}
		}
		frag, err := loader.LoadFromFile(fragPath)
		if err != nil {
			return nil, &SpecLoadError{Path: fragPath, Err: err}
		}
		fragments = append(fragments, frag)
	}
	if err := mergeFragments(doc, fragments); err != nil {
		return nil, &SpecLoadError{Path: path, Err: fmt.Errorf("merge fragments: %w", err)}
	}

	spec, err := newSpec(path, doc)
	if err != nil {
		return nil, &SpecLoadError{Path: path, Err: err}
	}

	for _, b := range spec.Registry.OIDC() {
		if b.Err != nil {
			options.logger.Warnw("openIdConnect scheme unusable", "scheme", b.Name, "error", b.Err)
		}
	}

	return spec, nil
}

// Parse builds a Spec from an in-memory document.
func Parse(ctx context.Context, data []byte) (*Spec, error) {
	loader := openapi3.NewLoader()
	loader.Context = ctx
	doc, err := loader.LoadFromData(data)
	if err != nil {
		return nil, &SpecLoadError{Path: "<inline>", Err: err}
	}
	spec, err := newSpec("<inline>", doc)
	if err != nil {
		return nil, &SpecLoadError{Path: "<inline>", Err: err}
	}
	return spec, nil
}

func newSpec(path string, doc *openapi3.T) (*Spec, error) {
	router, err := legacy.NewRouter(routingView(doc),
		openapi3.DisableExamplesValidation(),
		openapi3.DisableSchemaDefaultsValidation(),
	)
	if err != nil {
		return nil, fmt.Errorf("build router: %w", err)
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}

	spec := &Spec{
		Path:     path,
		Doc:      doc,
		Registry: BuildRegistry(doc),
		raw:      raw,
		router:   router,
		prefixes: serverPrefixes(doc.Servers),
		security: make(map[*openapi3.Operation][]Requirement),
	}
	if doc.Paths != nil {
		for _, item := range doc.Paths.Map() {
			for _, op := range item.Operations() {
				spec.security[op] = SecurityFor(doc, op)
			}
		}
	}
	return spec, nil
}

// routingView is a shallow copy the router can validate and match against:
// servers are stripped by Match itself and security schemes are judged by
// the registry, so neither takes part in routing.
func routingView(doc *openapi3.T) *openapi3.T {
	view := *doc
	view.Servers = nil
	if doc.Components != nil {
		components := *doc.Components
		components.SecuritySchemes = nil
		view.Components = &components
	}
	return &view
}

func serverPrefixes(servers openapi3.Servers) []string {
	prefixes := make([]string, 0, len(servers))
	seen := make(map[string]struct{})
	for _, server := range servers {
		if server == nil {
			continue
		}
		raw := server.URL
		for name, variable := range server.Variables {
			if variable != nil {
				raw = strings.ReplaceAll(raw, "{"+name+"}", variable.Default)
			}
		}
		parsed, err := url.Parse(raw)
		if err != nil {
			continue
		}
		prefix := strings.TrimRight(parsed.Path, "/")
		if prefix == "" {
			continue
		}
		if _, ok := seen[prefix]; ok {
			continue
		}
		seen[prefix] = struct{}{}
		prefixes = append(prefixes, prefix)
	}
	sort.SliceStable(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })
	return prefixes
}

func (s *Spec) stripPrefix(path string) string {
	for _, prefix := range s.prefixes {
		if path == prefix {
			return "/"
		}
		if strings.HasPrefix(path, prefix+"/") {
			return path[len(prefix):]
		}
	}
	return path
}

// Match resolves the request to a declared operation. It returns an error
// matching ErrRouteNotFound or ErrMethodNotAllowed when no operation applies.
func (s *Spec) Match(r *http.Request) (*Route, error) {
	path := s.stripPrefix(r.URL.Path)

	route, params, err := s.find(r.Method, path)
	if err == nil {
		return &Route{
			Path:        route.Path,
			Method:      route.Method,
			OperationID: route.Operation.OperationID,
			Params:      params,
			Security:    s.security[route.Operation],
		}, nil
	}

	var routeErr *routers.RouteError
	if !errors.As(err, &routeErr) {
		return nil, err
	}

	var allowed []string
	for _, method := range probeMethods {
		if method == r.Method {
			continue
		}
		if _, _, probeErr := s.find(method, path); probeErr == nil {
			allowed = append(allowed, method)
		}
	}
	if len(allowed) > 0 {
		return nil, &MethodNotAllowedError{Allowed: allowed}
	}
	return nil, ErrRouteNotFound
}

func (s *Spec) find(method, path string) (*routers.Route, map[string]string, error) {
	req := &http.Request{Method: method, URL: &url.URL{Path: path}}
	return s.router.FindRoute(req)
}

// Operations lists every declared operation with its effective security,
// sorted by path then method.
func (s *Spec) Operations() []Route {
	if s.Doc == nil || s.Doc.Paths == nil {
		return nil
	}
	var out []Route
	for path, item := range s.Doc.Paths.Map() {
		for method, op := range item.Operations() {
			out = append(out, Route{
				Path:        path,
				Method:      strings.ToUpper(method),
				OperationID: op.OperationID,
				Security:    s.security[op],
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].Method < out[j].Method
	})
	return out
}

// Document returns the loaded document in JSON form.
func (s *Spec) Document(context.Context) ([]byte, error) {
	out := make([]byte, len(s.raw))
	copy(out, s.raw)
	return out, nil
}
