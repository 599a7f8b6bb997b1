package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/theroutercompany/oidc_router/pkg/gateway/authz"
	gatewayconfig "github.com/theroutercompany/oidc_router/pkg/gateway/config"
	"github.com/theroutercompany/oidc_router/pkg/gateway/keys"
	"github.com/theroutercompany/oidc_router/pkg/gateway/openapi"
	gatewayruntime "github.com/theroutercompany/oidc_router/pkg/gateway/runtime"
	pkglog "github.com/theroutercompany/oidc_router/pkg/log"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = runCommand(os.Args[2:])
	case "validate":
		err = validateCommand(os.Args[2:], os.Stdout)
	case "inspect":
		err = inspectCommand(os.Args[2:], os.Stdout)
	case "init":
		err = initCommand(os.Args[2:], os.Stdout)
	case "convert-env":
		err = convertEnvCommand(os.Args[2:], os.Stdout)
	default:
		usage()
		os.Exit(1)
	}

	if err != nil {
		log.Fatalf("apigw %s: %v", os.Args[1], err)
	}
}

func loaderOptions(configPath string) []gatewayconfig.Option {
	opts := []gatewayconfig.Option{}
	if strings.TrimSpace(configPath) != "" {
		opts = append(opts, gatewayconfig.WithPath(configPath))
	}
	return opts
}

func newLogger(level string) pkglog.Logger {
	logger, err := pkglog.New(level)
	if err != nil {
		return pkglog.Shared()
	}
	return logger
}

func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to gateway configuration file")
	watch := fs.Bool("watch", false, "Watch the config file and OpenAPI documents for changes and hot-reload")
	if err := fs.Parse(args); err != nil {
		return err
	}

	opts := loaderOptions(*configPath)
	cfg, err := gatewayconfig.Load(opts...)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.Log.Level)
	rt, err := gatewayruntime.New(cfg, gatewayruntime.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *watch && *configPath == "" {
		return errors.New("--config is required when --watch is enabled")
	}

	var (
		watchCh     <-chan reloadKind
		watchErrCh  <-chan error
		watchCancel context.CancelFunc
	)
	startWatch := func(cfg gatewayconfig.Config) error {
		if watchCancel != nil {
			watchCancel()
		}
		ch, errCh, cancelWatch, err := watchFiles(ctx, watchTargets(*configPath, cfg.Policy))
		if err != nil {
			return fmt.Errorf("watch files: %w", err)
		}
		watchCh, watchErrCh, watchCancel = ch, errCh, cancelWatch
		return nil
	}
	if *watch {
		if err := startWatch(cfg); err != nil {
			return err
		}
	}
	defer func() {
		if watchCancel != nil {
			watchCancel()
		}
	}()

	runCtx, runCancel := context.WithCancel(ctx)
	runDone := make(chan error, 1)
	go func() {
		runDone <- rt.Run(runCtx)
	}()

	done := ctx.Done()
	for {
		select {
		case err := <-runDone:
			runCancel()
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		case kind, ok := <-watchCh:
			if !ok {
				watchCh = nil
				continue
			}
			if kind == reloadPolicy {
				if err := rt.ReloadPolicy(ctx); err != nil {
					logger.Errorw("openapi reload rejected", "error", err)
				}
				continue
			}

			next, err := gatewayconfig.Load(opts...)
			if err != nil {
				logger.Errorw("config reload rejected", "error", err)
				continue
			}
			runCancel()
			if err := <-runDone; err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			if err := rt.Reload(next); err != nil {
				return fmt.Errorf("reload config: %w", err)
			}
			if err := startWatch(next); err != nil {
				return err
			}
			runCtx, runCancel = context.WithCancel(ctx)
			runDone = make(chan error, 1)
			go func() {
				runDone <- rt.Run(runCtx)
			}()
			logger.Infow("configuration reloaded", "config", *configPath)
		case err, ok := <-watchErrCh:
			if !ok {
				watchErrCh = nil
				continue
			}
			if err != nil {
				logger.Warnw("file watch error", "error", err)
			}
		case <-done:
			runCancel()
			done = nil
		}
	}
}

func validateCommand(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to gateway configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := gatewayconfig.Load(loaderOptions(*configPath)...)
	if err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	policy, err := authz.NewPolicy(context.Background(), cfg.Policy, keys.NewResolver(), authz.WithLogger(pkglog.Nop()))
	if err != nil {
		return fmt.Errorf("validate policy: %w", err)
	}

	var unusable []string
	for _, b := range policy.Spec.Registry.OIDC() {
		if !b.Usable() {
			unusable = append(unusable, fmt.Sprintf("%s (%v)", b.Name, b.Err))
		}
	}

	fmt.Fprintf(out, "configuration valid: %d operations, %d openIdConnect schemes\n", len(policy.Spec.Operations()), len(policy.Spec.Registry.OIDC()))
	for _, u := range unusable {
		fmt.Fprintf(out, "warning: scheme %s is unusable; requests requiring it are rejected\n", u)
	}
	return nil
}

func inspectCommand(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to gateway configuration file")
	specPath := fs.String("spec", "", "OpenAPI document to inspect (overrides the configured one)")
	resolve := fs.Bool("resolve", false, "Fetch discovery and JWKS for every openIdConnect scheme")
	timeout := fs.Duration("timeout", 10*time.Second, "Timeout for key resolution")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var (
		spec *openapi.Spec
		err  error
	)
	if *specPath != "" {
		spec, err = openapi.Load(ctx, *specPath, openapi.WithLogger(pkglog.Nop()))
	} else {
		var cfg gatewayconfig.Config
		cfg, err = gatewayconfig.Load(loaderOptions(*configPath)...)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		spec, err = openapi.Load(ctx, cfg.Policy.OpenAPISpecPath,
			openapi.WithFragments(cfg.Policy.OpenAPIFragments...),
			openapi.WithLogger(pkglog.Nop()),
		)
	}
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "operations:")
	for _, route := range spec.Operations() {
		fmt.Fprintf(out, "  %-7s %s", route.Method, route.Path)
		if route.OperationID != "" {
			fmt.Fprintf(out, " (%s)", route.OperationID)
		}
		fmt.Fprintf(out, "\n          security: %s\n", formatSecurity(route.Security))
	}

	fmt.Fprintln(out, "openIdConnect schemes:")
	resolver := keys.NewResolver(keys.WithLogger(pkglog.Nop()))
	for _, b := range spec.Registry.OIDC() {
		if !b.Usable() {
			fmt.Fprintf(out, "  %s: unusable: %v\n", b.Name, b.Err)
			continue
		}
		fmt.Fprintf(out, "  %s: %s\n", b.Name, b.DiscoveryURL)
		if !*resolve {
			continue
		}
		set, err := resolver.Resolve(ctx, b.DiscoveryURL)
		if err != nil {
			fmt.Fprintf(out, "    keys: %v\n", err)
			continue
		}
		ids := make([]string, 0, set.Len())
		for _, k := range set.Keys() {
			ids = append(ids, k.ID)
		}
		fmt.Fprintf(out, "    issuer: %s\n    jwks: %s\n    keys: %s\n", set.Issuer, set.JWKSURI, strings.Join(ids, ", "))
	}
	return nil
}

// formatSecurity renders alternatives as "a[x y] + b | {}". No alternatives
// renders as "none".
func formatSecurity(reqs []openapi.Requirement) string {
	if len(reqs) == 0 {
		return "none"
	}
	alts := make([]string, 0, len(reqs))
	for _, req := range reqs {
		if req.Anonymous() {
			alts = append(alts, "{}")
			continue
		}
		entries := make([]string, 0, len(req.Entries))
		for _, e := range req.Entries {
			entries = append(entries, fmt.Sprintf("%s[%s]", e.Scheme, strings.Join(e.Scopes, " ")))
		}
		alts = append(alts, strings.Join(entries, " + "))
	}
	return strings.Join(alts, " | ")
}

func initCommand(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	outputPath := fs.String("path", "apigw.yaml", "Destination path for generated config")
	specOutput := fs.String("spec", "", "Also write a sample OpenAPI document to this path")
	force := fs.Bool("force", false, "Overwrite existing files")
	if err := fs.Parse(args); err != nil {
		return err
	}

	files := map[string]string{*outputPath: sampleConfigYAML}
	if *specOutput != "" {
		files[*specOutput] = sampleOpenAPIYAML
	}

	for path := range files {
		if !*force {
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("file %s already exists (use --force to overwrite)", path)
			}
		}
	}
	for path, content := range files {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		fmt.Fprintf(out, "written %s\n", path)
	}
	return nil
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: apigw <command> [options]\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  run          Start the gateway using the provided config\n")
	fmt.Fprintf(os.Stderr, "  validate     Validate configuration and the OpenAPI document without starting the gateway\n")
	fmt.Fprintf(os.Stderr, "  inspect      List operations with their effective security and the OIDC schemes\n")
	fmt.Fprintf(os.Stderr, "  init         Generate a config skeleton\n")
	fmt.Fprintf(os.Stderr, "  convert-env  Snapshot environment variables into a YAML config\n")
}

type reloadKind int

const (
	reloadPolicy reloadKind = iota
	reloadConfig
)

// watchTargets maps every file whose change requires a reload to the kind of
// reload it requires.
func watchTargets(configPath string, policy gatewayconfig.PolicyConfig) map[string]reloadKind {
	targets := make(map[string]reloadKind)
	add := func(path string, kind reloadKind) {
		if strings.TrimSpace(path) == "" {
			return
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return
		}
		if existing, ok := targets[abs]; ok && existing > kind {
			return
		}
		targets[abs] = kind
	}
	add(policy.OpenAPISpecPath, reloadPolicy)
	for _, frag := range policy.OpenAPIFragments {
		add(frag, reloadPolicy)
	}
	add(configPath, reloadConfig)
	return targets
}

func watchFiles(parent context.Context, targets map[string]reloadKind) (<-chan reloadKind, <-chan error, context.CancelFunc, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, nil, err
	}
	dirs := make(map[string]struct{})
	for path := range targets {
		dir := filepath.Dir(path)
		if _, ok := dirs[dir]; ok {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, nil, nil, fmt.Errorf("watch directory %s: %w", dir, err)
		}
		dirs[dir] = struct{}{}
	}

	ctx, cancel := context.WithCancel(parent)
	reloadCh := make(chan reloadKind)
	errCh := make(chan error, 1)

	go func() {
		defer close(reloadCh)
		defer close(errCh)
		defer watcher.Close()

		var (
			debounce <-chan time.Time
			pending  reloadKind
			dirty    bool
		)
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				kind, ok := targetKind(evt.Name, targets)
				if !ok {
					continue
				}
				if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if !dirty || kind > pending {
					pending = kind
				}
				dirty = true
				debounce = time.After(200 * time.Millisecond)
			case <-debounce:
				select {
				case reloadCh <- pending:
				case <-ctx.Done():
					return
				}
				debounce = nil
				dirty = false
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				select {
				case errCh <- err:
				default:
				}
			}
		}
	}()

	return reloadCh, errCh, cancel, nil
}

func targetKind(eventPath string, targets map[string]reloadKind) (reloadKind, bool) {
	if eventPath == "" {
		return 0, false
	}
	abs, err := filepath.Abs(eventPath)
	if err != nil {
		return 0, false
	}
	kind, ok := targets[abs]
	return kind, ok
}

func convertEnvCommand(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("convert-env", flag.ExitOnError)
	configPath := fs.String("config", "", "Optional config file to merge before env overrides")
	outputPath := fs.String("output", "", "Destination path for generated YAML (stdout when empty)")
	force := fs.Bool("force", false, "Overwrite existing output file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := gatewayconfig.Load(loaderOptions(*configPath)...)
	if err != nil {
		return fmt.Errorf("load config from environment: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	path := strings.TrimSpace(*outputPath)
	if path == "" {
		_, err := out.Write(data)
		return err
	}

	if !*force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("output file %s already exists (use --force to overwrite)", path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("stat output file: %w", err)
		}
	}

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("ensure output directory: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write output file: %w", err)
	}

	fmt.Fprintf(out, "configuration written to %s\n", path)
	return nil
}

const sampleConfigYAML = `# OIDC authorization gateway configuration.
version: ""

http:
  port: 8080
  shutdownTimeout: 15s

log:
  level: info

policy:
  openapiSpecPath: ./openapi.yaml
  openapiFragments: []
  audience: my-api
  algorithms: [RS256]
  clockSkew: 0s
  # all: try every alternative, first success wins. first: stop at the first.
  alternatives: all
  # allow: operations naming only non-OIDC schemes pass. deny: they are rejected.
  nonOIDCSchemes: allow
  # reject: undeclared routes get 404/405. passthrough: they reach the upstream.
  unmatchedRoutes: reject
  forwardPrincipal: true
  keyResolution:
    cacheTTL: 15m
    fetchTimeout: 5s
    minRefreshInterval: 5m
    failureBackoff: 1s
    failureStatus: 401

upstream:
  name: api
  baseURL: http://127.0.0.1:9000
  healthPath: /health
  tls:
    enabled: false
    insecureSkipVerify: false
    caFile: ""
    clientCertFile: ""
    clientKeyFile: ""

readiness:
  timeout: 2s
  userAgent: oidc-router/readyz
  issuers: true

cors:
  allowedOrigins:
    - https://app.example.com

rateLimit:
  window: 60s
  max: 120

metrics:
  enabled: true
`

const sampleOpenAPIYAML = `openapi: 3.0.3
info:
  title: My API
  version: "1.0"
security:
  - oidc: [api:read]
components:
  securitySchemes:
    oidc:
      type: openIdConnect
      openIdConnectUrl: https://idp.example.com/.well-known/openid-configuration
paths:
  /items:
    get:
      operationId: listItems
      responses:
        "200":
          description: ok
    post:
      operationId: createItem
      security:
        - oidc: [api:write]
      responses:
        "201":
          description: created
  /health:
    get:
      operationId: health
      security: []
      responses:
        "200":
          description: ok
`
