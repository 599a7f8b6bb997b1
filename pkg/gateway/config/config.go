// Package config loads, validates, and normalises gateway configuration.
//
// It supports layered YAML files with environment variable overrides and is
// shared by both the runtime and CLI so embedders can reuse the same schema.
package config

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/theroutercompany/oidc_router/pkg/gateway/auth"
)

const (
	defaultPort               = 8080
	defaultShutdownTimeout    = 15 * time.Second
	defaultLogLevel           = "info"
	defaultReadinessTimeout   = 2 * time.Second
	defaultReadinessUserAgent = "oidc-router/readyz"
	defaultHealthPath         = "/health"
	defaultUpstreamName       = "api"
	defaultRateLimitWindow    = 60 * time.Second
	defaultRateLimitMax       = 120
	defaultMetricsEnabled     = true
	defaultCacheTTL           = 15 * time.Minute
	defaultFetchTimeout       = 5 * time.Second
	defaultMinRefreshInterval = 5 * time.Minute
	defaultFailureBackoff     = time.Second
	defaultConfigEnvVar       = "APIGW_CONFIG"
	envUpstreamPrefix         = "UPSTREAM"
	envPort                   = "PORT"
	envShutdownTimeout        = "SHUTDOWN_TIMEOUT_MS"
	envLogLevel               = "LOG_LEVEL"
	envReadinessTimeout       = "READINESS_TIMEOUT_MS"
	envReadinessUserAgent     = "READINESS_USER_AGENT"
	envGitSHA                 = "GIT_SHA"
	envSpecPath               = "OPENAPI_SPEC_PATH"
	envSpecFragments          = "OPENAPI_FRAGMENTS"
	envAudience               = "OIDC_AUDIENCE"
	envAlgorithms             = "OIDC_ALGORITHMS"
	envClockSkew              = "OIDC_CLOCK_SKEW_MS"
	envAlternatives           = "OIDC_ALTERNATIVES"
	envNonOIDCSchemes         = "OIDC_NON_OIDC_SCHEMES"
	envUnmatchedRoutes        = "OIDC_UNMATCHED_ROUTES"
	envForwardPrincipal       = "OIDC_FORWARD_PRINCIPAL"
	envCacheTTL               = "JWKS_CACHE_TTL_MS"
	envFetchTimeout           = "JWKS_FETCH_TIMEOUT_MS"
	envFailureStatus          = "JWKS_FAILURE_STATUS"
	envCorsAllowedOrigins     = "CORS_ALLOWED_ORIGINS"
	envRateLimitWindow        = "RATE_LIMIT_WINDOW_MS"
	envRateLimitMax           = "RATE_LIMIT_MAX"
	envMetricsEnabled         = "METRICS_ENABLED"
	envTLSInsecureSkipVerify  = "_TLS_INSECURE_SKIP_VERIFY"
	envTLSEnabled             = "_TLS_ENABLED"
	envTLSCAFile              = "_TLS_CA_FILE"
	envTLSCertFile            = "_TLS_CERT_FILE"
	envTLSKeyFile             = "_TLS_KEY_FILE"
	envURL                    = "_URL"
	envHealthPath             = "_HEALTH_PATH"
)

// Accepted values for the policy enums.
const (
	AlternativesAll      = "all"
	AlternativesFirst    = "first"
	NonOIDCAllow         = "allow"
	NonOIDCDeny          = "deny"
	UnmatchedReject      = "reject"
	UnmatchedPassthrough = "passthrough"
)

// Config captures runtime configuration for the gateway runtime and embedders.
type Config struct {
	Version   string          `yaml:"version"`
	HTTP      HTTPConfig      `yaml:"http"`
	Log       LogConfig       `yaml:"log"`
	Policy    PolicyConfig    `yaml:"policy"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Readiness ReadinessConfig `yaml:"readiness"`
	CORS      CORSConfig      `yaml:"cors"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// HTTPConfig configures listener behaviour.
type HTTPConfig struct {
	Port            int      `yaml:"port"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout"`
}

// LogConfig selects the log level.
type LogConfig struct {
	Level string `yaml:"level"`
}

// PolicyConfig describes how requests are authorized against the OpenAPI document.
type PolicyConfig struct {
	OpenAPISpecPath  string              `yaml:"openapiSpecPath"`
	OpenAPIFragments []string            `yaml:"openapiFragments"`
	Audience         string              `yaml:"audience"`
	Algorithms       []string            `yaml:"algorithms"`
	ClockSkew        Duration            `yaml:"clockSkew"`
	Alternatives     string              `yaml:"alternatives"`
	NonOIDCSchemes   string              `yaml:"nonOIDCSchemes"`
	UnmatchedRoutes  string              `yaml:"unmatchedRoutes"`
	ForwardPrincipal bool                `yaml:"forwardPrincipal"`
	KeyResolution    KeyResolutionConfig `yaml:"keyResolution"`
}

// KeyResolutionConfig tunes OIDC discovery and JWKS caching.
type KeyResolutionConfig struct {
	CacheTTL           Duration `yaml:"cacheTTL"`
	FetchTimeout       Duration `yaml:"fetchTimeout"`
	MinRefreshInterval Duration `yaml:"minRefreshInterval"`
	FailureBackoff     Duration `yaml:"failureBackoff"`
	// FailureStatus is the response status when keys cannot be resolved.
	FailureStatus int `yaml:"failureStatus"`
}

// UpstreamConfig defines the service requests are proxied to once authorized.
type UpstreamConfig struct {
	Name       string    `yaml:"name"`
	BaseURL    string    `yaml:"baseURL"`
	HealthPath string    `yaml:"healthPath"`
	TLS        TLSConfig `yaml:"tls"`
}

// TLSConfig captures TLS/mTLS options for upstream calls.
type TLSConfig struct {
	Enabled            bool   `yaml:"enabled"`
	InsecureSkipVerify bool   `yaml:"insecureSkipVerify"`
	CAFile             string `yaml:"caFile"`
	ClientCertFile     string `yaml:"clientCertFile"`
	ClientKeyFile      string `yaml:"clientKeyFile"`
}

// ReadinessConfig controls dependency probing.
type ReadinessConfig struct {
	Timeout   Duration `yaml:"timeout"`
	UserAgent string   `yaml:"userAgent"`
	// Issuers adds each usable OIDC discovery document to the readiness probes.
	Issuers bool `yaml:"issuers"`
}

// CORSConfig captures allowed origins.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

// RateLimitConfig captures throttling settings applied at the gateway edge.
type RateLimitConfig struct {
	Window Duration `yaml:"window"`
	Max    int      `yaml:"max"`
}

// MetricsConfig toggles metrics exposure.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Duration is a YAML-friendly wrapper over time.Duration supporting numeric millisecond inputs.
type Duration time.Duration

// AsDuration returns the underlying time.Duration.
func (d Duration) AsDuration() time.Duration {
	return time.Duration(d)
}

// MarshalYAML encodes the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.AsDuration().String(), nil
}

// UnmarshalYAML decodes scalar duration values from either Go duration strings or millisecond integers.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}

	txt := strings.TrimSpace(value.Value)
	if txt == "" {
		*d = Duration(0)
		return nil
	}
	if ms, err := strconv.Atoi(txt); err == nil {
		if ms < 0 {
			return fmt.Errorf("duration must be non-negative, got %d", ms)
		}
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	parsed, err := time.ParseDuration(txt)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", txt, err)
	}
	if parsed < 0 {
		return fmt.Errorf("duration must be non-negative, got %s", parsed)
	}
	*d = Duration(parsed)
	return nil
}

// DurationFrom constructs a Duration from a time.Duration.
func DurationFrom(d time.Duration) Duration {
	return Duration(d)
}

// Default returns baseline configuration values.
func Default() Config {
	return Config{
		Version: os.Getenv(envGitSHA),
		HTTP: HTTPConfig{
			Port:            defaultPort,
			ShutdownTimeout: DurationFrom(defaultShutdownTimeout),
		},
		Log: LogConfig{Level: defaultLogLevel},
		Policy: PolicyConfig{
			Algorithms:       append([]string(nil), auth.DefaultAlgorithms...),
			Alternatives:     AlternativesAll,
			NonOIDCSchemes:   NonOIDCAllow,
			UnmatchedRoutes:  UnmatchedReject,
			ForwardPrincipal: true,
			KeyResolution: KeyResolutionConfig{
				CacheTTL:           DurationFrom(defaultCacheTTL),
				FetchTimeout:       DurationFrom(defaultFetchTimeout),
				MinRefreshInterval: DurationFrom(defaultMinRefreshInterval),
				FailureBackoff:     DurationFrom(defaultFailureBackoff),
				FailureStatus:      http.StatusUnauthorized,
			},
		},
		Upstream: UpstreamConfig{
			Name:       defaultUpstreamName,
			HealthPath: defaultHealthPath,
		},
		Readiness: ReadinessConfig{
			Timeout:   DurationFrom(defaultReadinessTimeout),
			UserAgent: defaultReadinessUserAgent,
			Issuers:   true,
		},
		RateLimit: RateLimitConfig{
			Window: DurationFrom(defaultRateLimitWindow),
			Max:    defaultRateLimitMax,
		},
		Metrics: MetricsConfig{
			Enabled: defaultMetricsEnabled,
		},
	}
}

// Option customises the load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	paths     []string
	lookupEnv func(string) (string, bool)
}

// WithPath adds a YAML config path to attempt loading.
func WithPath(path string) Option {
	return func(o *loaderOptions) {
		if strings.TrimSpace(path) != "" {
			o.paths = append(o.paths, path)
		}
	}
}

// WithLookupEnv overrides the environment lookup function (useful for tests).
func WithLookupEnv(fn func(string) (string, bool)) Option {
	return func(o *loaderOptions) {
		o.lookupEnv = fn
	}
}

// Load builds a Config from defaults, YAML files, and environment overrides (in that order).
func Load(opts ...Option) (Config, error) {
	options := loaderOptions{
		lookupEnv: os.LookupEnv,
	}
	if envPath := strings.TrimSpace(os.Getenv(defaultConfigEnvVar)); envPath != "" {
		options.paths = append(options.paths, envPath)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	cfg := Default()

	for _, path := range options.paths {
		if strings.TrimSpace(path) == "" {
			continue
		}
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			continue
		case err != nil:
			return cfg, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config %q: %w", path, err)
		}
	}

	if err := applyEnvOverrides(&cfg, options.lookupEnv); err != nil {
		return cfg, err
	}

	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

type envReader struct {
	lookup func(string) (string, bool)
}

func (e envReader) get(key string) (string, bool) {
	val, ok := e.lookup(key)
	if !ok {
		return "", false
	}
	val = strings.TrimSpace(val)
	return val, val != ""
}

func (e envReader) millis(key string, allowZero bool, dst *Duration) error {
	val, ok := e.get(key)
	if !ok {
		return nil
	}
	d, err := parseDurationMillis(val, allowZero)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = DurationFrom(d)
	return nil
}

func (e envReader) boolean(key string, dst *bool) error {
	val, ok := e.get(key)
	if !ok {
		return nil
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = parsed
	return nil
}

func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	env := envReader{lookup: lookup}

	if val, ok := env.get(envPort); ok {
		port, err := strconv.Atoi(val)
		if err != nil || port <= 0 {
			return fmt.Errorf("invalid %s value: %s", envPort, val)
		}
		cfg.HTTP.Port = port
	}
	if err := env.millis(envShutdownTimeout, false, &cfg.HTTP.ShutdownTimeout); err != nil {
		return err
	}
	if val, ok := env.get(envLogLevel); ok {
		cfg.Log.Level = strings.ToLower(val)
	}
	if err := env.millis(envReadinessTimeout, false, &cfg.Readiness.Timeout); err != nil {
		return err
	}
	if val, ok := env.get(envReadinessUserAgent); ok {
		cfg.Readiness.UserAgent = val
	}
	if val, ok := env.get(envGitSHA); ok {
		cfg.Version = val
	}

	if err := applyPolicyOverrides(&cfg.Policy, env); err != nil {
		return fmt.Errorf("policy config: %w", err)
	}

	if val, ok := env.get(envCorsAllowedOrigins); ok {
		cfg.CORS.AllowedOrigins = splitAndTrim(val)
	}
	if err := env.millis(envRateLimitWindow, false, &cfg.RateLimit.Window); err != nil {
		return err
	}
	if val, ok := env.get(envRateLimitMax); ok {
		max, err := strconv.Atoi(val)
		if err != nil || max <= 0 {
			return fmt.Errorf("invalid %s: %s", envRateLimitMax, val)
		}
		cfg.RateLimit.Max = max
	}
	if err := env.boolean(envMetricsEnabled, &cfg.Metrics.Enabled); err != nil {
		return err
	}

	if err := applyUpstreamOverrides(&cfg.Upstream, env, envUpstreamPrefix); err != nil {
		return fmt.Errorf("upstream config: %w", err)
	}

	return nil
}

func applyPolicyOverrides(policy *PolicyConfig, env envReader) error {
	if val, ok := env.get(envSpecPath); ok {
		policy.OpenAPISpecPath = val
	}
	if val, ok := env.get(envSpecFragments); ok {
		policy.OpenAPIFragments = splitAndTrim(val)
	}
	if val, ok := env.get(envAudience); ok {
		policy.Audience = val
	}
	if val, ok := env.get(envAlgorithms); ok {
		policy.Algorithms = splitAndTrim(val)
	}
	if err := env.millis(envClockSkew, true, &policy.ClockSkew); err != nil {
		return err
	}
	if val, ok := env.get(envAlternatives); ok {
		policy.Alternatives = strings.ToLower(val)
	}
	if val, ok := env.get(envNonOIDCSchemes); ok {
		policy.NonOIDCSchemes = strings.ToLower(val)
	}
	if val, ok := env.get(envUnmatchedRoutes); ok {
		policy.UnmatchedRoutes = strings.ToLower(val)
	}
	if err := env.boolean(envForwardPrincipal, &policy.ForwardPrincipal); err != nil {
		return err
	}
	if err := env.millis(envCacheTTL, false, &policy.KeyResolution.CacheTTL); err != nil {
		return err
	}
	if err := env.millis(envFetchTimeout, false, &policy.KeyResolution.FetchTimeout); err != nil {
		return err
	}
	if val, ok := env.get(envFailureStatus); ok {
		status, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid %s: %s", envFailureStatus, val)
		}
		policy.KeyResolution.FailureStatus = status
	}
	return nil
}

func applyUpstreamOverrides(upstream *UpstreamConfig, env envReader, prefix string) error {
	if val, ok := env.get(prefix + envURL); ok {
		upstream.BaseURL = val
	}
	if val, ok := env.get(prefix + envHealthPath); ok {
		upstream.HealthPath = ensureLeadingSlash(val)
	}
	if err := env.boolean(prefix+envTLSEnabled, &upstream.TLS.Enabled); err != nil {
		return err
	}
	if err := env.boolean(prefix+envTLSInsecureSkipVerify, &upstream.TLS.InsecureSkipVerify); err != nil {
		return err
	}
	if val, ok := env.get(prefix + envTLSCAFile); ok {
		upstream.TLS.CAFile = val
		upstream.TLS.Enabled = true
	}
	if val, ok := env.get(prefix + envTLSCertFile); ok {
		upstream.TLS.ClientCertFile = val
		upstream.TLS.Enabled = true
	}
	if val, ok := env.get(prefix + envTLSKeyFile); ok {
		upstream.TLS.ClientKeyFile = val
		upstream.TLS.Enabled = true
	}
	return nil
}

// normalize fills in defaults that may be missing after YAML/env overrides.
func (cfg *Config) normalize() {
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = defaultPort
	}
	if cfg.HTTP.ShutdownTimeout.AsDuration() <= 0 {
		cfg.HTTP.ShutdownTimeout = DurationFrom(defaultShutdownTimeout)
	}
	if strings.TrimSpace(cfg.Log.Level) == "" {
		cfg.Log.Level = defaultLogLevel
	}
	if cfg.Readiness.Timeout.AsDuration() <= 0 {
		cfg.Readiness.Timeout = DurationFrom(defaultReadinessTimeout)
	}
	if strings.TrimSpace(cfg.Readiness.UserAgent) == "" {
		cfg.Readiness.UserAgent = defaultReadinessUserAgent
	}
	if cfg.RateLimit.Window.AsDuration() <= 0 {
		cfg.RateLimit.Window = DurationFrom(defaultRateLimitWindow)
	}
	if cfg.RateLimit.Max <= 0 {
		cfg.RateLimit.Max = defaultRateLimitMax
	}

	policy := &cfg.Policy
	policy.OpenAPISpecPath = strings.TrimSpace(policy.OpenAPISpecPath)
	policy.Audience = strings.TrimSpace(policy.Audience)
	if len(policy.Algorithms) == 0 {
		policy.Algorithms = append([]string(nil), auth.DefaultAlgorithms...)
	}
	if policy.Alternatives == "" {
		policy.Alternatives = AlternativesAll
	}
	if policy.NonOIDCSchemes == "" {
		policy.NonOIDCSchemes = NonOIDCAllow
	}
	if policy.UnmatchedRoutes == "" {
		policy.UnmatchedRoutes = UnmatchedReject
	}
	keyRes := &policy.KeyResolution
	if keyRes.CacheTTL.AsDuration() <= 0 {
		keyRes.CacheTTL = DurationFrom(defaultCacheTTL)
	}
	if keyRes.FetchTimeout.AsDuration() <= 0 {
		keyRes.FetchTimeout = DurationFrom(defaultFetchTimeout)
	}
	if keyRes.MinRefreshInterval.AsDuration() <= 0 {
		keyRes.MinRefreshInterval = DurationFrom(defaultMinRefreshInterval)
	}
	if keyRes.FailureStatus == 0 {
		keyRes.FailureStatus = http.StatusUnauthorized
	}

	if strings.TrimSpace(cfg.Upstream.Name) == "" {
		cfg.Upstream.Name = defaultUpstreamName
	}
	if strings.TrimSpace(cfg.Upstream.HealthPath) == "" {
		cfg.Upstream.HealthPath = defaultHealthPath
	} else {
		cfg.Upstream.HealthPath = ensureLeadingSlash(cfg.Upstream.HealthPath)
	}
	if cfg.Upstream.TLS.InsecureSkipVerify {
		cfg.Upstream.TLS.Enabled = true
	}
}

// Validate performs semantic validation on the configuration.
func (cfg Config) Validate() error {
	var errs []error

	if cfg.HTTP.Port <= 0 {
		errs = append(errs, fmt.Errorf("http.port must be positive"))
	}
	if cfg.HTTP.ShutdownTimeout.AsDuration() <= 0 {
		errs = append(errs, fmt.Errorf("http.shutdownTimeout must be positive"))
	}
	if cfg.Readiness.Timeout.AsDuration() <= 0 {
		errs = append(errs, fmt.Errorf("readiness.timeout must be positive"))
	}

	errs = append(errs, cfg.Policy.validate()...)

	upstream := cfg.Upstream
	if upstream.BaseURL == "" {
		errs = append(errs, fmt.Errorf("upstream.baseURL is required"))
	} else if _, err := url.ParseRequestURI(upstream.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("upstream.baseURL invalid: %w", err))
	}
	if upstream.TLS.ClientCertFile != "" && upstream.TLS.ClientKeyFile == "" {
		errs = append(errs, fmt.Errorf("upstream tls client key required when cert provided"))
	}
	if upstream.TLS.ClientKeyFile != "" && upstream.TLS.ClientCertFile == "" {
		errs = append(errs, fmt.Errorf("upstream tls client cert required when key provided"))
	}

	if cfg.RateLimit.Max <= 0 {
		errs = append(errs, fmt.Errorf("rateLimit.max must be positive"))
	}
	if cfg.RateLimit.Window.AsDuration() <= 0 {
		errs = append(errs, fmt.Errorf("rateLimit.window must be positive"))
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

func (p PolicyConfig) validate() []error {
	var errs []error

	if p.OpenAPISpecPath == "" {
		errs = append(errs, fmt.Errorf("policy.openapiSpecPath is required"))
	}
	if p.Audience == "" {
		errs = append(errs, fmt.Errorf("policy.audience is required"))
	}
	if err := auth.ValidateAlgorithms(p.Algorithms); err != nil {
		errs = append(errs, fmt.Errorf("policy.algorithms: %w", err))
	}
	if !oneOf(p.Alternatives, AlternativesAll, AlternativesFirst) {
		errs = append(errs, fmt.Errorf("policy.alternatives must be %q or %q, got %q", AlternativesAll, AlternativesFirst, p.Alternatives))
	}
	if !oneOf(p.NonOIDCSchemes, NonOIDCAllow, NonOIDCDeny) {
		errs = append(errs, fmt.Errorf("policy.nonOIDCSchemes must be %q or %q, got %q", NonOIDCAllow, NonOIDCDeny, p.NonOIDCSchemes))
	}
	if !oneOf(p.UnmatchedRoutes, UnmatchedReject, UnmatchedPassthrough) {
		errs = append(errs, fmt.Errorf("policy.unmatchedRoutes must be %q or %q, got %q", UnmatchedReject, UnmatchedPassthrough, p.UnmatchedRoutes))
	}

	switch p.KeyResolution.FailureStatus {
	case http.StatusUnauthorized, http.StatusBadGateway, http.StatusServiceUnavailable:
	default:
		errs = append(errs, fmt.Errorf("policy.keyResolution.failureStatus must be 401, 502 or 503, got %d", p.KeyResolution.FailureStatus))
	}
	if p.KeyResolution.FetchTimeout.AsDuration() <= 0 {
		errs = append(errs, fmt.Errorf("policy.keyResolution.fetchTimeout must be positive"))
	}

	return errs
}

func oneOf(value string, allowed ...string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}

func parseDurationMillis(value string, allowZero bool) (time.Duration, error) {
	ms, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, err
	}
	if ms < 0 || (ms == 0 && !allowZero) {
		return 0, fmt.Errorf("value must be positive: %d", ms)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func splitAndTrim(value string) []string {
	parts := strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ' ' || r == ';'
	})
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func ensureLeadingSlash(path string) string {
	if path == "" {
		return "/"
	}
	if strings.HasPrefix(path, "/") {
		return path
	}
	return "/" + path
}
