package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/theroutercompany/oidc_router/internal/oidctest"
	gatewayconfig "github.com/theroutercompany/oidc_router/pkg/gateway/config"
	"github.com/theroutercompany/oidc_router/pkg/gateway/openapi"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func writeConfig(t *testing.T, dir, specPath string) string {
	t.Helper()
	path := filepath.Join(dir, "apigw.yaml")
	writeFile(t, path, fmt.Sprintf(`
policy:
  openapiSpecPath: %q
  audience: my-api
upstream:
  baseURL: http://127.0.0.1:9000
`, specPath))
	return path
}

func openapiPolicy(spec string, fragments ...string) gatewayconfig.PolicyConfig {
	return gatewayconfig.PolicyConfig{OpenAPISpecPath: spec, OpenAPIFragments: fragments}
}

func TestFormatSecurity(t *testing.T) {
	cases := []struct {
		reqs []openapi.Requirement
		want string
	}{
		{want: "none"},
		{reqs: []openapi.Requirement{{}}, want: "{}"},
		{
			reqs: []openapi.Requirement{
				{Entries: []openapi.SchemeScopes{{Scheme: "a", Scopes: []string{"x", "y"}}, {Scheme: "b"}}},
				{},
			},
			want: "a[x y] + b[] | {}",
		},
	}
	for _, tc := range cases {
		if got := formatSecurity(tc.reqs); got != tc.want {
			t.Fatalf("formatSecurity = %q, want %q", got, tc.want)
		}
	}
}

func TestInitWritesConfigAndDocument(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "apigw.yaml")
	specPath := filepath.Join(dir, "openapi.yaml")

	var out bytes.Buffer
	if err := initCommand([]string{"--path", cfgPath, "--spec", specPath}, &out); err != nil {
		t.Fatalf("init: %v", err)
	}
	for _, p := range []string{cfgPath, specPath} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("expected %s to exist: %v", p, err)
		}
	}
	if _, err := openapi.Load(context.Background(), specPath); err != nil {
		t.Fatalf("sample document must load: %v", err)
	}

	if err := initCommand([]string{"--path", cfgPath}, &out); err == nil {
		t.Fatalf("expected refusal to overwrite without --force")
	}
	if err := initCommand([]string{"--path", cfgPath, "--force"}, &out); err != nil {
		t.Fatalf("init --force: %v", err)
	}
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	specPath := filepath.Join(dir, "openapi.yaml")
	writeFile(t, specPath, sampleOpenAPIYAML)
	cfgPath := writeConfig(t, dir, specPath)

	var out bytes.Buffer
	if err := validateCommand([]string{"--config", cfgPath}, &out); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out.String(), "configuration valid: 3 operations, 1 openIdConnect schemes") {
		t.Fatalf("unexpected output: %s", out.String())
	}

	writeFile(t, specPath, "openapi: [broken")
	if err := validateCommand([]string{"--config", cfgPath}, &out); err == nil {
		t.Fatalf("expected broken document to fail validation")
	}
}

func TestInspectListsOperations(t *testing.T) {
	specPath := filepath.Join(t.TempDir(), "openapi.yaml")
	writeFile(t, specPath, sampleOpenAPIYAML)

	var out bytes.Buffer
	if err := inspectCommand([]string{"--spec", specPath}, &out); err != nil {
		t.Fatalf("inspect: %v", err)
	}
	text := out.String()
	for _, want := range []string{
		"GET     /items (listItems)",
		"security: oidc[api:read]",
		"POST    /items (createItem)",
		"security: oidc[api:write]",
		"GET     /health (health)",
		"security: {}",
		"oidc: https://idp.example.com/.well-known/openid-configuration",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in output:\n%s", want, text)
		}
	}
}

func TestInspectResolvesKeys(t *testing.T) {
	idp := oidctest.NewProvider(t)
	specPath := filepath.Join(t.TempDir(), "openapi.yaml")
	writeFile(t, specPath, strings.Replace(sampleOpenAPIYAML,
		"https://idp.example.com/.well-known/openid-configuration", idp.DiscoveryURL(), 1))

	var out bytes.Buffer
	if err := inspectCommand([]string{"--spec", specPath, "--resolve", "--timeout", "5s"}, &out); err != nil {
		t.Fatalf("inspect: %v", err)
	}
	text := out.String()
	if !strings.Contains(text, "issuer: "+idp.Issuer()) || !strings.Contains(text, "keys: "+oidctest.DefaultKeyID) {
		t.Fatalf("expected resolved keys in output:\n%s", text)
	}
}

func TestConvertEnvWritesMergedConfig(t *testing.T) {
	dir := t.TempDir()
	specPath := filepath.Join(dir, "openapi.yaml")
	writeFile(t, specPath, sampleOpenAPIYAML)
	cfgPath := writeConfig(t, dir, specPath)
	t.Setenv("OIDC_ALTERNATIVES", "first")

	var out bytes.Buffer
	if err := convertEnvCommand([]string{"--config", cfgPath}, &out); err != nil {
		t.Fatalf("convert-env: %v", err)
	}
	if !strings.Contains(out.String(), "alternatives: first") || !strings.Contains(out.String(), "audience: my-api") {
		t.Fatalf("expected merged config, got:\n%s", out.String())
	}
}

func TestWatchTargetsConfigWins(t *testing.T) {
	dir := t.TempDir()
	shared := filepath.Join(dir, "gateway.yaml")
	targets := watchTargets(shared, openapiPolicy(shared, filepath.Join(dir, "fragment.yaml")))

	if targets[shared] != reloadConfig {
		t.Fatalf("expected a file that is both config and document to reload config")
	}
	if targets[filepath.Join(dir, "fragment.yaml")] != reloadPolicy {
		t.Fatalf("expected fragments to reload the policy only")
	}
}

func TestWatchFilesClassifiesChanges(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "apigw.yaml")
	specPath := filepath.Join(dir, "openapi.yaml")
	writeFile(t, cfgPath, "log: {level: info}\n")
	writeFile(t, specPath, sampleOpenAPIYAML)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, _, stop, err := watchFiles(ctx, watchTargets(cfgPath, openapiPolicy(specPath)))
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer stop()

	expect := func(want reloadKind) {
		t.Helper()
		select {
		case got := <-events:
			if got != want {
				t.Fatalf("expected reload kind %d, got %d", want, got)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for reload kind %d", want)
		}
	}

	writeFile(t, specPath, sampleOpenAPIYAML+"\n")
	expect(reloadPolicy)

	writeFile(t, cfgPath, "log: {level: debug}\n")
	expect(reloadConfig)

	writeFile(t, filepath.Join(dir, "unrelated.txt"), "noise")
	select {
	case got := <-events:
		t.Fatalf("unexpected reload %d for unrelated file", got)
	case <-time.After(400 * time.Millisecond):
	}
}
