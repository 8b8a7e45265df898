package config

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Server.Port != 8080 {
		t.Errorf("default server.port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Engine.MaxTurns != 10 {
		t.Errorf("default engine.max_turns = %d, want 10", cfg.Engine.MaxTurns)
	}
	if cfg.Engine.ToolConcurrency != 4 {
		t.Errorf("default engine.tool_concurrency = %d, want 4", cfg.Engine.ToolConcurrency)
	}
	if cfg.Sessions.CallTimeout != 60*time.Second {
		t.Errorf("default sessions.call_timeout = %v, want 60s", cfg.Sessions.CallTimeout)
	}
	if cfg.Containers.MaxRestarts != 3 {
		t.Errorf("default containers.max_restarts = %d, want 3", cfg.Containers.MaxRestarts)
	}
	if cfg.Registry.Separator != "." {
		t.Errorf("default registry.separator = %q, want \".\"", cfg.Registry.Separator)
	}
	if cfg.Storage.Type != "memory" {
		t.Errorf("default storage.type = %q, want \"memory\"", cfg.Storage.Type)
	}
}

func TestLoadFromYAML(t *testing.T) {
	yamlContent := `
server:
  port: 9090
  read_timeout: 60s
upstream:
  base_url: http://localhost:4000
  api_key: sk-test-key
  default_model: gpt-4o
  timeout: 45s
engine:
  max_turns: 5
  tool_concurrency: 2
mcp_servers:
  fetch:
    command: uvx
    args: ["mcp-server-fetch"]
    env:
      LOG_LEVEL: debug
  sandbox:
    image: ghcr.io/example/sandbox:1.0
    mounts: ["/tmp/work:/work:ro"]
  search:
    url: https://search.example.com/mcp
    headers:
      Authorization: "Bearer tok-123"
  legacy:
    transport: sse
    url: http://localhost:3001/sse
    enabled: false
`
	tmpFile := writeTemp(t, "config-*.yaml", yamlContent)

	cfg, err := Load(context.Background(), LoadOptions{Source: Source{File: tmpFile}})
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("server.port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 60*time.Second {
		t.Errorf("server.read_timeout = %v, want 60s", cfg.Server.ReadTimeout)
	}
	if cfg.Upstream.Timeout != 45*time.Second {
		t.Errorf("upstream.timeout = %v, want 45s", cfg.Upstream.Timeout)
	}
	if cfg.Engine.MaxTurns != 5 {
		t.Errorf("engine.max_turns = %d, want 5", cfg.Engine.MaxTurns)
	}
	// Untouched sections keep their defaults.
	if cfg.Sessions.MaxReconnects != 5 {
		t.Errorf("sessions.max_reconnects = %d, want default 5", cfg.Sessions.MaxReconnects)
	}

	set := cfg.Descriptors()
	if set.Len() != 4 {
		t.Fatalf("descriptor count = %d, want 4", set.Len())
	}

	wantKinds := map[string]TransportKind{
		"fetch":   KindLocalProcess,
		"sandbox": KindManagedContainer,
		"search":  KindRemoteStream,
		"legacy":  KindRemoteStream,
	}
	for id, kind := range wantKinds {
		d, ok := set.Get(id)
		if !ok {
			t.Fatalf("descriptor %q missing", id)
		}
		if d.Kind != kind {
			t.Errorf("%s kind = %q, want %q", id, d.Kind, kind)
		}
	}

	enabled := set.Enabled()
	if len(enabled) != 3 {
		t.Errorf("enabled count = %d, want 3", len(enabled))
	}
	fetch, _ := set.Get("fetch")
	if fetch.Env["LOG_LEVEL"] != "debug" {
		t.Errorf("fetch env = %v, want LOG_LEVEL=debug", fetch.Env)
	}
}

func TestLoadJSONWithCommentsAndTOML(t *testing.T) {
	jsonContent := `{
  // upstream endpoint
  "upstream": {"base_url": "http://localhost:8000"},
  "mcp_servers": {
    "fetch": {"command": "uvx", "args": ["mcp-server-fetch"]}, /* trailing comma ok */
  }
}`
	tomlContent := `
[upstream]
base_url = "http://localhost:8000"

[engine]
max_turns = 3

[mcp_servers.fetch]
command = "uvx"
args = ["mcp-server-fetch"]
`
	tests := []struct {
		name    string
		pattern string
		content string
	}{
		{"jsonc", "config-*.json", jsonContent},
		{"toml", "config-*.toml", tomlContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTemp(t, tt.pattern, tt.content)
			cfg, err := Load(context.Background(), LoadOptions{Source: Source{File: path}})
			if err != nil {
				t.Fatalf("Load() error: %v", err)
			}
			d, ok := cfg.Descriptors().Get("fetch")
			if !ok || d.Command != "uvx" || len(d.Args) != 1 {
				t.Errorf("fetch descriptor = %+v", d)
			}
		})
	}
}

func TestLoadInlineSource(t *testing.T) {
	inline := `{"upstream":{"base_url":"http://inline:8000"},"engine":{"max_turns":2}}`
	cfg, err := Load(context.Background(), LoadOptions{Source: Source{Inline: inline}})
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Upstream.BaseURL != "http://inline:8000" || cfg.Engine.MaxTurns != 2 {
		t.Errorf("inline config not applied: %+v", cfg.Upstream)
	}
}

func TestLoadURLSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"upstream":{"base_url":"http://remote:8000"}}`))
	}))
	defer srv.Close()

	cfg, err := Load(context.Background(), LoadOptions{Source: Source{URL: srv.URL + "/config"}})
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Upstream.BaseURL != "http://remote:8000" {
		t.Errorf("upstream.base_url = %q", cfg.Upstream.BaseURL)
	}
}

func TestLoadRejectsMultipleSources(t *testing.T) {
	_, err := Load(context.Background(), LoadOptions{Source: Source{
		File:   "config.yaml",
		Inline: `{"upstream":{"base_url":"http://x"}}`,
	}})
	if err == nil || !strings.Contains(err.Error(), "exactly one") {
		t.Fatalf("Load() error = %v, want exactly-one-source error", err)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	inline := `{"upstream":{"base_url":"http://x:1"},"enigne":{"max_turns":2}}`
	if _, err := Load(context.Background(), LoadOptions{Source: Source{Inline: inline}}); err == nil {
		t.Fatal("Load() should reject unknown top-level keys")
	}
}

func TestPartialsDeepMerge(t *testing.T) {
	base := writeTemp(t, "base-*.yaml", `
upstream:
  base_url: http://base:8000
  default_model: base-model
mcp_servers:
  fetch:
    command: uvx
    args: ["mcp-server-fetch", "--verbose"]
    env:
      A: "1"
`)
	overlay := writeTemp(t, "overlay-*.yaml", `
upstream:
  default_model: overlay-model
mcp_servers:
  fetch:
    args: ["mcp-server-fetch"]
    env:
      B: "2"
`)

	cfg, err := Load(context.Background(), LoadOptions{
		Source:   Source{File: base},
		Partials: []string{overlay},
	})
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Upstream.BaseURL != "http://base:8000" {
		t.Errorf("base_url lost in merge: %q", cfg.Upstream.BaseURL)
	}
	if cfg.Upstream.DefaultModel != "overlay-model" {
		t.Errorf("default_model = %q, want overlay value", cfg.Upstream.DefaultModel)
	}
	fetch := cfg.MCPServers["fetch"]
	if len(fetch.Args) != 1 {
		t.Errorf("args = %v, want array replaced wholesale", fetch.Args)
	}
	if fetch.Env["A"] != "1" || fetch.Env["B"] != "2" {
		t.Errorf("env = %v, want recursive merge", fetch.Env)
	}
}

func TestEnvOverride(t *testing.T) {
	tmpFile := writeTemp(t, "config-*.yaml", `
upstream:
  base_url: http://from-yaml:8000
  default_model: yaml-model
server:
  port: 9090
`)

	t.Setenv("MCPBRIDGE_UPSTREAM_URL", "http://from-env:8000")
	t.Setenv("MCPBRIDGE_MODEL", "env-model")
	t.Setenv("MCPBRIDGE_PORT", "7070")
	t.Setenv("MCPBRIDGE_MAX_TURNS", "4")
	t.Setenv("MCPBRIDGE_CORS_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("MCPBRIDGE_MCP_SERVERS", `{"env-server":{"url":"http://env:9000/mcp"}}`)

	cfg, err := Load(context.Background(), LoadOptions{Source: Source{File: tmpFile}})
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Upstream.BaseURL != "http://from-env:8000" {
		t.Errorf("upstream.base_url = %q, want env override", cfg.Upstream.BaseURL)
	}
	if cfg.Upstream.DefaultModel != "env-model" {
		t.Errorf("upstream.default_model = %q, want env override", cfg.Upstream.DefaultModel)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("server.port = %d, want env override 7070", cfg.Server.Port)
	}
	if cfg.Engine.MaxTurns != 4 {
		t.Errorf("engine.max_turns = %d, want env override 4", cfg.Engine.MaxTurns)
	}
	if len(cfg.Server.CORS.AllowedOrigins) != 2 {
		t.Errorf("cors origins = %v, want 2 entries", cfg.Server.CORS.AllowedOrigins)
	}
	if _, ok := cfg.MCPServers["env-server"]; !ok {
		t.Error("MCPBRIDGE_MCP_SERVERS entry not merged")
	}
}

func TestFileReference(t *testing.T) {
	keyFile := writeTemp(t, "key-*", "  sk-from-file\n")
	tmpFile := writeTemp(t, "config-*.yaml", `
upstream:
  base_url: http://localhost:8000
  api_key_file: `+keyFile+`
`)

	cfg, err := Load(context.Background(), LoadOptions{Source: Source{File: tmpFile}})
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Upstream.APIKey != "sk-from-file" {
		t.Errorf("upstream.api_key = %q, want trimmed file content", cfg.Upstream.APIKey)
	}
}

func TestFileReferenceDoesNotOverrideExplicitValue(t *testing.T) {
	keyFile := writeTemp(t, "key-*", "sk-from-file")
	tmpFile := writeTemp(t, "config-*.yaml", `
upstream:
  base_url: http://localhost:8000
  api_key: sk-explicit
  api_key_file: `+keyFile+`
`)

	cfg, err := Load(context.Background(), LoadOptions{Source: Source{File: tmpFile}})
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Upstream.APIKey != "sk-explicit" {
		t.Errorf("upstream.api_key = %q, want explicit value", cfg.Upstream.APIKey)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:    "missing base_url",
			modify:  func(c *Config) { c.Upstream.BaseURL = "" },
			wantErr: "upstream.base_url is required",
		},
		{
			name:    "invalid port",
			modify:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "server.port must be > 0",
		},
		{
			name:    "invalid storage type",
			modify:  func(c *Config) { c.Storage.Type = "redis" },
			wantErr: "storage.type must be",
		},
		{
			name:    "zero max turns",
			modify:  func(c *Config) { c.Engine.MaxTurns = 0 },
			wantErr: "engine.max_turns must be > 0",
		},
		{
			name: "stdio without command",
			modify: func(c *Config) {
				c.MCPServers = map[string]MCPServerConfig{"a": {Transport: "stdio"}}
			},
			wantErr: "mcp_servers.a: command is required",
		},
		{
			name: "stdio with url",
			modify: func(c *Config) {
				c.MCPServers = map[string]MCPServerConfig{"a": {Transport: "stdio", Command: "x", URL: "http://x"}}
			},
			wantErr: "url is not valid for stdio",
		},
		{
			name: "docker without image",
			modify: func(c *Config) {
				c.MCPServers = map[string]MCPServerConfig{"a": {Transport: "docker"}}
			},
			wantErr: "image is required for docker",
		},
		{
			name: "bad mount",
			modify: func(c *Config) {
				c.MCPServers = map[string]MCPServerConfig{"a": {Image: "img", Mounts: []string{"/only-source"}}}
			},
			wantErr: "mcp_servers.a.mounts[0]",
		},
		{
			name: "relative url",
			modify: func(c *Config) {
				c.MCPServers = map[string]MCPServerConfig{"a": {URL: "/mcp"}}
			},
			wantErr: "must be an absolute http(s) URL",
		},
		{
			name: "uninferable transport",
			modify: func(c *Config) {
				c.MCPServers = map[string]MCPServerConfig{"a": {}}
			},
			wantErr: "cannot infer transport",
		},
		{
			name: "name with separator",
			modify: func(c *Config) {
				c.MCPServers = map[string]MCPServerConfig{"a.b": {Command: "x"}}
			},
			wantErr: "name may only contain",
		},
		{
			name: "case-insensitive duplicate",
			modify: func(c *Config) {
				c.MCPServers = map[string]MCPServerConfig{"Fetch": {Command: "x"}, "fetch": {Command: "y"}}
			},
			wantErr: "collides with",
		},
		{
			name:   "valid config",
			modify: func(c *Config) {},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			cfg.Upstream.BaseURL = "http://localhost:8000"
			tt.modify(&cfg)
			err := cfg.Validate()

			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}

			if err == nil {
				t.Fatalf("Validate() expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want it to contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestValidationReportsEveryOffendingEntry(t *testing.T) {
	cfg := Defaults()
	cfg.Upstream.BaseURL = ""
	cfg.MCPServers = map[string]MCPServerConfig{
		"a": {Transport: "stdio"},
		"b": {Transport: "docker"},
		"c": {Transport: "carrier-pigeon"},
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want errors")
	}
	for _, want := range []string{
		"upstream.base_url is required",
		"mcp_servers.a: command is required",
		"mcp_servers.b: image is required",
		"mcp_servers.c.transport must be",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q is missing %q", err.Error(), want)
		}
	}
}

func TestDescriptorSetIsImmutable(t *testing.T) {
	cfg := Defaults()
	cfg.MCPServers = map[string]MCPServerConfig{
		"fetch": {Command: "uvx", Args: []string{"a"}, Env: map[string]string{"K": "v"}},
	}
	set := cfg.Descriptors()

	d, _ := set.Get("fetch")
	d.Args[0] = "mutated"
	d.Env["K"] = "mutated"
	cfg.MCPServers["fetch"].Args[0] = "mutated-config"

	again, _ := set.Get("fetch")
	if again.Args[0] != "a" || again.Env["K"] != "v" {
		t.Errorf("descriptor set was mutated: %+v", again)
	}
}

func TestDescriptorOrder(t *testing.T) {
	cfg := Defaults()
	cfg.MCPServers = map[string]MCPServerConfig{
		"zeta":  {Command: "z", Order: -1},
		"alpha": {Command: "a"},
		"beta":  {Command: "b"},
	}

	var ids []string
	for _, d := range cfg.Descriptors().All() {
		ids = append(ids, d.ID)
	}
	if strings.Join(ids, ",") != "zeta,alpha,beta" {
		t.Errorf("order = %v, want zeta,alpha,beta", ids)
	}
}

func TestDescriptorOrderIgnoresDocumentOrder(t *testing.T) {
	inline := `{"upstream":{"base_url":"http://x"},"mcp_servers":{` +
		`"search":{"command":"s"},"fetch":{"command":"f"},"git":{"command":"g","order":-1}}}`
	cfg, err := Load(context.Background(), LoadOptions{Source: Source{Inline: inline}})
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	var ids []string
	for _, d := range cfg.Descriptors().All() {
		ids = append(ids, d.ID)
	}
	if strings.Join(ids, ",") != "git,fetch,search" {
		t.Errorf("order = %v, want git,fetch,search", ids)
	}
}

func TestLoaderKeepsLastGoodConfig(t *testing.T) {
	path := writeTemp(t, "config-*.yaml", "upstream:\n  base_url: http://one:8000\n")
	loader := NewLoader(LoadOptions{Source: Source{File: path}})

	if _, err := loader.Load(context.Background()); err != nil {
		t.Fatalf("initial Load() error: %v", err)
	}

	if err := os.WriteFile(path, []byte("upstream:\n  base_url: \"\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := loader.Load(context.Background()); err == nil {
		t.Fatal("reload with invalid config should fail")
	}
	if got := loader.Current().Upstream.BaseURL; got != "http://one:8000" {
		t.Errorf("current base_url = %q, want last good value", got)
	}
	if files := loader.Files(); len(files) != 1 || files[0] != path {
		t.Errorf("Files() = %v, want [%s]", files, path)
	}
}

func writeTemp(t *testing.T, pattern, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), pattern)
	if err != nil {
		t.Fatalf("creating temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		t.Fatalf("writing temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("closing temp file: %v", err)
	}
	return f.Name()
}
