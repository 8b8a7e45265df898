package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadOptions selects the configuration source and the partial documents
// merged on top of it.
type LoadOptions struct {
	Source Source

	// Partials are file paths deep-merged over the source, in order.
	Partials []string

	// HTTPClient fetches URL sources. Defaults to a client with a 30s timeout.
	HTTPClient *http.Client
}

// Load loads configuration from a layered set of sources.
//
// The loading order is:
//  1. Built-in defaults
//  2. The selected source (explicit, then MCPBRIDGE_CONFIG / _URL / _INLINE,
//     then ./config.{yaml,json,toml}, then /etc/mcpbridge/config.yaml)
//  3. Partial documents, deep-merged in order
//  4. MCPBRIDGE_MCP_SERVERS (JSON object) merged into mcp_servers
//  5. Environment variable overrides
//  6. File reference resolution (_file suffix)
//  7. Validation
func Load(ctx context.Context, opts LoadOptions) (*Config, error) {
	src := discoverSource(opts.Source)
	if err := src.validate(); err != nil {
		return nil, err
	}

	doc, err := src.read(ctx, opts.HTTPClient)
	if err != nil {
		return nil, fmt.Errorf("loading %s config: %w", src.Kind(), err)
	}
	merged := DeepMerge(nil, doc)

	for _, p := range opts.Partials {
		partial, err := readFileDocument(p)
		if err != nil {
			return nil, fmt.Errorf("loading partial config: %w", err)
		}
		merged = DeepMerge(merged, partial)
	}

	if v := os.Getenv("MCPBRIDGE_MCP_SERVERS"); v != "" {
		servers, err := decodeDocument([]byte(v), FormatJSON)
		if err != nil {
			return nil, fmt.Errorf("MCPBRIDGE_MCP_SERVERS: %w", err)
		}
		merged = DeepMerge(merged, map[string]any{"mcp_servers": servers})
	}

	cfg := Defaults()
	if err := decodeInto(merged, &cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	applyEnvOverrides(&cfg)

	if err := resolveFileReferences(&cfg); err != nil {
		return nil, fmt.Errorf("resolving file references: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// decodeInto re-encodes the merged tree and decodes it onto cfg, so fields
// absent from every document keep their defaults. Unknown keys are rejected.
func decodeInto(tree map[string]any, cfg *Config) error {
	data, err := yaml.Marshal(tree)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// discoverSource fills in a source from the environment or well-known
// locations when none was selected explicitly.
func discoverSource(s Source) Source {
	if s.File != "" || s.URL != "" || s.Inline != "" {
		return s
	}

	env := Source{
		File:   os.Getenv("MCPBRIDGE_CONFIG"),
		URL:    os.Getenv("MCPBRIDGE_CONFIG_URL"),
		Inline: os.Getenv("MCPBRIDGE_CONFIG_INLINE"),
	}
	if env.File != "" || env.URL != "" || env.Inline != "" {
		return env
	}

	candidates := []string{
		"config.yaml",
		"config.json",
		"config.toml",
		"/etc/mcpbridge/config.yaml",
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return Source{File: p}
		}
	}

	return s
}

// applyEnvOverrides maps environment variables to config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MCPBRIDGE_UPSTREAM_URL"); v != "" {
		cfg.Upstream.BaseURL = v
	}
	if v := os.Getenv("MCPBRIDGE_API_KEY"); v != "" {
		cfg.Upstream.APIKey = v
	}
	if v := os.Getenv("MCPBRIDGE_MODEL"); v != "" {
		cfg.Upstream.DefaultModel = v
	}
	if v := os.Getenv("MCPBRIDGE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("MCPBRIDGE_MAX_TURNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.MaxTurns = n
		}
	}
	if v := os.Getenv("MCPBRIDGE_TOOL_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.ToolConcurrency = n
		}
	}
	if v := os.Getenv("MCPBRIDGE_RUN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Engine.RunTimeout = d
		}
	}
	if v := os.Getenv("MCPBRIDGE_STORAGE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("MCPBRIDGE_STORAGE_SIZE"); v != "" {
		if size, err := strconv.Atoi(v); err == nil {
			cfg.Storage.MaxSize = size
		}
	}
	if v := os.Getenv("MCPBRIDGE_DOCKER_HOST"); v != "" {
		cfg.Containers.Host = v
	}
	if v := os.Getenv("MCPBRIDGE_CORS_ORIGINS"); v != "" {
		var origins []string
		if err := json.Unmarshal([]byte(v), &origins); err != nil {
			origins = strings.Split(v, ",")
		}
		cfg.Server.CORS.AllowedOrigins = origins
	}
}

// resolveFileReferences reads _file fields and populates the corresponding value fields.
// For each field ending in _file, if the value field is empty and the file field is set,
// the file is read, whitespace is trimmed, and the value field is populated.
func resolveFileReferences(cfg *Config) error {
	// upstream.api_key_file -> upstream.api_key
	if cfg.Upstream.APIKeyFile != "" && cfg.Upstream.APIKey == "" {
		val, err := readSecretFile(cfg.Upstream.APIKeyFile)
		if err != nil {
			return fmt.Errorf("upstream.api_key_file: %w", err)
		}
		cfg.Upstream.APIKey = val
	}

	// storage.postgres.dsn_file -> storage.postgres.dsn
	if cfg.Storage.Postgres.DSNFile != "" && cfg.Storage.Postgres.DSN == "" {
		val, err := readSecretFile(cfg.Storage.Postgres.DSNFile)
		if err != nil {
			return fmt.Errorf("storage.postgres.dsn_file: %w", err)
		}
		cfg.Storage.Postgres.DSN = val
	}

	// mcp_servers.<name>.auth.client_secret_file -> client_secret
	for name, sc := range cfg.MCPServers {
		if sc.Auth.ClientSecretFile == "" || sc.Auth.ClientSecret != "" {
			continue
		}
		val, err := readSecretFile(sc.Auth.ClientSecretFile)
		if err != nil {
			return fmt.Errorf("mcp_servers.%s.auth.client_secret_file: %w", name, err)
		}
		sc.Auth.ClientSecret = val
		cfg.MCPServers[name] = sc
	}

	return nil
}

// readSecretFile reads a file and returns its content with surrounding whitespace trimmed.
func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// Loader keeps the last successfully loaded configuration and reloads it on
// request. A failed reload leaves the current configuration in place.
type Loader struct {
	opts LoadOptions

	mu      sync.Mutex
	current *Config
}

// NewLoader creates a Loader for the given options.
func NewLoader(opts LoadOptions) *Loader {
	return &Loader{opts: opts}
}

// Load loads the configuration and makes it current.
func (l *Loader) Load(ctx context.Context) (*Config, error) {
	cfg, err := Load(ctx, l.opts)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Current returns the last successfully loaded configuration, or nil.
func (l *Loader) Current() *Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Files returns the local files the configuration was built from. URL and
// inline sources contribute nothing.
func (l *Loader) Files() []string {
	src := discoverSource(l.opts.Source)
	var files []string
	if src.File != "" {
		files = append(files, src.File)
	}
	return append(files, l.opts.Partials...)
}
