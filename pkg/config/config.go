// Package config provides unified configuration for the mcpbridge gateway.
//
// Configuration is loaded with a layered approach:
//  1. Built-in defaults
//  2. Exactly one source document (file, URL, or inline string)
//  3. Partial documents deep-merged on top, in order
//  4. Environment variable overrides (MCPBRIDGE_ prefix)
//  5. File reference resolution (_file suffix fields)
//  6. Validation, reporting every offending entry
//
// Documents may be YAML, JSON (comments allowed) or TOML. The validated
// configuration yields an immutable [DescriptorSet] describing the MCP
// servers the gateway connects to.
package config

import "time"

// Config holds all configuration for the mcpbridge gateway.
type Config struct {
	Server        ServerConfig               `yaml:"server"`
	Upstream      UpstreamConfig             `yaml:"upstream"`
	Engine        EngineConfig               `yaml:"engine"`
	Sessions      SessionsConfig             `yaml:"sessions"`
	Containers    ContainersConfig           `yaml:"containers"`
	Registry      RegistryConfig             `yaml:"registry"`
	Sampling      SamplingConfig             `yaml:"sampling"`
	Storage       StorageConfig              `yaml:"storage"`
	Logging       LoggingConfig              `yaml:"logging"`
	Observability ObservabilityConfig        `yaml:"observability"`
	MCPServers    map[string]MCPServerConfig `yaml:"mcp_servers"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`             // default: 8080
	ReadTimeout     time.Duration `yaml:"read_timeout"`     // default: 30s
	WriteTimeout    time.Duration `yaml:"write_timeout"`    // default: 0 (streaming)
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // default: 30s
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig controls cross-origin access to the HTTP API.
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowed_origins"` // empty disables CORS handling
	AllowCredentials bool     `yaml:"allow_credentials"`
}

// UpstreamConfig holds the inference provider settings.
type UpstreamConfig struct {
	BaseURL              string        `yaml:"base_url"`               // required
	APIKey               string        `yaml:"api_key"`                // optional
	APIKeyFile           string        `yaml:"api_key_file"`           // _file variant for api_key
	DefaultModel         string        `yaml:"default_model"`          // optional
	Timeout              time.Duration `yaml:"timeout"`                // per model call, default: 120s
	MaxRetries           int           `yaml:"max_retries"`            // default: 2
	RetryInitialInterval time.Duration `yaml:"retry_initial_interval"` // default: 500ms
}

// EngineConfig holds completion orchestration limits.
type EngineConfig struct {
	MaxTurns        int           `yaml:"max_turns"`        // default: 10
	ToolConcurrency int           `yaml:"tool_concurrency"` // per run and backend, default: 4
	RunTimeout      time.Duration `yaml:"run_timeout"`      // default: 10m
}

// SessionsConfig holds MCP session settings.
type SessionsConfig struct {
	ConnectTimeout           time.Duration `yaml:"connect_timeout"`            // default: 30s
	CallTimeout              time.Duration `yaml:"call_timeout"`               // default: 60s
	MaxReconnects            int           `yaml:"max_reconnects"`             // default: 5
	ReconnectInitialInterval time.Duration `yaml:"reconnect_initial_interval"` // default: 1s
	ReconnectMaxInterval     time.Duration `yaml:"reconnect_max_interval"`     // default: 30s
	DrainTimeout             time.Duration `yaml:"drain_timeout"`              // default: 30s
}

// ContainersConfig holds container lifecycle settings for docker servers.
type ContainersConfig struct {
	Host                   string        `yaml:"host"`                     // docker host, default from env
	PullTimeout            time.Duration `yaml:"pull_timeout"`             // per attempt, default: 5m
	PullRetries            int           `yaml:"pull_retries"`             // default: 3
	StartTimeout           time.Duration `yaml:"start_timeout"`            // default: 60s
	StopTimeout            time.Duration `yaml:"stop_timeout"`             // default: 10s
	LivenessInterval       time.Duration `yaml:"liveness_interval"`        // default: 5s
	MaxRestarts            int           `yaml:"max_restarts"`             // default: 3
	RestartInitialInterval time.Duration `yaml:"restart_initial_interval"` // default: 1s
	SweepOrphans           bool          `yaml:"sweep_orphans"`            // default: true
}

// RegistryConfig controls tool naming in the merged catalog.
type RegistryConfig struct {
	Separator string `yaml:"separator"` // default: "."
}

// SamplingConfig controls forwarding of server sampling requests upstream.
type SamplingConfig struct {
	Enabled   bool   `yaml:"enabled"`    // default: false
	Model     string `yaml:"model"`      // default: upstream.default_model
	MaxTokens int    `yaml:"max_tokens"` // cap applied to server requests, default: 1024
}

// StorageConfig holds run history settings.
type StorageConfig struct {
	Type     string         `yaml:"type"`     // "memory", "postgres" or "none", default: "memory"
	MaxSize  int            `yaml:"max_size"` // for memory store, default: 10000
	Postgres PostgresConfig `yaml:"postgres"`
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN            string `yaml:"dsn"`
	DSNFile        string `yaml:"dsn_file"`         // _file variant for dsn
	MaxConns       int32  `yaml:"max_conns"`        // default: 25
	MigrateOnStart bool   `yaml:"migrate_on_start"` // default: false
}

// LoggingConfig holds log output settings. MCPBRIDGE_LOG_LEVEL and
// MCPBRIDGE_DEBUG take precedence.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // ERROR, WARN, INFO, DEBUG, TRACE; default: INFO
	Format string `yaml:"format"` // "text" or "json", default: "text"
	Debug  string `yaml:"debug"`  // comma separated debug categories
}

// ObservabilityConfig holds monitoring and instrumentation settings.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // default: true
	Path    string `yaml:"path"`    // default: "/metrics"
}

// MCPServerConfig describes one MCP server, keyed by its name in
// Config.MCPServers. Transport may be omitted and is then inferred from the
// populated fields: command → stdio, image → docker, url → streamable-http.
//
// Servers register their tools by ascending Order, then by name. The order
// in which servers appear in a document is not kept, so when two servers
// expose the same tool the bare name goes to the lower Order, or to the
// alphabetically first name when both share an Order.
type MCPServerConfig struct {
	Transport string            `yaml:"transport"` // "stdio", "docker", "streamable-http" or "sse"
	Enabled   *bool             `yaml:"enabled"`   // default: true
	Order     int               `yaml:"order"`     // registration order, ties broken by name
	Command   string            `yaml:"command"`   // stdio: executable; docker: optional entrypoint override
	Args      []string          `yaml:"args"`      // stdio: arguments; docker: container command
	Env       map[string]string `yaml:"env"`
	WorkDir   string            `yaml:"work_dir"`
	Image     string            `yaml:"image"`
	Mounts    []string          `yaml:"mounts"`  // docker bind mounts, "src:dst[:ro]"
	Network   string            `yaml:"network"` // docker network mode
	URL       string            `yaml:"url"`
	Headers   map[string]string `yaml:"headers"`
	Auth      MCPAuthConfig     `yaml:"auth"` // remote transports only
	Tools     ToolFilterConfig  `yaml:"tools"`
}

// MCPAuthConfig configures token acquisition for remote MCP servers.
type MCPAuthConfig struct {
	Type             string   `yaml:"type"` // "" or "oauth_client_credentials"
	TokenURL         string   `yaml:"token_url"`
	ClientID         string   `yaml:"client_id"`
	ClientSecret     string   `yaml:"client_secret"`
	ClientSecretFile string   `yaml:"client_secret_file"`
	Scopes           []string `yaml:"scopes"`
}

// ToolFilterConfig narrows the tools exposed from one server.
type ToolFilterConfig struct {
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
}

// Defaults returns a Config with all default values filled in.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Upstream: UpstreamConfig{
			Timeout:              120 * time.Second,
			MaxRetries:           2,
			RetryInitialInterval: 500 * time.Millisecond,
		},
		Engine: EngineConfig{
			MaxTurns:        10,
			ToolConcurrency: 4,
			RunTimeout:      10 * time.Minute,
		},
		Sessions: SessionsConfig{
			ConnectTimeout:           30 * time.Second,
			CallTimeout:              60 * time.Second,
			MaxReconnects:            5,
			ReconnectInitialInterval: time.Second,
			ReconnectMaxInterval:     30 * time.Second,
			DrainTimeout:             30 * time.Second,
		},
		Containers: ContainersConfig{
			PullTimeout:            5 * time.Minute,
			PullRetries:            3,
			StartTimeout:           60 * time.Second,
			StopTimeout:            10 * time.Second,
			LivenessInterval:       5 * time.Second,
			MaxRestarts:            3,
			RestartInitialInterval: time.Second,
			SweepOrphans:           true,
		},
		Registry: RegistryConfig{
			Separator: ".",
		},
		Sampling: SamplingConfig{
			MaxTokens: 1024,
		},
		Storage: StorageConfig{
			Type:    "memory",
			MaxSize: 10000,
			Postgres: PostgresConfig{
				MaxConns: 25,
			},
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}
