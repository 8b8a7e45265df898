package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

var serverNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Validate checks the configuration for required fields and valid values.
// Every offending entry is reported, each with its field path.
func (c *Config) Validate() error {
	var errs []error

	if c.Upstream.BaseURL == "" {
		errs = append(errs, fmt.Errorf("upstream.base_url is required"))
	} else if err := checkHTTPURL(c.Upstream.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("upstream.base_url: %w", err))
	}

	if c.Server.Port <= 0 {
		errs = append(errs, fmt.Errorf("server.port must be > 0, got %d", c.Server.Port))
	}
	if c.Upstream.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("upstream.max_retries must be >= 0, got %d", c.Upstream.MaxRetries))
	}
	if c.Engine.MaxTurns <= 0 {
		errs = append(errs, fmt.Errorf("engine.max_turns must be > 0, got %d", c.Engine.MaxTurns))
	}
	if c.Engine.ToolConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("engine.tool_concurrency must be > 0, got %d", c.Engine.ToolConcurrency))
	}
	if c.Sessions.CallTimeout <= 0 {
		errs = append(errs, fmt.Errorf("sessions.call_timeout must be > 0"))
	}
	if c.Sessions.MaxReconnects < 0 {
		errs = append(errs, fmt.Errorf("sessions.max_reconnects must be >= 0, got %d", c.Sessions.MaxReconnects))
	}
	if c.Containers.MaxRestarts < 0 {
		errs = append(errs, fmt.Errorf("containers.max_restarts must be >= 0, got %d", c.Containers.MaxRestarts))
	}
	if c.Registry.Separator == "" {
		errs = append(errs, fmt.Errorf("registry.separator must not be empty"))
	}

	switch c.Storage.Type {
	case "memory", "postgres", "none":
		// valid
	default:
		errs = append(errs, fmt.Errorf("storage.type must be \"memory\", \"postgres\" or \"none\", got %q", c.Storage.Type))
	}
	if c.Storage.Type == "postgres" {
		if c.Storage.Postgres.DSN == "" && c.Storage.Postgres.DSNFile == "" {
			errs = append(errs, fmt.Errorf("storage.postgres.dsn or storage.postgres.dsn_file is required when storage.type is \"postgres\""))
		}
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json", "":
		// valid
	default:
		errs = append(errs, fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format))
	}

	errs = append(errs, c.validateServers()...)

	return errors.Join(errs...)
}

// validateServers checks every mcp_servers entry and returns one error per
// problem, in name order.
func (c *Config) validateServers() []error {
	var errs []error

	names := make([]string, 0, len(c.MCPServers))
	for name := range c.MCPServers {
		names = append(names, name)
	}
	sort.Strings(names)

	seen := make(map[string]string, len(names))
	for _, name := range names {
		sc := c.MCPServers[name]
		field := "mcp_servers." + name

		if name == "" {
			errs = append(errs, fmt.Errorf("mcp_servers: server name must not be empty"))
			continue
		}
		if !serverNamePattern.MatchString(name) {
			errs = append(errs, fmt.Errorf("%s: name may only contain letters, digits, '-' and '_'", field))
		}
		folded := strings.ToLower(name)
		if prev, dup := seen[folded]; dup {
			errs = append(errs, fmt.Errorf("%s: name collides with %q", field, prev))
		}
		seen[folded] = name

		switch sc.effectiveTransport() {
		case TransportStdio:
			if sc.Command == "" {
				errs = append(errs, fmt.Errorf("%s: command is required for stdio transport", field))
			}
			if sc.URL != "" {
				errs = append(errs, fmt.Errorf("%s: url is not valid for stdio transport", field))
			}
			if sc.Image != "" || len(sc.Mounts) > 0 {
				errs = append(errs, fmt.Errorf("%s: image and mounts are only valid for docker transport", field))
			}
		case TransportDocker:
			if sc.Image == "" {
				errs = append(errs, fmt.Errorf("%s: image is required for docker transport", field))
			}
			if sc.URL != "" {
				errs = append(errs, fmt.Errorf("%s: url is not valid for docker transport", field))
			}
			for i, m := range sc.Mounts {
				if err := checkMount(m); err != nil {
					errs = append(errs, fmt.Errorf("%s.mounts[%d]: %w", field, i, err))
				}
			}
		case TransportStreamableHTTP, TransportSSE:
			if sc.URL == "" {
				errs = append(errs, fmt.Errorf("%s: url is required for %s transport", field, sc.effectiveTransport()))
			} else if err := checkHTTPURL(sc.URL); err != nil {
				errs = append(errs, fmt.Errorf("%s.url: %w", field, err))
			}
			if sc.Command != "" || sc.Image != "" {
				errs = append(errs, fmt.Errorf("%s: command and image are not valid for remote transports", field))
			}
			errs = append(errs, validateAuth(field, sc.Auth)...)
		case "":
			errs = append(errs, fmt.Errorf("%s: cannot infer transport, set command, image or url", field))
		default:
			errs = append(errs, fmt.Errorf("%s.transport must be \"stdio\", \"docker\", \"streamable-http\" or \"sse\", got %q", field, sc.Transport))
		}

		if sc.effectiveTransport() != TransportStreamableHTTP && sc.effectiveTransport() != TransportSSE && sc.Auth.Type != "" {
			errs = append(errs, fmt.Errorf("%s.auth is only valid for remote transports", field))
		}

		for _, inc := range sc.Tools.Include {
			for _, exc := range sc.Tools.Exclude {
				if inc == exc {
					errs = append(errs, fmt.Errorf("%s.tools: %q is both included and excluded", field, inc))
				}
			}
		}
	}

	return errs
}

func validateAuth(field string, a MCPAuthConfig) []error {
	var errs []error
	switch a.Type {
	case "":
	case "oauth_client_credentials":
		if a.TokenURL == "" {
			errs = append(errs, fmt.Errorf("%s.auth.token_url is required", field))
		} else if err := checkHTTPURL(a.TokenURL); err != nil {
			errs = append(errs, fmt.Errorf("%s.auth.token_url: %w", field, err))
		}
		if a.ClientID == "" {
			errs = append(errs, fmt.Errorf("%s.auth.client_id is required", field))
		}
		if a.ClientSecret == "" && a.ClientSecretFile == "" {
			errs = append(errs, fmt.Errorf("%s.auth.client_secret or client_secret_file is required", field))
		}
	default:
		errs = append(errs, fmt.Errorf("%s.auth.type must be \"oauth_client_credentials\", got %q", field, a.Type))
	}
	return errs
}

func checkHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%q must be an absolute http(s) URL", raw)
	}
	return nil
}

func checkMount(m string) error {
	parts := strings.Split(m, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("mount %q must be \"source:target[:ro]\"", m)
	}
	if len(parts) == 3 && parts[2] != "ro" && parts[2] != "rw" {
		return fmt.Errorf("mount %q has unknown mode %q", m, parts[2])
	}
	return nil
}
