package config

import (
	"maps"
	"slices"
	"sort"
)

// TransportKind classifies how the gateway reaches an MCP server.
type TransportKind string

const (
	// KindLocalProcess runs the server as a subprocess speaking over stdio.
	KindLocalProcess TransportKind = "local-process"
	// KindManagedContainer runs the server in a container owned by the gateway.
	KindManagedContainer TransportKind = "managed-container"
	// KindRemoteStream connects to an HTTP endpoint (streamable HTTP or SSE).
	KindRemoteStream TransportKind = "remote-stream"
)

// Transport names accepted in configuration.
const (
	TransportStdio          = "stdio"
	TransportDocker         = "docker"
	TransportStreamableHTTP = "streamable-http"
	TransportSSE            = "sse"
)

// ServerDescriptor is the validated, immutable description of one MCP server.
// Descriptors are values; slices and maps are copied when handed out by a
// DescriptorSet, so holders cannot change the set they came from.
type ServerDescriptor struct {
	ID        string
	Kind      TransportKind
	Transport string
	Enabled   bool

	Command string
	Args    []string
	Env     map[string]string
	WorkDir string

	Image   string
	Mounts  []string
	Network string

	URL     string
	Headers map[string]string
	Auth    MCPAuthConfig

	IncludeTools []string
	ExcludeTools []string
}

func (d ServerDescriptor) clone() ServerDescriptor {
	d.Args = slices.Clone(d.Args)
	d.Env = maps.Clone(d.Env)
	d.Mounts = slices.Clone(d.Mounts)
	d.Headers = maps.Clone(d.Headers)
	d.Auth.Scopes = slices.Clone(d.Auth.Scopes)
	d.IncludeTools = slices.Clone(d.IncludeTools)
	d.ExcludeTools = slices.Clone(d.ExcludeTools)
	return d
}

// Equal reports whether two descriptors describe the same server connection.
func (d ServerDescriptor) Equal(o ServerDescriptor) bool {
	return d.ID == o.ID &&
		d.Kind == o.Kind &&
		d.Transport == o.Transport &&
		d.Enabled == o.Enabled &&
		d.Command == o.Command &&
		slices.Equal(d.Args, o.Args) &&
		maps.Equal(d.Env, o.Env) &&
		d.WorkDir == o.WorkDir &&
		d.Image == o.Image &&
		slices.Equal(d.Mounts, o.Mounts) &&
		d.Network == o.Network &&
		d.URL == o.URL &&
		maps.Equal(d.Headers, o.Headers) &&
		d.Auth.Type == o.Auth.Type &&
		d.Auth.TokenURL == o.Auth.TokenURL &&
		d.Auth.ClientID == o.Auth.ClientID &&
		d.Auth.ClientSecret == o.Auth.ClientSecret &&
		slices.Equal(d.Auth.Scopes, o.Auth.Scopes) &&
		slices.Equal(d.IncludeTools, o.IncludeTools) &&
		slices.Equal(d.ExcludeTools, o.ExcludeTools)
}

// DescriptorSet is the ordered, immutable set of server descriptors produced
// by one configuration load.
type DescriptorSet struct {
	items []ServerDescriptor
}

// All returns copies of every descriptor in registration order.
func (s *DescriptorSet) All() []ServerDescriptor {
	out := make([]ServerDescriptor, len(s.items))
	for i, d := range s.items {
		out[i] = d.clone()
	}
	return out
}

// Enabled returns copies of the enabled descriptors in registration order.
func (s *DescriptorSet) Enabled() []ServerDescriptor {
	var out []ServerDescriptor
	for _, d := range s.items {
		if d.Enabled {
			out = append(out, d.clone())
		}
	}
	return out
}

// Get returns a copy of the descriptor with the given ID.
func (s *DescriptorSet) Get(id string) (ServerDescriptor, bool) {
	for _, d := range s.items {
		if d.ID == id {
			return d.clone(), true
		}
	}
	return ServerDescriptor{}, false
}

// Len returns the number of descriptors, enabled or not.
func (s *DescriptorSet) Len() int { return len(s.items) }

// Descriptors builds the descriptor set from a validated configuration.
// Servers are ordered by their order field, then by name.
func (c *Config) Descriptors() *DescriptorSet {
	names := make([]string, 0, len(c.MCPServers))
	for name := range c.MCPServers {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		oi, oj := c.MCPServers[names[i]].Order, c.MCPServers[names[j]].Order
		if oi != oj {
			return oi < oj
		}
		return names[i] < names[j]
	})

	set := &DescriptorSet{items: make([]ServerDescriptor, 0, len(names))}
	for _, name := range names {
		sc := c.MCPServers[name]
		transport := sc.effectiveTransport()
		d := ServerDescriptor{
			ID:           name,
			Kind:         kindOf(transport),
			Transport:    transport,
			Enabled:      sc.Enabled == nil || *sc.Enabled,
			Command:      sc.Command,
			Args:         sc.Args,
			Env:          sc.Env,
			WorkDir:      sc.WorkDir,
			Image:        sc.Image,
			Mounts:       sc.Mounts,
			Network:      sc.Network,
			URL:          sc.URL,
			Headers:      sc.Headers,
			Auth:         sc.Auth,
			IncludeTools: sc.Tools.Include,
			ExcludeTools: sc.Tools.Exclude,
		}
		set.items = append(set.items, d.clone())
	}
	return set
}

// effectiveTransport returns the declared transport, or infers one from the
// populated fields.
func (s MCPServerConfig) effectiveTransport() string {
	if s.Transport != "" {
		return s.Transport
	}
	switch {
	case s.Image != "":
		return TransportDocker
	case s.Command != "":
		return TransportStdio
	case s.URL != "":
		return TransportStreamableHTTP
	}
	return ""
}

func kindOf(transport string) TransportKind {
	switch transport {
	case TransportStdio:
		return KindLocalProcess
	case TransportDocker:
		return KindManagedContainer
	case TransportStreamableHTTP, TransportSSE:
		return KindRemoteStream
	}
	return ""
}
