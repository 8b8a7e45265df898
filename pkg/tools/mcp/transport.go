package mcp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sort"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/rhuss/mcpbridge/pkg/api"
	"github.com/rhuss/mcpbridge/pkg/config"
	"github.com/rhuss/mcpbridge/pkg/containers"
	"github.com/rhuss/mcpbridge/pkg/debug"
)

// Dialer establishes a new MCP client session with one server. Connect is
// called for the initial connection and again for every reconnect.
type Dialer interface {
	Connect(ctx context.Context, client *mcp.Client) (*mcp.ClientSession, error)
}

// ContainerStarter launches and relaunches the container of a managed
// server. It is implemented by *containers.Manager.
type ContainerStarter interface {
	Start(ctx context.Context, d config.ServerDescriptor) (*containers.Handle, error)
	Restart(ctx context.Context, serverID string) (*containers.Handle, error)
}

// NewDialer returns the dialer matching the descriptor's transport kind.
// starter is only used for managed containers and may be nil otherwise.
func NewDialer(d config.ServerDescriptor, starter ContainerStarter) (Dialer, error) {
	switch d.Kind {
	case config.KindLocalProcess:
		return &processDialer{desc: d}, nil
	case config.KindManagedContainer:
		if starter == nil {
			return unavailableDialer{err: api.E(api.KindContainer, api.OpContainerStart,
				fmt.Errorf("server %q: %w", d.ID, containers.ErrNoRuntime))}, nil
		}
		return &containerDialer{desc: d, starter: starter}, nil
	case config.KindRemoteStream:
		return &remoteDialer{desc: d, httpClient: httpClientFor(d)}, nil
	default:
		return nil, fmt.Errorf("server %q: unsupported transport kind %q", d.ID, d.Kind)
	}
}

// unavailableDialer fails every connection attempt with a fixed error.
type unavailableDialer struct {
	err error
}

func (u unavailableDialer) Connect(context.Context, *mcp.Client) (*mcp.ClientSession, error) {
	return nil, u.err
}

// processDialer spawns the server as a subprocess speaking JSON-RPC over
// its stdin and stdout. Stderr is logged under the "sessions" category.
type processDialer struct {
	desc config.ServerDescriptor
}

func (p *processDialer) Connect(ctx context.Context, client *mcp.Client) (*mcp.ClientSession, error) {
	cmd := exec.Command(p.desc.Command, p.desc.Args...)
	cmd.Dir = p.desc.WorkDir
	if len(p.desc.Env) > 0 {
		cmd.Env = append(os.Environ(), envList(p.desc.Env)...)
	}
	cmd.Stderr = debug.NewLineWriter("sessions", "server stderr", "server", p.desc.ID)

	session, err := client.Connect(ctx, &mcp.CommandTransport{Command: cmd}, nil)
	if err != nil {
		return nil, fmt.Errorf("starting %q: %w", p.desc.Command, err)
	}
	return session, nil
}

// containerDialer runs the server in a managed container and speaks MCP
// over the container's attached stdio. The first connect starts the
// container; later ones restart it, subject to the manager's restart
// budget.
type containerDialer struct {
	desc    config.ServerDescriptor
	starter ContainerStarter

	mu      sync.Mutex
	started bool
}

func (c *containerDialer) Connect(ctx context.Context, client *mcp.Client) (*mcp.ClientSession, error) {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()

	var (
		h   *containers.Handle
		err error
	)
	if started {
		h, err = c.starter.Restart(ctx, c.desc.ID)
	} else {
		h, err = c.starter.Start(ctx, c.desc)
	}
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.started = true
	c.mu.Unlock()

	transport := &mcp.IOTransport{Reader: h.Stdio.Stdout, Writer: h.Stdio.Stdin}
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("handshake with container %s: %w", h.Name, err)
	}
	return session, nil
}

// remoteDialer connects to an HTTP endpoint. Streamable HTTP is tried
// first and SSE is used when that fails, unless the descriptor pins SSE.
type remoteDialer struct {
	desc       config.ServerDescriptor
	httpClient *http.Client
}

func (r *remoteDialer) Connect(ctx context.Context, client *mcp.Client) (*mcp.ClientSession, error) {
	sse := &mcp.SSEClientTransport{Endpoint: r.desc.URL, HTTPClient: r.httpClient}
	if r.desc.Transport == config.TransportSSE {
		return client.Connect(ctx, sse, nil)
	}

	streamable := &mcp.StreamableClientTransport{Endpoint: r.desc.URL, HTTPClient: r.httpClient}
	session, streamErr := client.Connect(ctx, streamable, nil)
	if streamErr == nil {
		return session, nil
	}
	if ctx.Err() != nil {
		return nil, streamErr
	}

	debug.Log("sessions", "streamable HTTP failed, trying SSE", "server", r.desc.ID, "error", streamErr)
	session, sseErr := client.Connect(ctx, sse, nil)
	if sseErr != nil {
		return nil, errors.Join(
			fmt.Errorf("streamable HTTP: %w", streamErr),
			fmt.Errorf("SSE: %w", sseErr),
		)
	}
	return session, nil
}

// envList renders env as sorted KEY=VALUE pairs.
func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
