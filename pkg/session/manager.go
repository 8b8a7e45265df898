package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/rhuss/mcpbridge/pkg/api"
	"github.com/rhuss/mcpbridge/pkg/config"
	mcptools "github.com/rhuss/mcpbridge/pkg/tools/mcp"
	"github.com/rhuss/mcpbridge/pkg/tools/registry"
	"github.com/rhuss/mcpbridge/pkg/transport"
)

// Containers starts and stops the containers of managed servers. It is
// implemented by *containers.Manager.
type Containers interface {
	mcptools.ContainerStarter
	Stop(ctx context.Context, serverID string) error
}

// DialerFactory builds the dialer for a descriptor.
type DialerFactory func(d config.ServerDescriptor, starter mcptools.ContainerStarter) (mcptools.Dialer, error)

// Option configures a Manager.
type Option func(*Manager)

// WithContainers enables managed-container servers.
func WithContainers(c Containers) Option {
	return func(m *Manager) { m.containers = c }
}

// WithSampling forwards server sampling requests to fn.
func WithSampling(fn SamplingFunc) Option {
	return func(m *Manager) { m.sampling = fn }
}

// WithDialerFactory replaces the dialer factory, mainly for tests.
func WithDialerFactory(f DialerFactory) Option {
	return func(m *Manager) { m.newDialer = f }
}

// Manager owns one session per enabled server and keeps the tool registry
// in sync with them.
type Manager struct {
	cfg        config.SessionsConfig
	reg        *registry.Registry
	containers Containers
	sampling   SamplingFunc
	newDialer  DialerFactory

	ctx    context.Context
	cancel context.CancelFunc

	// applyMu serializes Apply and Shutdown.
	applyMu sync.Mutex

	mu       sync.RWMutex
	sessions map[string]*Session
	order    []string

	// syncMu serializes registry updates from session listeners.
	syncMu sync.Mutex
}

var _ transport.Catalog = (*Manager)(nil)

// NewManager creates a session manager publishing tools into reg.
func NewManager(cfg config.SessionsConfig, reg *registry.Registry, opts ...Option) *Manager {
	m := &Manager{
		cfg:       cfg,
		reg:       reg,
		newDialer: mcptools.NewDialer,
		sessions:  make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// Apply reconciles the session table with a descriptor set. Sessions whose
// descriptor is unchanged are kept. Changed and removed ones are drained
// (no new calls, in-flight calls finish up to the drain timeout) and
// closed; new and changed ones are started. Closed sessions are restarted.
func (m *Manager) Apply(ctx context.Context, set *config.DescriptorSet) error {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	if m.ctx.Err() != nil {
		return fmt.Errorf("session manager is shut down")
	}

	wanted := set.Enabled()
	byID := make(map[string]config.ServerDescriptor, len(wanted))
	ids := make([]string, 0, len(wanted))
	for _, d := range wanted {
		byID[d.ID] = d
		ids = append(ids, d.ID)
	}

	m.mu.RLock()
	var stale []*Session
	var start []config.ServerDescriptor
	for id, s := range m.sessions {
		d, ok := byID[id]
		if !ok || !d.Equal(s.desc) || s.State() == StateClosed {
			stale = append(stale, s)
		}
	}
	for _, d := range wanted {
		s, ok := m.sessions[d.ID]
		if !ok || !d.Equal(s.desc) || s.State() == StateClosed {
			start = append(start, d)
		}
	}
	m.mu.RUnlock()

	m.drain(ctx, stale, byID)

	m.reg.Reserve(ids...)

	for _, d := range start {
		m.startSession(d)
	}

	m.mu.Lock()
	m.order = ids
	m.mu.Unlock()

	slog.Info("applied MCP server configuration",
		"servers", len(wanted),
		"started", len(start),
		"stopped", len(stale),
	)
	return nil
}

// drain closes the stale sessions concurrently. Servers that are no longer
// configured also lose their registry slot.
func (m *Manager) drain(ctx context.Context, stale []*Session, keep map[string]config.ServerDescriptor) {
	if len(stale) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range stale {
		g.Go(func() error {
			dctx, cancel := context.WithTimeout(gctx, m.cfg.DrainTimeout)
			defer cancel()
			if err := s.Drain(dctx); err != nil {
				slog.Warn("MCP session drained with error", "server", s.ID(), "error", err)
			}
			m.stopContainer(s)
			return nil
		})
	}
	g.Wait()

	m.mu.Lock()
	for _, s := range stale {
		if m.sessions[s.ID()] == s {
			delete(m.sessions, s.ID())
		}
	}
	m.mu.Unlock()

	for _, s := range stale {
		if _, ok := keep[s.ID()]; !ok {
			m.reg.Forget(s.ID())
		}
	}
}

// startSession creates and starts the session for d. A descriptor without
// a usable dialer still gets a session, which fails its connection
// attempts and ends closed with the error, so one broken server never
// keeps the others from starting.
func (m *Manager) startSession(d config.ServerDescriptor) {
	var starter mcptools.ContainerStarter
	if m.containers != nil {
		starter = m.containers
	}
	dialer, err := m.newDialer(d, starter)
	if err != nil {
		slog.Error("cannot create MCP dialer", "server", d.ID, "error", err)
		dialer = failedDialer{err: api.E(api.KindConfig, "", err)}
	}

	s := newSession(m.ctx, d, dialer, m.cfg, m.sampling, m.sync)

	m.mu.Lock()
	m.sessions[d.ID] = s
	m.mu.Unlock()

	s.start()
}

// failedDialer reports a dialer construction error on every attempt.
type failedDialer struct {
	err error
}

func (f failedDialer) Connect(context.Context, *mcp.Client) (*mcp.ClientSession, error) {
	return nil, f.err
}

// sync mirrors a session's state into the registry. Ready sessions publish
// their tools; degraded ones keep them so calls fail fast while the
// connection is restored; closed and draining ones are removed.
func (m *Manager) sync(s *Session) {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()

	m.mu.RLock()
	current := m.sessions[s.ID()] == s
	m.mu.RUnlock()
	if !current {
		return
	}

	switch state := s.State(); {
	case s.Draining() || state == StateClosed:
		m.reg.Remove(s.ID())
		if state == StateClosed {
			go m.stopContainer(s)
		}
	case state == StateReady:
		m.reg.Register(s.ID(), s, s.ListTools())
	}
}

func (m *Manager) stopContainer(s *Session) {
	if m.containers == nil || s.desc.Kind != config.KindManagedContainer {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DrainTimeout)
	defer cancel()
	if err := m.containers.Stop(ctx, s.ID()); err != nil {
		slog.Warn("stopping container failed", "server", s.ID(), "error", err)
	}
}

// ContainerExited is the container manager's exit callback. The session of
// the server degrades and reconnects, which restarts the container.
func (m *Manager) ContainerExited(serverID string, exitCode int) {
	if s, ok := m.Session(serverID); ok {
		s.Fault(fmt.Errorf("container exited with code %d", exitCode))
	}
}

// Session returns the session for a server.
func (m *Manager) Session(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Sessions returns the sessions in configuration order.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.order))
	for _, id := range m.order {
		if s, ok := m.sessions[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Servers returns the API view of every session in configuration order.
func (m *Manager) Servers() []api.ServerInfo {
	sessions := m.Sessions()
	out := make([]api.ServerInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	return out
}

// Tools returns the merged tool catalog of all ready sessions.
func (m *Manager) Tools() []api.ToolInfo {
	return m.reg.Tools()
}

// Resources returns the cached resource catalog of one server.
func (m *Manager) Resources(_ context.Context, server string) ([]api.ResourceInfo, error) {
	s, ok := m.Session(server)
	if !ok {
		return nil, api.NewNotFoundError("mcp server " + server + " not found")
	}
	return s.ListResources(), nil
}

// Prompts returns the cached prompt catalog of one server.
func (m *Manager) Prompts(_ context.Context, server string) ([]api.PromptInfo, error) {
	s, ok := m.Session(server)
	if !ok {
		return nil, api.NewNotFoundError("mcp server " + server + " not found")
	}
	return s.ListPrompts(), nil
}

// Ready reports whether no session is still making its first connection.
func (m *Manager) Ready() bool {
	for _, s := range m.Sessions() {
		if s.State() == StateConnecting {
			return false
		}
	}
	return true
}

// WaitReady blocks until Ready reports true or ctx is done.
func (m *Manager) WaitReady(ctx context.Context) error {
	for !m.Ready() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return nil
}

// Shutdown closes every session and stops their containers. In-flight
// calls are not waited for.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	m.cancel()

	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range all {
		g.Go(func() error {
			err := s.Close(gctx)
			m.stopContainer(s)
			return err
		})
	}
	return g.Wait()
}
