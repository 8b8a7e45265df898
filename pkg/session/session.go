package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/rhuss/mcpbridge/pkg/api"
	"github.com/rhuss/mcpbridge/pkg/config"
	"github.com/rhuss/mcpbridge/pkg/containers"
	"github.com/rhuss/mcpbridge/pkg/debug"
	"github.com/rhuss/mcpbridge/pkg/observability"
	"github.com/rhuss/mcpbridge/pkg/tools"
	mcptools "github.com/rhuss/mcpbridge/pkg/tools/mcp"
)

// SamplingFunc answers a server's sampling/createMessage request.
type SamplingFunc func(ctx context.Context, serverID string, params *mcp.CreateMessageParams) (*mcp.CreateMessageResult, error)

// Listener is called after every state change and catalog refresh. It
// reads the session's current state rather than receiving an event, so
// calls may be coalesced or observed late without harm.
type Listener func(s *Session)

type fault struct {
	gen int
	err error
}

// Session is the connection to one MCP server.
type Session struct {
	desc   config.ServerDescriptor
	dialer mcptools.Dialer
	cfg    config.SessionsConfig
	client *mcp.Client
	notify Listener

	ctx       context.Context
	cancel    context.CancelFunc
	faults    chan fault
	done      chan struct{}
	closeOnce sync.Once

	mu           sync.RWMutex
	state        State
	cs           *mcp.ClientSession
	gen          int
	tools        []tools.Definition
	resources    []api.ResourceInfo
	prompts      []api.PromptInfo
	lastActivity time.Time
	lastErr      error
	draining     bool

	// inflight counts calls holding the connection. Add only happens
	// under mu while not draining.
	inflight sync.WaitGroup
}

func newSession(parent context.Context, d config.ServerDescriptor, dialer mcptools.Dialer, cfg config.SessionsConfig, sampling SamplingFunc, notify Listener) *Session {
	s := &Session{
		desc:   d,
		dialer: dialer,
		cfg:    cfg,
		notify: notify,
		faults: make(chan fault, 4),
		done:   make(chan struct{}),
		state:  StateConnecting,
	}
	s.ctx, s.cancel = context.WithCancel(parent)

	opts := &mcp.ClientOptions{
		ToolListChangedHandler: func(context.Context, *mcp.ToolListChangedRequest) {
			// The handler runs on the connection's read loop; listing
			// from here would wait on itself.
			go s.refreshTools()
		},
	}
	if sampling != nil {
		opts.CreateMessageHandler = func(ctx context.Context, req *mcp.CreateMessageRequest) (*mcp.CreateMessageResult, error) {
			s.touch()
			debug.Log("sessions", "sampling request", "server", d.ID, "messages", len(req.Params.Messages))
			return sampling(ctx, d.ID, req.Params)
		}
	}
	s.client = mcp.NewClient(mcptools.Implementation, opts)
	return s
}

// start launches the connection supervisor.
func (s *Session) start() {
	observability.SetSessionState(s.desc.ID, string(StateConnecting), AllStates)
	go s.run()
}

// ID returns the server id.
func (s *Session) ID() string { return s.desc.ID }

// Descriptor returns the descriptor the session was created from.
func (s *Session) Descriptor() config.ServerDescriptor { return s.desc }

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Draining reports whether the session stopped accepting new calls.
func (s *Session) Draining() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.draining
}

// ListTools returns the cached, filtered tool catalog.
func (s *Session) ListTools() []tools.Definition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.tools)
}

// ListResources returns the cached resource catalog.
func (s *Session) ListResources() []api.ResourceInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.resources)
}

// ListPrompts returns the cached prompt catalog.
func (s *Session) ListPrompts() []api.PromptInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.prompts)
}

// Info returns the API view of the session.
func (s *Session) Info() api.ServerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info := api.ServerInfo{
		Name:      s.desc.ID,
		Transport: s.desc.Transport,
		State:     string(s.state),
		Tools:     len(s.tools),
	}
	if !s.lastActivity.IsZero() {
		info.LastActivity = s.lastActivity.Unix()
	}
	if s.lastErr != nil {
		info.LastError = s.lastErr.Error()
	}
	return info
}

// Done is closed once the session has closed and its supervisor exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// CallTool runs a tool on the server. call.Name is the tool's name on the
// server. Tool-level failures are returned as error results; connection
// problems and timeouts are returned as classified errors.
func (s *Session) CallTool(ctx context.Context, call tools.ToolCall) (*tools.ToolResult, error) {
	cs, err := s.acquire(api.OpToolCall)
	if err != nil {
		return nil, err
	}
	defer s.inflight.Done()

	params, err := mcptools.CallParams(call.Name, call.Arguments)
	if err != nil {
		return &tools.ToolResult{CallID: call.ID, Output: err.Error(), IsError: true, Server: s.desc.ID}, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	debug.Log("sessions", "calling tool", "server", s.desc.ID, "tool", call.Name, "call_id", call.ID)
	result, err := cs.CallTool(callCtx, params)
	s.touch()
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, api.E(api.KindCanceled, api.OpToolCall, ctx.Err())
		case errors.Is(callCtx.Err(), context.DeadlineExceeded):
			return nil, api.TimeoutError(api.KindToolExecution, api.OpToolCall,
				fmt.Errorf("%s on %s after %s", call.Name, s.desc.ID, s.cfg.CallTimeout))
		default:
			return nil, api.E(api.KindTransport, api.OpToolCall, fmt.Errorf("%s on %s: %w", call.Name, s.desc.ID, err))
		}
	}

	out := mcptools.ConvertResult(call.ID, result)
	out.Server = s.desc.ID
	return out, nil
}

// ReadResource reads one resource from the server.
func (s *Session) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	cs, err := s.acquire("")
	if err != nil {
		return nil, err
	}
	defer s.inflight.Done()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	res, err := cs.ReadResource(ctx, &mcp.ReadResourceParams{URI: uri})
	s.touch()
	if err != nil {
		return nil, api.E(api.KindTransport, "", fmt.Errorf("reading %s from %s: %w", uri, s.desc.ID, err))
	}
	return res, nil
}

// GetPrompt renders one prompt template on the server.
func (s *Session) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	cs, err := s.acquire("")
	if err != nil {
		return nil, err
	}
	defer s.inflight.Done()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	res, err := cs.GetPrompt(ctx, &mcp.GetPromptParams{Name: name, Arguments: args})
	s.touch()
	if err != nil {
		return nil, api.E(api.KindTransport, "", fmt.Errorf("getting prompt %s from %s: %w", name, s.desc.ID, err))
	}
	return res, nil
}

// Ping checks that the server answers.
func (s *Session) Ping(ctx context.Context) error {
	cs, err := s.acquire("")
	if err != nil {
		return err
	}
	defer s.inflight.Done()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	if err := cs.Ping(ctx, nil); err != nil {
		return api.E(api.KindTransport, "", fmt.Errorf("ping %s: %w", s.desc.ID, err))
	}
	s.touch()
	return nil
}

// acquire returns the live connection and registers an in-flight call.
// The caller must call inflight.Done.
func (s *Session) acquire(op string) (*mcp.ClientSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return nil, api.E(api.KindTransport, op, fmt.Errorf("server %s is shutting down", s.desc.ID))
	}
	if s.state != StateReady || s.cs == nil {
		return nil, api.E(api.KindTransport, op, fmt.Errorf("server %s is %s", s.desc.ID, s.state))
	}
	s.inflight.Add(1)
	return s.cs, nil
}

// Fault reports a transport failure detected outside the connection, such
// as the exit of the server's container. A ready session degrades and
// reconnects.
func (s *Session) Fault(err error) {
	s.mu.RLock()
	gen := s.gen
	s.mu.RUnlock()
	s.fault(gen, err)
}

func (s *Session) fault(gen int, err error) {
	select {
	case s.faults <- fault{gen: gen, err: err}:
	default:
		debug.Log("sessions", "fault dropped, queue full", "server", s.desc.ID, "error", err)
	}
}

// Drain stops new calls, waits for in-flight ones until ctx is done, and
// closes the session.
func (s *Session) Drain(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
	s.notifyChange()

	idle := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(idle)
	}()

	var err error
	select {
	case <-idle:
	case <-ctx.Done():
		err = fmt.Errorf("draining %s: %w", s.desc.ID, ctx.Err())
		slog.Warn("drain timeout, closing with calls in flight", "server", s.desc.ID)
	}

	s.shutdown(nil)
	<-s.done
	return err
}

// Close closes the session immediately and waits for its supervisor to
// exit or ctx to be done.
func (s *Session) Close(ctx context.Context) error {
	s.shutdown(nil)
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run supervises the connection until the session closes.
func (s *Session) run() {
	defer close(s.done)

	if err := s.connect(); err != nil {
		s.shutdown(err)
		return
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		case f := <-s.faults:
			if !s.degrade(f) {
				continue
			}
			if err := s.connect(); err != nil {
				s.shutdown(err)
				return
			}
		}
	}
}

// degrade moves a ready session to degraded if the fault concerns the
// current connection.
func (s *Session) degrade(f fault) bool {
	s.mu.Lock()
	if f.gen != s.gen || s.state != StateReady {
		s.mu.Unlock()
		return false
	}
	if err := s.transition(StateDegraded); err != nil {
		s.mu.Unlock()
		return false
	}
	s.lastErr = f.err
	cs := s.cs
	s.cs = nil
	s.mu.Unlock()

	slog.Warn("MCP session degraded", "server", s.desc.ID, "error", f.err)
	if cs != nil {
		cs.Close()
	}
	s.notifyChange()
	return true
}

// connect dials until the session is ready or the reconnect budget is
// spent. Configuration errors and container runtime failures that cannot
// heal end it early.
func (s *Session) connect() error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.ReconnectInitialInterval
	b.MaxInterval = s.cfg.ReconnectMaxInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.cfg.MaxReconnects)), s.ctx)

	reconnecting := s.State() == StateDegraded
	attempt := 0
	op := func() error {
		attempt++
		err := s.dial()
		if reconnecting {
			outcome := "success"
			if err != nil {
				outcome = "failure"
			}
			observability.SessionReconnectsTotal.WithLabelValues(s.desc.ID, outcome).Inc()
		}
		if errors.Is(err, containers.ErrRestartLimit) || errors.Is(err, containers.ErrNoRuntime) ||
			api.KindOf(err) == api.KindConfig || (err != nil && s.ctx.Err() != nil) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		s.setErr(err)
		slog.Warn("MCP server connect failed, retrying",
			"server", s.desc.ID,
			"attempt", attempt,
			"retry_in", wait,
			"error", err,
		)
	}
	return backoff.RetryNotify(op, policy, notify)
}

// dial makes one connection attempt including discovery.
func (s *Session) dial() error {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ConnectTimeout)
	defer cancel()

	cs, err := s.dialer.Connect(ctx, s.client)
	if err != nil {
		if api.KindOf(err) != "" {
			return err
		}
		return api.E(api.KindTransport, "", fmt.Errorf("connecting to %s: %w", s.desc.ID, err))
	}

	cat, err := s.discover(ctx, cs)
	if err != nil {
		cs.Close()
		return api.E(api.KindTransport, "", fmt.Errorf("discovering %s: %w", s.desc.ID, err))
	}

	s.mu.Lock()
	if err := s.transition(StateReady); err != nil {
		s.mu.Unlock()
		cs.Close()
		return err
	}
	s.cs = cs
	s.gen++
	gen := s.gen
	s.tools = cat.tools
	s.resources = cat.resources
	s.prompts = cat.prompts
	s.lastErr = nil
	s.lastActivity = time.Now()
	s.mu.Unlock()

	go s.watch(cs, gen)

	slog.Info("MCP session ready",
		"server", s.desc.ID,
		"transport", s.desc.Transport,
		"tools", len(cat.tools),
		"resources", len(cat.resources),
		"prompts", len(cat.prompts),
	)
	s.notifyChange()
	return nil
}

// watch reports the end of a connection as a fault.
func (s *Session) watch(cs *mcp.ClientSession, gen int) {
	err := cs.Wait()
	if s.ctx.Err() != nil {
		return
	}
	if err == nil {
		err = errors.New("connection closed by server")
	}
	s.fault(gen, err)
}

type catalog struct {
	tools     []tools.Definition
	resources []api.ResourceInfo
	prompts   []api.PromptInfo
}

// discover lists tools, and resources and prompts when the server
// advertises them. Only tool listing failures are fatal.
func (s *Session) discover(ctx context.Context, cs *mcp.ClientSession) (catalog, error) {
	var cat catalog

	defs, err := listTools(ctx, cs)
	if err != nil {
		return cat, err
	}
	cat.tools = tools.FilterCatalog(defs, s.desc.IncludeTools, s.desc.ExcludeTools)

	var caps *mcp.ServerCapabilities
	if res := cs.InitializeResult(); res != nil {
		caps = res.Capabilities
	}
	if caps != nil && caps.Resources != nil {
		for r, err := range cs.Resources(ctx, nil) {
			if err != nil {
				slog.Warn("listing resources failed", "server", s.desc.ID, "error", err)
				break
			}
			cat.resources = append(cat.resources, mcptools.ConvertResource(r))
		}
	}
	if caps != nil && caps.Prompts != nil {
		for p, err := range cs.Prompts(ctx, nil) {
			if err != nil {
				slog.Warn("listing prompts failed", "server", s.desc.ID, "error", err)
				break
			}
			cat.prompts = append(cat.prompts, mcptools.ConvertPrompt(p))
		}
	}
	return cat, nil
}

func listTools(ctx context.Context, cs *mcp.ClientSession) ([]tools.Definition, error) {
	var defs []tools.Definition
	for tool, err := range cs.Tools(ctx, nil) {
		if err != nil {
			return nil, fmt.Errorf("listing tools: %w", err)
		}
		def, err := mcptools.ConvertTool(tool)
		if err != nil {
			return nil, fmt.Errorf("converting tool %q: %w", tool.Name, err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// refreshTools re-lists tools after a tools/list_changed notification.
func (s *Session) refreshTools() {
	cs, err := s.acquire("")
	if err != nil {
		return
	}
	defer s.inflight.Done()

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.CallTimeout)
	defer cancel()
	defs, err := listTools(ctx, cs)
	if err != nil {
		slog.Warn("refreshing tools failed", "server", s.desc.ID, "error", err)
		return
	}

	s.mu.Lock()
	if s.cs != cs {
		s.mu.Unlock()
		return
	}
	s.tools = tools.FilterCatalog(defs, s.desc.IncludeTools, s.desc.ExcludeTools)
	s.mu.Unlock()

	debug.Log("sessions", "tool list changed", "server", s.desc.ID, "tools", len(defs))
	s.notifyChange()
}

// shutdown moves the session to closed exactly once.
func (s *Session) shutdown(cause error) {
	s.closeOnce.Do(func() {
		s.cancel()

		s.mu.Lock()
		if cause != nil && !errors.Is(cause, context.Canceled) {
			s.lastErr = cause
		}
		if err := s.transition(StateClosed); err != nil {
			slog.Error("closing session", "server", s.desc.ID, "error", err)
		}
		cs := s.cs
		s.cs = nil
		s.mu.Unlock()

		if cs != nil {
			cs.Close()
		}
		if cause != nil && !errors.Is(cause, context.Canceled) {
			slog.Error("MCP session closed", "server", s.desc.ID, "error", cause)
		} else {
			slog.Info("MCP session closed", "server", s.desc.ID)
		}
		s.notifyChange()
	})
}

// transition changes state if allowed. Callers hold mu.
func (s *Session) transition(to State) error {
	if err := ValidateTransition(s.state, to); err != nil {
		return err
	}
	debug.Log("sessions", "state change", "server", s.desc.ID, "from", s.state, "to", to)
	s.state = to
	observability.SetSessionState(s.desc.ID, string(to), AllStates)
	return nil
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) notifyChange() {
	if s.notify != nil {
		s.notify(s)
	}
}
