package containers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rhuss/mcpbridge/pkg/api"
	"github.com/rhuss/mcpbridge/pkg/config"
	"github.com/rhuss/mcpbridge/pkg/debug"
	"github.com/rhuss/mcpbridge/pkg/observability"
)

// ErrRestartLimit is returned by Restart once a server has used up its
// restart budget.
var ErrRestartLimit = errors.New("container restart limit reached")

// ErrNoRuntime is returned when a managed container is requested but the
// gateway has no reachable container runtime.
var ErrNoRuntime = errors.New("no container runtime available")

// ExitFunc is called when a managed container stops unexpectedly.
type ExitFunc func(serverID string, exitCode int)

// Handle is a live container bound to one server descriptor. The Stdio
// streams are valid until the next Restart or Stop for the same server.
type Handle struct {
	ServerID    string
	ContainerID string
	Name        string
	Stdio       *Stdio
	StartedAt   time.Time

	desc     config.ServerDescriptor
	restarts int
	backoff  *backoff.ExponentialBackOff
	exited   bool
}

// Restarts returns how many times the container had been restarted when
// the handle was created.
func (h *Handle) Restarts() int { return h.restarts }

// Manager starts, monitors and stops the containers backing
// managed-container servers.
type Manager struct {
	rt       Runtime
	cfg      config.ContainersConfig
	instance string
	owner    Owner
	alive    AliveFunc

	// pullInterval is the initial delay between image pull attempts.
	pullInterval time.Duration

	mu      sync.Mutex
	handles map[string]*Handle
	onExit  ExitFunc
	seq     int
}

// NewManager creates a Manager with a fresh process instance identity.
func NewManager(rt Runtime, cfg config.ContainersConfig) *Manager {
	return &Manager{
		rt:       rt,
		cfg:      cfg,
		instance: uuid.NewString(),
		owner:    currentOwner(),
		alive:    processAlive,

		pullInterval: time.Second,
		handles:      make(map[string]*Handle),
	}
}

// Instance returns the identity stamped on every container this Manager
// creates.
func (m *Manager) Instance() string { return m.instance }

// OnExit registers the callback invoked by the liveness monitor.
func (m *Manager) OnExit(fn ExitFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExit = fn
}

// EnsureImage pulls the image unless it is already present. Each pull
// attempt is bounded by the pull timeout and failed attempts are retried
// with exponential backoff.
func (m *Manager) EnsureImage(ctx context.Context, ref string) error {
	ok, err := m.rt.ImageExists(ctx, ref)
	if err != nil {
		slog.Warn("image inspect failed, pulling", "image", ref, "error", err)
	}
	if ok {
		return nil
	}

	slog.Info("pulling image", "image", ref)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.pullInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(m.cfg.PullRetries, 0))), ctx)

	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		pullCtx, cancel := context.WithTimeout(ctx, m.cfg.PullTimeout)
		defer cancel()
		if err := m.rt.PullImage(pullCtx, ref); err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			debug.Log("containers", "pull attempt failed", "image", ref, "attempt", attempt, "error", err)
			return err
		}
		return nil
	}, policy)
	if err != nil {
		return api.E(api.KindContainer, api.OpContainerStart, fmt.Errorf("pulling image %q after %d attempts: %w", ref, attempt, err))
	}
	return nil
}

// Start ensures the image, then creates, attaches and starts a container
// for the descriptor. The whole sequence is bounded by the start timeout.
func (m *Manager) Start(ctx context.Context, d config.ServerDescriptor) (*Handle, error) {
	if d.Kind != config.KindManagedContainer {
		return nil, fmt.Errorf("server %q is not a managed container", d.ID)
	}

	m.mu.Lock()
	prev, ok := m.handles[d.ID]
	live := ok && !prev.exited
	m.mu.Unlock()
	if live {
		return prev, nil
	}
	if ok {
		m.teardown(ctx, prev)
	}

	if err := m.EnsureImage(ctx, d.Image); err != nil {
		return nil, err
	}

	h, err := m.launch(ctx, d)
	if err != nil {
		return nil, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.RestartInitialInterval
	b.MaxElapsedTime = 0
	b.Reset()
	h.backoff = b

	m.mu.Lock()
	m.handles[d.ID] = h
	m.mu.Unlock()
	observability.ContainersRunning.Inc()
	return h, nil
}

// Restart replaces the container for serverID after an exponential backoff
// delay. It fails with a container error once the restart budget is spent.
func (m *Manager) Restart(ctx context.Context, serverID string) (*Handle, error) {
	m.mu.Lock()
	old, ok := m.handles[serverID]
	if !ok {
		m.mu.Unlock()
		return nil, api.E(api.KindContainer, api.OpContainerStart, fmt.Errorf("no container for server %q", serverID))
	}
	restarts := old.restarts
	if restarts >= m.cfg.MaxRestarts {
		m.mu.Unlock()
		return nil, api.E(api.KindContainer, api.OpContainerStart,
			fmt.Errorf("%w: server %q restarted %d times", ErrRestartLimit, serverID, m.cfg.MaxRestarts))
	}
	b := old.backoff
	delay := b.NextBackOff()
	m.mu.Unlock()

	slog.Info("restarting container", "server", serverID, "attempt", restarts+1, "delay", delay)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(delay):
	}

	m.teardown(ctx, old)

	h, err := m.launch(ctx, old.desc)
	if err != nil {
		// Keep a record of the old container so the budget still counts
		// this attempt. Handles given out before stay unchanged.
		m.mu.Lock()
		failed := *old
		failed.restarts++
		failed.exited = true
		if m.handles[serverID] == old {
			m.handles[serverID] = &failed
		}
		m.mu.Unlock()
		return nil, err
	}
	m.mu.Lock()
	h.restarts = old.restarts + 1
	h.backoff = b
	m.handles[serverID] = h
	m.mu.Unlock()
	observability.ContainersRunning.Inc()
	observability.ContainerRestartsTotal.WithLabelValues(serverID).Inc()
	return h, nil
}

// launch creates, attaches and starts one container.
func (m *Manager) launch(ctx context.Context, d config.ServerDescriptor) (*Handle, error) {
	startCtx, cancel := context.WithTimeout(ctx, m.cfg.StartTimeout)
	defer cancel()

	spec := m.specFor(d)
	id, err := m.rt.CreateContainer(startCtx, spec)
	if err != nil {
		return nil, m.startError(startCtx, d.ID, "creating container", err)
	}

	// Attach before start so no early output is lost.
	stdio, err := m.rt.AttachContainer(startCtx, id)
	if err != nil {
		m.removeQuietly(id)
		return nil, m.startError(startCtx, d.ID, "attaching container", err)
	}
	if err := m.rt.StartContainer(startCtx, id); err != nil {
		stdio.Close()
		m.removeQuietly(id)
		return nil, m.startError(startCtx, d.ID, "starting container", err)
	}

	slog.Info("container started", "server", d.ID, "container", shortID(id), "image", d.Image)
	return &Handle{
		ServerID:    d.ID,
		ContainerID: id,
		Name:        spec.Name,
		Stdio:       stdio,
		StartedAt:   time.Now(),
		desc:        d,
	}, nil
}

func (m *Manager) startError(ctx context.Context, serverID, what string, err error) error {
	err = fmt.Errorf("%s for server %q: %w", what, serverID, err)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return api.TimeoutError(api.KindContainer, api.OpContainerStart, err)
	}
	return api.E(api.KindContainer, api.OpContainerStart, err)
}

func (m *Manager) specFor(d config.ServerDescriptor) Spec {
	m.mu.Lock()
	m.seq++
	seq := m.seq
	m.mu.Unlock()

	spec := Spec{
		Name:    fmt.Sprintf("mcpbridge-%s-%s-%d", d.ID, m.instance[:8], seq),
		Image:   d.Image,
		Cmd:     d.Args,
		WorkDir: d.WorkDir,
		Mounts:  d.Mounts,
		Network: d.Network,
		Labels:  m.owner.labels(),
	}
	spec.Labels[LabelManaged] = "true"
	spec.Labels[LabelInstance] = m.instance
	spec.Labels[LabelServer] = d.ID
	if d.Command != "" {
		spec.Entrypoint = []string{d.Command}
	}

	keys := make([]string, 0, len(d.Env))
	for k := range d.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		spec.Env = append(spec.Env, k+"="+d.Env[k])
	}
	return spec
}

// Monitor polls every live container at the liveness interval until ctx
// is done. A container found stopped is marked exited and reported once.
func (m *Manager) Monitor(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.LivenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkLiveness(ctx)
		}
	}
}

func (m *Manager) checkLiveness(ctx context.Context) {
	m.mu.Lock()
	live := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		if !h.exited {
			live = append(live, h)
		}
	}
	m.mu.Unlock()

	for _, h := range live {
		st, err := m.rt.InspectContainer(ctx, h.ContainerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			debug.Log("containers", "inspect failed", "server", h.ServerID, "error", err)
			st = State{Running: false, ExitCode: -1}
		}
		if st.Running {
			continue
		}

		m.mu.Lock()
		if cur := m.handles[h.ServerID]; cur != h || h.exited {
			m.mu.Unlock()
			continue
		}
		h.exited = true
		fn := m.onExit
		m.mu.Unlock()

		observability.ContainersRunning.Dec()
		slog.Warn("container exited unexpectedly", "server", h.ServerID, "container", shortID(h.ContainerID), "exit_code", exitCodeString(st.ExitCode))
		if fn != nil {
			fn(h.ServerID, st.ExitCode)
		}
	}
}

// Stop stops and removes the container for serverID.
func (m *Manager) Stop(ctx context.Context, serverID string) error {
	m.mu.Lock()
	h, ok := m.handles[serverID]
	delete(m.handles, serverID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return m.teardown(ctx, h)
}

func (m *Manager) teardown(ctx context.Context, h *Handle) error {
	m.mu.Lock()
	wasLive := !h.exited
	h.exited = true
	m.mu.Unlock()
	if wasLive {
		observability.ContainersRunning.Dec()
	}

	if h.Stdio != nil {
		h.Stdio.Close()
	}
	if err := m.rt.StopContainer(ctx, h.ContainerID, m.cfg.StopTimeout); err != nil {
		debug.Log("containers", "stop failed, forcing removal", "server", h.ServerID, "error", err)
	}
	if err := m.rt.RemoveContainer(ctx, h.ContainerID); err != nil {
		return fmt.Errorf("removing container for server %q: %w", h.ServerID, err)
	}
	slog.Info("container removed", "server", h.ServerID, "container", shortID(h.ContainerID))
	return nil
}

// Shutdown stops every container this Manager owns, then removes any
// remaining container labelled with its instance identity.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.handles))
	for id, h := range m.handles {
		handles = append(handles, h)
		delete(m.handles, id)
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, h := range handles {
		g.Go(func() error { return m.teardown(gctx, h) })
	}
	err := g.Wait()

	leftovers, lerr := m.rt.ListContainers(ctx, map[string]string{LabelInstance: m.instance})
	if lerr != nil {
		return errors.Join(err, fmt.Errorf("listing owned containers: %w", lerr))
	}
	for _, c := range leftovers {
		if rerr := m.rt.RemoveContainer(ctx, c.ID); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}
	return err
}

// SweepOrphans removes gateway-managed containers whose owning process is
// gone. Containers of another host, or without owner labels, are kept
// since their owner cannot be checked. It returns the number removed.
func (m *Manager) SweepOrphans(ctx context.Context) (int, error) {
	list, err := m.rt.ListContainers(ctx, map[string]string{LabelManaged: "true"})
	if err != nil {
		return 0, fmt.Errorf("listing managed containers: %w", err)
	}

	var errs []error
	removed := 0
	for _, c := range list {
		if c.Labels[LabelInstance] == m.instance || !m.orphaned(ctx, c) {
			continue
		}
		if err := m.rt.RemoveContainer(ctx, c.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
		slog.Info("removed orphaned container",
			"container", shortID(c.ID),
			"server", c.Labels[LabelServer],
			"instance", c.Labels[LabelInstance],
			"pid", c.Labels[LabelPID],
		)
	}
	return removed, errors.Join(errs...)
}

// orphaned reports whether the process that created c has provably exited.
func (m *Manager) orphaned(ctx context.Context, c Container) bool {
	o, ok := ownerFromLabels(c.Labels)
	switch {
	case !ok:
		debug.Log("containers", "keeping container without owner", "container", shortID(c.ID))
		return false
	case o.Host != m.owner.Host:
		debug.Log("containers", "keeping container of another host", "container", shortID(c.ID), "host", o.Host)
		return false
	case o == m.owner:
		return false
	}
	return !m.alive(ctx, o)
}

// Running returns the IDs of servers with a live container, sorted.
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, h := range m.handles {
		if !h.exited {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) removeQuietly(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StopTimeout+5*time.Second)
	defer cancel()
	if err := m.rt.RemoveContainer(ctx, id); err != nil {
		slog.Warn("failed to remove container", "container", shortID(id), "error", err)
	}
}

// exitCodeString formats an exit code for log and error output.
func exitCodeString(code int) string {
	if code < 0 {
		return "unknown"
	}
	return strconv.Itoa(code)
}
