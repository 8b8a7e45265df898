package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rhuss/mcpbridge/pkg/config"
	"github.com/rhuss/mcpbridge/pkg/containers"
	"github.com/rhuss/mcpbridge/pkg/debug"
	"github.com/rhuss/mcpbridge/pkg/engine"
	"github.com/rhuss/mcpbridge/pkg/provider/openaicompat"
	"github.com/rhuss/mcpbridge/pkg/session"
	"github.com/rhuss/mcpbridge/pkg/storage/memory"
	"github.com/rhuss/mcpbridge/pkg/storage/postgres"
	"github.com/rhuss/mcpbridge/pkg/tools/mcp"
	"github.com/rhuss/mcpbridge/pkg/tools/registry"
	"github.com/rhuss/mcpbridge/pkg/transport"
	transporthttp "github.com/rhuss/mcpbridge/pkg/transport/http"
)

const dockerPingTimeout = 5 * time.Second

// containerRuntime is a container runtime that can be health checked.
type containerRuntime interface {
	containers.Runtime
	Ping(ctx context.Context) error
}

// newRuntime connects to the container engine. Tests replace it.
var newRuntime = func(host string) (containerRuntime, error) {
	return containers.NewDockerRuntime(host)
}

// serve runs the gateway until ctx is cancelled or SIGINT/SIGTERM arrives.
// SIGHUP and changes to the configuration files reload the MCP server set.
func serve(parent context.Context, f *flags) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(f.loadOptions())
	cfg, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	debug.Init(cfg.Logging.Debug, cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("starting mcpbridge",
		"version", Version,
		"port", cfg.Server.Port,
		"upstream", cfg.Upstream.BaseURL,
		"storage", cfg.Storage.Type,
		"mcp_servers", cfg.Descriptors().Len(),
	)

	prov, err := openaicompat.New(cfg.Upstream)
	if err != nil {
		return fmt.Errorf("creating upstream client: %w", err)
	}
	defer prov.Close()

	store, err := newStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	reg := registry.New(cfg.Registry.Separator)

	var sessionOpts []session.Option
	cm, closeRuntime := setupContainers(ctx, cfg)
	if closeRuntime != nil {
		defer closeRuntime()
	}
	if cm != nil {
		sessionOpts = append(sessionOpts, session.WithContainers(cm))
	}
	if cfg.Sampling.Enabled {
		sampler := engine.NewSampler(prov, cfg.Sampling, cfg.Upstream.DefaultModel)
		sessionOpts = append(sessionOpts, session.WithSampling(sampler.CreateMessage))
	}

	mgr := session.NewManager(cfg.Sessions, reg, sessionOpts...)
	if cm != nil {
		cm.OnExit(mgr.ContainerExited)
	}
	// Registered before any session starts so every return path removes
	// the containers this process created.
	defer stopBackends(mgr, cm, cfg.Server.ShutdownTimeout)

	if err := mgr.Apply(ctx, cfg.Descriptors()); err != nil {
		return fmt.Errorf("starting mcp sessions: %w", err)
	}

	eng, err := engine.New(prov, reg, mcp.NewExecutor(reg, cfg.Engine.ToolConcurrency), store, engine.ConfigFrom(*cfg))
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}

	metricsPath := ""
	if cfg.Observability.Metrics.Enabled {
		metricsPath = cfg.Observability.Metrics.Path
	}
	srv := transporthttp.NewServer(eng,
		transporthttp.Deps{Store: store, Runs: eng, Catalog: mgr, Models: prov},
		transporthttp.WithAddr(fmt.Sprintf(":%d", cfg.Server.Port)),
		transporthttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout),
		transporthttp.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
		transporthttp.WithMetricsPath(metricsPath),
		transporthttp.WithCORS(cfg.Server.CORS.AllowedOrigins, cfg.Server.CORS.AllowCredentials),
	)

	reload := func(reason string) {
		next, err := loader.Load(ctx)
		if err != nil {
			slog.Error("configuration reload failed, keeping current servers", "reason", reason, "error", err)
			return
		}
		slog.Info("reloading mcp servers", "reason", reason, "mcp_servers", next.Descriptors().Len())
		if err := mgr.Apply(ctx, next.Descriptors()); err != nil {
			slog.Error("applying reloaded configuration", "error", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	if cm != nil {
		g.Go(func() error {
			cm.Monitor(gctx)
			return nil
		})
	}
	if files := loader.Files(); len(files) > 0 {
		w, err := config.NewWatcher(files, func() { reload("file change") })
		if err != nil {
			slog.Warn("configuration watcher unavailable", "error", err)
		} else {
			g.Go(func() error {
				w.Run(gctx)
				return nil
			})
		}
	}
	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				reload("SIGHUP")
			}
		}
	})

	return g.Wait()
}

// stopBackends closes every MCP session, then stops the containers owned
// by this process.
func stopBackends(mgr *session.Manager, cm *containers.Manager, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := mgr.Shutdown(ctx); err != nil {
		slog.Warn("closing mcp sessions", "error", err)
	}
	if cm != nil {
		if err := cm.Shutdown(ctx); err != nil {
			slog.Warn("stopping containers", "error", err)
		}
	}
	slog.Info("mcpbridge stopped")
}

// setupContainers connects to the container runtime. A gateway without a
// reachable runtime still serves process and remote servers; managed
// container servers then fail to connect.
func setupContainers(ctx context.Context, cfg *config.Config) (*containers.Manager, func()) {
	rt, err := newRuntime(cfg.Containers.Host)
	if err != nil {
		slog.Warn("container runtime unavailable", "error", err)
		return nil, nil
	}

	pingCtx, cancel := context.WithTimeout(ctx, dockerPingTimeout)
	defer cancel()
	if err := rt.Ping(pingCtx); err != nil {
		slog.Warn("container runtime not reachable, docker servers disabled", "error", err)
		rt.Close()
		return nil, nil
	}

	cm := containers.NewManager(rt, cfg.Containers)
	if cfg.Containers.SweepOrphans {
		n, err := cm.SweepOrphans(ctx)
		if err != nil {
			slog.Warn("sweeping orphaned containers", "error", err)
		} else if n > 0 {
			slog.Info("removed orphaned containers", "count", n)
		}
	}
	return cm, func() { rt.Close() }
}

// newStore builds the run store. It returns a nil interface for "none".
func newStore(ctx context.Context, cfg config.StorageConfig) (transport.RunStore, error) {
	switch cfg.Type {
	case "", "memory":
		return memory.New(cfg.MaxSize), nil
	case "postgres":
		s, err := postgres.New(ctx, postgres.ConfigFrom(cfg.Postgres))
		if err != nil {
			return nil, fmt.Errorf("opening postgres store: %w", err)
		}
		return s, nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}
