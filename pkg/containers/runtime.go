package containers

import (
	"context"
	"io"
	"time"
)

// Labels applied to every container the gateway creates.
const (
	LabelManaged  = "io.mcpbridge.managed"
	LabelInstance = "io.mcpbridge.instance"
	LabelServer   = "io.mcpbridge.server"

	// Owner process of the container, used to tell orphans from containers
	// of a gateway that is still running.
	LabelHost    = "io.mcpbridge.host"
	LabelPID     = "io.mcpbridge.pid"
	LabelStarted = "io.mcpbridge.started"
)

// Spec describes a container to create.
type Spec struct {
	Name       string
	Image      string
	Entrypoint []string
	Cmd        []string
	Env        []string
	WorkDir    string
	Mounts     []string
	Network    string
	Labels     map[string]string
}

// State is the observed state of a container.
type State struct {
	Running  bool
	ExitCode int
}

// Container is a container found by ListContainers.
type Container struct {
	ID     string
	Name   string
	Labels map[string]string
}

// Stdio holds the attached standard streams of a container. Stdout carries
// the demultiplexed standard output only.
type Stdio struct {
	Stdout io.ReadCloser
	Stdin  io.WriteCloser
}

// Close closes both streams.
func (s *Stdio) Close() error {
	werr := s.Stdin.Close()
	rerr := s.Stdout.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// Runtime is the container engine surface the Manager depends on.
// Implementations must be safe for concurrent use.
type Runtime interface {
	ImageExists(ctx context.Context, ref string) (bool, error)
	PullImage(ctx context.Context, ref string) error
	CreateContainer(ctx context.Context, spec Spec) (string, error)
	AttachContainer(ctx context.Context, id string) (*Stdio, error)
	StartContainer(ctx context.Context, id string) error
	InspectContainer(ctx context.Context, id string) (State, error)
	StopContainer(ctx context.Context, id string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, id string) error
	ListContainers(ctx context.Context, labels map[string]string) ([]Container, error)
	Close() error
}
