package containers

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/rhuss/mcpbridge/pkg/debug"
)

// DockerRuntime implements Runtime against the Docker Engine API.
type DockerRuntime struct {
	cli *client.Client
}

var _ Runtime = (*DockerRuntime)(nil)

// NewDockerRuntime connects to the Docker daemon. An empty host uses the
// DOCKER_HOST environment and the platform default socket.
func NewDockerRuntime(host string) (*DockerRuntime, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &DockerRuntime{cli: cli}, nil
}

// Ping checks that the daemon is reachable.
func (d *DockerRuntime) Ping(ctx context.Context) error {
	_, err := d.cli.Ping(ctx)
	return err
}

func (d *DockerRuntime) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, err := d.cli.ImageInspect(ctx, ref)
	if err == nil {
		return true, nil
	}
	if client.IsErrNotFound(err) {
		return false, nil
	}
	return false, err
}

func (d *DockerRuntime) PullImage(ctx context.Context, ref string) error {
	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()
	// The pull only completes once the progress stream is drained.
	_, err = io.Copy(io.Discard, rc)
	return err
}

func (d *DockerRuntime) CreateContainer(ctx context.Context, spec Spec) (string, error) {
	cfg := &container.Config{
		Image:        spec.Image,
		Entrypoint:   spec.Entrypoint,
		Cmd:          spec.Cmd,
		Env:          spec.Env,
		WorkingDir:   spec.WorkDir,
		Labels:       spec.Labels,
		OpenStdin:    true,
		StdinOnce:    false,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	}
	hostCfg := &container.HostConfig{
		Binds: spec.Mounts,
	}
	if spec.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(spec.Network)
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", err
	}
	for _, w := range resp.Warnings {
		slog.Warn("container create warning", "name", spec.Name, "warning", w)
	}
	return resp.ID, nil
}

// AttachContainer attaches to stdin, stdout and stderr. Stdout is
// demultiplexed into the returned reader; stderr lines are logged.
func (d *DockerRuntime) AttachContainer(ctx context.Context, id string) (*Stdio, error) {
	hijack, err := d.cli.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	stderr := debug.NewLineWriter("containers", "stderr", "container", shortID(id))
	go func() {
		_, err := stdcopy.StdCopy(pw, stderr, hijack.Reader)
		stderr.Flush()
		pw.CloseWithError(err)
	}()

	return &Stdio{
		Stdout: &attachedReader{pr: pr, hijack: &hijack},
		Stdin:  &attachedWriter{hijack: &hijack},
	}, nil
}

func (d *DockerRuntime) StartContainer(ctx context.Context, id string) error {
	return d.cli.ContainerStart(ctx, id, container.StartOptions{})
}

func (d *DockerRuntime) InspectContainer(ctx context.Context, id string) (State, error) {
	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return State{}, err
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return State{}, nil
	}
	return State{Running: info.State.Running, ExitCode: info.State.ExitCode}, nil
}

func (d *DockerRuntime) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	return d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs})
}

func (d *DockerRuntime) RemoveContainer(ctx context.Context, id string) error {
	err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if client.IsErrNotFound(err) {
		return nil
	}
	return err
}

func (d *DockerRuntime) ListContainers(ctx context.Context, labels map[string]string) ([]Container, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}
	list, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, err
	}
	out := make([]Container, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, Container{ID: c.ID, Name: name, Labels: c.Labels})
	}
	return out, nil
}

func (d *DockerRuntime) Close() error {
	return d.cli.Close()
}

// attachedReader reads demultiplexed stdout and tears down the attach
// connection when closed.
type attachedReader struct {
	pr     *io.PipeReader
	hijack *types.HijackedResponse
}

func (r *attachedReader) Read(p []byte) (int, error) { return r.pr.Read(p) }

func (r *attachedReader) Close() error {
	r.hijack.Close()
	return r.pr.Close()
}

// attachedWriter writes to the container's stdin. Close half-closes the
// connection so the server sees EOF.
type attachedWriter struct {
	hijack *types.HijackedResponse
}

func (w *attachedWriter) Write(p []byte) (int, error) { return w.hijack.Conn.Write(p) }

func (w *attachedWriter) Close() error {
	return w.hijack.CloseWrite()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
