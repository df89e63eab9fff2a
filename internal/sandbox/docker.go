package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerRuntime implements Runtime over the Docker SDK.
type DockerRuntime struct {
	client *client.Client
	logger *log.Logger
}

// NewDockerRuntime wraps an existing Docker client.
func NewDockerRuntime(dockerClient *client.Client, logger *log.Logger) *DockerRuntime {
	return &DockerRuntime{client: dockerClient, logger: logger}
}

// Create creates the sandbox container with the output volume mounted at
// /output. The container is created stopped; Start brings it up.
func (d *DockerRuntime) Create(ctx context.Context, spec CreateSpec) error {
	cmd := spec.Cmd
	if len(cmd) == 0 {
		// Keep the sandbox alive for exec until it is destroyed.
		cmd = []string{"sleep", "infinity"}
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Cmd:          cmd,
		WorkingDir:   spec.WorkingDir,
		Env:          spec.Env,
		ExposedPorts: spec.ExposedPorts,
		Labels:       spec.Labels,
	}
	hostCfg := &container.HostConfig{}
	if spec.VolumeName != "" {
		hostCfg.Binds = []string{spec.VolumeName + ":/output"}
	}

	if _, err := d.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name); err != nil {
		return fmt.Errorf("create container: %w", err)
	}
	return nil
}

func (d *DockerRuntime) Start(ctx context.Context, name string) error {
	if err := d.client.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container: %w", err)
	}
	return nil
}

func (d *DockerRuntime) Stop(ctx context.Context, name string) error {
	if err := d.client.ContainerStop(ctx, name, container.StopOptions{}); err != nil {
		return fmt.Errorf("stop container: %w", err)
	}
	return nil
}

func (d *DockerRuntime) Kill(ctx context.Context, name string) error {
	if err := d.client.ContainerKill(ctx, name, "SIGKILL"); err != nil {
		return fmt.Errorf("kill container: %w", err)
	}
	return nil
}

func (d *DockerRuntime) Remove(ctx context.Context, name string) error {
	if err := d.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

func (d *DockerRuntime) Inspect(ctx context.Context, name string) (string, error) {
	info, err := d.client.ContainerInspect(ctx, name)
	if err != nil {
		return "", fmt.Errorf("inspect container: %w", err)
	}
	return info.State.Status, nil
}

func (d *DockerRuntime) Pause(ctx context.Context, name string) error {
	if err := d.client.ContainerPause(ctx, name); err != nil {
		return fmt.Errorf("pause container: %w", err)
	}
	return nil
}

func (d *DockerRuntime) Resume(ctx context.Context, name string) error {
	if err := d.client.ContainerUnpause(ctx, name); err != nil {
		return fmt.Errorf("resume container: %w", err)
	}
	return nil
}

// Run execs a command inside the container and captures the demultiplexed
// output.
func (d *DockerRuntime) Run(ctx context.Context, name string, cmd []string, opts ExecOptions) (ExecResult, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	execCfg := container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  opts.Stdin != "",
	}
	execID, err := d.client.ContainerExecCreate(ctx, name, execCfg)
	if err != nil {
		return ExecResult{}, fmt.Errorf("create exec: %w", err)
	}

	resp, err := d.client.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("attach exec: %w", err)
	}
	defer resp.Close()

	if opts.Stdin != "" {
		if _, err := resp.Conn.Write([]byte(opts.Stdin)); err != nil {
			return ExecResult{}, fmt.Errorf("write stdin: %w", err)
		}
		resp.CloseWrite()
	}

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, resp.Reader)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil && err != io.EOF {
			return ExecResult{}, fmt.Errorf("read exec output: %w", err)
		}
	case <-ctx.Done():
		return ExecResult{}, ctx.Err()
	}

	inspect, err := d.client.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("inspect exec: %w", err)
	}

	return ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

// Logs streams container log lines. Closing the returned stream cancels
// the underlying log request, which terminates the producer.
func (d *DockerRuntime) Logs(ctx context.Context, name string, follow bool, tail int) (LogStream, error) {
	logCtx, cancel := context.WithCancel(ctx)

	opts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     follow,
	}
	if tail > 0 {
		opts.Tail = strconv.Itoa(tail)
	}

	reader, err := d.client.ContainerLogs(logCtx, name, opts)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("container logs: %w", err)
	}

	// Demultiplex the docker stream into plain lines.
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, reader)
		pw.CloseWithError(err)
	}()

	return &dockerLogStream{
		scanner: bufio.NewScanner(pr),
		reader:  reader,
		pipe:    pr,
		cancel:  cancel,
	}, nil
}

type dockerLogStream struct {
	scanner *bufio.Scanner
	reader  io.ReadCloser
	pipe    *io.PipeReader
	cancel  context.CancelFunc
}

func (s *dockerLogStream) Next() (string, error) {
	if s.scanner.Scan() {
		return s.scanner.Text(), nil
	}
	if err := s.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

func (s *dockerLogStream) Close() error {
	s.cancel()
	s.pipe.Close()
	return s.reader.Close()
}

// CreateVolume allocates the sandbox's output volume.
func (d *DockerRuntime) CreateVolume(ctx context.Context, name string) error {
	if _, err := d.client.VolumeCreate(ctx, volume.CreateOptions{Name: name}); err != nil {
		return fmt.Errorf("create volume: %w", err)
	}
	return nil
}

func (d *DockerRuntime) RemoveVolume(ctx context.Context, name string) error {
	if err := d.client.VolumeRemove(ctx, name, true); err != nil {
		return fmt.Errorf("remove volume: %w", err)
	}
	return nil
}

// List returns the names of runtime containers whose name carries the
// given prefix, running or not.
func (d *DockerRuntime) List(ctx context.Context, namePrefix string) ([]string, error) {
	summaries, err := d.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", namePrefix)),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	var names []string
	for _, s := range summaries {
		for _, n := range s.Names {
			n = strings.TrimPrefix(n, "/")
			if strings.HasPrefix(n, namePrefix) {
				names = append(names, n)
				break
			}
		}
	}
	return names, nil
}

func (d *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := d.client.Ping(ctx); err != nil {
		return fmt.Errorf("ping runtime: %w", err)
	}
	return nil
}
