// Package sandbox manages isolated execution sandboxes for the driven
// agent. The manager owns the lifecycle state machine per sandbox id and
// drives an external container runtime through the narrow Runtime adapter.
package sandbox

import (
	"context"
	"time"

	"github.com/docker/go-connections/nat"
)

// NamePrefix is reserved for kernel-managed sandboxes. Orphan reclamation
// only ever touches runtime containers carrying this prefix.
const NamePrefix = "fluffy-sbx-"

// CreateSpec is the full configuration handed to the runtime when a sandbox
// is created.
type CreateSpec struct {
	Name         string
	Image        string
	Cmd          []string
	WorkingDir   string
	Env          []string
	ExposedPorts nat.PortSet
	VolumeName   string
	Labels       map[string]string
}

// ExecOptions tune a single command run inside a sandbox.
type ExecOptions struct {
	Timeout time.Duration
	Stdin   string
}

// ExecResult is the captured outcome of a command run.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// LogStream is a lazy sequence of log lines. Next returns io.EOF when the
// stream ends; Close may be called early and must signal the underlying
// producer to stop.
type LogStream interface {
	Next() (string, error)
	Close() error
}

// Runtime is the adapter over the container runtime. Every operation
// reports failure by return; none of them panic.
type Runtime interface {
	Create(ctx context.Context, spec CreateSpec) error
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Kill(ctx context.Context, name string) error
	Remove(ctx context.Context, name string) error
	Inspect(ctx context.Context, name string) (string, error)
	Pause(ctx context.Context, name string) error
	Resume(ctx context.Context, name string) error
	Run(ctx context.Context, name string, cmd []string, opts ExecOptions) (ExecResult, error)
	Logs(ctx context.Context, name string, follow bool, tail int) (LogStream, error)
	CreateVolume(ctx context.Context, name string) error
	RemoveVolume(ctx context.Context, name string) error
	List(ctx context.Context, namePrefix string) ([]string, error)
	Ping(ctx context.Context) error
}
