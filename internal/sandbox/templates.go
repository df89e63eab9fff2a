package sandbox

import (
	"fmt"
	"strings"
	"time"

	"github.com/docker/go-connections/nat"
)

// Template is a named base configuration for a sandbox. container.create
// merges per-request overrides on top of one.
type Template struct {
	Image       string
	WorkingDir  string
	Env         []string
	Ports       nat.PortSet
	MaxDuration time.Duration
}

var templates = map[string]Template{
	"default": {
		Image:       "alpine:3.20",
		WorkingDir:  "/workspace",
		MaxDuration: 30 * time.Minute,
	},
	"node": {
		Image:       "node:20-alpine",
		WorkingDir:  "/workspace",
		Env:         []string{"NODE_ENV=development"},
		Ports:       nat.PortSet{"3000/tcp": struct{}{}},
		MaxDuration: 30 * time.Minute,
	},
	"python": {
		Image:       "python:3.12-slim",
		WorkingDir:  "/workspace",
		Env:         []string{"PYTHONUNBUFFERED=1"},
		Ports:       nat.PortSet{"8000/tcp": struct{}{}},
		MaxDuration: 30 * time.Minute,
	},
}

// Overrides are the per-request knobs layered over a template.
type Overrides struct {
	Image       string
	Cmd         []string
	WorkingDir  string
	Env         []string
	MaxDuration time.Duration
}

// resolveTemplate merges overrides over the named template. Override env
// entries are appended after the template's and the combined set is
// scrubbed.
func resolveTemplate(name string, ov Overrides) (Template, []string, error) {
	tpl, ok := templates[name]
	if !ok {
		return Template{}, nil, fmt.Errorf("unknown sandbox template %q", name)
	}

	if ov.Image != "" {
		tpl.Image = ov.Image
	}
	if ov.WorkingDir != "" {
		tpl.WorkingDir = ov.WorkingDir
	}
	if ov.MaxDuration > 0 {
		tpl.MaxDuration = ov.MaxDuration
	}

	env := scrubEnv(append(append([]string{}, tpl.Env...), ov.Env...))
	return tpl, env, nil
}

// envBlocklist names variables that never reach a sandbox, wherever they
// came from: loader hijacks, runtime sockets, cloud credentials, and the
// kernel's own socket.
var envBlocklist = map[string]bool{
	"LD_PRELOAD":                     true,
	"LD_LIBRARY_PATH":                true,
	"DOCKER_HOST":                    true,
	"KUBECONFIG":                     true,
	"AWS_ACCESS_KEY_ID":              true,
	"AWS_SECRET_ACCESS_KEY":          true,
	"GOOGLE_APPLICATION_CREDENTIALS": true,
	"FLUFFY_KERNEL_SOCKET":           true,
}

// scrubEnv filters env entries through the blocklist, keeping order and
// dropping malformed entries.
func scrubEnv(env []string) []string {
	scrubbed := make([]string, 0, len(env))
	for _, entry := range env {
		key, _, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		if envBlocklist[key] {
			continue
		}
		scrubbed = append(scrubbed, entry)
	}
	return scrubbed
}
