package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Lifecycle states of a sandbox.
type State string

const (
	StateCreating  State = "creating"
	StateRunning   State = "running"
	StateStopping  State = "stopping"
	StateCleanup   State = "cleanup"
	StateFailed    State = "failed"
	StateDestroyed State = "destroyed"
)

// Errors surfaced by the manager.
var (
	ErrNotFound  = errors.New("sandbox not found")
	ErrLifecycle = errors.New("sandbox lifecycle violation")
)

// record is the manager-side bookkeeping per sandbox id.
type record struct {
	id     string
	state  State
	volume string
	timer  *time.Timer
}

// Manager tracks sandbox lifecycles over the runtime adapter. Each state
// transition is a critical section; timer-driven destroys race manual
// destroys and destroy is idempotent by design.
type Manager struct {
	rt     Runtime
	logger *log.Logger

	mu        sync.Mutex
	sandboxes map[string]*record
}

// NewManager builds a manager over the given runtime.
func NewManager(rt Runtime, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(os.Stdout, "[sandbox] ", log.LstdFlags|log.Lmsgprefix)
	}
	return &Manager{
		rt:        rt,
		logger:    logger,
		sandboxes: make(map[string]*record),
	}
}

// Create builds a sandbox from a template plus overrides and starts it. On
// any failure the sandbox moves to failed, cleanup runs best-effort, and
// the original error surfaces.
func (m *Manager) Create(ctx context.Context, template string, ov Overrides) (string, error) {
	tpl, env, err := resolveTemplate(template, ov)
	if err != nil {
		return "", err
	}

	id := NamePrefix + uuid.NewString()[:8]
	volume := "vol-" + id

	m.mu.Lock()
	m.sandboxes[id] = &record{id: id, state: StateCreating, volume: volume}
	m.mu.Unlock()

	spec := CreateSpec{
		Name:         id,
		Image:        tpl.Image,
		Cmd:          ov.Cmd,
		WorkingDir:   tpl.WorkingDir,
		Env:          env,
		ExposedPorts: tpl.Ports,
		VolumeName:   volume,
		Labels:       map[string]string{"fluffy.sandbox": "1", "fluffy.template": template},
	}

	fail := func(stage string, cause error) (string, error) {
		m.mu.Lock()
		if rec, ok := m.sandboxes[id]; ok {
			rec.state = StateFailed
		}
		m.mu.Unlock()
		m.Destroy(context.Background(), id)
		return "", fmt.Errorf("%s sandbox %s: %w", stage, id, cause)
	}

	if err := m.rt.CreateVolume(ctx, volume); err != nil {
		return fail("create volume for", err)
	}
	if err := m.rt.Create(ctx, spec); err != nil {
		return fail("create", err)
	}
	if err := m.rt.Start(ctx, id); err != nil {
		return fail("start", err)
	}

	m.mu.Lock()
	rec := m.sandboxes[id]
	rec.state = StateRunning
	rec.timer = time.AfterFunc(tpl.MaxDuration, func() {
		m.logger.Printf("sandbox %s exceeded max duration %s, destroying", id, tpl.MaxDuration)
		if err := m.Destroy(context.Background(), id); err != nil {
			m.logger.Printf("timed destroy of %s: %v", id, err)
		}
	})
	m.mu.Unlock()

	m.logger.Printf("created sandbox %s (template=%s image=%s)", id, template, tpl.Image)
	return id, nil
}

// Destroy tears a sandbox down. Idempotent: destroying an unknown or
// already-destroyed id is a no-op. Cleanup failures are accumulated and
// logged, never propagated.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	m.mu.Lock()
	rec, ok := m.sandboxes[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if rec.state == StateCleanup || rec.state == StateDestroyed {
		// Another destroy (timer or manual) is already tearing this one
		// down.
		m.mu.Unlock()
		return nil
	}
	if rec.timer != nil {
		rec.timer.Stop()
		rec.timer = nil
	}

	switch rec.state {
	case StateCreating:
		rec.state = StateFailed
	case StateRunning:
		rec.state = StateStopping
	}
	state := rec.state
	volume := rec.volume
	m.mu.Unlock()

	if state == StateStopping {
		if err := m.rt.Stop(ctx, id); err != nil {
			m.logger.Printf("stop %s: %v", id, err)
		}
	}

	m.mu.Lock()
	rec.state = StateCleanup
	m.mu.Unlock()

	m.cleanup(ctx, id, volume)

	m.mu.Lock()
	rec.state = StateDestroyed
	delete(m.sandboxes, id)
	m.mu.Unlock()

	m.logger.Printf("destroyed sandbox %s", id)
	return nil
}

// cleanup stops, removes, and deletes the output volume, accumulating but
// not propagating partial failures.
func (m *Manager) cleanup(ctx context.Context, id, volume string) {
	var warnings []string

	if err := m.rt.Kill(ctx, id); err != nil {
		warnings = append(warnings, fmt.Sprintf("kill: %v", err))
	}
	if err := m.rt.Remove(ctx, id); err != nil {
		warnings = append(warnings, fmt.Sprintf("remove: %v", err))
	}
	if volume != "" {
		if err := m.rt.RemoveVolume(ctx, volume); err != nil {
			warnings = append(warnings, fmt.Sprintf("remove volume: %v", err))
		}
	}

	if len(warnings) > 0 {
		m.logger.Printf("cleanup of %s finished with warnings: %s", id, strings.Join(warnings, "; "))
	}
}

// State reports the manager's lifecycle state for a sandbox.
func (m *Manager) State(id string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.sandboxes[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec.state, nil
}

// Pause suspends a running sandbox.
func (m *Manager) Pause(ctx context.Context, id string) error {
	if err := m.requireState(id, StateRunning); err != nil {
		return err
	}
	return m.rt.Pause(ctx, id)
}

// Resume unsuspends a paused sandbox.
func (m *Manager) Resume(ctx context.Context, id string) error {
	if err := m.requireState(id, StateRunning); err != nil {
		return err
	}
	return m.rt.Resume(ctx, id)
}

// Exec runs a command inside a sandbox and captures its output.
func (m *Manager) Exec(ctx context.Context, id string, cmd []string, opts ExecOptions) (ExecResult, error) {
	if err := m.requireState(id, StateRunning); err != nil {
		return ExecResult{}, err
	}
	return m.rt.Run(ctx, id, cmd, opts)
}

// Logs returns the sandbox's log stream. Callers may Close the stream
// early; the runtime adapter then signals the underlying producer.
func (m *Manager) Logs(ctx context.Context, id string, follow bool, tail int) (LogStream, error) {
	if err := m.requireState(id, StateRunning); err != nil {
		return nil, err
	}
	return m.rt.Logs(ctx, id, follow, tail)
}

func (m *Manager) requireState(id string, want State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.sandboxes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if rec.state != want {
		return fmt.Errorf("%w: sandbox %s is %s, want %s", ErrLifecycle, id, rec.state, want)
	}
	return nil
}

// ReclaimOrphans destroys runtime containers that carry the reserved name
// prefix but are not in the manager's active set, e.g. leftovers from a
// crashed kernel. Returns how many were reclaimed.
func (m *Manager) ReclaimOrphans(ctx context.Context) (int, error) {
	names, err := m.rt.List(ctx, NamePrefix)
	if err != nil {
		return 0, fmt.Errorf("list runtime sandboxes: %w", err)
	}

	m.mu.Lock()
	active := make(map[string]bool, len(m.sandboxes))
	for id := range m.sandboxes {
		active[id] = true
	}
	m.mu.Unlock()

	reclaimed := 0
	for _, name := range names {
		if active[name] {
			continue
		}
		m.logger.Printf("reclaiming orphaned sandbox %s", name)
		m.cleanup(ctx, name, "vol-"+name)
		reclaimed++
	}
	return reclaimed, nil
}

// Shutdown destroys every non-destroyed sandbox. Never raises.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sandboxes))
	for id := range m.sandboxes {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Destroy(ctx, id); err != nil {
			m.logger.Printf("shutdown destroy %s: %v", id, err)
		}
	}
}
