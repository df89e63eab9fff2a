// Package session implements the test-discipline state machine that gates
// which tools the driven agent may use in which phase. The machine is a
// singleton per kernel; every successful transition overwrites the persisted
// snapshot so a restarted kernel resumes mid-task.
package session

import (
	"errors"
	"fmt"
	"log"
	"os"
	"slices"
	"sync"
)

// Phase is the current position in the test-first workflow.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhasePlanning    Phase = "planning"
	PhaseTestWriting Phase = "test_writing"
	PhaseTestRunning Phase = "test_running"
	PhaseCoding      Phase = "coding"
	PhaseDone        Phase = "done"
	PhaseFailed      Phase = "failed"
)

// Mode selects how strictly the gate is applied.
type Mode string

const (
	ModeStrict  Mode = "strict"
	ModeExplore Mode = "explore"
	ModeDebug   Mode = "debug"
)

// FailureReviewThreshold is the consecutive-failure count at which a
// require_review audit entry is emitted.
const FailureReviewThreshold = 3

// ErrInvalidTransition is returned when a trigger is not legal in the
// current phase. The machine has already moved to PhaseFailed when it is
// returned.
var ErrInvalidTransition = errors.New("invalid session transition")

// State is the full session snapshot.
type State struct {
	Phase               Phase    `json:"phase"`
	Mode                Mode     `json:"mode"`
	PreviousPhase       Phase    `json:"previous_phase,omitempty"`
	ConsecutiveFailures int      `json:"consecutive_failures"`
	TestFiles           []string `json:"test_files"`
	LastTestPassed      *bool    `json:"last_test_passed"`
}

func initialState() State {
	return State{
		Phase:     PhaseIdle,
		Mode:      ModeStrict,
		TestFiles: []string{},
	}
}

// Recorder receives audit events emitted by the machine. Emission is
// best-effort; the machine ignores sink failures.
type Recorder interface {
	Record(category, action string, detail map[string]any, decision string)
}

// Machine is the singleton session state machine. All mutation happens under
// one lock: read, validate, update, persist, emit.
type Machine struct {
	mu     sync.Mutex
	state  State
	store  *SnapshotStore
	audit  Recorder
	logger *log.Logger
}

// Config wires the machine's collaborators. Store and Audit may be nil (no
// persistence, no audit emission) — useful in tests.
type Config struct {
	Store  *SnapshotStore
	Audit  Recorder
	Logger *log.Logger
}

// NewMachine builds the machine and hydrates it from the persisted snapshot
// when one exists. A corrupt snapshot falls back to the initial state with a
// logged warning.
func NewMachine(cfg Config) *Machine {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[session] ", log.LstdFlags|log.Lmsgprefix)
	}

	m := &Machine{
		state:  initialState(),
		store:  cfg.Store,
		audit:  cfg.Audit,
		logger: cfg.Logger,
	}

	if cfg.Store != nil {
		snapshot, err := cfg.Store.Load()
		if err != nil {
			cfg.Logger.Printf("warning: could not load session snapshot: %v (starting fresh)", err)
		} else if snapshot != nil {
			m.state = *snapshot
			cfg.Logger.Printf("restored session: phase=%s mode=%s", snapshot.Phase, snapshot.Mode)
		}
	}

	return m
}

// Snapshot returns a consistent copy of the current state.
func (m *Machine) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.copyLocked()
}

func (m *Machine) copyLocked() State {
	s := m.state
	s.TestFiles = slices.Clone(m.state.TestFiles)
	if m.state.LastTestPassed != nil {
		v := *m.state.LastTestPassed
		s.LastTestPassed = &v
	}
	return s
}

// SubmitTask moves idle → planning.
func (m *Machine) SubmitTask() (State, error) {
	return m.transition("submit_task", func() error {
		if m.state.Phase != PhaseIdle {
			return m.failLocked("submit_task")
		}
		m.state.Phase = PhasePlanning
		return nil
	})
}

// CompletePlanning moves planning → test_writing.
func (m *Machine) CompletePlanning() (State, error) {
	return m.transition("complete_planning", func() error {
		if m.state.Phase != PhasePlanning {
			return m.failLocked("complete_planning")
		}
		m.state.Phase = PhaseTestWriting
		return nil
	})
}

// RegisterTestFile records a test file written during test_writing. The path
// must match one of the test-file patterns; duplicates are ignored.
func (m *Machine) RegisterTestFile(path string) (State, error) {
	return m.transition("register_test_file", func() error {
		if m.state.Phase != PhaseTestWriting {
			return m.failLocked("register_test_file")
		}
		if !IsTestFilePath(path) {
			return fmt.Errorf("path %q does not match any test-file pattern", path)
		}
		if !slices.Contains(m.state.TestFiles, path) {
			m.state.TestFiles = append(m.state.TestFiles, path)
		}
		return nil
	})
}

// CompleteTestWriting moves test_writing → test_running, but only once at
// least one test file has been registered.
func (m *Machine) CompleteTestWriting() (State, error) {
	return m.transition("complete_test_writing", func() error {
		if m.state.Phase != PhaseTestWriting || len(m.state.TestFiles) == 0 {
			return m.failLocked("complete_test_writing")
		}
		m.state.PreviousPhase = PhaseTestWriting
		m.state.Phase = PhaseTestRunning
		return nil
	})
}

// ReportTestResult records a test run outcome. A pass after coding finishes
// the task; a pass straight after test writing sends the agent back to
// write a failing test first; any failure moves to coding.
func (m *Machine) ReportTestResult(passed bool) (State, error) {
	return m.transition("report_test_result", func() error {
		if m.state.Phase != PhaseTestRunning {
			return m.failLocked("report_test_result")
		}

		v := passed
		m.state.LastTestPassed = &v

		if !passed {
			m.state.ConsecutiveFailures++
			if m.state.ConsecutiveFailures == FailureReviewThreshold {
				m.record("error", "session.consecutive_failures", map[string]any{
					"failures": m.state.ConsecutiveFailures,
				}, "require_review")
			}
			m.state.PreviousPhase = PhaseTestRunning
			m.state.Phase = PhaseCoding
			return nil
		}

		m.state.ConsecutiveFailures = 0
		switch m.state.PreviousPhase {
		case PhaseCoding:
			m.state.PreviousPhase = PhaseTestRunning
			m.state.Phase = PhaseDone
		default:
			m.state.PreviousPhase = PhaseTestRunning
			m.state.Phase = PhaseTestWriting
		}
		return nil
	})
}

// CompleteCoding moves coding → test_running.
func (m *Machine) CompleteCoding() (State, error) {
	return m.transition("complete_coding", func() error {
		if m.state.Phase != PhaseCoding {
			return m.failLocked("complete_coding")
		}
		m.state.PreviousPhase = PhaseCoding
		m.state.Phase = PhaseTestRunning
		return nil
	})
}

// SetMode switches the gate mode. Legal in every phase.
func (m *Machine) SetMode(mode Mode) (State, error) {
	return m.transition("set_mode", func() error {
		switch mode {
		case ModeStrict, ModeExplore, ModeDebug:
			m.state.Mode = mode
			return nil
		default:
			return fmt.Errorf("unknown mode %q", mode)
		}
	})
}

// Reset restores the initial snapshot from any phase, preserving the mode.
func (m *Machine) Reset() (State, error) {
	return m.transition("reset", func() error {
		mode := m.state.Mode
		m.state = initialState()
		m.state.Mode = mode
		return nil
	})
}

// transition runs one mutation as a critical section: validate, update,
// persist, emit.
func (m *Machine) transition(trigger string, apply func() error) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	before := m.state.Phase
	if err := apply(); err != nil {
		m.persistLocked()
		return m.copyLocked(), err
	}

	m.persistLocked()
	if before != m.state.Phase {
		m.record("lifecycle", "session."+trigger, map[string]any{
			"from": string(before),
			"to":   string(m.state.Phase),
		}, "")
	}
	return m.copyLocked(), nil
}

// failLocked marks the machine failed in response to a disallowed trigger
// and returns the error the caller should surface. Caller holds m.mu.
func (m *Machine) failLocked(trigger string) error {
	from := m.state.Phase
	m.state.PreviousPhase = from
	m.state.Phase = PhaseFailed

	m.record("error", "session.invalid_transition", map[string]any{
		"trigger": trigger,
		"phase":   string(from),
	}, "deny")

	return fmt.Errorf("%w: %s not allowed in phase %s", ErrInvalidTransition, trigger, from)
}

func (m *Machine) persistLocked() {
	if m.store == nil {
		return
	}
	if err := m.store.Save(m.state); err != nil {
		m.logger.Printf("warning: could not persist session snapshot: %v", err)
	}
}

func (m *Machine) record(category, action string, detail map[string]any, decision string) {
	if m.audit == nil {
		return
	}
	m.audit.Record(category, action, detail, decision)
}
