package session

import (
	"errors"
	"path/filepath"
	"testing"
)

type recordedEvent struct {
	category string
	action   string
	decision string
}

type fakeRecorder struct {
	events []recordedEvent
}

func (r *fakeRecorder) Record(category, action string, detail map[string]any, decision string) {
	r.events = append(r.events, recordedEvent{category, action, decision})
}

func newTestMachine() (*Machine, *fakeRecorder) {
	rec := &fakeRecorder{}
	return NewMachine(Config{Audit: rec}), rec
}

func TestInitialState(t *testing.T) {
	m, _ := newTestMachine()
	s := m.Snapshot()

	if s.Phase != PhaseIdle {
		t.Errorf("phase: got %s, want idle", s.Phase)
	}
	if s.Mode != ModeStrict {
		t.Errorf("mode: got %s, want strict", s.Mode)
	}
	if s.ConsecutiveFailures != 0 || len(s.TestFiles) != 0 || s.LastTestPassed != nil {
		t.Errorf("unexpected initial state: %+v", s)
	}
}

func TestHappyPathTrajectory(t *testing.T) {
	m, _ := newTestMachine()

	steps := []struct {
		name string
		do   func() (State, error)
		want Phase
	}{
		{"submit_task", m.SubmitTask, PhasePlanning},
		{"complete_planning", m.CompletePlanning, PhaseTestWriting},
		{"register_test_file", func() (State, error) { return m.RegisterTestFile("tests/auth.test.ts") }, PhaseTestWriting},
		{"complete_test_writing", m.CompleteTestWriting, PhaseTestRunning},
		{"report failing run", func() (State, error) { return m.ReportTestResult(false) }, PhaseCoding},
		{"complete_coding", m.CompleteCoding, PhaseTestRunning},
		{"report passing run", func() (State, error) { return m.ReportTestResult(true) }, PhaseDone},
	}

	for _, step := range steps {
		s, err := step.do()
		if err != nil {
			t.Fatalf("%s: %v", step.name, err)
		}
		if s.Phase != step.want {
			t.Fatalf("%s: phase got %s, want %s", step.name, s.Phase, step.want)
		}
	}
}

func TestPassAfterTestWritingReturnsToTestWriting(t *testing.T) {
	m, _ := newTestMachine()
	m.SubmitTask()
	m.CompletePlanning()
	m.RegisterTestFile("tests/a.test.ts")
	m.CompleteTestWriting()

	// Tests passing right after they were written means they don't test
	// anything new — go write a failing one.
	s, err := m.ReportTestResult(true)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if s.Phase != PhaseTestWriting {
		t.Fatalf("phase: got %s, want test_writing", s.Phase)
	}
}

func TestInvalidTransitionFailsMachine(t *testing.T) {
	m, rec := newTestMachine()

	_, err := m.CompleteCoding()
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("got %v, want ErrInvalidTransition", err)
	}

	s := m.Snapshot()
	if s.Phase != PhaseFailed {
		t.Errorf("phase: got %s, want failed", s.Phase)
	}
	if s.PreviousPhase != PhaseIdle {
		t.Errorf("previous_phase: got %s, want idle", s.PreviousPhase)
	}

	found := false
	for _, e := range rec.events {
		if e.category == "error" && e.action == "session.invalid_transition" {
			found = true
		}
	}
	if !found {
		t.Error("expected an error-category audit event")
	}
}

func TestCompleteTestWritingRequiresTestFiles(t *testing.T) {
	m, _ := newTestMachine()
	m.SubmitTask()
	m.CompletePlanning()

	_, err := m.CompleteTestWriting()
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("got %v, want ErrInvalidTransition", err)
	}
}

func TestRegisterTestFileValidation(t *testing.T) {
	m, _ := newTestMachine()
	m.SubmitTask()
	m.CompletePlanning()

	if _, err := m.RegisterTestFile("src/main.ts"); err == nil {
		t.Fatal("expected error for non-test path")
	}

	// Duplicates collapse.
	m.RegisterTestFile("tests/a.test.ts")
	s, err := m.RegisterTestFile("tests/a.test.ts")
	if err != nil {
		t.Fatalf("register duplicate: %v", err)
	}
	if len(s.TestFiles) != 1 {
		t.Fatalf("test_files: got %d entries, want 1", len(s.TestFiles))
	}
}

func TestConsecutiveFailuresEmitReview(t *testing.T) {
	m, rec := newTestMachine()
	m.SubmitTask()
	m.CompletePlanning()
	m.RegisterTestFile("tests/a.test.ts")
	m.CompleteTestWriting()

	for n := 0; n < FailureReviewThreshold; n++ {
		if _, err := m.ReportTestResult(false); err != nil {
			t.Fatalf("report failure %d: %v", n+1, err)
		}
		if n < FailureReviewThreshold-1 {
			if _, err := m.CompleteCoding(); err != nil {
				t.Fatalf("complete_coding %d: %v", n+1, err)
			}
		}
	}

	s := m.Snapshot()
	if s.ConsecutiveFailures != FailureReviewThreshold {
		t.Fatalf("consecutive_failures: got %d, want %d", s.ConsecutiveFailures, FailureReviewThreshold)
	}
	if s.Phase != PhaseCoding {
		t.Errorf("phase: got %s, want coding (threshold does not change phase)", s.Phase)
	}

	found := false
	for _, e := range rec.events {
		if e.decision == "require_review" {
			found = true
		}
	}
	if !found {
		t.Error("expected a require_review audit event at the failure threshold")
	}
}

func TestResetRestoresInitialSnapshot(t *testing.T) {
	m, _ := newTestMachine()
	m.SubmitTask()
	m.CompletePlanning()
	m.RegisterTestFile("tests/a.test.ts")
	m.CompleteTestWriting()
	m.ReportTestResult(false)

	s, err := m.Reset()
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if s.Phase != PhaseIdle || s.ConsecutiveFailures != 0 || len(s.TestFiles) != 0 || s.LastTestPassed != nil {
		t.Fatalf("reset left residue: %+v", s)
	}
}

func TestGateModes(t *testing.T) {
	m, _ := newTestMachine()

	tests := []struct {
		name    string
		mode    Mode
		tool    string
		path    string
		allowed bool
	}{
		{"debug allows shell", ModeDebug, ToolShellExec, "", true},
		{"debug allows write", ModeDebug, ToolFSWrite, "src/kernel/a.ts", true},
		{"explore allows read", ModeExplore, ToolFSRead, "", true},
		{"explore allows grep", ModeExplore, ToolSearchGrep, "", true},
		{"explore denies write", ModeExplore, ToolFSWrite, "notes.md", false},
		{"explore denies shell", ModeExplore, ToolShellExec, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.SetMode(tt.mode); err != nil {
				t.Fatalf("set mode: %v", err)
			}
			allowed, _ := m.GateTool(tt.tool, tt.path)
			if allowed != tt.allowed {
				t.Errorf("got allowed=%v, want %v", allowed, tt.allowed)
			}
		})
	}
}

func TestGateStrictPhases(t *testing.T) {
	drive := func(t *testing.T, to Phase) *Machine {
		t.Helper()
		m, _ := newTestMachine()
		switch to {
		case PhaseIdle:
		case PhasePlanning:
			m.SubmitTask()
		case PhaseTestWriting:
			m.SubmitTask()
			m.CompletePlanning()
		case PhaseTestRunning:
			m.SubmitTask()
			m.CompletePlanning()
			m.RegisterTestFile("tests/a.test.ts")
			m.CompleteTestWriting()
		case PhaseCoding:
			m.SubmitTask()
			m.CompletePlanning()
			m.RegisterTestFile("tests/a.test.ts")
			m.CompleteTestWriting()
			m.ReportTestResult(false)
		}
		return m
	}

	tests := []struct {
		name    string
		phase   Phase
		tool    string
		path    string
		allowed bool
	}{
		{"idle denies read", PhaseIdle, ToolFSRead, "", false},
		{"planning allows read", PhasePlanning, ToolFSRead, "", true},
		{"planning denies write", PhasePlanning, ToolFSWrite, "notes.md", false},
		{"test_writing allows test write", PhaseTestWriting, ToolFSWrite, "tests/a.test.ts", true},
		{"test_writing denies source write", PhaseTestWriting, ToolFSWrite, "src/a.ts", false},
		{"test_writing allows read", PhaseTestWriting, ToolFSRead, "", true},
		{"test_running allows test.run", PhaseTestRunning, ToolTestRun, "", true},
		{"test_running denies read", PhaseTestRunning, ToolFSRead, "", false},
		{"coding allows source write", PhaseCoding, ToolFSWrite, "src/a.ts", true},
		{"coding denies test write", PhaseCoding, ToolFSWrite, "tests/a.test.ts", false},
		{"coding allows exempt write", PhaseCoding, ToolFSWrite, "README.md", true},
		{"coding allows config write", PhaseCoding, ToolFSWrite, "package.json", true},
		{"coding denies shell", PhaseCoding, ToolShellExec, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := drive(t, tt.phase)
			allowed, _ := m.GateTool(tt.tool, tt.path)
			if allowed != tt.allowed {
				t.Errorf("got allowed=%v, want %v", allowed, tt.allowed)
			}
		})
	}
}

func TestGateFailedRecoversPreviousPhase(t *testing.T) {
	m, _ := newTestMachine()
	m.SubmitTask()
	m.CompletePlanning()
	m.RegisterTestFile("tests/a.test.ts")
	m.CompleteTestWriting()
	m.ReportTestResult(false) // coding

	// A disallowed trigger fails the machine out of coding.
	if _, err := m.SubmitTask(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if m.Snapshot().Phase != PhaseFailed {
		t.Fatal("machine should be failed")
	}

	// The gate recovers to coding behavior.
	if allowed, _ := m.GateTool(ToolFSWrite, "src/a.ts"); !allowed {
		t.Error("failed-from-coding should still allow source writes")
	}
	if allowed, _ := m.GateTool(ToolFSWrite, "tests/a.test.ts"); allowed {
		t.Error("failed-from-coding should still deny test writes")
	}
}

func TestPatternSets(t *testing.T) {
	tests := []struct {
		path   string
		test   bool
		exempt bool
	}{
		{"tests/a.test.ts", true, false},
		{"src/deep/b.spec.js", true, false},
		{"pkg/thing_test.go", true, false},
		{"test_util.py", true, false},
		{"__tests__/x.js", true, false},
		{"src/main.ts", false, false},
		{"README.md", false, true},
		{"config/app.yaml", false, true},
		{".gitignore", false, true},
		{".dockerignore", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := IsTestFilePath(tt.path); got != tt.test {
				t.Errorf("IsTestFilePath: got %v, want %v", got, tt.test)
			}
			if got := IsExemptPath(tt.path); got != tt.exempt {
				t.Errorf("IsExemptPath: got %v, want %v", got, tt.exempt)
			}
		})
	}
}

func TestSnapshotPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	store, err := OpenSnapshotStore(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	m := NewMachine(Config{Store: store})
	m.SubmitTask()
	m.CompletePlanning()
	m.RegisterTestFile("tests/a.test.ts")
	store.Close()

	// A fresh machine over the same store resumes where the last one was.
	store2, err := OpenSnapshotStore(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer store2.Close()

	m2 := NewMachine(Config{Store: store2})
	s := m2.Snapshot()
	if s.Phase != PhaseTestWriting {
		t.Errorf("restored phase: got %s, want test_writing", s.Phase)
	}
	if len(s.TestFiles) != 1 || s.TestFiles[0] != "tests/a.test.ts" {
		t.Errorf("restored test_files: got %v", s.TestFiles)
	}
}

func TestSnapshotLoadEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	store, err := OpenSnapshotStore(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	snapshot, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if snapshot != nil {
		t.Fatalf("expected nil snapshot, got %+v", snapshot)
	}
}
