package session

import (
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
)

// Tool names accepted by the gate.
const (
	ToolFSRead     = "fs.read"
	ToolFSWrite    = "fs.write"
	ToolFSList     = "fs.list"
	ToolFSExists   = "fs.exists"
	ToolSearchGrep = "search.grep"
	ToolSearchGlob = "search.glob"
	ToolTestRun    = "test.run"
	ToolShellExec  = "shell.exec"
)

// KnownTool reports whether name is one of the gated tools.
func KnownTool(name string) bool {
	switch name {
	case ToolFSRead, ToolFSWrite, ToolFSList, ToolFSExists,
		ToolSearchGrep, ToolSearchGlob, ToolTestRun, ToolShellExec:
		return true
	}
	return false
}

// HighRisk reports whether a tool goes through the full policy pipeline.
func HighRisk(tool string) bool {
	return tool == ToolFSWrite || tool == ToolShellExec
}

func readOnly(tool string) bool {
	switch tool {
	case ToolFSRead, ToolFSList, ToolFSExists, ToolSearchGrep, ToolSearchGlob:
		return true
	}
	return false
}

// testFilePatterns identify paths the agent is expected to put tests in.
var testFilePatterns = []string{
	"**/*.test.*",
	"**/*.spec.*",
	"**/test_*.py",
	"**/*_test.go",
	"tests/**",
	"test/**",
	"__tests__/**",
}

// exemptPatterns identify files that are always writable during coding:
// configuration, documentation, ignore files.
var exemptPatterns = []string{
	"**/*.md",
	"**/*.json",
	"**/*.yaml",
	"**/*.yml",
	"**/*.toml",
	"**/.gitignore",
	"**/.*ignore",
	"LICENSE*",
}

// IsTestFilePath reports whether a relative path matches a test-file
// pattern.
func IsTestFilePath(path string) bool {
	return matchAny(testFilePatterns, path)
}

// IsExemptPath reports whether a path is always writable in coding.
func IsExemptPath(path string) bool {
	return matchAny(exemptPatterns, path)
}

func matchAny(patterns []string, path string) bool {
	path = filepath.ToSlash(path)
	for _, pattern := range patterns {
		if ok, err := doublestar.Match(pattern, path); err == nil && ok {
			return true
		}
	}
	return false
}

// GateTool answers whether the current session allows a tool at all. It is
// the first layer of tool.authorize; a denial here is terminal and the
// policy engine is never consulted.
func (m *Machine) GateTool(tool, targetPath string) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state.Mode {
	case ModeDebug:
		return true, ""
	case ModeExplore:
		if readOnly(tool) {
			return true, ""
		}
		return false, "explore mode allows read-only tools only"
	}

	phase, ok := m.effectivePhaseLocked()
	if !ok {
		return false, "session phase " + string(m.state.Phase) + " allows no tools"
	}

	switch phase {
	case PhasePlanning:
		if readOnly(tool) {
			return true, ""
		}
		return false, "planning phase allows read-only tools only"

	case PhaseTestWriting:
		if readOnly(tool) {
			return true, ""
		}
		if tool == ToolFSWrite && targetPath != "" && IsTestFilePath(targetPath) {
			return true, ""
		}
		return false, "test_writing phase allows writes to test files only"

	case PhaseTestRunning:
		if tool == ToolTestRun {
			return true, ""
		}
		return false, "test_running phase allows test.run only"

	case PhaseCoding:
		if readOnly(tool) {
			return true, ""
		}
		if tool == ToolFSWrite && targetPath != "" {
			if IsExemptPath(targetPath) || !IsTestFilePath(targetPath) {
				return true, ""
			}
			return false, "coding phase does not allow editing test files"
		}
		return false, "coding phase allows read-only tools and non-test writes only"
	}

	return false, "session phase " + string(phase) + " allows no tools"
}

// effectivePhaseLocked resolves the phase used for gating. A failed session
// recovers to the best-effort phase it fell out of; idle and done allow
// nothing. Caller holds m.mu.
func (m *Machine) effectivePhaseLocked() (Phase, bool) {
	phase := m.state.Phase
	if phase == PhaseFailed {
		switch m.state.PreviousPhase {
		case PhaseCoding:
			return PhaseCoding, true
		case PhaseTestWriting, PhaseTestRunning:
			return PhaseTestWriting, true
		default:
			return phase, false
		}
	}

	switch phase {
	case PhaseIdle, PhaseDone:
		return phase, false
	}
	return phase, true
}
