package kernel

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"fluffy/internal/audit"
	"fluffy/internal/policy"
	"fluffy/internal/session"
	"fluffy/internal/token"
	"fluffy/pkg/protocol"
)

func testLogger() *log.Logger {
	return log.New(os.Stderr, "[kernel-test] ", 0)
}

type testKernel struct {
	dispatch *Dispatcher
	session  *session.Machine
	tokens   *token.Issuer
	audit    *audit.Logger
	cc       *ConnContext
}

func newTestKernel(t *testing.T) *testKernel {
	t.Helper()

	logger := testLogger()
	auditLogger, err := audit.Open(filepath.Join(t.TempDir(), "audit.db"), audit.Config{
		FlushInterval: time.Hour,
		Logger:        logger,
	})
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	t.Cleanup(func() { auditLogger.Close() })

	issuer, err := token.NewIssuer(logger)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}

	machine := session.NewMachine(session.Config{
		Audit:  NewSessionRecorder(auditLogger, logger),
		Logger: logger,
	})

	engine := policy.NewEngine(policy.Config{Tokens: issuer, Logger: logger})

	d := NewDispatcher(DispatcherConfig{
		Session: machine,
		Policy:  engine,
		Tokens:  issuer,
		Audit:   auditLogger,
		Logger:  logger,
	})

	return &testKernel{
		dispatch: d,
		session:  machine,
		tokens:   issuer,
		audit:    auditLogger,
		cc:       newConnContext(PeerIdentity{PID: 100, UID: 1000, GID: 1000}, "cont-1", 1000),
	}
}

// driveToCoding walks the session into the coding phase.
func (k *testKernel) driveToCoding(t *testing.T) {
	t.Helper()
	for _, step := range []func() (session.State, error){
		k.session.SubmitTask,
		k.session.CompletePlanning,
		func() (session.State, error) { return k.session.RegisterTestFile("tests/a.test.ts") },
		k.session.CompleteTestWriting,
		func() (session.State, error) { return k.session.ReportTestResult(false) },
	} {
		if _, err := step(); err != nil {
			t.Fatalf("drive to coding: %v", err)
		}
	}
}

func (k *testKernel) request(t *testing.T, id, method string, params any) *protocol.Message {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		var err error
		raw, err = json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
	}
	return k.dispatch.Dispatch(context.Background(), k.cc, &protocol.Message{
		ID:     id,
		Type:   protocol.TypeRequest,
		Method: method,
		Params: raw,
	})
}

func resultMap(t *testing.T, resp *protocol.Message) map[string]any {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("unexpected error response: %+v", resp.Error)
	}
	raw, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatalf("re-marshal result: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("result is not an object: %s", raw)
	}
	return m
}

func TestPing(t *testing.T) {
	k := newTestKernel(t)

	resp := k.request(t, "1", "test.ping", nil)
	if resp.ID != "1" || resp.Type != protocol.TypeResponse {
		t.Fatalf("bad envelope: %+v", resp)
	}
	if m := resultMap(t, resp); m["pong"] != true {
		t.Fatalf("got %v, want {pong:true}", m)
	}
}

func TestRejectNonRequests(t *testing.T) {
	k := newTestKernel(t)

	resp := k.dispatch.Dispatch(context.Background(), k.cc, &protocol.Message{ID: "1", Type: protocol.TypeEvent})
	if resp.Error == nil || resp.Error.Code != CodeInvalidRequest {
		t.Fatalf("got %+v, want INVALID_REQUEST", resp.Error)
	}
}

func TestUnknownMethod(t *testing.T) {
	k := newTestKernel(t)

	resp := k.request(t, "1", "fs.mount", nil)
	if resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Fatalf("got %+v, want METHOD_NOT_FOUND", resp.Error)
	}
	if resp.Error.Retryable {
		t.Error("method-not-found must not be retryable")
	}
}

func TestAuthorizeProtectedWrite(t *testing.T) {
	k := newTestKernel(t)
	k.driveToCoding(t)

	// Even a freshly minted token for the exact path must not help.
	claim, err := k.tokens.Mint(token.MintRequest{
		ContainerID: "cont-1",
		PeerPID:     100,
		Syscall:     "fs.write",
		PathGlob:    []string{".fluffy/policy.yaml"},
	})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	resp := k.request(t, "1", "tool.authorize", map[string]any{
		"tool":        "fs.write",
		"target_path": ".fluffy/policy.yaml",
		"token":       claim,
	})
	m := resultMap(t, resp)
	if m["allowed"] != false || m["layer"] != "policy" || m["decision"] != "deny" {
		t.Fatalf("got %v, want policy deny", m)
	}
}

func TestAuthorizeBootstrapReview(t *testing.T) {
	k := newTestKernel(t)
	k.driveToCoding(t)

	resp := k.request(t, "1", "tool.authorize", map[string]any{
		"tool":        "fs.write",
		"target_path": "src/bootstrap/index.ts",
	})
	m := resultMap(t, resp)
	if m["allowed"] != false || m["layer"] != "policy" || m["decision"] != "require_review" {
		t.Fatalf("got %v, want policy require_review", m)
	}
}

func TestAuthorizeTokenBypass(t *testing.T) {
	k := newTestKernel(t)
	k.driveToCoding(t)

	issue := resultMap(t, k.request(t, "1", "token.issue", map[string]any{
		"syscall":   "fs.write",
		"path_glob": []string{"src/safe.ts"},
	}))
	if issue["token_id"] == nil || issue["signature"] == nil {
		t.Fatalf("token.issue returned incomplete claim: %v", issue)
	}

	authorize := func(id string) map[string]any {
		return resultMap(t, k.request(t, id, "tool.authorize", map[string]any{
			"tool":        "fs.write",
			"target_path": "src/safe.ts",
			"token":       issue,
		}))
	}

	first := authorize("2")
	if first["allowed"] != true || first["layer"] != "policy" || first["decision"] != "allow" {
		t.Fatalf("first call: got %v, want policy allow", first)
	}

	// Single-use: the identical call again finds the token exhausted and
	// no declarative allow behind it.
	second := authorize("3")
	if second["allowed"] != false || second["decision"] != "deny" {
		t.Fatalf("second call: got %v, want deny", second)
	}
}

func TestAuthorizeStateGateBeatsToken(t *testing.T) {
	k := newTestKernel(t)
	k.driveToCoding(t)

	claim, err := k.tokens.Mint(token.MintRequest{
		ContainerID: "cont-1",
		PeerPID:     100,
		Syscall:     "fs.write",
		PathGlob:    []string{"tests/a.test.ts"},
	})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	// In coding, writing a test file is a state-layer denial — the token
	// never gets a say.
	resp := k.request(t, "1", "tool.authorize", map[string]any{
		"tool":        "fs.write",
		"target_path": "tests/a.test.ts",
		"token":       claim,
	})
	m := resultMap(t, resp)
	if m["allowed"] != false || m["layer"] != "state" || m["decision"] != "deny" {
		t.Fatalf("got %v, want state deny", m)
	}
}

func TestAuthorizeLowRiskShortcut(t *testing.T) {
	k := newTestKernel(t)
	k.driveToCoding(t)

	resp := k.request(t, "1", "tool.authorize", map[string]any{"tool": "fs.read"})
	m := resultMap(t, resp)
	if m["allowed"] != true || m["layer"] != "state" || m["decision"] != "allow" {
		t.Fatalf("got %v, want state allow", m)
	}
}

func TestAuthorizeUnknownTool(t *testing.T) {
	k := newTestKernel(t)

	resp := k.request(t, "1", "tool.authorize", map[string]any{"tool": "fs.chmod"})
	if resp.Error == nil || resp.Error.Code != CodeParamValidation {
		t.Fatalf("got %+v, want PARAM_VALIDATION", resp.Error)
	}
}

func TestSessionSurface(t *testing.T) {
	k := newTestKernel(t)

	m := resultMap(t, k.request(t, "1", "session.get", nil))
	if m["phase"] != "idle" || m["mode"] != "strict" {
		t.Fatalf("initial session: %v", m)
	}

	m = resultMap(t, k.request(t, "2", "session.submit_task", nil))
	if m["phase"] != "planning" {
		t.Fatalf("after submit_task: %v", m)
	}

	resp := k.request(t, "3", "session.complete_coding", nil)
	if resp.Error == nil || resp.Error.Code != CodeInvalidTransition {
		t.Fatalf("got %+v, want INVALID_TRANSITION", resp.Error)
	}

	m = resultMap(t, k.request(t, "4", "session.reset", nil))
	if m["phase"] != "idle" {
		t.Fatalf("after reset: %v", m)
	}
}

func TestSessionSetModeValidation(t *testing.T) {
	k := newTestKernel(t)

	resp := k.request(t, "1", "session.set_mode", map[string]any{"mode": "yolo"})
	if resp.Error == nil || resp.Error.Code != CodeParamValidation {
		t.Fatalf("got %+v, want PARAM_VALIDATION", resp.Error)
	}

	m := resultMap(t, k.request(t, "2", "session.set_mode", map[string]any{"mode": "debug"}))
	if m["mode"] != "debug" {
		t.Fatalf("got %v, want debug", m)
	}
}

func TestTokenRevokeOverIPC(t *testing.T) {
	k := newTestKernel(t)
	k.driveToCoding(t)

	issue := resultMap(t, k.request(t, "1", "token.issue", map[string]any{"syscall": "fs.write"}))

	m := resultMap(t, k.request(t, "2", "token.revoke", map[string]any{"token_id": issue["token_id"]}))
	if m["ok"] != true {
		t.Fatalf("revoke: %v", m)
	}

	resp := resultMap(t, k.request(t, "3", "tool.authorize", map[string]any{
		"tool":        "fs.write",
		"target_path": "src/app.ts",
		"token":       issue,
	}))
	if resp["allowed"] != false {
		t.Fatalf("revoked token still authorized: %v", resp)
	}
}

func TestPolicyEvaluateOverIPC(t *testing.T) {
	k := newTestKernel(t)

	m := resultMap(t, k.request(t, "1", "policy.evaluate", map[string]any{
		"type": "fs.write",
		"args": map[string]any{"path": ".fluffy/audit.db"},
	}))
	if m["decision"] != "deny" {
		t.Fatalf("got %v, want deny", m)
	}
}

func TestPolicyLoadYAMLOverIPC(t *testing.T) {
	k := newTestKernel(t)

	doc := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(doc, []byte(`
capabilities:
  - name: allow-src-writes
    match: {syscall: fs.write, path_glob: ["src/**"]}
    action: allow
`), 0o600); err != nil {
		t.Fatalf("write doc: %v", err)
	}

	m := resultMap(t, k.request(t, "1", "policy.load_yaml", map[string]any{"path": doc}))
	if m["ok"] != true {
		t.Fatalf("load: %v", m)
	}

	eval := resultMap(t, k.request(t, "2", "policy.evaluate", map[string]any{
		"type": "fs.write",
		"args": map[string]any{"path": "src/app.ts"},
	}))
	if eval["decision"] != "allow" {
		t.Fatalf("got %v, want allow", eval)
	}
}

func TestAuthorizeCallerTagOverIPC(t *testing.T) {
	k := newTestKernel(t)
	if _, err := k.session.SetMode(session.ModeDebug); err != nil {
		t.Fatalf("set mode: %v", err)
	}

	doc := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(doc, []byte(`
capabilities:
  - name: sandboxed-shell
    match: {syscall: shell.exec, caller_tag: [sandboxed]}
    action: allow
`), 0o600); err != nil {
		t.Fatalf("write doc: %v", err)
	}
	resultMap(t, k.request(t, "1", "policy.load_yaml", map[string]any{"path": doc}))

	// The derived connection context carries the "sandboxed" tag, so the
	// caller_tag rule matches.
	m := resultMap(t, k.request(t, "2", "tool.authorize", map[string]any{"tool": "shell.exec"}))
	if m["allowed"] != true || m["layer"] != "policy" {
		t.Fatalf("sandboxed caller: got %v, want policy allow", m)
	}

	// A host peer does not carry the tag and falls through to default deny.
	k.cc = newConnContext(PeerIdentity{PID: 500, UID: 2000}, "", 1000)
	m = resultMap(t, k.request(t, "3", "tool.authorize", map[string]any{"tool": "shell.exec"}))
	if m["allowed"] != false {
		t.Fatalf("host caller: got %v, want deny", m)
	}
}

func TestAuditVerifyOverIPC(t *testing.T) {
	k := newTestKernel(t)

	k.request(t, "1", "test.ping", nil)
	k.request(t, "2", "test.ping", nil)

	m := resultMap(t, k.request(t, "3", "audit.verify", nil))
	if m["valid"] != true {
		t.Fatalf("got %v, want valid", m)
	}
}

func TestEveryRequestProducesOneAuditEntry(t *testing.T) {
	logger := testLogger()
	path := filepath.Join(t.TempDir(), "audit.db")
	auditLogger, err := audit.Open(path, audit.Config{FlushInterval: time.Hour, Logger: logger})
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	defer auditLogger.Close()

	machine := session.NewMachine(session.Config{Logger: logger})
	engine := policy.NewEngine(policy.Config{Logger: logger})
	d := NewDispatcher(DispatcherConfig{
		Session: machine,
		Policy:  engine,
		Audit:   auditLogger,
		Logger:  logger,
	})
	cc := &ConnContext{Peer: PeerIdentity{PID: 1}}

	requests := []struct {
		method string
		params string
	}{
		{"test.ping", ""},
		{"no.such.method", ""},
		{"session.get", ""},
		{"tool.authorize", `{"tool":"fs.read"}`},
	}
	for i, req := range requests {
		var raw json.RawMessage
		if req.params != "" {
			raw = json.RawMessage(req.params)
		}
		d.Dispatch(context.Background(), cc, &protocol.Message{
			ID:     fmt.Sprintf("%d", i),
			Type:   protocol.TypeRequest,
			Method: req.method,
			Params: raw,
		})
	}

	if err := auditLogger.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM audit_log WHERE action LIKE 'ipc.%'`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != len(requests) {
		t.Fatalf("audit entries: got %d, want %d", count, len(requests))
	}

	var errorDecision string
	if err := db.QueryRow(`SELECT decision FROM audit_log WHERE action = 'ipc.no.such.method'`).Scan(&errorDecision); err != nil {
		t.Fatalf("query error entry: %v", err)
	}
	if errorDecision != "deny" {
		t.Errorf("error entry decision: got %q, want deny", errorDecision)
	}
}

func TestContainerMethodsWithoutRuntime(t *testing.T) {
	k := newTestKernel(t) // no sandbox manager wired

	resp := k.request(t, "1", "container.create", map[string]any{"template": "default"})
	if resp.Error == nil || resp.Error.Code != CodeUnavailableDep {
		t.Fatalf("got %+v, want UNAVAILABLE_DEPENDENCY", resp.Error)
	}
}
