package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"fluffy/internal/policy"
	"fluffy/internal/sandbox"
	"fluffy/internal/session"
	"fluffy/internal/token"
)

// auditedResult lets a handler attach detail and a decision to the single
// audit entry its request produces.
type auditedResult struct {
	result   any
	detail   map[string]any
	decision string
}

// maxLogLines bounds how many lines a single container.logs response
// carries; the stream is closed once the cap is reached.
const maxLogLines = 10000

func (d *Dispatcher) handlePing(ctx context.Context, cc *ConnContext, p Params) (any, error) {
	return map[string]any{"pong": true}, nil
}

// --- tool.authorize: the layered gate ---

type authorizeResult struct {
	Allowed  bool   `json:"allowed"`
	Layer    string `json:"layer"`
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
}

func (d *Dispatcher) handleToolAuthorize(ctx context.Context, cc *ConnContext, p Params) (any, error) {
	tool, err := p.enumString("tool",
		session.ToolFSRead, session.ToolFSWrite, session.ToolFSList, session.ToolFSExists,
		session.ToolSearchGrep, session.ToolSearchGlob, session.ToolTestRun, session.ToolShellExec)
	if err != nil {
		return nil, err
	}
	targetPath, err := p.optionalString("target_path")
	if err != nil {
		return nil, err
	}
	claim, err := decodeClaim(p)
	if err != nil {
		return nil, err
	}
	extra, err := p.optionalObject("args")
	if err != nil {
		return nil, err
	}

	wrap := func(res authorizeResult) (any, error) {
		decision := res.Decision
		return &auditedResult{
			result:   res,
			decision: decision,
			detail: map[string]any{
				"tool":    tool,
				"path":    targetPath,
				"layer":   res.Layer,
				"allowed": res.Allowed,
			},
		}, nil
	}

	// Layer 1: the state gate. A denial here is terminal — the policy
	// engine is never consulted, so not even a valid token helps.
	if allowed, reason := d.session.GateTool(tool, targetPath); !allowed {
		return wrap(authorizeResult{Allowed: false, Layer: "state", Decision: "deny", Reason: reason})
	}

	// Layer 2: low-risk shortcut.
	if !session.HighRisk(tool) {
		return wrap(authorizeResult{Allowed: true, Layer: "state", Decision: "allow"})
	}

	// Layer 3: the policy pipeline.
	args := map[string]any{"path": targetPath}
	for k, v := range extra {
		args[k] = v
	}
	sc := &policy.SyscallContext{
		Type:   tool,
		Args:   args,
		Caller: policy.Caller{ContainerID: cc.ContainerID, PeerPID: cc.Peer.PID, Tags: cc.CapabilityTags},
		Token:  claim,
	}

	res := d.policy.Evaluate(ctx, sc)
	switch res.Decision {
	case policy.DecisionAllow:
		return wrap(authorizeResult{Allowed: true, Layer: "policy", Decision: "allow"})
	case policy.DecisionRequireReview:
		return wrap(authorizeResult{Allowed: false, Layer: "policy", Decision: "require_review", Reason: "Operation requires human review"})
	default:
		reason := res.Reason
		if reason == "" {
			reason = "denied by policy"
		}
		return wrap(authorizeResult{Allowed: false, Layer: "policy", Decision: "deny", Reason: reason})
	}
}

// decodeClaim lifts params["token"] into a token claim.
func decodeClaim(p Params) (*token.Claim, error) {
	obj, err := p.optionalObject("token")
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, nil
	}

	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, errf(CodeParamValidation, "field \"token\" is not serializable")
	}
	var claim token.Claim
	if err := json.Unmarshal(raw, &claim); err != nil {
		return nil, errf(CodeParamValidation, "field \"token\" is not a token claim: %v", err)
	}
	return &claim, nil
}

// --- session ---

func (d *Dispatcher) handleSessionGet(ctx context.Context, cc *ConnContext, p Params) (any, error) {
	return d.session.Snapshot(), nil
}

func (d *Dispatcher) handleSessionSubmitTask(ctx context.Context, cc *ConnContext, p Params) (any, error) {
	return d.session.SubmitTask()
}

func (d *Dispatcher) handleSessionCompletePlanning(ctx context.Context, cc *ConnContext, p Params) (any, error) {
	return d.session.CompletePlanning()
}

func (d *Dispatcher) handleSessionRegisterTestFile(ctx context.Context, cc *ConnContext, p Params) (any, error) {
	path, err := p.requireString("path")
	if err != nil {
		return nil, err
	}
	state, err := d.session.RegisterTestFile(path)
	if err != nil {
		if errors.Is(err, session.ErrInvalidTransition) {
			return nil, err
		}
		return nil, errf(CodeParamValidation, "%v", err)
	}
	return state, nil
}

func (d *Dispatcher) handleSessionCompleteTestWriting(ctx context.Context, cc *ConnContext, p Params) (any, error) {
	return d.session.CompleteTestWriting()
}

func (d *Dispatcher) handleSessionReportTestResult(ctx context.Context, cc *ConnContext, p Params) (any, error) {
	v, ok := p["passed"]
	if !ok {
		return nil, errf(CodeParamValidation, "missing required field \"passed\"")
	}
	passed, ok := v.(bool)
	if !ok {
		return nil, errf(CodeParamValidation, "field \"passed\" must be a boolean")
	}
	return d.session.ReportTestResult(passed)
}

func (d *Dispatcher) handleSessionCompleteCoding(ctx context.Context, cc *ConnContext, p Params) (any, error) {
	return d.session.CompleteCoding()
}

func (d *Dispatcher) handleSessionSetMode(ctx context.Context, cc *ConnContext, p Params) (any, error) {
	mode, err := p.enumString("mode", string(session.ModeStrict), string(session.ModeExplore), string(session.ModeDebug))
	if err != nil {
		return nil, err
	}
	return d.session.SetMode(session.Mode(mode))
}

func (d *Dispatcher) handleSessionReset(ctx context.Context, cc *ConnContext, p Params) (any, error) {
	return d.session.Reset()
}

// --- policy & tokens ---

func (d *Dispatcher) handlePolicyLoadYAML(ctx context.Context, cc *ConnContext, p Params) (any, error) {
	path, err := p.requireString("path")
	if err != nil {
		return nil, err
	}
	if err := d.policy.LoadFile(path); err != nil {
		return nil, errf(CodeParamValidation, "load capability document: %v", err)
	}
	return map[string]any{"ok": true}, nil
}

func (d *Dispatcher) handlePolicyEvaluate(ctx context.Context, cc *ConnContext, p Params) (any, error) {
	syscall, err := p.requireString("type")
	if err != nil {
		return nil, err
	}
	args, err := p.optionalObject("args")
	if err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	claim, err := decodeClaim(p)
	if err != nil {
		return nil, err
	}

	sc := &policy.SyscallContext{
		Type:   syscall,
		Args:   args,
		Caller: policy.Caller{ContainerID: cc.ContainerID, PeerPID: cc.Peer.PID, Tags: cc.CapabilityTags},
		Token:  claim,
	}
	res := d.policy.Evaluate(ctx, sc)

	return &auditedResult{
		result:   map[string]any{"decision": res.Decision.String()},
		decision: res.Decision.String(),
		detail:   map[string]any{"type": syscall, "rule": res.Rule},
	}, nil
}

func (d *Dispatcher) handleTokenIssue(ctx context.Context, cc *ConnContext, p Params) (any, error) {
	if d.tokens == nil {
		return nil, errf(CodeUnavailableDep, "token issuer is not wired")
	}

	syscall, err := p.requireString("syscall")
	if err != nil {
		return nil, err
	}
	containerID, err := p.optionalString("container_id")
	if err != nil {
		return nil, err
	}
	if containerID == "" {
		containerID = cc.ContainerID
	}
	peerPID, havePID, err := p.optionalInt("peer_pid")
	if err != nil {
		return nil, err
	}
	pid := cc.Peer.PID
	if havePID {
		pid = int32(peerPID)
	}
	pathGlob, err := p.optionalStringSlice("path_glob")
	if err != nil {
		return nil, err
	}
	maxOps, _, err := p.optionalInt("max_ops")
	if err != nil {
		return nil, err
	}
	ttlMS, _, err := p.optionalInt("ttl_ms")
	if err != nil {
		return nil, err
	}

	claim, err := d.tokens.Mint(token.MintRequest{
		ContainerID: containerID,
		PeerPID:     pid,
		Syscall:     syscall,
		PathGlob:    pathGlob,
		MaxOps:      maxOps,
		TTL:         time.Duration(ttlMS) * time.Millisecond,
	})
	if err != nil {
		return nil, errf(CodeParamValidation, "%v", err)
	}

	return &auditedResult{
		result: claim,
		detail: map[string]any{"token_id": claim.TokenID, "syscall": syscall},
	}, nil
}

func (d *Dispatcher) handleTokenRevoke(ctx context.Context, cc *ConnContext, p Params) (any, error) {
	if d.tokens == nil {
		return nil, errf(CodeUnavailableDep, "token issuer is not wired")
	}
	tokenID, err := p.requireString("token_id")
	if err != nil {
		return nil, err
	}
	d.tokens.Revoke(tokenID)
	return &auditedResult{
		result: map[string]any{"ok": true},
		detail: map[string]any{"token_id": tokenID},
	}, nil
}

// --- sandboxes ---

func (d *Dispatcher) requireSandboxes() error {
	if d.sandboxes == nil {
		return errf(CodeUnavailableDep, "container manager is not wired")
	}
	return nil
}

func (d *Dispatcher) handleContainerCreate(ctx context.Context, cc *ConnContext, p Params) (any, error) {
	if err := d.requireSandboxes(); err != nil {
		return nil, err
	}
	template, err := p.requireString("template")
	if err != nil {
		return nil, err
	}
	cfg, err := p.optionalObject("config")
	if err != nil {
		return nil, err
	}

	ov, err := overridesFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	id, err := d.sandboxes.Create(ctx, template, ov)
	if err != nil {
		return nil, errf(CodeSandboxLifecycle, "%v", err)
	}
	return &auditedResult{
		result: id,
		detail: map[string]any{"sandbox": id, "template": template},
	}, nil
}

func overridesFromConfig(cfg map[string]any) (sandbox.Overrides, error) {
	var ov sandbox.Overrides
	if cfg == nil {
		return ov, nil
	}
	p := Params(cfg)

	var err error
	if ov.Image, err = p.optionalString("image"); err != nil {
		return ov, err
	}
	if ov.WorkingDir, err = p.optionalString("workdir"); err != nil {
		return ov, err
	}
	if ov.Cmd, err = p.optionalStringSlice("cmd"); err != nil {
		return ov, err
	}
	if ov.Env, err = p.optionalStringSlice("env"); err != nil {
		return ov, err
	}
	maxMS, ok, err := p.optionalInt("max_duration_ms")
	if err != nil {
		return ov, err
	}
	if ok {
		ov.MaxDuration = time.Duration(maxMS) * time.Millisecond
	}
	return ov, nil
}

func (d *Dispatcher) handleContainerDestroy(ctx context.Context, cc *ConnContext, p Params) (any, error) {
	if err := d.requireSandboxes(); err != nil {
		return nil, err
	}
	id, err := p.requireString("id")
	if err != nil {
		return nil, err
	}
	if err := d.sandboxes.Destroy(ctx, id); err != nil {
		return nil, err
	}
	return &auditedResult{
		result: map[string]any{"ok": true},
		detail: map[string]any{"sandbox": id},
	}, nil
}

func (d *Dispatcher) handleContainerState(ctx context.Context, cc *ConnContext, p Params) (any, error) {
	if err := d.requireSandboxes(); err != nil {
		return nil, err
	}
	id, err := p.requireString("id")
	if err != nil {
		return nil, err
	}
	state, err := d.sandboxes.State(id)
	if err != nil {
		return nil, err
	}
	return map[string]any{"id": id, "state": string(state)}, nil
}

func (d *Dispatcher) handleContainerPause(ctx context.Context, cc *ConnContext, p Params) (any, error) {
	if err := d.requireSandboxes(); err != nil {
		return nil, err
	}
	id, err := p.requireString("id")
	if err != nil {
		return nil, err
	}
	if err := d.sandboxes.Pause(ctx, id); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (d *Dispatcher) handleContainerResume(ctx context.Context, cc *ConnContext, p Params) (any, error) {
	if err := d.requireSandboxes(); err != nil {
		return nil, err
	}
	id, err := p.requireString("id")
	if err != nil {
		return nil, err
	}
	if err := d.sandboxes.Resume(ctx, id); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (d *Dispatcher) handleContainerExec(ctx context.Context, cc *ConnContext, p Params) (any, error) {
	if err := d.requireSandboxes(); err != nil {
		return nil, err
	}
	id, err := p.requireString("id")
	if err != nil {
		return nil, err
	}
	cmd, err := p.requireStringSlice("command")
	if err != nil {
		return nil, err
	}
	if len(cmd) == 0 {
		return nil, errf(CodeParamValidation, "field \"command\" must not be empty")
	}

	optsObj, err := p.optionalObject("opts")
	if err != nil {
		return nil, err
	}
	var opts sandbox.ExecOptions
	if optsObj != nil {
		op := Params(optsObj)
		timeoutMS, ok, err := op.optionalInt("timeout")
		if err != nil {
			return nil, err
		}
		if ok {
			opts.Timeout = time.Duration(timeoutMS) * time.Millisecond
		}
		if opts.Stdin, err = op.optionalString("stdin"); err != nil {
			return nil, err
		}
	}

	res, err := d.sandboxes.Exec(ctx, id, cmd, opts)
	if err != nil {
		return nil, err
	}
	return &auditedResult{
		result: res,
		detail: map[string]any{"sandbox": id, "command": cmd[0], "exit_code": res.ExitCode},
	}, nil
}

func (d *Dispatcher) handleContainerLogs(ctx context.Context, cc *ConnContext, p Params) (any, error) {
	if err := d.requireSandboxes(); err != nil {
		return nil, err
	}
	id, err := p.requireString("id")
	if err != nil {
		return nil, err
	}
	follow, err := p.optionalBool("follow")
	if err != nil {
		return nil, err
	}
	tail, _, err := p.optionalInt("tail")
	if err != nil {
		return nil, err
	}

	stream, err := d.sandboxes.Logs(ctx, id, follow, tail)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	lines := []string{}
	for len(lines) < maxLogLines {
		line, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errf(CodeInternal, "read logs: %v", err)
		}
		lines = append(lines, line)
	}

	return map[string]any{"lines": lines}, nil
}

// --- audit ---

func (d *Dispatcher) handleAuditVerify(ctx context.Context, cc *ConnContext, p Params) (any, error) {
	if d.audit == nil {
		return nil, errf(CodeUnavailableDep, "audit logger is not wired")
	}
	lastN, _, err := p.optionalInt("last_n")
	if err != nil {
		return nil, err
	}

	res, err := d.audit.Verify(lastN)
	if err != nil {
		// Storage hiccups are the one transient failure the client may
		// usefully retry.
		return nil, &wireError{code: CodeStorageFailure, message: fmt.Sprintf("verify audit chain: %v", err), retryable: true}
	}
	return res, nil
}
