package kernel

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"fluffy/internal/audit"
	"fluffy/internal/policy"
	"fluffy/internal/sandbox"
	"fluffy/internal/session"
	"fluffy/internal/token"
	"fluffy/pkg/protocol"
)

// ConnContext is the request context derived when a connection is accepted:
// who the peer is and which container it lives in. Immutable per
// connection.
type ConnContext struct {
	ContainerID    string
	PluginName     string
	CapabilityTags []string
	Peer           PeerIdentity
}

// newConnContext derives the request context from what the socket tells us
// at accept time. Sandboxed peers (resolved to a container) are the driven
// agent; host peers are plugins run next to the kernel, and get the
// "trusted" tag when they share the kernel's uid or are root. Capability
// documents match on these tags via caller_tag.
func newConnContext(peer PeerIdentity, containerID string, kernelUID uint32) *ConnContext {
	cc := &ConnContext{Peer: peer, ContainerID: containerID}
	if containerID != "" {
		cc.PluginName = "agent"
		cc.CapabilityTags = []string{"sandboxed"}
		return cc
	}

	cc.PluginName = "host"
	cc.CapabilityTags = []string{"host"}
	if peer.UID == 0 || peer.UID == kernelUID {
		cc.CapabilityTags = append(cc.CapabilityTags, "trusted")
	}
	return cc
}

// actor is the identity recorded in audit entries for this connection.
func (c *ConnContext) actor() string {
	if c.ContainerID != "" {
		if len(c.ContainerID) > 12 {
			return c.ContainerID[:12]
		}
		return c.ContainerID
	}
	return fmt.Sprintf("pid:%d", c.Peer.PID)
}

// handler processes one validated request.
type handler func(ctx context.Context, cc *ConnContext, p Params) (any, error)

// Dispatcher maps method names to handlers and glues the kernel's
// subsystems together. Every dispatched request produces exactly one audit
// entry; audit emission is best-effort and never fails a request.
type Dispatcher struct {
	session   *session.Machine
	policy    *policy.Engine
	tokens    *token.Issuer
	audit     *audit.Logger
	sandboxes *sandbox.Manager
	logger    *log.Logger

	methods map[string]handler
}

// DispatcherConfig wires the dispatcher's collaborators.
type DispatcherConfig struct {
	Session   *session.Machine
	Policy    *policy.Engine
	Tokens    *token.Issuer
	Audit     *audit.Logger
	Sandboxes *sandbox.Manager
	Logger    *log.Logger
}

// NewDispatcher builds the dispatcher and registers the method surface.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[kernel] ", log.LstdFlags|log.Lmsgprefix)
	}

	d := &Dispatcher{
		session:   cfg.Session,
		policy:    cfg.Policy,
		tokens:    cfg.Tokens,
		audit:     cfg.Audit,
		sandboxes: cfg.Sandboxes,
		logger:    cfg.Logger,
	}

	d.methods = map[string]handler{
		"test.ping": d.handlePing,

		"container.create":  d.handleContainerCreate,
		"container.destroy": d.handleContainerDestroy,
		"container.state":   d.handleContainerState,
		"container.pause":   d.handleContainerPause,
		"container.resume":  d.handleContainerResume,
		"container.exec":    d.handleContainerExec,
		"container.run":     d.handleContainerExec, // alias; audits under the name the client used
		"container.logs":    d.handleContainerLogs,

		"session.get":                   d.handleSessionGet,
		"session.submit_task":           d.handleSessionSubmitTask,
		"session.complete_planning":     d.handleSessionCompletePlanning,
		"session.register_test_file":    d.handleSessionRegisterTestFile,
		"session.complete_test_writing": d.handleSessionCompleteTestWriting,
		"session.report_test_result":    d.handleSessionReportTestResult,
		"session.complete_coding":       d.handleSessionCompleteCoding,
		"session.set_mode":              d.handleSessionSetMode,
		"session.reset":                 d.handleSessionReset,

		"policy.load_yaml": d.handlePolicyLoadYAML,
		"policy.evaluate":  d.handlePolicyEvaluate,
		"token.issue":      d.handleTokenIssue,
		"token.revoke":     d.handleTokenRevoke,

		"tool.authorize": d.handleToolAuthorize,

		"audit.verify": d.handleAuditVerify,
	}

	return d
}

// Dispatch handles one inbound message and returns the response to write
// back. It never returns nil.
func (d *Dispatcher) Dispatch(ctx context.Context, cc *ConnContext, msg *protocol.Message) *protocol.Message {
	if msg.Type != protocol.TypeRequest {
		return d.fail(cc, msg, errf(CodeInvalidRequest, "message type %q is not a request", msg.Type))
	}
	if msg.Method == "" {
		return d.fail(cc, msg, errf(CodeInvalidRequest, "request has no method"))
	}

	h, ok := d.methods[msg.Method]
	if !ok {
		return d.fail(cc, msg, errf(CodeMethodNotFound, "unknown method %q", msg.Method))
	}

	params, err := decodeParams(msg.Params)
	if err != nil {
		return d.fail(cc, msg, err)
	}

	result, err := d.invoke(ctx, cc, h, params)
	if err != nil {
		return d.fail(cc, msg, err)
	}

	detail := map[string]any{}
	decision := "allow"
	if ar, ok := result.(*auditedResult); ok {
		if ar.detail != nil {
			detail = ar.detail
		}
		if ar.decision != "" {
			decision = ar.decision
		}
		result = ar.result
	}

	d.emit(cc, msg.Method, detail, decision)
	return &protocol.Message{ID: msg.ID, Type: protocol.TypeResponse, Result: result}
}

// invoke runs a handler, converting panics into internal errors so one bad
// request cannot take the kernel down.
func (d *Dispatcher) invoke(ctx context.Context, cc *ConnContext, h handler, p Params) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Printf("handler panic: %v", r)
			err = errf(CodeInternal, "internal error")
		}
	}()
	return h(ctx, cc, p)
}

func (d *Dispatcher) fail(cc *ConnContext, msg *protocol.Message, err error) *protocol.Message {
	info := toErrorInfo(err)
	method := msg.Method
	if method == "" {
		method = "(none)"
	}
	d.emitError(cc, method, map[string]any{"code": info.Code, "message": info.Message})
	return &protocol.Message{ID: msg.ID, Type: protocol.TypeResponse, Error: info}
}

// emit writes the per-request audit entry. Best-effort: a full or closed
// audit store must never fail the request.
func (d *Dispatcher) emit(cc *ConnContext, method string, detail map[string]any, decision string) {
	if d.audit == nil {
		return
	}
	if err := d.audit.Append(categoryFor(method), "ipc."+method, cc.actor(), detail, decision); err != nil {
		d.logger.Printf("audit append failed: %v", err)
	}
}

func (d *Dispatcher) emitError(cc *ConnContext, method string, detail map[string]any) {
	if d.audit == nil {
		return
	}
	if err := d.audit.Append(audit.CategoryError, "ipc."+method, cc.actor(), detail, "deny"); err != nil {
		d.logger.Printf("audit append failed: %v", err)
	}
}

func categoryFor(method string) string {
	switch {
	case strings.HasPrefix(method, "tool."):
		return audit.CategoryTool
	case strings.HasPrefix(method, "policy."), strings.HasPrefix(method, "token."):
		return audit.CategoryPolicy
	default:
		return audit.CategoryLifecycle
	}
}

// sessionRecorder adapts the audit logger to the state machine's sink
// interface.
type sessionRecorder struct {
	audit  *audit.Logger
	logger *log.Logger
}

// NewSessionRecorder builds the audit sink handed to the state machine.
func NewSessionRecorder(a *audit.Logger, logger *log.Logger) session.Recorder {
	return &sessionRecorder{audit: a, logger: logger}
}

func (r *sessionRecorder) Record(category, action string, detail map[string]any, decision string) {
	if r.audit == nil {
		return
	}
	if err := r.audit.Append(category, action, "kernel", detail, decision); err != nil && r.logger != nil {
		r.logger.Printf("session audit append failed: %v", err)
	}
}
