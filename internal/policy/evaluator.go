package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"fluffy/pkg/protocol"
)

// Evaluator call bounds. A frozen evaluator must never stall the engine:
// past the deadline its contribution degrades to pass, and after a crash it
// is disabled until the cooldown elapses.
const (
	DefaultEvaluatorTimeout  = 100 * time.Millisecond
	DefaultEvaluatorCooldown = 5 * time.Second
)

// SocketEvaluator talks to a host-run evaluator process over its own unix
// socket using the same frame protocol as the kernel's IPC surface.
type SocketEvaluator struct {
	socketPath string
	timeout    time.Duration
	cooldown   time.Duration
	logger     *log.Logger

	mu            sync.Mutex
	disabledUntil time.Time
}

// NewSocketEvaluator builds an evaluator client for the given socket path.
func NewSocketEvaluator(socketPath string, logger *log.Logger) *SocketEvaluator {
	if logger == nil {
		logger = log.New(os.Stdout, "[policy] ", log.LstdFlags|log.Lmsgprefix)
	}
	return &SocketEvaluator{
		socketPath: socketPath,
		timeout:    DefaultEvaluatorTimeout,
		cooldown:   DefaultEvaluatorCooldown,
		logger:     logger,
	}
}

// Evaluate sends the syscall context to the evaluator and returns its
// decision. Timeouts return pass (a contribution of nothing); transport
// failures return an error, which the engine treats as deny, and start the
// cooldown.
func (se *SocketEvaluator) Evaluate(ctx context.Context, sc *SyscallContext) (Decision, error) {
	se.mu.Lock()
	if time.Now().Before(se.disabledUntil) {
		se.mu.Unlock()
		return "", fmt.Errorf("evaluator disabled until %s", se.disabledUntil.Format(time.RFC3339))
	}
	se.mu.Unlock()

	decision, err := se.call(ctx, sc)
	if err != nil {
		se.mu.Lock()
		se.disabledUntil = time.Now().Add(se.cooldown)
		se.mu.Unlock()
		return "", err
	}
	return decision, nil
}

func (se *SocketEvaluator) call(ctx context.Context, sc *SyscallContext) (Decision, error) {
	deadline := time.Now().Add(se.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	conn, err := net.DialTimeout("unix", se.socketPath, time.Until(deadline))
	if err != nil {
		return "", fmt.Errorf("dial evaluator: %w", err)
	}
	defer conn.Close()
	conn.SetDeadline(deadline)

	params, err := json.Marshal(map[string]any{
		"type":   sc.Type,
		"args":   sc.Args,
		"caller": map[string]any{"container_id": sc.Caller.ContainerID, "tags": sc.Caller.Tags},
	})
	if err != nil {
		return "", fmt.Errorf("marshal evaluator params: %w", err)
	}

	req := &protocol.Message{
		ID:     uuid.NewString(),
		Type:   protocol.TypeRequest,
		Method: "evaluate",
		Params: params,
	}
	if err := protocol.Write(conn, req); err != nil {
		return "", fmt.Errorf("write evaluator request: %w", err)
	}

	decoder := protocol.NewDecoder()
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if isTimeout(err) {
				se.logger.Printf("evaluator timed out after %s; contributing pass", se.timeout)
				return DecisionPass, nil
			}
			return "", fmt.Errorf("read evaluator response: %w", err)
		}

		msgs, err := decoder.Feed(buf[:n])
		if err != nil {
			return "", fmt.Errorf("decode evaluator response: %w", err)
		}
		for _, m := range msgs {
			if m.Type != protocol.TypeResponse || m.ID != req.ID {
				continue
			}
			if m.Error != nil {
				return "", fmt.Errorf("evaluator error: %s", m.Error.Message)
			}
			return parseDecision(m.Result)
		}
	}
}

func parseDecision(result any) (Decision, error) {
	obj, ok := result.(map[string]any)
	if !ok {
		return "", fmt.Errorf("evaluator returned malformed result")
	}
	raw, _ := obj["decision"].(string)
	switch d := Decision(raw); d {
	case DecisionAllow, DecisionDeny, DecisionRequireReview, DecisionPass:
		return d, nil
	}
	return "", fmt.Errorf("evaluator returned unknown decision %q", raw)
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
