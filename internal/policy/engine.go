package policy

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"fluffy/internal/token"
)

// Caller identifies who is asking, as derived from the connection.
type Caller struct {
	ContainerID string
	PeerPID     int32
	Tags        []string
}

// SyscallContext is the tuple the engine evaluates: the syscall name, its
// arguments (args["path"] is the conventional path slot), the caller, and
// an optional capability token.
type SyscallContext struct {
	Type   string
	Args   map[string]any
	Caller Caller
	Token  *token.Claim
}

// Path returns args["path"] when it is a string.
func (sc *SyscallContext) Path() string {
	if p, ok := sc.Args["path"].(string); ok {
		return p
	}
	return ""
}

// Result is the engine's answer, including the rule (or layer) that decided
// and a human reason when one exists.
type Result struct {
	Decision Decision
	Rule     string
	Reason   string
}

// Evaluator is the optional external policy collaborator. A returned error
// means the evaluator is unhealthy and the engine fails closed.
type Evaluator interface {
	Evaluate(ctx context.Context, sc *SyscallContext) (Decision, error)
}

// Engine evaluates syscall contexts against the layered rule sets. Rule
// sets are immutable once loaded; ReplaceRules swaps the declarative set
// atomically.
type Engine struct {
	tokens    *token.Issuer
	evaluator Evaluator
	logger    *log.Logger
	now       func() time.Time

	mu          sync.RWMutex
	declarative *ruleSet
}

// Config wires the engine. Tokens may be nil (no token fast-path);
// Evaluator may be nil (no external layer).
type Config struct {
	Tokens    *token.Issuer
	Evaluator Evaluator
	Logger    *log.Logger
}

// NewEngine builds an engine with only the built-in layer populated.
func NewEngine(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[policy] ", log.LstdFlags|log.Lmsgprefix)
	}
	return &Engine{
		tokens:    cfg.Tokens,
		evaluator: cfg.Evaluator,
		logger:    cfg.Logger,
		now:       time.Now,
	}
}

// LoadFile loads the capability document at path and atomically replaces
// the declarative rule set. On failure the previous rules stay in force.
func (e *Engine) LoadFile(path string) error {
	rs, err := LoadDocument(path, e.logger)
	if err != nil {
		return err
	}
	e.ReplaceRules(rs)
	e.logger.Printf("capability document loaded from %s", path)
	return nil
}

// ReplaceRules swaps the declarative rule set.
func (e *Engine) ReplaceRules(rs *ruleSet) {
	e.mu.Lock()
	e.declarative = rs
	e.mu.Unlock()
}

// Evaluate runs the layered pipeline. Default is deny: absent any allow,
// the caller gets one.
func (e *Engine) Evaluate(ctx context.Context, sc *SyscallContext) Result {
	hasAllow := false
	hasReview := false
	var allowRule, reviewRule string

	// Layer 1: built-in rules. Deny is immediately terminal.
	for _, rule := range builtinRules {
		if !rule.applies(sc) {
			continue
		}
		switch rule.action {
		case DecisionDeny:
			return Result{Decision: DecisionDeny, Rule: rule.name, Reason: rule.reason}
		case DecisionRequireReview:
			hasReview = true
			reviewRule = rule.name
		case DecisionAllow:
			hasAllow = true
			allowRule = rule.name
		}
	}

	// Layer 2: token fast-path. A valid token bypasses the declarative and
	// external layers but never a built-in deny, and a built-in
	// require_review still sticks.
	if sc.Token != nil && e.tokens != nil {
		err := e.tokens.Consume(sc.Token, sc.Caller.ContainerID, sc.Caller.PeerPID, sc.Type, sc.Path(), e.now())
		if err == nil {
			if hasReview {
				return Result{Decision: DecisionRequireReview, Rule: reviewRule, Reason: "token honored but review still required"}
			}
			return Result{Decision: DecisionAllow, Rule: "token:" + sc.Token.TokenID}
		}
		e.logger.Printf("token %s rejected: %v", sc.Token.TokenID, err)
	}

	// Layer 3: declarative rules.
	e.mu.RLock()
	declarative := e.declarative
	e.mu.RUnlock()

	for _, rule := range declarative.rulesFor(sc.Type) {
		if !rule.applies(sc) {
			continue
		}
		switch rule.action {
		case DecisionDeny:
			return Result{Decision: DecisionDeny, Rule: rule.name, Reason: rule.reason}
		case DecisionRequireReview:
			hasReview = true
			reviewRule = rule.name
		case DecisionAllow:
			hasAllow = true
			allowRule = rule.name
		}
	}

	// Layer 4: external evaluator. Unreachable or crashed fails closed.
	if e.evaluator != nil {
		decision, err := e.evaluator.Evaluate(ctx, sc)
		if err != nil {
			e.logger.Printf("external evaluator failed closed: %v", err)
			return Result{Decision: DecisionDeny, Rule: "external", Reason: "external evaluator unavailable"}
		}
		switch decision {
		case DecisionDeny:
			return Result{Decision: DecisionDeny, Rule: "external"}
		case DecisionRequireReview:
			hasReview = true
			reviewRule = "external"
		case DecisionAllow:
			hasAllow = true
			allowRule = "external"
		}
	}

	if hasReview {
		return Result{Decision: DecisionRequireReview, Rule: reviewRule}
	}
	if hasAllow {
		return Result{Decision: DecisionAllow, Rule: allowRule}
	}
	return Result{Decision: DecisionDeny, Reason: "no rule allowed the operation"}
}
