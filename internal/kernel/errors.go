package kernel

import (
	"errors"
	"fmt"

	"fluffy/internal/sandbox"
	"fluffy/internal/session"
	"fluffy/internal/token"
	"fluffy/pkg/protocol"
)

// Stable wire codes for the closed error-kind set.
const (
	CodeInternal          = "INTERNAL_ERROR"
	CodeInvalidRequest    = "INVALID_REQUEST"
	CodeMethodNotFound    = "METHOD_NOT_FOUND"
	CodeParamValidation   = "PARAM_VALIDATION"
	CodeUnavailableDep    = "UNAVAILABLE_DEPENDENCY"
	CodePolicyDenied      = "POLICY_DENIED"
	CodeReviewRequired    = "REVIEW_REQUIRED"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeTokenInvalid      = "TOKEN_INVALID"
	CodeTokenExpired      = "TOKEN_EXPIRED"
	CodeTokenRevoked      = "TOKEN_REVOKED"
	CodeTokenExhausted    = "TOKEN_EXHAUSTED"
	CodeSandboxLifecycle  = "SANDBOX_LIFECYCLE"
	CodeChainBroken       = "CHAIN_BROKEN"
	CodePeerIdentity      = "PEER_IDENTITY_UNAVAILABLE"
	CodeSocketInUse       = "SOCKET_IN_USE"
	CodeNonSocketPath     = "NON_SOCKET_PATH"
	CodeStorageFailure    = "STORAGE_FAILURE"
	CodeEvaluatorDown     = "EVALUATOR_UNAVAILABLE"
)

// Startup failures.
var (
	ErrSocketInUse   = errors.New("socket path is already in use")
	ErrNonSocketPath = errors.New("socket path exists and is not a socket")
	ErrPeerIdentity  = errors.New("peer identity unavailable")
)

// wireError is an error that already knows its wire code.
type wireError struct {
	code      string
	message   string
	retryable bool
}

func (e *wireError) Error() string {
	return e.message
}

func errf(code, format string, args ...any) error {
	return &wireError{code: code, message: fmt.Sprintf(format, args...)}
}

// toErrorInfo maps any handler error onto the wire envelope. The retryable
// flag is false except for transient storage failures.
func toErrorInfo(err error) *protocol.ErrorInfo {
	var we *wireError
	if errors.As(err, &we) {
		return &protocol.ErrorInfo{Code: we.code, Message: we.message, Retryable: we.retryable}
	}

	code := CodeInternal
	switch {
	case errors.Is(err, session.ErrInvalidTransition):
		code = CodeInvalidTransition
	case errors.Is(err, token.ErrExpired):
		code = CodeTokenExpired
	case errors.Is(err, token.ErrRevoked):
		code = CodeTokenRevoked
	case errors.Is(err, token.ErrExhausted):
		code = CodeTokenExhausted
	case errors.Is(err, token.ErrInvalid):
		code = CodeTokenInvalid
	case errors.Is(err, sandbox.ErrNotFound), errors.Is(err, sandbox.ErrLifecycle):
		code = CodeSandboxLifecycle
	}

	return &protocol.ErrorInfo{Code: code, Message: err.Error()}
}
