package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the domain layer.
var (
	ErrInvalidTransition  = fmt.Errorf("invalid task transition")
	ErrUnknownAgent       = fmt.Errorf("unknown agent")
	ErrBudgetExceeded     = fmt.Errorf("session call budget exceeded")
	ErrProviderError      = fmt.Errorf("model provider error")
	ErrTaskNotFound       = fmt.Errorf("task not found")
	ErrSessionNotFound    = fmt.Errorf("session not found")
	ErrApprovalNotPending = fmt.Errorf("task is not awaiting approval")
	ErrInvalidInput       = fmt.Errorf("invalid input")
	ErrDuplicate          = fmt.Errorf("duplicate")
	ErrNotFound           = fmt.Errorf("not found")
	ErrConfigLoad         = fmt.Errorf("failed to load configuration")
	ErrEncryption         = fmt.Errorf("encryption operation failed")
	ErrDecryption         = fmt.Errorf("decryption failed")

	// Provider resilience errors.
	ErrRateLimit       = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid     = fmt.Errorf("authentication failed")
	ErrContextOverflow = fmt.Errorf("context window exceeded")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Council.Submit")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient provider error that
// may succeed on retry. The core never retries; this feeds monitoring.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrContextOverflow)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

// Every sentinel error maps to exactly one code.
const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeInvalidTransition  ErrorCode = "INVALID_TRANSITION"
	CodeUnknownAgent       ErrorCode = "UNKNOWN_AGENT"
	CodeBudgetExceeded     ErrorCode = "BUDGET_EXCEEDED"
	CodeProviderError      ErrorCode = "PROVIDER_ERROR"
	CodeTaskNotFound       ErrorCode = "TASK_NOT_FOUND"
	CodeSessionNotFound    ErrorCode = "SESSION_NOT_FOUND"
	CodeApprovalNotPending ErrorCode = "APPROVAL_NOT_PENDING"
	CodeInvalidInput       ErrorCode = "INVALID_INPUT"
	CodeDuplicate          ErrorCode = "DUPLICATE"
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeConfigLoad         ErrorCode = "CONFIG_LOAD"
	CodeEncryption         ErrorCode = "ENCRYPTION"
	CodeDecryption         ErrorCode = "DECRYPTION"
	CodeRateLimit          ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid        ErrorCode = "AUTH_INVALID"
	CodeContextOverflow    ErrorCode = "CONTEXT_OVERFLOW"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrInvalidTransition:  CodeInvalidTransition,
	ErrUnknownAgent:       CodeUnknownAgent,
	ErrBudgetExceeded:     CodeBudgetExceeded,
	ErrProviderError:      CodeProviderError,
	ErrTaskNotFound:       CodeTaskNotFound,
	ErrSessionNotFound:    CodeSessionNotFound,
	ErrApprovalNotPending: CodeApprovalNotPending,
	ErrInvalidInput:       CodeInvalidInput,
	ErrDuplicate:          CodeDuplicate,
	ErrNotFound:           CodeNotFound,
	ErrConfigLoad:         CodeConfigLoad,
	ErrEncryption:         CodeEncryption,
	ErrDecryption:         CodeDecryption,
	ErrRateLimit:          CodeRateLimit,
	ErrAuthInvalid:        CodeAuthInvalid,
	ErrContextOverflow:    CodeContextOverflow,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	// Unwrap DomainError to check its inner sentinel.
	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	// Walk the error chain with errors.Is.
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
