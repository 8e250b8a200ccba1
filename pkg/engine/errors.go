package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error codes. The first group names the failure kinds a run reports; the
// second classifies registry responses.
const (
	ErrCodeMalformedDeclaration   = "MALFORMED_DECLARATION"
	ErrCodeDuplicateDeclaration   = "DUPLICATE_DECLARATION"
	ErrCodeRemoteStateUnavailable = "REMOTE_STATE_UNAVAILABLE"
	ErrCodeOperationFailed        = "OPERATION_FAILED"
	ErrCodeDependencyFailed       = "DEPENDENCY_FAILED"
	ErrCodeUnresolvedDependency   = "UNRESOLVED_DEPENDENCY"
	ErrCodePolicyViolation        = "POLICY_VIOLATION"

	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeCancelled        = "CANCELLED"
	ErrCodeInternal         = "INTERNAL_ERROR"
)

// ErrorClass decides whether a failed registry call is retried.
type ErrorClass string

const (
	// ErrorClassTransient covers connection resets and 5xx responses.
	ErrorClassTransient ErrorClass = "transient"
	// ErrorClassThrottled is a service protection limit; retried with backoff.
	ErrorClassThrottled ErrorClass = "throttled"
	// ErrorClassConflict blocks the operation given the current remote state.
	ErrorClassConflict ErrorClass = "conflict"
	// ErrorClassPermanent is never retried.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError is the error type of the engine and the registry clients.
// nolint:revive // the engine prefix keeps it apart from registry wire errors
type EngineError struct {
	Class     ErrorClass             `json:"class"`
	Code      string                 `json:"code,omitempty"`
	Message   string                 `json:"message"`
	Resource  string                 `json:"resource,omitempty"` // identity key
	Operation string                 `json:"operation,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Err       error                  `json:"-"`
}

func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] ", e.Class)
	if e.Code != "" {
		b.WriteString(e.Code)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	switch {
	case e.Resource != "" && e.Operation != "":
		fmt.Fprintf(&b, " (resource=%s, operation=%s)", e.Resource, e.Operation)
	case e.Resource != "":
		fmt.Fprintf(&b, " (resource=%s)", e.Resource)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *EngineError) Unwrap() error { return e.Err }

// Is matches another EngineError with the same class and code.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	return ok && e.Class == t.Class && e.Code == t.Code
}

// WithResource sets the identity key the error concerns.
func (e *EngineError) WithResource(key string) *EngineError {
	e.Resource = key
	return e
}

// WithOperation sets the action that failed.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode sets the error code.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail attaches a value shown in JSON reports.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = map[string]interface{}{}
	}
	e.Details[key] = value
	return e
}

func classified(class ErrorClass, code, message string, err error) *EngineError {
	return &EngineError{Class: class, Code: code, Message: message, Err: err}
}

// NewTransientError classifies err as retryable.
func NewTransientError(message string, err error) *EngineError {
	return classified(ErrorClassTransient, "", message, err)
}

// NewThrottledError classifies err as a rate limit.
func NewThrottledError(message string, err error) *EngineError {
	return classified(ErrorClassThrottled, ErrCodeRateLimited, message, err)
}

// NewConflictError reports an operation the remote state does not allow.
func NewConflictError(message string, err error) *EngineError {
	return classified(ErrorClassConflict, ErrCodeConflict, message, err)
}

// NewPermanentError classifies err as final.
func NewPermanentError(message string, err error) *EngineError {
	return classified(ErrorClassPermanent, "", message, err)
}

// NewMalformedDeclarationError reports a dangling reference or a missing field.
func NewMalformedDeclarationError(message string) *EngineError {
	return classified(ErrorClassPermanent, ErrCodeMalformedDeclaration, message, nil)
}

// NewDuplicateDeclarationError reports two declarations sharing an identity key.
func NewDuplicateDeclarationError(kind EntityKind, key string) *EngineError {
	return classified(ErrorClassPermanent, ErrCodeDuplicateDeclaration,
		fmt.Sprintf("duplicate %s declaration", kind), nil).WithResource(key)
}

// NewRemoteStateUnavailableError reports a failed read of the registry.
func NewRemoteStateUnavailableError(scope string, err error) *EngineError {
	return classified(ErrorClassPermanent, ErrCodeRemoteStateUnavailable,
		fmt.Sprintf("remote state for scope %q could not be loaded", scope), err)
}

// NewOperationFailedError wraps a failed registry mutation, keeping the class
// of err so a throttled failure still reads as throttled.
func NewOperationFailedError(op *Operation, err error) *EngineError {
	class := ErrorClassPermanent
	var ee *EngineError
	if errors.As(err, &ee) {
		class = ee.Class
	}
	return classified(class, ErrCodeOperationFailed, fmt.Sprintf("%s %s failed", op.Action, op.Kind), err).
		WithResource(op.Key).
		WithOperation(string(op.Action))
}

// NewSkippedError reports an operation whose prerequisite did not succeed.
func NewSkippedError(op *Operation, dependency string) *EngineError {
	return classified(ErrorClassPermanent, ErrCodeDependencyFailed, "skipped due to dependency failure", nil).
		WithResource(op.Key).
		WithOperation(string(op.Action)).
		WithDetail("dependency", dependency)
}

// NewUnresolvedDependencyError reports a child operation reached before its
// parent had a remote identifier.
func NewUnresolvedDependencyError(op *Operation, parent string) *EngineError {
	return classified(ErrorClassPermanent, ErrCodeUnresolvedDependency,
		fmt.Sprintf("parent %s has no remote identifier", parent), nil).
		WithResource(op.Key).
		WithOperation(string(op.Action))
}

func classOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// IsTransient reports whether err is classified transient.
func IsTransient(err error) bool { return classOf(err) == ErrorClassTransient }

// IsThrottled reports whether err is classified throttled.
func IsThrottled(err error) bool { return classOf(err) == ErrorClassThrottled }

// IsConflict reports whether err is classified as a conflict.
func IsConflict(err error) bool { return classOf(err) == ErrorClassConflict }

// IsRetryable reports whether a failed call may be repeated. Timeouts are not
// retried since the call may have taken effect.
func IsRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	class := classOf(err)
	return class == ErrorClassTransient || class == ErrorClassThrottled
}

// HasCode reports whether any EngineError in the chain carries code.
func HasCode(err error, code string) bool {
	var e *EngineError
	for errors.As(err, &e) {
		if e.Code == code {
			return true
		}
		err = e.Err
	}
	return false
}
