package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestEngineError_Error(t *testing.T) {
	op := &Operation{Kind: KindStep, Action: OperationCreate, Key: "Foo.Bar:Create:account:PostOperation"}
	err := NewOperationFailedError(op, NewThrottledError("too many requests", errors.New("429")))

	want := "[throttled] OPERATION_FAILED: create step failed " +
		"(resource=Foo.Bar:Create:account:PostOperation, operation=create): " +
		"[throttled] RATE_LIMITED: too many requests: 429"
	if got := err.Error(); got != want {
		t.Errorf("Error() =\n%s\nwant\n%s", got, want)
	}
}

func TestErrorPredicates(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
		throttled bool
		conflict  bool
		retryable bool
	}{
		{"transient", NewTransientError("reset", nil), true, false, false, true},
		{"throttled", NewThrottledError("429", nil), false, true, false, true},
		{"conflict", NewConflictError("in use", nil), false, false, true, false},
		{"permanent", NewPermanentError("bad request", nil), false, false, false, false},
		{"wrapped throttled", fmt.Errorf("list steps: %w", NewThrottledError("429", nil)), false, true, false, true},
		{"plain", errors.New("boom"), false, false, false, false},
		{"timeout", NewTransientError("call", context.DeadlineExceeded), true, false, false, false},
		{"cancelled", NewThrottledError("call", context.Canceled), false, true, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.transient {
				t.Errorf("IsTransient = %v, want %v", got, tt.transient)
			}
			if got := IsThrottled(tt.err); got != tt.throttled {
				t.Errorf("IsThrottled = %v, want %v", got, tt.throttled)
			}
			if got := IsConflict(tt.err); got != tt.conflict {
				t.Errorf("IsConflict = %v, want %v", got, tt.conflict)
			}
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestHasCode(t *testing.T) {
	op := &Operation{Kind: KindImage, Action: OperationCreate, Key: "k"}
	inner := NewPermanentError("denied", nil).WithCode(ErrCodePermissionDenied)
	err := fmt.Errorf("apply: %w", NewOperationFailedError(op, inner))

	for _, code := range []string{ErrCodeOperationFailed, ErrCodePermissionDenied} {
		if !HasCode(err, code) {
			t.Errorf("HasCode(%s) = false, want true", code)
		}
	}
	if HasCode(err, ErrCodeNotFound) {
		t.Error("HasCode(NOT_FOUND) = true, want false")
	}
	if HasCode(nil, ErrCodeOperationFailed) {
		t.Error("HasCode(nil) = true")
	}
}

func TestEngineError_Is(t *testing.T) {
	err := fmt.Errorf("load: %w", NewRemoteStateUnavailableError("Contoso.Plugins", errors.New("dial")))
	target := &EngineError{Class: ErrorClassPermanent, Code: ErrCodeRemoteStateUnavailable}

	if !errors.Is(err, target) {
		t.Error("errors.Is did not match class and code")
	}
	if errors.Is(err, &EngineError{Class: ErrorClassTransient, Code: ErrCodeRemoteStateUnavailable}) {
		t.Error("errors.Is matched a different class")
	}
}

func TestNewSkippedError(t *testing.T) {
	op := &Operation{Kind: KindImage, Action: OperationCreate, Key: "img"}
	err := NewSkippedError(op, "step:create:s")

	if err.Code != ErrCodeDependencyFailed || err.Resource != "img" {
		t.Errorf("unexpected error fields: %+v", err)
	}
	if got := err.Details["dependency"]; got != "step:create:s" {
		t.Errorf("dependency detail = %v", got)
	}
}
