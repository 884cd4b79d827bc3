package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf_KindedError(t *testing.T) {
	err := New(RateLimit, "too many requests")
	if got := KindOf(err); got != RateLimit {
		t.Errorf("expected RATE_LIMIT, got %s", got)
	}
}

func TestKindOf_WrappedKindedError(t *testing.T) {
	inner := New(AuthError, "token rejected")
	err := fmt.Errorf("call failed: %w", inner)
	if got := KindOf(err); got != AuthError {
		t.Errorf("expected AUTH_ERROR through %%w wrapping, got %s", got)
	}
}

func TestKindOf_ContextErrors(t *testing.T) {
	if got := KindOf(context.Canceled); got != Cancelled {
		t.Errorf("expected CANCELLED for context.Canceled, got %s", got)
	}
	if got := KindOf(context.DeadlineExceeded); got != ExecutionTimeout {
		t.Errorf("expected EXECUTION_TIMEOUT for context.DeadlineExceeded, got %s", got)
	}
}

func TestKindOf_UnknownError(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != ExecutionFailed {
		t.Errorf("expected EXECUTION_FAILED fallback, got %s", got)
	}
}

func TestKindOf_Nil(t *testing.T) {
	if got := KindOf(nil); got != "" {
		t.Errorf("expected empty kind for nil, got %s", got)
	}
}

func TestWrap_NilCauseReturnsNil(t *testing.T) {
	if err := Wrap(NetworkError, nil, "dial"); err != nil {
		t.Errorf("expected nil for nil cause, got %v", err)
	}
}

func TestWrap_Unwraps(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(NetworkError, cause, "dial mcp server")
	if !errors.Is(err, cause) {
		t.Error("wrapped error must unwrap to its cause")
	}
	if !Is(err, NetworkError) {
		t.Error("Is must recognise the wrapped kind")
	}
}

func TestError_Message(t *testing.T) {
	err := Wrap(ServerError, errors.New("502"), "provider call")
	want := "SERVER_ERROR: provider call: 502"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
}
