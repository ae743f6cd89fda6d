package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"validation", Validation("bad format %q", "xml"), KindValidation},
		{"not found", NotFound("call missing"), KindNotFound},
		{"conflict", Conflict("download in flight"), KindConflict},
		{"unavailable", Unavailable("server warming"), KindUnavailable},
		{"transient", Transient("connection reset"), KindTransient},
		{"plain error is fatal", errors.New("boom"), KindFatal},
		{"wrapped keeps kind", fmt.Errorf("stage: %w", Transient("timeout")), KindTransient},
		{"double wrapped keeps kind", fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", NotFound("gone"))), KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWrapNil(t *testing.T) {
	if err := Wrap(KindTransient, nil, "whatever"); err != nil {
		t.Errorf("Wrap(nil) = %v, want nil", err)
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(KindFatal, cause, "save transcript")
	if !errors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false, want true")
	}
	if got, want := err.Error(), "save transcript: disk full"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(Transient("timeout")) {
		t.Error("Retryable(transient) = false, want true")
	}
	if Retryable(Validation("bad input")) {
		t.Error("Retryable(validation) = true, want false")
	}
	if Retryable(errors.New("plain")) {
		t.Error("Retryable(plain) = true, want false")
	}
}
