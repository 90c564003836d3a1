package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfUnwrapsWrappedErrors(t *testing.T) {
	t.Parallel()

	base := NewError(ErrorKindAuth, "dial", errors.New("401"))
	wrapped := fmt.Errorf("open session: %w", base)

	if got := KindOf(wrapped); got != ErrorKindAuth {
		t.Fatalf("unexpected kind: %q", got)
	}
	if got := KindOf(errors.New("plain")); got != ErrorKindUnknown {
		t.Fatalf("expected unknown kind, got %q", got)
	}
	if got := KindOf(nil); got != "" {
		t.Fatalf("expected empty kind for nil, got %q", got)
	}
}

func TestErrorMessageIncludesOp(t *testing.T) {
	t.Parallel()

	err := Errorf(ErrorKindTimeout, "finalize", "no final result")
	if err.Error() != "finalize: no final result" {
		t.Fatalf("unexpected message: %q", err.Error())
	}

	bare := &Error{Kind: ErrorKindCapture}
	if bare.Error() != "capture" {
		t.Fatalf("unexpected bare message: %q", bare.Error())
	}
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	if ErrorKindAuth.Retryable() {
		t.Fatalf("auth errors must not be retryable")
	}
	if !ErrorKindNetwork.Retryable() || !ErrorKindTimeout.Retryable() {
		t.Fatalf("network and timeout errors should be retryable")
	}
}

func TestProviderConfigCloneIsDeep(t *testing.T) {
	t.Parallel()

	cfg := ProviderConfig{
		Provider:    "doubao",
		Credentials: map[string]string{"app_id": " app "},
		Options:     map[string]string{"segment_duration_ms": "200"},
	}
	clone := cfg.Clone()
	clone.Credentials["app_id"] = "changed"
	clone.Options["segment_duration_ms"] = "100"

	if cfg.Credential("app_id") != "app" {
		t.Fatalf("original credentials mutated: %+v", cfg.Credentials)
	}
	if cfg.Option("segment_duration_ms", "") != "200" {
		t.Fatalf("original options mutated: %+v", cfg.Options)
	}
	if cfg.Option("missing", "fallback") != "fallback" {
		t.Fatalf("expected fallback option")
	}
}

func TestSessionStateTerminal(t *testing.T) {
	t.Parallel()

	for _, s := range []SessionState{SessionStateCompleted, SessionStateFailed} {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	for _, s := range []SessionState{SessionStateIdle, SessionStateStarting, SessionStateRecording, SessionStateStopping, SessionStateAwaitingFinal} {
		if s.Terminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}
