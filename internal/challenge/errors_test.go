package challenge

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestKind_Classification(t *testing.T) {
	testCases := []struct {
		kind       Kind
		name       string
		structural bool
		retryable  bool
	}{
		{KindNone, "", false, false},
		{KindLookupNotFound, "LookupNotFound", true, false},
		{KindLookupFailed, "LookupFailed", false, true},
		{KindNoContactOnFile, "NoContactOnFile", true, false},
		{KindIssueFailed, "IssueFailed", false, true},
		{KindVerificationRejected, "VerificationRejected", false, false},
		{KindVerificationFailed, "VerificationFailed", false, true},
	}
	for _, tc := range testCases {
		if got := tc.kind.String(); got != tc.name {
			t.Errorf("Kind(%d).String() = %q, want %q", tc.kind, got, tc.name)
		}
		if got := tc.kind.Structural(); got != tc.structural {
			t.Errorf("%s.Structural() = %v, want %v", tc.name, got, tc.structural)
		}
		if got := tc.kind.Retryable(); got != tc.retryable {
			t.Errorf("%s.Retryable() = %v, want %v", tc.name, got, tc.retryable)
		}
	}
	if got := Kind(99).String(); got != "Unknown" {
		t.Errorf("Kind(99).String() = %q", got)
	}
}

func TestError_WrapsCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := fmt.Errorf("request: %w", &Error{Kind: KindIssueFailed, Message: msgIssueFailed, Err: cause})

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the cause")
	}
	if KindOf(err) != KindIssueFailed {
		t.Errorf("KindOf = %v, want IssueFailed", KindOf(err))
	}
	if !strings.Contains(err.Error(), "IssueFailed") || !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("Error() = %q", err.Error())
	}
	if KindOf(errors.New("plain")) != KindNone {
		t.Error("KindOf(plain error) should be KindNone")
	}
	if KindOf(nil) != KindNone {
		t.Error("KindOf(nil) should be KindNone")
	}
}

func TestState_String(t *testing.T) {
	testCases := map[State]string{
		StateIdle:            "IDLE",
		StateAwaitingRequest: "AWAITING_REQUEST",
		StateCodeSent:        "CODE_SENT",
		StateVerifying:       "VERIFYING",
		StateSuccess:         "SUCCESS",
		StateNoContact:       "NO_CONTACT",
		StateCodeRejected:    "CODE_REJECTED",
		StateNotFound:        "NOT_FOUND",
		State(42):            "UNKNOWN",
	}
	for s, want := range testCases {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}

func TestState_Terminal(t *testing.T) {
	for _, s := range []State{StateSuccess, StateNoContact, StateNotFound} {
		if !s.Terminal() {
			t.Errorf("%v should be terminal", s)
		}
	}
	for _, s := range []State{StateIdle, StateAwaitingRequest, StateCodeSent, StateVerifying, StateCodeRejected} {
		if s.Terminal() {
			t.Errorf("%v should not be terminal", s)
		}
	}
}
