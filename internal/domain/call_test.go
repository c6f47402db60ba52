package domain

import "testing"

func TestCallStateTerminal(t *testing.T) {
	if !CallStateEnded.IsTerminal() {
		t.Error("ended should be terminal")
	}
	for _, s := range []CallState{
		CallStateCreating, CallStatePlacing, CallStateAwaitingAttach,
		CallStateReady, CallStateSpeaking, CallStateListening, CallStateEnding,
	} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestCallStateForwardTransitions(t *testing.T) {
	cases := []struct {
		from, to CallState
		want     bool
	}{
		{CallStateCreating, CallStatePlacing, true},
		{CallStatePlacing, CallStateAwaitingAttach, true},
		{CallStateAwaitingAttach, CallStateReady, true},
		{CallStateReady, CallStateSpeaking, true},
		{CallStateSpeaking, CallStateListening, true},
		{CallStateListening, CallStateSpeaking, true},
		{CallStateListening, CallStateEnding, true},
		{CallStateSpeaking, CallStateEnding, true},
		{CallStateEnding, CallStateEnded, true},

		// Backwards moves are rejected.
		{CallStateReady, CallStateCreating, false},
		{CallStateListening, CallStateReady, false},
		{CallStateEnding, CallStateSpeaking, false},
		// Nothing leaves ended.
		{CallStateEnded, CallStateCreating, false},
		{CallStateEnded, CallStateEnded, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.want {
			t.Errorf("CanTransitionTo(%s -> %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestAnyStateCanEnd(t *testing.T) {
	for s := range callStateOrder {
		if !s.CanTransitionTo(CallStateEnded) {
			t.Errorf("%s should be able to transition to ended", s)
		}
	}
}

func TestErrorCodeOf(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorCode
	}{
		{ErrUserHungUp, CodeUserHungUp},
		{ErrAttachTimeout, CodeAttachTimeout},
		{WrapOp("Session.Listen", ErrUserHungUp), CodeUserHungUp},
		{NewSubSystemError("call", "Registry.Get", ErrNotFound, "call-x"), CodeCallNotFound},
		{NewSubSystemError("call", "Session.Listen", ErrTimeout, ""), CodeListenTimeout},
		{NewDomainError("Provider.PlaceCall", ErrProviderError, "HTTP 500"), CodeProviderError},
		{nil, CodeUnknown},
	}
	for _, tc := range cases {
		if got := ErrorCodeOf(tc.err); got != tc.want {
			t.Errorf("ErrorCodeOf(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}
