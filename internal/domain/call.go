package domain

import "time"

// CallState represents the lifecycle state of a voice call.
type CallState string

const (
	CallStateCreating       CallState = "creating"
	CallStatePlacing        CallState = "placing"
	CallStateAwaitingAttach CallState = "awaiting_attach"
	CallStateReady          CallState = "ready"
	CallStateSpeaking       CallState = "speaking"
	CallStateListening      CallState = "listening"
	CallStateEnding         CallState = "ending"
	CallStateEnded          CallState = "ended"
)

// callStateOrder defines the monotonic ordering for non-terminal states.
var callStateOrder = map[CallState]int{
	CallStateCreating:       0,
	CallStatePlacing:        1,
	CallStateAwaitingAttach: 2,
	CallStateReady:          3,
	CallStateSpeaking:       4,
	CallStateListening:      5,
	CallStateEnding:         6,
}

// IsTerminal returns true if the state is absorbing.
func (s CallState) IsTerminal() bool {
	return s == CallStateEnded
}

// CanTransitionTo checks whether a transition from s to next is valid.
func (s CallState) CanTransitionTo(next CallState) bool {
	if s.IsTerminal() {
		return false
	}
	if next.IsTerminal() {
		return true
	}
	// speaking ↔ listening cycle within the turn loop.
	if (s == CallStateSpeaking && next == CallStateListening) ||
		(s == CallStateListening && next == CallStateSpeaking) {
		return true
	}
	cur, curOk := callStateOrder[s]
	nxt, nxtOk := callStateOrder[next]
	if !curOk || !nxtOk {
		return false
	}
	return nxt > cur
}

// Speaker identifies who produced a transcript turn.
type Speaker string

const (
	SpeakerAgent Speaker = "agent"
	SpeakerUser  Speaker = "user"
)

// Turn is a single utterance in a call's history.
type Turn struct {
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// EndReason describes why a call ended.
type EndReason string

const (
	EndReasonCompleted     EndReason = "completed"
	EndReasonUserHangup    EndReason = "user_hangup"
	EndReasonAgentHangup   EndReason = "agent_hangup"
	EndReasonAttachTimeout EndReason = "attach_timeout"
	EndReasonError         EndReason = "error"
	EndReasonShutdown      EndReason = "shutdown"
)

// CallStatus is the live view of an active call.
type CallStatus struct {
	CallID     string    `json:"call_id"`
	State      CallState `json:"state"`
	UserNumber string    `json:"user_number"`
	StartedAt  time.Time `json:"started_at"`
	History    []Turn    `json:"history"`
}

// CallSummary is the archival view of a completed call.
type CallSummary struct {
	CallID         string    `json:"call_id"`
	ProviderCallID string    `json:"provider_call_id,omitempty"`
	UserNumber     string    `json:"user_number"`
	FromNumber     string    `json:"from_number"`
	StartedAt      time.Time `json:"started_at"`
	EndedAt        time.Time `json:"ended_at"`
	DurationMs     int64     `json:"duration_ms"`
	EndReason      EndReason `json:"end_reason"`
	History        []Turn    `json:"history"`
}
