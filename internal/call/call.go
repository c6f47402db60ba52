// Package call implements the call session core: per-call state, the
// lifecycle state machine, bidirectional media plumbing, webhook intake, and
// the speak/listen turn protocol.
package call

import (
	"sync"
	"time"

	"nhooyr.io/websocket"

	"call-me/internal/domain"
	"call-me/internal/stt"
)

// Call is the state for one active phone call. Field access goes through the
// mutex-guarded accessors; turn serialization is handled separately by
// turnMu (a turn holds turnMu across speak+listen, far too long for mu).
type Call struct {
	ID         string
	UserNumber string
	FromNumber string
	WsToken    string
	StartTime  time.Time

	turnMu      sync.Mutex // serializes turns on this call
	cleanupOnce sync.Once

	mu             sync.Mutex
	providerCallID string
	state          domain.CallState
	mediaConn      *websocket.Conn
	streamSid      string
	streamingReady bool
	sttSession     stt.Session
	history        []domain.Turn
	hungUp         bool
	hungUpCh       chan struct{} // closed when hungUp flips true
	endReason      domain.EndReason
}

func newCall(id, userNumber, fromNumber, wsToken string) *Call {
	return &Call{
		ID:         id,
		UserNumber: userNumber,
		FromNumber: fromNumber,
		WsToken:    wsToken,
		StartTime:  time.Now(),
		state:      domain.CallStateCreating,
		hungUpCh:   make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (c *Call) State() domain.CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// transition moves the call to next if the state machine allows it.
func (c *Call) transition(next domain.CallState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.CanTransitionTo(next) {
		return domain.NewDomainError("call.transition", domain.ErrInvalidInput,
			"cannot transition from "+string(c.state)+" to "+string(next))
	}
	c.state = next
	return nil
}

// ProviderCallID returns the provider's call identifier, empty until placed.
func (c *Call) ProviderCallID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.providerCallID
}

func (c *Call) setProviderCallID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providerCallID = id
}

// AttachMedia binds the provider's websocket to the call. Only the first
// socket wins; a second upgrade for the same call is rejected.
func (c *Call) AttachMedia(conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mediaConn != nil || c.hungUp {
		return false
	}
	c.mediaConn = conn
	return true
}

// MediaConn returns the bound media socket, nil until attached.
func (c *Call) MediaConn() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mediaConn
}

// SetStreamSid records the provider's stream identifier. First writer wins.
func (c *Call) SetStreamSid(sid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streamSid == "" {
		c.streamSid = sid
	}
	c.streamingReady = true
}

// StreamSid returns the provider stream identifier, empty until observed.
func (c *Call) StreamSid() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamSid
}

// SetStreamingReady marks the bidirectional stream as established. Some
// providers signal this via a REST webhook instead of the start frame.
func (c *Call) SetStreamingReady() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streamingReady = true
}

// Attached reports whether the call is ready for audio: socket bound and
// streaming signaled by either path.
func (c *Call) Attached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mediaConn != nil && (c.streamSid != "" || c.streamingReady)
}

// SetSTT stores the transcription session for the call.
func (c *Call) SetSTT(s stt.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sttSession = s
}

// STT returns the call's transcription session.
func (c *Call) STT() stt.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sttSession
}

// SetHungUp marks the call as terminated. Monotonic and idempotent; the
// broadcast channel wakes anything blocked in a listen.
func (c *Call) SetHungUp() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hungUp {
		c.hungUp = true
		close(c.hungUpCh)
	}
}

// HungUp reports whether any path has observed call termination.
func (c *Call) HungUp() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hungUp
}

// HungUpChan returns a channel closed when the call terminates.
func (c *Call) HungUpChan() <-chan struct{} {
	return c.hungUpCh
}

// appendTurns records completed turns. Called only after a turn's listen
// resolves, preserving strict agent/user alternation.
func (c *Call) appendTurns(turns ...domain.Turn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, turns...)
}

// History returns a copy of the turn history.
func (c *Call) History() []domain.Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Turn, len(c.history))
	copy(out, c.history)
	return out
}

func (c *Call) setEndReason(r domain.EndReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.endReason == "" {
		c.endReason = r
	}
}

// EndReason returns why the call ended, empty while active.
func (c *Call) EndReason() domain.EndReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endReason
}
