// Package telephony abstracts the outbound-call provider (Telnyx or Twilio):
// placing calls, starting bidirectional media streaming, hanging up, and
// verifying + normalizing provider webhooks.
package telephony

import (
	"context"
	"time"
)

// Provider abstracts telephony provider operations.
type Provider interface {
	// PlaceCall places an outbound call.
	PlaceCall(ctx context.Context, req PlaceCallRequest) (*PlaceCallResponse, error)
	// StartStreaming instructs the provider to open the bidirectional media
	// stream to streamURL. Providers that attach the stream at answer time
	// via an answer document return nil without a network round trip.
	StartStreaming(ctx context.Context, providerCallID, streamURL string) error
	// Hangup terminates an active call.
	Hangup(ctx context.Context, providerCallID string) error
	// VerifyWebhook validates the authenticity of a webhook request.
	VerifyWebhook(ctx context.Context, req WebhookRequest) error
	// ParseWebhook parses a provider webhook into normalized events and an
	// optional immediate response body to return to the provider.
	ParseWebhook(ctx context.Context, req WebhookRequest) ([]Event, *WebhookReply, error)
	// StreamConnectDocument returns the answer document that connects the
	// call to the media stream at streamURL, or nil if the provider does not
	// use answer documents.
	StreamConnectDocument(streamURL string) *WebhookReply
	// Name returns the provider identifier (e.g. "telnyx", "twilio", "mock").
	Name() string
}

// PlaceCallRequest holds parameters for placing an outbound call.
type PlaceCallRequest struct {
	To          string // E.164 destination
	From        string // E.164 caller ID
	CallID      string // internal call ID, round-tripped via provider state
	WebhookURL  string // lifecycle webhook URL
	AnswerURL   string // answer document URL (Twilio), may equal WebhookURL
	TimeoutSecs int    // ring timeout before giving up
}

// PlaceCallResponse holds the result of placing an outbound call.
type PlaceCallResponse struct {
	ProviderCallID string // provider's call control ID / SID
	Status         string // initial status reported by the provider
}

// WebhookRequest carries a raw inbound webhook for verification and parsing.
type WebhookRequest struct {
	URL     string
	Body    []byte
	Headers map[string]string
}

// WebhookReply is a response body to return to the provider.
type WebhookReply struct {
	ContentType string
	Body        []byte
}

// EventType classifies a normalized call lifecycle event.
type EventType string

const (
	EventInitiated EventType = "initiated"
	EventRinging   EventType = "ringing"
	EventAnswered  EventType = "answered"
	EventHangup    EventType = "hangup"
	EventFailed    EventType = "failed"
	EventNoAnswer  EventType = "no_answer"
	EventBusy      EventType = "busy"
	EventMachine   EventType = "machine" // answering machine detected
	EventStreaming EventType = "streaming"
	EventIgnored   EventType = "ignored" // recognized but irrelevant to call flow
)

// Event is a normalized call lifecycle event parsed from a webhook.
type Event struct {
	Type           EventType
	CallID         string // internal call ID if the provider echoed it back
	ProviderCallID string
	Timestamp      time.Time
	Detail         string
}
