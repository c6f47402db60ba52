package telephony

import (
	"context"
	"sync"
)

// Mock is a test double for Provider. It records requests and returns
// configured responses.
type Mock struct {
	mu sync.Mutex

	PlaceResp    *PlaceCallResponse
	PlaceErr     error
	StreamingErr error
	HangupErr    error
	VerifyErr    error
	ParseEvents  []Event
	ParseReply   *WebhookReply
	ParseErr     error
	ConnectDoc   *WebhookReply

	PlaceCalls     []PlaceCallRequest
	StreamingCalls []string // providerCallID
	StreamingURLs  []string
	HangupCalls    []string
}

// NewMock returns a Mock that successfully places calls.
func NewMock() *Mock {
	return &Mock{
		PlaceResp: &PlaceCallResponse{
			ProviderCallID: "mock-provider-id",
			Status:         "initiated",
		},
	}
}

func (m *Mock) Name() string { return "mock" }

func (m *Mock) PlaceCall(_ context.Context, req PlaceCallRequest) (*PlaceCallResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PlaceCalls = append(m.PlaceCalls, req)
	return m.PlaceResp, m.PlaceErr
}

func (m *Mock) StartStreaming(_ context.Context, providerCallID, streamURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StreamingCalls = append(m.StreamingCalls, providerCallID)
	m.StreamingURLs = append(m.StreamingURLs, streamURL)
	return m.StreamingErr
}

func (m *Mock) Hangup(_ context.Context, providerCallID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.HangupCalls = append(m.HangupCalls, providerCallID)
	return m.HangupErr
}

func (m *Mock) VerifyWebhook(context.Context, WebhookRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.VerifyErr
}

func (m *Mock) ParseWebhook(context.Context, WebhookRequest) ([]Event, *WebhookReply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ParseEvents, m.ParseReply, m.ParseErr
}

func (m *Mock) StreamConnectDocument(string) *WebhookReply {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ConnectDoc
}

// SetVerifyErr changes the verification result after requests have started.
func (m *Mock) SetVerifyErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.VerifyErr = err
}

// SetParseEvents changes the parsed events after requests have started.
func (m *Mock) SetParseEvents(events []Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ParseEvents = events
}

// PlaceCount returns the number of PlaceCall calls recorded.
func (m *Mock) PlaceCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.PlaceCalls)
}

// HangupCount returns the number of Hangup calls recorded.
func (m *Mock) HangupCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.HangupCalls)
}
