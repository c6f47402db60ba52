package telephony

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"call-me/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestTelnyx(t *testing.T, baseURL, pubKey string) *Telnyx {
	t.Helper()
	p, err := NewTelnyx(TelnyxConfig{
		APIKey:           "test-key",
		ConnectionID:     "conn-1",
		WebhookPublicKey: pubKey,
		BaseURL:          baseURL,
	}, testLogger())
	if err != nil {
		t.Fatalf("NewTelnyx: %v", err)
	}
	return p
}

func TestTelnyxPlaceCall(t *testing.T) {
	var gotPath string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("Authorization = %q", auth)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &gotBody); err != nil {
			t.Fatalf("request body not JSON: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"data":{"call_control_id":"cc-123","is_alive":true}}`)
	}))
	defer srv.Close()

	p := newTestTelnyx(t, srv.URL, "")
	resp, err := p.PlaceCall(context.Background(), PlaceCallRequest{
		To:         "+15551234567",
		From:       "+15559990000",
		CallID:     "call-abc",
		WebhookURL: "https://example.com/webhook",
	})
	if err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}

	if gotPath != "/v2/calls" {
		t.Errorf("path = %q, want /v2/calls", gotPath)
	}
	if resp.ProviderCallID != "cc-123" {
		t.Errorf("ProviderCallID = %q, want cc-123", resp.ProviderCallID)
	}
	if gotBody["connection_id"] != "conn-1" {
		t.Errorf("connection_id = %v", gotBody["connection_id"])
	}
	if gotBody["answering_machine_detection"] != "detect" {
		t.Errorf("answering_machine_detection = %v", gotBody["answering_machine_detection"])
	}
	if gotBody["webhook_url_method"] != "POST" {
		t.Errorf("webhook_url_method = %v", gotBody["webhook_url_method"])
	}
	// client_state round-trips the internal call ID.
	cs, _ := base64.StdEncoding.DecodeString(gotBody["client_state"].(string))
	if string(cs) != "call-abc" {
		t.Errorf("client_state decodes to %q, want call-abc", cs)
	}
}

func TestTelnyxPlaceCallAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		io.WriteString(w, `{"errors":[{"title":"Invalid destination"}]}`)
	}))
	defer srv.Close()

	p := newTestTelnyx(t, srv.URL, "")
	_, err := p.PlaceCall(context.Background(), PlaceCallRequest{To: "+1555", From: "+1556"})
	if !errors.Is(err, domain.ErrProviderError) {
		t.Fatalf("err = %v, want ErrProviderError", err)
	}
}

func TestTelnyxStartStreaming(t *testing.T) {
	var gotPath string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotBody)
		io.WriteString(w, `{"data":{"result":"ok"}}`)
	}))
	defer srv.Close()

	p := newTestTelnyx(t, srv.URL, "")
	if err := p.StartStreaming(context.Background(), "cc-123", "wss://example.com/media?token=x"); err != nil {
		t.Fatalf("StartStreaming: %v", err)
	}

	if gotPath != "/v2/calls/cc-123/actions/streaming_start" {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody["stream_track"] != "both_tracks" {
		t.Errorf("stream_track = %v", gotBody["stream_track"])
	}
	if gotBody["stream_bidirectional_mode"] != "rtp" {
		t.Errorf("stream_bidirectional_mode = %v", gotBody["stream_bidirectional_mode"])
	}
	if gotBody["stream_bidirectional_codec"] != "PCMU" {
		t.Errorf("stream_bidirectional_codec = %v", gotBody["stream_bidirectional_codec"])
	}
}

func TestTelnyxHangup(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		io.WriteString(w, `{"data":{"result":"ok"}}`)
	}))
	defer srv.Close()

	p := newTestTelnyx(t, srv.URL, "")
	if err := p.Hangup(context.Background(), "cc-123"); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	if gotPath != "/v2/calls/cc-123/actions/hangup" {
		t.Errorf("path = %q", gotPath)
	}
}

func telnyxSignedWebhook(t *testing.T, priv ed25519.PrivateKey, timestamp string, body []byte) WebhookRequest {
	t.Helper()
	signed := append([]byte(timestamp+"|"), body...)
	sig := ed25519.Sign(priv, signed)
	return WebhookRequest{
		Body: body,
		Headers: map[string]string{
			"Telnyx-Signature-Ed25519": base64.StdEncoding.EncodeToString(sig),
			"Telnyx-Timestamp":         timestamp,
		},
	}
}

func TestTelnyxVerifyWebhook(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	pubB64 := base64.StdEncoding.EncodeToString(pub)
	p := newTestTelnyx(t, "http://unused", pubB64)

	body := []byte(`{"data":{"event_type":"call.answered"}}`)
	req := telnyxSignedWebhook(t, priv, "1700000000", body)

	if err := p.VerifyWebhook(context.Background(), req); err != nil {
		t.Errorf("valid signature rejected: %v", err)
	}

	// Tampered body must fail.
	req2 := req
	req2.Body = []byte(`{"data":{"event_type":"call.hangup"}}`)
	if err := p.VerifyWebhook(context.Background(), req2); !errors.Is(err, domain.ErrSignatureInvalid) {
		t.Errorf("tampered body: err = %v, want ErrSignatureInvalid", err)
	}

	// Missing headers must fail.
	if err := p.VerifyWebhook(context.Background(), WebhookRequest{Body: body}); !errors.Is(err, domain.ErrSignatureInvalid) {
		t.Errorf("missing headers: err = %v, want ErrSignatureInvalid", err)
	}
}

func TestTelnyxVerifyWebhookNoKeyConfigured(t *testing.T) {
	p := newTestTelnyx(t, "http://unused", "")
	// Without a configured key, verification is skipped.
	if err := p.VerifyWebhook(context.Background(), WebhookRequest{Body: []byte("{}")}); err != nil {
		t.Errorf("err = %v, want nil", err)
	}
}

func TestTelnyxRejectsBadPublicKey(t *testing.T) {
	_, err := NewTelnyx(TelnyxConfig{WebhookPublicKey: "not-base64!!!"}, testLogger())
	if !errors.Is(err, domain.ErrConfigInvalid) {
		t.Errorf("err = %v, want ErrConfigInvalid", err)
	}
	_, err = NewTelnyx(TelnyxConfig{WebhookPublicKey: base64.StdEncoding.EncodeToString([]byte("short"))}, testLogger())
	if !errors.Is(err, domain.ErrConfigInvalid) {
		t.Errorf("short key: err = %v, want ErrConfigInvalid", err)
	}
}

func TestTelnyxParseWebhook(t *testing.T) {
	p := newTestTelnyx(t, "http://unused", "")
	cs := base64.StdEncoding.EncodeToString([]byte("call-abc"))

	tests := []struct {
		name     string
		body     string
		wantType EventType
		wantDet  string
	}{
		{
			"answered",
			`{"data":{"event_type":"call.answered","payload":{"call_control_id":"cc-1","client_state":"` + cs + `"}}}`,
			EventAnswered, "",
		},
		{
			"hangup",
			`{"data":{"event_type":"call.hangup","payload":{"call_control_id":"cc-1","hangup_cause":"normal_clearing"}}}`,
			EventHangup, "normal_clearing",
		},
		{
			"machine",
			`{"data":{"event_type":"call.machine.detection.ended","payload":{"call_control_id":"cc-1","result":"machine"}}}`,
			EventMachine, "machine",
		},
		{
			"unknown",
			`{"data":{"event_type":"call.fork.started","payload":{"call_control_id":"cc-1"}}}`,
			EventIgnored, "call.fork.started",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, reply, err := p.ParseWebhook(context.Background(), WebhookRequest{Body: []byte(tt.body)})
			if err != nil {
				t.Fatalf("ParseWebhook: %v", err)
			}
			if reply != nil {
				t.Error("telnyx should not produce a reply body")
			}
			if len(events) != 1 {
				t.Fatalf("got %d events, want 1", len(events))
			}
			ev := events[0]
			if ev.Type != tt.wantType {
				t.Errorf("Type = %q, want %q", ev.Type, tt.wantType)
			}
			if ev.Detail != tt.wantDet {
				t.Errorf("Detail = %q, want %q", ev.Detail, tt.wantDet)
			}
			if ev.ProviderCallID != "cc-1" {
				t.Errorf("ProviderCallID = %q", ev.ProviderCallID)
			}
		})
	}
}

func TestTelnyxParseWebhookClientState(t *testing.T) {
	p := newTestTelnyx(t, "http://unused", "")
	cs := base64.StdEncoding.EncodeToString([]byte("call-xyz"))
	body := `{"data":{"event_type":"call.answered","payload":{"call_control_id":"cc-2","client_state":"` + cs + `"}}}`

	events, _, err := p.ParseWebhook(context.Background(), WebhookRequest{Body: []byte(body)})
	if err != nil {
		t.Fatal(err)
	}
	if events[0].CallID != "call-xyz" {
		t.Errorf("CallID = %q, want call-xyz", events[0].CallID)
	}
}

func TestTelnyxParseWebhookBadJSON(t *testing.T) {
	p := newTestTelnyx(t, "http://unused", "")
	_, _, err := p.ParseWebhook(context.Background(), WebhookRequest{Body: []byte("not json")})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
}
