package telephony

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"call-me/internal/domain"
)

const telnyxDefaultBaseURL = "https://api.telnyx.com"

// TelnyxConfig holds Telnyx-specific configuration.
type TelnyxConfig struct {
	APIKey       string
	ConnectionID string
	// WebhookPublicKey is the base64-encoded Ed25519 public key from the
	// Telnyx portal. When empty, webhook verification is skipped with a
	// warning so local development works without portal access.
	WebhookPublicKey string
	// BaseURL overrides the API endpoint, for tests.
	BaseURL string
}

// Telnyx implements Provider using the Telnyx Call Control v2 API.
type Telnyx struct {
	config  TelnyxConfig
	baseURL string
	client  *http.Client
	logger  *slog.Logger

	pubKey ed25519.PublicKey
}

// NewTelnyx creates a Telnyx provider. An invalid public key is reported
// immediately rather than on the first webhook.
func NewTelnyx(cfg TelnyxConfig, logger *slog.Logger) (*Telnyx, error) {
	t := &Telnyx{
		config:  cfg,
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
	if t.baseURL == "" {
		t.baseURL = telnyxDefaultBaseURL
	}

	if cfg.WebhookPublicKey != "" {
		raw, err := base64.StdEncoding.DecodeString(cfg.WebhookPublicKey)
		if err != nil {
			return nil, domain.NewDomainError("telnyx.New", domain.ErrConfigInvalid,
				"webhook public key is not valid base64")
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, domain.NewDomainError("telnyx.New", domain.ErrConfigInvalid,
				fmt.Sprintf("webhook public key is %d bytes, want %d", len(raw), ed25519.PublicKeySize))
		}
		t.pubKey = ed25519.PublicKey(raw)
	} else {
		logger.Warn("telnyx webhook public key not configured, webhook signatures will not be verified")
	}

	return t, nil
}

func (t *Telnyx) Name() string { return "telnyx" }

// PlaceCall places an outbound call via POST /v2/calls. The internal call ID
// travels in client_state so webhooks can be correlated without relying on
// the provider call ID index alone.
func (t *Telnyx) PlaceCall(ctx context.Context, req PlaceCallRequest) (*PlaceCallResponse, error) {
	timeout := req.TimeoutSecs
	if timeout <= 0 {
		timeout = 60
	}

	payload := map[string]any{
		"connection_id":               t.config.ConnectionID,
		"to":                          req.To,
		"from":                        req.From,
		"webhook_url":                 req.WebhookURL,
		"webhook_url_method":          "POST",
		"answering_machine_detection": "detect",
		"timeout_secs":                timeout,
		"client_state":                base64.StdEncoding.EncodeToString([]byte(req.CallID)),
	}

	var result struct {
		Data struct {
			CallControlID string `json:"call_control_id"`
			CallLegID     string `json:"call_leg_id"`
			IsAlive       bool   `json:"is_alive"`
		} `json:"data"`
	}
	if err := t.post(ctx, "/v2/calls", payload, &result); err != nil {
		return nil, domain.WrapOp("telnyx.PlaceCall", err)
	}
	if result.Data.CallControlID == "" {
		return nil, domain.NewDomainError("telnyx.PlaceCall", domain.ErrProviderError,
			"response missing call_control_id")
	}

	return &PlaceCallResponse{
		ProviderCallID: result.Data.CallControlID,
		Status:         "initiated",
	}, nil
}

// StartStreaming opens the bidirectional RTP media stream in PCMU.
func (t *Telnyx) StartStreaming(ctx context.Context, providerCallID, streamURL string) error {
	payload := map[string]any{
		"stream_url":                 streamURL,
		"stream_track":               "both_tracks",
		"stream_bidirectional_mode":  "rtp",
		"stream_bidirectional_codec": "PCMU",
	}
	path := "/v2/calls/" + providerCallID + "/actions/streaming_start"
	if err := t.post(ctx, path, payload, nil); err != nil {
		return domain.WrapOp("telnyx.StartStreaming", err)
	}
	return nil
}

// Hangup terminates the call.
func (t *Telnyx) Hangup(ctx context.Context, providerCallID string) error {
	path := "/v2/calls/" + providerCallID + "/actions/hangup"
	if err := t.post(ctx, path, map[string]any{}, nil); err != nil {
		return domain.WrapOp("telnyx.Hangup", err)
	}
	return nil
}

// VerifyWebhook checks the Ed25519 signature over "timestamp|body".
func (t *Telnyx) VerifyWebhook(_ context.Context, req WebhookRequest) error {
	if t.pubKey == nil {
		return nil
	}

	sigB64 := req.Headers["Telnyx-Signature-Ed25519"]
	timestamp := req.Headers["Telnyx-Timestamp"]
	if sigB64 == "" || timestamp == "" {
		return domain.NewDomainError("telnyx.VerifyWebhook", domain.ErrSignatureInvalid,
			"missing signature headers")
	}

	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return domain.NewDomainError("telnyx.VerifyWebhook", domain.ErrSignatureInvalid,
			"signature is not valid base64")
	}

	signed := make([]byte, 0, len(timestamp)+1+len(req.Body))
	signed = append(signed, timestamp...)
	signed = append(signed, '|')
	signed = append(signed, req.Body...)

	if !ed25519.Verify(t.pubKey, signed, sig) {
		return domain.NewDomainError("telnyx.VerifyWebhook", domain.ErrSignatureInvalid,
			"signature mismatch")
	}
	return nil
}

// telnyxEnvelope is the outer shape of every Telnyx webhook.
type telnyxEnvelope struct {
	Data struct {
		EventType  string    `json:"event_type"`
		OccurredAt time.Time `json:"occurred_at"`
		Payload    struct {
			CallControlID string `json:"call_control_id"`
			ClientState   string `json:"client_state"`
			HangupCause   string `json:"hangup_cause"`
			Result        string `json:"result"` // machine detection result
		} `json:"payload"`
	} `json:"data"`
}

// ParseWebhook normalizes a Telnyx webhook into Events. Telnyx expects a bare
// 200, so the reply is always nil.
func (t *Telnyx) ParseWebhook(_ context.Context, req WebhookRequest) ([]Event, *WebhookReply, error) {
	var env telnyxEnvelope
	if err := json.Unmarshal(req.Body, &env); err != nil {
		return nil, nil, domain.NewDomainError("telnyx.ParseWebhook", domain.ErrInvalidInput,
			"webhook body is not valid JSON")
	}

	ev := Event{
		ProviderCallID: env.Data.Payload.CallControlID,
		Timestamp:      env.Data.OccurredAt,
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if cs := env.Data.Payload.ClientState; cs != "" {
		if raw, err := base64.StdEncoding.DecodeString(cs); err == nil {
			ev.CallID = string(raw)
		}
	}

	switch env.Data.EventType {
	case "call.initiated":
		ev.Type = EventInitiated
	case "call.ringing":
		ev.Type = EventRinging
	case "call.answered":
		ev.Type = EventAnswered
	case "call.hangup":
		ev.Type = EventHangup
		ev.Detail = env.Data.Payload.HangupCause
	case "call.machine.detection.ended":
		ev.Type = EventMachine
		ev.Detail = env.Data.Payload.Result
	case "streaming.started", "streaming.stopped":
		ev.Type = EventStreaming
		ev.Detail = env.Data.EventType
	default:
		ev.Type = EventIgnored
		ev.Detail = env.Data.EventType
	}

	return []Event{ev}, nil, nil
}

// StreamConnectDocument is unused for Telnyx; streaming starts via the
// streaming_start action instead.
func (t *Telnyx) StreamConnectDocument(string) *WebhookReply { return nil }

func (t *Telnyx) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+t.config.APIKey)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrProviderError, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: HTTP %d: %s", domain.ErrProviderError, resp.StatusCode, string(respBody))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("%w: parse response: %v", domain.ErrProviderError, err)
		}
	}
	return nil
}
