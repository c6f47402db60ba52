package telephony

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"call-me/internal/domain"
)

const twilioDefaultBaseURL = "https://api.twilio.com"

// TwilioConfig holds Twilio-specific configuration.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	// BaseURL overrides the API endpoint, for tests.
	BaseURL string
}

// Twilio implements Provider using the Twilio REST API. The media stream is
// attached at answer time via a TwiML <Connect><Stream> document rather than
// a separate API action.
type Twilio struct {
	config  TwilioConfig
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewTwilio creates a Twilio provider.
func NewTwilio(cfg TwilioConfig, logger *slog.Logger) *Twilio {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = twilioDefaultBaseURL
	}
	return &Twilio{
		config:  cfg,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

func (b *Twilio) Name() string { return "twilio" }

// PlaceCall places an outbound call. Twilio fetches the answer document from
// req.AnswerURL when the callee picks up; that document connects the media
// stream.
func (b *Twilio) PlaceCall(ctx context.Context, req PlaceCallRequest) (*PlaceCallResponse, error) {
	apiURL := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls.json", b.baseURL, b.config.AccountSID)

	form := url.Values{
		"To":                   {req.To},
		"From":                 {req.From},
		"Url":                  {req.AnswerURL},
		"Method":               {"POST"},
		"StatusCallback":       {req.WebhookURL},
		"StatusCallbackEvent":  {"initiated ringing answered completed"},
		"StatusCallbackMethod": {"POST"},
		"MachineDetection":     {"Enable"},
	}
	if req.TimeoutSecs > 0 {
		form.Set("Timeout", fmt.Sprintf("%d", req.TimeoutSecs))
	}

	body, err := b.postForm(ctx, apiURL, form)
	if err != nil {
		return nil, domain.WrapOp("twilio.PlaceCall", err)
	}

	var result struct {
		SID    string `json:"sid"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, domain.NewDomainError("twilio.PlaceCall", domain.ErrProviderError,
			"unparseable response")
	}

	return &PlaceCallResponse{
		ProviderCallID: result.SID,
		Status:         result.Status,
	}, nil
}

// StartStreaming is a no-op: the stream is attached by the answer document.
func (b *Twilio) StartStreaming(context.Context, string, string) error { return nil }

// Hangup terminates a call by setting its status to completed.
func (b *Twilio) Hangup(ctx context.Context, providerCallID string) error {
	apiURL := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls/%s.json",
		b.baseURL, b.config.AccountSID, providerCallID)

	form := url.Values{"Status": {"completed"}}
	if _, err := b.postForm(ctx, apiURL, form); err != nil {
		return domain.WrapOp("twilio.Hangup", err)
	}
	return nil
}

// VerifyWebhook validates the X-Twilio-Signature HMAC-SHA1 over the webhook
// URL concatenated with the sorted form parameters.
func (b *Twilio) VerifyWebhook(_ context.Context, req WebhookRequest) error {
	sig := req.Headers["X-Twilio-Signature"]
	if sig == "" {
		return domain.NewDomainError("twilio.VerifyWebhook", domain.ErrSignatureInvalid,
			"missing X-Twilio-Signature header")
	}

	sigBytes, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return domain.NewDomainError("twilio.VerifyWebhook", domain.ErrSignatureInvalid,
			"signature is not valid base64")
	}

	expected := computeTwilioSignature(b.config.AuthToken, req.URL, req.Body)
	if !hmac.Equal(sigBytes, expected) {
		return domain.NewDomainError("twilio.VerifyWebhook", domain.ErrSignatureInvalid,
			"signature mismatch")
	}
	return nil
}

// ParseWebhook normalizes a Twilio status callback (form-encoded).
func (b *Twilio) ParseWebhook(_ context.Context, req WebhookRequest) ([]Event, *WebhookReply, error) {
	values, err := url.ParseQuery(string(req.Body))
	if err != nil {
		return nil, nil, domain.NewDomainError("twilio.ParseWebhook", domain.ErrInvalidInput,
			"webhook body is not form-encoded")
	}

	callSID := values.Get("CallSid")
	if callSID == "" {
		return nil, nil, domain.NewDomainError("twilio.ParseWebhook", domain.ErrInvalidInput,
			"missing CallSid")
	}

	ev := Event{
		ProviderCallID: callSID,
		Timestamp:      time.Now().UTC(),
	}

	if answeredBy := values.Get("AnsweredBy"); strings.HasPrefix(answeredBy, "machine") {
		ev.Type = EventMachine
		ev.Detail = answeredBy
		return []Event{ev}, nil, nil
	}

	switch status := values.Get("CallStatus"); status {
	case "queued", "initiated":
		ev.Type = EventInitiated
	case "ringing":
		ev.Type = EventRinging
	case "in-progress":
		ev.Type = EventAnswered
	case "completed", "canceled":
		ev.Type = EventHangup
		ev.Detail = status
	case "busy":
		ev.Type = EventBusy
	case "no-answer":
		ev.Type = EventNoAnswer
	case "failed":
		ev.Type = EventFailed
	default:
		ev.Type = EventIgnored
		ev.Detail = status
	}

	return []Event{ev}, nil, nil
}

// StreamConnectDocument returns TwiML connecting the call to the media stream.
func (b *Twilio) StreamConnectDocument(streamURL string) *WebhookReply {
	streamURL = strings.Replace(streamURL, "https://", "wss://", 1)
	streamURL = strings.Replace(streamURL, "http://", "ws://", 1)
	twiml := fmt.Sprintf(
		`<?xml version="1.0" encoding="UTF-8"?><Response><Connect><Stream url="%s" /></Connect></Response>`,
		xmlEscape(streamURL),
	)
	return &WebhookReply{
		ContentType: "text/xml",
		Body:        []byte(twiml),
	}
}

func (b *Twilio) postForm(ctx context.Context, apiURL string, form url.Values) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.SetBasicAuth(b.config.AccountSID, b.config.AuthToken)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrProviderError, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: HTTP %d: %s", domain.ErrProviderError, resp.StatusCode, string(body))
	}
	return body, nil
}

// computeTwilioSignature computes the HMAC-SHA1 signature Twilio uses: the
// full webhook URL followed by each form key+value in sorted key order.
func computeTwilioSignature(authToken, webhookURL string, body []byte) []byte {
	values, _ := url.ParseQuery(string(body))

	data := webhookURL
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range values[k] {
			data += k + v
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

// xmlEscape escapes special characters for TwiML content.
func xmlEscape(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&apos;")
	return s
}
