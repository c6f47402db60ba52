package telephony

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"

	"call-me/internal/domain"
)

func newTestTwilio(baseURL string) *Twilio {
	return NewTwilio(TwilioConfig{
		AccountSID: "AC123",
		AuthToken:  "secret-token",
		BaseURL:    baseURL,
	}, testLogger())
}

func TestTwilioPlaceCall(t *testing.T) {
	var gotPath string
	var gotForm url.Values

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		user, pass, _ := r.BasicAuth()
		if user != "AC123" || pass != "secret-token" {
			t.Errorf("basic auth = %q/%q", user, pass)
		}
		body, _ := io.ReadAll(r.Body)
		gotForm, _ = url.ParseQuery(string(body))
		io.WriteString(w, `{"sid":"CA999","status":"queued"}`)
	}))
	defer srv.Close()

	p := newTestTwilio(srv.URL)
	resp, err := p.PlaceCall(context.Background(), PlaceCallRequest{
		To:         "+15551234567",
		From:       "+15559990000",
		AnswerURL:  "https://example.com/twiml",
		WebhookURL: "https://example.com/webhook",
	})
	if err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}

	if gotPath != "/2010-04-01/Accounts/AC123/Calls.json" {
		t.Errorf("path = %q", gotPath)
	}
	if resp.ProviderCallID != "CA999" {
		t.Errorf("ProviderCallID = %q", resp.ProviderCallID)
	}
	if gotForm.Get("Url") != "https://example.com/twiml" {
		t.Errorf("Url = %q", gotForm.Get("Url"))
	}
	if gotForm.Get("MachineDetection") != "Enable" {
		t.Errorf("MachineDetection = %q", gotForm.Get("MachineDetection"))
	}
}

func TestTwilioHangup(t *testing.T) {
	var gotPath string
	var gotForm url.Values

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		gotForm, _ = url.ParseQuery(string(body))
		io.WriteString(w, `{"sid":"CA999","status":"completed"}`)
	}))
	defer srv.Close()

	p := newTestTwilio(srv.URL)
	if err := p.Hangup(context.Background(), "CA999"); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	if gotPath != "/2010-04-01/Accounts/AC123/Calls/CA999.json" {
		t.Errorf("path = %q", gotPath)
	}
	if gotForm.Get("Status") != "completed" {
		t.Errorf("Status = %q", gotForm.Get("Status"))
	}
}

func signTwilio(authToken, webhookURL string, form url.Values) string {
	data := webhookURL
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range form[k] {
			data += k + v
		}
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestTwilioVerifyWebhook(t *testing.T) {
	p := newTestTwilio("http://unused")
	form := url.Values{
		"CallSid":    {"CA999"},
		"CallStatus": {"in-progress"},
	}
	webhookURL := "https://example.com/webhook"
	sig := signTwilio("secret-token", webhookURL, form)

	req := WebhookRequest{
		URL:     webhookURL,
		Body:    []byte(form.Encode()),
		Headers: map[string]string{"X-Twilio-Signature": sig},
	}
	if err := p.VerifyWebhook(context.Background(), req); err != nil {
		t.Errorf("valid signature rejected: %v", err)
	}

	// Wrong token signature must fail.
	req.Headers["X-Twilio-Signature"] = signTwilio("wrong-token", webhookURL, form)
	if err := p.VerifyWebhook(context.Background(), req); !errors.Is(err, domain.ErrSignatureInvalid) {
		t.Errorf("err = %v, want ErrSignatureInvalid", err)
	}

	// Missing signature must fail.
	req.Headers = nil
	if err := p.VerifyWebhook(context.Background(), req); !errors.Is(err, domain.ErrSignatureInvalid) {
		t.Errorf("missing header: err = %v, want ErrSignatureInvalid", err)
	}
}

func TestTwilioParseWebhook(t *testing.T) {
	p := newTestTwilio("http://unused")

	tests := []struct {
		status   string
		wantType EventType
	}{
		{"initiated", EventInitiated},
		{"ringing", EventRinging},
		{"in-progress", EventAnswered},
		{"completed", EventHangup},
		{"busy", EventBusy},
		{"no-answer", EventNoAnswer},
		{"failed", EventFailed},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			form := url.Values{"CallSid": {"CA999"}, "CallStatus": {tt.status}}
			events, _, err := p.ParseWebhook(context.Background(), WebhookRequest{Body: []byte(form.Encode())})
			if err != nil {
				t.Fatal(err)
			}
			if events[0].Type != tt.wantType {
				t.Errorf("Type = %q, want %q", events[0].Type, tt.wantType)
			}
			if events[0].ProviderCallID != "CA999" {
				t.Errorf("ProviderCallID = %q", events[0].ProviderCallID)
			}
		})
	}
}

func TestTwilioParseWebhookMachineDetection(t *testing.T) {
	p := newTestTwilio("http://unused")
	form := url.Values{
		"CallSid":    {"CA999"},
		"CallStatus": {"in-progress"},
		"AnsweredBy": {"machine_start"},
	}
	events, _, err := p.ParseWebhook(context.Background(), WebhookRequest{Body: []byte(form.Encode())})
	if err != nil {
		t.Fatal(err)
	}
	if events[0].Type != EventMachine {
		t.Errorf("Type = %q, want machine", events[0].Type)
	}
}

func TestTwilioParseWebhookMissingCallSid(t *testing.T) {
	p := newTestTwilio("http://unused")
	_, _, err := p.ParseWebhook(context.Background(), WebhookRequest{Body: []byte("CallStatus=ringing")})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
}

func TestTwilioStreamConnectDocument(t *testing.T) {
	p := newTestTwilio("http://unused")
	reply := p.StreamConnectDocument("https://abc.example.com/media?token=t0k&call=1")
	if reply == nil {
		t.Fatal("nil reply")
	}
	if reply.ContentType != "text/xml" {
		t.Errorf("ContentType = %q", reply.ContentType)
	}
	body := string(reply.Body)
	if !strings.Contains(body, `<Connect><Stream url="wss://abc.example.com/media?token=t0k&amp;call=1" />`) {
		t.Errorf("unexpected TwiML: %s", body)
	}
}

func TestXMLEscape(t *testing.T) {
	got := xmlEscape(`a<b&"c"'d'>`)
	want := "a&lt;b&amp;&quot;c&quot;&apos;d&apos;&gt;"
	if got != want {
		t.Errorf("xmlEscape = %q, want %q", got, want)
	}
}
