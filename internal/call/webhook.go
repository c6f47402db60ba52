package call

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"call-me/internal/domain"
	"call-me/internal/telephony"
	"call-me/internal/tunnel"
)

const webhookMaxBodySize = 1 << 20 // 1 MiB

// HandleWebhook processes provider lifecycle callbacks on /twiml. JSON and
// form-encoded payloads are dispatched through the provider abstraction; the
// handler itself never branches on which provider is configured.
func (co *Core) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !co.webhookLimiter.Allow() {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	ct := r.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "application/json") && !strings.HasPrefix(ct, "application/x-www-form-urlencoded") {
		http.Error(w, "unsupported content type", http.StatusBadRequest)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookMaxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}

	whReq := telephony.WebhookRequest{
		URL:     co.publicURL() + r.URL.Path,
		Body:    body,
		Headers: headers,
	}
	if err := co.provider.VerifyWebhook(r.Context(), whReq); err != nil {
		// Free-tier tunnels rewrite headers in ways that can break signature
		// canonicalization; on those hosts a mismatch is logged and the
		// webhook still processed. Everywhere else it is rejected.
		if tunnel.IsEphemeralHost(co.publicHost()) {
			co.logger.Warn("webhook signature mismatch accepted on ephemeral tunnel", "error", err)
		} else {
			co.logger.Warn("webhook signature verification failed", "error", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	events, _, err := co.provider.ParseWebhook(r.Context(), whReq)
	if err != nil {
		co.logger.Warn("webhook parse failed", "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	// Document-driven providers get the stream-connect document in the
	// response unless this callback reports a terminal status.
	if c := co.eventCall(events); c != nil && !terminalEvents(events) {
		if doc := co.provider.StreamConnectDocument(co.streamURL(c)); doc != nil {
			w.Header().Set("Content-Type", doc.ContentType)
			w.Write(doc.Body)
			co.processEvents(r.Context(), events)
			return
		}
	}

	// Event-driven providers expect a bare 200 before any processing that
	// might itself call back into the provider.
	w.WriteHeader(http.StatusOK)
	go co.processEvents(context.Background(), events)
}

// eventCall resolves the call the webhook refers to, or nil.
func (co *Core) eventCall(events []telephony.Event) *Call {
	for _, ev := range events {
		if ev.ProviderCallID != "" {
			if c, err := co.registry.ByProviderCallID(ev.ProviderCallID); err == nil {
				return c
			}
		}
		if ev.CallID != "" {
			if c, err := co.registry.Get(ev.CallID); err == nil {
				return c
			}
		}
	}
	return nil
}

func terminalEvents(events []telephony.Event) bool {
	for _, ev := range events {
		switch ev.Type {
		case telephony.EventHangup, telephony.EventFailed, telephony.EventNoAnswer, telephony.EventBusy:
			return true
		}
	}
	return false
}

// streamURL builds the media socket URL carrying the call's one-time token.
func (co *Core) streamURL(c *Call) string {
	base := co.publicURL()
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/media-stream?token=" + url.QueryEscape(c.WsToken)
}

// processEvents applies normalized provider events to call state. Events for
// a given provider call arrive in order; events for unknown calls are logged
// and dropped.
func (co *Core) processEvents(ctx context.Context, events []telephony.Event) {
	for _, ev := range events {
		c := co.eventCall([]telephony.Event{ev})
		if c == nil {
			if ev.Type != telephony.EventIgnored {
				co.logger.Warn("webhook event for unknown call",
					"type", string(ev.Type), "provider_call_id", ev.ProviderCallID)
			}
			continue
		}

		switch ev.Type {
		case telephony.EventAnswered:
			co.logger.Info("call answered", "call_id", c.ID)
			// Event-driven providers need a REST action to open the media
			// stream; document-driven ones already did via the response.
			if err := co.provider.StartStreaming(ctx, c.ProviderCallID(), co.streamURL(c)); err != nil {
				co.logger.Error("start streaming failed", "call_id", c.ID, "error", err)
				c.SetHungUp()
			}

		case telephony.EventStreaming:
			if ev.Detail == "streaming.started" {
				c.SetStreamingReady()
				co.logger.Info("streaming established", "call_id", c.ID)
			} else {
				co.logger.Debug("streaming event", "call_id", c.ID, "detail", ev.Detail)
			}

		case telephony.EventHangup, telephony.EventFailed, telephony.EventNoAnswer, telephony.EventBusy:
			co.logger.Info("call terminated by provider",
				"call_id", c.ID, "type", string(ev.Type), "detail", ev.Detail)
			if ev.Type == telephony.EventHangup {
				c.setEndReason(domain.EndReasonUserHangup)
			} else {
				c.setEndReason(domain.EndReasonError)
			}
			c.SetHungUp()
			co.registry.RemoveProviderIndex(ev.ProviderCallID)

		case telephony.EventMachine:
			co.logger.Info("answering machine detection", "call_id", c.ID, "result", ev.Detail)

		case telephony.EventInitiated, telephony.EventRinging:
			co.logger.Debug("call progress", "call_id", c.ID, "type", string(ev.Type))

		default:
			co.logger.Debug("ignored webhook event", "call_id", c.ID, "detail", ev.Detail)
		}
	}
}
