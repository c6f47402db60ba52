package telephony

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
)

// BreakerProvider wraps a Provider with a circuit breaker around the REST
// operations. When the provider API is down, the breaker fails fast instead
// of stacking up 30-second timeouts while a call is live. Webhook
// verification and parsing are local and bypass the breaker.
type BreakerProvider struct {
	inner Provider
	cb    *gobreaker.CircuitBreaker[*PlaceCallResponse]
	cbNil *gobreaker.CircuitBreaker[struct{}]
}

// NewBreakerProvider wraps inner with circuit breakers. Call placement and
// in-call actions trip independently so a broken PlaceCall path cannot block
// hanging up live calls.
func NewBreakerProvider(inner Provider, logger *slog.Logger) *BreakerProvider {
	settings := gobreaker.Settings{
		Name:        inner.Name() + "-api",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("telephony circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	}
	placeSettings := settings
	placeSettings.Name = inner.Name() + "-place"
	return &BreakerProvider{
		inner: inner,
		cb:    gobreaker.NewCircuitBreaker[*PlaceCallResponse](placeSettings),
		cbNil: gobreaker.NewCircuitBreaker[struct{}](settings),
	}
}

func (p *BreakerProvider) Name() string { return p.inner.Name() }

func (p *BreakerProvider) PlaceCall(ctx context.Context, req PlaceCallRequest) (*PlaceCallResponse, error) {
	return p.cb.Execute(func() (*PlaceCallResponse, error) {
		return p.inner.PlaceCall(ctx, req)
	})
}

func (p *BreakerProvider) StartStreaming(ctx context.Context, providerCallID, streamURL string) error {
	_, err := p.cbNil.Execute(func() (struct{}, error) {
		return struct{}{}, p.inner.StartStreaming(ctx, providerCallID, streamURL)
	})
	return err
}

func (p *BreakerProvider) Hangup(ctx context.Context, providerCallID string) error {
	_, err := p.cbNil.Execute(func() (struct{}, error) {
		return struct{}{}, p.inner.Hangup(ctx, providerCallID)
	})
	return err
}

func (p *BreakerProvider) VerifyWebhook(ctx context.Context, req WebhookRequest) error {
	return p.inner.VerifyWebhook(ctx, req)
}

func (p *BreakerProvider) ParseWebhook(ctx context.Context, req WebhookRequest) ([]Event, *WebhookReply, error) {
	return p.inner.ParseWebhook(ctx, req)
}

func (p *BreakerProvider) StreamConnectDocument(streamURL string) *WebhookReply {
	return p.inner.StreamConnectDocument(streamURL)
}
