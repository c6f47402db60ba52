// Package tts synthesizes speech from text. The OpenAI client streams raw
// 24kHz 16-bit PCM so playback can start before synthesis finishes.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"call-me/internal/domain"
)

// Chunk is a piece of synthesized PCM audio (16-bit signed LE, 24kHz mono).
type Chunk struct {
	PCM []byte
	Err error // non-nil if streaming failed mid-synthesis
}

// Synthesizer converts text into a stream of PCM audio chunks.
type Synthesizer interface {
	// SynthesizeStream returns a channel of PCM chunks. The channel is
	// closed when synthesis completes or fails; a failure is delivered as a
	// final chunk with Err set.
	SynthesizeStream(ctx context.Context, text string) (<-chan Chunk, error)
	// Name returns the provider identifier.
	Name() string
}

// OpenAIConfig holds configuration for the OpenAI speech endpoint.
type OpenAIConfig struct {
	APIKey  string
	Model   string // "tts-1" or "tts-1-hd"
	Voice   string // "alloy", "echo", "fable", "onyx", "nova", "shimmer"
	BaseURL string // defaults to "https://api.openai.com"
}

// OpenAI implements Synthesizer using the OpenAI /v1/audio/speech API.
type OpenAI struct {
	config OpenAIConfig
	client *http.Client
	logger *slog.Logger
}

// NewOpenAI creates an OpenAI synthesizer.
func NewOpenAI(cfg OpenAIConfig, logger *slog.Logger) *OpenAI {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.Model == "" {
		cfg.Model = "tts-1"
	}
	if cfg.Voice == "" {
		cfg.Voice = "onyx"
	}
	return &OpenAI{
		config: cfg,
		client: &http.Client{Timeout: 60 * time.Second},
		logger: logger,
	}
}

func (p *OpenAI) Name() string { return "openai-tts" }

// SynthesizeStream requests PCM synthesis and streams the response body in
// chunks as it arrives.
func (p *OpenAI) SynthesizeStream(ctx context.Context, text string) (<-chan Chunk, error) {
	payload, err := json.Marshal(map[string]string{
		"model":           p.config.Model,
		"input":           text,
		"voice":           p.config.Voice,
		"response_format": "pcm",
	})
	if err != nil {
		return nil, fmt.Errorf("encode tts request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.config.BaseURL+"/v1/audio/speech", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create tts request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, domain.NewDomainError("tts.SynthesizeStream", domain.ErrProviderError, err.Error())
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		resp.Body.Close()
		return nil, domain.NewDomainError("tts.SynthesizeStream", domain.ErrProviderError,
			fmt.Sprintf("HTTP %d: %s", resp.StatusCode, string(body)))
	}

	ch := make(chan Chunk, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		buf := make([]byte, 4096)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				select {
				case ch <- Chunk{PCM: data}:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					select {
					case ch <- Chunk{Err: err}:
					case <-ctx.Done():
					}
				}
				return
			}
		}
	}()

	return ch, nil
}

// Synthesize collects the full PCM output for text. Used for pre-generating
// the greeting while the call is still ringing.
func (p *OpenAI) Synthesize(ctx context.Context, text string) ([]byte, error) {
	ch, err := p.SynthesizeStream(ctx, text)
	if err != nil {
		return nil, err
	}
	var pcm []byte
	for chunk := range ch {
		if chunk.Err != nil {
			return nil, chunk.Err
		}
		pcm = append(pcm, chunk.PCM...)
	}
	return pcm, nil
}
