package tts

import (
	"context"
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

func TestSynthesizeStream(t *testing.T) {
	var gotReq map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/speech" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer k" {
			t.Errorf("Authorization = %q", auth)
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotReq)

		// Write PCM in two flushes to exercise streaming.
		w.Write(make([]byte, 4096))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		w.Write(make([]byte, 1000))
	}))
	defer srv.Close()

	p := NewOpenAI(OpenAIConfig{APIKey: "k", BaseURL: srv.URL}, testLogger())
	ch, err := p.SynthesizeStream(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}

	var total int
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("chunk error: %v", chunk.Err)
		}
		total += len(chunk.PCM)
	}
	if total != 5096 {
		t.Errorf("received %d bytes, want 5096", total)
	}

	if gotReq["response_format"] != "pcm" {
		t.Errorf("response_format = %q", gotReq["response_format"])
	}
	if gotReq["voice"] != "onyx" {
		t.Errorf("default voice = %q, want onyx", gotReq["voice"])
	}
	if gotReq["model"] != "tts-1" {
		t.Errorf("default model = %q, want tts-1", gotReq["model"])
	}
	if gotReq["input"] != "hello world" {
		t.Errorf("input = %q", gotReq["input"])
	}
}

func TestSynthesizeStreamAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":{"message":"bad key"}}`)
	}))
	defer srv.Close()

	p := NewOpenAI(OpenAIConfig{APIKey: "bad", BaseURL: srv.URL}, testLogger())
	_, err := p.SynthesizeStream(context.Background(), "hi")
	if !errors.Is(err, domain.ErrProviderError) {
		t.Fatalf("err = %v, want ErrProviderError", err)
	}
}

func TestSynthesizeCollectsAll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte{1, 2, 3, 4})
	}))
	defer srv.Close()

	p := NewOpenAI(OpenAIConfig{APIKey: "k", BaseURL: srv.URL}, testLogger())
	pcm, err := p.Synthesize(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(pcm) != 4 {
		t.Errorf("got %d bytes, want 4", len(pcm))
	}
}

func TestSynthesizeStreamContextCancel(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 64))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	p := NewOpenAI(OpenAIConfig{APIKey: "k", BaseURL: srv.URL}, testLogger())
	ch, err := p.SynthesizeStream(ctx, "hi")
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}

	<-ch
	cancel()

	// Channel must terminate after cancellation; drain whatever remains.
	for range ch {
	}
}
