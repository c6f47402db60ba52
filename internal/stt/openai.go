// Package stt provides streaming speech-to-text over the OpenAI Realtime API.
// The session feeds 8kHz mu-law audio and relies on server-side voice
// activity detection to segment the caller's turns.
package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"call-me/internal/domain"
)

// Transcript is a transcription result or a stream error.
type Transcript struct {
	Text    string
	IsFinal bool
	Err     error
}

// Session is an active transcription session.
type Session interface {
	// SendAudio forwards raw mu-law 8kHz audio. Audio arriving while the
	// underlying connection is being re-established is dropped rather than
	// buffered; a few lost frames are preferable to a stale backlog.
	SendAudio(data []byte) error
	// Transcripts returns the result channel. It stays open across
	// reconnects and is closed when the session ends or reconnection is
	// exhausted (final element carries Err in that case).
	Transcripts() <-chan Transcript
	// Close ends the session. Safe to call more than once.
	Close() error
}

// Config holds configuration for the OpenAI Realtime transcription client.
type Config struct {
	APIKey         string
	Model          string        // "gpt-4o-transcribe"
	BaseURL        string        // WebSocket URL, defaults to the OpenAI Realtime endpoint
	SilenceMs      int           // server VAD silence threshold
	ConnectTimeout time.Duration // per-dial timeout
}

const (
	reconnectBase     = time.Second
	reconnectAttempts = 5
)

// Client implements transcription sessions backed by the OpenAI Realtime API.
type Client struct {
	config Config
	logger *slog.Logger
}

// NewClient creates a Client with defaults filled in.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "wss://api.openai.com/v1/realtime"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-transcribe"
	}
	if cfg.SilenceMs <= 0 {
		cfg.SilenceMs = 800
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &Client{config: cfg, logger: logger}
}

func (c *Client) Name() string { return "openai-stt" }

// StartSession dials the Realtime API and configures server VAD. A connect
// failure here is fatal for the call; reconnection only applies to sessions
// that were once established.
func (c *Client) StartSession(ctx context.Context) (Session, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return nil, domain.NewDomainError("stt.StartSession", domain.ErrSTTConnectFailed, err.Error())
	}

	s := &session{
		client:      c,
		conn:        conn,
		transcripts: make(chan Transcript, 32),
		done:        make(chan struct{}),
		logger:      c.logger,
	}
	go s.readLoop()
	return s, nil
}

// connect dials and sends the session.update configuring mu-law input and
// server VAD tuned for telephone speech.
func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	defer cancel()

	wsURL := fmt.Sprintf("%s?intent=transcription", c.config.BaseURL)
	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: map[string][]string{
			"Authorization": {"Bearer " + c.config.APIKey},
			"OpenAI-Beta":   {"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("websocket connect: %w", err)
	}

	sessionCfg := map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"input_audio_format": "g711_ulaw",
			"input_audio_transcription": map[string]any{
				"model": c.config.Model,
			},
			"turn_detection": map[string]any{
				"type":                "server_vad",
				"threshold":           0.5,
				"prefix_padding_ms":   300,
				"silence_duration_ms": c.config.SilenceMs,
			},
		},
	}
	cfgData, err := json.Marshal(sessionCfg)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "config marshal error")
		return nil, fmt.Errorf("marshal session config: %w", err)
	}
	if err := conn.Write(dialCtx, websocket.MessageText, cfgData); err != nil {
		conn.Close(websocket.StatusInternalError, "config write error")
		return nil, fmt.Errorf("send session config: %w", err)
	}
	return conn, nil
}

type session struct {
	client      *Client
	transcripts chan Transcript
	done        chan struct{}
	closeOnce   sync.Once
	logger      *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn // nil while reconnecting
}

func (s *session) SendAudio(data []byte) error {
	select {
	case <-s.done:
		return domain.NewDomainError("stt.SendAudio", domain.ErrSTTDisconnected, "session closed")
	default:
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		// Reconnect in progress; drop this chunk.
		return nil
	}

	msg := map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": data, // JSON marshal base64-encodes []byte
	}
	msgData, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal audio message: %w", err)
	}
	if err := conn.Write(context.Background(), websocket.MessageText, msgData); err != nil {
		return fmt.Errorf("send audio: %w", err)
	}
	return nil
}

func (s *session) Transcripts() <-chan Transcript {
	return s.transcripts
}

func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "session ended")
		}
	})
	return nil
}

// readLoop reads WebSocket messages, extracts transcription results, and
// reconnects on connection loss until the session is closed or retries are
// exhausted.
func (s *session) readLoop() {
	defer close(s.transcripts)

	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()

		_, data, err := conn.Read(context.Background())
		if err != nil {
			select {
			case <-s.done:
				// Intentional close.
				return
			default:
			}

			if !s.reconnect() {
				s.deliver(Transcript{Err: domain.NewDomainError("stt.readLoop",
					domain.ErrSTTDisconnected, "reconnect attempts exhausted")})
				return
			}
			continue
		}

		s.handleMessage(data)
	}
}

// reconnect re-establishes the connection with exponential backoff. Returns
// false if the session was closed or all attempts failed.
func (s *session) reconnect() bool {
	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()

	delay := reconnectBase
	for attempt := 1; attempt <= reconnectAttempts; attempt++ {
		select {
		case <-s.done:
			return false
		case <-time.After(delay):
		}
		delay *= 2

		conn, err := s.client.connect(context.Background())
		if err != nil {
			s.logger.Warn("stt reconnect failed", "attempt", attempt, "error", err)
			continue
		}

		select {
		case <-s.done:
			conn.Close(websocket.StatusNormalClosure, "session ended")
			return false
		default:
		}

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.logger.Info("stt session reconnected", "attempt", attempt)
		return true
	}
	return false
}

func (s *session) handleMessage(data []byte) {
	var msg struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	switch msg.Type {
	case "conversation.item.input_audio_transcription.completed":
		var transcription struct {
			Transcript string `json:"transcript"`
		}
		if err := json.Unmarshal(data, &transcription); err == nil && transcription.Transcript != "" {
			s.deliver(Transcript{Text: transcription.Transcript, IsFinal: true})
		}

	case "conversation.item.input_audio_transcription.delta":
		var delta struct {
			Delta string `json:"delta"`
		}
		if err := json.Unmarshal(data, &delta); err == nil && delta.Delta != "" {
			s.deliver(Transcript{Text: delta.Delta, IsFinal: false})
		}

	case "error":
		var errMsg struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(data, &errMsg); err == nil {
			s.logger.Warn("stt server error", "message", errMsg.Error.Message)
		}
	}
}

// deliver sends a transcript without blocking forever if the consumer left.
func (s *session) deliver(t Transcript) {
	select {
	case s.transcripts <- t:
	case <-s.done:
	}
}
