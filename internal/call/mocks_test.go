package call

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"call-me/internal/stt"
	"call-me/internal/tts"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockTTS synthesizes a fixed amount of silence per utterance.
type mockTTS struct {
	pcmBytes int // bytes of PCM per synthesis; default one 20ms frame worth
	err      error

	mu    sync.Mutex
	calls []string
}

func (m *mockTTS) Name() string { return "mock-tts" }

func (m *mockTTS) SynthesizeStream(ctx context.Context, text string) (<-chan tts.Chunk, error) {
	m.mu.Lock()
	m.calls = append(m.calls, text)
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}

	n := m.pcmBytes
	if n == 0 {
		n = 960 * 2 // 20ms at 24kHz, 16-bit
	}
	ch := make(chan tts.Chunk, 4)
	go func() {
		defer close(ch)
		for n > 0 {
			size := 1024
			if size > n {
				size = n
			}
			select {
			case ch <- tts.Chunk{PCM: make([]byte, size)}:
			case <-ctx.Done():
				return
			}
			n -= size
		}
	}()
	return ch, nil
}

func (m *mockTTS) callTexts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// mockSTTSession emits a configured final transcript once it has received
// enough audio, mimicking server VAD committing an utterance.
type mockSTTSession struct {
	threshold int    // bytes of audio before the transcript fires
	reply     string // transcript text

	mu       sync.Mutex
	received int
	fired    bool
	closed   bool

	transcripts chan stt.Transcript
	closeOnce   sync.Once
}

func newMockSTTSession(threshold int, reply string) *mockSTTSession {
	return &mockSTTSession{
		threshold:   threshold,
		reply:       reply,
		transcripts: make(chan stt.Transcript, 8),
	}
}

func (s *mockSTTSession) SendAudio(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received += len(data)
	if !s.fired && s.reply != "" && s.received >= s.threshold {
		s.fired = true
		s.transcripts <- stt.Transcript{Text: s.reply, IsFinal: true}
	}
	return nil
}

func (s *mockSTTSession) Transcripts() <-chan stt.Transcript { return s.transcripts }

func (s *mockSTTSession) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.transcripts)
	})
	return nil
}

func (s *mockSTTSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// emit pushes a transcript as if VAD committed one.
func (s *mockSTTSession) emit(text string) {
	s.transcripts <- stt.Transcript{Text: text, IsFinal: true}
}

// mockSTTDialer hands out pre-built sessions in order.
type mockSTTDialer struct {
	mu       sync.Mutex
	sessions []*mockSTTSession
	next     int
	startErr error
}

func (d *mockSTTDialer) StartSession(ctx context.Context) (stt.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.startErr != nil {
		return nil, d.startErr
	}
	if d.next >= len(d.sessions) {
		s := newMockSTTSession(0, "")
		d.sessions = append(d.sessions, s)
	}
	s := d.sessions[d.next]
	d.next++
	return s, nil
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}
