package call

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"call-me/internal/audio"
	"call-me/internal/domain"
	"call-me/internal/infra/tracer"
	"call-me/internal/stt"
	"call-me/internal/telephony"
	"call-me/internal/tts"
)

const (
	// frameInterval is slightly tighter than the 20ms of audio per frame so
	// the provider's jitter buffer never runs dry mid-utterance.
	frameInterval = 18 * time.Millisecond
	// playbackTail covers audio still in flight after the last frame is sent.
	playbackTail = 200 * time.Millisecond
	// endDrain is how long the farewell is given to play out before hangup.
	endDrain = 2 * time.Second

	attachPollInterval = 100 * time.Millisecond
	muLawBufferSize    = 256 * 1024
)

// STTDialer opens transcription sessions. Satisfied by *stt.Client.
type STTDialer interface {
	StartSession(ctx context.Context) (stt.Session, error)
}

// Archiver persists summaries of completed calls. May be nil.
type Archiver interface {
	Archive(ctx context.Context, summary domain.CallSummary) error
}

// Config holds core call parameters.
type Config struct {
	FromNumber           string
	UserNumber           string
	AllowedNumbers       []string // non-empty restricts which numbers may be dialed
	TranscriptTimeout    time.Duration
	AttachTimeout        time.Duration
	AllowTokenlessAttach bool
}

// Core orchestrates call sessions: lifecycle, turns, and cleanup.
type Core struct {
	cfg      Config
	registry *Registry
	provider telephony.Provider
	tts      tts.Synthesizer
	stt      STTDialer
	archive  Archiver
	logger   *slog.Logger

	// publicURL yields the current tunnel URL; it is a func because the
	// tunnel can reconnect to a different address at any time.
	publicURL func() string

	// webhookLimiter shields the intake path from a misbehaving provider or
	// a scanner that found the tunnel URL.
	webhookLimiter *rate.Limiter
}

// NewCore creates the call session core.
func NewCore(
	cfg Config,
	registry *Registry,
	provider telephony.Provider,
	synth tts.Synthesizer,
	sttDialer STTDialer,
	archive Archiver,
	publicURL func() string,
	logger *slog.Logger,
) *Core {
	if cfg.TranscriptTimeout <= 0 {
		cfg.TranscriptTimeout = 180 * time.Second
	}
	if cfg.AttachTimeout <= 0 {
		cfg.AttachTimeout = 15 * time.Second
	}
	return &Core{
		cfg:            cfg,
		registry:       registry,
		provider:       provider,
		tts:            synth,
		stt:            sttDialer,
		archive:        archive,
		publicURL:      publicURL,
		logger:         logger,
		webhookLimiter: rate.NewLimiter(rate.Limit(50), 100),
	}
}

// Registry exposes the call registry to the HTTP layer.
func (co *Core) Registry() *Registry { return co.registry }

// Initiate places a call, waits for the media stream to attach, speaks text,
// and returns the user's first reply.
func (co *Core) Initiate(ctx context.Context, text string) (callID, reply string, err error) {
	ctx, span := tracer.StartSpan(ctx, "call.Initiate")
	defer span.End()

	if len(co.cfg.AllowedNumbers) > 0 && !slices.Contains(co.cfg.AllowedNumbers, co.cfg.UserNumber) {
		err := domain.NewSubSystemError("call", "call.Initiate", domain.ErrInvalidInput,
			co.cfg.UserNumber+" is not in allowed_numbers")
		tracer.RecordError(span, err)
		return "", "", err
	}

	c, err := co.registry.Create(co.cfg.UserNumber, co.cfg.FromNumber)
	if err != nil {
		tracer.RecordError(span, err)
		return "", "", err
	}
	span.SetAttributes(tracer.StringAttr("call.id", c.ID))
	co.logger.Info("initiating call", "call_id", c.ID, "to", c.UserNumber)

	// The STT session is opened before the call is placed so the first
	// inbound audio frame has somewhere to go.
	sttSession, err := co.stt.StartSession(ctx)
	if err != nil {
		co.registry.Remove(c.ID)
		tracer.RecordError(span, err)
		return "", "", err
	}
	c.SetSTT(sttSession)

	if err := c.transition(domain.CallStatePlacing); err != nil {
		co.cleanup(ctx, c, domain.EndReasonError)
		return "", "", err
	}

	resp, err := co.provider.PlaceCall(ctx, telephony.PlaceCallRequest{
		To:          c.UserNumber,
		From:        c.FromNumber,
		CallID:      c.ID,
		WebhookURL:  co.publicURL() + "/twiml",
		AnswerURL:   co.publicURL() + "/twiml",
		TimeoutSecs: 60,
	})
	if err != nil {
		co.cleanup(ctx, c, domain.EndReasonError)
		tracer.RecordError(span, err)
		return "", "", err
	}
	if err := co.registry.SetProviderCallID(c.ID, resp.ProviderCallID); err != nil {
		co.cleanup(ctx, c, domain.EndReasonError)
		return "", "", err
	}
	co.logger.Info("call placed", "call_id", c.ID, "provider_call_id", resp.ProviderCallID)

	// Pre-generate the greeting while the phone is still ringing, so attach
	// completion can flush audio immediately instead of waiting on TTS.
	pregen := co.pregenerate(ctx, text)

	if err := c.transition(domain.CallStateAwaitingAttach); err != nil {
		co.cleanup(ctx, c, domain.EndReasonError)
		return "", "", err
	}
	if err := co.awaitAttach(ctx, c); err != nil {
		co.cleanup(ctx, c, domain.EndReasonAttachTimeout)
		tracer.RecordError(span, err)
		return "", "", err
	}
	if err := c.transition(domain.CallStateReady); err != nil {
		co.cleanup(ctx, c, domain.EndReasonError)
		return "", "", err
	}
	co.logger.Info("media stream attached", "call_id", c.ID, "stream_sid", c.StreamSid())

	c.turnMu.Lock()
	defer c.turnMu.Unlock()

	reply, err = co.turnPregenerated(ctx, c, text, pregen)
	if err != nil {
		co.cleanupOnTurnError(ctx, c, err)
		tracer.RecordError(span, err)
		return c.ID, "", err
	}
	tracer.SetOK(span)
	return c.ID, reply, nil
}

// Continue runs one speak+listen turn on an existing call.
func (co *Core) Continue(ctx context.Context, callID, text string) (string, error) {
	ctx, span := tracer.StartSpan(ctx, "call.Continue")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("call.id", callID))

	c, err := co.registry.Get(callID)
	if err != nil {
		tracer.RecordError(span, err)
		return "", err
	}

	c.turnMu.Lock()
	defer c.turnMu.Unlock()

	if c.HungUp() {
		err := domain.NewDomainError("call.Continue", domain.ErrUserHungUp, callID)
		co.cleanup(ctx, c, domain.EndReasonUserHangup)
		tracer.RecordError(span, err)
		return "", err
	}
	if !c.Attached() {
		return "", domain.NewDomainError("call.Continue", domain.ErrInvalidInput,
			"media stream not attached")
	}

	reply, err := co.turn(ctx, c, text)
	if err != nil {
		co.cleanupOnTurnError(ctx, c, err)
		tracer.RecordError(span, err)
		return "", err
	}
	tracer.SetOK(span)
	return reply, nil
}

// End speaks a farewell (no listen), hangs up, and returns the call duration
// in seconds. Ending an unknown call returns NotFound.
func (co *Core) End(ctx context.Context, callID, text string) (float64, error) {
	ctx, span := tracer.StartSpan(ctx, "call.End")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("call.id", callID))

	c, err := co.registry.Get(callID)
	if err != nil {
		tracer.RecordError(span, err)
		return 0, err
	}

	c.turnMu.Lock()
	defer c.turnMu.Unlock()

	if err := c.transition(domain.CallStateEnding); err != nil {
		co.logger.Warn("end in unexpected state", "call_id", callID, "state", c.State())
	}

	if text != "" && c.Attached() && !c.HungUp() {
		if err := co.speak(ctx, c, text); err != nil {
			co.logger.Warn("farewell speak failed", "call_id", callID, "error", err)
		} else {
			select {
			case <-time.After(endDrain):
			case <-c.HungUpChan():
			case <-ctx.Done():
			}
		}
	}

	duration := time.Since(c.StartTime)
	co.cleanup(ctx, c, domain.EndReasonCompleted)
	tracer.SetOK(span)
	return duration.Seconds(), nil
}

// Status reports the live state of a call.
func (co *Core) Status(callID string) (*domain.CallStatus, error) {
	c, err := co.registry.Get(callID)
	if err != nil {
		return nil, err
	}
	return &domain.CallStatus{
		CallID:     c.ID,
		State:      c.State(),
		UserNumber: c.UserNumber,
		StartedAt:  c.StartTime.UTC(),
		History:    c.History(),
	}, nil
}

// Shutdown ends every active call with a canned farewell.
func (co *Core) Shutdown(ctx context.Context) {
	for _, c := range co.registry.Active() {
		co.logger.Info("ending call for shutdown", "call_id", c.ID)
		c.setEndReason(domain.EndReasonShutdown)
		if _, err := co.End(ctx, c.ID, "I have to go now. Goodbye."); err != nil {
			co.logger.Warn("shutdown end failed", "call_id", c.ID, "error", err)
		}
	}
}

// awaitAttach polls until the media socket is bound and streaming signaled,
// the user hangs up, or the attach window expires.
func (co *Core) awaitAttach(ctx context.Context, c *Call) error {
	deadline := time.Now().Add(co.cfg.AttachTimeout)
	ticker := time.NewTicker(attachPollInterval)
	defer ticker.Stop()

	for {
		if c.Attached() {
			return nil
		}
		if time.Now().After(deadline) {
			return domain.NewDomainError("call.awaitAttach", domain.ErrAttachTimeout,
				co.cfg.AttachTimeout.String())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.HungUpChan():
			return domain.NewDomainError("call.awaitAttach", domain.ErrUserHungUp, c.ID)
		case <-ticker.C:
		}
	}
}

// turn is one speak followed by one listen; history is committed only when
// the listen resolves, keeping strict agent/user alternation.
func (co *Core) turn(ctx context.Context, c *Call, text string) (string, error) {
	if err := co.speak(ctx, c, text); err != nil {
		return "", err
	}
	reply, err := co.listen(ctx, c)
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	c.appendTurns(
		domain.Turn{Speaker: domain.SpeakerAgent, Text: text, Timestamp: now},
		domain.Turn{Speaker: domain.SpeakerUser, Text: reply, Timestamp: now},
	)
	return reply, nil
}

// turnPregenerated is turn, but the agent audio was synthesized during the
// attach wait and only needs flushing.
func (co *Core) turnPregenerated(ctx context.Context, c *Call, text string, pregen <-chan pregenResult) (string, error) {
	if err := c.transition(domain.CallStateSpeaking); err != nil {
		return "", err
	}

	var res pregenResult
	select {
	case res = <-pregen:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	if res.err != nil {
		return "", res.err
	}

	if err := co.emitPaced(ctx, c, res.muLaw); err != nil {
		return "", err
	}
	co.sleepTail(ctx, c)

	reply, err := co.listen(ctx, c)
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	c.appendTurns(
		domain.Turn{Speaker: domain.SpeakerAgent, Text: text, Timestamp: now},
		domain.Turn{Speaker: domain.SpeakerUser, Text: reply, Timestamp: now},
	)
	return reply, nil
}

type pregenResult struct {
	muLaw []byte
	err   error
}

// pregenerate synthesizes text to a complete mu-law buffer in the background.
func (co *Core) pregenerate(ctx context.Context, text string) <-chan pregenResult {
	out := make(chan pregenResult, 1)
	go func() {
		chunks, err := co.tts.SynthesizeStream(ctx, text)
		if err != nil {
			out <- pregenResult{err: err}
			return
		}
		var pendingPcm []byte
		var muLaw []byte
		for chunk := range chunks {
			if chunk.Err != nil {
				out <- pregenResult{err: chunk.Err}
				return
			}
			pendingPcm = append(pendingPcm, chunk.PCM...)
			usable := len(pendingPcm) / 6 * 6
			if usable == 0 {
				continue
			}
			muLaw = append(muLaw, audio.LinearBufToMulaw(audio.Decimate24kTo8k(pendingPcm[:usable]))...)
			pendingPcm = pendingPcm[usable:]
		}
		out <- pregenResult{muLaw: muLaw}
	}()
	return out
}

// speak synthesizes text and streams it to the media socket at real-time
// pace. A socket that closes mid-emission is treated as a hangup, not an
// error; the enclosing listen surfaces the condition.
func (co *Core) speak(ctx context.Context, c *Call, text string) error {
	if err := c.transition(domain.CallStateSpeaking); err != nil && c.State() != domain.CallStateEnding {
		return err
	}

	chunks, err := co.tts.SynthesizeStream(ctx, text)
	if err != nil {
		return err
	}

	limiter := rate.NewLimiter(rate.Every(frameInterval), 1)
	var pendingPcm []byte
	pendingMuLaw := audio.NewRingBuffer(muLawBufferSize)

	for chunk := range chunks {
		if chunk.Err != nil {
			return chunk.Err
		}
		pendingPcm = append(pendingPcm, chunk.PCM...)

		// Resample in whole 6-byte units: 3 samples at 24kHz per output sample.
		usable := len(pendingPcm) / 6 * 6
		if usable > 0 {
			pendingMuLaw.Write(audio.LinearBufToMulaw(audio.Decimate24kTo8k(pendingPcm[:usable])))
			pendingPcm = pendingPcm[usable:]
		}

		for pendingMuLaw.Len() >= audio.FrameSize {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
			if err := co.writeFrame(ctx, c, pendingMuLaw.Read(audio.FrameSize)); err != nil {
				c.SetHungUp()
				return nil
			}
		}
	}

	// Flush the trailing partial frame.
	if pendingMuLaw.Len() > 0 {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		if err := co.writeFrame(ctx, c, pendingMuLaw.Read(pendingMuLaw.Len())); err != nil {
			c.SetHungUp()
			return nil
		}
	}

	co.sleepTail(ctx, c)
	return nil
}

// emitPaced sends a pre-encoded mu-law buffer as paced 160-byte frames.
func (co *Core) emitPaced(ctx context.Context, c *Call, muLaw []byte) error {
	limiter := rate.NewLimiter(rate.Every(frameInterval), 1)
	for off := 0; off < len(muLaw); off += audio.FrameSize {
		end := off + audio.FrameSize
		if end > len(muLaw) {
			end = len(muLaw)
		}
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		if err := co.writeFrame(ctx, c, muLaw[off:end]); err != nil {
			c.SetHungUp()
			return nil
		}
	}
	return nil
}

// sleepTail waits for the last frames to play out of the provider buffer.
func (co *Core) sleepTail(ctx context.Context, c *Call) {
	select {
	case <-time.After(playbackTail):
	case <-c.HungUpChan():
	case <-ctx.Done():
	}
}

// mediaFrame is the outbound wire format on the media socket.
type mediaFrame struct {
	Event     string       `json:"event"`
	StreamSid string       `json:"streamSid,omitempty"`
	Media     mediaPayload `json:"media"`
}

type mediaPayload struct {
	Payload string `json:"payload"`
	Track   string `json:"track,omitempty"`
}

func (co *Core) writeFrame(ctx context.Context, c *Call, muLaw []byte) error {
	conn := c.MediaConn()
	if conn == nil {
		return domain.NewDomainError("call.writeFrame", domain.ErrSocketClosed, "no media socket")
	}

	frame := mediaFrame{
		Event:     "media",
		StreamSid: c.StreamSid(),
		Media:     mediaPayload{Payload: base64.StdEncoding.EncodeToString(muLaw)},
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return domain.NewDomainError("call.writeFrame", domain.ErrSocketClosed, err.Error())
	}
	return nil
}

// listen blocks until the next VAD-committed final transcript, a hangup, or
// the transcript timeout.
func (co *Core) listen(ctx context.Context, c *Call) (string, error) {
	if err := c.transition(domain.CallStateListening); err != nil {
		return "", err
	}

	session := c.STT()
	if session == nil {
		return "", domain.NewDomainError("call.listen", domain.ErrSTTDisconnected, "no stt session")
	}

	timer := time.NewTimer(co.cfg.TranscriptTimeout)
	defer timer.Stop()

	for {
		select {
		case tr, ok := <-session.Transcripts():
			if !ok {
				return "", domain.NewDomainError("call.listen", domain.ErrSTTDisconnected,
					"transcript stream closed")
			}
			if tr.Err != nil {
				return "", tr.Err
			}
			if !tr.IsFinal {
				co.logger.Debug("partial transcript", "call_id", c.ID, "text", tr.Text)
				continue
			}
			co.logger.Info("user transcript", "call_id", c.ID, "text", tr.Text)
			return tr.Text, nil

		case <-c.HungUpChan():
			return "", domain.NewDomainError("call.listen", domain.ErrUserHungUp, c.ID)

		case <-timer.C:
			return "", domain.NewSubSystemError("call", "call.listen", domain.ErrTimeout,
				co.cfg.TranscriptTimeout.String())

		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// cleanupOnTurnError maps a turn error to an end reason and cleans up.
func (co *Core) cleanupOnTurnError(ctx context.Context, c *Call, err error) {
	reason := domain.EndReasonError
	if domain.ErrorCodeOf(err) == domain.CodeUserHungUp {
		reason = domain.EndReasonUserHangup
	}
	co.cleanup(ctx, c, reason)
}

// cleanup tears the call down: STT closed, socket closed, best-effort REST
// hangup, indices cleared, summary archived. Idempotent.
func (co *Core) cleanup(ctx context.Context, c *Call, reason domain.EndReason) {
	c.cleanupOnce.Do(func() {
		c.setEndReason(reason)
		c.SetHungUp()

		if s := c.STT(); s != nil {
			s.Close()
		}
		if conn := c.MediaConn(); conn != nil {
			conn.Close(websocket.StatusNormalClosure, "call ended")
		}
		if pid := c.ProviderCallID(); pid != "" && reason != domain.EndReasonUserHangup {
			// Best-effort: the provider may already have torn the call down.
			if err := co.provider.Hangup(ctx, pid); err != nil {
				co.logger.Warn("provider hangup failed", "call_id", c.ID, "error", err)
			}
		}

		if err := c.transition(domain.CallStateEnded); err != nil {
			co.logger.Debug("end transition skipped", "call_id", c.ID, "error", err)
		}

		if co.archive != nil {
			summary := domain.CallSummary{
				CallID:         c.ID,
				ProviderCallID: c.ProviderCallID(),
				UserNumber:     c.UserNumber,
				FromNumber:     c.FromNumber,
				StartedAt:      c.StartTime.UTC(),
				EndedAt:        time.Now().UTC(),
				DurationMs:     time.Since(c.StartTime).Milliseconds(),
				EndReason:      c.EndReason(),
				History:        c.History(),
			}
			if err := co.archive.Archive(ctx, summary); err != nil {
				co.logger.Warn("call archive failed", "call_id", c.ID, "error", err)
			}
		}

		co.registry.Remove(c.ID)
		co.logger.Info("call ended", "call_id", c.ID, "reason", string(c.EndReason()),
			"duration_ms", time.Since(c.StartTime).Milliseconds())
	})
}
