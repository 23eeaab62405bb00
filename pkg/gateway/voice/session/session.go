// Package session implements the per-connection voice session actor. One
// goroutine owns all session state and serializes every event source: client
// frames, transcription events, synthesis audio, and call-control timers.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxgate/voxgate/pkg/core/convo"
	"github.com/voxgate/voxgate/pkg/core/voice/stt"
	"github.com/voxgate/voxgate/pkg/core/voice/tts"
	"github.com/voxgate/voxgate/pkg/gateway/metrics"
	"github.com/voxgate/voxgate/pkg/gateway/store"
	"github.com/voxgate/voxgate/pkg/gateway/voice/protocol"
)

const (
	defaultIdleTimeout  = 45 * time.Second
	defaultEndCallDelay = 3 * time.Second
)

// STTStream is the transcription leg as the session sees it.
type STTStream interface {
	Events() <-chan stt.Event
	SendAudio(data []byte) error
	Close() error
}

// TTSStream is the synthesis leg as the session sees it.
type TTSStream interface {
	Events() <-chan tts.Event
	Speak(text string) error
	Close() error
}

// Dependencies carries everything a session needs. Conn and the stream
// factories are required; the rest defaults sensibly.
type Dependencies struct {
	Conn   *websocket.Conn
	Logger *slog.Logger
	Store  store.Store

	// NewSTT and NewTTS open the upstream legs for a resolved profile.
	NewSTT func(ctx context.Context, profile convo.Profile) (STTStream, error)
	NewTTS func(ctx context.Context, profile convo.Profile) (TTSStream, error)
	// NewResponder builds the reply generator. Nil falls back to the
	// template responder.
	NewResponder func(ctx context.Context, profile convo.Profile) (convo.Responder, error)

	Handshake protocol.ClientHandshake
	SessionID string
	RequestID string

	Now func() time.Time
}

type Config struct {
	PingInterval time.Duration
	WriteTimeout time.Duration
	// IdleTimeout closes the session when no client frame arrives in time.
	IdleTimeout time.Duration
	// EndCallDelay is the grace period between announcing an end_call and
	// tearing the session down, so queued audio can drain.
	EndCallDelay time.Duration
	HistoryBound int
}

// Session lifecycle phases, in the order they are normally entered.
const (
	PhaseLoadingProfile   = "loading_profile"
	PhaseOpeningUpstreams = "opening_upstreams"
	PhaseListening        = "listening"
	PhaseProcessing       = "processing"
	PhaseSpeaking         = "speaking"
	PhaseClosed           = "closed"
)

// LegRecord describes one connection leg of the session.
type LegRecord struct {
	State        string
	Attempts     int
	LastActivity time.Time
}

// Status is a point-in-time snapshot of the session for observability.
type Status struct {
	Phase  string
	Client LegRecord
	STT    LegRecord
	TTS    LegRecord
}

// Session is one live voice relay. Run owns the actor loop; everything else
// is plumbing owned by that loop.
type Session struct {
	deps   Dependencies
	cfg    Config
	logger *slog.Logger

	engine *convo.Engine
	stt    STTStream
	tts    TTSStream

	priority chan outboundFrame
	normal   chan outboundFrame

	sttReady  bool
	ttsReady  bool
	readySent bool
	ending    bool

	statusMu sync.Mutex
	status   Status
}

func New(deps Dependencies, cfg Config) (*Session, error) {
	if deps.Conn == nil {
		return nil, errors.New("session: conn is required")
	}
	if deps.NewSTT == nil || deps.NewTTS == nil {
		return nil, errors.New("session: stream factories are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.EndCallDelay <= 0 {
		cfg.EndCallDelay = defaultEndCallDelay
	}

	logger := deps.Logger.With("session_id", deps.SessionID)
	if deps.RequestID != "" {
		logger = logger.With("request_id", deps.RequestID)
	}

	return &Session{
		deps:     deps,
		cfg:      cfg,
		logger:   logger,
		priority: make(chan outboundFrame, 16),
		normal:   make(chan outboundFrame, 256),
		status:   Status{Phase: PhaseLoadingProfile},
	}, nil
}

// Status returns a snapshot of the session phase and per-leg records. Safe to
// call from other goroutines.
func (s *Session) Status() Status {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	return s.status
}

func (s *Session) setPhase(phase string) {
	s.statusMu.Lock()
	s.status.Phase = phase
	s.statusMu.Unlock()
}

// markLeg updates one leg record. An empty state only refreshes the activity
// timestamp; reconnect bumps the attempt counter.
func (s *Session) markLeg(leg, state string, reconnect bool) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	var r *LegRecord
	switch leg {
	case "client":
		r = &s.status.Client
	case "stt":
		r = &s.status.STT
	case "tts":
		r = &s.status.TTS
	default:
		return
	}
	if state != "" {
		r.State = state
	}
	if reconnect {
		r.Attempts++
	}
	r.LastActivity = s.deps.Now()
}

// Run drives the session to completion. It returns when the client
// disconnects, an upstream leg fails fatally, or ctx is canceled.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	metrics.SessionsTotal.Inc()
	metrics.ActiveSessions.Inc()
	defer metrics.ActiveSessions.Dec()

	profile := s.resolveProfile(ctx)
	s.logger.Info("session starting",
		"assistant_id", profile.ID, "assistant", profile.Name)
	s.setPhase(PhaseOpeningUpstreams)
	s.markLeg("client", "open", false)

	var responder convo.Responder
	if s.deps.NewResponder != nil {
		var err error
		responder, err = s.deps.NewResponder(ctx, profile)
		if err != nil {
			s.logger.Warn("responder unavailable, using templates", "error", err)
			responder = nil
		}
	}
	engineOpts := []convo.Option{convo.WithLogger(s.logger)}
	if s.cfg.HistoryBound > 0 {
		engineOpts = append(engineOpts, convo.WithHistoryBound(s.cfg.HistoryBound))
	}
	s.engine = convo.NewEngine(profile, responder, engineOpts...)

	writerDone := make(chan error, 1)
	writer := &outboundWriter{
		ws:       s.deps.Conn,
		ctx:      ctx,
		cfg:      s.cfg,
		priority: s.priority,
		normal:   s.normal,
	}
	go func() { writerDone <- writer.Run() }()

	s.sendPriority(protocol.ServerConnectionEstablished{
		Type:        "connection_established",
		CallID:      s.deps.SessionID,
		AssistantID: profile.ID,
		Assistant: protocol.AssistantInfo{
			Name:         profile.Name,
			FirstMessage: profile.FirstMessage,
		},
		TimestampMS: s.nowMS(),
	})

	var err error
	s.markLeg("stt", "connecting", false)
	s.stt, err = s.deps.NewSTT(ctx, profile)
	if err != nil {
		s.sendError(fmt.Sprintf("speech recognition unavailable: %v", err))
		cancel()
		<-writerDone
		return fmt.Errorf("session: open stt: %w", err)
	}
	defer func() { _ = s.stt.Close() }()

	s.markLeg("tts", "connecting", false)
	s.tts, err = s.deps.NewTTS(ctx, profile)
	if err != nil {
		s.sendError(fmt.Sprintf("speech synthesis unavailable: %v", err))
		cancel()
		<-writerDone
		return fmt.Errorf("session: open tts: %w", err)
	}
	defer func() { _ = s.tts.Close() }()

	readCh := make(chan []byte, 32)
	readErr := make(chan error, 1)
	go s.readLoop(ctx, readCh, readErr)

	sttEvents := s.stt.Events()
	ttsEvents := s.tts.Events()

	var endCallTimer *time.Timer
	var endCallFired <-chan time.Time
	defer func() {
		if endCallTimer != nil {
			endCallTimer.Stop()
		}
	}()

	var runErr error

loop:
	for {
		select {
		case <-ctx.Done():
			break loop

		case data := <-readCh:
			stop := s.handleClientFrame(ctx, data)
			if stop {
				break loop
			}

		case err := <-readErr:
			if err != nil && !websocket.IsCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Info("client connection lost", "error", err)
			}
			break loop

		case ev, ok := <-sttEvents:
			if !ok {
				sttEvents = nil
				continue
			}
			if fatal := s.handleSTTEvent(ctx, ev); fatal {
				runErr = ev.Err
				break loop
			}

		case ev, ok := <-ttsEvents:
			if !ok {
				ttsEvents = nil
				continue
			}
			if fatal := s.handleTTSEvent(ev); fatal {
				runErr = ev.Err
				break loop
			}

		case <-endCallFired:
			s.sendPriority(protocol.ServerEndCall{Type: "end_call", Reason: "ai_decision"})
			break loop

		case err := <-writerDone:
			writerDone = nil
			if err != nil {
				s.logger.Info("writer stopped", "error", err)
			}
			break loop
		}

		if s.ending && endCallTimer == nil {
			endCallTimer = time.NewTimer(s.cfg.EndCallDelay)
			endCallFired = endCallTimer.C
		}
	}

	cancel()
	if writerDone != nil {
		<-writerDone
	}
	s.setPhase(PhaseClosed)
	s.markLeg("client", "closed", false)
	s.markLeg("stt", "closed", false)
	s.markLeg("tts", "closed", false)
	s.logger.Info("session finished")
	return runErr
}

// Warn enqueues a priority error frame. The session tracker uses it to
// announce a drain to connected clients. Safe to call from other goroutines.
func (s *Session) Warn(code, message string) error {
	s.sendError(code + ": " + message)
	return nil
}

// resolveProfile loads the requested assistant, falling back to the built-in
// default when the store is absent or the lookup fails. A broken profile
// store must never block a call.
func (s *Session) resolveProfile(ctx context.Context) convo.Profile {
	id := s.deps.Handshake.AssistantID
	if s.deps.Store == nil || id == "" || id == "demo" {
		return convo.DefaultProfile()
	}
	profile, err := s.deps.Store.Assistant(ctx, id, s.deps.Handshake.UserID)
	if err != nil {
		s.logger.Warn("assistant lookup failed, using default",
			"assistant_id", id, "error", err)
		return convo.DefaultProfile()
	}
	return profile
}

func (s *Session) readLoop(ctx context.Context, readCh chan<- []byte, readErr chan<- error) {
	conn := s.deps.Conn
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		select {
		case readCh <- data:
		case <-ctx.Done():
			return
		}
	}
}

// handleClientFrame processes one inbound frame. It returns true when the
// session should stop.
func (s *Session) handleClientFrame(ctx context.Context, data []byte) bool {
	s.markLeg("client", "", false)
	msg, err := protocol.DecodeClientMessage(data)
	if err != nil {
		s.sendError(err.Error())
		return false
	}

	switch m := msg.(type) {
	case protocol.ClientMedia:
		chunk, err := base64.StdEncoding.DecodeString(m.Media.Payload)
		if err != nil {
			s.sendError("media.payload is not valid base64")
			return false
		}
		if err := s.stt.SendAudio(chunk); err != nil {
			s.logger.Warn("audio forward failed", "error", err)
		}
	case protocol.ClientTextInput:
		s.sendNormal(protocol.ServerTranscript{
			Type: "transcript", Text: m.Text, Confidence: 1.0,
			IsFinal: true, TimestampMS: s.nowMS(),
		})
		s.runTurn(ctx, m.Text)
	case protocol.ClientPing:
		s.sendPriority(protocol.ServerPong{Type: "pong", TimestampMS: s.nowMS()})
	case protocol.ClientStop:
		s.logger.Info("client requested stop")
		return true
	case protocol.ClientHandshake:
		s.logger.Debug("ignoring repeated handshake")
	}
	return false
}

// handleSTTEvent returns true when the leg failed fatally.
func (s *Session) handleSTTEvent(ctx context.Context, ev stt.Event) bool {
	switch ev.Kind {
	case stt.EventReady:
		if s.sttReady {
			metrics.UpstreamReconnects.WithLabelValues("stt").Inc()
			s.markLeg("stt", "open", true)
			s.logger.Info("stt reconnected")
			return false
		}
		s.sttReady = true
		s.markLeg("stt", "open", false)
		s.maybeReady()
	case stt.EventTranscript:
		tr := ev.Transcript
		s.markLeg("stt", "", false)
		s.sendNormal(protocol.ServerTranscript{
			Type: "transcript", Text: tr.Text, Confidence: tr.Confidence,
			IsFinal: tr.IsFinal, TimestampMS: s.nowMS(),
		})
		if tr.IsFinal || tr.IsSpeechFinal {
			s.runTurn(ctx, tr.Text)
		}
	case stt.EventFatal:
		metrics.UpstreamFailures.WithLabelValues("stt").Inc()
		s.markLeg("stt", "failed", false)
		s.sendError("speech recognition connection lost")
		return true
	}
	return false
}

// handleTTSEvent returns true when the leg failed fatally.
func (s *Session) handleTTSEvent(ev tts.Event) bool {
	switch ev.Kind {
	case tts.EventReady:
		if s.ttsReady {
			metrics.UpstreamReconnects.WithLabelValues("tts").Inc()
			s.markLeg("tts", "open", true)
			s.logger.Info("tts reconnected")
			return false
		}
		s.ttsReady = true
		s.markLeg("tts", "open", false)
		s.maybeReady()
	case tts.EventAudio:
		s.markLeg("tts", "", false)
		s.sendNormal(protocol.ServerAudioResponse{
			Type:        "audio_response",
			Audio:       base64.StdEncoding.EncodeToString(ev.Audio),
			TimestampMS: s.nowMS(),
		})
	case tts.EventFatal:
		metrics.UpstreamFailures.WithLabelValues("tts").Inc()
		s.markLeg("tts", "failed", false)
		s.sendError("voice synthesis connection lost")
		return true
	}
	return false
}

// maybeReady announces the session once both upstream legs are open.
func (s *Session) maybeReady() {
	if s.readySent || !s.sttReady || !s.ttsReady {
		return
	}
	s.readySent = true
	s.setPhase(PhaseListening)
	s.sendPriority(protocol.ServerReady{
		Type: "ready", Status: "listening",
		Assistant: s.engine.Profile().Name, TimestampMS: s.nowMS(),
	})
}

// runTurn executes one conversation turn synchronously in the actor.
func (s *Session) runTurn(ctx context.Context, text string) {
	s.setPhase(PhaseProcessing)
	started := s.deps.Now()
	reply := s.engine.OnFinalTranscript(ctx, text)
	metrics.ObserveTurn(reply.Intent, s.deps.Now().Sub(started))

	s.appendLog(ctx, convo.RoleUser, text)
	s.appendLog(ctx, convo.RoleAssistant, reply.Text)

	s.sendNormal(protocol.ServerAIResponse{
		Type:           "ai_response",
		Text:           reply.Text,
		Intent:         reply.Intent,
		Confidence:     reply.Confidence,
		ShouldTransfer: reply.ShouldTransfer,
		ShouldEndCall:  reply.ShouldEndCall,
		TimestampMS:    s.nowMS(),
	})

	if err := s.tts.Speak(reply.Text); err != nil {
		s.logger.Warn("speak failed", "error", err)
	}
	s.setPhase(PhaseSpeaking)

	if reply.ShouldTransfer {
		s.sendPriority(protocol.ServerTransferCall{Type: "transfer_call", Reason: "ai_decision"})
	}
	if reply.ShouldEndCall {
		s.logger.Info("ending call after grace period", "intent", reply.Intent)
		s.ending = true
	}
}

func (s *Session) appendLog(ctx context.Context, role, content string) {
	if s.deps.Store == nil || content == "" {
		return
	}
	err := s.deps.Store.AppendLog(ctx, store.LogEntry{
		CallID:      s.deps.SessionID,
		AssistantID: s.engine.Profile().ID,
		Role:        role,
		Content:     content,
		CreatedAt:   s.deps.Now().UTC(),
	})
	if err != nil {
		s.logger.Warn("conversation log append failed", "error", err)
	}
}

func (s *Session) sendNormal(msg any) {
	s.enqueue(s.normal, msg)
}

func (s *Session) sendPriority(msg any) {
	s.enqueue(s.priority, msg)
}

func (s *Session) sendError(text string) {
	s.sendPriority(protocol.ServerError{Type: "error", Error: text, TimestampMS: s.nowMS()})
}

func (s *Session) enqueue(ch chan outboundFrame, msg any) {
	payload, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("marshal outbound frame", "error", err)
		return
	}
	select {
	case ch <- outboundFrame{payload: payload}:
	default:
		s.logger.Warn("outbound queue full, dropping frame")
	}
}

func (s *Session) nowMS() int64 {
	return s.deps.Now().UnixMilli()
}
