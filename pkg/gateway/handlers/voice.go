package handlers

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxgate/voxgate/pkg/core/backoff"
	"github.com/voxgate/voxgate/pkg/core/convo"
	"github.com/voxgate/voxgate/pkg/core/voice/stt"
	"github.com/voxgate/voxgate/pkg/core/voice/tts"
	"github.com/voxgate/voxgate/pkg/gateway/config"
	"github.com/voxgate/voxgate/pkg/gateway/mw"
	"github.com/voxgate/voxgate/pkg/gateway/store"
	"github.com/voxgate/voxgate/pkg/gateway/voice/protocol"
	"github.com/voxgate/voxgate/pkg/gateway/voice/session"
	"github.com/voxgate/voxgate/pkg/gateway/voice/sessions"
)

// VoiceHandler handles /v1/voice websocket sessions.
type VoiceHandler struct {
	Config   config.Config
	Logger   *slog.Logger
	Store    store.Store
	Sessions *sessions.Tracker

	// Draining reports whether the gateway is shutting down; new sessions
	// are refused while it returns true.
	Draining func() bool

	// Factory overrides, used by tests to substitute fake upstream legs.
	NewSTT       func(ctx context.Context, profile convo.Profile) (session.STTStream, error)
	NewTTS       func(ctx context.Context, profile convo.Profile) (session.TTSStream, error)
	NewResponder func(ctx context.Context, profile convo.Profile) (convo.Responder, error)
}

func (h VoiceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.Draining != nil && h.Draining() {
		http.Error(w, "gateway is draining", http.StatusServiceUnavailable)
		return
	}
	if !h.originAllowed(r) {
		http.Error(w, "origin is not allowed", http.StatusForbidden)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	handshakeTimeout := h.Config.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 5 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	messageType, firstFrame, err := conn.ReadMessage()
	if err != nil {
		h.writeWSError(conn, "failed to read handshake", true)
		return
	}
	if messageType != websocket.TextMessage {
		h.writeWSError(conn, "first frame must be a connected event", true)
		return
	}

	decoded, err := protocol.DecodeClientMessage(firstFrame)
	if err != nil {
		h.writeWSError(conn, "invalid handshake frame", true)
		return
	}
	handshake, ok := decoded.(protocol.ClientHandshake)
	if !ok {
		h.writeWSError(conn, "first frame must be a connected event", true)
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	sessionID := "call_" + randHex(8)
	requestID := requestIDFromContext(r.Context())

	sess, err := session.New(session.Dependencies{
		Conn:         conn,
		Logger:       h.Logger,
		Store:        h.Store,
		NewSTT:       h.newSTT(),
		NewTTS:       h.newTTS(),
		NewResponder: h.newResponder(),
		Handshake:    handshake,
		SessionID:    sessionID,
		RequestID:    requestID,
	}, session.Config{
		PingInterval: h.Config.WSPingInterval,
		WriteTimeout: h.Config.WSWriteTimeout,
		IdleTimeout:  h.Config.WSIdleTimeout,
		EndCallDelay: h.Config.EndCallDelay,
		HistoryBound: h.Config.HistoryBound,
	})
	if err != nil {
		h.writeWSError(conn, "failed to initialize voice session", true)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	unregister := func() {}
	if h.Sessions != nil {
		var admitted bool
		unregister, admitted = h.Sessions.Register(sessionID, sessions.Handle{
			Cancel: cancel,
			Warn:   sess.Warn,
		})
		if !admitted {
			h.writeWSError(conn, "too many active sessions", true)
			return
		}
	}
	defer unregister()

	if err := sess.Run(ctx); err != nil {
		if h.Logger != nil {
			h.Logger.Warn("voice session ended with error",
				"session_id", sessionID, "request_id", requestID, "error", err)
		}
	}
}

func (h VoiceHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if len(h.Config.CORSAllowedOrigins) == 0 {
		return false
	}
	_, ok := h.Config.CORSAllowedOrigins[origin]
	return ok
}

func (h VoiceHandler) backoffPolicy() backoff.Policy {
	p := backoff.Policy{
		Base:        h.Config.BackoffBase,
		Cap:         h.Config.BackoffCap,
		MaxAttempts: h.Config.BackoffMaxAttempts,
	}
	if p.Base <= 0 {
		return backoff.Default()
	}
	return p
}

func (h VoiceHandler) newSTT() func(ctx context.Context, profile convo.Profile) (session.STTStream, error) {
	if h.NewSTT != nil {
		return h.NewSTT
	}
	return func(ctx context.Context, profile convo.Profile) (session.STTStream, error) {
		model := profile.Model
		if model == "" {
			model = h.Config.STTModel
		}
		return stt.Open(ctx, stt.Config{
			BaseURL:       h.Config.DeepgramBaseURL,
			APIKey:        h.Config.DeepgramAPIKey,
			Model:         model,
			Language:      h.Config.STTLanguage,
			EndpointingMS: h.Config.STTEndpointingMS,
			Backoff:       h.backoffPolicy(),
			Logger:        h.Logger,
		})
	}
}

func (h VoiceHandler) newTTS() func(ctx context.Context, profile convo.Profile) (session.TTSStream, error) {
	if h.NewTTS != nil {
		return h.NewTTS
	}
	return func(ctx context.Context, profile convo.Profile) (session.TTSStream, error) {
		return tts.Open(ctx, tts.Config{
			BaseURL:        h.Config.DeepgramBaseURL,
			APIKey:         h.Config.DeepgramAPIKey,
			VoiceID:        profile.VoiceID,
			SampleRate:     h.Config.TTSSampleRate,
			OpeningMessage: profile.FirstMessage,
			Backoff:        h.backoffPolicy(),
			Logger:         h.Logger,
		})
	}
}

func (h VoiceHandler) newResponder() func(ctx context.Context, profile convo.Profile) (convo.Responder, error) {
	if h.NewResponder != nil {
		return h.NewResponder
	}
	if strings.TrimSpace(h.Config.GeminiAPIKey) == "" {
		return nil
	}
	return func(ctx context.Context, profile convo.Profile) (convo.Responder, error) {
		responder, err := convo.NewGeminiResponder(ctx, h.Config.GeminiAPIKey, h.Config.GeminiModel)
		if err != nil {
			return nil, err
		}
		return responder, nil
	}
}

func (h VoiceHandler) writeWSError(conn *websocket.Conn, message string, close bool) {
	_ = conn.WriteJSON(protocol.ServerError{Type: "error", Error: message})
	if close {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message), time.Now().Add(2*time.Second))
	}
}

func randHex(nbytes int) string {
	b := make([]byte, nbytes)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func requestIDFromContext(ctx context.Context) string {
	if id, ok := mw.RequestIDFrom(ctx); ok {
		return id
	}
	return ""
}
