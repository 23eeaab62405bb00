// Package stt owns the gateway's speech-to-text upstream leg: one
// supervised WebSocket to the transcription vendor per session.
package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxgate/voxgate/pkg/core/backoff"
)

const defaultBaseURL = "wss://api.deepgram.com"

// Config parameterizes one streaming transcription leg.
type Config struct {
	// BaseURL overrides the vendor endpoint, mainly for tests.
	BaseURL  string
	APIKey   string
	Model    string
	Language string
	// EndpointingMS is the vendor-side end-of-utterance silence window.
	EndpointingMS int

	Backoff backoff.Policy
	Logger  *slog.Logger
	Dialer  *websocket.Dialer
}

// TranscriptEvent is one recognized speech fragment.
type TranscriptEvent struct {
	Text          string
	IsFinal       bool
	IsSpeechFinal bool
	Confidence    float64
	Timestamp     time.Time
}

type EventKind int

const (
	// EventReady is emitted each time the upstream socket reaches open,
	// including after a reconnect.
	EventReady EventKind = iota
	// EventTranscript carries a TranscriptEvent.
	EventTranscript
	// EventFatal is emitted once when reconnection attempts are exhausted.
	// No further events follow.
	EventFatal
)

type Event struct {
	Kind       EventKind
	Transcript TranscriptEvent
	Err        error
}

// Stream is a supervised streaming transcription session. Dialing and
// reconnection run in a background goroutine; consumers read Events and feed
// audio with SendAudio. All exported methods are safe for concurrent use.
type Stream struct {
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	events chan Event

	mu     sync.Mutex // guards conn writes and swaps
	conn   *websocket.Conn
	open   atomic.Bool
	closed atomic.Bool
	done   chan struct{}
}

// Open starts the transcription leg. The returned stream is connecting in
// the background; an EventReady on Events signals the socket is open.
func Open(ctx context.Context, cfg Config) (*Stream, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("stt: api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.Language == "" {
		cfg.Language = "en-US"
	}
	if cfg.EndpointingMS <= 0 {
		cfg.EndpointingMS = 300
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = backoff.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		cfg:    cfg,
		logger: cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
		events: make(chan Event, 100),
		done:   make(chan struct{}),
	}
	go s.supervise()
	return s, nil
}

// Events returns the stream's event channel. It is closed after EventFatal
// or Close.
func (s *Stream) Events() <-chan Event {
	return s.events
}

// SendAudio forwards one raw audio chunk upstream. Chunks sent while the
// socket is not open are dropped, not queued; stale audio is worse than a
// short gap.
func (s *Stream) SendAudio(data []byte) error {
	if s.closed.Load() || !s.open.Load() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Close tears the leg down. Safe to call more than once.
func (s *Stream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.cancel()
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = s.conn.Close()
	}
	s.mu.Unlock()
	<-s.done
	return nil
}

func (s *Stream) supervise() {
	defer close(s.done)
	defer close(s.events)

	sup := backoff.NewSupervisor(s.cfg.Backoff)

	for {
		if s.ctx.Err() != nil {
			return
		}

		conn, err := s.dial()
		if err == nil {
			sup.Reset()
			s.mu.Lock()
			s.conn = conn
			s.mu.Unlock()
			s.open.Store(true)
			s.emit(Event{Kind: EventReady})

			err = s.readLoop(conn)
			s.open.Store(false)
			s.mu.Lock()
			s.conn = nil
			s.mu.Unlock()
			_ = conn.Close()

			if s.ctx.Err() != nil || isNormalClose(err) {
				return
			}
			s.logger.Warn("stt connection lost", "error", err)
		} else {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Warn("stt dial failed", "error", err)
		}

		delay, berr := sup.Next()
		if berr != nil {
			s.emit(Event{Kind: EventFatal, Err: fmt.Errorf("stt reconnect: %w", berr)})
			return
		}
		s.logger.Info("stt reconnecting", "attempt", sup.Attempt(), "delay", delay)
		select {
		case <-time.After(delay):
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Stream) dial() (*websocket.Conn, error) {
	u, err := url.Parse(s.cfg.BaseURL + "/v1/listen")
	if err != nil {
		return nil, fmt.Errorf("parse stt url: %w", err)
	}
	q := u.Query()
	q.Set("model", s.cfg.Model)
	q.Set("language", s.cfg.Language)
	q.Set("smart_format", "true")
	q.Set("interim_results", "true")
	q.Set("endpointing", strconv.Itoa(s.cfg.EndpointingMS))
	u.RawQuery = q.Encode()

	dialer := s.cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	// The key rides in the subprotocol list, never in the URL.
	d := *dialer
	d.Subprotocols = []string{"token", s.cfg.APIKey}

	conn, resp, err := d.DialContext(s.ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("stt connect: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("stt connect: %w", err)
	}
	return conn, nil
}

func (s *Stream) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.handleMessage(data)
	}
}

type listenMessage struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (s *Stream) handleMessage(data []byte) {
	var msg listenMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("stt: dropping malformed vendor message", "error", err)
		return
	}

	switch msg.Type {
	case "Results":
		if len(msg.Channel.Alternatives) == 0 {
			return
		}
		alt := msg.Channel.Alternatives[0]
		if strings.TrimSpace(alt.Transcript) == "" {
			return
		}
		confidence := alt.Confidence
		if confidence == 0 {
			confidence = 1.0
		}
		s.emit(Event{Kind: EventTranscript, Transcript: TranscriptEvent{
			Text:          alt.Transcript,
			IsFinal:       msg.IsFinal,
			IsSpeechFinal: msg.SpeechFinal,
			Confidence:    confidence,
			Timestamp:     time.Now(),
		}})
	case "UtteranceEnd":
		s.logger.Debug("stt: utterance end")
	case "SpeechStarted":
		s.logger.Debug("stt: speech started")
	default:
		s.logger.Debug("stt: ignoring vendor message", "type", msg.Type)
	}
}

func (s *Stream) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure)
}
