// Package tts owns the gateway's text-to-speech upstream leg: one supervised
// WebSocket to the synthesis vendor per session.
package tts

import (
	"context"
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

const (
	defaultBaseURL    = "wss://api.deepgram.com"
	defaultVoiceID    = "aura-asteria-en"
	defaultSampleRate = 8000

	// openingDelay defers the first phrase until the vendor's session
	// negotiation has settled.
	openingDelay = 500 * time.Millisecond
	// flushDelay separates the Speak payload from the Flush that forces
	// immediate synthesis.
	flushDelay = 100 * time.Millisecond
	// speakRetryDelay is how long a queued phrase waits before retrying
	// while the socket is not open.
	speakRetryDelay = time.Second
)

// Config parameterizes one synthesis leg.
type Config struct {
	// BaseURL overrides the vendor endpoint, mainly for tests.
	BaseURL    string
	APIKey     string
	VoiceID    string
	SampleRate int
	// OpeningMessage, when set, is spoken automatically shortly after the
	// socket opens.
	OpeningMessage string

	Backoff backoff.Policy
	Logger  *slog.Logger
	Dialer  *websocket.Dialer
}

type EventKind int

const (
	// EventReady is emitted each time the upstream socket reaches open,
	// including after a reconnect.
	EventReady EventKind = iota
	// EventAudio carries one synthesized PCM chunk, relayed in arrival order.
	EventAudio
	// EventFatal is emitted once when reconnection attempts are exhausted.
	EventFatal
)

type Event struct {
	Kind  EventKind
	Audio []byte
	Err   error
}

// Stream is a supervised streaming synthesis session. All exported methods
// are safe for concurrent use.
type Stream struct {
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	events chan Event

	mu      sync.Mutex // guards conn and the pending phrase
	conn    *websocket.Conn
	pending string
	open    atomic.Bool
	closed  atomic.Bool
	done    chan struct{}
}

type speakCommand struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Open starts the synthesis leg. The returned stream is connecting in the
// background; an EventReady on Events signals the socket is open.
func Open(ctx context.Context, cfg Config) (*Stream, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("tts: api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.VoiceID == "" {
		cfg.VoiceID = defaultVoiceID
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = defaultSampleRate
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

// Speak synthesizes one phrase. While the socket is open the vendor protocol
// is Clear, Speak, then a delayed Flush. While it is not open the phrase is
// queued exactly once and retried shortly after; a newer phrase replaces the
// queued one. Unlike inbound audio, a reply must eventually be spoken.
func (s *Stream) Speak(text string) error {
	text = strings.TrimSpace(text)
	if text == "" || s.closed.Load() {
		return nil
	}
	if !s.open.Load() {
		s.queueSpeak(text)
		return nil
	}
	return s.speakNow(text)
}

func (s *Stream) speakNow(text string) error {
	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		s.queueSpeak(text)
		return nil
	}
	if err := conn.WriteJSON(speakCommand{Type: "Clear"}); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := conn.WriteJSON(speakCommand{Type: "Speak", Text: text}); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	time.AfterFunc(flushDelay, func() {
		if s.closed.Load() || !s.open.Load() {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.conn == nil {
			return
		}
		if err := s.conn.WriteJSON(speakCommand{Type: "Flush"}); err != nil {
			s.logger.Warn("tts flush failed", "error", err)
		}
	})
	return nil
}

func (s *Stream) queueSpeak(text string) {
	s.mu.Lock()
	replaced := s.pending != ""
	s.pending = text
	s.mu.Unlock()
	if replaced {
		return
	}
	s.logger.Info("tts not open, queuing phrase")
	s.scheduleRetry()
}

func (s *Stream) scheduleRetry() {
	time.AfterFunc(speakRetryDelay, func() {
		if s.closed.Load() || s.ctx.Err() != nil {
			return
		}
		s.mu.Lock()
		text := s.pending
		if text == "" {
			s.mu.Unlock()
			return
		}
		if !s.open.Load() {
			s.mu.Unlock()
			s.scheduleRetry()
			return
		}
		s.pending = ""
		s.mu.Unlock()
		if err := s.speakNow(text); err != nil {
			s.logger.Warn("tts queued speak failed", "error", err)
		}
	})
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
			s.speakOpeningSoon()

			err = s.readLoop(conn)
			s.open.Store(false)
			s.mu.Lock()
			s.conn = nil
			s.mu.Unlock()
			_ = conn.Close()

			if s.ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return
			}
			s.logger.Warn("tts connection lost", "error", err)
		} else {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Warn("tts dial failed", "error", err)
		}

		delay, berr := sup.Next()
		if berr != nil {
			s.emit(Event{Kind: EventFatal, Err: fmt.Errorf("tts reconnect: %w", berr)})
			return
		}
		s.logger.Info("tts reconnecting", "attempt", sup.Attempt(), "delay", delay)
		select {
		case <-time.After(delay):
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Stream) speakOpeningSoon() {
	msg := strings.TrimSpace(s.cfg.OpeningMessage)
	if msg == "" {
		return
	}
	time.AfterFunc(openingDelay, func() {
		if s.closed.Load() || s.ctx.Err() != nil {
			return
		}
		if err := s.Speak(msg); err != nil {
			s.logger.Warn("tts opening message failed", "error", err)
		}
	})
}

func (s *Stream) dial() (*websocket.Conn, error) {
	u, err := url.Parse(s.cfg.BaseURL + "/v1/speak")
	if err != nil {
		return nil, fmt.Errorf("parse tts url: %w", err)
	}
	q := u.Query()
	q.Set("model", s.cfg.VoiceID)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(s.cfg.SampleRate))
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
			return nil, fmt.Errorf("tts connect: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("tts connect: %w", err)
	}
	return conn, nil
}

func (s *Stream) readLoop(conn *websocket.Conn) error {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if messageType == websocket.BinaryMessage && len(data) > 0 {
			s.emit(Event{Kind: EventAudio, Audio: data})
			continue
		}
		// Vendor status frames (Metadata, Flushed, Warning) are text JSON.
		s.logger.Debug("tts: vendor status", "payload", string(data))
	}
}

func (s *Stream) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}
