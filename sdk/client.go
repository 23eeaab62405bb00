// Package voxgate is the client-side session manager for the voice gateway.
// It dials /v1/voice, performs the handshake, relays typed events, keeps the
// socket alive with app-level pings, and reconnects on transient failures
// with the same backoff schedule the gateway uses for its upstream legs.
package voxgate

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxgate/voxgate/pkg/core/backoff"
	"github.com/voxgate/voxgate/pkg/gateway/voice/protocol"
)

const (
	defaultDialTimeout  = 15 * time.Second
	defaultPingInterval = 20 * time.Second
	defaultIdleTimeout  = 45 * time.Second
)

// Event is one typed session event emitted by Client.Events().
type Event interface {
	eventType() string
}

// ConnectedEvent is emitted after every successful handshake, including the
// handshake of a reconnect.
type ConnectedEvent struct {
	CallID       string
	AssistantID  string
	Name         string
	FirstMessage string
}

func (ConnectedEvent) eventType() string { return "connected" }

// ReadyEvent signals that the gateway's transcription leg is listening.
type ReadyEvent struct{ Status string }

func (ReadyEvent) eventType() string { return "ready" }

type TranscriptEvent struct {
	Text       string
	Final      bool
	Confidence float64
}

func (TranscriptEvent) eventType() string { return "transcript" }

type AIResponseEvent struct {
	Text           string
	Intent         string
	Confidence     float64
	ShouldTransfer bool
	ShouldEndCall  bool
}

func (AIResponseEvent) eventType() string { return "ai_response" }

// AudioEvent carries one decoded PCM chunk of synthesized speech.
type AudioEvent struct{ Data []byte }

func (AudioEvent) eventType() string { return "audio" }

type EndCallEvent struct{ Reason string }

func (EndCallEvent) eventType() string { return "end_call" }

type TransferCallEvent struct{ Reason string }

func (TransferCallEvent) eventType() string { return "transfer_call" }

type ErrorEvent struct{ Message string }

func (ErrorEvent) eventType() string { return "error" }

type PongEvent struct{}

func (PongEvent) eventType() string { return "pong" }

// ReconnectingEvent is emitted before each reconnect dial.
type ReconnectingEvent struct {
	Attempt int
	Delay   time.Duration
}

func (ReconnectingEvent) eventType() string { return "reconnecting" }

// DisconnectedEvent is terminal: the events channel closes right after it.
// Err is nil on a clean disconnect and non-nil when retries were exhausted.
type DisconnectedEvent struct{ Err error }

func (DisconnectedEvent) eventType() string { return "disconnected" }

// Config configures a Client. URL is required; everything else has defaults.
type Config struct {
	// URL is the gateway endpoint, e.g. "ws://localhost:8080/v1/voice".
	// http/https schemes are rewritten to ws/wss.
	URL         string
	AssistantID string
	UserID      string

	Logger *slog.Logger

	// PingInterval is the app-level keepalive period. Default 20s.
	PingInterval time.Duration
	// IdleTimeout forces a reconnect when no frame arrives for this long.
	// Default 45s.
	IdleTimeout time.Duration
	DialTimeout time.Duration

	Backoff backoff.Policy
}

// Client manages one voice session against the gateway.
type Client struct {
	cfg    Config
	logger *slog.Logger

	events chan Event
	done   chan struct{}

	mu         sync.Mutex
	conn       *websocket.Conn
	runStarted bool

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewClient builds a client. Call Connect to open the session.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("voxgate: config URL is required")
	}
	if strings.TrimSpace(cfg.AssistantID) == "" {
		cfg.AssistantID = "demo"
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = backoff.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		cfg:    cfg,
		logger: logger,
		events: make(chan Event, 256),
		done:   make(chan struct{}),
	}, nil
}

// Events yields session events. The channel closes after a terminal
// DisconnectedEvent.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Connect dials the gateway, performs the handshake, and starts the session
// loop. It returns once the gateway has acknowledged the session.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return errors.New("voxgate: client is closed")
	}

	conn, est, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		_ = conn.Close()
		return errors.New("voxgate: client is closed")
	}
	c.conn = conn
	c.runStarted = true
	c.mu.Unlock()

	c.emit(connectedEventFrom(est))
	go c.run(ctx)
	return nil
}

// SendAudio base64-encodes one microphone chunk into a media frame.
func (c *Client) SendAudio(pcm []byte) error {
	if len(pcm) == 0 {
		return errors.New("voxgate: audio chunk must not be empty")
	}
	return c.sendJSON(protocol.ClientMedia{
		Event: "media",
		Media: protocol.MediaPayload{Payload: base64.StdEncoding.EncodeToString(pcm)},
	})
}

// SendText runs a conversation turn without audio.
func (c *Client) SendText(text string) error {
	if strings.TrimSpace(text) == "" {
		return errors.New("voxgate: text must not be empty")
	}
	return c.sendJSON(protocol.ClientTextInput{Event: "text_input", Text: text})
}

// Ping sends one app-level keepalive frame. The session loop already pings
// on its own; this is for callers that want an explicit liveness probe.
func (c *Client) Ping() error {
	return c.sendJSON(protocol.ClientPing{Event: "ping"})
}

// Disconnect ends the session. It is idempotent and safe to call from any
// goroutine; it returns after the session loop has fully stopped.
func (c *Client) Disconnect() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.mu.Lock()
		if c.conn != nil {
			_ = c.conn.WriteJSON(protocol.ClientStop{Event: "stop"})
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
			_ = c.conn.Close()
		}
		// When Connect never started the session loop there is nothing to
		// wait for; close the channels here so Disconnect still returns.
		if !c.runStarted {
			close(c.events)
			close(c.done)
		}
		c.mu.Unlock()
	})
	<-c.done
	return nil
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) getConn() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) sendJSON(v any) error {
	if c.closed.Load() {
		return errors.New("voxgate: client is closed")
	}
	conn := c.getConn()
	if conn == nil {
		return errors.New("voxgate: not connected")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *Client) emit(e Event) {
	select {
	case c.events <- e:
	default:
		c.logger.Warn("dropping client event, consumer is not keeping up", "event", e.eventType())
	}
}

// dial opens the socket and completes the handshake, returning the
// acknowledgement frame.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, protocol.ServerConnectionEstablished, error) {
	var none protocol.ServerConnectionEstablished

	wsURL, err := websocketURL(c.cfg.URL)
	if err != nil {
		return nil, none, err
	}

	dialCtx := ctx
	var cancel context.CancelFunc
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		dialCtx, cancel = context.WithTimeout(ctx, c.cfg.DialTimeout)
		defer cancel()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		return nil, none, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	handshake := protocol.ClientHandshake{
		Event:       "connected",
		AssistantID: c.cfg.AssistantID,
		UserID:      c.cfg.UserID,
	}
	if err := conn.WriteJSON(handshake); err != nil {
		_ = conn.Close()
		return nil, none, fmt.Errorf("send handshake: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.DialTimeout))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, none, fmt.Errorf("read handshake ack: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	decoded, err := protocol.DecodeServerMessage(payload)
	if err != nil {
		_ = conn.Close()
		return nil, none, fmt.Errorf("decode handshake ack: %w", err)
	}
	switch msg := decoded.(type) {
	case protocol.ServerConnectionEstablished:
		return conn, msg, nil
	case protocol.ServerError:
		_ = conn.Close()
		return nil, none, fmt.Errorf("gateway refused session: %s", msg.Error)
	default:
		_ = conn.Close()
		return nil, none, fmt.Errorf("unexpected first frame %T", decoded)
	}
}

func connectedEventFrom(est protocol.ServerConnectionEstablished) ConnectedEvent {
	return ConnectedEvent{
		CallID:       est.CallID,
		AssistantID:  est.AssistantID,
		Name:         est.Assistant.Name,
		FirstMessage: est.Assistant.FirstMessage,
	}
}

// run owns the socket after Connect: it relays frames, pings, enforces the
// idle timeout, and reconnects on transient failures.
func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	defer close(c.events)

	sup := backoff.NewSupervisor(c.cfg.Backoff)

	for {
		err := c.serveConn(ctx)
		if c.closed.Load() || ctx.Err() != nil || errors.Is(err, errSessionEnded) {
			c.closed.Store(true)
			c.emit(DisconnectedEvent{})
			return
		}
		if err != nil {
			c.logger.Warn("voice socket dropped", "error", err)
		}

		if terminal := c.reconnect(ctx, sup); terminal != nil {
			c.closed.Store(true)
			c.emit(DisconnectedEvent{Err: terminal})
			return
		}
	}
}

// errSessionEnded marks a gateway-initiated clean shutdown (end_call or a
// normal close), which must not trigger a reconnect.
var errSessionEnded = errors.New("voxgate: session ended")

// serveConn pumps one connection until it drops or the session ends.
func (c *Client) serveConn(ctx context.Context) error {
	conn := c.getConn()
	if conn == nil {
		return errors.New("voxgate: not connected")
	}

	type frame struct {
		data []byte
		err  error
	}
	frames := make(chan frame, 16)
	readCtx, stopRead := context.WithCancel(ctx)
	defer stopRead()

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			select {
			case frames <- frame{data: data, err: err}:
			case <-readCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	pinger := time.NewTicker(c.cfg.PingInterval)
	defer pinger.Stop()
	idle := time.NewTimer(c.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close()
			return ctx.Err()

		case <-pinger.C:
			if err := c.Ping(); err != nil {
				_ = conn.Close()
				return fmt.Errorf("keepalive ping: %w", err)
			}

		case <-idle.C:
			_ = conn.Close()
			return fmt.Errorf("no activity for %s", c.cfg.IdleTimeout)

		case f := <-frames:
			if f.err != nil {
				_ = conn.Close()
				if websocket.IsCloseError(f.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return errSessionEnded
				}
				return f.err
			}
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(c.cfg.IdleTimeout)

			ended, err := c.handleFrame(f.data)
			if err != nil {
				c.logger.Debug("dropping undecodable frame", "error", err)
				continue
			}
			if ended {
				_ = conn.Close()
				return errSessionEnded
			}
		}
	}
}

// handleFrame decodes one gateway frame into a client event. It reports
// ended=true when the gateway signalled end of call.
func (c *Client) handleFrame(data []byte) (ended bool, err error) {
	decoded, err := protocol.DecodeServerMessage(data)
	if err != nil {
		return false, err
	}

	switch msg := decoded.(type) {
	case protocol.ServerConnectionEstablished:
		c.emit(connectedEventFrom(msg))
	case protocol.ServerReady:
		c.emit(ReadyEvent{Status: msg.Status})
	case protocol.ServerTranscript:
		c.emit(TranscriptEvent{Text: msg.Text, Final: msg.IsFinal, Confidence: msg.Confidence})
	case protocol.ServerAIResponse:
		c.emit(AIResponseEvent{
			Text:           msg.Text,
			Intent:         msg.Intent,
			Confidence:     msg.Confidence,
			ShouldTransfer: msg.ShouldTransfer,
			ShouldEndCall:  msg.ShouldEndCall,
		})
	case protocol.ServerAudioResponse:
		pcm, decodeErr := base64.StdEncoding.DecodeString(msg.Audio)
		if decodeErr != nil {
			return false, fmt.Errorf("decode audio payload: %w", decodeErr)
		}
		c.emit(AudioEvent{Data: pcm})
	case protocol.ServerError:
		c.emit(ErrorEvent{Message: msg.Error})
	case protocol.ServerPong:
		c.emit(PongEvent{})
	case protocol.ServerEndCall:
		c.emit(EndCallEvent{Reason: msg.Reason})
		return true, nil
	case protocol.ServerTransferCall:
		c.emit(TransferCallEvent{Reason: msg.Reason})
	default:
		return false, fmt.Errorf("unexpected frame %T", decoded)
	}
	return false, nil
}

// reconnect redials with backoff. A nil return means the client is connected
// again; a non-nil return is the terminal error.
func (c *Client) reconnect(ctx context.Context, sup *backoff.Supervisor) error {
	for {
		delay, err := sup.Next()
		if err != nil {
			return err
		}

		c.emit(ReconnectingEvent{Attempt: sup.Attempt(), Delay: delay})

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if c.closed.Load() {
			return errSessionEnded
		}

		conn, est, dialErr := c.dial(ctx)
		if dialErr != nil {
			c.logger.Warn("reconnect failed", "attempt", sup.Attempt(), "error", dialErr)
			continue
		}

		c.setConn(conn)
		sup.Reset()
		c.emit(connectedEventFrom(est))
		return nil
	}
}

func websocketURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse gateway url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported gateway url scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/v1/voice"
	}
	return u.String(), nil
}
