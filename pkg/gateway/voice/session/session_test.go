package session

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxgate/voxgate/pkg/core/convo"
	"github.com/voxgate/voxgate/pkg/core/voice/stt"
	"github.com/voxgate/voxgate/pkg/core/voice/tts"
	"github.com/voxgate/voxgate/pkg/gateway/voice/protocol"
)

type fakeSTT struct {
	events chan stt.Event

	mu     sync.Mutex
	audio  [][]byte
	closed bool
}

func newFakeSTT() *fakeSTT {
	return &fakeSTT{events: make(chan stt.Event, 16)}
}

func (f *fakeSTT) Events() <-chan stt.Event { return f.events }

func (f *fakeSTT) SendAudio(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	chunk := make([]byte, len(data))
	copy(chunk, data)
	f.audio = append(f.audio, chunk)
	return nil
}

func (f *fakeSTT) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

func (f *fakeSTT) received() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.audio))
	copy(out, f.audio)
	return out
}

type fakeTTS struct {
	events chan tts.Event

	mu     sync.Mutex
	spoken []string
	closed bool
}

func newFakeTTS() *fakeTTS {
	return &fakeTTS{events: make(chan tts.Event, 16)}
}

func (f *fakeTTS) Events() <-chan tts.Event { return f.events }

func (f *fakeTTS) Speak(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spoken = append(f.spoken, text)
	return nil
}

func (f *fakeTTS) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

func (f *fakeTTS) phrases() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.spoken))
	copy(out, f.spoken)
	return out
}

type harness struct {
	client *websocket.Conn
	stt    *fakeSTT
	tts    *fakeTTS
	sess   chan *Session
	done   chan error
}

// openUpstreams feeds ready events for both legs and waits for the session
// to announce itself.
func (h *harness) openUpstreams(t *testing.T) {
	t.Helper()
	h.stt.events <- stt.Event{Kind: stt.EventReady}
	h.tts.events <- tts.Event{Kind: tts.EventReady}
	ready := waitFor[protocol.ServerReady](t, h.client)
	if ready.Status != "listening" {
		t.Fatalf("ready=%+v", ready)
	}
}

// startSession upgrades one client connection, reads the handshake frame, and
// runs a session against fake upstream legs.
func startSession(t *testing.T, cfg Config) *harness {
	t.Helper()

	h := &harness{
		stt:  newFakeSTT(),
		tts:  newFakeTTS(),
		sess: make(chan *Session, 1),
		done: make(chan error, 1),
	}
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Errorf("read handshake: %v", err)
			return
		}
		msg, err := protocol.DecodeClientMessage(raw)
		if err != nil {
			t.Errorf("decode handshake: %v", err)
			return
		}
		hs, ok := msg.(protocol.ClientHandshake)
		if !ok {
			t.Errorf("first frame is %T, want handshake", msg)
			return
		}

		sess, err := New(Dependencies{
			Conn:      conn,
			Handshake: hs,
			SessionID: "call-1",
			NewSTT: func(context.Context, convo.Profile) (STTStream, error) {
				return h.stt, nil
			},
			NewTTS: func(context.Context, convo.Profile) (TTSStream, error) {
				return h.tts, nil
			},
		}, cfg)
		if err != nil {
			t.Errorf("new session: %v", err)
			return
		}
		h.sess <- sess
		h.done <- sess.Run(context.Background())
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	h.client = client

	if err := client.WriteJSON(map[string]string{"event": "connected", "assistantId": "demo"}); err != nil {
		t.Fatalf("send handshake: %v", err)
	}
	return h
}

// waitFor reads server frames until one decodes to the wanted type.
func waitFor[T any](t *testing.T, conn *websocket.Conn) T {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(deadline)
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		msg, err := protocol.DecodeServerMessage(raw)
		if err != nil {
			t.Fatalf("decode frame %s: %v", raw, err)
		}
		if typed, ok := msg.(T); ok {
			return typed
		}
	}
	var zero T
	t.Fatalf("no %T frame arrived", zero)
	return zero
}

func TestSessionEstablishesAndAnswersText(t *testing.T) {
	h := startSession(t, Config{})

	est := waitFor[protocol.ServerConnectionEstablished](t, h.client)
	if est.CallID != "call-1" || est.AssistantID != "demo" {
		t.Fatalf("connection_established=%+v", est)
	}
	if est.Assistant.FirstMessage == "" {
		t.Fatalf("assistant first message missing")
	}

	h.openUpstreams(t)

	if err := h.client.WriteJSON(map[string]string{"event": "text_input", "text": "hello there"}); err != nil {
		t.Fatalf("send text: %v", err)
	}

	tr := waitFor[protocol.ServerTranscript](t, h.client)
	if tr.Text != "hello there" || !tr.IsFinal {
		t.Fatalf("transcript=%+v", tr)
	}

	resp := waitFor[protocol.ServerAIResponse](t, h.client)
	if resp.Intent != "greeting" {
		t.Fatalf("intent=%q, want greeting", resp.Intent)
	}
	if resp.Text == "" {
		t.Fatalf("empty ai_response text")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if phrases := h.tts.phrases(); len(phrases) == 1 {
			if phrases[0] != resp.Text {
				t.Fatalf("spoken=%v, want [%q]", phrases, resp.Text)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("reply was never spoken")
}

func TestInterimTranscriptDoesNotRunTurn(t *testing.T) {
	h := startSession(t, Config{})
	waitFor[protocol.ServerConnectionEstablished](t, h.client)

	h.stt.events <- stt.Event{Kind: stt.EventReady}
	h.stt.events <- stt.Event{Kind: stt.EventTranscript, Transcript: stt.TranscriptEvent{
		Text: "hel", IsFinal: false, Confidence: 0.4,
	}}
	h.stt.events <- stt.Event{Kind: stt.EventTranscript, Transcript: stt.TranscriptEvent{
		Text: "hello", IsFinal: true, Confidence: 0.9,
	}}

	first := waitFor[protocol.ServerTranscript](t, h.client)
	if first.IsFinal {
		t.Fatalf("first transcript already final: %+v", first)
	}
	second := waitFor[protocol.ServerTranscript](t, h.client)
	if !second.IsFinal {
		t.Fatalf("second transcript not final: %+v", second)
	}

	resp := waitFor[protocol.ServerAIResponse](t, h.client)
	if resp.Intent != "greeting" {
		t.Fatalf("intent=%q", resp.Intent)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(h.tts.phrases()) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("spoken %d phrases, want 1", len(h.tts.phrases()))
}

func TestMediaForwardedToSTT(t *testing.T) {
	h := startSession(t, Config{})
	waitFor[protocol.ServerConnectionEstablished](t, h.client)
	h.openUpstreams(t)

	chunk := []byte{0x01, 0x02, 0x03, 0x04}
	err := h.client.WriteJSON(map[string]any{
		"event": "media",
		"media": map[string]string{"payload": base64.StdEncoding.EncodeToString(chunk)},
	})
	if err != nil {
		t.Fatalf("send media: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := h.stt.received(); len(got) == 1 {
			if string(got[0]) != string(chunk) {
				t.Fatalf("forwarded audio=%v, want %v", got[0], chunk)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("audio never reached the stt leg")
}

func TestSynthesizedAudioRelayed(t *testing.T) {
	h := startSession(t, Config{})
	waitFor[protocol.ServerConnectionEstablished](t, h.client)

	pcm := []byte{0xAA, 0xBB, 0xCC}
	h.tts.events <- tts.Event{Kind: tts.EventReady}
	h.tts.events <- tts.Event{Kind: tts.EventAudio, Audio: pcm}

	frame := waitFor[protocol.ServerAudioResponse](t, h.client)
	decoded, err := base64.StdEncoding.DecodeString(frame.Audio)
	if err != nil {
		t.Fatalf("audio not base64: %v", err)
	}
	if string(decoded) != string(pcm) {
		t.Fatalf("audio=%v, want %v", decoded, pcm)
	}
}

func TestNotInterestedEndsCallAfterGrace(t *testing.T) {
	h := startSession(t, Config{EndCallDelay: 50 * time.Millisecond})
	waitFor[protocol.ServerConnectionEstablished](t, h.client)

	if err := h.client.WriteJSON(map[string]string{"event": "text_input", "text": "I'm not interested"}); err != nil {
		t.Fatalf("send text: %v", err)
	}

	resp := waitFor[protocol.ServerAIResponse](t, h.client)
	if !resp.ShouldEndCall {
		t.Fatalf("ShouldEndCall=false, resp=%+v", resp)
	}

	end := waitFor[protocol.ServerEndCall](t, h.client)
	if end.Reason != "ai_decision" {
		t.Fatalf("end reason=%q", end.Reason)
	}

	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("session err=%v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not finish after end_call")
	}
}

func TestTransferKeywordsSendTransferFrame(t *testing.T) {
	h := startSession(t, Config{})
	waitFor[protocol.ServerConnectionEstablished](t, h.client)

	if err := h.client.WriteJSON(map[string]string{"event": "text_input", "text": "let me talk to a human"}); err != nil {
		t.Fatalf("send text: %v", err)
	}

	transfer := waitFor[protocol.ServerTransferCall](t, h.client)
	if transfer.Reason != "ai_decision" {
		t.Fatalf("transfer reason=%q", transfer.Reason)
	}
}

func TestPingAnsweredWithPong(t *testing.T) {
	h := startSession(t, Config{})
	waitFor[protocol.ServerConnectionEstablished](t, h.client)

	if err := h.client.WriteJSON(map[string]string{"event": "ping"}); err != nil {
		t.Fatalf("send ping: %v", err)
	}
	waitFor[protocol.ServerPong](t, h.client)
}

func TestStopTearsDownBothLegs(t *testing.T) {
	h := startSession(t, Config{})
	waitFor[protocol.ServerConnectionEstablished](t, h.client)

	if err := h.client.WriteJSON(map[string]string{"event": "stop"}); err != nil {
		t.Fatalf("send stop: %v", err)
	}

	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("session err=%v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not finish after stop")
	}

	h.stt.mu.Lock()
	sttClosed := h.stt.closed
	h.stt.mu.Unlock()
	h.tts.mu.Lock()
	ttsClosed := h.tts.closed
	h.tts.mu.Unlock()
	if !sttClosed || !ttsClosed {
		t.Fatalf("legs not closed: stt=%v tts=%v", sttClosed, ttsClosed)
	}
}

func TestSTTFatalEndsSessionWithError(t *testing.T) {
	h := startSession(t, Config{})
	waitFor[protocol.ServerConnectionEstablished](t, h.client)

	h.stt.events <- stt.Event{Kind: stt.EventFatal, Err: context.DeadlineExceeded}

	errFrame := waitFor[protocol.ServerError](t, h.client)
	if errFrame.Error == "" {
		t.Fatalf("empty error frame")
	}

	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not finish after fatal stt event")
	}
}

func TestSpeechFinalTranscriptTriggersTurn(t *testing.T) {
	h := startSession(t, Config{})
	waitFor[protocol.ServerConnectionEstablished](t, h.client)
	h.openUpstreams(t)

	h.stt.events <- stt.Event{Kind: stt.EventTranscript, Transcript: stt.TranscriptEvent{
		Text: "hello there", IsFinal: false, IsSpeechFinal: true, Confidence: 0.85,
	}}

	resp := waitFor[protocol.ServerAIResponse](t, h.client)
	if resp.Intent != "greeting" {
		t.Fatalf("intent=%q, want greeting", resp.Intent)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(h.tts.phrases()) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("speech-final transcript never reached synthesis")
}

func TestReadyWaitsForBothUpstreams(t *testing.T) {
	h := startSession(t, Config{})
	waitFor[protocol.ServerConnectionEstablished](t, h.client)

	h.stt.events <- stt.Event{Kind: stt.EventReady}
	if err := h.client.WriteJSON(map[string]string{"event": "ping"}); err != nil {
		t.Fatalf("send ping: %v", err)
	}

	// The pong must arrive without a ready frame preceding it: only the
	// transcription leg is open.
	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = h.client.SetReadDeadline(deadline)
		_, raw, err := h.client.ReadMessage()
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		msg, err := protocol.DecodeServerMessage(raw)
		if err != nil {
			t.Fatalf("decode frame %s: %v", raw, err)
		}
		if _, ok := msg.(protocol.ServerReady); ok {
			t.Fatalf("ready emitted before the synthesis leg opened")
		}
		if _, ok := msg.(protocol.ServerPong); ok {
			break
		}
	}

	h.tts.events <- tts.Event{Kind: tts.EventReady}
	ready := waitFor[protocol.ServerReady](t, h.client)
	if ready.Status != "listening" {
		t.Fatalf("ready=%+v", ready)
	}
}

func TestTTSFatalEndsSessionWithError(t *testing.T) {
	h := startSession(t, Config{})
	waitFor[protocol.ServerConnectionEstablished](t, h.client)

	h.tts.events <- tts.Event{Kind: tts.EventFatal, Err: context.DeadlineExceeded}

	errFrame := waitFor[protocol.ServerError](t, h.client)
	if errFrame.Error == "" {
		t.Fatalf("empty error frame")
	}

	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not finish after fatal tts event")
	}
}

func TestStatusTracksLifecycle(t *testing.T) {
	h := startSession(t, Config{})
	waitFor[protocol.ServerConnectionEstablished](t, h.client)
	sess := <-h.sess

	h.openUpstreams(t)

	st := sess.Status()
	if st.Phase != PhaseListening {
		t.Fatalf("phase=%q, want %q", st.Phase, PhaseListening)
	}
	if st.STT.State != "open" || st.TTS.State != "open" {
		t.Fatalf("leg states: stt=%q tts=%q", st.STT.State, st.TTS.State)
	}
	if st.Client.LastActivity.IsZero() {
		t.Fatalf("client leg has no activity timestamp")
	}

	// A second ready on an open leg is a reconnect.
	h.stt.events <- stt.Event{Kind: stt.EventReady}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sess.Status().STT.Attempts == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := sess.Status().STT.Attempts; got != 1 {
		t.Fatalf("stt attempts=%d, want 1", got)
	}

	if err := h.client.WriteJSON(map[string]string{"event": "stop"}); err != nil {
		t.Fatalf("send stop: %v", err)
	}
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not finish after stop")
	}
	if got := sess.Status().Phase; got != PhaseClosed {
		t.Fatalf("phase=%q, want %q", got, PhaseClosed)
	}
}

func TestMalformedFrameKeepsSessionAlive(t *testing.T) {
	h := startSession(t, Config{})
	waitFor[protocol.ServerConnectionEstablished](t, h.client)

	if err := h.client.WriteMessage(websocket.TextMessage, []byte(`{"event":"warp_drive"}`)); err != nil {
		t.Fatalf("send frame: %v", err)
	}
	waitFor[protocol.ServerError](t, h.client)

	if err := h.client.WriteJSON(map[string]string{"event": "ping"}); err != nil {
		t.Fatalf("send ping: %v", err)
	}
	waitFor[protocol.ServerPong](t, h.client)
}
