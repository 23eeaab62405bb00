package convo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

type stubResponder struct {
	reply string
	err   error
	calls int
}

func (r *stubResponder) Respond(_ context.Context, _ Prompt) (string, error) {
	r.calls++
	return r.reply, r.err
}

func TestHistoryBound(t *testing.T) {
	stub := &stubResponder{reply: "ok"}
	e := NewEngine(DefaultProfile(), stub)

	for i := 0; i < 25; i++ {
		e.OnFinalTranscript(context.Background(), fmt.Sprintf("utterance %d", i))
		if got := len(e.History()); got > 10 {
			t.Fatalf("history length %d after turn %d, want <= 10", got, i)
		}
	}

	hist := e.History()
	if len(hist) != 10 {
		t.Fatalf("history length %d, want 10", len(hist))
	}
	// Oldest entries are evicted first; the tail must be the latest turn.
	last := hist[len(hist)-1]
	if last.Role != RoleAssistant || last.Text != "ok" {
		t.Fatalf("last turn = %+v, want assistant ok", last)
	}
}

func TestTransferKeywords(t *testing.T) {
	for _, utterance := range []string{
		"I want to talk to a human",
		"get me a representative please",
		"can I speak with a person",
	} {
		e := NewEngine(DefaultProfile(), nil)
		reply := e.OnFinalTranscript(context.Background(), utterance)
		if !reply.ShouldTransfer {
			t.Fatalf("%q: ShouldTransfer=false, want true", utterance)
		}
		if reply.ShouldEndCall {
			t.Fatalf("%q: ShouldEndCall=true, want false", utterance)
		}
		if reply.Intent != IntentTransferRequest {
			t.Fatalf("%q: intent=%q, want %q", utterance, reply.Intent, IntentTransferRequest)
		}
	}
}

func TestNotInterestedEndsCall(t *testing.T) {
	e := NewEngine(DefaultProfile(), nil)
	reply := e.OnFinalTranscript(context.Background(), "sorry, not interested")
	if !reply.ShouldEndCall {
		t.Fatalf("ShouldEndCall=false, want true")
	}
	if reply.ShouldTransfer {
		t.Fatalf("ShouldTransfer=true, want false")
	}
	if reply.Intent != IntentNotInterested {
		t.Fatalf("intent=%q, want %q", reply.Intent, IntentNotInterested)
	}
}

func TestGreetingIntent(t *testing.T) {
	e := NewEngine(DefaultProfile(), nil)
	reply := e.OnFinalTranscript(context.Background(), "hello")
	if reply.Intent != IntentGreeting {
		t.Fatalf("intent=%q, want %q", reply.Intent, IntentGreeting)
	}
	if reply.Text == "" {
		t.Fatalf("empty reply text")
	}
}

func TestResponderFailureUsesFallback(t *testing.T) {
	stub := &stubResponder{err: errors.New("upstream down")}
	e := NewEngine(DefaultProfile(), stub)

	reply := e.OnFinalTranscript(context.Background(), "tell me something")
	if reply.Text != fallbackTrouble {
		t.Fatalf("reply=%q, want trouble fallback", reply.Text)
	}
	// The failed turn still lands in history so the conversation continues.
	hist := e.History()
	if len(hist) != 2 {
		t.Fatalf("history length %d, want 2", len(hist))
	}
}

func TestEmptyReplyUsesClarifyFallback(t *testing.T) {
	stub := &stubResponder{reply: "   "}
	e := NewEngine(DefaultProfile(), stub)

	reply := e.OnFinalTranscript(context.Background(), "hmm")
	if reply.Text != fallbackClarify {
		t.Fatalf("reply=%q, want clarify fallback", reply.Text)
	}
}

func TestReplyPostProcessing(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"role label stripped", "Assistant: sure thing", "sure thing"},
		{"role label case insensitive", "AI: here you go", "here you go"},
		{"bot label stripped", "bot: done", "done"},
		{"plain reply untouched", "just a reply", "just a reply"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stub := &stubResponder{reply: tc.raw}
			e := NewEngine(DefaultProfile(), stub)
			reply := e.OnFinalTranscript(context.Background(), "something unusual")
			if reply.Text != tc.want {
				t.Fatalf("reply=%q, want %q", reply.Text, tc.want)
			}
		})
	}
}

func TestLongReplyTruncated(t *testing.T) {
	stub := &stubResponder{reply: strings.Repeat("a", 400)}
	e := NewEngine(DefaultProfile(), stub)

	reply := e.OnFinalTranscript(context.Background(), "something unusual")
	if !strings.HasSuffix(reply.Text, "...") {
		t.Fatalf("truncated reply missing ellipsis: %q", reply.Text[len(reply.Text)-10:])
	}
	if got := len(reply.Text); got != 303 {
		t.Fatalf("truncated reply length %d, want 303", got)
	}
}

func TestEchoedPromptStripped(t *testing.T) {
	prompt := Prompt{
		System:    "sys",
		Utterance: "hi there",
	}
	echoed := prompt.Serialize() + " the actual reply"
	got := cleanReply(echoed, prompt.Serialize())
	if got != "the actual reply" {
		t.Fatalf("cleanReply=%q, want %q", got, "the actual reply")
	}
}

func TestPromptSerialization(t *testing.T) {
	p := Prompt{
		System: "You are a test.",
		History: []Turn{
			{Role: RoleUser, Text: "hi"},
			{Role: RoleAssistant, Text: "hello"},
		},
		Utterance: "how are you",
	}
	got := p.Serialize()
	want := "You are a test.\n\nHuman: hi\nAssistant: hello\nHuman: how are you\nAssistant:"
	if got != want {
		t.Fatalf("Serialize()=%q, want %q", got, want)
	}
}

func TestPersonalityPrefix(t *testing.T) {
	p := DefaultProfile()
	p.Personality = "casual"
	r := TemplateResponder{Profile: p}
	text, err := r.Respond(context.Background(), Prompt{Utterance: "I need some help"})
	if err != nil {
		t.Fatalf("Respond err=%v", err)
	}
	if !strings.HasPrefix(text, "Got it! ") {
		t.Fatalf("reply %q missing casual prefix", text)
	}
}
