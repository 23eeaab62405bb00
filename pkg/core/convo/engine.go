// Package convo implements the conversation turn engine: bounded dialogue
// history, prompt assembly, reply post-processing, and intent-derived call
// control signals.
package convo

import (
	"context"
	"log/slog"
	"strings"
	"unicode/utf8"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	// Voice replies must stay short; anything longer is truncated.
	maxReplyChars = 300

	defaultHistoryBound = 10

	fallbackClarify = "I understand. Could you tell me more about that?"
	fallbackTrouble = "I'm having trouble processing your request. Could you please try again?"
)

// Turn is one dialogue history entry.
type Turn struct {
	Role string
	Text string
}

// Reply is the immutable result of one completed turn.
type Reply struct {
	Text           string
	Intent         string
	Confidence     float64
	ShouldTransfer bool
	ShouldEndCall  bool
}

// Engine drives one session's conversation. It is owned by the session actor
// and must only be called from that actor's goroutine; it does no locking of
// its own.
type Engine struct {
	profile      Profile
	responder    Responder
	logger       *slog.Logger
	historyBound int
	history      []Turn
}

type Option func(*Engine)

// WithHistoryBound overrides the dialogue history bound (default 10).
func WithHistoryBound(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.historyBound = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func NewEngine(profile Profile, responder Responder, opts ...Option) *Engine {
	e := &Engine{
		profile:      profile,
		responder:    responder,
		logger:       slog.Default(),
		historyBound: defaultHistoryBound,
	}
	if e.responder == nil {
		e.responder = TemplateResponder{Profile: profile}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Profile returns the engine's immutable assistant snapshot.
func (e *Engine) Profile() Profile {
	return e.profile
}

// History returns a copy of the current dialogue history.
func (e *Engine) History() []Turn {
	out := make([]Turn, len(e.history))
	copy(out, e.history)
	return out
}

// OnFinalTranscript runs one turn: appends the user utterance to history,
// invokes the responder, post-processes the raw reply, appends the assistant
// turn, and returns the reply with its control signals. A responder failure
// is masked by a fixed fallback; this method never returns an error because
// every turn must produce something to speak.
func (e *Engine) OnFinalTranscript(ctx context.Context, text string) Reply {
	text = strings.TrimSpace(text)
	decision := ClassifyIntent(text)

	e.append(Turn{Role: RoleUser, Text: text})

	prompt := Prompt{
		System:      e.profile.SystemPrompt,
		History:     e.history[:len(e.history)-1],
		Utterance:   text,
		Temperature: e.profile.Temperature,
		MaxTokens:   e.profile.MaxTokens,
	}

	raw, err := e.responder.Respond(ctx, prompt)
	var reply string
	if err != nil {
		e.logger.Warn("turn generation failed, using fallback", "intent", decision.Intent, "error", err)
		reply = fallbackTrouble
	} else {
		reply = cleanReply(raw, prompt.Serialize())
		if reply == "" {
			reply = fallbackClarify
		}
	}

	e.append(Turn{Role: RoleAssistant, Text: reply})

	return Reply{
		Text:           reply,
		Intent:         decision.Intent,
		Confidence:     decision.Confidence,
		ShouldTransfer: decision.ShouldTransfer,
		ShouldEndCall:  decision.ShouldEndCall,
	}
}

func (e *Engine) append(t Turn) {
	e.history = append(e.history, t)
	if bound := e.historyBound; bound > 0 && len(e.history) > bound {
		e.history = e.history[len(e.history)-bound:]
	}
}

// cleanReply post-processes raw model output: strip echoed prompt text,
// strip a leading role label, truncate to the voice reply limit.
func cleanReply(raw, promptText string) string {
	reply := strings.TrimSpace(raw)
	if reply == "" {
		return ""
	}

	reply = strings.TrimSpace(strings.ReplaceAll(reply, promptText, ""))

	for _, label := range []string{"assistant:", "ai:", "bot:"} {
		if len(reply) >= len(label) && strings.EqualFold(reply[:len(label)], label) {
			reply = strings.TrimSpace(reply[len(label):])
			break
		}
	}

	if utf8.RuneCountInString(reply) > maxReplyChars {
		runes := []rune(reply)
		reply = string(runes[:maxReplyChars]) + "..."
	}
	return reply
}
