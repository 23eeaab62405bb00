package convo

import (
	"context"
	"strings"
)

// Prompt is the fully-assembled input for one language-model call.
type Prompt struct {
	System      string
	History     []Turn
	Utterance   string
	Temperature float64
	MaxTokens   int
}

// Serialize renders the prompt the way it is sent to completion-style
// models: system prompt, then the dialogue so far, then the new utterance
// with a trailing assistant cue.
func (p Prompt) Serialize() string {
	var b strings.Builder
	b.WriteString(p.System)
	b.WriteString("\n\n")
	for _, turn := range p.History {
		switch turn.Role {
		case RoleUser:
			b.WriteString("Human: ")
		case RoleAssistant:
			b.WriteString("Assistant: ")
		default:
			continue
		}
		b.WriteString(turn.Text)
		b.WriteString("\n")
	}
	b.WriteString("Human: ")
	b.WriteString(p.Utterance)
	b.WriteString("\nAssistant:")
	return b.String()
}

// Responder generates the raw reply text for one turn. Implementations may
// suspend for several seconds; the engine handles failures by substituting a
// fallback, so errors here never reach the client.
type Responder interface {
	Respond(ctx context.Context, prompt Prompt) (string, error)
}

// TemplateResponder is the keyword-driven responder used when no language
// model is configured, and as the engine's default. Replies are fixed
// templates selected by intent, prefixed per the profile personality.
type TemplateResponder struct {
	Profile Profile
}

func (r TemplateResponder) Respond(_ context.Context, prompt Prompt) (string, error) {
	d := ClassifyIntent(prompt.Utterance)
	prefix := personalityPrefix(r.Profile.Personality)

	switch d.Intent {
	case IntentGreeting:
		if strings.Contains(r.Profile.SystemPrompt, "business") {
			return "Hello! Thank you for connecting. I'm here to help with your business needs.", nil
		}
		return "Hello! Thank you for connecting. How can I assist you today?", nil
	case IntentBusinessInquiry:
		return prefix + "I'd be happy to help you with that. Can you tell me more about what specific assistance you're looking for?", nil
	case IntentPricingInquiry:
		return prefix + "I understand you're interested in pricing information. Let me connect you with someone who can provide detailed pricing based on your specific needs.", nil
	case IntentTransferRequest:
		return prefix + "Of course! Let me connect you with one of our human representatives who can provide more detailed assistance.", nil
	case IntentNotInterested:
		return prefix + "I understand you're not interested right now. Thank you for your time, and please feel free to reach out if your needs change. Have a great day!", nil
	default:
		if strings.Contains(r.Profile.SystemPrompt, "sales") {
			return prefix + "I'd love to learn more about how we can help your business grow. What challenges are you currently facing?", nil
		}
		return prefix + "That's interesting! Can you tell me more about that so I can better assist you?", nil
	}
}
