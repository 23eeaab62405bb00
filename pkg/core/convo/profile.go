package convo

import "strings"

// Profile is the immutable assistant snapshot resolved once at session start.
type Profile struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	SystemPrompt string  `json:"system_prompt"`
	FirstMessage string  `json:"first_message"`
	VoiceID      string  `json:"voice_id"`
	Model        string  `json:"model"`
	Personality  string  `json:"personality"`
	Temperature  float64 `json:"temperature"`
	MaxTokens    int     `json:"max_tokens"`
}

// DefaultProfile is the built-in assistant used whenever profile resolution
// fails or the client asks for the demo assistant.
func DefaultProfile() Profile {
	return Profile{
		ID:           "demo",
		Name:         "Demo Assistant",
		SystemPrompt: "You are a helpful voice assistant. Be friendly, conversational, and keep responses concise since this is a voice conversation.",
		FirstMessage: "Hello! I can hear you clearly. How can I help you today?",
		VoiceID:      "aura-asteria-en",
		Model:        "nova-2",
		Personality:  "professional",
		Temperature:  0.8,
		MaxTokens:    150,
	}
}

// personalityPrefix returns the short opener templates are prefixed with.
func personalityPrefix(personality string) string {
	switch strings.ToLower(strings.TrimSpace(personality)) {
	case "friendly":
		return "That sounds wonderful! "
	case "professional":
		return "I understand. "
	case "casual":
		return "Got it! "
	default:
		return ""
	}
}
