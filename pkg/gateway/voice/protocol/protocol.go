// Package protocol defines the client-facing wire messages for /v1/voice.
// Client frames carry an "event" tag; gateway frames carry a "type" tag.
// Decoding normalizes each direction into a tagged union so protocol drift
// fails loudly instead of being silently ignored.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// ClientHandshake opens a session and names the assistant to load.
type ClientHandshake struct {
	Event       string `json:"event"`
	AssistantID string `json:"assistantId"`
	UserID      string `json:"userId,omitempty"`
}

type MediaPayload struct {
	Payload string `json:"payload"`
}

// ClientMedia carries one base64-encoded microphone chunk.
type ClientMedia struct {
	Event string       `json:"event"`
	Media MediaPayload `json:"media"`
}

// ClientTextInput runs a conversation turn without audio.
type ClientTextInput struct {
	Event string `json:"event"`
	Text  string `json:"text"`
}

type ClientPing struct {
	Event string `json:"event"`
}

// ClientStop asks the gateway to end the stream and tear down upstreams.
type ClientStop struct {
	Event string `json:"event"`
}

// DecodeClientMessage decodes one inbound text frame. Clients historically
// mixed "event" and "type" keys; either is accepted, "event" wins.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Event string `json:"event"`
		Type  string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	tag := strings.TrimSpace(envelope.Event)
	if tag == "" {
		tag = strings.TrimSpace(envelope.Type)
	}
	if tag == "" {
		return nil, badRequest("missing event", "event")
	}

	switch tag {
	case "connected":
		var msg ClientHandshake
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid connected frame", "")
		}
		msg.Event = tag
		if strings.TrimSpace(msg.AssistantID) == "" {
			msg.AssistantID = "demo"
		}
		return msg, nil
	case "media":
		var msg ClientMedia
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid media frame", "")
		}
		if strings.TrimSpace(msg.Media.Payload) == "" {
			return nil, badRequest("media.payload is required", "media.payload")
		}
		msg.Event = tag
		return msg, nil
	case "text_input":
		var msg ClientTextInput
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid text_input frame", "")
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, badRequest("text_input.text is required", "text")
		}
		msg.Event = tag
		return msg, nil
	case "ping":
		return ClientPing{Event: tag}, nil
	case "stop":
		return ClientStop{Event: tag}, nil
	default:
		return nil, unsupported("unsupported message event", "event")
	}
}

// AssistantInfo is the client-visible slice of the resolved profile.
type AssistantInfo struct {
	Name         string `json:"name"`
	FirstMessage string `json:"first_message"`
}

type ServerConnectionEstablished struct {
	Type        string        `json:"type"`
	CallID      string        `json:"callId"`
	AssistantID string        `json:"assistantId"`
	Assistant   AssistantInfo `json:"assistant"`
	TimestampMS int64         `json:"timestamp,omitempty"`
}

type ServerReady struct {
	Type        string `json:"type"`
	Status      string `json:"status,omitempty"`
	Assistant   string `json:"assistant,omitempty"`
	TimestampMS int64  `json:"timestamp,omitempty"`
}

type ServerTranscript struct {
	Type        string  `json:"type"`
	Text        string  `json:"text"`
	Confidence  float64 `json:"confidence"`
	IsFinal     bool    `json:"isFinal"`
	TimestampMS int64   `json:"timestamp,omitempty"`
}

type ServerAIResponse struct {
	Type           string  `json:"type"`
	Text           string  `json:"text"`
	Intent         string  `json:"intent"`
	Confidence     float64 `json:"confidence"`
	ShouldTransfer bool    `json:"shouldTransfer"`
	ShouldEndCall  bool    `json:"shouldEndCall"`
	TimestampMS    int64   `json:"timestamp,omitempty"`
}

type ServerAudioResponse struct {
	Type        string `json:"type"`
	Audio       string `json:"audio"`
	TimestampMS int64  `json:"timestamp,omitempty"`
}

type ServerError struct {
	Type        string `json:"type"`
	Error       string `json:"error"`
	TimestampMS int64  `json:"timestamp,omitempty"`
}

type ServerPong struct {
	Type        string `json:"type"`
	TimestampMS int64  `json:"timestamp,omitempty"`
}

type ServerEndCall struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type ServerTransferCall struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// DecodeServerMessage decodes one gateway frame on the client side.
func DecodeServerMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "connection_established":
		var msg ServerConnectionEstablished
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid connection_established frame", "")
		}
		return msg, nil
	case "ready":
		var msg ServerReady
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid ready frame", "")
		}
		return msg, nil
	case "transcript":
		var msg ServerTranscript
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid transcript frame", "")
		}
		return msg, nil
	case "ai_response":
		var msg ServerAIResponse
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid ai_response frame", "")
		}
		return msg, nil
	case "audio_response":
		var msg ServerAudioResponse
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio_response frame", "")
		}
		if strings.TrimSpace(msg.Audio) == "" {
			return nil, badRequest("audio_response.audio is required", "audio")
		}
		return msg, nil
	case "error":
		var msg ServerError
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid error frame", "")
		}
		return msg, nil
	case "pong":
		var msg ServerPong
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid pong frame", "")
		}
		return msg, nil
	case "end_call":
		var msg ServerEndCall
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid end_call frame", "")
		}
		return msg, nil
	case "transfer_call":
		var msg ServerTransferCall
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid transfer_call frame", "")
		}
		return msg, nil
	default:
		return nil, unsupported("unsupported message type", "type")
	}
}
