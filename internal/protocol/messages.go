package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeSpeakTextDelta    MessageType = "speak_text_delta"
	TypeSpeakFinalize     MessageType = "speak_finalize"
	TypeClientControl     MessageType = "client_control"
	TypeClipReady         MessageType = "clip_ready"
	TypeFirstClipReady    MessageType = "first_clip_ready"
	TypeGenerationFailure MessageType = "generation_failure"
	TypePlaybackState     MessageType = "playback_state"
	TypePlaybackComplete  MessageType = "playback_complete"
	TypeErrorEvent        MessageType = "error_event"
)

// Control actions accepted on client_control.
const (
	ActionCancel   = "cancel"
	ActionStop     = "stop"
	ActionReplay   = "replay"
	ActionTeardown = "teardown"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// SpeakTextDelta streams one fragment of assistant text into the pipeline.
type SpeakTextDelta struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
	MessageID      string      `json:"message_id"`
	TextDelta      string      `json:"text_delta"`
}

// SpeakFinalize marks the end of one message's text stream.
type SpeakFinalize struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
	MessageID      string      `json:"message_id"`
}

// ClientControl carries user playback intents. Replay accepts optional Text
// so a hard-cleared message can be resynthesized.
type ClientControl struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
	Action         string      `json:"action"`
	MessageID      string      `json:"message_id,omitempty"`
	Text           string      `json:"text,omitempty"`
}

type ClipReady struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
	MessageID      string      `json:"message_id"`
	SequenceIndex  int         `json:"sequence_index"`
	Format         string      `json:"format"`
	AudioBase64    string      `json:"audio_base64"`
	IsFirst        bool        `json:"is_first"`
}

type GenerationFailure struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
	MessageID      string      `json:"message_id"`
	SequenceIndex  int         `json:"sequence_index"`
	Detail         string      `json:"detail"`
}

type PlaybackState struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
	MessageID      string      `json:"message_id"`
	State          string      `json:"state"`
}

type PlaybackComplete struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
	MessageID      string      `json:"message_id"`
}

type ErrorEvent struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
	Code           string      `json:"code"`
	Source         string      `json:"source"`
	Retryable      bool        `json:"retryable"`
	Detail         string      `json:"detail"`
}

// ParseClientMessage decodes and validates one inbound websocket payload.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeSpeakTextDelta:
		var msg SpeakTextDelta
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.ConversationID == "" || msg.MessageID == "" {
			return nil, errors.New("invalid speak_text_delta")
		}
		return msg, nil
	case TypeSpeakFinalize:
		var msg SpeakFinalize
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.ConversationID == "" || msg.MessageID == "" {
			return nil, errors.New("invalid speak_finalize")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.ConversationID == "" || msg.Action == "" {
			return nil, errors.New("invalid client_control")
		}
		switch msg.Action {
		case ActionCancel, ActionStop, ActionReplay:
			if msg.MessageID == "" {
				return nil, fmt.Errorf("client_control %s requires message_id", msg.Action)
			}
		case ActionTeardown:
		default:
			return nil, fmt.Errorf("unknown control action %q", msg.Action)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
