package transport

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidEnvelope wraps every envelope parse or validation failure
var ErrInvalidEnvelope = errors.New("invalid envelope")

// EndpointPath is the fixed path the relay serves the websocket on
const EndpointPath = "/ws"

// Kind tags an Envelope
type Kind string

const (
	KindAudio  Kind = "audio"
	KindStatus Kind = "status"
	KindError  Kind = "error"
)

// Envelope is a typed JSON message sent from the relay to the client.
// Exactly one kind per envelope; Data is present iff the kind is audio.
type Envelope struct {
	Type    Kind   `json:"type"`
	Message string `json:"message,omitempty"`
	Data    string `json:"data,omitempty"` // base64 audio payload
}

// Audio builds an audio envelope carrying payload
func Audio(payload []byte) Envelope {
	return Envelope{Type: KindAudio, Data: base64.StdEncoding.EncodeToString(payload)}
}

// Status builds a status envelope
func Status(text string) Envelope {
	return Envelope{Type: KindStatus, Message: text}
}

// Error builds an error envelope
func Error(text string) Envelope {
	return Envelope{Type: KindError, Message: text}
}

// Validate checks the envelope invariants
func (e Envelope) Validate() error {
	switch e.Type {
	case KindAudio:
		if e.Data == "" {
			return errors.New("audio envelope without payload")
		}
		if e.Message != "" {
			return errors.New("audio envelope must not carry a message")
		}
	case KindStatus, KindError:
		if e.Data != "" {
			return fmt.Errorf("%s envelope must not carry a payload", e.Type)
		}
	case "":
		return errors.New("envelope has no type")
	default:
		return fmt.Errorf("unknown envelope type %q", e.Type)
	}
	return nil
}

// Payload decodes the base64 audio payload
func (e Envelope) Payload() ([]byte, error) {
	if e.Type != KindAudio {
		return nil, fmt.Errorf("%s envelope has no payload", e.Type)
	}
	data, err := base64.StdEncoding.DecodeString(e.Data)
	if err != nil {
		return nil, fmt.Errorf("invalid audio payload: %w", err)
	}
	return data, nil
}

// ParseEnvelope parses and validates one JSON envelope
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return env, nil
}
