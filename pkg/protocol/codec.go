package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformed is returned for frames that are not a JSON object with a string "type"
	ErrMalformed = errors.New("malformed message")

	// ErrUnknownType is returned for well-formed frames carrying an unrecognized "type"
	ErrUnknownType = errors.New("unknown message type")

	// ErrMissingField is returned when a recognized message lacks a required field
	ErrMissingField = errors.New("missing required field")
)

func require(t MessageType, field, value string) error {
	if value == "" {
		return missingField(t, field)
	}
	return nil
}

func missingField(t MessageType, field string) error {
	return fmt.Errorf("%s: %w: %s", t, ErrMissingField, field)
}

// Encode serializes m into one text frame
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil message", ErrMalformed)
	}
	return json.Marshal(m)
}

// Decode parses one text frame into its message variant. The returned error
// wraps ErrMalformed, ErrUnknownType or ErrMissingField; receivers log it and
// drop the frame.
func Decode(data []byte) (Message, error) {
	var env struct {
		Type *MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == nil {
		return nil, fmt.Errorf("%w: no type", ErrMalformed)
	}

	var m Message
	switch *env.Type {
	case TypeTunnel:
		m = &Tunnel{}
	case TypeRequest:
		m = &Request{}
	case TypeResponse:
		m = &Response{}
	case TypePing:
		return &Ping{}, nil
	case TypePong:
		return &Pong{}, nil
	case TypeWsOpen:
		m = &WsOpen{}
	case TypeWsFrame:
		m = &WsFrame{}
	case TypeWsClose:
		m = &WsClose{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, string(*env.Type))
	}

	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, *env.Type, err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}
