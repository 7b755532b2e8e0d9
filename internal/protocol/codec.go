package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const maxFieldLength = 190

var (
	// ErrMalformedMessage indicates the frame is not a JSON object with a type.
	ErrMalformedMessage = errors.New("protocol: malformed message")
	// ErrUnknownKind indicates the type field names no client message.
	ErrUnknownKind = errors.New("protocol: unknown message type")
	// ErrMissingField indicates a required field for the kind is empty.
	ErrMissingField = errors.New("protocol: missing field")
	// ErrFieldTooLong indicates an identifier or reference exceeds storage bounds.
	ErrFieldTooLong = errors.New("protocol: field too long")
)

// Inbound is a decoded client message. Only the fields relevant to Type are populated.
type Inbound struct {
	Type          Kind            `json:"type"`
	RoomID        string          `json:"roomId,omitempty"`
	NewRef        string          `json:"newRef,omitempty"`
	ChosenRef     string          `json:"chosenRef,omitempty"`
	ParticipantID string          `json:"participantId,omitempty"`
	To            string          `json:"to,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// DecodeInbound parses and validates a client frame.
func DecodeInbound(data []byte) (Inbound, error) {
	var message Inbound
	if err := json.Unmarshal(data, &message); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	message.Type = Kind(strings.TrimSpace(string(message.Type)))
	message.RoomID = strings.TrimSpace(message.RoomID)
	message.NewRef = strings.TrimSpace(message.NewRef)
	message.ChosenRef = strings.TrimSpace(message.ChosenRef)
	message.ParticipantID = strings.TrimSpace(message.ParticipantID)
	message.To = strings.TrimSpace(message.To)

	if message.Type == "" {
		return Inbound{}, fmt.Errorf("%w: type", ErrMalformedMessage)
	}
	if err := message.validate(); err != nil {
		return Inbound{}, err
	}
	return message, nil
}

func (m Inbound) validate() error {
	switch m.Type {
	case KindPing:
		return nil
	case KindJoinRoom, KindLeaveRoom:
		return requireFields(field{"roomId", m.RoomID})
	case KindNavigate:
		return requireFields(field{"roomId", m.RoomID}, field{"newRef", m.NewRef})
	case KindResolveConflict:
		return requireFields(field{"roomId", m.RoomID}, field{"chosenRef", m.ChosenRef})
	case KindJoinCall, KindLeaveCall:
		return requireFields(field{"roomId", m.RoomID})
	case KindCallOffer, KindCallAnswer, KindCallICE:
		if err := requireFields(field{"to", m.To}); err != nil {
			return err
		}
		if len(m.Payload) == 0 {
			return fmt.Errorf("%w: payload", ErrMissingField)
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnknownKind, m.Type)
	}
}

type field struct {
	name  string
	value string
}

func requireFields(fields ...field) error {
	for _, f := range fields {
		if f.value == "" {
			return fmt.Errorf("%w: %s", ErrMissingField, f.name)
		}
		if len(f.value) > maxFieldLength {
			return fmt.Errorf("%w: %s exceeds %d characters", ErrFieldTooLong, f.name, maxFieldLength)
		}
	}
	return nil
}

// Encode serializes a server message with its kind as the leading "type" field.
// Every message marshals to a JSON object, so the kind is spliced in front of its fields.
func Encode(message Message) ([]byte, error) {
	if message == nil {
		return nil, fmt.Errorf("%w: nil message", ErrMalformedMessage)
	}
	body, err := json.Marshal(message)
	if err != nil {
		return nil, err
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("%w: %s does not encode to an object", ErrMalformedMessage, message.Kind())
	}
	kind, err := json.Marshal(message.Kind())
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(body)+len(kind)+9)
	frame = append(frame, `{"type":`...)
	frame = append(frame, kind...)
	if len(body) > 2 {
		frame = append(frame, ',')
	}
	return append(frame, body[1:]...), nil
}
