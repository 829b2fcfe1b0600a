package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrInvalidJSON means the text frame is not a JSON object.
	ErrInvalidJSON = errors.New("protocol: invalid JSON")

	// ErrUnknownType means the "type" field names no known message.
	ErrUnknownType = errors.New("protocol: unknown message type")

	// ErrInvalidSeat means a seat field is absent, negative or not a number.
	ErrInvalidSeat = errors.New("protocol: invalid seat")
)

// Encode renders m as a JSON object with its "type" field first.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", m.MessageType(), err)
	}
	typ, err := json.Marshal(m.MessageType())
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	buf.Write(typ)
	if len(body) > 2 { // not "{}"
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}

// Decode parses a text frame into its concrete message type.
func Decode(data []byte) (Message, error) {
	var envelope struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}

	var m Message
	switch envelope.Type {
	case TypeJoin:
		m = &Join{}
	case TypeRejoin:
		m = &Rejoin{}
	case TypeJoined:
		m = &Joined{}
	case TypeLeave:
		m = &Leave{}
	case TypeTimeRequest:
		m = &TimeRequest{}
	case TypeTimeResult:
		m = &TimeResult{}
	case TypeReady:
		m = &Ready{}
	case TypeFileManifest:
		m = &FileManifest{}
	case TypeFileRequest:
		m = &FileRequest{}
	case TypePhaseStart:
		m = &PhaseStart{}
	case TypePhaseStop:
		return PhaseStop{}, nil
	case TypeError:
		m = &Error{}
	case TypePing:
		return Ping{}, nil
	case TypePong:
		return Pong{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, envelope.Type)
	}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", envelope.Type, err)
	}
	if envelope.Type == TypeJoin {
		var present struct {
			Seat json.RawMessage `json:"seat"`
		}
		_ = json.Unmarshal(data, &present)
		if len(present.Seat) == 0 || string(present.Seat) == "null" {
			return nil, fmt.Errorf("decoding %s: %w: missing", envelope.Type, ErrInvalidSeat)
		}
	}
	return deref(m), nil
}

// deref returns the value form so callers switch on value types only.
func deref(m Message) Message {
	switch v := m.(type) {
	case *Join:
		return *v
	case *Rejoin:
		return *v
	case *Joined:
		return *v
	case *Leave:
		return *v
	case *TimeRequest:
		return *v
	case *TimeResult:
		return *v
	case *Ready:
		return *v
	case *FileManifest:
		return *v
	case *FileRequest:
		return *v
	case *PhaseStart:
		return *v
	case *Error:
		return *v
	}
	return m
}
