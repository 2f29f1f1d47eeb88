// Package ocpp implements the OCPP-J message framing used between a charge
// point and its central system, plus the handshake helpers needed to open the
// transport.
package ocpp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType is the first element of every OCPP-J frame.
type MessageType int

const (
	MessageTypeCall       MessageType = 2
	MessageTypeCallResult MessageType = 3
	MessageTypeCallError  MessageType = 4
)

// Error codes defined by OCPP-J for CALLERROR frames.
const (
	ErrorNotImplemented     = "NotImplemented"
	ErrorNotSupported       = "NotSupported"
	ErrorInternal           = "InternalError"
	ErrorProtocol           = "ProtocolError"
	ErrorFormationViolation = "FormationViolation"
	ErrorGeneric            = "GenericError"
)

// ErrMalformedFrame is returned when a frame is not a valid OCPP-J array.
var ErrMalformedFrame = errors.New("malformed ocpp frame")

// Frame is a decoded OCPP-J message.
type Frame struct {
	Type             MessageType
	ID               string
	Action           string
	Payload          json.RawMessage
	ErrorCode        string
	ErrorDescription string
	ErrorDetails     json.RawMessage
}

var emptyObject = json.RawMessage(`{}`)

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return emptyObject, nil
	case json.RawMessage:
		if len(p) == 0 {
			return emptyObject, nil
		}
		return p, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	if bytes.Equal(b, []byte("null")) {
		return emptyObject, nil
	}
	return b, nil
}

// EncodeCall serializes a request frame [2, id, action, payload]. A nil
// payload is sent as an empty object.
func EncodeCall(id, action string, payload any) ([]byte, error) {
	p, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal([]any{MessageTypeCall, id, action, p})
}

// EncodeCallResult serializes a result frame [3, id, payload].
func EncodeCallResult(id string, payload any) ([]byte, error) {
	p, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal([]any{MessageTypeCallResult, id, p})
}

// EncodeCallError serializes an error frame [4, id, code, description, details].
func EncodeCallError(id, code, description string, details any) ([]byte, error) {
	d, err := marshalPayload(details)
	if err != nil {
		return nil, err
	}
	return json.Marshal([]any{MessageTypeCallError, id, code, description, d})
}

// Decode parses a raw text frame.
func Decode(data []byte) (Frame, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if len(parts) < 3 {
		return Frame{}, fmt.Errorf("%w: %d elements", ErrMalformedFrame, len(parts))
	}
	var f Frame
	if err := json.Unmarshal(parts[0], &f.Type); err != nil {
		return Frame{}, fmt.Errorf("%w: message type: %v", ErrMalformedFrame, err)
	}
	if err := json.Unmarshal(parts[1], &f.ID); err != nil {
		return Frame{}, fmt.Errorf("%w: message id: %v", ErrMalformedFrame, err)
	}
	switch f.Type {
	case MessageTypeCall:
		if len(parts) != 4 {
			return Frame{}, fmt.Errorf("%w: call needs 4 elements", ErrMalformedFrame)
		}
		if err := json.Unmarshal(parts[2], &f.Action); err != nil {
			return Frame{}, fmt.Errorf("%w: action: %v", ErrMalformedFrame, err)
		}
		f.Payload = parts[3]
	case MessageTypeCallResult:
		f.Payload = parts[2]
	case MessageTypeCallError:
		if len(parts) < 4 {
			return Frame{}, fmt.Errorf("%w: call error needs at least 4 elements", ErrMalformedFrame)
		}
		if err := json.Unmarshal(parts[2], &f.ErrorCode); err != nil {
			return Frame{}, fmt.Errorf("%w: error code: %v", ErrMalformedFrame, err)
		}
		if err := json.Unmarshal(parts[3], &f.ErrorDescription); err != nil {
			return Frame{}, fmt.Errorf("%w: error description: %v", ErrMalformedFrame, err)
		}
		if len(parts) > 4 {
			f.ErrorDetails = parts[4]
		}
	default:
		return Frame{}, fmt.Errorf("%w: unknown message type %d", ErrMalformedFrame, f.Type)
	}
	return f, nil
}

// ProtocolError is the error reported by the central system in a CALLERROR.
type ProtocolError struct {
	Code        string
	Description string
	Details     json.RawMessage
}

func (e *ProtocolError) Error() string {
	if e.Description == "" {
		return "ocpp error " + e.Code
	}
	return fmt.Sprintf("ocpp error %s: %s", e.Code, e.Description)
}
