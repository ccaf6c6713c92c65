package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ValidationError marks a frame that was rejected before dispatch. The
// channel answers it with an Error message and drops the frame; it never
// reaches session logic.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "validation: " + e.Reason }

// Encode wraps a message in an envelope and marshals it as one JSON frame
// (no trailing newline; framing belongs to the transport).
func Encode(senderID string, seq uint64, msg Message) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{
		Type:     msg.Kind(),
		SenderID: senderID,
		Seq:      seq,
		Payload:  payload,
	})
}

// Decode parses one frame into its envelope and typed payload. Unknown
// fields and unknown kinds are rejected, so malformed input surfaces as a
// *ValidationError instead of a half-filled struct.
func Decode(frame []byte) (Envelope, Message, error) {
	var env Envelope
	dec := json.NewDecoder(bytes.NewReader(frame))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, nil, &ValidationError{Reason: err.Error()}
	}
	if env.SenderID == "" {
		return env, nil, &ValidationError{Reason: "envelope: sender_id required"}
	}

	msg, err := newMessage(env.Type)
	if err != nil {
		return env, nil, err
	}

	pdec := json.NewDecoder(bytes.NewReader(env.Payload))
	pdec.DisallowUnknownFields()
	if err := pdec.Decode(msg); err != nil {
		return env, nil, &ValidationError{Reason: fmt.Sprintf("%s payload: %v", env.Type, err)}
	}

	typed := msg.(Message)
	if err := typed.Validate(); err != nil {
		return env, nil, &ValidationError{Reason: err.Error()}
	}
	return env, typed, nil
}

// newMessage returns a pointer to the zero value for a kind so the payload
// can be decoded into it. The switch is the closed-union boundary: a kind
// missing here does not exist on the wire.
func newMessage(kind Kind) (interface{ Validate() error }, error) {
	switch kind {
	case KindRegister:
		return &Register{}, nil
	case KindTimeSyncRequest:
		return &TimeSyncRequest{}, nil
	case KindTimeSyncResponse:
		return &TimeSyncResponse{}, nil
	case KindSessionPrepare:
		return &SessionPrepare{}, nil
	case KindSessionStart:
		return &SessionStart{}, nil
	case KindSessionStop:
		return &SessionStop{}, nil
	case KindDeviceStatus:
		return &DeviceStatus{}, nil
	case KindAck:
		return &Ack{}, nil
	case KindError:
		return &Error{}, nil
	default:
		return nil, &ValidationError{Reason: fmt.Sprintf("unknown message type %q", kind)}
	}
}
