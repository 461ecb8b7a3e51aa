// Package protocol defines the control-plane message protocol between the
// runtime and its clients (dashboards, channel adapters, monitors).
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type identifies a control-plane message type.
type Type string

// Client/session lifecycle message types.
const (
	TypeSessionStart Type = "session:start"
	TypeSessionEnd   Type = "session:end"

	TypeMessageSend      Type = "message:send"
	TypeMessageReceived  Type = "message:received"
	TypeMessageProcessed Type = "message:processed"

	TypeToolStart  Type = "tool:start"
	TypeToolUpdate Type = "tool:update"
	TypeToolEnd    Type = "tool:end"

	TypeChannelStatus       Type = "channel:status"
	TypeChannelList         Type = "channel:list"
	TypeChannelListResponse Type = "channel:list:response"

	TypeHealthPing Type = "health:ping"
	TypeHealthPong Type = "health:pong"

	TypeAuthRequest  Type = "auth:request"
	TypeAuthResponse Type = "auth:response"

	TypeError Type = "error"

	TypeSubscribe   Type = "subscribe"
	TypeUnsubscribe Type = "unsubscribe"
)

// Error codes carried in error message payloads.
const (
	ErrorCodeInvalidMessage = "invalid_message"
	ErrorCodeUnauthorized   = "unauthorized"
	ErrorCodeForbidden      = "forbidden"
	ErrorCodeNotFound       = "not_found"
	ErrorCodeInternalError  = "internal_error"
)

// Message is the wire envelope: {"type": ..., "payload": ...}.
// Payload holds the concrete payload struct for Type.
type Message struct {
	Type    Type
	Payload any
}

// ValidationError describes why a raw message failed to parse.
type ValidationError struct {
	Type  Type
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s message: field %s: %s", e.Type, e.Field, e.Msg)
	}
	if e.Type != "" {
		return fmt.Sprintf("invalid %s message: %s", e.Type, e.Msg)
	}
	return fmt.Sprintf("invalid message: %s", e.Msg)
}

// envelope is the raw wire form before payload dispatch.
type envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Parse decodes and validates a raw control-plane message. It returns a
// *ValidationError for unknown types and schema violations.
func Parse(raw []byte) (*Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &ValidationError{Msg: "not a JSON message object"}
	}
	payload, ok := newPayload(env.Type)
	if !ok {
		return nil, &ValidationError{Type: env.Type, Msg: "unknown message type"}
	}
	if len(env.Payload) > 0 && string(env.Payload) != "null" {
		if err := json.Unmarshal(env.Payload, payload); err != nil {
			return nil, &ValidationError{Type: env.Type, Msg: "malformed payload"}
		}
	}
	if err := payload.validate(); err != nil {
		return nil, &ValidationError{Type: env.Type, Field: err.field, Msg: err.msg}
	}
	return &Message{Type: env.Type, Payload: payload}, nil
}

// SafeParse is the network-boundary variant of Parse: it never panics and
// returns nil for any input that is not a valid message.
func SafeParse(raw []byte) *Message {
	defer func() { _ = recover() }()
	msg, err := Parse(raw)
	if err != nil {
		return nil
	}
	return msg
}

// New constructs a message, checking that the payload struct matches the
// declared type. It is the construction path for internally produced
// messages, so a mismatch is a programming error reported to the caller.
func New(t Type, payload any) (*Message, error) {
	proto, ok := newPayload(t)
	if !ok {
		return nil, &ValidationError{Type: t, Msg: "unknown message type"}
	}
	v, ok := payload.(validator)
	if !ok || fmt.Sprintf("%T", payload) != fmt.Sprintf("%T", proto) {
		return nil, &ValidationError{Type: t, Msg: fmt.Sprintf("payload type %T does not match", payload)}
	}
	if err := v.validate(); err != nil {
		return nil, &ValidationError{Type: t, Field: err.field, Msg: err.msg}
	}
	return &Message{Type: t, Payload: payload}, nil
}

// NewError builds a well-formed error message. It cannot fail.
func NewError(code, message string, details map[string]any) *Message {
	return &Message{
		Type: TypeError,
		Payload: &ErrorPayload{
			Code:      code,
			Message:   message,
			Details:   details,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		},
	}
}

// MarshalJSON writes the {"type", "payload"} envelope.
func (m *Message) MarshalJSON() ([]byte, error) {
	payload, err := json.Marshal(m.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: m.Type, Payload: payload})
}

// UnmarshalJSON decodes via Parse so json.Unmarshal enforces the same schema.
func (m *Message) UnmarshalJSON(raw []byte) error {
	parsed, err := Parse(raw)
	if err != nil {
		return err
	}
	*m = *parsed
	return nil
}

// Types lists every known message type.
func Types() []Type {
	return []Type{
		TypeSessionStart, TypeSessionEnd,
		TypeMessageSend, TypeMessageReceived, TypeMessageProcessed,
		TypeToolStart, TypeToolUpdate, TypeToolEnd,
		TypeChannelStatus, TypeChannelList, TypeChannelListResponse,
		TypeHealthPing, TypeHealthPong,
		TypeAuthRequest, TypeAuthResponse,
		TypeError,
		TypeSubscribe, TypeUnsubscribe,
	}
}
