package protocol

import (
	"time"

	"github.com/google/uuid"
)

// Enumerated payload field values.
const (
	EndReasonUserDisconnect = "user_disconnect"
	EndReasonTimeout        = "timeout"
	EndReasonError          = "error"
	EndReasonChannelClose   = "channel_close"

	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"

	ToolStatusRunning         = "running"
	ToolStatusWaitingApproval = "waiting_approval"
	ToolStatusProcessing      = "processing"

	ChannelConnected    = "connected"
	ChannelDisconnected = "disconnected"
	ChannelConnecting   = "connecting"
	ChannelError        = "error"

	ClientTypeDashboard = "dashboard"
	ClientTypeChannel   = "channel"
	ClientTypeMonitor   = "monitor"
	ClientTypeAdmin     = "admin"
)

// fieldError pins a validation failure to a payload field.
type fieldError struct {
	field string
	msg   string
}

type validator interface {
	validate() *fieldError
}

// SessionStartPayload announces a new session.
type SessionStartPayload struct {
	SessionID string `json:"sessionId"`
	Channel   string `json:"channel"`
	SenderID  string `json:"senderId"`
	GroupID   string `json:"groupId,omitempty"`
	Timestamp string `json:"timestamp"`
}

// SessionEndPayload announces a session closure.
type SessionEndPayload struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
	Timestamp string `json:"timestamp"`
}

// MessageSendPayload carries a message moving through a session.
type MessageSendPayload struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
	Direction string `json:"direction"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// MessageReceivedPayload reports an inbound message from a channel.
type MessageReceivedPayload struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
	Channel   string `json:"channel"`
	SenderID  string `json:"senderId"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// MessageProcessedPayload reports that the agent finished a message.
type MessageProcessedPayload struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
	Response  string `json:"response,omitempty"`
	Timestamp string `json:"timestamp"`
}

// ToolStartPayload reports a tool call entering flight.
type ToolStartPayload struct {
	SessionID  string         `json:"sessionId"`
	ToolCallID string         `json:"toolCallId"`
	ToolName   string         `json:"toolName"`
	Args       map[string]any `json:"args,omitempty"`
	Timestamp  string         `json:"timestamp"`
}

// ToolUpdatePayload reports tool call progress.
type ToolUpdatePayload struct {
	SessionID  string `json:"sessionId"`
	ToolCallID string `json:"toolCallId"`
	Status     string `json:"status"`
	Progress   int    `json:"progress"`
	Detail     string `json:"detail,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// ToolEndPayload reports a tool call leaving flight.
type ToolEndPayload struct {
	SessionID  string         `json:"sessionId"`
	ToolCallID string         `json:"toolCallId"`
	Success    bool           `json:"success"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	Timestamp  string         `json:"timestamp"`
}

// ChannelStatusPayload reports a channel adapter's connectivity.
type ChannelStatusPayload struct {
	Channel   string `json:"channel"`
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Timestamp string `json:"timestamp"`
}

// ChannelListPayload requests the channel roster. It has no fields.
type ChannelListPayload struct{}

// ChannelInfo is one entry in a channel:list:response.
type ChannelInfo struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// ChannelListResponsePayload carries the channel roster.
type ChannelListResponsePayload struct {
	Channels  []ChannelInfo `json:"channels"`
	Timestamp string        `json:"timestamp"`
}

// HealthPingPayload is a liveness probe from a client.
type HealthPingPayload struct {
	Timestamp string `json:"timestamp,omitempty"`
}

// HealthPongPayload answers a ping with a runtime snapshot.
type HealthPongPayload struct {
	UptimeSeconds  float64 `json:"uptimeSeconds"`
	MemoryBytes    uint64  `json:"memoryBytes"`
	ActiveClients  int     `json:"activeClients"`
	ActiveSessions int     `json:"activeSessions"`
	Timestamp      string  `json:"timestamp"`
}

// AuthRequestPayload is the client half of the handshake.
type AuthRequestPayload struct {
	ClientID   string `json:"clientId"`
	ClientType string `json:"clientType"`
	Token      string `json:"token"`
}

// AuthResponsePayload is the server half of the handshake. The greeting sent
// on connect uses Success=false with the assigned ClientID.
type AuthResponsePayload struct {
	Success      bool     `json:"success"`
	ClientID     string   `json:"clientId"`
	Capabilities []string `json:"capabilities,omitempty"`
	Error        string   `json:"error,omitempty"`
	Timestamp    string   `json:"timestamp"`
}

// ErrorPayload reports a recoverable protocol-level failure.
type ErrorPayload struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// SubscribePayload adds event-name patterns to the client's subscriptions.
type SubscribePayload struct {
	Events []string `json:"events"`
}

// UnsubscribePayload removes event-name patterns from the client's
// subscriptions.
type UnsubscribePayload struct {
	Events []string `json:"events"`
}

// newPayload returns the zero payload struct for a message type.
func newPayload(t Type) (validator, bool) {
	switch t {
	case TypeSessionStart:
		return &SessionStartPayload{}, true
	case TypeSessionEnd:
		return &SessionEndPayload{}, true
	case TypeMessageSend:
		return &MessageSendPayload{}, true
	case TypeMessageReceived:
		return &MessageReceivedPayload{}, true
	case TypeMessageProcessed:
		return &MessageProcessedPayload{}, true
	case TypeToolStart:
		return &ToolStartPayload{}, true
	case TypeToolUpdate:
		return &ToolUpdatePayload{}, true
	case TypeToolEnd:
		return &ToolEndPayload{}, true
	case TypeChannelStatus:
		return &ChannelStatusPayload{}, true
	case TypeChannelList:
		return &ChannelListPayload{}, true
	case TypeChannelListResponse:
		return &ChannelListResponsePayload{}, true
	case TypeHealthPing:
		return &HealthPingPayload{}, true
	case TypeHealthPong:
		return &HealthPongPayload{}, true
	case TypeAuthRequest:
		return &AuthRequestPayload{}, true
	case TypeAuthResponse:
		return &AuthResponsePayload{}, true
	case TypeError:
		return &ErrorPayload{}, true
	case TypeSubscribe:
		return &SubscribePayload{}, true
	case TypeUnsubscribe:
		return &UnsubscribePayload{}, true
	default:
		return nil, false
	}
}

func checkUUID(field, val string) *fieldError {
	if _, err := uuid.Parse(val); err != nil {
		return &fieldError{field: field, msg: "must be a UUID"}
	}
	return nil
}

func checkTimestamp(field, val string) *fieldError {
	if _, err := time.Parse(time.RFC3339, val); err != nil {
		return &fieldError{field: field, msg: "must be an ISO-8601 timestamp"}
	}
	return nil
}

func checkNonEmpty(field, val string) *fieldError {
	if val == "" {
		return &fieldError{field: field, msg: "is required"}
	}
	return nil
}

func checkEnum(field, val string, allowed ...string) *fieldError {
	for _, a := range allowed {
		if val == a {
			return nil
		}
	}
	return &fieldError{field: field, msg: "unknown value " + val}
}

func firstError(errs ...*fieldError) *fieldError {
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}

func (p *SessionStartPayload) validate() *fieldError {
	return firstError(
		checkUUID("sessionId", p.SessionID),
		checkNonEmpty("channel", p.Channel),
		checkNonEmpty("senderId", p.SenderID),
		checkTimestamp("timestamp", p.Timestamp),
	)
}

func (p *SessionEndPayload) validate() *fieldError {
	return firstError(
		checkUUID("sessionId", p.SessionID),
		checkEnum("reason", p.Reason, EndReasonUserDisconnect, EndReasonTimeout, EndReasonError, EndReasonChannelClose),
		checkTimestamp("timestamp", p.Timestamp),
	)
}

func (p *MessageSendPayload) validate() *fieldError {
	return firstError(
		checkUUID("sessionId", p.SessionID),
		checkUUID("messageId", p.MessageID),
		checkEnum("direction", p.Direction, DirectionInbound, DirectionOutbound),
		checkTimestamp("timestamp", p.Timestamp),
	)
}

func (p *MessageReceivedPayload) validate() *fieldError {
	return firstError(
		checkUUID("sessionId", p.SessionID),
		checkUUID("messageId", p.MessageID),
		checkNonEmpty("channel", p.Channel),
		checkNonEmpty("senderId", p.SenderID),
		checkTimestamp("timestamp", p.Timestamp),
	)
}

func (p *MessageProcessedPayload) validate() *fieldError {
	return firstError(
		checkUUID("sessionId", p.SessionID),
		checkUUID("messageId", p.MessageID),
		checkTimestamp("timestamp", p.Timestamp),
	)
}

func (p *ToolStartPayload) validate() *fieldError {
	return firstError(
		checkUUID("sessionId", p.SessionID),
		checkUUID("toolCallId", p.ToolCallID),
		checkNonEmpty("toolName", p.ToolName),
		checkTimestamp("timestamp", p.Timestamp),
	)
}

func (p *ToolUpdatePayload) validate() *fieldError {
	if err := firstError(
		checkUUID("sessionId", p.SessionID),
		checkUUID("toolCallId", p.ToolCallID),
		checkEnum("status", p.Status, ToolStatusRunning, ToolStatusWaitingApproval, ToolStatusProcessing),
		checkTimestamp("timestamp", p.Timestamp),
	); err != nil {
		return err
	}
	if p.Progress < 0 || p.Progress > 100 {
		return &fieldError{field: "progress", msg: "must be between 0 and 100"}
	}
	return nil
}

func (p *ToolEndPayload) validate() *fieldError {
	return firstError(
		checkUUID("sessionId", p.SessionID),
		checkUUID("toolCallId", p.ToolCallID),
		checkTimestamp("timestamp", p.Timestamp),
	)
}

func (p *ChannelStatusPayload) validate() *fieldError {
	return firstError(
		checkNonEmpty("channel", p.Channel),
		checkEnum("status", p.Status, ChannelConnected, ChannelDisconnected, ChannelConnecting, ChannelError),
		checkTimestamp("timestamp", p.Timestamp),
	)
}

func (p *ChannelListPayload) validate() *fieldError { return nil }

func (p *ChannelListResponsePayload) validate() *fieldError {
	for _, ch := range p.Channels {
		if err := firstError(
			checkNonEmpty("channels.name", ch.Name),
			checkEnum("channels.status", ch.Status, ChannelConnected, ChannelDisconnected, ChannelConnecting, ChannelError),
		); err != nil {
			return err
		}
	}
	return checkTimestamp("timestamp", p.Timestamp)
}

func (p *HealthPingPayload) validate() *fieldError {
	if p.Timestamp == "" {
		return nil
	}
	return checkTimestamp("timestamp", p.Timestamp)
}

func (p *HealthPongPayload) validate() *fieldError {
	if p.UptimeSeconds < 0 {
		return &fieldError{field: "uptimeSeconds", msg: "must be non-negative"}
	}
	if p.ActiveClients < 0 || p.ActiveSessions < 0 {
		return &fieldError{field: "activeClients", msg: "must be non-negative"}
	}
	return checkTimestamp("timestamp", p.Timestamp)
}

func (p *AuthRequestPayload) validate() *fieldError {
	return firstError(
		checkUUID("clientId", p.ClientID),
		checkEnum("clientType", p.ClientType, ClientTypeDashboard, ClientTypeChannel, ClientTypeMonitor, ClientTypeAdmin),
	)
}

func (p *AuthResponsePayload) validate() *fieldError {
	return firstError(
		checkUUID("clientId", p.ClientID),
		checkTimestamp("timestamp", p.Timestamp),
	)
}

func (p *ErrorPayload) validate() *fieldError {
	return firstError(
		checkNonEmpty("code", p.Code),
		checkNonEmpty("message", p.Message),
		checkTimestamp("timestamp", p.Timestamp),
	)
}

func (p *SubscribePayload) validate() *fieldError {
	return validateEvents(p.Events)
}

func (p *UnsubscribePayload) validate() *fieldError {
	return validateEvents(p.Events)
}

func validateEvents(events []string) *fieldError {
	if len(events) == 0 {
		return &fieldError{field: "events", msg: "is required"}
	}
	for _, e := range events {
		if e == "" {
			return &fieldError{field: "events", msg: "must not contain empty names"}
		}
	}
	return nil
}
