// Package session tracks conversation sessions per (channel, sender) pair
// through their timeout-driven lifecycle.
package session

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a session. Closed is terminal.
type Status string

const (
	StatusActive    Status = "active"
	StatusIdle      Status = "idle"
	StatusSuspended Status = "suspended"
	StatusClosed    Status = "closed"
)

// TrustLevel is a coarse sender classification. Only the value is stored
// here; its policy semantics live outside the control plane.
type TrustLevel string

const (
	TrustSystem    TrustLevel = "system"
	TrustOperator  TrustLevel = "operator"
	TrustVerified  TrustLevel = "verified"
	TrustStandard  TrustLevel = "standard"
	TrustUntrusted TrustLevel = "untrusted"
	TrustHostile   TrustLevel = "hostile"
)

// End reasons for session:ended events.
const (
	ReasonUserDisconnect = "user_disconnect"
	ReasonTimeout        = "timeout"
	ReasonError          = "error"
	ReasonChannelClose   = "channel_close"
	ReasonCapacity       = "capacity"
)

// Context carries the conversational working state of a session.
type Context struct {
	ContextID        string   `json:"contextId,omitempty"`
	Summary          string   `json:"summary,omitempty"`
	CurrentTask      string   `json:"currentTask,omitempty"`
	ActiveTools      []string `json:"activeTools,omitempty"`
	PendingResponses []string `json:"pendingResponses,omitempty"`
	LastMessageID    string   `json:"lastMessageId,omitempty"`
}

// Metadata holds operator-editable labels. Edits to it do not count as
// session activity.
type Metadata struct {
	Name   string            `json:"name,omitempty"`
	Tags   []string          `json:"tags,omitempty"`
	Custom map[string]string `json:"custom,omitempty"`
}

// Stats are the session's message and tool counters.
// MessageCount always equals InboundCount + OutboundCount.
type Stats struct {
	MessageCount   int   `json:"messageCount"`
	InboundCount   int   `json:"inboundCount"`
	OutboundCount  int   `json:"outboundCount"`
	ToolExecutions int   `json:"toolExecutions"`
	Duration       int64 `json:"duration"` // seconds from creation to last activity
}

// Session represents one ongoing interaction thread. The triple
// (Channel, SenderID, GroupID) is the secondary unique key for resume lookup.
type Session struct {
	ID       string `json:"id"`
	Channel  string `json:"channel"`
	SenderID string `json:"senderId"`
	GroupID  string `json:"groupId,omitempty"`

	CreatedAt    time.Time  `json:"createdAt"`
	LastActivity time.Time  `json:"lastActivity"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`

	Context         Context    `json:"context"`
	MemoryPartition string     `json:"memoryPartition"`
	TrustLevel      TrustLevel `json:"trustLevel"`
	Status          Status     `json:"status"`
	Metadata        Metadata   `json:"metadata"`
	Stats           Stats      `json:"stats"`
}

// Key returns the resume-lookup key for a (channel, sender, group) triple.
func Key(channel, senderID, groupID string) string {
	return channel + "|" + senderID + "|" + groupID
}

// Key returns the session's resume-lookup key.
func (s *Session) Key() string {
	return Key(s.Channel, s.SenderID, s.GroupID)
}

// memoryPartition derives the globally unique storage namespace for a
// session. The session id makes it unique even across resumed triples.
func memoryPartition(channel, senderID, id string) string {
	return fmt.Sprintf("session/%s/%s/%s", channel, senderID, id)
}

// Clone returns a deep copy safe to hand outside the manager.
func (s *Session) Clone() *Session {
	c := *s
	if s.ExpiresAt != nil {
		t := *s.ExpiresAt
		c.ExpiresAt = &t
	}
	c.Context.ActiveTools = append([]string(nil), s.Context.ActiveTools...)
	c.Context.PendingResponses = append([]string(nil), s.Context.PendingResponses...)
	c.Metadata.Tags = append([]string(nil), s.Metadata.Tags...)
	if s.Metadata.Custom != nil {
		c.Metadata.Custom = make(map[string]string, len(s.Metadata.Custom))
		for k, v := range s.Metadata.Custom {
			c.Metadata.Custom[k] = v
		}
	}
	return &c
}
