package session

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Ari-OS/ARI-sub004/internal/audit"
	"github.com/Ari-OS/ARI-sub004/internal/bus"
	"github.com/Ari-OS/ARI-sub004/internal/config"
	"github.com/Ari-OS/ARI-sub004/internal/metrics"
)

// Internal event names announced on the bus.
const (
	EventSessionStarted = "session:started"
	EventSessionEnded   = "session:ended"
)

// StartedEvent is the payload of a session:started event.
type StartedEvent struct {
	Session *Session
}

// EndedEvent is the payload of a session:ended event.
type EndedEvent struct {
	Session *Session
	Reason  string
}

// Option configures a session at creation time.
type Option func(*Session)

// WithTrustLevel sets the sender's trust classification.
func WithTrustLevel(t TrustLevel) Option {
	return func(s *Session) { s.TrustLevel = t }
}

// WithContextID seeds the session's context identifier.
func WithContextID(id string) Option {
	return func(s *Session) { s.Context.ContextID = id }
}

// WithName sets the session's display name.
func WithName(name string) Option {
	return func(s *Session) { s.Metadata.Name = name }
}

// Manager owns the session lifecycle: creation and resume, activity
// recording, timeout sweeps and capacity eviction. All compound operations
// are serialized through one mutex, which also resolves the
// lookup-or-create race for concurrent first contacts on the same triple.
type Manager struct {
	mu    sync.Mutex
	store *Store
	bus   *bus.Bus
	audit audit.Sink
	cfg   *config.Config

	now func() time.Time
}

// NewManager creates a lifecycle manager over the given store.
func NewManager(store *Store, b *bus.Bus, sink audit.Sink, cfg *config.Config) *Manager {
	if sink == nil {
		sink = audit.NopSink{}
	}
	// The store may already hold restored records; the gauge reflects them
	// from the first scrape.
	metrics.SessionsActive.Set(float64(store.CountNonClosed()))
	return &Manager{
		store: store,
		bus:   b,
		audit: sink,
		cfg:   cfg,
		now:   time.Now,
	}
}

// GetOrCreate resumes the session for a (channel, sender, group) triple or
// creates a new one. The second return value reports whether a session was
// created. Resuming touches the session, so an idle or suspended session
// comes back active.
func (m *Manager) GetOrCreate(channel, senderID, groupID string, opts ...Option) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.store.Lookup(channel, senderID, groupID); ok && s.Status != StatusClosed {
		m.touchLocked(s)
		m.store.Put(s)
		return s.Clone(), false
	}

	m.evictForSenderLocked(senderID)
	m.evictGlobalLocked()

	now := m.now().UTC()
	s := &Session{
		ID:           uuid.New().String(),
		Channel:      channel,
		SenderID:     senderID,
		GroupID:      groupID,
		CreatedAt:    now,
		LastActivity: now,
		TrustLevel:   TrustStandard,
		Status:       StatusActive,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.MemoryPartition = memoryPartition(channel, senderID, s.ID)

	m.store.Put(s)
	metrics.SessionsActive.Set(float64(m.store.CountNonClosed()))
	m.bus.Emit(EventSessionStarted, &StartedEvent{Session: s.Clone()})
	if err := m.audit.Log("session_created", senderID, string(s.TrustLevel), map[string]any{
		"session_id": s.ID,
		"channel":    channel,
	}); err != nil {
		log.Printf("WARN: audit write failed: %v", err)
	}
	return s.Clone(), true
}

// Get returns a snapshot of the session for an id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.store.Get(id)
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

// List returns snapshots of every tracked session, closed ones included.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessions := m.store.List()
	out := make([]*Session, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Clone())
	}
	return out
}

// ActiveCount reports how many sessions are not closed.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.CountNonClosed()
}

// Touch marks activity on a session, forcing any non-closed state back to
// active. It returns false for unknown or closed sessions.
func (m *Manager) Touch(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.store.Get(id)
	if !ok || s.Status == StatusClosed {
		return false
	}
	m.touchLocked(s)
	m.store.Put(s)
	return true
}

// Close force-closes a session. Closing is terminal but keeps the record;
// it is not a deletion. Returns false for unknown or already-closed ids.
func (m *Manager) Close(id, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.store.Get(id)
	if !ok || s.Status == StatusClosed {
		return false
	}
	m.closeLocked(s, reason)
	return true
}

// RecordInbound records a message arriving from the sender.
func (m *Manager) RecordInbound(id, messageID string) (*Session, bool) {
	return m.mutate(id, func(s *Session) {
		s.Stats.InboundCount++
		s.Stats.MessageCount = s.Stats.InboundCount + s.Stats.OutboundCount
		s.Context.LastMessageID = messageID
	}, true)
}

// RecordOutbound records a message sent to the sender.
func (m *Manager) RecordOutbound(id, messageID string) (*Session, bool) {
	return m.mutate(id, func(s *Session) {
		s.Stats.OutboundCount++
		s.Stats.MessageCount = s.Stats.InboundCount + s.Stats.OutboundCount
		s.Context.LastMessageID = messageID
	}, true)
}

// RecordToolStart marks a tool call as in flight.
func (m *Manager) RecordToolStart(id, toolCallID string) (*Session, bool) {
	return m.mutate(id, func(s *Session) {
		for _, t := range s.Context.ActiveTools {
			if t == toolCallID {
				return
			}
		}
		s.Context.ActiveTools = append(s.Context.ActiveTools, toolCallID)
	}, true)
}

// RecordToolEnd removes a tool call from flight and counts the execution.
// Ending a tool that was never recorded as started still counts, so a
// missed start event cannot wedge the stats.
func (m *Manager) RecordToolEnd(id, toolCallID string) (*Session, bool) {
	return m.mutate(id, func(s *Session) {
		for i, t := range s.Context.ActiveTools {
			if t == toolCallID {
				s.Context.ActiveTools = append(s.Context.ActiveTools[:i], s.Context.ActiveTools[i+1:]...)
				break
			}
		}
		s.Stats.ToolExecutions++
	}, true)
}

// SetSummary updates the running conversation summary.
func (m *Manager) SetSummary(id, summary string) (*Session, bool) {
	return m.mutate(id, func(s *Session) { s.Context.Summary = summary }, true)
}

// SetCurrentTask updates the session's current task.
func (m *Manager) SetCurrentTask(id, task string) (*Session, bool) {
	return m.mutate(id, func(s *Session) { s.Context.CurrentTask = task }, true)
}

// SetName renames the session. Metadata edits do not count as activity.
func (m *Manager) SetName(id, name string) (*Session, bool) {
	return m.mutate(id, func(s *Session) { s.Metadata.Name = name }, false)
}

// AddTag adds a tag, keeping the tag list ordered and unique.
func (m *Manager) AddTag(id, tag string) (*Session, bool) {
	return m.mutate(id, func(s *Session) {
		for _, t := range s.Metadata.Tags {
			if t == tag {
				return
			}
		}
		s.Metadata.Tags = append(s.Metadata.Tags, tag)
	}, false)
}

// RemoveTag removes a tag if present.
func (m *Manager) RemoveTag(id, tag string) (*Session, bool) {
	return m.mutate(id, func(s *Session) {
		for i, t := range s.Metadata.Tags {
			if t == tag {
				s.Metadata.Tags = append(s.Metadata.Tags[:i], s.Metadata.Tags[i+1:]...)
				return
			}
		}
	}, false)
}

// SetCustom sets a free-form metadata entry.
func (m *Manager) SetCustom(id, key, value string) (*Session, bool) {
	return m.mutate(id, func(s *Session) {
		if s.Metadata.Custom == nil {
			s.Metadata.Custom = make(map[string]string)
		}
		s.Metadata.Custom[key] = value
	}, false)
}

// mutate applies fn to a non-closed session and writes it through. When
// activity is true the session is also touched, which auto-resumes it.
func (m *Manager) mutate(id string, fn func(*Session), activity bool) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.store.Get(id)
	if !ok || s.Status == StatusClosed {
		return nil, false
	}
	fn(s)
	if activity {
		m.touchLocked(s)
	}
	m.store.Put(s)
	return s.Clone(), true
}

// Run sweeps session timeouts until the context is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep applies one lifecycle pass over every non-closed session. A session
// moves at most one state per pass, so a long-idle session still walks
// active -> idle -> suspended -> closed in order.
func (m *Manager) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for _, s := range m.store.List() {
		elapsed := now.Sub(s.LastActivity)
		switch s.Status {
		case StatusActive:
			if elapsed > m.cfg.IdleTimeout {
				s.Status = StatusIdle
				m.store.Put(s)
			}
		case StatusIdle:
			if elapsed > m.cfg.IdleTimeout+m.cfg.SuspendTimeout {
				s.Status = StatusSuspended
				m.store.Put(s)
			}
		case StatusSuspended:
			if elapsed > m.cfg.IdleTimeout+m.cfg.SuspendTimeout+m.cfg.CloseTimeout {
				m.closeLocked(s, ReasonTimeout)
			}
		}
	}
}

func (m *Manager) touchLocked(s *Session) {
	s.LastActivity = m.now().UTC()
	s.Stats.Duration = int64(s.LastActivity.Sub(s.CreatedAt).Seconds())
	if s.Status != StatusClosed {
		s.Status = StatusActive
	}
}

func (m *Manager) closeLocked(s *Session, reason string) {
	s.Status = StatusClosed
	s.Stats.Duration = int64(m.now().UTC().Sub(s.CreatedAt).Seconds())
	m.store.Put(s)
	metrics.SessionsActive.Set(float64(m.store.CountNonClosed()))

	m.bus.Emit(EventSessionEnded, &EndedEvent{Session: s.Clone(), Reason: reason})
	action := "session_closed"
	if reason == ReasonCapacity {
		action = "session_evicted"
		metrics.SessionsEvicted.Inc()
	}
	if err := m.audit.Log(action, s.SenderID, string(s.TrustLevel), map[string]any{
		"session_id": s.ID,
		"reason":     reason,
	}); err != nil {
		log.Printf("WARN: audit write failed: %v", err)
	}
}

// evictForSenderLocked enforces the per-sender capacity limit before a new
// session for senderID is admitted.
func (m *Manager) evictForSenderLocked(senderID string) {
	if m.cfg.MaxSessionsPerSender <= 0 {
		return
	}
	open := m.openSessionsLocked(func(s *Session) bool { return s.SenderID == senderID })
	for len(open) >= m.cfg.MaxSessionsPerSender {
		m.closeLocked(open[0], ReasonCapacity)
		open = open[1:]
	}
}

// evictGlobalLocked enforces the total capacity limit.
func (m *Manager) evictGlobalLocked() {
	if m.cfg.MaxTotalSessions <= 0 {
		return
	}
	open := m.openSessionsLocked(nil)
	for len(open) >= m.cfg.MaxTotalSessions {
		m.closeLocked(open[0], ReasonCapacity)
		open = open[1:]
	}
}

// openSessionsLocked returns non-closed sessions matching the filter,
// oldest first by creation time.
func (m *Manager) openSessionsLocked(match func(*Session) bool) []*Session {
	var open []*Session
	for _, s := range m.store.List() {
		if s.Status == StatusClosed {
			continue
		}
		if match != nil && !match(s) {
			continue
		}
		open = append(open, s)
	}
	sort.Slice(open, func(i, j int) bool { return open[i].CreatedAt.Before(open[j].CreatedAt) })
	return open
}
