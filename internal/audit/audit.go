// Package audit provides the append-only audit sink consumed by the control
// plane. Entries are recorded on server start/stop, client connect and
// disconnect, and session creation, eviction and closure.
package audit

// Sink records audit entries. Implementations must be safe for concurrent
// use and must never block their caller for long; a failed write is the
// implementation's problem, not the caller's.
type Sink interface {
	Log(action, actor, trustLevel string, details map[string]any) error
	Close() error
}

// NopSink discards every entry. Used in tests and when auditing is disabled.
type NopSink struct{}

func (NopSink) Log(action, actor, trustLevel string, details map[string]any) error { return nil }

func (NopSink) Close() error { return nil }
