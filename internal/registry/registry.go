// Package registry tracks connected control-plane clients: their auth
// state, capability set, subscription patterns and liveness.
package registry

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Ari-OS/ARI-sub004/internal/policy"
	"github.com/Ari-OS/ARI-sub004/internal/protocol"
)

var (
	// ErrUnknownClient is returned for operations on ids the registry does
	// not track.
	ErrUnknownClient = errors.New("unknown client")
	// ErrUnauthorized is returned when the admission policy denies a client.
	ErrUnauthorized = errors.New("unauthorized")
)

// Client is one live connection. Send is the outbound queue drained by the
// connection's write pump; writes to it must go through TrySend.
type Client struct {
	ID            string
	Type          string
	Authenticated bool
	Capabilities  map[string]bool
	Subscriptions map[string]bool
	LastActivity  time.Time

	Send chan []byte

	sendMu sync.Mutex
	closed bool
}

// TrySend enqueues data without blocking. It reports false when the
// client's buffer is full or its queue is already closed, so a slow or
// just-removed client never blocks or crashes the caller. Callers may hold
// a client pointer snapshotted before a concurrent Remove; the mutex keeps
// that send from racing the close.
func (c *Client) TrySend(data []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

// closeSend shuts the outbound queue down exactly once.
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

// HasCapability reports whether the client holds a capability. The admin
// grant "*" covers everything.
func (c *Client) HasCapability(name string) bool {
	return c.Capabilities["*"] || c.Capabilities[name]
}

// Registry is the mutex-guarded index of connected clients.
type Registry struct {
	mu         sync.RWMutex
	clients    map[string]*Client
	engine     *policy.Engine
	adminToken string
}

// New creates a registry using the given admission policy.
func New(engine *policy.Engine, adminToken string) *Registry {
	return &Registry{
		clients:    make(map[string]*Client),
		engine:     engine,
		adminToken: adminToken,
	}
}

// Register admits a fresh connection: new id, unauthenticated, no
// capabilities, no subscriptions.
func (r *Registry) Register() *Client {
	c := &Client{
		ID:            uuid.New().String(),
		Capabilities:  make(map[string]bool),
		Subscriptions: make(map[string]bool),
		LastActivity:  time.Now(),
		Send:          make(chan []byte, 256),
	}
	r.mu.Lock()
	r.clients[c.ID] = c
	r.mu.Unlock()
	return c
}

// Get returns the client for an id.
func (r *Registry) Get(id string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

// Authenticate runs the admission policy for a client and, on allow,
// grants the capability set for its declared type. It returns the granted
// capabilities in sorted order.
func (r *Registry) Authenticate(ctx context.Context, id, clientType, token string) ([]string, error) {
	r.mu.Lock()
	c, ok := r.clients[id]
	r.mu.Unlock()
	if !ok {
		return nil, ErrUnknownClient
	}

	decision, err := r.engine.Evaluate(ctx, policy.AuthInput{
		ClientType: clientType,
		Token:      token,
		AdminToken: r.adminToken,
	})
	if err != nil {
		return nil, err
	}
	if decision != policy.DecisionAllow {
		return nil, ErrUnauthorized
	}

	caps := capabilitiesFor(clientType)

	r.mu.Lock()
	c.Type = clientType
	c.Authenticated = true
	c.Capabilities = make(map[string]bool, len(caps))
	for _, name := range caps {
		c.Capabilities[name] = true
	}
	c.LastActivity = time.Now()
	r.mu.Unlock()

	return caps, nil
}

// Subscribe adds event-name patterns to a client's subscription set.
func (r *Registry) Subscribe(id string, patterns []string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	if !ok {
		return false
	}
	for _, p := range patterns {
		c.Subscriptions[p] = true
	}
	return true
}

// Unsubscribe removes event-name patterns from a client's subscription set.
func (r *Registry) Unsubscribe(id string, patterns []string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	if !ok {
		return false
	}
	for _, p := range patterns {
		delete(c.Subscriptions, p)
	}
	return true
}

// Touch records client activity.
func (r *Registry) Touch(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	if !ok {
		return false
	}
	c.LastActivity = time.Now()
	return true
}

// Remove drops a client and its subscriptions atomically, closing its send
// queue. It reports false when the id was not tracked, so a concurrent
// eviction and disconnect close the queue exactly once.
func (r *Registry) Remove(id string) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	if !ok {
		return nil, false
	}
	delete(r.clients, id)
	c.closeSend()
	return c, true
}

// EvictStale removes every client whose last activity is before cutoff and
// returns the evicted clients.
func (r *Registry) EvictStale(cutoff time.Time) []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	var evicted []*Client
	for id, c := range r.clients {
		if c.LastActivity.Before(cutoff) {
			delete(r.clients, id)
			c.closeSend()
			evicted = append(evicted, c)
		}
	}
	return evicted
}

// MatchSubscribers returns the clients with at least one subscription
// pattern matching the event name.
func (r *Registry) MatchSubscribers(event string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var matched []*Client
	for _, c := range r.clients {
		for pattern := range c.Subscriptions {
			if MatchPattern(pattern, event) {
				matched = append(matched, c)
				break
			}
		}
	}
	return matched
}

// Count returns the number of connected clients.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Counts returns total, authenticated, and per-type client counts.
func (r *Registry) Counts() (total, authenticated int, byType map[string]int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byType = make(map[string]int)
	for _, c := range r.clients {
		total++
		if c.Authenticated {
			authenticated++
			byType[c.Type]++
		}
	}
	return total, authenticated, byType
}

// MatchPattern reports whether a subscription pattern matches an event
// name. A trailing "*" segment matches any suffix within that prefix, and
// a bare "*" matches everything.
func MatchPattern(pattern, event string) bool {
	if pattern == "*" || pattern == event {
		return true
	}
	if strings.HasSuffix(pattern, ":*") {
		return strings.HasPrefix(event, strings.TrimSuffix(pattern, "*"))
	}
	return false
}

// capabilitiesFor is the grant table per declared client type.
func capabilitiesFor(clientType string) []string {
	var caps []string
	switch clientType {
	case protocol.ClientTypeAdmin:
		caps = []string{"*"}
	case protocol.ClientTypeDashboard:
		caps = []string{"channel:read", "message:send", "session:read", "subscribe", "tool:read"}
	case protocol.ClientTypeChannel:
		caps = []string{"channel:write", "message:receive", "message:send", "session:write", "subscribe"}
	case protocol.ClientTypeMonitor:
		caps = []string{"channel:read", "session:read", "subscribe", "tool:read"}
	}
	sort.Strings(caps)
	return caps
}
