// Package router bridges the internal event bus and connected clients. It
// dispatches inbound client messages and forwards bus events to matching
// subscribers.
package router

import (
	"context"
	"encoding/json"
	"log"
	"runtime"
	"sync"
	"time"

	"github.com/Ari-OS/ARI-sub004/internal/bus"
	"github.com/Ari-OS/ARI-sub004/internal/metrics"
	"github.com/Ari-OS/ARI-sub004/internal/protocol"
	"github.com/Ari-OS/ARI-sub004/internal/registry"
	"github.com/Ari-OS/ARI-sub004/internal/session"
)

// Router dispatches messages in both directions between the event bus and
// connected clients.
type Router struct {
	bus      *bus.Bus
	registry *registry.Registry
	sessions *session.Manager

	started time.Time
	unsubs  []func()

	mu       sync.RWMutex
	channels map[string]string // channel name -> last reported status
}

// New creates a router. Call Bind to start forwarding bus events.
func New(b *bus.Bus, reg *registry.Registry, mgr *session.Manager) *Router {
	return &Router{
		bus:      b,
		registry: reg,
		sessions: mgr,
		started:  time.Now(),
		channels: make(map[string]string),
	}
}

// Bind subscribes the router to every forwardable internal event.
func (r *Router) Bind() {
	r.unsubs = append(r.unsubs,
		r.bus.On(session.EventSessionStarted, r.forwardSessionStarted),
		r.bus.On(session.EventSessionEnded, r.forwardSessionEnded),
	)
	for _, t := range []protocol.Type{
		protocol.TypeMessageSend,
		protocol.TypeMessageReceived,
		protocol.TypeMessageProcessed,
		protocol.TypeToolStart,
		protocol.TypeToolUpdate,
		protocol.TypeToolEnd,
		protocol.TypeChannelStatus,
	} {
		msgType := t
		r.unsubs = append(r.unsubs, r.bus.On(string(msgType), func(payload any) {
			msg, err := protocol.New(msgType, payload)
			if err != nil {
				log.Printf("WARN: cannot forward %s event: %v", msgType, err)
				return
			}
			r.Forward(msg)
		}))
	}
}

// Close detaches the router from the bus.
func (r *Router) Close() {
	for _, unsub := range r.unsubs {
		unsub()
	}
	r.unsubs = nil
}

// Forward sends a message to every client with a matching subscription.
// Delivery is best-effort per client: a full buffer drops the message for
// that client only.
func (r *Router) Forward(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("WARN: failed to encode %s message: %v", msg.Type, err)
		return
	}
	subscribers := r.registry.MatchSubscribers(string(msg.Type))
	for _, c := range subscribers {
		if !c.TrySend(data) {
			log.Printf("WARN: client %s buffer full, dropping %s", c.ID, msg.Type)
		}
	}
	if len(subscribers) > 0 {
		metrics.EventsRouted.WithLabelValues(string(msg.Type)).Add(float64(len(subscribers)))
	}
}

// HandleInbound parses one raw client payload and dispatches it. Malformed
// input gets an error reply; the connection always stays open.
func (r *Router) HandleInbound(ctx context.Context, c *registry.Client, raw []byte) {
	msg := protocol.SafeParse(raw)
	if msg == nil {
		metrics.MessagesRejected.Inc()
		r.reply(c, protocol.NewError(protocol.ErrorCodeInvalidMessage, "malformed or unknown message", nil))
		return
	}

	r.registry.Touch(c.ID)

	switch msg.Type {
	case protocol.TypeAuthRequest:
		r.handleAuth(ctx, c, msg.Payload.(*protocol.AuthRequestPayload))
	case protocol.TypeSubscribe:
		r.handleSubscribe(c, msg.Payload.(*protocol.SubscribePayload).Events, true)
	case protocol.TypeUnsubscribe:
		r.handleSubscribe(c, msg.Payload.(*protocol.UnsubscribePayload).Events, false)
	case protocol.TypeHealthPing:
		r.handlePing(c)
	case protocol.TypeChannelList:
		r.handleChannelList(c)
	default:
		r.publish(c, msg)
	}
}

// publish records session activity implied by the message and hands it to
// the rest of the system on the bus.
func (r *Router) publish(c *registry.Client, msg *protocol.Message) {
	if !c.Authenticated {
		r.reply(c, protocol.NewError(protocol.ErrorCodeUnauthorized, "authenticate first", nil))
		return
	}

	switch p := msg.Payload.(type) {
	case *protocol.SessionStartPayload:
		r.sessions.GetOrCreate(p.Channel, p.SenderID, p.GroupID)
		// session:started lands on the bus from the manager; nothing more
		// to publish here.
		return
	case *protocol.SessionEndPayload:
		r.sessions.Close(p.SessionID, p.Reason)
		return
	case *protocol.MessageSendPayload:
		if p.Direction == protocol.DirectionInbound {
			r.sessions.RecordInbound(p.SessionID, p.MessageID)
		} else {
			r.sessions.RecordOutbound(p.SessionID, p.MessageID)
		}
	case *protocol.MessageReceivedPayload:
		r.sessions.RecordInbound(p.SessionID, p.MessageID)
	case *protocol.MessageProcessedPayload:
		r.sessions.Touch(p.SessionID)
	case *protocol.ToolStartPayload:
		r.sessions.RecordToolStart(p.SessionID, p.ToolCallID)
	case *protocol.ToolUpdatePayload:
		r.sessions.Touch(p.SessionID)
	case *protocol.ToolEndPayload:
		r.sessions.RecordToolEnd(p.SessionID, p.ToolCallID)
	case *protocol.ChannelStatusPayload:
		r.mu.Lock()
		r.channels[p.Channel] = p.Status
		r.mu.Unlock()
	}

	r.bus.Emit(string(msg.Type), msg.Payload)
}

func (r *Router) handleAuth(ctx context.Context, c *registry.Client, p *protocol.AuthRequestPayload) {
	now := time.Now().UTC().Format(time.RFC3339)
	if p.ClientID != c.ID {
		r.reply(c, &protocol.Message{Type: protocol.TypeAuthResponse, Payload: &protocol.AuthResponsePayload{
			Success:   false,
			ClientID:  c.ID,
			Error:     "client id mismatch",
			Timestamp: now,
		}})
		return
	}

	caps, err := r.registry.Authenticate(ctx, c.ID, p.ClientType, p.Token)
	if err != nil {
		r.reply(c, &protocol.Message{Type: protocol.TypeAuthResponse, Payload: &protocol.AuthResponsePayload{
			Success:   false,
			ClientID:  c.ID,
			Error:     "unauthorized",
			Timestamp: now,
		}})
		return
	}

	r.reply(c, &protocol.Message{Type: protocol.TypeAuthResponse, Payload: &protocol.AuthResponsePayload{
		Success:      true,
		ClientID:     c.ID,
		Capabilities: caps,
		Timestamp:    now,
	}})
}

func (r *Router) handleSubscribe(c *registry.Client, events []string, add bool) {
	if !c.Authenticated || !c.HasCapability("subscribe") {
		r.reply(c, protocol.NewError(protocol.ErrorCodeUnauthorized, "subscription requires authentication", nil))
		return
	}
	if add {
		r.registry.Subscribe(c.ID, events)
	} else {
		r.registry.Unsubscribe(c.ID, events)
	}
}

func (r *Router) handlePing(c *registry.Client) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	r.reply(c, &protocol.Message{Type: protocol.TypeHealthPong, Payload: &protocol.HealthPongPayload{
		UptimeSeconds:  time.Since(r.started).Seconds(),
		MemoryBytes:    mem.HeapAlloc,
		ActiveClients:  r.registry.Count(),
		ActiveSessions: r.sessions.ActiveCount(),
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	}})
}

// handleChannelList answers from the roster built out of channel:status
// reports.
func (r *Router) handleChannelList(c *registry.Client) {
	r.mu.RLock()
	channels := make([]protocol.ChannelInfo, 0, len(r.channels))
	for name, status := range r.channels {
		channels = append(channels, protocol.ChannelInfo{Name: name, Status: status})
	}
	r.mu.RUnlock()

	r.reply(c, &protocol.Message{Type: protocol.TypeChannelListResponse, Payload: &protocol.ChannelListResponsePayload{
		Channels:  channels,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}})
}

func (r *Router) forwardSessionStarted(payload any) {
	ev, ok := payload.(*session.StartedEvent)
	if !ok {
		return
	}
	s := ev.Session
	r.Forward(&protocol.Message{Type: protocol.TypeSessionStart, Payload: &protocol.SessionStartPayload{
		SessionID: s.ID,
		Channel:   s.Channel,
		SenderID:  s.SenderID,
		GroupID:   s.GroupID,
		Timestamp: s.CreatedAt.UTC().Format(time.RFC3339),
	}})
}

func (r *Router) forwardSessionEnded(payload any) {
	ev, ok := payload.(*session.EndedEvent)
	if !ok {
		return
	}
	r.Forward(&protocol.Message{Type: protocol.TypeSessionEnd, Payload: &protocol.SessionEndPayload{
		SessionID: ev.Session.ID,
		Reason:    wireEndReason(ev.Reason),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}})
}

// wireEndReason maps internal end reasons onto the wire enum. Capacity
// eviction is not a wire reason; it goes out as error.
func wireEndReason(reason string) string {
	switch reason {
	case session.ReasonUserDisconnect, session.ReasonTimeout, session.ReasonError, session.ReasonChannelClose:
		return reason
	case session.ReasonCapacity:
		return protocol.EndReasonError
	default:
		return protocol.EndReasonError
	}
}

func (r *Router) reply(c *registry.Client, msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("WARN: failed to encode %s reply: %v", msg.Type, err)
		return
	}
	if !c.TrySend(data) {
		log.Printf("WARN: client %s buffer full, dropping %s reply", c.ID, msg.Type)
	}
}
