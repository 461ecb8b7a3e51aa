package router

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ari-OS/ARI-sub004/internal/bus"
	"github.com/Ari-OS/ARI-sub004/internal/config"
	"github.com/Ari-OS/ARI-sub004/internal/policy"
	"github.com/Ari-OS/ARI-sub004/internal/protocol"
	"github.com/Ari-OS/ARI-sub004/internal/registry"
	"github.com/Ari-OS/ARI-sub004/internal/session"
)

const (
	testSessionID = "7b8a3df2-4c1e-4f5a-9d26-58a6f1f6c2aa"
	testMessageID = "0d9e2c51-7f3b-4a88-b1c4-2f6e8a9d3b7c"
	testToolID    = "c2a4e6f8-1b3d-4c5e-8f7a-9d0b2c4e6f8a"
	testTimestamp = "2026-08-30T12:00:00Z"
)

type fixture struct {
	bus      *bus.Bus
	registry *registry.Registry
	sessions *session.Manager
	router   *Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	engine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	require.NoError(t, err)

	b := bus.New()
	reg := registry.New(engine, "admin-secret")
	mgr := session.NewManager(session.NewStore(nil), b, nil, &config.Config{
		IdleTimeout:          time.Minute,
		SuspendTimeout:       time.Minute,
		CloseTimeout:         time.Minute,
		MaxSessionsPerSender: 10,
		MaxTotalSessions:     100,
	})

	rt := New(b, reg, mgr)
	rt.Bind()
	t.Cleanup(rt.Close)

	return &fixture{bus: b, registry: reg, sessions: mgr, router: rt}
}

// authedClient registers and authenticates a client of the given type.
func (f *fixture) authedClient(t *testing.T, clientType string) *registry.Client {
	t.Helper()
	c := f.registry.Register()
	_, err := f.registry.Authenticate(context.Background(), c.ID, clientType, "token")
	require.NoError(t, err)
	return c
}

func recv(t *testing.T, c *registry.Client) *protocol.Message {
	t.Helper()
	select {
	case data := <-c.Send:
		msg, err := protocol.Parse(data)
		require.NoError(t, err)
		return msg
	case <-time.After(time.Second):
		t.Fatal("expected a message, got none")
		return nil
	}
}

func assertSilent(t *testing.T, c *registry.Client) {
	t.Helper()
	select {
	case data := <-c.Send:
		t.Fatalf("expected no message, got %s", data)
	default:
	}
}

func TestMalformedInputGetsErrorAndConnectionSurvives(t *testing.T) {
	f := newFixture(t)
	c := f.registry.Register()

	f.router.HandleInbound(context.Background(), c, []byte("{{{not json"))
	msg := recv(t, c)
	require.Equal(t, protocol.TypeError, msg.Type)
	assert.Equal(t, protocol.ErrorCodeInvalidMessage, msg.Payload.(*protocol.ErrorPayload).Code)

	// The same connection still answers a valid ping afterwards.
	f.router.HandleInbound(context.Background(), c, []byte(`{"type":"health:ping","payload":{}}`))
	msg = recv(t, c)
	assert.Equal(t, protocol.TypeHealthPong, msg.Type)
}

func TestHealthPingReportsCounts(t *testing.T) {
	f := newFixture(t)
	c := f.registry.Register()
	f.sessions.GetOrCreate("telegram", "u1", "")

	f.router.HandleInbound(context.Background(), c, []byte(`{"type":"health:ping","payload":{}}`))
	msg := recv(t, c)
	require.Equal(t, protocol.TypeHealthPong, msg.Type)

	pong := msg.Payload.(*protocol.HealthPongPayload)
	assert.Equal(t, 1, pong.ActiveClients)
	assert.Equal(t, 1, pong.ActiveSessions)
	assert.GreaterOrEqual(t, pong.UptimeSeconds, 0.0)
}

func TestAuthHandshake(t *testing.T) {
	f := newFixture(t)
	c := f.registry.Register()

	raw, _ := json.Marshal(&protocol.Message{Type: protocol.TypeAuthRequest, Payload: &protocol.AuthRequestPayload{
		ClientID:   c.ID,
		ClientType: protocol.ClientTypeDashboard,
		Token:      "token",
	}})
	f.router.HandleInbound(context.Background(), c, raw)

	msg := recv(t, c)
	require.Equal(t, protocol.TypeAuthResponse, msg.Type)
	resp := msg.Payload.(*protocol.AuthResponsePayload)
	assert.True(t, resp.Success)
	assert.Equal(t, c.ID, resp.ClientID)
	assert.Contains(t, resp.Capabilities, "subscribe")
	assert.True(t, c.Authenticated)
}

func TestAuthHandshakeRejectsBadToken(t *testing.T) {
	f := newFixture(t)
	c := f.registry.Register()

	raw, _ := json.Marshal(&protocol.Message{Type: protocol.TypeAuthRequest, Payload: &protocol.AuthRequestPayload{
		ClientID:   c.ID,
		ClientType: protocol.ClientTypeAdmin,
		Token:      "wrong",
	}})
	f.router.HandleInbound(context.Background(), c, raw)

	msg := recv(t, c)
	require.Equal(t, protocol.TypeAuthResponse, msg.Type)
	resp := msg.Payload.(*protocol.AuthResponsePayload)
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Error)
	assert.False(t, c.Authenticated)
}

func TestSubscribedClientReceivesMatchingEvents(t *testing.T) {
	f := newFixture(t)
	dashboard := f.authedClient(t, protocol.ClientTypeDashboard)
	toolWatcher := f.authedClient(t, protocol.ClientTypeMonitor)

	f.router.HandleInbound(context.Background(), dashboard, []byte(`{"type":"subscribe","payload":{"events":["message:*"]}}`))
	f.router.HandleInbound(context.Background(), toolWatcher, []byte(`{"type":"subscribe","payload":{"events":["tool:*"]}}`))

	f.bus.Emit(string(protocol.TypeMessageReceived), &protocol.MessageReceivedPayload{
		SessionID: testSessionID,
		MessageID: testMessageID,
		Channel:   "telegram",
		SenderID:  "u1",
		Content:   "hello",
		Timestamp: testTimestamp,
	})

	msg := recv(t, dashboard)
	require.Equal(t, protocol.TypeMessageReceived, msg.Type)
	assert.Equal(t, "hello", msg.Payload.(*protocol.MessageReceivedPayload).Content)
	assertSilent(t, toolWatcher)
}

func TestSessionEventsAreForwarded(t *testing.T) {
	f := newFixture(t)
	watcher := f.authedClient(t, protocol.ClientTypeMonitor)
	f.router.HandleInbound(context.Background(), watcher, []byte(`{"type":"subscribe","payload":{"events":["session:*"]}}`))

	s, _ := f.sessions.GetOrCreate("telegram", "u1", "")
	msg := recv(t, watcher)
	require.Equal(t, protocol.TypeSessionStart, msg.Type)
	assert.Equal(t, s.ID, msg.Payload.(*protocol.SessionStartPayload).SessionID)

	f.sessions.Close(s.ID, session.ReasonCapacity)
	msg = recv(t, watcher)
	require.Equal(t, protocol.TypeSessionEnd, msg.Type)
	// Capacity is not a wire reason; it is mapped onto error.
	assert.Equal(t, protocol.EndReasonError, msg.Payload.(*protocol.SessionEndPayload).Reason)
}

func TestInboundMessagesTouchSessionState(t *testing.T) {
	f := newFixture(t)
	channel := f.authedClient(t, protocol.ClientTypeChannel)

	s, _ := f.sessions.GetOrCreate("telegram", "u1", "")

	raw := fmt.Sprintf(`{"type":"message:received","payload":{"sessionId":%q,"messageId":%q,"channel":"telegram","senderId":"u1","content":"hi","timestamp":%q}}`,
		s.ID, testMessageID, testTimestamp)
	f.router.HandleInbound(context.Background(), channel, []byte(raw))

	got, ok := f.sessions.Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, 1, got.Stats.InboundCount)
	assert.Equal(t, testMessageID, got.Context.LastMessageID)

	raw = fmt.Sprintf(`{"type":"tool:start","payload":{"sessionId":%q,"toolCallId":%q,"toolName":"web.search","timestamp":%q}}`,
		s.ID, testToolID, testTimestamp)
	f.router.HandleInbound(context.Background(), channel, []byte(raw))

	got, _ = f.sessions.Get(s.ID)
	assert.Equal(t, []string{testToolID}, got.Context.ActiveTools)

	raw = fmt.Sprintf(`{"type":"tool:end","payload":{"sessionId":%q,"toolCallId":%q,"success":true,"timestamp":%q}}`,
		s.ID, testToolID, testTimestamp)
	f.router.HandleInbound(context.Background(), channel, []byte(raw))

	got, _ = f.sessions.Get(s.ID)
	assert.Empty(t, got.Context.ActiveTools)
	assert.Equal(t, 1, got.Stats.ToolExecutions)
}

func TestUnauthenticatedPublishRejected(t *testing.T) {
	f := newFixture(t)
	c := f.registry.Register()

	raw := fmt.Sprintf(`{"type":"channel:status","payload":{"channel":"telegram","status":"connected","timestamp":%q}}`, testTimestamp)
	f.router.HandleInbound(context.Background(), c, []byte(raw))

	msg := recv(t, c)
	require.Equal(t, protocol.TypeError, msg.Type)
	assert.Equal(t, protocol.ErrorCodeUnauthorized, msg.Payload.(*protocol.ErrorPayload).Code)
}

func TestChannelListAnswersFromStatusRoster(t *testing.T) {
	f := newFixture(t)
	channel := f.authedClient(t, protocol.ClientTypeChannel)

	raw := fmt.Sprintf(`{"type":"channel:status","payload":{"channel":"telegram","status":"connected","timestamp":%q}}`, testTimestamp)
	f.router.HandleInbound(context.Background(), channel, []byte(raw))
	raw = fmt.Sprintf(`{"type":"channel:status","payload":{"channel":"discord","status":"error","detail":"rate limited","timestamp":%q}}`, testTimestamp)
	f.router.HandleInbound(context.Background(), channel, []byte(raw))

	f.router.HandleInbound(context.Background(), channel, []byte(`{"type":"channel:list","payload":{}}`))
	msg := recv(t, channel)
	require.Equal(t, protocol.TypeChannelListResponse, msg.Type)

	roster := msg.Payload.(*protocol.ChannelListResponsePayload)
	assert.ElementsMatch(t, []protocol.ChannelInfo{
		{Name: "telegram", Status: protocol.ChannelConnected},
		{Name: "discord", Status: protocol.ChannelError},
	}, roster.Channels)
}

func TestSessionStartMessageCreatesSession(t *testing.T) {
	f := newFixture(t)
	channel := f.authedClient(t, protocol.ClientTypeChannel)

	raw := fmt.Sprintf(`{"type":"session:start","payload":{"sessionId":%q,"channel":"telegram","senderId":"u9","timestamp":%q}}`,
		testSessionID, testTimestamp)
	f.router.HandleInbound(context.Background(), channel, []byte(raw))

	assert.Equal(t, 1, f.sessions.ActiveCount())
}
