package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Ari-OS/ARI-sub004/internal/bus"
	"github.com/Ari-OS/ARI-sub004/internal/config"
	"github.com/Ari-OS/ARI-sub004/internal/metrics"
)

func testConfig() *config.Config {
	return &config.Config{
		IdleTimeout:          time.Minute,
		SuspendTimeout:       time.Minute,
		CloseTimeout:         time.Minute,
		SweepInterval:        50 * time.Millisecond,
		MaxSessionsPerSender: 2,
		MaxTotalSessions:     5,
	}
}

func newTestManager(t *testing.T, cfg *config.Config) (*Manager, *bus.Bus) {
	t.Helper()
	b := bus.New()
	m := NewManager(NewStore(nil), b, nil, cfg)
	return m, b
}

// advance shifts the manager's clock forward without sleeping.
func advance(m *Manager, d time.Duration) {
	base := m.now()
	m.now = func() time.Time { return base.Add(d) }
}

func TestManagerGaugeCountsRestoredSessions(t *testing.T) {
	st := NewStore(nil)
	st.Put(testSession("r1", "u1", StatusActive))
	st.Put(testSession("r2", "u2", StatusIdle))
	st.Put(testSession("r3", "u3", StatusClosed))

	// The gauge reflects pre-existing open records as soon as the manager
	// takes ownership, not only after the next create or close.
	NewManager(st, bus.New(), nil, testConfig())
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.SessionsActive))
}

func TestGetOrCreateResumesSameSession(t *testing.T) {
	m, _ := newTestManager(t, testConfig())

	first, created := m.GetOrCreate("telegram", "u1", "")
	require.True(t, created)

	advance(m, time.Second)
	second, created := m.GetOrCreate("telegram", "u1", "")
	require.False(t, created)

	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.LastActivity.After(first.LastActivity))
}

func TestGetOrCreateDistinguishesTriples(t *testing.T) {
	m, _ := newTestManager(t, testConfig())

	a, _ := m.GetOrCreate("telegram", "u1", "")
	b, _ := m.GetOrCreate("telegram", "u1", "g1")
	c, _ := m.GetOrCreate("discord", "u1", "")

	assert.NotEqual(t, a.ID, b.ID)
	assert.NotEqual(t, a.ID, c.ID)
}

func TestNewSessionShape(t *testing.T) {
	m, b := newTestManager(t, testConfig())

	var started []*StartedEvent
	b.On(EventSessionStarted, func(p any) { started = append(started, p.(*StartedEvent)) })

	s, created := m.GetOrCreate("telegram", "u1", "", WithTrustLevel(TrustVerified), WithName("ops"))
	require.True(t, created)

	assert.Equal(t, StatusActive, s.Status)
	assert.Equal(t, TrustVerified, s.TrustLevel)
	assert.Equal(t, "ops", s.Metadata.Name)
	assert.Equal(t, Stats{}, s.Stats)
	assert.Contains(t, s.MemoryPartition, s.ID)
	require.Len(t, started, 1)
	assert.Equal(t, s.ID, started[0].Session.ID)
}

func TestLifecycleSweepWalksStatesInOrder(t *testing.T) {
	m, b := newTestManager(t, testConfig())

	var ended []*EndedEvent
	b.On(EventSessionEnded, func(p any) { ended = append(ended, p.(*EndedEvent)) })

	s, _ := m.GetOrCreate("telegram", "u1", "")

	seen := []Status{s.Status}
	total := testConfig().IdleTimeout + testConfig().SuspendTimeout + testConfig().CloseTimeout
	steps := int((total + 2*time.Minute) / (30 * time.Second))
	for i := 0; i < steps; i++ {
		advance(m, 30*time.Second)
		m.Sweep()
		got, ok := m.Get(s.ID)
		require.True(t, ok)
		if len(seen) == 0 || seen[len(seen)-1] != got.Status {
			seen = append(seen, got.Status)
		}
	}

	assert.Equal(t, []Status{StatusActive, StatusIdle, StatusSuspended, StatusClosed}, seen)
	require.Len(t, ended, 1)
	assert.Equal(t, ReasonTimeout, ended[0].Reason)

	// Extra sweeps must not emit a second ended event.
	m.Sweep()
	assert.Len(t, ended, 1)
}

func TestTouchResumesIdleSession(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	s, _ := m.GetOrCreate("telegram", "u1", "")

	advance(m, 2*time.Minute)
	m.Sweep()
	got, _ := m.Get(s.ID)
	require.Equal(t, StatusIdle, got.Status)

	require.True(t, m.Touch(s.ID))
	got, _ = m.Get(s.ID)
	assert.Equal(t, StatusActive, got.Status)
}

func TestClosedSessionGetsFreshID(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	s, _ := m.GetOrCreate("telegram", "u1", "")

	require.True(t, m.Close(s.ID, ReasonUserDisconnect))
	assert.False(t, m.Touch(s.ID), "closed sessions must not be touchable")

	replacement, created := m.GetOrCreate("telegram", "u1", "")
	assert.True(t, created)
	assert.NotEqual(t, s.ID, replacement.ID)
}

func TestPerSenderEvictionClosesOldest(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSessionsPerSender = 2
	m, b := newTestManager(t, cfg)

	var ended []*EndedEvent
	b.On(EventSessionEnded, func(p any) { ended = append(ended, p.(*EndedEvent)) })

	first, _ := m.GetOrCreate("telegram", "u1", "a")
	advance(m, time.Second)
	m.GetOrCreate("telegram", "u1", "b")
	advance(m, 2*time.Second)
	m.GetOrCreate("telegram", "u1", "c")

	require.Len(t, ended, 1)
	assert.Equal(t, first.ID, ended[0].Session.ID)
	assert.Equal(t, ReasonCapacity, ended[0].Reason)

	open := 0
	for _, s := range m.List() {
		if s.SenderID == "u1" && s.Status != StatusClosed {
			open++
		}
	}
	assert.Equal(t, 2, open)
}

func TestGlobalEvictionClosesOldest(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSessionsPerSender = 10
	cfg.MaxTotalSessions = 3
	m, b := newTestManager(t, cfg)

	var ended []*EndedEvent
	b.On(EventSessionEnded, func(p any) { ended = append(ended, p.(*EndedEvent)) })

	oldest, _ := m.GetOrCreate("telegram", "u1", "")
	advance(m, time.Second)
	m.GetOrCreate("telegram", "u2", "")
	advance(m, 2*time.Second)
	m.GetOrCreate("telegram", "u3", "")
	advance(m, 3*time.Second)
	m.GetOrCreate("telegram", "u4", "")

	require.Len(t, ended, 1)
	assert.Equal(t, oldest.ID, ended[0].Session.ID)
	assert.Equal(t, 3, m.ActiveCount())
}

func TestMessageStats(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	s, _ := m.GetOrCreate("telegram", "u1", "")

	_, ok := m.RecordInbound(s.ID, "m1")
	require.True(t, ok)
	got, ok := m.RecordOutbound(s.ID, "m2")
	require.True(t, ok)

	assert.Equal(t, 2, got.Stats.MessageCount)
	assert.Equal(t, 1, got.Stats.InboundCount)
	assert.Equal(t, 1, got.Stats.OutboundCount)
	assert.Equal(t, "m2", got.Context.LastMessageID)
}

func TestToolTracking(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	s, _ := m.GetOrCreate("telegram", "u1", "")

	got, _ := m.RecordToolStart(s.ID, "t1")
	assert.Equal(t, []string{"t1"}, got.Context.ActiveTools)

	// Starting the same tool twice does not duplicate it.
	got, _ = m.RecordToolStart(s.ID, "t1")
	assert.Equal(t, []string{"t1"}, got.Context.ActiveTools)

	got, _ = m.RecordToolEnd(s.ID, "t1")
	assert.Empty(t, got.Context.ActiveTools)
	assert.Equal(t, 1, got.Stats.ToolExecutions)

	// Ending an unknown tool still counts the execution.
	got, _ = m.RecordToolEnd(s.ID, "never-started")
	assert.Equal(t, 2, got.Stats.ToolExecutions)
}

func TestMetadataEditsAreNotActivity(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	s, _ := m.GetOrCreate("telegram", "u1", "")

	advance(m, time.Second)
	got, ok := m.AddTag(s.ID, "vip")
	require.True(t, ok)
	assert.Equal(t, s.LastActivity, got.LastActivity)

	got, _ = m.SetName(s.ID, "renamed")
	assert.Equal(t, s.LastActivity, got.LastActivity)

	got, _ = m.SetCustom(s.ID, "origin", "test")
	assert.Equal(t, s.LastActivity, got.LastActivity)

	// Context edits are activity.
	got, _ = m.SetSummary(s.ID, "talked about the weather")
	assert.True(t, got.LastActivity.After(s.LastActivity))
}

func TestTagsStayUniqueAndOrdered(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	s, _ := m.GetOrCreate("telegram", "u1", "")

	m.AddTag(s.ID, "a")
	m.AddTag(s.ID, "b")
	m.AddTag(s.ID, "a")
	got, _ := m.Get(s.ID)
	assert.Equal(t, []string{"a", "b"}, got.Metadata.Tags)

	m.RemoveTag(s.ID, "a")
	got, _ = m.Get(s.ID)
	assert.Equal(t, []string{"b"}, got.Metadata.Tags)
}

func TestUnknownIDReturnsSentinels(t *testing.T) {
	m, _ := newTestManager(t, testConfig())

	_, ok := m.Get("nope")
	assert.False(t, ok)
	_, ok = m.RecordInbound("nope", "m1")
	assert.False(t, ok)
	_, ok = m.RecordToolEnd("nope", "t1")
	assert.False(t, ok)
	assert.False(t, m.Touch("nope"))
	assert.False(t, m.Close("nope", ReasonError))
	_, ok = m.SetSummary("nope", "s")
	assert.False(t, ok)
}

func TestSnapshotsAreIsolated(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	s, _ := m.GetOrCreate("telegram", "u1", "")

	s.Metadata.Name = "mutated copy"
	got, _ := m.Get(s.ID)
	assert.Empty(t, got.Metadata.Name)
}
