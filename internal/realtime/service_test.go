package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"utalk/internal/bus"
	"utalk/internal/clock"
	"utalk/internal/models"
	"utalk/internal/ratelimit"
)

type emitted struct {
	event   string
	payload any
}

type fakeConn struct {
	mu       sync.Mutex
	handlers map[string]func(json.RawMessage)
	hooks    []func(models.ConnStatus, error)
	emits    []emitted
	emitOK   bool
	status   models.ConnStatus
	userID   string
	connects int
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		handlers: make(map[string]func(json.RawMessage)),
		emitOK:   true,
		status:   models.ConnStatusConnected,
		userID:   "self",
	}
}

func (f *fakeConn) Connect(context.Context, string) error {
	f.mu.Lock()
	f.connects++
	f.mu.Unlock()
	f.fireStatus(models.ConnStatusConnecting)
	f.fireStatus(models.ConnStatusConnected)
	return nil
}

func (f *fakeConn) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = models.ConnStatusDisconnected
}

func (f *fakeConn) Emit(event string, payload any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emits = append(f.emits, emitted{event: event, payload: payload})
	return f.emitOK
}

func (f *fakeConn) On(event string, handler func(json.RawMessage)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = handler
}

func (f *fakeConn) Off(event string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, event)
}

func (f *fakeConn) OnStatus(fn func(models.ConnStatus, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks = append(f.hooks, fn)
}

// fireStatus records a transition and notifies observers, the way the real
// client does after releasing its lock.
func (f *fakeConn) fireStatus(st models.ConnStatus) {
	f.mu.Lock()
	f.status = st
	hooks := append([]func(models.ConnStatus, error){}, f.hooks...)
	f.mu.Unlock()
	for _, h := range hooks {
		h(st, nil)
	}
}

func (f *fakeConn) Status() models.ConnStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeConn) Err() error             { return nil }
func (f *fakeConn) UserID() string         { return f.userID }
func (f *fakeConn) UpdateToken(string)     {}
func (f *fakeConn) NoteServerError(string) {}

func (f *fakeConn) setEmitOK(ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitOK = ok
}

func (f *fakeConn) emitted() []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]emitted, len(f.emits))
	copy(out, f.emits)
	return out
}

func (f *fakeConn) emittedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, len(f.emits))
	for i, e := range f.emits {
		names[i] = e.event
	}
	return names
}

func (f *fakeConn) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

// fire delivers a raw inbound event the way the read loop would.
func (f *fakeConn) fire(t *testing.T, event, raw string) {
	t.Helper()
	f.mu.Lock()
	h := f.handlers[event]
	f.mu.Unlock()
	require.NotNil(t, h, "no handler bound for %q", event)
	h(json.RawMessage(raw))
}

func newTestService(t *testing.T) (*Service, *fakeConn, *clock.Fake, *bus.Bus) {
	t.Helper()
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	conn := newFakeConn()
	b := bus.New()
	s := New(context.Background(), Options{
		Log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock: clk,
		Conn:  conn,
		Bus:   b,
	})
	return s, conn, clk, b
}

func TestService_JoinConversationIdempotent(t *testing.T) {
	s, conn, _, _ := newTestService(t)

	assert.True(t, s.JoinConversation("c1"))
	assert.True(t, s.JoinConversation("c1"))
	assert.False(t, s.JoinConversation(""))

	assert.True(t, s.Joined("c1"))
	assert.Equal(t, []string{"c1"}, s.Snapshot().Joined, "repeat joins keep a single entry")

	names := conn.emittedNames()
	assert.Equal(t, []string{models.EventJoinConversation, models.EventJoinConversation}, names)
}

func TestService_JoinOptimisticWhenEmitFails(t *testing.T) {
	s, conn, _, _ := newTestService(t)
	conn.setEmitOK(false)

	assert.False(t, s.JoinConversation("c1"), "wire send failed")
	assert.True(t, s.Joined("c1"), "local state keeps the join regardless")
}

func TestService_LeaveConversationOptimistic(t *testing.T) {
	s, conn, _, _ := newTestService(t)

	require.True(t, s.JoinConversation("c1"))
	conn.setEmitOK(false)

	assert.False(t, s.LeaveConversation("c1"))
	assert.False(t, s.Joined("c1"), "leave clears local state even when the emit fails")
}

func TestService_ServerConfirmationsUpdateJoinedSet(t *testing.T) {
	s, conn, _, _ := newTestService(t)

	conn.fire(t, models.EventConversationJoined, `{"conversationId":"c7"}`)
	assert.True(t, s.Joined("c7"))

	conn.fire(t, models.EventConversationLeft, `{"conversationId":"c7"}`)
	assert.False(t, s.Joined("c7"))
}

func TestService_TypingExpires(t *testing.T) {
	s, conn, clk, _ := newTestService(t)

	conn.fire(t, models.EventTyping, `{"conversationId":"c1","userId":"u9"}`)
	assert.Equal(t, []string{"u9"}, s.TypingUsers("c1"))

	// Refresh before expiry keeps the entry alive.
	clk.Advance(3 * time.Second)
	conn.fire(t, models.EventTyping, `{"conversationId":"c1","userId":"u9"}`)
	clk.Advance(3 * time.Second)
	s.typing.Sweep()
	assert.Equal(t, []string{"u9"}, s.TypingUsers("c1"))

	clk.Advance(6 * time.Second)
	s.typing.Sweep()
	assert.Empty(t, s.TypingUsers("c1"), "typing entries expire without a stop event")
}

func TestService_TypingStopImmediate(t *testing.T) {
	s, conn, _, _ := newTestService(t)

	conn.fire(t, models.EventTyping, `{"conversationId":"c1","userId":"u9"}`)
	conn.fire(t, models.EventTypingStop, `{"conversationId":"c1","userId":"u9"}`)
	assert.Empty(t, s.TypingUsers("c1"))
}

func TestService_PresenceTracking(t *testing.T) {
	s, conn, _, _ := newTestService(t)

	conn.fire(t, models.EventUserOnline, `{"userId":"u1"}`)
	conn.fire(t, models.EventUserOnline, `{"userId":"u2"}`)
	conn.fire(t, models.EventUserOffline, `{"userId":"u1"}`)

	assert.Equal(t, []string{"u2"}, s.Snapshot().Online)
}

func TestService_SendMessageThrottled(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	conn := newFakeConn()
	limiter := ratelimit.New(clk, ratelimit.Rule{MaxRequests: 1, Window: time.Second})
	s := New(context.Background(), Options{
		Log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:   clk,
		Conn:    conn,
		Limiter: limiter,
	})

	require.NoError(t, s.SendMessage("c1", "first", "", nil))
	assert.ErrorIs(t, s.SendMessage("c1", "second", "", nil), ErrThrottled)

	// A fresh window admits again.
	clk.Advance(2 * time.Second)
	assert.NoError(t, s.SendMessage("c1", "third", "", nil))
}

func TestService_SendMessageNotConnected(t *testing.T) {
	s, conn, _, _ := newTestService(t)
	conn.setEmitOK(false)

	assert.ErrorIs(t, s.SendMessage("c1", "hello", "", nil), ErrNotConnected)
}

func TestService_SendMessageDefaultsType(t *testing.T) {
	s, conn, _, _ := newTestService(t)

	require.NoError(t, s.SendMessage("c1", "hello", "", nil))

	emits := conn.emitted()
	require.Len(t, emits, 1)
	payload, ok := emits[0].payload.(models.SendMessagePayload)
	require.True(t, ok)
	assert.Equal(t, "text", payload.Type)
}

func TestService_InboundMessageDedup(t *testing.T) {
	s, conn, _, b := newTestService(t)

	var mu sync.Mutex
	var received []models.Message
	b.SubscribeMessage(func(e bus.MessageReceived) {
		mu.Lock()
		received = append(received, e.Message)
		mu.Unlock()
	})

	raw := `{"id":"m1","conversationId":"c1","senderId":"u2","content":"hi"}`
	conn.fire(t, models.EventNewMessage, raw)
	conn.fire(t, models.EventNewMessage, raw)

	mu.Lock()
	assert.Len(t, received, 1, "replayed message id must be suppressed")
	mu.Unlock()
	assert.Len(t, s.History("c1", 10), 1)
}

func TestService_HistoryOrder(t *testing.T) {
	s, conn, _, _ := newTestService(t)

	for i := 0; i < 3; i++ {
		conn.fire(t, models.EventNewMessage,
			fmt.Sprintf(`{"id":"m%d","conversationId":"c1","content":"msg %d"}`, i, i))
	}

	recs := s.History("c1", 2)
	require.Len(t, recs, 2)
	assert.Equal(t, "msg 1", recs[0].Content)
	assert.Equal(t, "msg 2", recs[1].Content)
}

func TestService_MessageWithoutConversationDropped(t *testing.T) {
	_, conn, _, b := newTestService(t)

	var mu sync.Mutex
	count := 0
	b.SubscribeMessage(func(bus.MessageReceived) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	conn.fire(t, models.EventNewMessage, `{"id":"m1","content":"orphan"}`)

	mu.Lock()
	assert.Zero(t, count)
	mu.Unlock()
}

func TestService_MalformedPayloadDropped(t *testing.T) {
	s, conn, _, _ := newTestService(t)

	conn.fire(t, models.EventTyping, `{broken`)
	assert.Empty(t, s.TypingUsers("c1"), "malformed payload must not corrupt state")
}

func TestService_LoginTriggersConnectAndSync(t *testing.T) {
	_, conn, _, b := newTestService(t)

	b.PublishLogin(bus.LoginSucceeded{Token: "tok"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn.connectCount() == 1 && len(conn.emittedNames()) > 0 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	require.Equal(t, 1, conn.connectCount())
	names := conn.emittedNames()
	require.NotEmpty(t, names, "login must request an initial state sync")
	assert.Equal(t, models.EventSyncState, names[0])
}

func TestService_ReconnectResyncsAndResetsLimiter(t *testing.T) {
	s, conn, _, _ := newTestService(t)

	conn.fireStatus(models.ConnStatusConnecting)
	conn.fireStatus(models.ConnStatusConnected)

	// Exhaust an event budget on the live session.
	for s.limiter.Admit(models.EventTyping) {
	}

	// Transport drops and a background redial succeeds.
	conn.fireStatus(models.ConnStatusConnecting)
	conn.fireStatus(models.ConnStatusConnected)

	// A repeated connected signal is not a new transport.
	conn.fireStatus(models.ConnStatusConnected)

	var reasons []string
	for _, e := range conn.emitted() {
		if e.event == models.EventSyncState {
			payload, ok := e.payload.(models.SyncStatePayload)
			require.True(t, ok)
			reasons = append(reasons, payload.Reason)
		}
	}
	assert.Equal(t, []string{"initial-connect", "reconnect"}, reasons,
		"every fresh transport must request a state snapshot, exactly once")

	assert.True(t, s.limiter.Admit(models.EventTyping),
		"throttle counters from the dead session must not persist")
}

func TestService_SyncLifecycle(t *testing.T) {
	s, conn, _, _ := newTestService(t)

	conn.fire(t, models.EventStateSynced,
		`{"version":2,"data":{"theme":"dark"},"timestamp":"2024-01-01T00:00:00Z"}`)

	snap := s.Snapshot()
	assert.True(t, snap.Sync.IsSynced)
	assert.Equal(t, int64(2), snap.Sync.ServerVersion)

	conn.fire(t, models.EventSyncError, `{"message":"server busy"}`)
	snap = s.Snapshot()
	assert.False(t, snap.Sync.IsSynced)
	assert.Equal(t, "server busy", snap.Sync.LastError)
}

func TestService_SyncRequiredTriggersRequest(t *testing.T) {
	_, conn, _, _ := newTestService(t)

	conn.fire(t, models.EventSyncRequired, `{"reason":"version-drift"}`)

	names := conn.emittedNames()
	require.Len(t, names, 1)
	assert.Equal(t, models.EventSyncState, names[0])
}

func TestService_PingMeasuresRTT(t *testing.T) {
	s, conn, clk, _ := newTestService(t)

	require.True(t, s.Ping())

	emits := conn.emitted()
	require.Len(t, emits, 1)
	payload, ok := emits[0].payload.(models.PingPayload)
	require.True(t, ok)

	clk.Advance(250 * time.Millisecond)
	conn.fire(t, models.EventTestResponse, fmt.Sprintf(`{"id":"%s"}`, payload.ID))

	assert.Equal(t, 250*time.Millisecond, s.Snapshot().RTT)
}

func TestService_UnknownPingResponseIgnored(t *testing.T) {
	s, conn, _, _ := newTestService(t)

	conn.fire(t, models.EventTestResponse, `{"id":"never-sent"}`)
	assert.Zero(t, s.Snapshot().RTT)
}
