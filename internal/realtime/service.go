// Package realtime composes the connection client, rate limiter, typing
// tracker and sync coordinator into the single surface the rest of the
// application talks to: typed inbound event routing in, outbound intents
// out, and a read-model snapshot for the UI.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c-pro/geche"
	"github.com/google/uuid"

	"utalk/internal/bus"
	"utalk/internal/cache"
	"utalk/internal/clock"
	"utalk/internal/history"
	"utalk/internal/models"
	"utalk/internal/ratelimit"
	"utalk/internal/syncstate"
	"utalk/internal/typing"
)

var (
	// ErrThrottled means the local rate limiter denied the intent; the
	// caller owns the retry, the intent is never silently dropped.
	ErrThrottled = errors.New("rate limited, retry later")
	// ErrNotConnected means the intent could not go out on the wire.
	ErrNotConnected = errors.New("not connected")
)

// Conn is the slice of the connection client the service depends on.
type Conn interface {
	Connect(ctx context.Context, bearer string) error
	Disconnect()
	Emit(event string, payload any) bool
	On(event string, handler func(json.RawMessage))
	Off(event string)
	OnStatus(fn func(models.ConnStatus, error))
	Status() models.ConnStatus
	Err() error
	UserID() string
	UpdateToken(bearer string)
	NoteServerError(msg string)
}

type Options struct {
	Log      *slog.Logger
	Clock    clock.Clock
	Conn     Conn
	Bus      *bus.Bus
	Limiter  *ratelimit.Limiter
	Strategy syncstate.Strategy

	// Cache is the optional offline store; nil disables it.
	Cache *cache.Store

	TypingTTL     time.Duration
	SweepInterval time.Duration
	HistorySize   int
	// DedupTTL bounds how long inbound message ids are remembered to
	// suppress replays after reconnect.
	DedupTTL time.Duration
}

type Service struct {
	log     *slog.Logger
	clk     clock.Clock
	conn    Conn
	bus     *bus.Bus
	limiter *ratelimit.Limiter
	typing  *typing.Tracker
	sync    *syncstate.Coordinator
	history *history.Store
	cache   *cache.Store
	seen    geche.Geche[string, struct{}]

	sweepInterval time.Duration

	mu            sync.Mutex
	joined        map[string]struct{}
	online        map[string]struct{}
	pings         map[string]time.Time
	rtt           time.Duration
	shutdown      bool
	prevStatus    models.ConnStatus
	everConnected bool
}

// Snapshot is the read model published to the UI. It is a copy; the UI
// never holds references into live state.
type Snapshot struct {
	Status  models.ConnStatus
	Err     string
	Joined  []string
	Online  []string
	Typing  map[string][]string
	Sync    syncstate.Status
	RTT     time.Duration
}

func New(ctx context.Context, opts Options) *Service {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	if opts.Bus == nil {
		opts.Bus = bus.New()
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = ratelimit.New(clk, ratelimit.DefaultRule)
		// Sync requests are latency sensitive; give them explicit spacing.
		limiter.SetRule(models.EventSyncState, ratelimit.Rule{
			MaxRequests: 5,
			Window:      time.Second,
			MinInterval: 500 * time.Millisecond,
		})
	}
	dedupTTL := opts.DedupTTL
	if dedupTTL <= 0 {
		dedupTTL = time.Minute
	}
	sweep := opts.SweepInterval
	if sweep <= 0 {
		sweep = typing.DefaultSweepInterval
	}

	s := &Service{
		log:           log,
		clk:           clk,
		conn:          opts.Conn,
		bus:           opts.Bus,
		limiter:       limiter,
		history:       history.NewStore(opts.HistorySize),
		cache:         opts.Cache,
		seen:          geche.NewMapTTLCache[string, struct{}](ctx, dedupTTL, dedupTTL),
		sweepInterval: sweep,
		joined:        make(map[string]struct{}),
		online:        make(map[string]struct{}),
		pings:         make(map[string]time.Time),
	}
	s.typing = typing.NewTracker(clk, opts.TypingTTL, s.publishState)
	s.sync = syncstate.NewCoordinator(clk, opts.Conn, limiter, opts.Strategy, log)

	s.bindEvents()
	s.bindSession(ctx)
	opts.Conn.OnStatus(s.handleStatus)
	return s
}

// handleStatus watches connection transitions. Every freshly established
// transport, the first one and every background reconnect alike, gets a
// clean throttle budget and a state snapshot request; the server may have
// moved on while the old transport was dead.
func (s *Service) handleStatus(st models.ConnStatus, _ error) {
	s.mu.Lock()
	prev := s.prevStatus
	s.prevStatus = st
	first := !s.everConnected
	if st == models.ConnStatusConnected {
		s.everConnected = true
	}
	s.mu.Unlock()

	if st != models.ConnStatusConnected || prev == models.ConnStatusConnected {
		return
	}

	s.limiter.Reset()
	reason := "reconnect"
	if first {
		reason = "initial-connect"
	}
	s.sync.RequestSync(reason)
}

// Start launches the typing sweeper. Stop must be called on teardown.
func (s *Service) Start() {
	s.typing.Start(s.sweepInterval)
}

// Stop tears the service down: sweeper halted, transport released.
func (s *Service) Stop() {
	s.typing.Stop()
	s.conn.Disconnect()
}

// bindSession subscribes to the auth lifecycle signals that drive the
// connection: login supplies the first token, refresh rotates it.
func (s *Service) bindSession(ctx context.Context) {
	s.bus.SubscribeLogin(func(e bus.LoginSucceeded) {
		go func() {
			// The status hook takes over from here: limiter reset and the
			// initial sync request fire on the connected transition.
			if err := s.conn.Connect(ctx, e.Token); err != nil {
				s.log.Error("connect after login failed", "error", err)
			}
		}()
	})

	s.bus.SubscribeTokenRefresh(func(e bus.TokenRefreshed) {
		s.conn.UpdateToken(e.Token)
		if s.conn.Status() == models.ConnStatusDisconnected {
			go func() {
				if err := s.conn.Connect(ctx, e.Token); err != nil {
					s.log.Error("connect after token refresh failed", "error", err)
				}
			}()
		}
	})
}

func (s *Service) bindEvents() {
	bind(s, models.EventNewMessage, func(ev *models.NewMessageEvent) {
		s.handleNewMessage(ev.Message)
	})
	bind(s, models.EventMessageSent, func(ev *models.MessageSentEvent) {
		s.log.Debug("message acknowledged",
			"conversation_id", ev.ConversationID, "message_id", ev.MessageID)
	})
	bind(s, models.EventConversationJoined, func(ev *models.ConversationJoinedEvent) {
		if ev.ConversationID == "" {
			return
		}
		s.mu.Lock()
		s.joined[ev.ConversationID] = struct{}{}
		s.mu.Unlock()
		s.publishState()
	})
	bind(s, models.EventConversationLeft, func(ev *models.ConversationLeftEvent) {
		if ev.ConversationID == "" {
			return
		}
		s.mu.Lock()
		delete(s.joined, ev.ConversationID)
		s.mu.Unlock()
		s.publishState()
	})
	bind(s, models.EventTyping, func(ev *models.TypingEvent) {
		s.typing.SetTyping(ev.ConversationID, ev.UserID)
	})
	bind(s, models.EventTypingStop, func(ev *models.TypingStopEvent) {
		s.typing.ClearTyping(ev.ConversationID, ev.UserID)
	})
	bind(s, models.EventUserOnline, func(ev *models.UserOnlineEvent) {
		if ev.UserID == "" {
			return
		}
		s.mu.Lock()
		s.online[ev.UserID] = struct{}{}
		s.mu.Unlock()
		s.publishState()
	})
	bind(s, models.EventUserOffline, func(ev *models.UserOfflineEvent) {
		if ev.UserID == "" {
			return
		}
		s.mu.Lock()
		delete(s.online, ev.UserID)
		s.mu.Unlock()
		s.publishState()
	})
	bind(s, models.EventConversationEvent, func(ev *models.ConversationUpdateEvent) {
		s.log.Debug("conversation event",
			"conversation_id", ev.ConversationID, "kind", ev.Kind)
	})
	bind(s, models.EventServerShutdown, func(ev *models.ServerShutdownEvent) {
		s.log.Warn("server shutting down", "reason", ev.Reason)
		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
	})
	bind(s, models.EventStateSynced, func(ev *models.StateSyncedEvent) {
		snap := syncstate.Snapshot{
			Version:   ev.Version,
			Data:      ev.Data,
			Timestamp: ev.Timestamp,
		}
		s.sync.ApplySnapshot(snap)
		if s.cache != nil {
			if err := s.cache.PutSnapshot(snap); err != nil {
				s.log.Error("snapshot cache write failed", "error", err)
			}
		}
		s.publishState()
	})
	bind(s, models.EventSyncRequired, func(ev *models.SyncRequiredEvent) {
		reason := ev.Reason
		if reason == "" {
			reason = "server-requested"
		}
		s.sync.RequestSync(reason)
	})
	bind(s, models.EventSyncError, func(ev *models.SyncErrorEvent) {
		s.sync.NoteSyncError(ev.Message)
		s.publishState()
	})
	bind(s, models.EventError, func(ev *models.ServerErrorEvent) {
		s.log.Warn("server error", "message", ev.Message, "code", ev.Code)
		s.conn.NoteServerError(ev.Message)
	})
	bind(s, models.EventTestResponse, func(ev *models.TestResponseEvent) {
		s.mu.Lock()
		if sent, ok := s.pings[ev.ID]; ok {
			delete(s.pings, ev.ID)
			s.rtt = s.clk.Now().Sub(sent)
		}
		s.mu.Unlock()
	})
}

// bind attaches a typed handler behind the shared ParseServerEvent decode
// boundary: a malformed payload degrades that single event, never the
// router.
func bind[T models.ServerEvent](s *Service, event string, h func(*T)) {
	s.conn.On(event, func(data json.RawMessage) {
		ev, err := models.ParseServerEvent(event, data)
		if err != nil {
			s.log.Warn("event payload dropped", "event", event, "error", err)
			return
		}
		typed, ok := any(ev).(*T)
		if !ok {
			s.log.Warn("event payload has unexpected type", "event", event)
			return
		}
		h(typed)
	})
}

func (s *Service) handleNewMessage(msg models.Message) {
	if msg.ConversationID == "" {
		s.log.Debug("message without conversation id dropped")
		return
	}
	if msg.ID != "" {
		if _, err := s.seen.Get(msg.ID); err == nil {
			return // replay after reconnect
		}
		s.seen.Set(msg.ID, struct{}{})
	}

	rec := history.Record{
		Timestamp: msg.Timestamp,
		MessageID: msg.ID,
		SenderID:  msg.SenderID,
		Content:   msg.Content,
	}
	rec.Seq = s.history.Append(msg.ConversationID, rec)
	if s.cache != nil {
		if err := s.cache.AppendMessage(msg.ConversationID, rec); err != nil {
			s.log.Error("message cache write failed", "error", err)
		}
	}

	s.bus.PublishMessage(bus.MessageReceived{Message: msg})
}

// JoinConversation adds the conversation to the joined set optimistically
// and idempotently; the wire emit still happens on repeat joins unless
// rate-limited. Returns whether the event went out.
func (s *Service) JoinConversation(conversationID string) bool {
	if conversationID == "" {
		return false
	}
	s.mu.Lock()
	s.joined[conversationID] = struct{}{}
	s.mu.Unlock()
	s.publishState()

	if !s.limiter.Admit(models.EventJoinConversation) {
		s.log.Debug("join throttled", "conversation_id", conversationID)
		return false
	}
	return s.conn.Emit(models.EventJoinConversation,
		models.JoinConversationPayload{ConversationID: conversationID})
}

// LeaveConversation removes the id from local state unconditionally, even
// when the emit fails; leaving is optimistic.
func (s *Service) LeaveConversation(conversationID string) bool {
	if conversationID == "" {
		return false
	}
	s.mu.Lock()
	delete(s.joined, conversationID)
	s.mu.Unlock()
	s.publishState()

	if !s.limiter.Admit(models.EventLeaveConversation) {
		return false
	}
	return s.conn.Emit(models.EventLeaveConversation,
		models.LeaveConversationPayload{ConversationID: conversationID})
}

// StartTyping records the local user as typing and notifies the server.
func (s *Service) StartTyping(conversationID string) bool {
	if uid := s.conn.UserID(); uid != "" {
		s.typing.SetTyping(conversationID, uid)
	}
	if !s.limiter.Admit(models.EventTyping) {
		return false
	}
	return s.conn.Emit(models.EventTyping,
		models.TypingPayload{ConversationID: conversationID})
}

func (s *Service) StopTyping(conversationID string) bool {
	if uid := s.conn.UserID(); uid != "" {
		s.typing.ClearTyping(conversationID, uid)
	}
	if !s.limiter.Admit(models.EventTypingStop) {
		return false
	}
	return s.conn.Emit(models.EventTypingStop,
		models.TypingPayload{ConversationID: conversationID})
}

// SendMessage forwards a message intent. Unlike the fire-and-forget
// intents, a denied send surfaces as an error the caller must handle; user
// content is never dropped silently.
func (s *Service) SendMessage(conversationID, content, msgType string, metadata map[string]any) error {
	if !s.limiter.Admit(models.EventNewMessage) {
		return ErrThrottled
	}
	if msgType == "" {
		msgType = "text"
	}
	ok := s.conn.Emit(models.EventNewMessage, models.SendMessagePayload{
		ConversationID: conversationID,
		Content:        content,
		Type:           msgType,
		Metadata:       metadata,
	})
	if !ok {
		return ErrNotConnected
	}
	return nil
}

func (s *Service) MarkMessagesAsRead(conversationID string, messageIDs []string) bool {
	if len(messageIDs) == 0 {
		return false
	}
	if !s.limiter.Admit(models.EventMessageRead) {
		return false
	}
	return s.conn.Emit(models.EventMessageRead, models.MessageReadPayload{
		ConversationID: conversationID,
		MessageIDs:     messageIDs,
	})
}

func (s *Service) ChangeUserStatus(status models.PresenceStatus) bool {
	if !s.limiter.Admit(models.EventUserStatusChange) {
		return false
	}
	return s.conn.Emit(models.EventUserStatusChange,
		models.UserStatusChangePayload{Status: status})
}

// SyncState requests reconciliation with the server snapshot.
func (s *Service) SyncState(reason string) bool {
	return s.sync.RequestSync(reason)
}

// PublishLocalChanges records an optimistic local mutation and triggers a
// sync request.
func (s *Service) PublishLocalChanges(changes map[string]any) {
	s.sync.PublishLocalChanges(changes)
	s.publishState()
}

// Ping sends a latency probe; the answering test-response updates the RTT
// in the snapshot.
func (s *Service) Ping() bool {
	if !s.limiter.Admit(models.EventPing) {
		return false
	}
	id := uuid.NewString()
	now := s.clk.Now()
	s.mu.Lock()
	s.pings[id] = now
	s.mu.Unlock()

	ok := s.conn.Emit(models.EventPing, models.PingPayload{
		ID:        id,
		Timestamp: now.Unix(),
	})
	if !ok {
		s.mu.Lock()
		delete(s.pings, id)
		s.mu.Unlock()
	}
	return ok
}

// History returns up to count most recent messages for a conversation from
// the in-memory ring.
func (s *Service) History(conversationID string, count int) []history.Record {
	return s.history.Last(conversationID, count)
}

// CachedHistory reads the offline store, for fallback mode. Empty when no
// cache is configured.
func (s *Service) CachedHistory(conversationID string, count int) []history.Record {
	if s.cache == nil {
		return nil
	}
	recs, err := s.cache.RecentMessages(conversationID, count)
	if err != nil {
		s.log.Error("cache read failed", "error", err)
		return nil
	}
	return recs
}

// TypingUsers returns who is currently typing in a conversation.
func (s *Service) TypingUsers(conversationID string) []string {
	return s.typing.Users(conversationID)
}

// Joined reports whether a conversation is in the joined set.
func (s *Service) Joined(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.joined[conversationID]
	return ok
}

// StatusAttribute is the stable machine-readable connection state string
// external tooling asserts on without reaching into internals.
func (s *Service) StatusAttribute() string {
	return string(s.conn.Status())
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	joined := make([]string, 0, len(s.joined))
	for id := range s.joined {
		joined = append(joined, id)
	}
	online := make([]string, 0, len(s.online))
	for id := range s.online {
		online = append(online, id)
	}
	rtt := s.rtt
	s.mu.Unlock()
	sort.Strings(joined)
	sort.Strings(online)

	errMsg := ""
	if err := s.conn.Err(); err != nil {
		errMsg = err.Error()
	}

	return Snapshot{
		Status: s.conn.Status(),
		Err:    errMsg,
		Joined: joined,
		Online: online,
		Typing: s.typing.View(),
		Sync:   s.sync.Status(),
		RTT:    rtt,
	}
}

// publishState pushes a state-changed signal so subscribers re-read the
// snapshot. Connection status transitions arrive separately through the
// ws client's OnStatusChange hook wired in main.
func (s *Service) publishState() {
	st := s.conn.Status()
	errMsg := ""
	if err := s.conn.Err(); err != nil {
		errMsg = err.Error()
	}
	s.bus.PublishStateChanged(bus.StateChanged{Status: st, Err: errMsg})
}
