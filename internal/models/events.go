package models

import (
	"encoding/json"
	"fmt"
)

// Inbound (server -> client) event names.
const (
	EventNewMessage         = "new-message"
	EventMessageSent        = "message-sent"
	EventConversationJoined = "conversation-joined"
	EventConversationLeft   = "conversation-left"
	EventTyping             = "typing"
	EventTypingStop         = "typing-stop"
	EventUserOnline         = "user-online"
	EventUserOffline        = "user-offline"
	EventConversationEvent  = "conversation-event"
	EventServerShutdown     = "server-shutdown"
	EventStateSynced        = "state-synced"
	EventSyncRequired       = "sync-required"
	EventSyncError          = "sync-error"
	EventError              = "error"
	EventTestResponse       = "test-response"
)

// Outbound (client -> server) event names. "typing", "typing-stop" and
// "new-message" are shared with the inbound set above.
const (
	EventJoinConversation  = "join-conversation"
	EventLeaveConversation = "leave-conversation"
	EventMessageRead       = "message-read"
	EventUserStatusChange  = "user-status-change"
	EventSyncState         = "sync-state"
	EventPing              = "ping"
)

// ServerEvent is the closed union of decoded inbound events. Handlers
// downstream of the decode boundary receive narrowed, typed payloads.
type ServerEvent interface {
	serverEvent()
}

type NewMessageEvent struct {
	Message
}

type MessageSentEvent struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	Timestamp      int64  `json:"timestamp,omitempty"`
}

type ConversationJoinedEvent struct {
	ConversationID string `json:"conversationId"`
}

type ConversationLeftEvent struct {
	ConversationID string `json:"conversationId"`
}

type TypingEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

type TypingStopEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

type UserOnlineEvent struct {
	UserID string `json:"userId"`
}

type UserOfflineEvent struct {
	UserID string `json:"userId"`
}

type ConversationUpdateEvent struct {
	ConversationID string          `json:"conversationId"`
	Kind           string          `json:"kind"`
	Data           json.RawMessage `json:"data,omitempty"`
}

type ServerShutdownEvent struct {
	Reason string `json:"reason,omitempty"`
}

type StateSyncedEvent struct {
	Version   int64          `json:"version"`
	Data      map[string]any `json:"data"`
	Timestamp string         `json:"timestamp"`
}

type SyncRequiredEvent struct {
	Reason string `json:"reason,omitempty"`
}

type SyncErrorEvent struct {
	Message string `json:"message"`
}

type ServerErrorEvent struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type TestResponseEvent struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

func (NewMessageEvent) serverEvent()         {}
func (MessageSentEvent) serverEvent()        {}
func (ConversationJoinedEvent) serverEvent() {}
func (ConversationLeftEvent) serverEvent()   {}
func (TypingEvent) serverEvent()             {}
func (TypingStopEvent) serverEvent()         {}
func (UserOnlineEvent) serverEvent()         {}
func (UserOfflineEvent) serverEvent()        {}
func (ConversationUpdateEvent) serverEvent() {}
func (ServerShutdownEvent) serverEvent()     {}
func (StateSyncedEvent) serverEvent()        {}
func (SyncRequiredEvent) serverEvent()       {}
func (SyncErrorEvent) serverEvent()          {}
func (ServerErrorEvent) serverEvent()        {}
func (TestResponseEvent) serverEvent()       {}

// ErrUnknownEvent marks event names outside the known protocol set.
var ErrUnknownEvent = fmt.Errorf("unknown event")

// ParseServerEvent decodes an inbound envelope payload into its typed form.
// Missing optional fields decode to zero values; the caller is responsible
// for degrading gracefully when a required field is empty.
func ParseServerEvent(event string, data json.RawMessage) (ServerEvent, error) {
	var (
		ev  ServerEvent
		err error
	)

	decode := func(v ServerEvent) ServerEvent {
		if len(data) > 0 {
			err = json.Unmarshal(data, v)
		}
		return v
	}

	switch event {
	case EventNewMessage:
		ev = decode(&NewMessageEvent{})
	case EventMessageSent:
		ev = decode(&MessageSentEvent{})
	case EventConversationJoined:
		ev = decode(&ConversationJoinedEvent{})
	case EventConversationLeft:
		ev = decode(&ConversationLeftEvent{})
	case EventTyping:
		ev = decode(&TypingEvent{})
	case EventTypingStop:
		ev = decode(&TypingStopEvent{})
	case EventUserOnline:
		ev = decode(&UserOnlineEvent{})
	case EventUserOffline:
		ev = decode(&UserOfflineEvent{})
	case EventConversationEvent:
		ev = decode(&ConversationUpdateEvent{})
	case EventServerShutdown:
		ev = decode(&ServerShutdownEvent{})
	case EventStateSynced:
		ev = decode(&StateSyncedEvent{})
	case EventSyncRequired:
		ev = decode(&SyncRequiredEvent{})
	case EventSyncError:
		ev = decode(&SyncErrorEvent{})
	case EventError:
		ev = decode(&ServerErrorEvent{})
	case EventTestResponse:
		ev = decode(&TestResponseEvent{})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}

	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", event, err)
	}
	return ev, nil
}

// Outbound payloads.

type JoinConversationPayload struct {
	ConversationID string `json:"conversationId"`
	RoomID         string `json:"roomId"`
}

type LeaveConversationPayload struct {
	ConversationID string `json:"conversationId"`
	RoomID         string `json:"roomId"`
}

type TypingPayload struct {
	ConversationID string `json:"conversationId"`
}

type SendMessagePayload struct {
	ConversationID string         `json:"conversationId"`
	Content        string         `json:"content"`
	Type           string         `json:"type"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

type MessageReadPayload struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
}

type UserStatusChangePayload struct {
	Status PresenceStatus `json:"status"`
}

type SyncStatePayload struct {
	SyncID  string `json:"syncId"`
	Reason  string `json:"reason"`
	Version int64  `json:"version,omitempty"`
}

type PingPayload struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
}
