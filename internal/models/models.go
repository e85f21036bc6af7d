package models

import (
	"encoding/json"
	"errors"
)

var (
	ErrNotFound = errors.New("not found")
)

// ConnStatus is the connection lifecycle state exposed to the UI.
type ConnStatus string

const (
	ConnStatusDisconnected ConnStatus = "disconnected"
	ConnStatusConnecting   ConnStatus = "connecting"
	ConnStatusConnected    ConnStatus = "connected"
	// ConnStatusFallback means realtime could not be established within the
	// allotted time or retries; the application keeps working without it.
	ConnStatusFallback ConnStatus = "fallback"
)

// PresenceStatus is a user-selected availability state.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceBusy    PresenceStatus = "busy"
	PresenceOffline PresenceStatus = "offline"
)

// Message is a chat message as delivered by the server.
type Message struct {
	ID             string         `json:"id,omitempty"`
	ConversationID string         `json:"conversationId"`
	SenderID       string         `json:"senderId,omitempty"`
	Content        string         `json:"content"`
	Type           string         `json:"type,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Timestamp      int64          `json:"timestamp,omitempty"` // Unix timestamp (seconds)
}

// Envelope is the wire format for every event in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}
