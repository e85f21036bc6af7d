package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseServerEvent_Typed(t *testing.T) {
	ev, err := ParseServerEvent(EventTyping,
		json.RawMessage(`{"conversationId":"c1","userId":"u9"}`))
	require.NoError(t, err)

	typed, ok := ev.(*TypingEvent)
	require.True(t, ok, "expected *TypingEvent, got %T", ev)
	assert.Equal(t, "c1", typed.ConversationID)
	assert.Equal(t, "u9", typed.UserID)
}

func TestParseServerEvent_Snapshot(t *testing.T) {
	ev, err := ParseServerEvent(EventStateSynced,
		json.RawMessage(`{"version":4,"data":{"k":"v"},"timestamp":"2024-01-01T00:00:00Z"}`))
	require.NoError(t, err)

	snap, ok := ev.(*StateSyncedEvent)
	require.True(t, ok)
	assert.Equal(t, int64(4), snap.Version)
	assert.Equal(t, "v", snap.Data["k"])
}

func TestParseServerEvent_MissingOptionalFields(t *testing.T) {
	ev, err := ParseServerEvent(EventNewMessage, json.RawMessage(`{"content":"hi"}`))
	require.NoError(t, err)

	msg, ok := ev.(*NewMessageEvent)
	require.True(t, ok)
	assert.Equal(t, "hi", msg.Content)
	assert.Empty(t, msg.ConversationID, "missing fields decode to zero values")
}

func TestParseServerEvent_EmptyPayload(t *testing.T) {
	ev, err := ParseServerEvent(EventServerShutdown, nil)
	require.NoError(t, err)
	_, ok := ev.(*ServerShutdownEvent)
	assert.True(t, ok)
}

func TestParseServerEvent_Unknown(t *testing.T) {
	_, err := ParseServerEvent("mystery-event", nil)
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

func TestParseServerEvent_Malformed(t *testing.T) {
	_, err := ParseServerEvent(EventTyping, json.RawMessage(`{broken`))
	assert.Error(t, err)
}
