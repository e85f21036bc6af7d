package syncstate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"utalk/internal/clock"
	"utalk/internal/models"
)

type fakeEmitter struct {
	events   []string
	payloads []any
	ok       bool
}

func (f *fakeEmitter) Emit(event string, payload any) bool {
	f.events = append(f.events, event)
	f.payloads = append(f.payloads, payload)
	return f.ok
}

type fakeAdmitter struct{ admit bool }

func (f *fakeAdmitter) Admit(string) bool { return f.admit }

func newTestCoordinator(strategy Strategy) (*Coordinator, *fakeEmitter, *clock.Fake) {
	clk := clock.NewFake(time.Unix(1000, 0))
	em := &fakeEmitter{ok: true}
	c := NewCoordinator(clk, em, &fakeAdmitter{admit: true}, strategy, nil)
	return c, em, clk
}

func TestCoordinator_VersionHighWaterMark(t *testing.T) {
	c, _, _ := newTestCoordinator(StrategyMerge)

	c.ApplySnapshot(Snapshot{Version: 1, Data: map[string]any{"k": "v1"}})
	c.ApplySnapshot(Snapshot{Version: 3, Data: map[string]any{"k": "v3"}})
	c.ApplySnapshot(Snapshot{Version: 2, Data: map[string]any{"k": "v2"}})

	st := c.Status()
	assert.Equal(t, int64(3), st.ServerVersion, "version is a high-water mark")
	assert.Equal(t, "v3", c.Data()["k"], "out-of-order snapshot must not regress state")
}

func TestCoordinator_MergeStrategy(t *testing.T) {
	c, _, _ := newTestCoordinator(StrategyMerge)

	c.PublishLocalChanges(map[string]any{"draft": "local"})
	assert.False(t, c.Status().IsSynced)

	c.ApplySnapshot(Snapshot{Version: 1, Data: map[string]any{"draft": "server", "topic": "news"}})

	st := c.Status()
	assert.True(t, st.IsSynced)
	assert.Zero(t, st.PendingCount)

	data := c.Data()
	assert.Equal(t, "local", data["draft"], "local keys override server keys on merge")
	assert.Equal(t, "news", data["topic"])
}

func TestCoordinator_ServerWinsStrategy(t *testing.T) {
	c, _, _ := newTestCoordinator(StrategyServerWins)

	c.PublishLocalChanges(map[string]any{"draft": "local"})
	c.ApplySnapshot(Snapshot{Version: 1, Data: map[string]any{"draft": "server"}})

	assert.Equal(t, "server", c.Data()["draft"], "snapshot replaces local state unconditionally")
}

func TestCoordinator_RequestSyncCarriesVersion(t *testing.T) {
	c, em, _ := newTestCoordinator(StrategyMerge)

	c.ApplySnapshot(Snapshot{Version: 7, Data: map[string]any{}})
	require.True(t, c.RequestSync("test"))

	require.Len(t, em.events, 1)
	assert.Equal(t, models.EventSyncState, em.events[0])

	payload, ok := em.payloads[0].(models.SyncStatePayload)
	require.True(t, ok)
	assert.Equal(t, int64(7), payload.Version)
	assert.Equal(t, "test", payload.Reason)
	assert.NotEmpty(t, payload.SyncID)
}

func TestCoordinator_RequestSyncThrottled(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	em := &fakeEmitter{ok: true}
	c := NewCoordinator(clk, em, &fakeAdmitter{admit: false}, StrategyMerge, nil)

	assert.False(t, c.RequestSync("test"))
	assert.Empty(t, em.events, "throttled request must not reach the wire")
}

func TestCoordinator_PublishLocalChanges(t *testing.T) {
	c, em, _ := newTestCoordinator(StrategyMerge)

	c.PublishLocalChanges(map[string]any{"draft": "x"})

	st := c.Status()
	assert.Equal(t, int64(1), st.LocalVersion)
	assert.Equal(t, 1, st.PendingCount)
	assert.False(t, st.IsSynced)
	assert.Equal(t, "x", c.Data()["draft"], "local change is visible immediately")

	require.Len(t, em.events, 1, "local change triggers a sync request")
}

func TestCoordinator_SyncErrorDegradesStatusOnly(t *testing.T) {
	c, _, _ := newTestCoordinator(StrategyMerge)

	c.ApplySnapshot(Snapshot{Version: 1, Data: map[string]any{"k": "v"}})
	c.NoteSyncError("boom")

	st := c.Status()
	assert.False(t, st.IsSynced)
	assert.Equal(t, "boom", st.LastError)
	assert.Equal(t, "v", c.Data()["k"], "data survives a sync error")

	// The next good snapshot recovers.
	c.ApplySnapshot(Snapshot{Version: 2, Data: map[string]any{"k": "v2"}})
	assert.True(t, c.Status().IsSynced)
	assert.Empty(t, c.Status().LastError)
}
