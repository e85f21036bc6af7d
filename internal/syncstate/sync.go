// Package syncstate reconciles optimistic local mutations with
// authoritative server snapshots. Sync is not transactional: a delayed or
// failed sync leaves the client visibly not-synced but never blocks it.
package syncstate

import (
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"utalk/internal/clock"
	"utalk/internal/models"
)

// Strategy selects how a pending local change is resolved against an
// incoming snapshot.
type Strategy string

const (
	// StrategyServerWins replaces local state with the snapshot
	// unconditionally.
	StrategyServerWins Strategy = "server-wins"
	// StrategyClientWins keeps local values for fields the client changed;
	// the snapshot fills in the rest.
	StrategyClientWins Strategy = "client-wins"
	// StrategyMerge is a shallow field-by-field merge, local keys override
	// server keys. The default, pending product clarification.
	StrategyMerge Strategy = "merge"
)

// Snapshot is a server-issued state version. Version is a high-water mark:
// the coordinator never accepts a snapshot older than one already applied.
type Snapshot struct {
	Version   int64          `json:"version"`
	Data      map[string]any `json:"data"`
	Timestamp string         `json:"timestamp"`
}

// Status is the read model the UI polls.
type Status struct {
	IsSynced      bool
	ServerVersion int64
	LocalVersion  int64
	PendingCount  int
	LastSyncTime  time.Time
	LastError     string
}

// Emitter sends an outbound event; false means the event did not go out.
type Emitter interface {
	Emit(event string, payload any) bool
}

// Admitter is the rate-limit gate for sync requests.
type Admitter interface {
	Admit(event string) bool
}

type Coordinator struct {
	log      *slog.Logger
	clk      clock.Clock
	emit     Emitter
	limiter  Admitter
	strategy Strategy

	mu            sync.Mutex
	serverVersion int64
	localVersion  int64
	data          map[string]any
	pending       map[string]any
	isSynced      bool
	lastSyncTime  time.Time
	lastError     string
}

func NewCoordinator(clk clock.Clock, emit Emitter, limiter Admitter, strategy Strategy, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	switch strategy {
	case StrategyServerWins, StrategyClientWins, StrategyMerge:
	default:
		strategy = StrategyMerge
	}
	return &Coordinator{
		log:      log,
		clk:      clk,
		emit:     emit,
		limiter:  limiter,
		strategy: strategy,
		data:     make(map[string]any),
		pending:  make(map[string]any),
	}
}

// RequestSync emits a rate-limited sync request carrying the last known
// server version. Returns false when throttled or disconnected; the caller
// may retry later, state stays not-synced in the meantime.
func (c *Coordinator) RequestSync(reason string) bool {
	if !c.limiter.Admit(models.EventSyncState) {
		c.log.Debug("sync request throttled", "reason", reason)
		return false
	}

	c.mu.Lock()
	version := c.serverVersion
	c.mu.Unlock()

	ok := c.emit.Emit(models.EventSyncState, models.SyncStatePayload{
		SyncID:  uuid.NewString(),
		Reason:  reason,
		Version: version,
	})
	if !ok {
		c.log.Debug("sync request not sent", "reason", reason)
	}
	return ok
}

// ApplySnapshot resolves a server snapshot against any pending local change
// using the configured strategy. Out-of-order snapshots with a lower
// version than one already applied are ignored so visible state never
// regresses.
func (c *Coordinator) ApplySnapshot(snap Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if snap.Version < c.serverVersion {
		c.log.Debug("stale snapshot ignored",
			"version", snap.Version, "current", c.serverVersion)
		return
	}

	resolved := make(map[string]any, len(snap.Data))
	maps.Copy(resolved, snap.Data)

	if len(c.pending) > 0 {
		switch c.strategy {
		case StrategyServerWins:
			// Snapshot replaces local state unconditionally.
		case StrategyClientWins, StrategyMerge:
			// Shallow resolution, local keys override server keys. The two
			// strategies only differ for nested structures, which the
			// protocol does not carry today.
			maps.Copy(resolved, c.pending)
		}
	}

	c.data = resolved
	c.pending = make(map[string]any)
	c.serverVersion = snap.Version
	c.isSynced = true
	c.lastError = ""
	c.lastSyncTime = c.clk.Now()
}

// PublishLocalChanges records an optimistic local mutation and immediately
// requests reconciliation.
func (c *Coordinator) PublishLocalChanges(changes map[string]any) {
	c.mu.Lock()
	maps.Copy(c.pending, changes)
	maps.Copy(c.data, changes)
	c.localVersion++
	c.isSynced = false
	c.mu.Unlock()

	c.RequestSync("local-change")
}

// NoteSyncError records a server-reported sync failure. Not a hard failure:
// only the visible sync status degrades.
func (c *Coordinator) NoteSyncError(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isSynced = false
	c.lastError = msg
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		IsSynced:      c.isSynced,
		ServerVersion: c.serverVersion,
		LocalVersion:  c.localVersion,
		PendingCount:  len(c.pending),
		LastSyncTime:  c.lastSyncTime,
		LastError:     c.lastError,
	}
}

// Data returns a copy of the reconciled state.
func (c *Coordinator) Data() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.data))
	maps.Copy(out, c.data)
	return out
}
