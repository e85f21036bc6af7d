// Package typing derives a display-safe "who is typing" view from noisy
// start/stop signals. Entries expire after a TTL so a lost stop signal can
// never leave an indicator stuck on screen.
package typing

import (
	"sort"
	"sync"
	"time"

	"utalk/internal/clock"
)

const (
	DefaultTTL           = 5 * time.Second
	DefaultSweepInterval = time.Second
)

type Tracker struct {
	mu  sync.Mutex
	clk clock.Clock
	ttl time.Duration

	// conversationID -> userID -> expiry
	entries map[string]map[string]time.Time

	// onChange fires only when the visible view actually changed, to avoid
	// redundant republishes.
	onChange func()

	ticker clock.Ticker
	done   chan struct{}
}

func NewTracker(clk clock.Clock, ttl time.Duration, onChange func()) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{
		clk:      clk,
		ttl:      ttl,
		entries:  make(map[string]map[string]time.Time),
		onChange: onChange,
	}
}

// Start launches the background sweep. Stop must be called on teardown.
func (t *Tracker) Start(sweepEvery time.Duration) {
	if sweepEvery <= 0 {
		sweepEvery = DefaultSweepInterval
	}
	t.mu.Lock()
	if t.ticker != nil {
		t.mu.Unlock()
		return
	}
	t.ticker = t.clk.NewTicker(sweepEvery)
	t.done = make(chan struct{})
	ticker, done := t.ticker, t.done
	t.mu.Unlock()

	go func() {
		for {
			select {
			case <-ticker.C():
				t.Sweep()
			case <-done:
				return
			}
		}
	}()
}

func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ticker == nil {
		return
	}
	t.ticker.Stop()
	close(t.done)
	t.ticker = nil
	t.done = nil
}

// SetTyping marks a user as typing in a conversation, refreshing the expiry
// if already present.
func (t *Tracker) SetTyping(conversationID, userID string) {
	if conversationID == "" || userID == "" {
		return
	}
	t.mu.Lock()
	users, ok := t.entries[conversationID]
	if !ok {
		users = make(map[string]time.Time)
		t.entries[conversationID] = users
	}
	_, present := users[userID]
	users[userID] = t.clk.Now().Add(t.ttl)
	t.mu.Unlock()

	if !present {
		t.notify()
	}
}

// ClearTyping removes a user immediately, regardless of TTL.
func (t *Tracker) ClearTyping(conversationID, userID string) {
	t.mu.Lock()
	users, ok := t.entries[conversationID]
	if !ok {
		t.mu.Unlock()
		return
	}
	if _, present := users[userID]; !present {
		t.mu.Unlock()
		return
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(t.entries, conversationID)
	}
	t.mu.Unlock()

	t.notify()
}

// Sweep drops every expired entry. Exported so a fake clock can drive it in
// tests without the ticker goroutine.
func (t *Tracker) Sweep() {
	now := t.clk.Now()
	changed := false

	t.mu.Lock()
	for convID, users := range t.entries {
		for userID, expiry := range users {
			if !expiry.After(now) {
				delete(users, userID)
				changed = true
			}
		}
		if len(users) == 0 {
			delete(t.entries, convID)
		}
	}
	t.mu.Unlock()

	if changed {
		t.notify()
	}
}

// Users returns the sorted set of users currently typing in a conversation.
func (t *Tracker) Users(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	users := t.entries[conversationID]
	if len(users) == 0 {
		return nil
	}
	out := make([]string, 0, len(users))
	for id := range users {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// View returns the full typing map, conversation -> sorted user ids.
func (t *Tracker) View() map[string][]string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string][]string, len(t.entries))
	for convID, users := range t.entries {
		ids := make([]string, 0, len(users))
		for id := range users {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out[convID] = ids
	}
	return out
}

func (t *Tracker) notify() {
	if t.onChange != nil {
		t.onChange()
	}
}
