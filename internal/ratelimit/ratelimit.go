// Package ratelimit gates locally-originated events so a chatty client does
// not flood the server. It is a courtesy limiter, not a correctness
// mechanism: a denial is a signal to the caller, never a silent drop.
package ratelimit

import (
	"sync"
	"time"

	"utalk/internal/clock"
)

// Rule bounds one event type: at most MaxRequests per Window, with at least
// MinInterval between consecutive admissions. MinInterval zero disables the
// spacing check.
type Rule struct {
	MaxRequests int
	Window      time.Duration
	MinInterval time.Duration
}

// DefaultRule is applied to event types without an explicit rule.
var DefaultRule = Rule{MaxRequests: 10, Window: time.Second}

type entry struct {
	count       int
	windowStart time.Time
	lastRequest time.Time
}

type Limiter struct {
	mu     sync.Mutex
	clk    clock.Clock
	def    Rule
	rules  map[string]Rule
	states map[string]*entry
}

func New(clk clock.Clock, def Rule) *Limiter {
	if def.MaxRequests <= 0 {
		def = DefaultRule
	}
	return &Limiter{
		clk:    clk,
		def:    def,
		rules:  make(map[string]Rule),
		states: make(map[string]*entry),
	}
}

// SetRule overrides the rule for one event type.
func (l *Limiter) SetRule(event string, r Rule) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rules[event] = r
}

// Admit reports whether an event of the given type may be sent now and, if
// so, accounts for it. Counters are created lazily and persist for the
// session.
func (l *Limiter) Admit(event string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	rule, ok := l.rules[event]
	if !ok {
		rule = l.def
	}

	now := l.clk.Now()
	st, ok := l.states[event]
	if !ok {
		st = &entry{windowStart: now}
		l.states[event] = st
	}

	if now.Sub(st.windowStart) > rule.Window {
		st.count = 0
		st.windowStart = now
	}

	if st.count >= rule.MaxRequests {
		return false
	}
	if rule.MinInterval > 0 && !st.lastRequest.IsZero() && now.Sub(st.lastRequest) < rule.MinInterval {
		return false
	}

	st.count++
	st.lastRequest = now
	return true
}

// Reset clears all counters. Called on reconnect so a fresh session starts
// with a clean budget.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = make(map[string]*entry)
}
