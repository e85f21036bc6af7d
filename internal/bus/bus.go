// Package bus is the typed in-process signal channel between the session
// layer, the connection layer and the UI. It replaces ad hoc global
// broadcast events with explicit, typed subscriptions.
package bus

import (
	"sync"

	"utalk/internal/models"
)

// LoginSucceeded is published by the auth layer after a successful login.
type LoginSucceeded struct {
	Token string
}

// TokenRefreshed is published when the auth layer rotates the bearer token.
type TokenRefreshed struct {
	Token string
}

// StateChanged is published on every connection status transition.
type StateChanged struct {
	Status models.ConnStatus
	Err    string
}

// FallbackEntered is published once when the client gives up on realtime
// for this session; subscribers switch to degraded mode.
type FallbackEntered struct {
	Reason string
}

// MessageReceived is published for each inbound chat message after
// dedup and history bookkeeping.
type MessageReceived struct {
	Message models.Message
}

type Bus struct {
	mu             sync.RWMutex
	onLogin        []func(LoginSucceeded)
	onTokenRefresh []func(TokenRefreshed)
	onStateChanged []func(StateChanged)
	onFallback     []func(FallbackEntered)
	onMessage      []func(MessageReceived)
}

func New() *Bus {
	return &Bus{}
}

func (b *Bus) SubscribeLogin(h func(LoginSucceeded)) {
	b.mu.Lock()
	b.onLogin = append(b.onLogin, h)
	b.mu.Unlock()
}

func (b *Bus) SubscribeTokenRefresh(h func(TokenRefreshed)) {
	b.mu.Lock()
	b.onTokenRefresh = append(b.onTokenRefresh, h)
	b.mu.Unlock()
}

func (b *Bus) SubscribeStateChanged(h func(StateChanged)) {
	b.mu.Lock()
	b.onStateChanged = append(b.onStateChanged, h)
	b.mu.Unlock()
}

func (b *Bus) SubscribeFallback(h func(FallbackEntered)) {
	b.mu.Lock()
	b.onFallback = append(b.onFallback, h)
	b.mu.Unlock()
}

func (b *Bus) SubscribeMessage(h func(MessageReceived)) {
	b.mu.Lock()
	b.onMessage = append(b.onMessage, h)
	b.mu.Unlock()
}

func (b *Bus) PublishLogin(e LoginSucceeded) {
	b.mu.RLock()
	handlers := append([]func(LoginSucceeded){}, b.onLogin...)
	b.mu.RUnlock()
	for _, h := range handlers {
		h(e)
	}
}

func (b *Bus) PublishTokenRefresh(e TokenRefreshed) {
	b.mu.RLock()
	handlers := append([]func(TokenRefreshed){}, b.onTokenRefresh...)
	b.mu.RUnlock()
	for _, h := range handlers {
		h(e)
	}
}

func (b *Bus) PublishStateChanged(e StateChanged) {
	b.mu.RLock()
	handlers := append([]func(StateChanged){}, b.onStateChanged...)
	b.mu.RUnlock()
	for _, h := range handlers {
		h(e)
	}
}

func (b *Bus) PublishFallback(e FallbackEntered) {
	b.mu.RLock()
	handlers := append([]func(FallbackEntered){}, b.onFallback...)
	b.mu.RUnlock()
	for _, h := range handlers {
		h(e)
	}
}

func (b *Bus) PublishMessage(e MessageReceived) {
	b.mu.RLock()
	handlers := append([]func(MessageReceived){}, b.onMessage...)
	b.mu.RUnlock()
	for _, h := range handlers {
		h(e)
	}
}
