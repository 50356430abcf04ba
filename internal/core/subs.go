package core

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// SubscriptionManager owns a set of active store listeners keyed by logical
// channel name, each paired with its detach function. Controllers hold one
// manager each instead of sharing ambient registries; its lifetime is scoped
// to the owning controller.
type SubscriptionManager struct {
	mu     sync.Mutex
	active map[string]func()
}

func NewSubscriptionManager() *SubscriptionManager {
	return &SubscriptionManager{active: make(map[string]func())}
}

// RegisterOnce starts the listener built by factory unless one is already
// registered under key. The factory returns the detach function for the
// listener it started.
func (m *SubscriptionManager) RegisterOnce(key string, factory func() (stop func(), err error)) error {
	m.mu.Lock()
	if _, ok := m.active[key]; ok {
		m.mu.Unlock()
		return nil
	}
	// Reserve the key before calling the factory so a reentrant register for
	// the same key no-ops instead of starting a second listener.
	m.active[key] = func() {}
	m.mu.Unlock()

	stop, err := factory()
	if err != nil {
		m.mu.Lock()
		delete(m.active, key)
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	m.active[key] = stop
	m.mu.Unlock()
	return nil
}

// Unregister detaches the listener registered under key, if any.
func (m *SubscriptionManager) Unregister(key string) {
	m.mu.Lock()
	stop, ok := m.active[key]
	delete(m.active, key)
	m.mu.Unlock()
	if ok {
		stop()
	}
}

// UnregisterAll detaches every active listener. Idempotent; safe to call
// during teardown any number of times.
func (m *SubscriptionManager) UnregisterAll() {
	m.mu.Lock()
	stops := make([]func(), 0, len(m.active))
	for key, stop := range m.active {
		stops = append(stops, stop)
		delete(m.active, key)
	}
	m.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	if len(stops) > 0 {
		log.Debug().Str("module", "core.subs").Int("count", len(stops)).Msg("listeners detached")
	}
}
