package core

import (
	"errors"
	"testing"
)

func TestRegisterOnceDeduplicates(t *testing.T) {
	m := NewSubscriptionManager()
	calls := 0
	factory := func() (func(), error) {
		calls++
		return func() {}, nil
	}

	if err := m.RegisterOnce("roster", factory); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.RegisterOnce("roster", factory); err != nil {
		t.Fatalf("second register: %v", err)
	}
	if calls != 1 {
		t.Fatalf("factory ran %d times, want 1", calls)
	}
}

func TestRegisterOnceReleasesKeyOnError(t *testing.T) {
	m := NewSubscriptionManager()
	boom := errors.New("boom")

	if err := m.RegisterOnce("roster", func() (func(), error) { return nil, boom }); err != boom {
		t.Fatalf("expected boom, got %v", err)
	}

	started := false
	if err := m.RegisterOnce("roster", func() (func(), error) {
		started = true
		return func() {}, nil
	}); err != nil {
		t.Fatalf("register after failure: %v", err)
	}
	if !started {
		t.Fatal("key stayed reserved after factory error")
	}
}

func TestUnregisterStopsListener(t *testing.T) {
	m := NewSubscriptionManager()
	stopped := 0
	if err := m.RegisterOnce("mailbox", func() (func(), error) {
		return func() { stopped++ }, nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	m.Unregister("mailbox")
	m.Unregister("mailbox")
	if stopped != 1 {
		t.Fatalf("stop ran %d times, want 1", stopped)
	}

	// Key must be reusable after unregister.
	if err := m.RegisterOnce("mailbox", func() (func(), error) { return func() {}, nil }); err != nil {
		t.Fatalf("re-register: %v", err)
	}
}

func TestUnregisterAllIsIdempotent(t *testing.T) {
	m := NewSubscriptionManager()
	stopped := 0
	for _, key := range []string{"a", "b", "c"} {
		if err := m.RegisterOnce(key, func() (func(), error) {
			return func() { stopped++ }, nil
		}); err != nil {
			t.Fatalf("register %s: %v", key, err)
		}
	}

	m.UnregisterAll()
	m.UnregisterAll()
	if stopped != 3 {
		t.Fatalf("stopped %d listeners, want 3", stopped)
	}
}
