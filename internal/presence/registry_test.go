package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/veilcall/veilcall/internal/adapters/storemem"
	"github.com/veilcall/veilcall/internal/domain"
)

var alice = domain.Identity{ID: "alice", DisplayName: "Curious Fox"}

// rosterSink records every roster delivery.
type rosterSink struct {
	mu      sync.Mutex
	rosters [][]domain.PresenceRecord
}

func (s *rosterSink) deliver(records []domain.PresenceRecord) {
	s.mu.Lock()
	s.rosters = append(s.rosters, records)
	s.mu.Unlock()
}

func (s *rosterSink) waitFor(t *testing.T, check func([]domain.PresenceRecord) bool) []domain.PresenceRecord {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		for i := len(s.rosters) - 1; i >= 0; i-- {
			if check(s.rosters[i]) {
				out := s.rosters[i]
				s.mu.Unlock()
				return out
			}
		}
		s.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("roster condition not reached")
	return nil
}

func TestPublishAndSubscribe(t *testing.T) {
	b := storemem.New()
	reg := NewRegistry(b.Open("alice"))
	defer reg.Close()

	sink := &rosterSink{}
	stop, err := reg.Subscribe(sink.deliver)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer stop()

	if err := reg.Publish(context.Background(), alice); err != nil {
		t.Fatalf("publish: %v", err)
	}

	roster := sink.waitFor(t, func(r []domain.PresenceRecord) bool { return len(r) == 1 })
	if roster[0].ID != alice.ID || roster[0].DisplayName != alice.DisplayName {
		t.Fatalf("wrong record: %+v", roster[0])
	}
	if roster[0].JoinedAt == 0 {
		t.Fatal("JoinedAt not stamped")
	}
}

func TestUnpublishRemovesRecord(t *testing.T) {
	b := storemem.New()
	conn := b.Open("alice")
	reg := NewRegistry(conn)
	defer reg.Close()

	if err := reg.Publish(context.Background(), alice); err != nil {
		t.Fatalf("publish: %v", err)
	}
	reg.Unpublish(context.Background(), alice.ID)

	if got := b.Dump(domain.PresencePath(alice.ID)); len(got) != 0 {
		t.Fatalf("record survived unpublish: %v", got)
	}

	// The disconnect hook must be disarmed too: a later drop sweeps nothing.
	if err := conn.Put(context.Background(), domain.PresencePath(alice.ID), 1); err != nil {
		t.Fatalf("put: %v", err)
	}
	conn.Drop()
	if got := b.Dump(domain.PresencePath(alice.ID)); len(got) != 1 {
		t.Fatalf("disarmed hook still fired: %v", got)
	}
}

func TestDisconnectSweepsRecord(t *testing.T) {
	b := storemem.New()
	conn := b.Open("alice")
	reg := NewRegistry(conn)
	defer reg.Close()

	if err := reg.Publish(context.Background(), alice); err != nil {
		t.Fatalf("publish: %v", err)
	}

	conn.Drop()
	if got := b.Dump(domain.PresencePath(alice.ID)); len(got) != 0 {
		t.Fatalf("record survived disconnect: %v", got)
	}
}

func TestRepublishOnReconnect(t *testing.T) {
	b := storemem.New()
	conn := b.Open("alice")
	reg := NewRegistry(conn)
	defer reg.Close()

	if err := reg.Publish(context.Background(), alice); err != nil {
		t.Fatalf("publish: %v", err)
	}
	conn.Drop()
	conn.Reconnect()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(b.Dump(domain.PresencePath(alice.ID))) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("record not republished after reconnect")
}

func TestPublishWhileOfflineIsDeferred(t *testing.T) {
	b := storemem.New()
	conn := b.Open("alice")
	reg := NewRegistry(conn)
	defer reg.Close()

	conn.Drop()
	// Give the connectivity watcher a moment to observe the drop.
	time.Sleep(50 * time.Millisecond)

	if err := reg.Publish(context.Background(), alice); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := b.Dump(domain.PresencePath(alice.ID)); len(got) != 0 {
		t.Fatalf("record written while offline: %v", got)
	}

	conn.Reconnect()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(b.Dump(domain.PresencePath(alice.ID))) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("deferred publish never landed")
}

func TestRosterOrderedByJoinedAt(t *testing.T) {
	b := storemem.New()

	first := b.Open("first")
	second := b.Open("second")
	regFirst := NewRegistry(first)
	defer regFirst.Close()
	regSecond := NewRegistry(second)
	defer regSecond.Close()

	if err := regFirst.Publish(context.Background(), domain.Identity{ID: "u1", DisplayName: "One"}); err != nil {
		t.Fatalf("publish u1: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := regSecond.Publish(context.Background(), domain.Identity{ID: "u2", DisplayName: "Two"}); err != nil {
		t.Fatalf("publish u2: %v", err)
	}

	sink := &rosterSink{}
	stop, err := regFirst.Subscribe(sink.deliver)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer stop()

	roster := sink.waitFor(t, func(r []domain.PresenceRecord) bool { return len(r) == 2 })
	if roster[0].ID != "u1" || roster[1].ID != "u2" {
		t.Fatalf("roster not ordered oldest-first: %+v", roster)
	}
}
