package storemem

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/veilcall/veilcall/internal/core"
)

func waitSnapshot(t *testing.T, sub core.Subscription) core.Snapshot {
	t.Helper()
	select {
	case s, ok := <-sub.C():
		if !ok {
			t.Fatal("subscription closed")
		}
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
	return nil
}

// waitFor polls snapshots until check passes; coalescing means intermediate
// states may be skipped, so tests assert on the settled state.
func waitFor(t *testing.T, sub core.Subscription, check func(core.Snapshot) bool) core.Snapshot {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s, ok := <-sub.C():
			if !ok {
				t.Fatal("subscription closed")
			}
			if check(s) {
				return s
			}
		case <-deadline:
			t.Fatal("condition not reached")
		}
	}
}

func TestWatchDeliversInitialAndUpdates(t *testing.T) {
	b := New()
	conn := b.Open("a")
	defer conn.Close()

	sub, err := conn.Watch("onlineUsers")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer sub.Close()

	if snap := waitSnapshot(t, sub); len(snap) != 0 {
		t.Fatalf("initial snapshot not empty: %v", snap)
	}

	if err := conn.Put(context.Background(), "onlineUsers/u1", map[string]string{"id": "u1"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	snap := waitFor(t, sub, func(s core.Snapshot) bool { return len(s) == 1 })
	if _, ok := snap["u1"]; !ok {
		t.Fatalf("u1 missing from snapshot: %v", snap)
	}
}

func TestSnapshotFoldsNestedSubtrees(t *testing.T) {
	b := New()
	conn := b.Open("a")
	defer conn.Close()

	ctx := context.Background()
	if err := conn.Put(ctx, "rooms/r1/participants/u1", "x"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := conn.Put(ctx, "rooms/r1/participants/u2", "y"); err != nil {
		t.Fatalf("put: %v", err)
	}

	sub, err := conn.Watch("rooms/r1")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer sub.Close()

	snap := waitSnapshot(t, sub)
	raw, ok := snap["participants"]
	if !ok {
		t.Fatalf("participants child missing: %v", snap)
	}
	var folded map[string]string
	if err := json.Unmarshal(raw, &folded); err != nil {
		t.Fatalf("unmarshal folded subtree: %v", err)
	}
	if folded["u1"] != "x" || folded["u2"] != "y" {
		t.Fatalf("unexpected folded subtree: %v", folded)
	}
}

func TestDeleteRemovesSubtree(t *testing.T) {
	b := New()
	conn := b.Open("a")
	defer conn.Close()

	ctx := context.Background()
	for _, p := range []string{"callSignals/r1/answer", "callSignals/r1/pendingOffer", "callSignals/other"} {
		if err := conn.Put(ctx, p, 1); err != nil {
			t.Fatalf("put %s: %v", p, err)
		}
	}
	if err := conn.Delete(ctx, "callSignals/r1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := b.Dump("callSignals/r1"); len(got) != 0 {
		t.Fatalf("subtree survived delete: %v", got)
	}
	if got := b.Dump("callSignals/other"); len(got) != 1 {
		t.Fatalf("sibling deleted: %v", got)
	}
}

func TestDropFiresDisconnectHooks(t *testing.T) {
	b := New()
	conn := b.Open("a")
	defer conn.Close()

	ctx := context.Background()
	if err := conn.Put(ctx, "onlineUsers/u1", 1); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := conn.OnDisconnectDelete("onlineUsers/u1"); err != nil {
		t.Fatalf("arm: %v", err)
	}

	conn.Drop()

	if got := b.Dump("onlineUsers/u1"); len(got) != 0 {
		t.Fatalf("record survived drop: %v", got)
	}
	if err := conn.Put(ctx, "onlineUsers/u1", 1); err != ErrDisconnected {
		t.Fatalf("expected ErrDisconnected, got %v", err)
	}

	conn.Reconnect()
	if err := conn.Put(ctx, "onlineUsers/u1", 1); err != nil {
		t.Fatalf("put after reconnect: %v", err)
	}
}

func TestCancelOnDisconnectKeepsRecord(t *testing.T) {
	b := New()
	conn := b.Open("a")
	defer conn.Close()

	ctx := context.Background()
	if err := conn.Put(ctx, "onlineUsers/u1", 1); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := conn.OnDisconnectDelete("onlineUsers/u1"); err != nil {
		t.Fatalf("arm: %v", err)
	}
	if err := conn.CancelOnDisconnect("onlineUsers/u1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	conn.Drop()

	if got := b.Dump("onlineUsers/u1"); len(got) != 1 {
		t.Fatalf("record deleted despite cancel: %v", got)
	}
}

func TestConnectivityStream(t *testing.T) {
	b := New()
	conn := b.Open("a")
	defer conn.Close()

	drain := func() []bool {
		var out []bool
		for {
			select {
			case v := <-conn.Connectivity():
				out = append(out, v)
			case <-time.After(100 * time.Millisecond):
				return out
			}
		}
	}

	got := drain()
	if len(got) != 1 || !got[0] {
		t.Fatalf("expected initial true, got %v", got)
	}

	conn.Drop()
	conn.Reconnect()
	got = drain()
	if len(got) != 2 || got[0] || !got[1] {
		t.Fatalf("expected [false true], got %v", got)
	}
}

func TestCloseFiresHooksAndClosesSubs(t *testing.T) {
	b := New()
	conn := b.Open("a")

	ctx := context.Background()
	if err := conn.Put(ctx, "onlineUsers/u1", 1); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := conn.OnDisconnectDelete("onlineUsers/u1"); err != nil {
		t.Fatalf("arm: %v", err)
	}
	sub, err := conn.Watch("onlineUsers")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	if got := b.Dump("onlineUsers/u1"); len(got) != 0 {
		t.Fatalf("hook did not fire on close: %v", got)
	}

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-sub.C():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscription channel never closed")
		}
	}
}
