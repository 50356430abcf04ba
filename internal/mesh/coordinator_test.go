package mesh

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/veilcall/veilcall/internal/adapters/storemem"
	"github.com/veilcall/veilcall/internal/domain"
	"github.com/veilcall/veilcall/internal/peer"
	"github.com/veilcall/veilcall/internal/testutil"
)

const room = domain.RoomID("room-1")

type member struct {
	id    domain.Identity
	conn  *storemem.Conn
	net   *testutil.FakeNet
	media *testutil.FakeMedia
	coord *Coordinator
}

func newMember(b *storemem.Backend, id string) *member {
	ident := domain.Identity{ID: domain.SessionID(id), DisplayName: id}
	conn := b.Open(id)
	net := &testutil.FakeNet{AutoConnect: true}
	media := &testutil.FakeMedia{}
	return &member{
		id:    ident,
		conn:  conn,
		net:   net,
		media: media,
		coord: NewCoordinator(ident, room, conn, net.Factory(), media),
	}
}

func waitForPeers(t *testing.T, c *Coordinator, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(c.Peers()) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("peer count = %d, want %d", len(c.Peers()), want)
}

func waitForState(t *testing.T, c *Coordinator, id domain.SessionID, want peer.State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s, ok := c.peers.Get(id); ok && s.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session toward %s never reached %s", id, want)
}

func TestSecondJoinerGetsOfferedTo(t *testing.T) {
	b := storemem.New()
	ctx := context.Background()

	a := newMember(b, "alice")
	if err := a.coord.Join(ctx); err != nil {
		t.Fatalf("alice join: %v", err)
	}
	defer a.coord.Leave(ctx)

	bb := newMember(b, "bob")
	if err := bb.coord.Join(ctx); err != nil {
		t.Fatalf("bob join: %v", err)
	}
	defer bb.coord.Leave(ctx)

	// Alice holds the lower session id, so alice offers; both end with one
	// session.
	waitForPeers(t, a.coord, 1)
	waitForPeers(t, bb.coord, 1)
	waitForState(t, a.coord, "bob", peer.StateConnected)
	waitForState(t, bb.coord, "alice", peer.StateConnected)

	// Exactly one offer crossed: alice is caller, bob is callee.
	if s, ok := a.coord.peers.Get("bob"); !ok || s.Role() != peer.RoleCaller {
		t.Fatal("alice must be the caller toward bob")
	}
	if s, ok := bb.coord.peers.Get("alice"); !ok || s.Role() != peer.RoleCallee {
		t.Fatal("bob must be the callee toward alice")
	}
}

func TestMeshConvergesThroughChurn(t *testing.T) {
	b := storemem.New()
	ctx := context.Background()

	a := newMember(b, "alice")
	if err := a.coord.Join(ctx); err != nil {
		t.Fatalf("alice join: %v", err)
	}
	defer a.coord.Leave(ctx)

	bb := newMember(b, "bob")
	if err := bb.coord.Join(ctx); err != nil {
		t.Fatalf("bob join: %v", err)
	}

	cc := newMember(b, "carol")
	if err := cc.coord.Join(ctx); err != nil {
		t.Fatalf("carol join: %v", err)
	}
	defer cc.coord.Leave(ctx)

	waitForPeers(t, a.coord, 2)
	waitForPeers(t, bb.coord, 2)
	waitForPeers(t, cc.coord, 2)

	// Bob leaves; alice and carol converge to exactly one session each,
	// toward each other.
	bb.coord.Leave(ctx)

	waitForPeers(t, a.coord, 1)
	waitForPeers(t, cc.coord, 1)
	if _, ok := a.coord.peers.Get("carol"); !ok {
		t.Fatal("alice lost her session to carol")
	}
	if _, ok := cc.coord.peers.Get("alice"); !ok {
		t.Fatal("carol lost her session to alice")
	}
	if len(b.Dump(domain.RoomParticipantPath(room, "bob"))) != 0 {
		t.Fatal("bob's participant record survived leave")
	}
}

func TestLeaveSweepsOwnState(t *testing.T) {
	b := storemem.New()
	ctx := context.Background()

	a := newMember(b, "alice")
	if err := a.coord.Join(ctx); err != nil {
		t.Fatalf("join: %v", err)
	}
	a.coord.Leave(ctx)

	if got := b.Dump(domain.RoomParticipantPath(room, "alice")); len(got) != 0 {
		t.Fatalf("participant record survived: %v", got)
	}
	if got := b.Dump(domain.RoomSignalsPath(room, "alice")); len(got) != 0 {
		t.Fatalf("mailbox survived: %v", got)
	}
	if a.media.Closes() == 0 {
		t.Fatal("media not released")
	}

	// Leave is idempotent.
	a.coord.Leave(ctx)
}

func TestDisconnectSweepsParticipantRecord(t *testing.T) {
	b := storemem.New()
	ctx := context.Background()

	a := newMember(b, "alice")
	if err := a.coord.Join(ctx); err != nil {
		t.Fatalf("join: %v", err)
	}

	bb := newMember(b, "bob")
	if err := bb.coord.Join(ctx); err != nil {
		t.Fatalf("bob join: %v", err)
	}
	defer bb.coord.Leave(ctx)
	waitForPeers(t, bb.coord, 1)

	// Alice's client drops without a graceful leave: the disconnect hook
	// sweeps her record, and bob tears his session down off the roster diff.
	a.conn.Drop()

	waitForPeers(t, bb.coord, 0)
	if got := b.Dump(domain.RoomParticipantPath(room, "alice")); len(got) != 0 {
		t.Fatalf("alice's record survived the drop: %v", got)
	}
}

func TestRejoinAfterLeave(t *testing.T) {
	b := storemem.New()
	ctx := context.Background()

	a := newMember(b, "alice")
	if err := a.coord.Join(ctx); err != nil {
		t.Fatalf("join: %v", err)
	}
	defer a.coord.Leave(ctx)

	bb := newMember(b, "bob")
	if err := bb.coord.Join(ctx); err != nil {
		t.Fatalf("bob join: %v", err)
	}
	waitForPeers(t, a.coord, 1)

	bb.coord.Leave(ctx)
	waitForPeers(t, a.coord, 0)

	// A fresh coordinator models the rejoin; the old one's listeners are
	// detached and its state swept.
	bb2 := newMember(b, "bob")
	if err := bb2.coord.Join(ctx); err != nil {
		t.Fatalf("bob rejoin: %v", err)
	}
	defer bb2.coord.Leave(ctx)

	waitForPeers(t, a.coord, 1)
	waitForState(t, a.coord, "bob", peer.StateConnected)
}

func TestOfferDirectionIndependentOfJoinOrder(t *testing.T) {
	b := storemem.New()
	ctx := context.Background()

	// Bob joins first this time. The initiator is picked by session id, not
	// by who saw whom arrive, so alice is still the caller.
	bb := newMember(b, "bob")
	if err := bb.coord.Join(ctx); err != nil {
		t.Fatalf("bob join: %v", err)
	}
	defer bb.coord.Leave(ctx)

	a := newMember(b, "alice")
	if err := a.coord.Join(ctx); err != nil {
		t.Fatalf("alice join: %v", err)
	}
	defer a.coord.Leave(ctx)

	waitForState(t, a.coord, "bob", peer.StateConnected)
	waitForState(t, bb.coord, "alice", peer.StateConnected)

	if s, ok := a.coord.peers.Get("bob"); !ok || s.Role() != peer.RoleCaller {
		t.Fatal("alice must be the caller toward bob")
	}
	if s, ok := bb.coord.peers.Get("alice"); !ok || s.Role() != peer.RoleCallee {
		t.Fatal("bob must be the callee toward alice")
	}
}

func TestSessionReofferedAfterFailure(t *testing.T) {
	b := storemem.New()
	ctx := context.Background()

	a := newMember(b, "alice")
	if err := a.coord.Join(ctx); err != nil {
		t.Fatalf("alice join: %v", err)
	}
	defer a.coord.Leave(ctx)

	bb := newMember(b, "bob")
	if err := bb.coord.Join(ctx); err != nil {
		t.Fatalf("bob join: %v", err)
	}
	defer bb.coord.Leave(ctx)

	waitForState(t, a.coord, "bob", peer.StateConnected)
	waitForState(t, bb.coord, "alice", peer.StateConnected)

	// ICE gives out on alice's side; the session closes and unregisters.
	a.net.Transports()[0].FireICE(webrtc.ICEConnectionStateFailed)
	waitForPeers(t, a.coord, 0)

	// Bob refreshes his participant record. The next roster snapshot shows
	// a present peer with no live session, so alice offers again.
	rec := domain.NewParticipantRecord(bb.id)
	if err := bb.conn.Put(ctx, domain.RoomParticipantPath(room, bb.id.ID), rec); err != nil {
		t.Fatalf("republish record: %v", err)
	}

	waitForState(t, a.coord, "bob", peer.StateConnected)
	waitForState(t, bb.coord, "alice", peer.StateConnected)
}

func TestDisconnectSweepsSignalInbox(t *testing.T) {
	b := storemem.New()
	ctx := context.Background()

	a := newMember(b, "alice")
	if err := a.coord.Join(ctx); err != nil {
		t.Fatalf("join: %v", err)
	}

	// An undecodable leaf is never acked, so it sits in the inbox until the
	// disconnect hook sweeps the whole queue.
	seed := b.Open("seed")
	inbox := domain.RoomSignalsPath(room, "alice")
	if err := seed.Put(ctx, inbox+"/stale", "junk"); err != nil {
		t.Fatalf("seed inbox: %v", err)
	}

	a.conn.Drop()

	if got := b.Dump(inbox); len(got) != 0 {
		t.Fatalf("inbox survived the drop: %v", got)
	}
	if got := b.Dump(domain.RoomParticipantPath(room, "alice")); len(got) != 0 {
		t.Fatalf("participant record survived the drop: %v", got)
	}
}
