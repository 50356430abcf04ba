// Package mesh maintains the full-mesh topology of a conference room: one
// peer session per other roster member, with the roster collection as the
// sole authority for connection lifecycle. Sessions are a derived,
// eventually-consistent projection of the roster, reconciled on every
// snapshot, which makes the logic idempotent under duplicate or out-of-order
// roster notifications.
package mesh

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/veilcall/veilcall/internal/core"
	"github.com/veilcall/veilcall/internal/domain"
	"github.com/veilcall/veilcall/internal/mailbox"
	"github.com/veilcall/veilcall/internal/peer"
)

const (
	subRoster  = "roster"
	subMailbox = "mailbox"
)

// Coordinator runs one client's participation in one conference room.
type Coordinator struct {
	self  domain.Identity
	room  domain.RoomID
	store core.RealtimeStore
	mb    *mailbox.Mailbox
	peers *peer.Manager
	media core.MediaSource
	subs  *core.SubscriptionManager

	// OnRoster, if set, receives every decoded roster snapshot (for the UI
	// participant list). Called from the watch goroutine.
	OnRoster func([]domain.ParticipantRecord)

	mu     sync.Mutex
	joined bool
}

func NewCoordinator(self domain.Identity, room domain.RoomID, store core.RealtimeStore, factory core.TransportFactory, media core.MediaSource) *Coordinator {
	mb := mailbox.New(store, self)
	return &Coordinator{
		self:  self,
		room:  room,
		store: store,
		mb:    mb,
		peers: peer.NewManager(factory, mb),
		media: media,
		subs:  core.NewSubscriptionManager(),
	}
}

// Join acquires local media, publishes the participant record (with a
// disconnect sweep armed) and starts the mailbox and roster listeners.
func (c *Coordinator) Join(ctx context.Context) error {
	c.mu.Lock()
	if c.joined {
		c.mu.Unlock()
		return nil
	}
	c.joined = true
	c.mu.Unlock()

	if err := c.media.Acquire(ctx); err != nil {
		c.Leave(ctx)
		return err
	}

	inbox := domain.RoomSignalsPath(c.room, c.self.ID)
	if err := c.subs.RegisterOnce(subMailbox, func() (func(), error) {
		return c.mb.Listen(inbox, c.handleEnvelope)
	}); err != nil {
		c.Leave(ctx)
		return err
	}
	// The inbox is swept on connection loss like the participant record:
	// stale envelopes addressed to a dead session must not greet a rejoin.
	if err := c.store.OnDisconnectDelete(inbox); err != nil {
		c.Leave(ctx)
		return err
	}

	recordPath := domain.RoomParticipantPath(c.room, c.self.ID)
	if err := c.store.OnDisconnectDelete(recordPath); err != nil {
		c.Leave(ctx)
		return err
	}
	if err := c.store.Put(ctx, recordPath, domain.NewParticipantRecord(c.self)); err != nil {
		c.Leave(ctx)
		return err
	}

	if err := c.subs.RegisterOnce(subRoster, c.watchRoster); err != nil {
		c.Leave(ctx)
		return err
	}

	log.Info().Str("module", "mesh").Str("room", string(c.room)).Str("id", string(c.self.ID)).Msg("joined room")
	return nil
}

func (c *Coordinator) watchRoster() (func(), error) {
	sub, err := c.store.Watch(domain.RoomParticipantsPath(c.room))
	if err != nil {
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case snap, ok := <-sub.C():
				if !ok {
					return
				}
				c.applyRoster(decodeRoster(snap))
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			sub.Close()
		})
	}, nil
}

// applyRoster reconciles sessions against the latest roster snapshot. A
// present peer with no live session gets an offer when the tie-break picks
// us as the initiator: the lexicographically lower session id offers,
// the higher side waits for the offer. The rule is a pure function of the
// two ids, so both sides agree without coordination, glare cannot happen,
// and a session lost to an ICE failure is re-offered on the next snapshot.
func (c *Coordinator) applyRoster(roster []domain.ParticipantRecord) {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if c.OnRoster != nil {
		c.OnRoster(roster)
	}

	present := make(map[domain.SessionID]struct{}, len(roster))
	for _, rec := range roster {
		present[rec.ID] = struct{}{}
		if rec.ID == c.self.ID {
			continue
		}
		if _, ok := c.peers.Get(rec.ID); ok {
			continue
		}
		if c.self.ID >= rec.ID {
			continue
		}
		log.Info().Str("module", "mesh").Str("peer", string(rec.ID)).Msg("no session toward peer, offering")
		if _, err := c.peers.CreateOffer(context.Background(), rec.ID, c.media.Tracks(), c.hooksFor(rec.ID)); err != nil {
			// This peer alone fails; the rest of the mesh is unaffected.
			log.Error().Err(err).Str("module", "mesh").Str("peer", string(rec.ID)).Msg("offer failed")
		}
	}

	for _, id := range c.peers.Peers() {
		if _, ok := present[id]; !ok {
			log.Info().Str("module", "mesh").Str("peer", string(id)).Msg("participant left, tearing down")
			c.peers.Teardown(id, "left roster")
		}
	}
}

// handleEnvelope consumes one mailbox envelope. Offers are accepted
// unconditionally regardless of local roster state: an offer is evidence the
// sender considers us a participant.
func (c *Coordinator) handleEnvelope(env domain.SignalEnvelope) {
	ctx := context.Background()
	switch env.Kind {
	case domain.SignalOffer:
		if _, err := c.peers.AcceptOffer(ctx, env, c.media.Tracks(), c.hooksFor(env.SenderID)); err != nil {
			log.Error().Err(err).Str("module", "mesh").Str("peer", string(env.SenderID)).Msg("accept offer failed")
		}
	case domain.SignalAnswer:
		if s, ok := c.peers.Get(env.SenderID); ok {
			if err := s.AcceptAnswer(ctx, env); err != nil {
				log.Warn().Err(err).Str("module", "mesh").Str("peer", string(env.SenderID)).Msg("accept answer")
			}
		} else {
			log.Warn().Str("module", "mesh").Str("peer", string(env.SenderID)).Msg("answer for unknown session dropped")
		}
	case domain.SignalCandidate:
		if s, ok := c.peers.Get(env.SenderID); ok {
			if err := s.AddRemoteCandidate(env); err != nil {
				log.Warn().Err(err).Str("module", "mesh").Str("peer", string(env.SenderID)).Msg("apply candidate")
			}
		} else {
			log.Warn().Str("module", "mesh").Str("peer", string(env.SenderID)).Msg("candidate for unknown session dropped")
		}
	default:
		log.Warn().Str("module", "mesh").Str("kind", string(env.Kind)).Msg("unknown envelope kind")
	}

	if err := c.mb.Ack(ctx, domain.RoomSignalsPath(c.room, c.self.ID), env.ID); err != nil {
		log.Warn().Err(err).Str("module", "mesh").Msg("ack failed")
	}
}

func (c *Coordinator) hooksFor(id domain.SessionID) peer.Hooks {
	outbox := domain.RoomSignalsPath(c.room, id)
	return peer.Hooks{
		SendSignal: func(env domain.SignalEnvelope) error {
			return c.mb.Send(context.Background(), outbox, env)
		},
		OnConnected: func(peerID domain.SessionID) {
			log.Info().Str("module", "mesh").Str("peer", string(peerID)).Msg("peer connected")
		},
	}
}

// Peers exposes the live session count, mostly for the UI and tests.
func (c *Coordinator) Peers() []domain.SessionID { return c.peers.Peers() }

// Leave runs the cleanup protocol for the room: detach listeners, tear down
// every session, release local media, sweep this identity's mailbox and
// participant record. Idempotent and unconditionally best-effort — it runs
// on explicit leave, tab hide and component teardown alike.
func (c *Coordinator) Leave(ctx context.Context) {
	c.mu.Lock()
	c.joined = false
	c.mu.Unlock()

	c.subs.UnregisterAll()
	c.peers.TeardownAll("leaving room")
	c.media.Close()

	recordPath := domain.RoomParticipantPath(c.room, c.self.ID)
	if err := c.store.CancelOnDisconnect(recordPath); err != nil {
		log.Debug().Err(err).Str("module", "mesh").Msg("cancel disconnect hook")
	}
	inbox := domain.RoomSignalsPath(c.room, c.self.ID)
	if err := c.store.CancelOnDisconnect(inbox); err != nil {
		log.Debug().Err(err).Str("module", "mesh").Msg("cancel disconnect hook")
	}
	c.mb.Purge(ctx, inbox)
	if err := c.store.Delete(ctx, recordPath); err != nil {
		log.Warn().Err(err).Str("module", "mesh").Msg("participant record delete failed")
	}
	log.Info().Str("module", "mesh").Str("room", string(c.room)).Msg("left room")
}

func decodeRoster(snap core.Snapshot) []domain.ParticipantRecord {
	out := make([]domain.ParticipantRecord, 0, len(snap))
	for key, raw := range snap {
		var rec domain.ParticipantRecord
		if err := json.Unmarshal(raw, &rec); err != nil || rec.ID == "" {
			log.Warn().Str("module", "mesh").Str("key", key).Msg("dropping malformed participant record")
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt < out[j].JoinedAt })
	return out
}
