// Package call runs the 1:1 anonymous call lifecycle: idle → dialing or
// connecting → connected → revealed → idle. The caller parks a pending-offer
// envelope in the callee's personal mailbox and allocates an ephemeral room
// that namespaces the answer slot and both candidate queues; the callee
// discovers the call through its pending-offer listener.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/veilcall/veilcall/internal/core"
	"github.com/veilcall/veilcall/internal/domain"
	"github.com/veilcall/veilcall/internal/mailbox"
	"github.com/veilcall/veilcall/internal/peer"
	"github.com/veilcall/veilcall/internal/presence"
)

// Phase of the call lifecycle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseDialing
	PhaseConnecting
	PhaseConnected
	PhaseRevealed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseDialing:
		return "dialing"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	case PhaseRevealed:
		return "revealed"
	default:
		return "unknown"
	}
}

var (
	// ErrBusy: only one concurrent call per identity.
	ErrBusy = errors.New("a call is already in progress")
	// ErrMediaAcquisition: camera/mic denied or unavailable. Surfaced to the
	// user; the call aborts back to idle with no retry.
	ErrMediaAcquisition = errors.New("local media acquisition failed")
	// ErrNoPeers: lucky dial found nobody else online.
	ErrNoPeers = errors.New("nobody else is online")
)

const (
	subPresence     = "presence"
	subPendingOffer = "pendingOffer"
	subAnswer       = "call.answer"
	subCandidates   = "call.candidates"
)

// Controller is the per-session 1:1 call state machine. All public methods
// are safe for concurrent use with the store listener callbacks.
type Controller struct {
	self     domain.Identity
	store    core.RealtimeStore
	mb       *mailbox.Mailbox
	peers    *peer.Manager
	media    core.MediaSource
	registry *presence.Registry
	subs     *core.SubscriptionManager

	// OnPhase and OnReveal are UI callbacks; both optional. OnReveal receives
	// the peer's profile captured at hangup.
	OnPhase  func(Phase)
	OnReveal func(domain.Identity)
	// OnRoster receives every presence snapshot for the online-users list.
	OnRoster func([]domain.PresenceRecord)

	mu        sync.Mutex
	phase     Phase
	room      domain.RoomID
	peerID    domain.SessionID
	peerName  string
	reached   bool // the call made it to connected at least once
	dialedFor domain.SessionID
	roster    map[domain.SessionID]domain.PresenceRecord
}

func NewController(self domain.Identity, store core.RealtimeStore, factory core.TransportFactory, media core.MediaSource) *Controller {
	mb := mailbox.New(store, self)
	return &Controller{
		self:     self,
		store:    store,
		mb:       mb,
		peers:    peer.NewManager(factory, mb),
		media:    media,
		registry: presence.NewRegistry(store),
		subs:     core.NewSubscriptionManager(),
		phase:    PhaseIdle,
		roster:   make(map[domain.SessionID]domain.PresenceRecord),
	}
}

// Start publishes presence and begins listening for the online roster and
// for incoming pending offers.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.registry.Publish(ctx, c.self); err != nil {
		return err
	}
	if err := c.subs.RegisterOnce(subPresence, func() (func(), error) {
		return c.registry.Subscribe(c.onPresence)
	}); err != nil {
		return err
	}
	return c.subs.RegisterOnce(subPendingOffer, c.watchPendingOffer)
}

func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Controller) onPresence(records []domain.PresenceRecord) {
	c.mu.Lock()
	c.roster = make(map[domain.SessionID]domain.PresenceRecord, len(records))
	for _, rec := range records {
		c.roster[rec.ID] = rec
	}
	c.mu.Unlock()
	if c.OnRoster != nil {
		c.OnRoster(records)
	}
}

// Dial starts a call toward target: acquire media, create the caller-side
// session, park the pending offer in the target's personal mailbox and
// listen for the answer and the callee's candidates.
func (c *Controller) Dial(ctx context.Context, target domain.SessionID) error {
	c.mu.Lock()
	if c.phase != PhaseIdle {
		c.mu.Unlock()
		return ErrBusy
	}
	c.phase = PhaseDialing
	c.room = domain.NewCallRoomID()
	c.peerID = target
	c.dialedFor = target
	c.reached = false
	room := c.room
	c.mu.Unlock()
	c.notifyPhase(PhaseDialing)

	if err := c.media.Acquire(ctx); err != nil {
		c.abort(ctx)
		return fmt.Errorf("%w: %v", ErrMediaAcquisition, err)
	}

	if err := c.listenCall(room, target); err != nil {
		c.abort(ctx)
		return err
	}

	if _, err := c.peers.CreateOffer(ctx, target, c.media.Tracks(), c.hooksFor(room, target)); err != nil {
		c.abort(ctx)
		return err
	}
	log.Info().Str("module", "call").Str("target", string(target)).Str("room", string(room)).Msg("dialing")
	return nil
}

// DialLucky picks a random online peer (excluding self) and dials it.
func (c *Controller) DialLucky(ctx context.Context) error {
	c.mu.Lock()
	candidates := make([]domain.SessionID, 0, len(c.roster))
	for id := range c.roster {
		if id != c.self.ID {
			candidates = append(candidates, id)
		}
	}
	c.mu.Unlock()
	if len(candidates) == 0 {
		return ErrNoPeers
	}
	return c.Dial(ctx, candidates[rand.Intn(len(candidates))])
}

// watchPendingOffer watches the personal mailbox slot at
// callSignals/<self>/pendingOffer.
func (c *Controller) watchPendingOffer() (func(), error) {
	sub, err := c.store.Watch(domain.CallSignalsPath(c.self.ID))
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
				raw, ok := snap["pendingOffer"]
				if !ok {
					continue
				}
				var env domain.SignalEnvelope
				if err := json.Unmarshal(raw, &env); err != nil || env.ID == "" || env.Room == "" {
					log.Warn().Str("module", "call").Msg("dropping malformed pending offer")
					_ = c.store.Delete(context.Background(), domain.PendingOfferPath(c.self.ID))
					continue
				}
				c.onPendingOffer(context.Background(), env)
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

// onPendingOffer answers an incoming call, or discards it when not idle —
// one concurrent call per identity, the envelope is deleted either way.
func (c *Controller) onPendingOffer(ctx context.Context, env domain.SignalEnvelope) {
	c.mu.Lock()
	if c.phase != PhaseIdle {
		c.mu.Unlock()
		log.Info().Str("module", "call").Str("from", string(env.SenderID)).Msg("busy, discarding pending offer")
		if err := c.store.Delete(ctx, domain.PendingOfferPath(c.self.ID)); err != nil {
			log.Warn().Err(err).Str("module", "call").Msg("discard pending offer")
		}
		return
	}
	c.phase = PhaseConnecting
	c.room = env.Room
	c.peerID = env.SenderID
	c.peerName = env.SenderName
	c.reached = false
	room := c.room
	caller := env.SenderID
	c.mu.Unlock()
	c.notifyPhase(PhaseConnecting)

	// Consume the slot before answering; a second glance at the same
	// snapshot must not re-enter.
	if err := c.store.Delete(ctx, domain.PendingOfferPath(c.self.ID)); err != nil {
		log.Warn().Err(err).Str("module", "call").Msg("consume pending offer")
	}

	if err := c.media.Acquire(ctx); err != nil {
		log.Error().Err(err).Str("module", "call").Msg("media acquisition failed, aborting incoming call")
		c.abort(ctx)
		return
	}

	if err := c.listenCandidates(room, caller); err != nil {
		c.abort(ctx)
		return
	}

	if _, err := c.peers.AcceptOffer(ctx, env, c.media.Tracks(), c.hooksFor(room, caller)); err != nil {
		log.Error().Err(err).Str("module", "call").Msg("accept offer failed")
		c.abort(ctx)
		return
	}
	log.Info().Str("module", "call").Str("from", string(caller)).Str("room", string(room)).Msg("answering call")
}

// hooksFor routes a session's outgoing envelopes: the offer goes to the
// callee's personal pending-offer slot (stamped with the room), the answer
// to the room's answer slot, candidates to this side's room-scoped queue.
func (c *Controller) hooksFor(room domain.RoomID, other domain.SessionID) peer.Hooks {
	return peer.Hooks{
		SendSignal: func(env domain.SignalEnvelope) error {
			ctx := context.Background()
			switch env.Kind {
			case domain.SignalOffer:
				env.Room = room
				if err := c.store.Put(ctx, domain.PendingOfferPath(other), env); err != nil {
					return fmt.Errorf("%w: pending offer: %v", mailbox.ErrTransport, err)
				}
				return nil
			case domain.SignalAnswer:
				if err := c.store.Put(ctx, domain.CallAnswerPath(room), env); err != nil {
					return fmt.Errorf("%w: answer: %v", mailbox.ErrTransport, err)
				}
				return nil
			default:
				return c.mb.Send(ctx, domain.CallCandidatesPath(room, c.self.ID), env)
			}
		},
		OnConnected: c.onConnected,
		OnClosed:    c.onSessionClosed,
	}
}

// listenCall attaches the caller's answer-slot and candidate listeners.
func (c *Controller) listenCall(room domain.RoomID, callee domain.SessionID) error {
	if err := c.subs.RegisterOnce(subAnswer, func() (func(), error) {
		return c.watchAnswer(room, callee)
	}); err != nil {
		return err
	}
	return c.listenCandidates(room, callee)
}

func (c *Controller) listenCandidates(room domain.RoomID, other domain.SessionID) error {
	return c.subs.RegisterOnce(subCandidates, func() (func(), error) {
		return c.mb.Listen(domain.CallCandidatesPath(room, other), c.onCandidate(room, other))
	})
}

func (c *Controller) watchAnswer(room domain.RoomID, callee domain.SessionID) (func(), error) {
	sub, err := c.store.Watch(domain.CallRoomPath(room))
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
				raw, ok := snap["answer"]
				if !ok {
					continue
				}
				var env domain.SignalEnvelope
				if err := json.Unmarshal(raw, &env); err != nil || env.ID == "" {
					log.Warn().Str("module", "call").Msg("dropping malformed answer")
					continue
				}
				ctx := context.Background()
				if s, ok := c.peers.Get(callee); ok {
					// AcceptAnswer ignores duplicate deliveries itself.
					if err := s.AcceptAnswer(ctx, env); err != nil {
						log.Warn().Err(err).Str("module", "call").Msg("accept answer")
					}
				}
				if err := c.store.Delete(ctx, domain.CallAnswerPath(room)); err != nil {
					log.Warn().Err(err).Str("module", "call").Msg("consume answer")
				}
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

func (c *Controller) onCandidate(room domain.RoomID, other domain.SessionID) func(domain.SignalEnvelope) {
	queue := domain.CallCandidatesPath(room, other)
	return func(env domain.SignalEnvelope) {
		ctx := context.Background()
		if env.Kind == domain.SignalCandidate {
			if s, ok := c.peers.Get(other); ok {
				if err := s.AddRemoteCandidate(env); err != nil {
					log.Warn().Err(err).Str("module", "call").Msg("apply candidate")
				}
			}
		} else {
			log.Warn().Str("module", "call").Str("kind", string(env.Kind)).Msg("unexpected envelope in candidate queue")
		}
		if err := c.mb.Ack(ctx, queue, env.ID); err != nil {
			log.Warn().Err(err).Str("module", "call").Msg("ack candidate")
		}
	}
}

func (c *Controller) onConnected(peerID domain.SessionID) {
	c.mu.Lock()
	if c.phase != PhaseDialing && c.phase != PhaseConnecting {
		c.mu.Unlock()
		return
	}
	c.phase = PhaseConnected
	c.reached = true
	c.mu.Unlock()
	log.Info().Str("module", "call").Str("peer", string(peerID)).Msg("call connected")
	c.notifyPhase(PhaseConnected)
}

// onSessionClosed handles fatal session loss (ICE failure, negotiation
// error). A hangup-initiated teardown has already moved the phase on, so
// this only reacts while the call is still live — and never reveals.
func (c *Controller) onSessionClosed(peerID domain.SessionID, reason string) {
	c.mu.Lock()
	active := c.phase == PhaseDialing || c.phase == PhaseConnecting || c.phase == PhaseConnected
	c.mu.Unlock()
	if !active {
		return
	}
	log.Warn().Str("module", "call").Str("peer", string(peerID)).Str("reason", reason).Msg("session lost, ending call")
	c.abort(context.Background())
}

// HangUp ends the current call. If it ever reached connected the peer's
// profile is captured and the controller moves to revealed; otherwise it
// goes straight back to idle. Cleanup runs either way.
func (c *Controller) HangUp(ctx context.Context) {
	c.mu.Lock()
	switch c.phase {
	case PhaseIdle, PhaseRevealed:
		c.mu.Unlock()
		return
	}
	reveal := c.reached
	profile := c.peerProfileLocked()
	if reveal {
		c.phase = PhaseRevealed
	} else {
		c.phase = PhaseIdle
	}
	next := c.phase
	c.mu.Unlock()

	c.cleanupCall(ctx)
	c.notifyPhase(next)
	if reveal {
		log.Info().Str("module", "call").Str("peer", string(profile.ID)).Msg("revealing peer profile")
		if c.OnReveal != nil {
			c.OnReveal(profile)
		}
	}
}

// DismissReveal returns to idle after the reveal screen.
func (c *Controller) DismissReveal() {
	c.mu.Lock()
	if c.phase != PhaseRevealed {
		c.mu.Unlock()
		return
	}
	c.phase = PhaseIdle
	c.mu.Unlock()
	c.notifyPhase(PhaseIdle)
}

// peerProfileLocked captures the peer identity for the reveal screen from
// last-known presence data, or synthesizes a minimal one.
func (c *Controller) peerProfileLocked() domain.Identity {
	if rec, ok := c.roster[c.peerID]; ok {
		return rec.Identity()
	}
	name := c.peerName
	if name == "" {
		name = "Anonymous"
	}
	return domain.Identity{ID: c.peerID, DisplayName: name}
}

// abort ends the call attempt with no reveal, from any state.
func (c *Controller) abort(ctx context.Context) {
	c.mu.Lock()
	wasIdle := c.phase == PhaseIdle
	c.phase = PhaseIdle
	c.mu.Unlock()
	c.cleanupCall(ctx)
	if !wasIdle {
		c.notifyPhase(PhaseIdle)
	}
}

// cleanupCall is the call-scoped portion of the cleanup protocol: detach the
// call listeners, tear down the session, release local media, sweep every
// store key the call touched. Unconditionally best-effort and idempotent —
// the store gives no cross-key atomicity, so every delete tolerates
// already-gone keys.
func (c *Controller) cleanupCall(ctx context.Context) {
	c.mu.Lock()
	room := c.room
	dialed := c.dialedFor
	c.room = ""
	c.peerID = ""
	c.peerName = ""
	c.dialedFor = ""
	c.mu.Unlock()

	c.subs.Unregister(subAnswer)
	c.subs.Unregister(subCandidates)
	c.peers.TeardownAll("call ended")
	c.media.Close()

	if room == "" {
		return
	}
	if dialed != "" {
		// We parked a pending offer; sweep it in case it was never consumed.
		if err := c.store.Delete(ctx, domain.PendingOfferPath(dialed)); err != nil {
			log.Warn().Err(err).Str("module", "call").Msg("sweep pending offer")
		}
	}
	if err := c.store.Delete(ctx, domain.CallRoomPath(room)); err != nil {
		log.Warn().Err(err).Str("module", "call").Msg("sweep call room")
	}
	if err := c.store.Delete(ctx, domain.CallCandidatesRootPath(room)); err != nil {
		log.Warn().Err(err).Str("module", "call").Msg("sweep candidates")
	}
}

// Stop tears the controller down entirely: end any call, drop the presence
// record, detach every listener. Runs on tab close and component teardown;
// idempotent.
func (c *Controller) Stop(ctx context.Context) {
	c.mu.Lock()
	c.phase = PhaseIdle
	c.mu.Unlock()

	c.cleanupCall(ctx)
	c.subs.UnregisterAll()
	c.registry.Unpublish(ctx, c.self.ID)
	c.registry.Close()
	if err := c.store.Delete(ctx, domain.CallSignalsPath(c.self.ID)); err != nil {
		log.Warn().Err(err).Str("module", "call").Msg("sweep personal mailbox")
	}
	log.Info().Str("module", "call").Str("id", string(c.self.ID)).Msg("controller stopped")
}

func (c *Controller) notifyPhase(p Phase) {
	if c.OnPhase != nil {
		c.OnPhase(p)
	}
}
