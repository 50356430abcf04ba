// Package peer owns the offer/answer/ICE state machine, one Session per
// remote peer. Async transport callbacks query the machine by reference:
// a transition that is invalid from the current state no-ops (with a log
// line) instead of trusting every callback to re-check ad hoc flags.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/veilcall/veilcall/internal/core"
	"github.com/veilcall/veilcall/internal/domain"
	"github.com/veilcall/veilcall/internal/mailbox"
)

// State of one peer session. Closed is terminal and reachable from anywhere.
type State int

const (
	StateIdle State = iota
	StateOfferSent
	StateOfferReceived
	StateAnswerExchanged
	StateICENegotiating
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOfferSent:
		return "offer-sent"
	case StateOfferReceived:
		return "offer-received"
	case StateAnswerExchanged:
		return "answer-exchanged"
	case StateICENegotiating:
		return "ice-negotiating"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Role determines who initiates the offer.
type Role int

const (
	RoleCaller Role = iota
	RoleCallee
)

func (r Role) String() string {
	if r == RoleCaller {
		return "caller"
	}
	return "callee"
}

var (
	ErrInvalidState = errors.New("operation invalid from current state")
	ErrClosed       = errors.New("peer session closed")
)

// Hooks are the owner's callbacks. SendSignal is bound to the peer's mailbox
// path by the owner; OnClosed fires exactly once, after callbacks are
// detached, so the owner can apply its reveal/cleanup policy.
type Hooks struct {
	SendSignal  func(domain.SignalEnvelope) error
	OnConnected func(peerID domain.SessionID)
	OnClosed    func(peerID domain.SessionID, reason string)
}

// Session negotiates and owns the media transport toward one remote peer.
// In-memory only, never persisted.
type Session struct {
	peerID    domain.SessionID
	role      Role
	transport core.PeerTransport
	mb        *mailbox.Mailbox
	hooks     Hooks

	mu         sync.Mutex
	state      State
	remoteSet  bool
	candidates int // remote candidates applied
}

func NewSession(peerID domain.SessionID, role Role, transport core.PeerTransport, mb *mailbox.Mailbox, hooks Hooks) *Session {
	s := &Session{
		peerID:    peerID,
		role:      role,
		transport: transport,
		mb:        mb,
		hooks:     hooks,
		state:     StateIdle,
	}
	transport.OnLocalCandidate(s.onLocalCandidate)
	transport.OnICEStateChange(s.onICEState)
	return s
}

func (s *Session) PeerID() domain.SessionID { return s.peerID }
func (s *Session) Role() Role               { return s.role }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CandidatesApplied reports how many remote candidates reached the transport.
func (s *Session) CandidatesApplied() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.candidates
}

// CreateOffer attaches the shared tracks, builds the local description and
// emits the offer envelope. Valid only from idle as caller. Any failure
// closes the session and surfaces the error.
func (s *Session) CreateOffer(ctx context.Context, tracks []webrtc.TrackLocal) error {
	s.mu.Lock()
	if s.state != StateIdle || s.role != RoleCaller {
		state := s.state
		s.mu.Unlock()
		log.Warn().Str("module", "peer").Str("peer", string(s.peerID)).Stringer("state", state).Msg("createOffer ignored")
		return fmt.Errorf("%w: createOffer from %s as %s", ErrInvalidState, state, s.role)
	}
	s.mu.Unlock()

	for _, t := range tracks {
		if err := s.transport.AddLocalTrack(t); err != nil {
			s.Teardown("add track: " + err.Error())
			return fmt.Errorf("add local track: %w", err)
		}
	}

	offer, err := s.transport.CreateOffer(ctx)
	if err != nil {
		s.Teardown("create offer: " + err.Error())
		return fmt.Errorf("create offer: %w", err)
	}

	// The description build is an await point; a teardown may have run while
	// it was in flight. Observe closed and stop rather than resurrect state,
	// and never walk back a transition an ICE callback made in the meantime.
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state == StateIdle {
		s.state = StateOfferSent
	}
	s.mu.Unlock()

	payload, err := json.Marshal(offer)
	if err != nil {
		s.Teardown("marshal offer: " + err.Error())
		return err
	}
	if err := s.hooks.SendSignal(s.mb.Envelope(domain.SignalOffer, payload)); err != nil {
		s.Teardown("send offer: " + err.Error())
		return err
	}
	log.Info().Str("module", "peer").Str("peer", string(s.peerID)).Msg("offer sent")
	return nil
}

// AcceptOffer applies a remote offer, attaches the shared tracks and emits
// the answer envelope. Valid only from idle as callee.
func (s *Session) AcceptOffer(ctx context.Context, env domain.SignalEnvelope, tracks []webrtc.TrackLocal) error {
	s.mu.Lock()
	if s.state != StateIdle || s.role != RoleCallee {
		state := s.state
		s.mu.Unlock()
		log.Warn().Str("module", "peer").Str("peer", string(s.peerID)).Stringer("state", state).Msg("acceptOffer ignored")
		return fmt.Errorf("%w: acceptOffer from %s as %s", ErrInvalidState, state, s.role)
	}
	s.state = StateOfferReceived
	s.mu.Unlock()

	var offer webrtc.SessionDescription
	if err := json.Unmarshal(env.Payload, &offer); err != nil {
		s.Teardown("bad offer payload: " + err.Error())
		return fmt.Errorf("bad offer payload: %w", err)
	}

	for _, t := range tracks {
		if err := s.transport.AddLocalTrack(t); err != nil {
			s.Teardown("add track: " + err.Error())
			return fmt.Errorf("add local track: %w", err)
		}
	}

	answer, err := s.transport.AcceptOffer(ctx, offer)
	if err != nil {
		s.Teardown("accept offer: " + err.Error())
		return fmt.Errorf("accept offer: %w", err)
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state == StateOfferReceived {
		s.state = StateAnswerExchanged
	}
	s.remoteSet = true
	s.mu.Unlock()

	payload, err := json.Marshal(answer)
	if err != nil {
		s.Teardown("marshal answer: " + err.Error())
		return err
	}
	if err := s.hooks.SendSignal(s.mb.Envelope(domain.SignalAnswer, payload)); err != nil {
		s.Teardown("send answer: " + err.Error())
		return err
	}
	log.Info().Str("module", "peer").Str("peer", string(s.peerID)).Msg("offer accepted, answer sent")
	return nil
}

// AcceptAnswer applies the remote answer. Valid only from offer-sent; a
// duplicate delivery (the mailbox is at-least-once) is logged and ignored.
func (s *Session) AcceptAnswer(ctx context.Context, env domain.SignalEnvelope) error {
	s.mu.Lock()
	if s.remoteSet {
		s.mu.Unlock()
		log.Info().Str("module", "peer").Str("peer", string(s.peerID)).Msg("duplicate answer ignored")
		return nil
	}
	if s.state != StateOfferSent {
		state := s.state
		s.mu.Unlock()
		log.Warn().Str("module", "peer").Str("peer", string(s.peerID)).Stringer("state", state).Msg("acceptAnswer ignored")
		return fmt.Errorf("%w: acceptAnswer from %s", ErrInvalidState, state)
	}
	s.mu.Unlock()

	var answer webrtc.SessionDescription
	if err := json.Unmarshal(env.Payload, &answer); err != nil {
		s.Teardown("bad answer payload: " + err.Error())
		return fmt.Errorf("bad answer payload: %w", err)
	}
	if err := s.transport.AcceptAnswer(ctx, answer); err != nil {
		s.Teardown("accept answer: " + err.Error())
		return fmt.Errorf("accept answer: %w", err)
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state == StateOfferSent {
		s.state = StateAnswerExchanged
	}
	s.remoteSet = true
	s.mu.Unlock()
	log.Info().Str("module", "peer").Str("peer", string(s.peerID)).Msg("answer applied")
	return nil
}

// AddRemoteCandidate applies one remote ICE candidate. Candidates arriving
// before the remote description are dropped with a warning, not buffered —
// a known limitation kept for parity with observed behavior.
func (s *Session) AddRemoteCandidate(env domain.SignalEnvelope) error {
	s.mu.Lock()
	if !s.remoteSet || (s.state != StateAnswerExchanged && s.state != StateICENegotiating) {
		state := s.state
		s.mu.Unlock()
		log.Warn().Str("module", "peer").Str("peer", string(s.peerID)).Stringer("state", state).Msg("dropping early/late remote candidate")
		return nil
	}
	if s.state == StateAnswerExchanged {
		s.state = StateICENegotiating
	}
	s.mu.Unlock()

	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(env.Payload, &cand); err != nil {
		log.Warn().Err(err).Str("module", "peer").Str("peer", string(s.peerID)).Msg("dropping malformed candidate")
		return nil
	}
	if err := s.transport.AddRemoteCandidate(cand); err != nil {
		// Negotiation error for this one peer; the session fails alone.
		s.Teardown("add candidate: " + err.Error())
		return fmt.Errorf("add remote candidate: %w", err)
	}

	s.mu.Lock()
	s.candidates++
	s.mu.Unlock()
	return nil
}

// onLocalCandidate forwards gathered candidates to the peer's mailbox. The
// transport adapter already filters the gathering-complete sentinel.
func (s *Session) onLocalCandidate(ci webrtc.ICECandidateInit) {
	s.mu.Lock()
	closed := s.state == StateClosed
	s.mu.Unlock()
	if closed {
		return
	}
	payload, err := json.Marshal(ci)
	if err != nil {
		log.Error().Err(err).Str("module", "peer").Msg("marshal local candidate")
		return
	}
	if err := s.hooks.SendSignal(s.mb.Envelope(domain.SignalCandidate, payload)); err != nil {
		log.Warn().Err(err).Str("module", "peer").Str("peer", string(s.peerID)).Msg("send candidate failed")
	}
}

// onICEState drives the tail of the machine. Disconnected is transient and
// never tears down immediately; only failed/closed are fatal.
func (s *Session) onICEState(st webrtc.ICEConnectionState) {
	log.Info().Str("module", "peer").Str("peer", string(s.peerID)).Str("ice_state", st.String()).Msg("ICE state")
	switch st {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		s.mu.Lock()
		if s.state == StateConnected || s.state == StateClosed {
			s.mu.Unlock()
			return
		}
		s.state = StateConnected
		s.mu.Unlock()
		if s.hooks.OnConnected != nil {
			s.hooks.OnConnected(s.peerID)
		}
	case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateClosed:
		s.Teardown("ice " + st.String())
	case webrtc.ICEConnectionStateDisconnected:
		log.Warn().Str("module", "peer").Str("peer", string(s.peerID)).Msg("ICE disconnected, waiting it out")
	case webrtc.ICEConnectionStateChecking:
		s.mu.Lock()
		if s.state == StateAnswerExchanged {
			s.state = StateICENegotiating
		}
		s.mu.Unlock()
	}
}

// Teardown closes the session from any state: callbacks are detached first
// so nothing fires into freed state, then the transport is closed. Always
// succeeds; sub-step errors are logged, never propagated. Idempotent — the
// owner's OnClosed hook fires at most once.
func (s *Session) Teardown(reason string) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.mu.Unlock()

	s.transport.Detach()
	if err := s.transport.Close(); err != nil {
		log.Warn().Err(err).Str("module", "peer").Str("peer", string(s.peerID)).Msg("transport close")
	}
	log.Info().Str("module", "peer").Str("peer", string(s.peerID)).Str("reason", reason).Msg("session closed")

	if s.hooks.OnClosed != nil {
		s.hooks.OnClosed(s.peerID, reason)
	}
}
