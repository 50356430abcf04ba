package peer

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/veilcall/veilcall/internal/core"
	"github.com/veilcall/veilcall/internal/domain"
	"github.com/veilcall/veilcall/internal/mailbox"
)

// Manager owns the peerID -> Session map for one controller (a call or a
// room). It builds transports through the injected factory and removes
// sessions from the map when they close, so the map only ever holds live
// negotiations.
type Manager struct {
	factory core.TransportFactory
	mb      *mailbox.Mailbox

	mu       sync.Mutex
	sessions map[domain.SessionID]*Session
}

func NewManager(factory core.TransportFactory, mb *mailbox.Mailbox) *Manager {
	return &Manager{
		factory:  factory,
		mb:       mb,
		sessions: make(map[domain.SessionID]*Session),
	}
}

func (m *Manager) Get(peerID domain.SessionID) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[peerID]
	return s, ok
}

// Peers lists the peers with a live session.
func (m *Manager) Peers() []domain.SessionID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.SessionID, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	return out
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CreateOffer opens a caller-side session toward peerID and starts the offer
// flow. A live session toward that peer already existing is a caller bug;
// it is logged and left untouched.
func (m *Manager) CreateOffer(ctx context.Context, peerID domain.SessionID, tracks []webrtc.TrackLocal, hooks Hooks) (*Session, error) {
	m.mu.Lock()
	if _, ok := m.sessions[peerID]; ok {
		m.mu.Unlock()
		log.Warn().Str("module", "peer").Str("peer", string(peerID)).Msg("createOffer: session already exists")
		return nil, ErrInvalidState
	}
	m.mu.Unlock()

	s, err := m.newSession(peerID, RoleCaller, hooks)
	if err != nil {
		return nil, err
	}
	if err := s.CreateOffer(ctx, tracks); err != nil {
		return nil, err
	}
	return s, nil
}

// AcceptOffer opens a callee-side session for an incoming offer envelope.
// If a non-closed session for this peer exists it is torn down first: the
// last offer wins, modeling a prior call attempt that never cleaned up.
func (m *Manager) AcceptOffer(ctx context.Context, env domain.SignalEnvelope, tracks []webrtc.TrackLocal, hooks Hooks) (*Session, error) {
	peerID := env.SenderID
	m.mu.Lock()
	prior := m.sessions[peerID]
	m.mu.Unlock()
	if prior != nil {
		log.Info().Str("module", "peer").Str("peer", string(peerID)).Msg("replacing stale session, last offer wins")
		prior.Teardown("replaced by new offer")
	}

	s, err := m.newSession(peerID, RoleCallee, hooks)
	if err != nil {
		return nil, err
	}
	if err := s.AcceptOffer(ctx, env, tracks); err != nil {
		return nil, err
	}
	return s, nil
}

// newSession builds the transport and registers the session, wrapping the
// owner's OnClosed so the map entry is dropped before the owner reacts.
func (m *Manager) newSession(peerID domain.SessionID, role Role, hooks Hooks) (*Session, error) {
	transport, err := m.factory()
	if err != nil {
		return nil, err
	}

	ownerClosed := hooks.OnClosed
	hooks.OnClosed = func(id domain.SessionID, reason string) {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		if ownerClosed != nil {
			ownerClosed(id, reason)
		}
	}

	s := NewSession(peerID, role, transport, m.mb, hooks)
	m.mu.Lock()
	m.sessions[peerID] = s
	m.mu.Unlock()
	return s, nil
}

// Teardown closes the session toward peerID, if any.
func (m *Manager) Teardown(peerID domain.SessionID, reason string) {
	m.mu.Lock()
	s, ok := m.sessions[peerID]
	m.mu.Unlock()
	if ok {
		s.Teardown(reason)
	}
}

// TeardownAll closes every live session. Idempotent.
func (m *Manager) TeardownAll(reason string) {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()
	for _, s := range all {
		s.Teardown(reason)
	}
}
