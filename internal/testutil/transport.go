// Package testutil provides in-memory fakes for the transport and media
// contracts so negotiation logic can be tested without touching real
// PeerConnections.
package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/veilcall/veilcall/internal/core"
)

// FakeNet hands out FakeTransports and remembers them so tests can reach in
// and fire events.
type FakeNet struct {
	// AutoConnect makes each transport report ICE connected once both
	// descriptions are set, letting full signaling round-trips finish.
	AutoConnect bool

	mu         sync.Mutex
	transports []*FakeTransport
}

func (n *FakeNet) Factory() core.TransportFactory {
	return func() (core.PeerTransport, error) {
		t := &FakeTransport{autoConnect: n.AutoConnect}
		n.mu.Lock()
		n.transports = append(n.transports, t)
		n.mu.Unlock()
		return t, nil
	}
}

func (n *FakeNet) Transports() []*FakeTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*FakeTransport(nil), n.transports...)
}

// FakeTransport implements core.PeerTransport in memory.
type FakeTransport struct {
	autoConnect bool

	// OfferErr/AnswerErr make the corresponding call fail.
	OfferErr  error
	AnswerErr error

	mu          sync.Mutex
	closed      bool
	detached    bool
	localSet    bool
	remoteSet   bool
	emitted     bool
	localTracks int
	remoteCands int
	onCandidate func(webrtc.ICECandidateInit)
	onICE       func(webrtc.ICEConnectionState)
	onTrack     func(*webrtc.TrackRemote)
}

var _ core.PeerTransport = (*FakeTransport)(nil)

func (t *FakeTransport) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if t.OfferErr != nil {
		return webrtc.SessionDescription{}, t.OfferErr
	}
	t.mu.Lock()
	t.localSet = true
	t.mu.Unlock()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 fake-offer"}, nil
}

func (t *FakeTransport) AcceptOffer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if t.AnswerErr != nil {
		return webrtc.SessionDescription{}, t.AnswerErr
	}
	if offer.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, errors.New("not an offer")
	}
	t.mu.Lock()
	t.localSet = true
	t.remoteSet = true
	t.mu.Unlock()
	t.maybeEmit()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 fake-answer"}, nil
}

func (t *FakeTransport) AcceptAnswer(ctx context.Context, answer webrtc.SessionDescription) error {
	if answer.Type != webrtc.SDPTypeAnswer {
		return errors.New("not an answer")
	}
	t.mu.Lock()
	t.remoteSet = true
	t.mu.Unlock()
	t.maybeEmit()
	return nil
}

func (t *FakeTransport) HasRemoteDescription() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remoteSet
}

func (t *FakeTransport) AddRemoteCandidate(webrtc.ICECandidateInit) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.remoteSet {
		return errors.New("remote description not set")
	}
	t.remoteCands++
	return nil
}

func (t *FakeTransport) AddLocalTrack(webrtc.TrackLocal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("transport closed")
	}
	t.localTracks++
	return nil
}

func (t *FakeTransport) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) {
	t.mu.Lock()
	t.onCandidate = fn
	t.mu.Unlock()
}

func (t *FakeTransport) OnICEStateChange(fn func(webrtc.ICEConnectionState)) {
	t.mu.Lock()
	t.onICE = fn
	t.mu.Unlock()
}

func (t *FakeTransport) OnRemoteTrack(fn func(*webrtc.TrackRemote)) {
	t.mu.Lock()
	t.onTrack = fn
	t.mu.Unlock()
}

func (t *FakeTransport) Detach() {
	t.mu.Lock()
	t.detached = true
	t.onCandidate = nil
	t.onICE = nil
	t.onTrack = nil
	t.mu.Unlock()
}

func (t *FakeTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

// maybeEmit runs once, after both descriptions are applied: one gathered
// candidate, and the ICE connected progression when AutoConnect is on.
func (t *FakeTransport) maybeEmit() {
	t.mu.Lock()
	if t.emitted || !t.localSet || !t.remoteSet {
		t.mu.Unlock()
		return
	}
	t.emitted = true
	onCandidate := t.onCandidate
	auto := t.autoConnect
	t.mu.Unlock()

	go func() {
		if onCandidate != nil {
			onCandidate(webrtc.ICECandidateInit{Candidate: "candidate:fake 1 udp 1 127.0.0.1 9 typ host"})
		}
		if auto {
			t.FireICE(webrtc.ICEConnectionStateChecking)
			t.FireICE(webrtc.ICEConnectionStateConnected)
		}
	}()
}

// FireICE invokes the registered ICE state callback, if still attached.
func (t *FakeTransport) FireICE(st webrtc.ICEConnectionState) {
	t.mu.Lock()
	fn := t.onICE
	t.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

// EmitCandidate invokes the local-candidate callback, if still attached.
func (t *FakeTransport) EmitCandidate(c webrtc.ICECandidateInit) {
	t.mu.Lock()
	fn := t.onCandidate
	t.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (t *FakeTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *FakeTransport) Detached() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.detached
}

func (t *FakeTransport) RemoteCandidates() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remoteCands
}

func (t *FakeTransport) LocalTracks() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.localTracks
}

// FakeMedia implements core.MediaSource without devices.
type FakeMedia struct {
	// AcquireErr makes Acquire fail, for testing the abort path.
	AcquireErr error

	mu       sync.Mutex
	acquired int
	closed   int
}

var _ core.MediaSource = (*FakeMedia)(nil)

func (m *FakeMedia) Acquire(ctx context.Context) error {
	if m.AcquireErr != nil {
		return m.AcquireErr
	}
	m.mu.Lock()
	m.acquired++
	m.mu.Unlock()
	return nil
}

func (m *FakeMedia) Tracks() []webrtc.TrackLocal { return nil }

func (m *FakeMedia) Close() {
	m.mu.Lock()
	m.closed++
	m.mu.Unlock()
}

func (m *FakeMedia) Acquired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquired
}

func (m *FakeMedia) Closes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
