// Package rtc adapts pion PeerConnections to the core.PeerTransport
// contract. Negotiation is trickle-style: local candidates surface through
// the callback as they are gathered and travel over the signaling mailbox.
package rtc

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/veilcall/veilcall/internal/core"
)

// ICEConfig carries the STUN/TURN servers from configuration. TURN is
// configuration only; no relay logic lives here.
type ICEConfig struct {
	STUNServers []string
	TURNServers []string
	TURNUser    string
	TURNPass    string
}

func (c ICEConfig) webrtcConfiguration() webrtc.Configuration {
	servers := []webrtc.ICEServer{}
	if len(c.STUNServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: c.STUNServers})
	}
	if len(c.TURNServers) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:       c.TURNServers,
			Username:   c.TURNUser,
			Credential: c.TURNPass,
		})
	}
	return webrtc.Configuration{ICEServers: servers}
}

// NewFactory returns a core.TransportFactory producing pion transports with
// the given ICE servers.
func NewFactory(cfg ICEConfig) core.TransportFactory {
	wc := cfg.webrtcConfiguration()
	return func() (core.PeerTransport, error) {
		pc, err := webrtc.NewPeerConnection(wc)
		if err != nil {
			return nil, err
		}
		return newTransport(pc), nil
	}
}

type transport struct {
	pc *webrtc.PeerConnection

	mu          sync.RWMutex
	closed      bool
	onCandidate func(webrtc.ICECandidateInit)
	onICEState  func(webrtc.ICEConnectionState)
	onTrack     func(*webrtc.TrackRemote)
}

var _ core.PeerTransport = (*transport)(nil)

func newTransport(pc *webrtc.PeerConnection) *transport {
	t := &transport{pc: pc}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			// Gathering-complete sentinel; never transmitted.
			return
		}
		t.mu.RLock()
		cb := t.onCandidate
		t.mu.RUnlock()
		if cb != nil {
			cb(cand.ToJSON())
		}
	})

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		t.mu.RLock()
		cb := t.onICEState
		t.mu.RUnlock()
		if cb != nil {
			cb(s)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().Str("module", "rtc").Str("kind", track.Kind().String()).Str("track_id", track.ID()).Msg("remote track")
		t.mu.RLock()
		cb := t.onTrack
		t.mu.RUnlock()
		if cb != nil {
			cb(track)
		}
	})

	return t
}

func (t *transport) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (t *transport) AcceptOffer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := t.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (t *transport) AcceptAnswer(ctx context.Context, answer webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(answer)
}

func (t *transport) HasRemoteDescription() bool {
	return t.pc.RemoteDescription() != nil
}

func (t *transport) AddRemoteCandidate(ci webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(ci)
}

func (t *transport) AddLocalTrack(track webrtc.TrackLocal) error {
	// The returned sender dies with the PeerConnection; the shared track
	// itself is owned elsewhere and survives.
	_, err := t.pc.AddTrack(track)
	return err
}

func (t *transport) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) {
	t.mu.Lock()
	t.onCandidate = fn
	t.mu.Unlock()
}

func (t *transport) OnICEStateChange(fn func(webrtc.ICEConnectionState)) {
	t.mu.Lock()
	t.onICEState = fn
	t.mu.Unlock()
}

func (t *transport) OnRemoteTrack(fn func(*webrtc.TrackRemote)) {
	t.mu.Lock()
	t.onTrack = fn
	t.mu.Unlock()
}

func (t *transport) Detach() {
	t.mu.Lock()
	t.onCandidate = nil
	t.onICEState = nil
	t.onTrack = nil
	t.mu.Unlock()
}

func (t *transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	if err := t.pc.Close(); err != nil {
		log.Warn().Err(err).Str("module", "rtc").Msg("peer connection close")
		return err
	}
	return nil
}
