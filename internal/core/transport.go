package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// PeerTransport abstracts one browser-grade peer media transport: description
// negotiation, ICE candidate exchange and track plumbing. The pion-backed
// implementation lives in internal/adapters/rtc; tests use in-memory fakes.
//
// Callback registration is not synchronized with event delivery — register
// everything before negotiation starts, and call Detach before Close so no
// callback fires into a torn-down owner.
type PeerTransport interface {
	// CreateOffer builds and applies the local offer description.
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	// AcceptOffer applies the remote offer and builds the local answer.
	AcceptOffer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	// AcceptAnswer applies the remote answer description.
	AcceptAnswer(ctx context.Context, answer webrtc.SessionDescription) error
	// HasRemoteDescription reports whether a remote description was applied.
	HasRemoteDescription() bool
	// AddRemoteCandidate applies one remote ICE candidate.
	AddRemoteCandidate(webrtc.ICECandidateInit) error
	// AddLocalTrack attaches a shared local track as a sender on this
	// transport. Closing the transport drops the sender, never the track.
	AddLocalTrack(track webrtc.TrackLocal) error

	// OnLocalCandidate is invoked per gathered candidate. The gathering-
	// complete sentinel (nil candidate at the pion layer) is filtered out by
	// the adapter and never reaches the callback.
	OnLocalCandidate(func(webrtc.ICECandidateInit))
	OnICEStateChange(func(webrtc.ICEConnectionState))
	OnRemoteTrack(func(*webrtc.TrackRemote))

	// Detach clears all registered callbacks. Must precede Close during
	// teardown so late transport events observe a no-op.
	Detach()
	// Close releases the transport. Idempotent.
	Close() error
}

// TransportFactory builds a fresh PeerTransport per peer session.
type TransportFactory func() (PeerTransport, error)
