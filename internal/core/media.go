package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// MediaSource owns the session's shared local media (camera/mic). Every peer
// session attaches its tracks on the sender side, but only the lifecycle
// owner — the call controller or the room controller — may Close it.
// Per-peer teardown drops send references only.
type MediaSource interface {
	// Acquire opens the underlying devices. Idempotent while open.
	Acquire(ctx context.Context) error
	// Tracks returns the shared local tracks. Valid only after Acquire.
	Tracks() []webrtc.TrackLocal
	// Close stops and releases all tracks. Idempotent.
	Close()
}
