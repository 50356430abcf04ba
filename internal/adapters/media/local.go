// Package media owns the session's shared local tracks. One LocalMedia per
// session: every peer transport attaches these tracks as senders, and only
// the lifecycle owner (call or room controller) closes them.
package media

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/veilcall/veilcall/internal/core"
)

// LocalMedia implements core.MediaSource over pion static sample tracks.
// The capture pipeline feeding the sample writers is outside this layer;
// here we only own the track handles and their lifecycle.
type LocalMedia struct {
	mu       sync.Mutex
	acquired bool
	tracks   []webrtc.TrackLocal
}

var _ core.MediaSource = (*LocalMedia)(nil)

func NewLocalMedia() *LocalMedia {
	return &LocalMedia{}
}

func (m *LocalMedia) Acquire(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.acquired {
		return nil
	}

	streamID := "veilcall-" + uuid.NewString()
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "camera", streamID)
	if err != nil {
		return err
	}
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "mic", streamID)
	if err != nil {
		return err
	}

	m.tracks = []webrtc.TrackLocal{video, audio}
	m.acquired = true
	log.Info().Str("module", "media").Str("stream", streamID).Msg("local media acquired")
	return nil
}

func (m *LocalMedia) Tracks() []webrtc.TrackLocal {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]webrtc.TrackLocal, len(m.tracks))
	copy(out, m.tracks)
	return out
}

// Close drops the shared tracks. Per-peer teardown never lands here; only
// the owner calls Close, after all senders are gone.
func (m *LocalMedia) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.acquired {
		return
	}
	m.acquired = false
	m.tracks = nil
	log.Info().Str("module", "media").Msg("local media released")
}
