package domain

import (
	"encoding/json"

	"github.com/google/uuid"
)

// SignalKind identifies the kind of signaling envelope.
type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
)

// SignalEnvelope is one unit of signaling traffic. Envelopes are write-once,
// read-once: the recipient deletes each one right after processing it. The
// payload (an SDP description or an ICE candidate) is opaque to this layer.
type SignalEnvelope struct {
	ID         string          `json:"id"`
	Kind       SignalKind      `json:"kind"`
	SenderID   SessionID       `json:"senderId"`
	SenderName string          `json:"senderDisplayName"`
	Seq        int64           `json:"seq"` // sender-local, preserves per-sender order
	Payload    json.RawMessage `json:"payload"`
	// Room carries the ephemeral call room on 1:1 pending offers so the
	// callee knows where to answer. Empty on room-scoped envelopes.
	Room RoomID `json:"roomId,omitempty"`
}

func NewSignalEnvelope(kind SignalKind, sender Identity, seq int64, payload json.RawMessage) SignalEnvelope {
	return SignalEnvelope{
		ID:         uuid.NewString(),
		Kind:       kind,
		SenderID:   sender.ID,
		SenderName: sender.DisplayName,
		Seq:        seq,
		Payload:    payload,
	}
}
