// Package mailbox implements the per-recipient signaling channel over the
// realtime store. A mailbox path is a queue, not a cache: the recipient
// deletes every envelope right after handling it. Delivery is at-least-once —
// watches report full snapshots, so an unacknowledged envelope is seen again
// on the next change — and handlers must tolerate redelivery.
package mailbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/veilcall/veilcall/internal/core"
	"github.com/veilcall/veilcall/internal/domain"
)

// ErrTransport marks store write/listen failures. Callers treat the current
// call attempt as unrecoverable and tear down without reveal.
var ErrTransport = errors.New("signaling transport failure")

// Mailbox sends and consumes SignalEnvelopes for one local identity. It is
// cheap; controllers create one and share it across peer sessions.
type Mailbox struct {
	store core.RealtimeStore
	self  domain.Identity
	seq   atomic.Int64
}

func New(store core.RealtimeStore, self domain.Identity) *Mailbox {
	return &Mailbox{store: store, self: self}
}

// Envelope builds an outgoing envelope stamped with the next sender-local
// sequence number, which the consumer uses to keep per-sender order.
func (m *Mailbox) Envelope(kind domain.SignalKind, payload json.RawMessage) domain.SignalEnvelope {
	return domain.NewSignalEnvelope(kind, m.self, m.seq.Add(1), payload)
}

// Send appends env to the recipient queue at path. Fire-and-forget from the
// caller's perspective; failures surface as ErrTransport.
func (m *Mailbox) Send(ctx context.Context, path string, env domain.SignalEnvelope) error {
	if err := m.store.Put(ctx, domain.JoinPath(path, env.ID), env); err != nil {
		return fmt.Errorf("%w: send %s to %s: %v", ErrTransport, env.Kind, path, err)
	}
	return nil
}

// Listen subscribes to the queue at path. Every snapshot is iterated in full:
// envelopes are ordered per sender by sequence number (cross-sender order is
// arbitrary) and handed to handle one by one. handle must Ack what it
// consumed, or the envelope is redelivered with the next snapshot.
//
// The returned stop function detaches the listener; it is idempotent.
func (m *Mailbox) Listen(path string, handle func(domain.SignalEnvelope)) (func(), error) {
	sub, err := m.store.Watch(path)
	if err != nil {
		return nil, fmt.Errorf("%w: listen %s: %v", ErrTransport, path, err)
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
				for _, env := range decodeQueue(path, snap) {
					select {
					case <-done:
						return
					default:
					}
					handle(env)
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

// Ack deletes a consumed envelope. Deleting an already-gone envelope is a
// no-op — acks race with teardown sweeps and must tolerate losing.
func (m *Mailbox) Ack(ctx context.Context, path, envelopeID string) error {
	if err := m.store.Delete(ctx, domain.JoinPath(path, envelopeID)); err != nil {
		return fmt.Errorf("%w: ack %s: %v", ErrTransport, envelopeID, err)
	}
	return nil
}

// Purge sweeps the whole queue at path. Used on call/room teardown so no
// envelope outlives the session that produced it.
func (m *Mailbox) Purge(ctx context.Context, path string) {
	if err := m.store.Delete(ctx, path); err != nil {
		log.Warn().Err(err).Str("module", "mailbox").Str("path", path).Msg("purge failed")
	}
}

// decodeQueue turns a snapshot into envelopes ordered by (sender, seq).
// Malformed children are dropped with a log line; they would otherwise wedge
// the queue forever since nothing will ever ack them.
func decodeQueue(path string, snap core.Snapshot) []domain.SignalEnvelope {
	out := make([]domain.SignalEnvelope, 0, len(snap))
	for key, raw := range snap {
		var env domain.SignalEnvelope
		if err := json.Unmarshal(raw, &env); err != nil || env.ID == "" {
			log.Warn().Str("module", "mailbox").Str("path", path).Str("key", key).Msg("dropping malformed envelope")
			continue
		}
		out = append(out, env)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SenderID != out[j].SenderID {
			return out[i].SenderID < out[j].SenderID
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}
