// Package presence tracks which session identities are currently online.
// A record exists iff the identity is reachable: the registry arms the
// store's disconnect hook on publish, so an ungraceful exit is swept
// server-side.
package presence

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/veilcall/veilcall/internal/core"
	"github.com/veilcall/veilcall/internal/domain"
)

// Registry publishes the local identity and subscribes to the full online
// set. One registry per session.
type Registry struct {
	store core.RealtimeStore

	mu        sync.Mutex
	desired   *domain.Identity // non-nil while the session wants to be online
	connected bool
	done      chan struct{}
	closeOnce sync.Once
}

func NewRegistry(store core.RealtimeStore) *Registry {
	r := &Registry{
		store: store,
		done:  make(chan struct{}),
	}
	go r.watchConnectivity()
	return r
}

// watchConnectivity gates publishing on store reachability. Publishing while
// disconnected would race the disconnect hook sweep, so the write is deferred
// until the connection is back and the session still wants to be online.
func (r *Registry) watchConnectivity() {
	conn := r.store.Connectivity()
	for {
		select {
		case <-r.done:
			return
		case up, ok := <-conn:
			if !ok {
				return
			}
			r.mu.Lock()
			r.connected = up
			desired := r.desired
			r.mu.Unlock()

			if up && desired != nil {
				log.Info().Str("module", "presence").Str("id", string(desired.ID)).Msg("reconnected, republishing")
				if err := r.publish(context.Background(), *desired); err != nil {
					log.Error().Err(err).Str("module", "presence").Msg("republish failed")
				}
			}
		}
	}
}

// Publish writes the identity's presence record and arms the disconnect
// sweep. Publishing twice overwrites the prior record; only the owning
// client ever writes its own key. While the store is unreachable the write
// is deferred to the reconnect path.
func (r *Registry) Publish(ctx context.Context, id domain.Identity) error {
	r.mu.Lock()
	r.desired = &id
	connected := r.connected
	r.mu.Unlock()

	if !connected {
		log.Warn().Str("module", "presence").Str("id", string(id.ID)).Msg("store offline, publish deferred")
		return nil
	}
	return r.publish(ctx, id)
}

func (r *Registry) publish(ctx context.Context, id domain.Identity) error {
	path := domain.PresencePath(id.ID)
	// Arm the sweep before the record lands so there is no window where the
	// record exists without a disconnect hook.
	if err := r.store.OnDisconnectDelete(path); err != nil {
		return err
	}
	if err := r.store.Put(ctx, path, domain.NewPresenceRecord(id)); err != nil {
		return err
	}
	log.Info().Str("module", "presence").Str("id", string(id.ID)).Str("name", id.DisplayName).Msg("published")
	return nil
}

// Unpublish removes the presence record (explicit leave) and disarms the
// disconnect hook. Best-effort and idempotent.
func (r *Registry) Unpublish(ctx context.Context, id domain.SessionID) {
	r.mu.Lock()
	r.desired = nil
	r.mu.Unlock()

	path := domain.PresencePath(id)
	if err := r.store.CancelOnDisconnect(path); err != nil {
		log.Debug().Err(err).Str("module", "presence").Msg("cancel disconnect hook")
	}
	if err := r.store.Delete(ctx, path); err != nil {
		log.Warn().Err(err).Str("module", "presence").Str("id", string(id)).Msg("unpublish failed")
	}
}

// Subscribe delivers the full current set of presence records on every
// change, ordered oldest-first. Callers diff internally if they need deltas.
// The returned stop function detaches the listener.
func (r *Registry) Subscribe(fn func([]domain.PresenceRecord)) (func(), error) {
	sub, err := r.store.Watch(domain.PresenceRootPath())
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
				fn(decodeRoster(snap))
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

// Close stops the connectivity watcher. It does not unpublish; callers run
// the cleanup protocol for that.
func (r *Registry) Close() {
	r.closeOnce.Do(func() { close(r.done) })
}

func decodeRoster(snap core.Snapshot) []domain.PresenceRecord {
	out := make([]domain.PresenceRecord, 0, len(snap))
	for key, raw := range snap {
		var rec domain.PresenceRecord
		if err := json.Unmarshal(raw, &rec); err != nil || rec.ID == "" {
			log.Warn().Str("module", "presence").Str("key", key).Msg("dropping malformed presence record")
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt < out[j].JoinedAt })
	return out
}
