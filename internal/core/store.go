// Package core holds the interfaces the signaling/presence modules program
// against. Implementations live in internal/adapters; the core never touches
// sockets directly.
package core

import (
	"context"
	"encoding/json"
)

// Snapshot is the full set of children under a watched path, keyed by child
// name. Watches always deliver the complete current value, never deltas;
// consumers diff internally if they need deltas.
type Snapshot map[string]json.RawMessage

// Subscription is one active watch. Close is idempotent; after Close the
// channel is closed and no further snapshots are delivered.
type Subscription interface {
	C() <-chan Snapshot
	Close()
}

// RealtimeStore is the thin realtime data store the whole system coordinates
// through: path-addressable writes, full-snapshot change subscriptions,
// run-on-disconnect registrations and a connectivity stream. There are no
// transactional guarantees across paths; callers must tolerate partial
// completion of multi-path sequences.
type RealtimeStore interface {
	// Put writes value (JSON-marshalled) at path, overwriting any prior value.
	Put(ctx context.Context, path string, value any) error
	// Delete removes path and its whole subtree. Deleting an absent path is
	// not an error.
	Delete(ctx context.Context, path string) error
	// Watch subscribes to the children of path. The current snapshot is
	// delivered first, then one snapshot per change.
	Watch(path string) (Subscription, error)
	// OnDisconnectDelete arms a server-side delete of path that runs if this
	// client's connection drops without an explicit Delete.
	OnDisconnectDelete(path string) error
	// CancelOnDisconnect disarms a previously armed disconnect delete.
	CancelOnDisconnect(path string) error
	// Connectivity reports the boolean connection status: the current value
	// is delivered on subscription, then every transition.
	Connectivity() <-chan bool
	// Close releases the connection. Armed disconnect deletes fire.
	Close() error
}
