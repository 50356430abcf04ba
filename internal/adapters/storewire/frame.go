// Package storewire defines the msgpack frames spoken between the store
// relay server and its websocket clients.
package storewire

// Op identifies a frame's meaning.
type Op string

const (
	// Client → server.
	OpPut              Op = "put"
	OpDelete           Op = "delete"
	OpWatch            Op = "watch"
	OpUnwatch          Op = "unwatch"
	OpArmDisconnect    Op = "armDisconnect"
	OpCancelDisconnect Op = "cancelDisconnect"

	// Server → client.
	OpAck      Op = "ack"
	OpSnapshot Op = "snapshot"
)

// Frame is the single wire unit. Unused fields are omitted per op.
type Frame struct {
	Op Op `msgpack:"op"`
	// Req correlates a client request with its ack.
	Req uint64 `msgpack:"req,omitempty"`
	// Path addresses the store tree.
	Path string `msgpack:"path,omitempty"`
	// Value is the JSON-encoded payload for OpPut.
	Value []byte `msgpack:"value,omitempty"`
	// Watch correlates OpWatch/OpUnwatch with OpSnapshot deliveries.
	Watch uint64 `msgpack:"watch,omitempty"`
	// Snapshot carries the full child set for OpSnapshot.
	Snapshot map[string][]byte `msgpack:"snapshot,omitempty"`
	// Error is set on a failed ack.
	Error string `msgpack:"error,omitempty"`
}
