// Package storemem is the in-process realtime store backend. It backs the
// relay server and the package tests; the semantics mirror the hosted
// realtime database the clients were written against: path-addressable
// JSON values, full-snapshot watches and run-on-disconnect deletes.
package storemem

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/veilcall/veilcall/internal/core"
)

var (
	ErrClosed       = errors.New("store connection closed")
	ErrDisconnected = errors.New("store connection dropped")
)

// Backend holds the shared tree. Connections are opened per client; each
// carries its own disconnect hooks and connectivity stream.
type Backend struct {
	mu       sync.Mutex
	data     map[string]json.RawMessage // leaf path -> value
	watchers map[*watcher]struct{}
}

func New() *Backend {
	return &Backend{
		data:     make(map[string]json.RawMessage),
		watchers: make(map[*watcher]struct{}),
	}
}

// Open creates a client connection. clientID is used only for log lines.
func (b *Backend) Open(clientID string) *Conn {
	c := &Conn{
		backend:   b,
		clientID:  clientID,
		connected: true,
		hooks:     make(map[string]struct{}),
		connCh:    make(chan bool, 8),
	}
	c.pushConnectivity(true)
	return c
}

// Dump returns every leaf under path (path itself included if it is a leaf).
// Test helper for post-teardown store scans.
func (b *Backend) Dump(path string) map[string]json.RawMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]json.RawMessage)
	for k, v := range b.data {
		if k == path || strings.HasPrefix(k, path+"/") {
			out[k] = v
		}
	}
	return out
}

func (b *Backend) put(path string, value json.RawMessage) {
	b.mu.Lock()
	b.data[path] = value
	b.notifyLocked(path)
	b.mu.Unlock()
}

func (b *Backend) delete(path string) {
	b.mu.Lock()
	changed := false
	if _, ok := b.data[path]; ok {
		delete(b.data, path)
		changed = true
	}
	prefix := path + "/"
	for k := range b.data {
		if strings.HasPrefix(k, prefix) {
			delete(b.data, k)
			changed = true
		}
	}
	if changed {
		b.notifyLocked(path)
	}
	b.mu.Unlock()
}

// notifyLocked refreshes every watcher whose path is an ancestor of (or equal
// to) the changed path. A watcher on "a/b" must see changes to "a/b/c/d".
func (b *Backend) notifyLocked(changed string) {
	for w := range b.watchers {
		if w.path == changed || strings.HasPrefix(changed, w.path+"/") || strings.HasPrefix(w.path, changed+"/") {
			w.deliver(b.snapshotLocked(w.path))
		}
	}
}

// snapshotLocked assembles the children of path. Direct leaf children map to
// their raw value; deeper subtrees are folded into one nested JSON object per
// direct child.
func (b *Backend) snapshotLocked(path string) core.Snapshot {
	snap := make(core.Snapshot)
	nested := make(map[string]map[string]any)
	prefix := path + "/"
	for k, v := range b.data {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rest := k[len(prefix):]
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			child := rest[:i]
			if nested[child] == nil {
				nested[child] = make(map[string]any)
			}
			insertNested(nested[child], rest[i+1:], v)
		} else {
			snap[rest] = v
		}
	}
	for child, tree := range nested {
		raw, err := json.Marshal(tree)
		if err != nil {
			log.Error().Err(err).Str("module", "storemem").Str("path", path).Msg("snapshot marshal")
			continue
		}
		snap[child] = raw
	}
	return snap
}

func insertNested(tree map[string]any, rest string, v json.RawMessage) {
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		child, ok := tree[rest[:i]].(map[string]any)
		if !ok {
			child = make(map[string]any)
			tree[rest[:i]] = child
		}
		insertNested(child, rest[i+1:], v)
		return
	}
	tree[rest] = v
}

type watcher struct {
	path string
	mu   sync.Mutex
	ch   chan core.Snapshot
	done bool
}

// deliver coalesces: only the latest snapshot matters, so a full channel has
// its stale entry replaced rather than blocking the store.
func (w *watcher) deliver(s core.Snapshot) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return
	}
	select {
	case w.ch <- s:
	default:
		select {
		case <-w.ch:
		default:
		}
		w.ch <- s
	}
}

func (w *watcher) C() <-chan core.Snapshot { return w.ch }

func (w *watcher) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return
	}
	w.done = true
	close(w.ch)
}

// subscription pairs a watcher with its backend detach.
type subscription struct {
	w       *watcher
	backend *Backend
	once    sync.Once
}

func (s *subscription) C() <-chan core.Snapshot { return s.w.ch }

func (s *subscription) Close() {
	s.once.Do(func() {
		s.backend.mu.Lock()
		delete(s.backend.watchers, s.w)
		s.backend.mu.Unlock()
		s.w.close()
	})
}

// Conn is one client's view of the backend, implementing core.RealtimeStore.
type Conn struct {
	backend  *Backend
	clientID string

	mu        sync.Mutex
	closed    bool
	connected bool
	hooks     map[string]struct{}
	subs      []*subscription
	connCh    chan bool
}

var _ core.RealtimeStore = (*Conn)(nil)

func (c *Conn) Put(ctx context.Context, path string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.usable(); err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.backend.put(path, raw)
	return nil
}

func (c *Conn) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.usable(); err != nil {
		return err
	}
	c.backend.delete(path)
	return nil
}

func (c *Conn) Watch(path string) (core.Subscription, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	w := &watcher{path: path, ch: make(chan core.Snapshot, 1)}
	c.backend.mu.Lock()
	c.backend.watchers[w] = struct{}{}
	// Initial snapshot goes out under the lock so a concurrent write cannot
	// slip a newer snapshot in ahead of it.
	w.deliver(c.backend.snapshotLocked(path))
	c.backend.mu.Unlock()

	sub := &subscription{w: w, backend: c.backend}
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return sub, nil
}

func (c *Conn) OnDisconnectDelete(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.hooks[path] = struct{}{}
	return nil
}

func (c *Conn) CancelOnDisconnect(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	delete(c.hooks, path)
	return nil
}

func (c *Conn) Connectivity() <-chan bool { return c.connCh }

// Drop simulates losing the connection: armed hooks fire, connectivity goes
// false, writes fail until Reconnect.
func (c *Conn) Drop() {
	c.mu.Lock()
	if c.closed || !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	hooks := c.takeHooksLocked()
	c.mu.Unlock()

	c.fireHooks(hooks)
	c.pushConnectivity(false)
	log.Info().Str("module", "storemem").Str("client", c.clientID).Msg("connection dropped")
}

// Reconnect restores a dropped connection.
func (c *Conn) Reconnect() {
	c.mu.Lock()
	if c.closed || c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = true
	c.mu.Unlock()
	c.pushConnectivity(true)
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	wasConnected := c.connected
	c.connected = false
	hooks := c.takeHooksLocked()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	if wasConnected {
		c.fireHooks(hooks)
	}
	for _, s := range subs {
		s.Close()
	}
	close(c.connCh)
	return nil
}

func (c *Conn) usable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if !c.connected {
		return ErrDisconnected
	}
	return nil
}

func (c *Conn) takeHooksLocked() []string {
	out := make([]string, 0, len(c.hooks))
	for path := range c.hooks {
		out = append(out, path)
	}
	c.hooks = make(map[string]struct{})
	return out
}

func (c *Conn) fireHooks(paths []string) {
	for _, path := range paths {
		c.backend.delete(path)
		log.Debug().Str("module", "storemem").Str("client", c.clientID).Str("path", path).Msg("disconnect hook fired")
	}
}

func (c *Conn) pushConnectivity(v bool) {
	select {
	case c.connCh <- v:
	default:
	}
}
