// Package storews is the client side of the store relay: it implements
// core.RealtimeStore over a websocket speaking storewire frames, with
// automatic redial. Watches and armed disconnect deletes are replayed after
// every reconnect; the connectivity stream reports each transition so the
// presence layer can republish.
package storews

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/veilcall/veilcall/internal/adapters/storewire"
	"github.com/veilcall/veilcall/internal/core"
)

const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = (pongWait * 9) / 10
	ackTimeout    = 10 * time.Second
	redialBackoff = 2 * time.Second
)

var (
	ErrClosed       = errors.New("store client closed")
	ErrDisconnected = errors.New("store client disconnected")
)

// Client is one session's connection to the relay.
type Client struct {
	url string

	reqSeq   atomic.Uint64
	watchSeq atomic.Uint64

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closed    bool
	pending   map[uint64]chan error
	watches   map[uint64]*watch
	armed     map[string]struct{}

	connCh chan bool
	done   chan struct{}
}

var _ core.RealtimeStore = (*Client)(nil)

// Dial connects to the relay at url and starts the redial loop. The initial
// dial must succeed; later drops are retried in the background.
func Dial(ctx context.Context, url string) (*Client, error) {
	c := &Client{
		url:     url,
		pending: make(map[uint64]chan error),
		watches: make(map[uint64]*watch),
		armed:   make(map[string]struct{}),
		connCh:  make(chan bool, 8),
		done:    make(chan struct{}),
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.attach(conn)
	go c.run()
	return c, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("store dial %s: %w", c.url, err)
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	return conn, nil
}

func (c *Client) attach(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()
	c.pushConnectivity(true)
}

// run owns the socket: one read loop per connection, redial between them.
// After every reconnect the armed deletes and watches are replayed — the
// relay's previous backend connection died with the old socket and took its
// state with it.
func (c *Client) run() {
	pinger := time.NewTicker(pingPeriod)
	defer pinger.Stop()
	go c.pingLoop(pinger)

	for {
		c.replayState()
		c.readLoop()

		c.mu.Lock()
		closed := c.closed
		c.connected = false
		c.conn = nil
		c.failPendingLocked(ErrDisconnected)
		c.mu.Unlock()
		c.pushConnectivity(false)

		if closed {
			return
		}
		log.Warn().Str("module", "storews").Msg("connection lost, redialing")

		for {
			select {
			case <-c.done:
				return
			case <-time.After(redialBackoff):
			}
			conn, err := c.dial(context.Background())
			if err != nil {
				log.Warn().Err(err).Str("module", "storews").Msg("redial failed")
				continue
			}
			c.attach(conn)
			break
		}
	}
}

func (c *Client) pingLoop(t *time.Ticker) {
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
			}
		}
	}
}

func (c *Client) readLoop() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			return
		}
		var f storewire.Frame
		if err := msgpack.Unmarshal(data, &f); err != nil {
			log.Warn().Err(err).Str("module", "storews").Msg("bad frame")
			continue
		}
		c.dispatch(f)
	}
}

func (c *Client) dispatch(f storewire.Frame) {
	switch f.Op {
	case storewire.OpAck:
		c.mu.Lock()
		ch, ok := c.pending[f.Req]
		delete(c.pending, f.Req)
		c.mu.Unlock()
		if ok {
			if f.Error != "" {
				ch <- errors.New(f.Error)
			} else {
				ch <- nil
			}
		}
	case storewire.OpSnapshot:
		c.mu.Lock()
		w := c.watches[f.Watch]
		c.mu.Unlock()
		if w == nil {
			return
		}
		snap := make(core.Snapshot, len(f.Snapshot))
		for k, v := range f.Snapshot {
			snap[k] = json.RawMessage(v)
		}
		w.deliver(snap)
	default:
		log.Warn().Str("module", "storews").Str("op", string(f.Op)).Msg("unknown op")
	}
}

// replayState re-sends the watch and disconnect-hook registrations onto a
// fresh connection.
func (c *Client) replayState() {
	c.mu.Lock()
	watches := make([]*watch, 0, len(c.watches))
	for _, w := range c.watches {
		watches = append(watches, w)
	}
	armed := make([]string, 0, len(c.armed))
	for path := range c.armed {
		armed = append(armed, path)
	}
	c.mu.Unlock()

	for _, path := range armed {
		if err := c.send(storewire.Frame{Op: storewire.OpArmDisconnect, Path: path}); err != nil {
			log.Warn().Err(err).Str("module", "storews").Str("path", path).Msg("re-arm failed")
		}
	}
	for _, w := range watches {
		if err := c.send(storewire.Frame{Op: storewire.OpWatch, Path: w.path, Watch: w.id}); err != nil {
			log.Warn().Err(err).Str("module", "storews").Str("path", w.path).Msg("re-watch failed")
		}
	}
}

// send writes one frame without waiting for an ack.
func (c *Client) send(f storewire.Frame) error {
	data, err := msgpack.Marshal(f)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.conn == nil || !c.connected {
		return ErrDisconnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

// request writes one frame and waits for its ack.
func (c *Client) request(ctx context.Context, f storewire.Frame) error {
	req := c.reqSeq.Add(1)
	f.Req = req
	ch := make(chan error, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pending[req] = ch
	c.mu.Unlock()

	if err := c.send(f); err != nil {
		c.mu.Lock()
		delete(c.pending, req)
		c.mu.Unlock()
		return err
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(ackTimeout):
		c.mu.Lock()
		delete(c.pending, req)
		c.mu.Unlock()
		return fmt.Errorf("ack timeout for %s %s", f.Op, f.Path)
	case <-c.done:
		return ErrClosed
	}
}

func (c *Client) failPendingLocked(err error) {
	for req, ch := range c.pending {
		delete(c.pending, req)
		ch <- err
	}
}

func (c *Client) Put(ctx context.Context, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.request(ctx, storewire.Frame{Op: storewire.OpPut, Path: path, Value: raw})
}

func (c *Client) Delete(ctx context.Context, path string) error {
	return c.request(ctx, storewire.Frame{Op: storewire.OpDelete, Path: path})
}

func (c *Client) OnDisconnectDelete(path string) error {
	c.mu.Lock()
	c.armed[path] = struct{}{}
	c.mu.Unlock()
	return c.request(context.Background(), storewire.Frame{Op: storewire.OpArmDisconnect, Path: path})
}

func (c *Client) CancelOnDisconnect(path string) error {
	c.mu.Lock()
	delete(c.armed, path)
	c.mu.Unlock()
	return c.request(context.Background(), storewire.Frame{Op: storewire.OpCancelDisconnect, Path: path})
}

func (c *Client) Watch(path string) (core.Subscription, error) {
	w := &watch{
		client: c,
		id:     c.watchSeq.Add(1),
		path:   path,
		ch:     make(chan core.Snapshot, 1),
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.watches[w.id] = w
	c.mu.Unlock()

	if err := c.request(context.Background(), storewire.Frame{Op: storewire.OpWatch, Path: path, Watch: w.id}); err != nil {
		c.mu.Lock()
		delete(c.watches, w.id)
		c.mu.Unlock()
		return nil, err
	}
	return w, nil
}

func (c *Client) Connectivity() <-chan bool { return c.connCh }

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.failPendingLocked(ErrClosed)
	watches := make([]*watch, 0, len(c.watches))
	for _, w := range c.watches {
		watches = append(watches, w)
	}
	c.watches = make(map[uint64]*watch)
	close(c.connCh)
	c.mu.Unlock()

	close(c.done)
	if conn != nil {
		_ = conn.Close()
	}
	for _, w := range watches {
		w.closeChan()
	}
	return nil
}

// pushConnectivity sends under the client lock; Close closes the channel
// under the same lock, so a send can never race the close.
func (c *Client) pushConnectivity(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.connCh <- v:
	default:
	}
}

// watch is one remote subscription; snapshots coalesce to the latest.
type watch struct {
	client *Client
	id     uint64
	path   string

	mu   sync.Mutex
	ch   chan core.Snapshot
	done bool
}

func (w *watch) C() <-chan core.Snapshot { return w.ch }

func (w *watch) deliver(s core.Snapshot) {
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

func (w *watch) Close() {
	w.client.mu.Lock()
	delete(w.client.watches, w.id)
	w.client.mu.Unlock()
	if err := w.client.send(storewire.Frame{Op: storewire.OpUnwatch, Watch: w.id}); err != nil {
		log.Debug().Err(err).Str("module", "storews").Str("path", w.path).Msg("unwatch send")
	}
	w.closeChan()
}

func (w *watch) closeChan() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return
	}
	w.done = true
	close(w.ch)
}
