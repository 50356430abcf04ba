// Package storeserver exposes a storemem.Backend to websocket clients. The
// relay stores bytes and forwards snapshots; it never interprets the
// signaling that rides on it.
package storeserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/veilcall/veilcall/internal/adapters/storemem"
	"github.com/veilcall/veilcall/internal/adapters/storewire"
	"github.com/veilcall/veilcall/internal/core"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub owns the shared backend and the set of live client sessions.
type Hub struct {
	backend *storemem.Backend

	mu       sync.Mutex
	sessions map[*clientSession]struct{}
}

func NewHub(backend *storemem.Backend) *Hub {
	return &Hub{
		backend:  backend,
		sessions: make(map[*clientSession]struct{}),
	}
}

func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// HandleStore upgrades the request and runs the session until the socket
// dies. The backend connection closes with the socket, firing any armed
// disconnect deletes — that is the whole point of the relay.
func (h *Hub) HandleStore(ctx context.Context, c *gin.Context) {
	clientID := c.GetString("client_token")
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "storeserver").Msg("ws upgrade")
		return
	}
	log.Info().Str("module", "storeserver").Str("client", clientID).Msg("client connected")

	sess := &clientSession{
		hub:     h,
		conn:    newWSConn(ws),
		store:   h.backend.Open(clientID),
		watches: make(map[uint64]core.Subscription),
	}
	h.mu.Lock()
	h.sessions[sess] = struct{}{}
	h.mu.Unlock()

	go sess.conn.writePump()
	sess.readPump(ctx)

	h.mu.Lock()
	delete(h.sessions, sess)
	h.mu.Unlock()
	sess.shutdown()
	log.Info().Str("module", "storeserver").Str("client", clientID).Msg("client disconnected")
}

// clientSession binds one socket to one backend connection.
type clientSession struct {
	hub   *Hub
	conn  *wsConn
	store *storemem.Conn

	mu      sync.Mutex
	watches map[uint64]core.Subscription
}

func (s *clientSession) readPump(ctx context.Context) {
	for {
		_, data, err := s.conn.conn.ReadMessage()
		if err != nil {
			return
		}
		var f storewire.Frame
		if err := msgpack.Unmarshal(data, &f); err != nil {
			log.Warn().Err(err).Str("module", "storeserver").Msg("bad frame")
			continue
		}
		s.handle(ctx, f)
	}
}

func (s *clientSession) handle(ctx context.Context, f storewire.Frame) {
	switch f.Op {
	case storewire.OpPut:
		s.ack(f.Req, s.store.Put(ctx, f.Path, json.RawMessage(f.Value)))
	case storewire.OpDelete:
		s.ack(f.Req, s.store.Delete(ctx, f.Path))
	case storewire.OpArmDisconnect:
		s.ack(f.Req, s.store.OnDisconnectDelete(f.Path))
	case storewire.OpCancelDisconnect:
		s.ack(f.Req, s.store.CancelOnDisconnect(f.Path))
	case storewire.OpWatch:
		s.startWatch(f)
	case storewire.OpUnwatch:
		s.stopWatch(f.Watch)
		s.ack(f.Req, nil)
	default:
		log.Warn().Str("module", "storeserver").Str("op", string(f.Op)).Msg("unknown op")
	}
}

func (s *clientSession) startWatch(f storewire.Frame) {
	sub, err := s.store.Watch(f.Path)
	if err != nil {
		s.ack(f.Req, err)
		return
	}
	s.mu.Lock()
	if _, dup := s.watches[f.Watch]; dup {
		s.mu.Unlock()
		sub.Close()
		s.ack(f.Req, nil)
		return
	}
	s.watches[f.Watch] = sub
	s.mu.Unlock()
	s.ack(f.Req, nil)

	go func() {
		for snap := range sub.C() {
			out := make(map[string][]byte, len(snap))
			for k, v := range snap {
				out[k] = v
			}
			if err := s.conn.trySend(storewire.Frame{
				Op:       storewire.OpSnapshot,
				Watch:    f.Watch,
				Snapshot: out,
			}); err != nil {
				log.Warn().Err(err).Str("module", "storeserver").Str("path", f.Path).Msg("snapshot dropped")
			}
		}
	}()
}

func (s *clientSession) stopWatch(id uint64) {
	s.mu.Lock()
	sub, ok := s.watches[id]
	delete(s.watches, id)
	s.mu.Unlock()
	if ok {
		sub.Close()
	}
}

func (s *clientSession) ack(req uint64, err error) {
	if req == 0 {
		return
	}
	f := storewire.Frame{Op: storewire.OpAck, Req: req}
	if err != nil {
		f.Error = err.Error()
	}
	if sendErr := s.conn.trySend(f); sendErr != nil {
		log.Warn().Err(sendErr).Str("module", "storeserver").Msg("ack dropped")
	}
}

// shutdown closes the socket, every watch and the backend connection.
// Closing the backend connection fires the client's disconnect hooks.
func (s *clientSession) shutdown() {
	s.conn.close()
	s.mu.Lock()
	subs := make([]core.Subscription, 0, len(s.watches))
	for id, sub := range s.watches {
		subs = append(subs, sub)
		delete(s.watches, id)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
	_ = s.store.Close()
}
