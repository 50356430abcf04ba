// Package chat is the room text channel: an append-only log of messages
// under the room's chat path. Messages are never acked or deleted by
// readers; the whole log disappears when the room is cleaned up.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/veilcall/veilcall/internal/core"
	"github.com/veilcall/veilcall/internal/domain"
)

// Message is one chat line. SentAt is unix milliseconds.
type Message struct {
	ID         string           `json:"id"`
	SenderID   domain.SessionID `json:"senderId"`
	SenderName string           `json:"senderName"`
	Text       string           `json:"text"`
	SentAt     int64            `json:"sentAt"`
}

// Log reads and appends messages for one room.
type Log struct {
	store core.RealtimeStore
	self  domain.Identity
	room  domain.RoomID
}

func NewLog(store core.RealtimeStore, self domain.Identity, room domain.RoomID) *Log {
	return &Log{store: store, self: self, room: room}
}

// Send appends one message to the room log.
func (l *Log) Send(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}
	msg := Message{
		ID:         uuid.NewString(),
		SenderID:   l.self.ID,
		SenderName: l.self.DisplayName,
		Text:       text,
		SentAt:     time.Now().UnixMilli(),
	}
	path := domain.JoinPath(domain.RoomChatPath(l.room), msg.ID)
	if err := l.store.Put(ctx, path, msg); err != nil {
		return fmt.Errorf("chat send: %w", err)
	}
	return nil
}

// Subscribe delivers the full log, oldest first, on every change. The stop
// function releases the watch.
func (l *Log) Subscribe(deliver func([]Message)) (func(), error) {
	sub, err := l.store.Watch(domain.RoomChatPath(l.room))
	if err != nil {
		return nil, fmt.Errorf("chat watch: %w", err)
	}
	go func() {
		for snap := range sub.C() {
			deliver(decodeLog(snap))
		}
	}()
	return sub.Close, nil
}

func decodeLog(snap core.Snapshot) []Message {
	msgs := make([]Message, 0, len(snap))
	for key, raw := range snap {
		var m Message
		if err := json.Unmarshal(raw, &m); err != nil {
			log.Warn().Err(err).Str("module", "chat").Str("key", key).Msg("bad chat message")
			continue
		}
		msgs = append(msgs, m)
	}
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].SentAt != msgs[j].SentAt {
			return msgs[i].SentAt < msgs[j].SentAt
		}
		return msgs[i].ID < msgs[j].ID
	})
	return msgs
}
