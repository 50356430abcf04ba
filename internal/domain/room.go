package domain

import "github.com/google/uuid"

type (
	// RoomID names a conference room or an ephemeral 1:1 call room.
	RoomID   string
	RoomName string
)

type Room struct {
	ID   RoomID
	Name RoomName
}

// NewCallRoomID allocates a fresh ephemeral room identifier for one 1:1
// call. The id namespaces the call's answer and candidate mailboxes.
func NewCallRoomID() RoomID {
	return RoomID(uuid.NewString())
}
