package domain

import "strings"

// Store key layout. Paths are slash-separated; a delete on any of the
// non-leaf paths below removes the whole subtree.
const (
	presenceRoot    = "onlineUsers"
	callSignalsRoot = "callSignals"
	candidatesRoot  = "iceCandidates"
	roomsRoot       = "conferenceRooms"
)

func JoinPath(parts ...string) string {
	return strings.Join(parts, "/")
}

func PresenceRootPath() string {
	return presenceRoot
}

func PresencePath(id SessionID) string {
	return JoinPath(presenceRoot, string(id))
}

// PendingOfferPath is the personal mailbox an idle callee watches to discover
// it is being called. Distinct from the room-scoped signaling below.
func PendingOfferPath(callee SessionID) string {
	return JoinPath(callSignalsRoot, string(callee), "pendingOffer")
}

func CallSignalsPath(callee SessionID) string {
	return JoinPath(callSignalsRoot, string(callee))
}

func CallAnswerPath(room RoomID) string {
	return JoinPath(callSignalsRoot, string(room), "answer")
}

func CallRoomPath(room RoomID) string {
	return JoinPath(callSignalsRoot, string(room))
}

func CallCandidatesPath(room RoomID, sender SessionID) string {
	return JoinPath(candidatesRoot, string(room), string(sender))
}

func CallCandidatesRootPath(room RoomID) string {
	return JoinPath(candidatesRoot, string(room))
}

func RoomPath(room RoomID) string {
	return JoinPath(roomsRoot, string(room))
}

func RoomParticipantsPath(room RoomID) string {
	return JoinPath(roomsRoot, string(room), "participants")
}

func RoomParticipantPath(room RoomID, id SessionID) string {
	return JoinPath(roomsRoot, string(room), "participants", string(id))
}

func RoomSignalsPath(room RoomID, recipient SessionID) string {
	return JoinPath(roomsRoot, string(room), "signals", string(recipient))
}

func RoomChatPath(room RoomID) string {
	return JoinPath(roomsRoot, string(room), "chatMessages")
}
