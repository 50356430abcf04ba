package domain

import "time"

// PresenceRecord is the stored snapshot of an online identity. It exists in
// the registry iff the identity is currently reachable: written on entry,
// deleted on explicit leave, swept by the store's disconnect hook otherwise.
type PresenceRecord struct {
	ID            SessionID `json:"id"`
	DisplayName   string    `json:"displayName"`
	AvatarURL     string    `json:"avatarUrl"`
	CountryCode   string    `json:"countryCode"`
	Authenticated bool      `json:"isAuthenticated"`
	JoinedAt      int64     `json:"joinedAt"` // unix millis, set at publish time
}

func NewPresenceRecord(id Identity) PresenceRecord {
	return PresenceRecord{
		ID:            id.ID,
		DisplayName:   id.DisplayName,
		AvatarURL:     id.AvatarURL,
		CountryCode:   id.CountryCode,
		Authenticated: id.Authenticated,
		JoinedAt:      time.Now().UnixMilli(),
	}
}

// Identity reconstructs the identity snapshot carried by the record.
func (p PresenceRecord) Identity() Identity {
	return Identity{
		ID:            p.ID,
		DisplayName:   p.DisplayName,
		AvatarURL:     p.AvatarURL,
		CountryCode:   p.CountryCode,
		Authenticated: p.Authenticated,
	}
}

// ParticipantRecord is a PresenceRecord scoped to one conference room. Its
// existence in conferenceRooms/<room>/participants is the single source of
// truth the mesh coordinator diffs against.
type ParticipantRecord struct {
	ID          SessionID `json:"id"`
	DisplayName string    `json:"displayName"`
	AvatarURL   string    `json:"avatarUrl"`
	JoinedAt    int64     `json:"joinedAt"`
}

func NewParticipantRecord(id Identity) ParticipantRecord {
	return ParticipantRecord{
		ID:          id.ID,
		DisplayName: id.DisplayName,
		AvatarURL:   id.AvatarURL,
		JoinedAt:    time.Now().UnixMilli(),
	}
}
