// Package domain contains entities without logic, just meta-data
package domain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const (
	MaxDisplayNameLen = 36
)

var (
	ErrDisplayNameTooLong = errors.New("display name too long")
	ErrDisplayNameEmpty   = errors.New("display name empty")
)

// SessionID identifies one browser/client session. Stable for the life of
// the session, regenerated on the next one unless the identity is backed by
// an identity provider.
type SessionID string

// Identity is a user's identity for the duration of one session.
// Immutable after creation; a new session gets a new Identity.
type Identity struct {
	ID            SessionID `json:"id"`
	DisplayName   string    `json:"displayName"`
	AvatarURL     string    `json:"avatarUrl"`
	CountryCode   string    `json:"countryCode"`
	Authenticated bool      `json:"isAuthenticated"`
}

var guestNames = []string{
	"Fox", "Lynx", "Otter", "Heron", "Mole", "Swift", "Wren", "Civet",
	"Tapir", "Saiga", "Marten", "Puffin", "Dunlin", "Serval", "Quokka",
}

// NewGuestIdentity synthesizes an ephemeral identity for an unauthenticated
// session. The avatar is derived from the id so both sides render the same
// placeholder.
func NewGuestIdentity(countryCode string) Identity {
	id := uuid.NewString()
	name := fmt.Sprintf("Anonymous %s", guestNames[int(id[0])%len(guestNames)])
	return Identity{
		ID:          SessionID(id),
		DisplayName: name,
		AvatarURL:   fmt.Sprintf("https://api.dicebear.com/7.x/shapes/svg?seed=%s", id),
		CountryCode: countryCode,
	}
}

// NewAuthenticatedIdentity wraps provider-supplied profile fields. The
// provider id is kept as the session id so presence keys stay stable across
// sessions for signed-in users.
func NewAuthenticatedIdentity(providerID, displayName, avatarURL, countryCode string) (Identity, error) {
	if displayName == "" {
		return Identity{}, ErrDisplayNameEmpty
	}
	if len(displayName) > MaxDisplayNameLen {
		return Identity{}, ErrDisplayNameTooLong
	}
	return Identity{
		ID:            SessionID(providerID),
		DisplayName:   displayName,
		AvatarURL:     avatarURL,
		CountryCode:   countryCode,
		Authenticated: true,
	}, nil
}
