package domain

import (
	"errors"
	"strings"
	"testing"
)

func TestNewGuestIdentity(t *testing.T) {
	a := NewGuestIdentity("de")
	b := NewGuestIdentity("")

	if a.ID == b.ID {
		t.Fatal("guest ids must be unique")
	}
	if !strings.HasPrefix(a.DisplayName, "Anonymous ") {
		t.Fatalf("display name = %q", a.DisplayName)
	}
	if a.Authenticated {
		t.Fatal("guest must not be authenticated")
	}
	if a.CountryCode != "de" {
		t.Fatalf("country = %q", a.CountryCode)
	}
	if !strings.Contains(a.AvatarURL, string(a.ID)) {
		t.Fatal("avatar must be derived from the id")
	}
}

func TestNewAuthenticatedIdentity(t *testing.T) {
	tests := []struct {
		name        string
		displayName string
		wantErr     error
	}{
		{"valid", "Jordan", nil},
		{"max length", strings.Repeat("x", MaxDisplayNameLen), nil},
		{"too long", strings.Repeat("x", MaxDisplayNameLen+1), ErrDisplayNameTooLong},
		{"empty", "", ErrDisplayNameEmpty},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := NewAuthenticatedIdentity("provider-1", tt.displayName, "", "")
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if err == nil {
				if id.ID != "provider-1" || !id.Authenticated {
					t.Fatalf("identity = %+v", id)
				}
			}
		})
	}
}

func TestPathLayout(t *testing.T) {
	tests := []struct {
		got  string
		want string
	}{
		{PresencePath("u1"), "onlineUsers/u1"},
		{PendingOfferPath("u1"), "callSignals/u1/pendingOffer"},
		{CallAnswerPath("r1"), "callSignals/r1/answer"},
		{CallCandidatesPath("r1", "u1"), "iceCandidates/r1/u1"},
		{RoomParticipantPath("r1", "u1"), "conferenceRooms/r1/participants/u1"},
		{RoomSignalsPath("r1", "u1"), "conferenceRooms/r1/signals/u1"},
		{RoomChatPath("r1"), "conferenceRooms/r1/chatMessages"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("path = %q, want %q", tt.got, tt.want)
		}
	}
}
