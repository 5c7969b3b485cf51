package match

import (
	"time"

	"driftchat/backend/internal/models"
)

// View is a match as seen by one of its participants.
type View struct {
	ID                   string             `json:"id"`
	OtherUserID          string             `json:"otherUserId"`
	OtherUsername        string             `json:"otherUsername"`
	OtherGender          string             `json:"otherGender"`
	CompatibilityScore   int                `json:"compatibilityScore"`
	ExpiresAt            time.Time          `json:"expiresAt"`
	Status               models.MatchStatus `json:"status"`
	MessageCount         int                `json:"messageCount"`
	CanRequestFriendship bool               `json:"canRequestFriendship"`
	FriendshipInitiator  string             `json:"friendshipInitiator,omitempty"`
}

// Friend is an entry of a user's friend list.
type Friend struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// PendingRequest is a friendship request waiting for the caller's answer.
type PendingRequest struct {
	MatchID     string `json:"matchId"`
	RequesterID string `json:"requesterId"`
	Username    string `json:"username"`
}

// FriendshipStatus is the handshake state from the caller's point of view.
type FriendshipStatus string

const (
	FriendshipNone            FriendshipStatus = "none"
	FriendshipPendingSent     FriendshipStatus = "pending_sent"
	FriendshipPendingReceived FriendshipStatus = "pending_received"
	FriendshipFriends         FriendshipStatus = "friends"
)

func (s *Service) view(m *models.Match, viewer string, other *models.User) View {
	otherID, _ := m.OtherUser(viewer)
	v := View{
		ID:                   m.ID,
		OtherUserID:          otherID,
		CompatibilityScore:   m.CompatibilityScore,
		ExpiresAt:            m.ExpiresAt,
		Status:               m.Status,
		MessageCount:         m.MessageCount,
		CanRequestFriendship: m.CanRequestFriendship(s.Config.Milestone),
		FriendshipInitiator:  m.Initiator(),
	}
	if other != nil {
		v.OtherUsername = other.Username
		v.OtherGender = other.Gender
	}
	return v
}

func (s *Service) updatedEvent(m *models.Match) models.Event {
	return models.Event{
		Rooms: []string{models.MatchRoom(m.ID)},
		Type:  models.EventMatchUpdated,
		Payload: models.MatchUpdatedPayload{
			MatchID:              m.ID,
			MessageCount:         m.MessageCount,
			CanRequestFriendship: m.CanRequestFriendship(s.Config.Milestone),
			Status:               m.Status,
		},
	}
}
