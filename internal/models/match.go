package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// MatchStatus is the lifecycle state of a Match.
type MatchStatus string

const (
	MatchActive            MatchStatus = "active"
	MatchPendingFriendship MatchStatus = "pending_friendship"
	MatchFriends           MatchStatus = "friends"
	MatchRejected          MatchStatus = "rejected"
	MatchExpired           MatchStatus = "expired"
)

// IsOpen reports whether the status is non-terminal. At most one open match may exist per pair.
func (s MatchStatus) IsOpen() bool {
	return s == MatchActive || s == MatchPendingFriendship
}

// OpenStatuses lists the non-terminal statuses.
var OpenStatuses = []MatchStatus{MatchActive, MatchPendingFriendship}

var ErrInvalidPair = errors.New("match requires two distinct users")

// Match is a time-boxed pairing of exactly two users.
// The pair is stored sorted (UserA < UserB) so it can be compared order-independently.
type Match struct {
	ID                  string      `gorm:"primaryKey" json:"id"`
	UserA               string      `gorm:"type:text;not null;index" json:"userA"`
	UserB               string      `gorm:"type:text;not null;index" json:"userB"`
	Status              MatchStatus `gorm:"type:text;not null;default:active;index" json:"status"`
	MessageCount        int         `gorm:"not null;default:0" json:"messageCount"`
	FriendshipInitiator *string     `gorm:"type:text" json:"friendshipInitiator,omitempty"`
	ExpiresAt           time.Time   `gorm:"not null;index" json:"expiresAt"`
	CompatibilityScore  int         `gorm:"not null;default:0" json:"compatibilityScore"`
	CreatedAt           time.Time   `json:"createdAt"`
	UpdatedAt           time.Time   `json:"updatedAt"`
}

// NewMatch builds an active match between a and b expiring after ttl.
func NewMatch(a, b string, score int, now time.Time, ttl time.Duration) (*Match, error) {
	if a == "" || b == "" || a == b {
		return nil, ErrInvalidPair
	}
	lo, hi := SortPair(a, b)
	return &Match{
		ID:                 uuid.New().String(),
		UserA:              lo,
		UserB:              hi,
		Status:             MatchActive,
		ExpiresAt:          now.Add(ttl),
		CompatibilityScore: score,
	}, nil
}

// BeforeCreate keeps the pair sorted and assigns an ID.
func (m *Match) BeforeCreate(tx *gorm.DB) (err error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	m.UserA, m.UserB = SortPair(m.UserA, m.UserB)
	return
}

// SortPair returns the two ids in ascending order.
func SortPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// PairKey is the order-independent key of a user pair.
func PairKey(a, b string) string {
	lo, hi := SortPair(a, b)
	return lo + ":" + hi
}

// Users returns both participants.
func (m *Match) Users() []string {
	return []string{m.UserA, m.UserB}
}

// HasUser reports whether id participates in the match.
func (m *Match) HasUser(id string) bool {
	return id != "" && (m.UserA == id || m.UserB == id)
}

// OtherUser returns the participant that is not id.
func (m *Match) OtherUser(id string) (string, bool) {
	switch id {
	case m.UserA:
		return m.UserB, true
	case m.UserB:
		return m.UserA, true
	}
	return "", false
}

// IsExpired reports whether an active match has outlived its expiry.
func (m *Match) IsExpired(now time.Time) bool {
	return m.Status == MatchActive && !now.Before(m.ExpiresAt)
}

// CanRequestFriendship is computed on every read and never stored.
func (m *Match) CanRequestFriendship(milestone int) bool {
	return m.Status == MatchActive && m.MessageCount >= milestone
}

// Initiator returns the friendship initiator or an empty string.
func (m *Match) Initiator() string {
	if m.FriendshipInitiator == nil {
		return ""
	}
	return *m.FriendshipInitiator
}
