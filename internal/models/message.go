package models

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrEmptyMessage     = errors.New("message must have either content or gifUrl")
	ErrAmbiguousMessage = errors.New("message must not have both content and gifUrl")
	ErrMissingReceiver  = errors.New("message requires sender and receiver")
)

// Message is one chat utterance, addressed either to a match or directly to a friend.
type Message struct {
	ID string `gorm:"primaryKey" json:"id"`
	// Seq breaks ties between equal timestamps in insertion order.
	Seq        int64       `gorm:"autoIncrement;uniqueIndex" json:"seq"`
	MatchID    *string     `gorm:"type:text;index" json:"matchId,omitempty"`
	SenderID   string      `gorm:"type:text;not null;index:idx_msg_pair" json:"senderId"`
	ReceiverID string      `gorm:"type:text;not null;index:idx_msg_pair" json:"receiverId"`
	Content    string      `gorm:"type:text" json:"content"`
	GifURL     *string     `gorm:"type:text" json:"gifUrl,omitempty"`
	Reactions  ReactionMap `gorm:"type:json;not null;default:'{}'" json:"reactions"`
	Timestamp  time.Time   `gorm:"not null;index" json:"timestamp"`
}

// BeforeCreate генерує ID повідомлення на сервері.
func (m *Message) BeforeCreate(tx *gorm.DB) (err error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return
}

// Validate checks that exactly one of content and gif is set, and the addressing.
func (m *Message) Validate() error {
	if m.SenderID == "" || m.ReceiverID == "" || m.SenderID == m.ReceiverID {
		return ErrMissingReceiver
	}
	hasText := strings.TrimSpace(m.Content) != ""
	hasGif := m.GifURL != nil && strings.TrimSpace(*m.GifURL) != ""
	switch {
	case !hasText && !hasGif:
		return ErrEmptyMessage
	case hasText && hasGif:
		return ErrAmbiguousMessage
	}
	return nil
}

// Match returns the match id or an empty string for friend messages.
func (m *Message) Match() string {
	if m.MatchID == nil {
		return ""
	}
	return *m.MatchID
}

// Involves reports whether userID sent or received the message.
func (m *Message) Involves(userID string) bool {
	return userID != "" && (m.SenderID == userID || m.ReceiverID == userID)
}

// Before orders messages by timestamp, then by insertion sequence.
func (m *Message) Before(o *Message) bool {
	if !m.Timestamp.Equal(o.Timestamp) {
		return m.Timestamp.Before(o.Timestamp)
	}
	return m.Seq < o.Seq
}
