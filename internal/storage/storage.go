package storage

import (
	"context"
	"time"

	"driftchat/backend/internal/models"
)

// MatchGuard is the expected current state for a conditional match update.
// Zero fields are not checked.
type MatchGuard struct {
	Status          models.MatchStatus
	MinMessageCount int
	Initiator       string
	// NotExpiredAt, when set, requires expires_at to be after this instant.
	NotExpiredAt time.Time
}

// MatchChanges is the set of columns a conditional update writes.
type MatchChanges struct {
	Status         models.MatchStatus
	Initiator      string
	ClearInitiator bool
	ResetCount     bool
}

// Storage is the persistence contract of the core.
// Every conditional method is a single atomic statement or transaction.
type Storage interface {
	SaveUser(ctx context.Context, user *models.User) error
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	GetUsersByIDs(ctx context.Context, ids []string) ([]models.User, error)
	GetUserByTelegramChatID(ctx context.Context, chatID int64) (*models.User, error)
	FindCandidates(ctx context.Context, prefs models.Preferences, exclude []string, limit int) ([]models.User, error)

	GetMatch(ctx context.Context, id string) (*models.Match, error)
	ListMatchesForUser(ctx context.Context, userID string, statuses ...models.MatchStatus) ([]models.Match, error)
	CountOpenMatches(ctx context.Context, userID string) (int, error)
	// CreateMatchIfAbsent inserts m unless the pair already has an open match.
	CreateMatchIfAbsent(ctx context.Context, m *models.Match) (bool, error)
	// ExpireMatches moves elapsed active matches to expired and returns the rows it changed.
	// Empty userID sweeps all users.
	ExpireMatches(ctx context.Context, userID string, now time.Time) ([]models.Match, error)
	// UpdateMatchIf applies changes only when guard holds; applied is false when it did not.
	UpdateMatchIf(ctx context.Context, id string, guard MatchGuard, changes MatchChanges) (*models.Match, bool, error)
	// CompleteFriendship moves a pending match to friends and links both friend lists in one transaction.
	CompleteFriendship(ctx context.Context, id, initiator string) (*models.Match, bool, error)

	// SaveMessage persists msg and, for match messages, increments the match counter atomically.
	SaveMessage(ctx context.Context, msg *models.Message, now time.Time) (*models.Match, error)
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	ListMessagesByMatch(ctx context.Context, matchID string) ([]models.Message, error)
	ListMessagesBetween(ctx context.Context, userA, userB string) ([]models.Message, error)
	// UpdateReaction sets (or removes, when emoji is nil) userID's reaction under a row lock.
	UpdateReaction(ctx context.Context, messageID, userID string, emoji *string) (*models.Message, error)

	// ClaimClientMessage binds a client temp id to a server message id.
	// When the temp id was already claimed it returns the earlier message id and false.
	ClaimClientMessage(ctx context.Context, senderID, tempID, messageID string, ttl time.Duration) (string, bool, error)
	ReleaseClientMessage(ctx context.Context, senderID, tempID string) error

	SetPresence(ctx context.Context, userID string, online bool, ttl time.Duration) error
	IsOnline(ctx context.Context, userID string) (bool, error)
}

func clientMessageKey(senderID, tempID string) string {
	return "client_msg:" + senderID + ":" + tempID
}

func presenceKey(userID string) string {
	return "presence:" + userID
}
