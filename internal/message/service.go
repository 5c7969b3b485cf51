// Package message is the append-only message store and the per-message reaction aggregator.
package message

import (
	"context"
	"errors"
	"strings"
	"time"

	"driftchat/backend/internal/apperr"
	"driftchat/backend/internal/models"
	"driftchat/backend/internal/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultClaimTTL is how long a client temp id stays bound to its server message.
const DefaultClaimTTL = 24 * time.Hour

// Publisher delivers committed events to hub rooms in call order.
type Publisher interface {
	Publish(ev models.Event)
}

// Locker serialises commit+publish per conversation.
type Locker interface {
	Lock(key string) func()
}

type Service struct {
	Storage   storage.Storage
	Hub       Publisher
	Locks     Locker
	Milestone int
	ClaimTTL  time.Duration
	Log       *zap.Logger

	now func() time.Time
}

func NewService(s storage.Storage, hub Publisher, locks Locker, milestone int, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		Storage:   s,
		Hub:       hub,
		Locks:     locks,
		Milestone: milestone,
		ClaimTTL:  DefaultClaimTTL,
		Log:       log.Named("message"),
		now:       time.Now,
	}
}

// conversationKey is the ordering key of a message: its match, or the friend pair.
func conversationKey(m *models.Message) string {
	if id := m.Match(); id != "" {
		return id
	}
	return "pair:" + models.PairKey(m.SenderID, m.ReceiverID)
}

func rooms(m *models.Message) []string {
	if id := m.Match(); id != "" {
		return []string{models.MatchRoom(id)}
	}
	return []string{models.UserRoom(m.SenderID), models.UserRoom(m.ReceiverID)}
}

// Send validates and persists a message, bumps the match counter in the same
// storage operation and publishes message.created followed by match.updated.
// A repeated TempID from the same sender returns the message stored the first time.
func (s *Service) Send(ctx context.Context, senderID string, cmd models.SendMessageCommand) (*models.Message, error) {
	msg := &models.Message{
		ID:         uuid.New().String(),
		SenderID:   senderID,
		ReceiverID: cmd.ReceiverID,
		Content:    cmd.Content,
		GifURL:     cmd.GifURL,
	}
	if cmd.GifURL != nil && strings.TrimSpace(*cmd.GifURL) == "" {
		msg.GifURL = nil
	}

	if cmd.MatchID != "" {
		matchID := cmd.MatchID
		msg.MatchID = &matchID
		if msg.ReceiverID == "" {
			m, err := s.Storage.GetMatch(ctx, matchID)
			if err != nil {
				return nil, err
			}
			other, ok := m.OtherUser(senderID)
			if !ok {
				return nil, apperr.ErrNotParticipant
			}
			msg.ReceiverID = other
		}
	}
	if err := msg.Validate(); err != nil {
		return nil, apperr.Validation(err.Error(), err)
	}

	if msg.MatchID == nil {
		sender, err := s.Storage.GetUserByID(ctx, senderID)
		if err != nil {
			return nil, err
		}
		if !sender.HasFriend(msg.ReceiverID) {
			return nil, apperr.ErrNotFriends
		}
	}

	if cmd.TempID != "" {
		existing, fresh, err := s.Storage.ClaimClientMessage(ctx, senderID, cmd.TempID, msg.ID, s.ClaimTTL)
		if err != nil {
			return nil, err
		}
		if !fresh {
			prev, err := s.Storage.GetMessage(ctx, existing)
			if errors.Is(err, apperr.ErrMessageNotFound) {
				// first attempt is still in flight
				return nil, apperr.ErrConcurrentUpdate
			}
			s.Log.Debug("Duplicate send", zap.String("tempId", cmd.TempID), zap.String("messageId", existing))
			return prev, err
		}
	}

	unlock := s.Locks.Lock(conversationKey(msg))
	defer unlock()

	updated, err := s.Storage.SaveMessage(ctx, msg, s.now())
	if err != nil {
		if cmd.TempID != "" {
			if relErr := s.Storage.ReleaseClientMessage(ctx, senderID, cmd.TempID); relErr != nil {
				s.Log.Warn("Failed to release temp id", zap.String("tempId", cmd.TempID), zap.Error(relErr))
			}
		}
		return nil, err
	}

	payload := models.MessageCreatedPayload{Message: msg}
	if updated != nil {
		count := updated.MessageCount
		payload.MessageCount = &count
		payload.CanRequestFriendship = updated.CanRequestFriendship(s.Milestone)
	}
	s.Hub.Publish(models.Event{Rooms: rooms(msg), Type: models.EventMessageCreated, Payload: payload})
	if updated != nil {
		s.Hub.Publish(models.Event{
			Rooms: []string{models.MatchRoom(updated.ID)},
			Type:  models.EventMatchUpdated,
			Payload: models.MatchUpdatedPayload{
				MatchID:              updated.ID,
				MessageCount:         updated.MessageCount,
				CanRequestFriendship: payload.CanRequestFriendship,
				Status:               updated.Status,
			},
		})
	}
	return msg, nil
}

// React sets userID's reaction on a message, or removes it when emoji is nil or blank.
func (s *Service) React(ctx context.Context, userID, messageID string, emoji *string) (*models.Message, error) {
	msg, err := s.Storage.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if !msg.Involves(userID) {
		return nil, apperr.ErrNotParticipant
	}
	if emoji != nil {
		trimmed := strings.TrimSpace(*emoji)
		if trimmed == "" {
			emoji = nil
		} else {
			emoji = &trimmed
		}
	}

	unlock := s.Locks.Lock(conversationKey(msg))
	defer unlock()

	updated, err := s.Storage.UpdateReaction(ctx, messageID, userID, emoji)
	if err != nil {
		return nil, err
	}
	s.Hub.Publish(models.Event{
		Rooms:   rooms(updated),
		Type:    models.EventReactionUpdated,
		Payload: models.ReactionUpdatedPayload{MessageID: updated.ID, Reactions: updated.Reactions},
	})
	return updated, nil
}

// ListByMatch returns a match's messages oldest first. Only participants may read them.
func (s *Service) ListByMatch(ctx context.Context, userID, matchID string) ([]models.Message, error) {
	m, err := s.Storage.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if !m.HasUser(userID) {
		return nil, apperr.ErrNotParticipant
	}
	return s.Storage.ListMessagesByMatch(ctx, matchID)
}

// ListBetween returns every message exchanged by the two users, oldest first.
// The caller must be one of them.
func (s *Service) ListBetween(ctx context.Context, userID, userA, userB string) ([]models.Message, error) {
	if userID != userA && userID != userB {
		return nil, apperr.ErrNotParticipant
	}
	return s.Storage.ListMessagesBetween(ctx, userA, userB)
}

// Summary groups a message's reactions by emoji, most used first.
func (s *Service) Summary(ctx context.Context, userID, messageID string) ([]models.ReactionGroup, error) {
	msg, err := s.Storage.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if !msg.Involves(userID) {
		return nil, apperr.ErrNotParticipant
	}
	return msg.Reactions.Summary(), nil
}
