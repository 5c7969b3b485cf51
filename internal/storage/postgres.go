package storage

import (
	"context"
	"errors"
	"time"

	"driftchat/backend/internal/apperr"
	"driftchat/backend/internal/models"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Service is the production Storage: PostgreSQL through GORM plus Redis for short-lived keys.
type Service struct {
	DB    *gorm.DB
	Redis *redis.Client
	Log   *zap.Logger
}

// NewStorageService Constructor
func NewStorageService(db *gorm.DB, rdb *redis.Client, log *zap.Logger) *Service {
	return &Service{DB: db, Redis: rdb, Log: log.Named("storage")}
}

// openPairIndex enforces at most one open match per unordered pair.
const openPairIndex = `CREATE UNIQUE INDEX IF NOT EXISTS idx_matches_open_pair
	ON matches (user_a, user_b)
	WHERE status IN ('active', 'pending_friendship')`

// Migrate створює таблиці та частковий унікальний індекс пари.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.User{}, &models.Match{}, &models.Message{}); err != nil {
		return err
	}
	return db.Exec(openPairIndex).Error
}

var _ Storage = (*Service)(nil)

func (s *Service) SaveUser(ctx context.Context, user *models.User) error {
	return s.DB.WithContext(ctx).Save(user).Error
}

func (s *Service) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	err := s.DB.WithContext(ctx).Where("id = ?", id).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *Service) GetUsersByIDs(ctx context.Context, ids []string) ([]models.User, error) {
	var users []models.User
	if len(ids) == 0 {
		return users, nil
	}
	err := s.DB.WithContext(ctx).Where("id IN ?", ids).Find(&users).Error
	return users, err
}

func (s *Service) GetUserByTelegramChatID(ctx context.Context, chatID int64) (*models.User, error) {
	var user models.User
	err := s.DB.WithContext(ctx).Where("telegram_chat_id = ?", chatID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// FindCandidates applies the requester filter and the reciprocal filter in SQL.
func (s *Service) FindCandidates(ctx context.Context, p models.Preferences, exclude []string, limit int) ([]models.User, error) {
	q := s.DB.WithContext(ctx).Model(&models.User{}).Where("id <> ?", p.UserID)
	if len(exclude) > 0 {
		q = q.Where("id NOT IN ?", exclude)
	}
	if len(p.GenderPreference) > 0 {
		q = q.Where("gender IN ?", p.GenderPreference)
	}
	if p.AgeMin > 0 {
		q = q.Where("age >= ?", p.AgeMin)
	}
	if p.AgeMax > 0 {
		q = q.Where("age <= ?", p.AgeMax)
	}
	q = q.Where("(gender_preference IS NULL OR cardinality(gender_preference) = 0 OR ? = ANY(gender_preference))", p.Gender).
		Where("(age_min = 0 OR age_min <= ?) AND (age_max = 0 OR age_max >= ?)", p.Age, p.Age)

	switch {
	case !p.SearchGlobally && p.Country == "":
		return nil, nil
	case !p.SearchGlobally:
		q = q.Where("country = ?", p.Country)
	case p.Country != "":
		q = q.Where("(search_globally = ? OR country = ?)", true, p.Country)
	default:
		q = q.Where("search_globally = ?", true)
	}

	var users []models.User
	err := q.Order("created_at desc").Limit(limit).Find(&users).Error
	return users, err
}

func (s *Service) GetMatch(ctx context.Context, id string) (*models.Match, error) {
	var m models.Match
	err := s.DB.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.ErrMatchNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Service) ListMatchesForUser(ctx context.Context, userID string, statuses ...models.MatchStatus) ([]models.Match, error) {
	var matches []models.Match
	q := s.DB.WithContext(ctx).Where("(user_a = ? OR user_b = ?)", userID, userID)
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	err := q.Order("created_at asc").Find(&matches).Error
	return matches, err
}

func (s *Service) CountOpenMatches(ctx context.Context, userID string) (int, error) {
	var n int64
	err := s.DB.WithContext(ctx).Model(&models.Match{}).
		Where("(user_a = ? OR user_b = ?)", userID, userID).
		Where("status IN ?", models.OpenStatuses).
		Count(&n).Error
	return int(n), err
}

// CreateMatchIfAbsent relies on idx_matches_open_pair: a concurrent insert for the
// same pair fails with a unique violation, which is reported as not created.
func (s *Service) CreateMatchIfAbsent(ctx context.Context, m *models.Match) (bool, error) {
	err := s.DB.WithContext(ctx).Create(m).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ExpireMatches is one UPDATE ... RETURNING, so only rows this call changed come back.
func (s *Service) ExpireMatches(ctx context.Context, userID string, now time.Time) ([]models.Match, error) {
	var expired []models.Match
	q := s.DB.WithContext(ctx).Model(&expired).Clauses(clause.Returning{}).
		Where("status = ? AND expires_at <= ?", models.MatchActive, now)
	if userID != "" {
		q = q.Where("(user_a = ? OR user_b = ?)", userID, userID)
	}
	if err := q.Updates(map[string]interface{}{"status": models.MatchExpired, "updated_at": now}).Error; err != nil {
		return nil, err
	}
	return expired, nil
}

func applyGuard(q *gorm.DB, guard MatchGuard) *gorm.DB {
	if guard.Status != "" {
		q = q.Where("status = ?", guard.Status)
	}
	if guard.MinMessageCount > 0 {
		q = q.Where("message_count >= ?", guard.MinMessageCount)
	}
	if guard.Initiator != "" {
		q = q.Where("friendship_initiator = ?", guard.Initiator)
	}
	if !guard.NotExpiredAt.IsZero() {
		q = q.Where("expires_at > ?", guard.NotExpiredAt)
	}
	return q
}

func changeColumns(changes MatchChanges) map[string]interface{} {
	cols := map[string]interface{}{"updated_at": time.Now()}
	if changes.Status != "" {
		cols["status"] = changes.Status
	}
	if changes.Initiator != "" {
		cols["friendship_initiator"] = changes.Initiator
	}
	if changes.ClearInitiator {
		cols["friendship_initiator"] = gorm.Expr("NULL")
	}
	if changes.ResetCount {
		cols["message_count"] = 0
	}
	return cols
}

func (s *Service) UpdateMatchIf(ctx context.Context, id string, guard MatchGuard, changes MatchChanges) (*models.Match, bool, error) {
	var m models.Match
	q := s.DB.WithContext(ctx).Model(&m).Clauses(clause.Returning{}).Where("id = ?", id)
	res := applyGuard(q, guard).Updates(changeColumns(changes))
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, false, nil
	}
	return &m, true, nil
}

// addFriend appends friendID to the user's friend list unless already present.
func addFriend(tx *gorm.DB, userID, friendID string) error {
	return tx.Model(&models.User{}).
		Where("id = ? AND NOT (? = ANY(COALESCE(friends, '{}')))", userID, friendID).
		Update("friends", gorm.Expr("array_append(COALESCE(friends, '{}'), ?)", friendID)).Error
}

func (s *Service) CompleteFriendship(ctx context.Context, id, initiator string) (*models.Match, bool, error) {
	var m models.Match
	applied := false
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&m).Clauses(clause.Returning{}).
			Where("id = ? AND status = ? AND friendship_initiator = ?", id, models.MatchPendingFriendship, initiator).
			Updates(map[string]interface{}{"status": models.MatchFriends, "updated_at": time.Now()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		if err := addFriend(tx, m.UserA, m.UserB); err != nil {
			return err
		}
		if err := addFriend(tx, m.UserB, m.UserA); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil || !applied {
		return nil, false, err
	}
	return &m, true, nil
}

// SaveMessage зберігає повідомлення та збільшує лічильник матчу в одній транзакції.
func (s *Service) SaveMessage(ctx context.Context, msg *models.Message, now time.Time) (*models.Match, error) {
	var updated *models.Match
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if msg.MatchID != nil {
			var m models.Match
			lo, hi := models.SortPair(msg.SenderID, msg.ReceiverID)
			res := tx.Model(&m).Clauses(clause.Returning{}).
				Where("id = ? AND user_a = ? AND user_b = ?", *msg.MatchID, lo, hi).
				Where("(status = ? OR (status = ? AND expires_at > ?))", models.MatchPendingFriendship, models.MatchActive, now).
				Updates(map[string]interface{}{
					"message_count": gorm.Expr("message_count + 1"),
					"updated_at":    now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return s.classifyRejectedSend(tx, msg)
			}
			updated = &m
		}
		if msg.Timestamp.IsZero() {
			msg.Timestamp = now
		}
		return tx.Create(msg).Error
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Service) classifyRejectedSend(tx *gorm.DB, msg *models.Message) error {
	var m models.Match
	err := tx.Where("id = ?", *msg.MatchID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.ErrMatchNotFound
	}
	if err != nil {
		return err
	}
	if !m.HasUser(msg.SenderID) || !m.HasUser(msg.ReceiverID) {
		return apperr.ErrNotParticipant
	}
	return apperr.ErrMatchClosed
}

func (s *Service) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	var msg models.Message
	err := s.DB.WithContext(ctx).Where("id = ?", id).First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *Service) ListMessagesByMatch(ctx context.Context, matchID string) ([]models.Message, error) {
	var msgs []models.Message
	err := s.DB.WithContext(ctx).Where("match_id = ?", matchID).
		Order("timestamp asc, seq asc").Find(&msgs).Error
	return msgs, err
}

func (s *Service) ListMessagesBetween(ctx context.Context, userA, userB string) ([]models.Message, error) {
	var msgs []models.Message
	err := s.DB.WithContext(ctx).
		Where("(sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)", userA, userB, userB, userA).
		Order("timestamp asc, seq asc").Find(&msgs).Error
	return msgs, err
}

func (s *Service) UpdateReaction(ctx context.Context, messageID, userID string, emoji *string) (*models.Message, error) {
	var msg models.Message
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", messageID).First(&msg).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.ErrMessageNotFound
		}
		if err != nil {
			return err
		}
		var changed bool
		if emoji == nil {
			changed = msg.Reactions.Remove(userID)
		} else {
			changed = msg.Reactions.Set(userID, *emoji)
		}
		if !changed {
			return nil
		}
		return tx.Model(&models.Message{}).Where("id = ?", messageID).Update("reactions", msg.Reactions).Error
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *Service) ClaimClientMessage(ctx context.Context, senderID, tempID, messageID string, ttl time.Duration) (string, bool, error) {
	key := clientMessageKey(senderID, tempID)
	ok, err := s.Redis.SetNX(ctx, key, messageID, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if ok {
		return messageID, true, nil
	}
	existing, err := s.Redis.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// The claim expired between SETNX and GET; try once more.
		ok, err = s.Redis.SetNX(ctx, key, messageID, ttl).Result()
		if err != nil {
			return "", false, err
		}
		if !ok {
			return "", false, apperr.ErrConcurrentUpdate
		}
		return messageID, true, nil
	}
	if err != nil {
		return "", false, err
	}
	return existing, false, nil
}

func (s *Service) ReleaseClientMessage(ctx context.Context, senderID, tempID string) error {
	return s.Redis.Del(ctx, clientMessageKey(senderID, tempID)).Err()
}

func (s *Service) SetPresence(ctx context.Context, userID string, online bool, ttl time.Duration) error {
	if !online {
		return s.Redis.Del(ctx, presenceKey(userID)).Err()
	}
	return s.Redis.Set(ctx, presenceKey(userID), "1", ttl).Err()
}

func (s *Service) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := s.Redis.Exists(ctx, presenceKey(userID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
