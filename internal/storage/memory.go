package storage

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"driftchat/backend/internal/apperr"
	"driftchat/backend/internal/models"
)

// MemoryStore is an in-process Storage used for local development (database.driver=memory)
// and tests. A single mutex makes every method atomic, mirroring the guarantees that
// the PostgreSQL implementation gets from transactions and the open-pair unique index.
type MemoryStore struct {
	mu       sync.Mutex
	users    map[string]*models.User
	order    []string // user ids in creation order
	matches  map[string]*models.Match
	messages map[string]*models.Message
	seq      int64
	claims   map[string]claim
	presence map[string]time.Time
	now      func() time.Time
}

type claim struct {
	messageID string
	expires   time.Time
}

var _ Storage = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]*models.User),
		matches:  make(map[string]*models.Match),
		messages: make(map[string]*models.Message),
		claims:   make(map[string]claim),
		presence: make(map[string]time.Time),
		now:      time.Now,
	}
}

func cloneUser(u *models.User) *models.User {
	c := *u
	c.Interests = slices.Clone(u.Interests)
	c.GenderPreference = slices.Clone(u.GenderPreference)
	c.Friends = slices.Clone(u.Friends)
	return &c
}

func cloneMatch(m *models.Match) *models.Match {
	c := *m
	if m.FriendshipInitiator != nil {
		id := *m.FriendshipInitiator
		c.FriendshipInitiator = &id
	}
	return &c
}

func cloneMessage(m *models.Message) *models.Message {
	c := *m
	c.Reactions = m.Reactions.Clone()
	return &c
}

func (s *MemoryStore) SaveUser(ctx context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user.ID == "" {
		_ = user.BeforeCreate(nil)
	}
	if _, ok := s.users[user.ID]; !ok {
		s.order = append(s.order, user.ID)
		if user.CreatedAt.IsZero() {
			user.CreatedAt = s.now()
		}
	}
	s.users[user.ID] = cloneUser(user)
	return nil
}

func (s *MemoryStore) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, apperr.ErrUserNotFound
	}
	return cloneUser(u), nil
}

func (s *MemoryStore) GetUserByTelegramChatID(ctx context.Context, chatID int64) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if chatID == 0 {
		return nil, apperr.ErrUserNotFound
	}
	for _, u := range s.users {
		if u.TelegramChatID == chatID {
			return cloneUser(u), nil
		}
	}
	return nil, apperr.ErrUserNotFound
}

func (s *MemoryStore) GetUsersByIDs(ctx context.Context, ids []string) ([]models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.User
	for _, id := range ids {
		if u, ok := s.users[id]; ok {
			out = append(out, *cloneUser(u))
		}
	}
	return out, nil
}

func (s *MemoryStore) FindCandidates(ctx context.Context, p models.Preferences, exclude []string, limit int) ([]models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.User
	// newest first, like the SQL ordering
	for i := len(s.order) - 1; i >= 0; i-- {
		u := s.users[s.order[i]]
		if slices.Contains(exclude, u.ID) || !p.Compatible(u.Preferences()) {
			continue
		}
		out = append(out, *cloneUser(u))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) GetMatch(ctx context.Context, id string) (*models.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[id]
	if !ok {
		return nil, apperr.ErrMatchNotFound
	}
	return cloneMatch(m), nil
}

func (s *MemoryStore) ListMatchesForUser(ctx context.Context, userID string, statuses ...models.MatchStatus) ([]models.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Match
	for _, m := range s.matches {
		if !m.HasUser(userID) {
			continue
		}
		if len(statuses) > 0 && !slices.Contains(statuses, m.Status) {
			continue
		}
		out = append(out, *cloneMatch(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CountOpenMatches(ctx context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.matches {
		if m.HasUser(userID) && m.Status.IsOpen() {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CreateMatchIfAbsent(ctx context.Context, m *models.Match) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = m.BeforeCreate(nil)
	for _, existing := range s.matches {
		if existing.Status.IsOpen() && existing.UserA == m.UserA && existing.UserB == m.UserB {
			return false, nil
		}
	}
	now := s.now()
	m.CreatedAt, m.UpdatedAt = now, now
	s.matches[m.ID] = cloneMatch(m)
	return true, nil
}

func (s *MemoryStore) ExpireMatches(ctx context.Context, userID string, now time.Time) ([]models.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []models.Match
	for _, m := range s.matches {
		if userID != "" && !m.HasUser(userID) {
			continue
		}
		if m.IsExpired(now) {
			m.Status = models.MatchExpired
			m.UpdatedAt = now
			expired = append(expired, *cloneMatch(m))
		}
	}
	return expired, nil
}

func guardHolds(m *models.Match, g MatchGuard) bool {
	if g.Status != "" && m.Status != g.Status {
		return false
	}
	if g.MinMessageCount > 0 && m.MessageCount < g.MinMessageCount {
		return false
	}
	if g.Initiator != "" && m.Initiator() != g.Initiator {
		return false
	}
	if !g.NotExpiredAt.IsZero() && !m.ExpiresAt.After(g.NotExpiredAt) {
		return false
	}
	return true
}

func (s *MemoryStore) UpdateMatchIf(ctx context.Context, id string, guard MatchGuard, changes MatchChanges) (*models.Match, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[id]
	if !ok || !guardHolds(m, guard) {
		return nil, false, nil
	}
	if changes.Status != "" {
		m.Status = changes.Status
	}
	if changes.Initiator != "" {
		initiator := changes.Initiator
		m.FriendshipInitiator = &initiator
	}
	if changes.ClearInitiator {
		m.FriendshipInitiator = nil
	}
	if changes.ResetCount {
		m.MessageCount = 0
	}
	m.UpdatedAt = s.now()
	return cloneMatch(m), true, nil
}

func (s *MemoryStore) addFriend(userID, friendID string) {
	u, ok := s.users[userID]
	if !ok || u.HasFriend(friendID) {
		return
	}
	u.Friends = append(u.Friends, friendID)
}

func (s *MemoryStore) CompleteFriendship(ctx context.Context, id, initiator string) (*models.Match, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[id]
	if !ok || !guardHolds(m, MatchGuard{Status: models.MatchPendingFriendship, Initiator: initiator}) {
		return nil, false, nil
	}
	m.Status = models.MatchFriends
	m.UpdatedAt = s.now()
	s.addFriend(m.UserA, m.UserB)
	s.addFriend(m.UserB, m.UserA)
	return cloneMatch(m), true, nil
}

func (s *MemoryStore) SaveMessage(ctx context.Context, msg *models.Message, now time.Time) (*models.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var updated *models.Match
	if msg.MatchID != nil {
		m, ok := s.matches[*msg.MatchID]
		switch {
		case !ok:
			return nil, apperr.ErrMatchNotFound
		case !m.HasUser(msg.SenderID) || !m.HasUser(msg.ReceiverID):
			return nil, apperr.ErrNotParticipant
		case !m.Status.IsOpen() || m.IsExpired(now):
			return nil, apperr.ErrMatchClosed
		}
		m.MessageCount++
		m.UpdatedAt = now
		updated = cloneMatch(m)
	}
	_ = msg.BeforeCreate(nil)
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}
	s.seq++
	msg.Seq = s.seq
	s.messages[msg.ID] = cloneMessage(msg)
	return updated, nil
}

func (s *MemoryStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, apperr.ErrMessageNotFound
	}
	return cloneMessage(m), nil
}

func (s *MemoryStore) listMessages(keep func(*models.Message) bool) []models.Message {
	var out []models.Message
	for _, m := range s.messages {
		if keep(m) {
			out = append(out, *cloneMessage(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(&out[j]) })
	return out
}

func (s *MemoryStore) ListMessagesByMatch(ctx context.Context, matchID string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listMessages(func(m *models.Message) bool { return m.Match() == matchID }), nil
}

func (s *MemoryStore) ListMessagesBetween(ctx context.Context, userA, userB string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listMessages(func(m *models.Message) bool {
		return (m.SenderID == userA && m.ReceiverID == userB) || (m.SenderID == userB && m.ReceiverID == userA)
	}), nil
}

func (s *MemoryStore) UpdateReaction(ctx context.Context, messageID, userID string, emoji *string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return nil, apperr.ErrMessageNotFound
	}
	if emoji == nil {
		m.Reactions.Remove(userID)
	} else {
		m.Reactions.Set(userID, *emoji)
	}
	return cloneMessage(m), nil
}

func (s *MemoryStore) ClaimClientMessage(ctx context.Context, senderID, tempID, messageID string, ttl time.Duration) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := clientMessageKey(senderID, tempID)
	now := s.now()
	if c, ok := s.claims[key]; ok && now.Before(c.expires) {
		return c.messageID, false, nil
	}
	s.claims[key] = claim{messageID: messageID, expires: now.Add(ttl)}
	return messageID, true, nil
}

func (s *MemoryStore) ReleaseClientMessage(ctx context.Context, senderID, tempID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claims, clientMessageKey(senderID, tempID))
	return nil
}

func (s *MemoryStore) SetPresence(ctx context.Context, userID string, online bool, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !online {
		delete(s.presence, userID)
		return nil
	}
	s.presence[userID] = s.now().Add(ttl)
	return nil
}

func (s *MemoryStore) IsOnline(ctx context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.presence[userID]
	return ok && s.now().Before(exp), nil
}
