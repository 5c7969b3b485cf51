// Package match is the match lifecycle engine: matchmaking under capacity,
// lazy expiry and the friendship handshake state machine.
package match

import (
	"context"
	"time"

	"driftchat/backend/internal/apperr"
	"driftchat/backend/internal/config"
	"driftchat/backend/internal/models"
	"driftchat/backend/internal/monitoring"
	"driftchat/backend/internal/storage"

	"go.uber.org/zap"
)

// candidateScanLimit bounds one matchmaking pass over the user table.
const candidateScanLimit = 50

// Publisher delivers committed events to hub rooms in call order.
type Publisher interface {
	Publish(ev models.Event)
}

// Locker serialises commit+publish per match so rooms see events in commit order.
type Locker interface {
	Lock(key string) func()
}

// Service відповідає за життєвий цикл матчів.
type Service struct {
	Storage storage.Storage
	Hub     Publisher
	Locks   Locker
	Config  config.MatchConfig
	Log     *zap.Logger

	now func() time.Time
}

func NewService(s storage.Storage, hub Publisher, locks Locker, cfg config.MatchConfig, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		Storage: s,
		Hub:     hub,
		Locks:   locks,
		Config:  cfg,
		Log:     log.Named("match"),
		now:     time.Now,
	}
}

// GetMatches returns the caller's active, pending and friend matches,
// creating new ones first while the caller is below capacity.
func (s *Service) GetMatches(ctx context.Context, userID string) ([]View, error) {
	user, err := s.Storage.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if _, err := s.expire(ctx, userID, now); err != nil {
		return nil, err
	}

	matches, err := s.listVisible(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	open := 0
	for _, m := range matches {
		if m.Status.IsOpen() {
			open++
		}
	}

	if open < s.Config.Capacity {
		changed, err := s.matchmake(ctx, user, matches, open, now)
		if err != nil {
			return nil, err
		}
		if changed {
			if matches, err = s.listVisible(ctx, userID, now); err != nil {
				return nil, err
			}
		}
	}
	return s.views(ctx, userID, matches)
}

func (s *Service) listVisible(ctx context.Context, userID string, now time.Time) ([]models.Match, error) {
	all, err := s.Storage.ListMatchesForUser(ctx, userID, models.MatchActive, models.MatchPendingFriendship, models.MatchFriends)
	if err != nil {
		return nil, err
	}
	visible := all[:0]
	for _, m := range all {
		if !m.IsExpired(now) {
			visible = append(visible, m)
		}
	}
	return visible, nil
}

// matchmake pairs user with compatible candidates until capacity is reached.
// Exclusivity per pair is enforced by CreateMatchIfAbsent, not by this scan.
func (s *Service) matchmake(ctx context.Context, user *models.User, existing []models.Match, open int, now time.Time) (bool, error) {
	exclude := []string{user.ID}
	for _, m := range existing {
		if other, ok := m.OtherUser(user.ID); ok {
			exclude = append(exclude, other)
		}
	}
	exclude = append(exclude, user.Friends...)

	prefs := user.Preferences()
	candidates, err := s.Storage.FindCandidates(ctx, prefs, exclude, candidateScanLimit)
	if err != nil {
		return false, err
	}

	changed := false
	for i := range candidates {
		if open >= s.Config.Capacity {
			break
		}
		c := &candidates[i]

		// Ліміт кандидата перевіряється без гарантій: паралельний пошук може його ненадовго перевищити.
		if _, err := s.expire(ctx, c.ID, now); err != nil {
			return changed, err
		}
		n, err := s.Storage.CountOpenMatches(ctx, c.ID)
		if err != nil {
			return changed, err
		}
		if n >= s.Config.Capacity {
			continue
		}

		m, err := models.NewMatch(user.ID, c.ID, Compatibility(prefs, c.Preferences(), s.Config.Weights), now, s.Config.Duration)
		if err != nil {
			continue
		}
		created, err := s.Storage.CreateMatchIfAbsent(ctx, m)
		if err != nil {
			return changed, err
		}
		if !created {
			// the other side created the pair concurrently; it shows up on re-read
			changed = true
			s.Log.Debug("Pair already matched", zap.String("userId", user.ID), zap.String("candidateId", c.ID))
			continue
		}

		open++
		changed = true
		monitoring.MatchesCreated.Inc()
		s.Log.Info("Match created",
			zap.String("matchId", m.ID),
			zap.String("userA", m.UserA),
			zap.String("userB", m.UserB),
			zap.Int("score", m.CompatibilityScore))

		ev := s.updatedEvent(m)
		ev.Rooms = []string{models.UserRoom(c.ID)}
		s.Hub.Publish(ev)
	}
	return changed, nil
}

func (s *Service) views(ctx context.Context, viewer string, matches []models.Match) ([]View, error) {
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		if other, ok := m.OtherUser(viewer); ok {
			ids = append(ids, other)
		}
	}
	users, err := s.Storage.GetUsersByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*models.User, len(users))
	for i := range users {
		byID[users[i].ID] = &users[i]
	}

	out := make([]View, 0, len(matches))
	for i := range matches {
		m := &matches[i]
		other, _ := m.OtherUser(viewer)
		out = append(out, s.view(m, viewer, byID[other]))
	}
	return out, nil
}

func (s *Service) viewOne(ctx context.Context, m *models.Match, viewer string) (View, error) {
	views, err := s.views(ctx, viewer, []models.Match{*m})
	if err != nil {
		return View{}, err
	}
	return views[0], nil
}

// load reads a match for one of its participants, applying lazy expiry.
func (s *Service) load(ctx context.Context, matchID, userID string) (*models.Match, error) {
	m, err := s.Storage.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if !m.HasUser(userID) {
		return nil, apperr.ErrNotParticipant
	}
	now := s.now()
	if m.IsExpired(now) {
		if _, err := s.expire(ctx, m.UserA, now); err != nil {
			return nil, err
		}
		m.Status = models.MatchExpired
	}
	return m, nil
}

// expire moves the elapsed active matches of userID (of everyone when empty) to expired
// and publishes match.updated for each row this call changed.
// Nothing can commit on an elapsed match after the expiry, so taking the order lock
// after the commit still puts the event behind any earlier publish for that match.
func (s *Service) expire(ctx context.Context, userID string, now time.Time) (int, error) {
	expired, err := s.Storage.ExpireMatches(ctx, userID, now)
	if err != nil {
		return 0, err
	}
	for i := range expired {
		m := &expired[i]
		unlock := s.Locks.Lock(m.ID)
		s.Hub.Publish(s.updatedEvent(m))
		unlock()
		monitoring.MatchTransitions.WithLabelValues(string(models.MatchExpired)).Inc()
	}
	return len(expired), nil
}

// GetMatch returns one match for a participant.
func (s *Service) GetMatch(ctx context.Context, matchID, userID string) (View, error) {
	m, err := s.load(ctx, matchID, userID)
	if err != nil {
		return View{}, err
	}
	return s.viewOne(ctx, m, userID)
}

// CheckParticipant returns nil if userID is one of the match's two users.
func (s *Service) CheckParticipant(ctx context.Context, matchID, userID string) error {
	m, err := s.Storage.GetMatch(ctx, matchID)
	if err != nil {
		return err
	}
	if !m.HasUser(userID) {
		return apperr.ErrNotParticipant
	}
	return nil
}

// RequestFriendship moves an active match at or above the milestone to pending_friendship.
func (s *Service) RequestFriendship(ctx context.Context, matchID, userID string) (View, error) {
	for attempt := 0; attempt < s.Config.ConflictRetries; attempt++ {
		m, err := s.load(ctx, matchID, userID)
		if err != nil {
			return View{}, err
		}
		if m.Status != models.MatchActive {
			return View{}, apperr.ErrInvalidTransition
		}
		if m.MessageCount < s.Config.Milestone {
			return View{}, apperr.ErrMilestoneNotReached
		}

		unlock := s.Locks.Lock(matchID)
		updated, ok, err := s.Storage.UpdateMatchIf(ctx, matchID,
			storage.MatchGuard{Status: models.MatchActive, MinMessageCount: s.Config.Milestone, NotExpiredAt: s.now()},
			storage.MatchChanges{Status: models.MatchPendingFriendship, Initiator: userID})
		if err != nil {
			unlock()
			return View{}, err
		}
		if !ok {
			unlock()
			monitoring.ConflictRetries.WithLabelValues("request_friendship").Inc()
			continue
		}

		receiver, _ := updated.OtherUser(userID)
		s.Hub.Publish(models.Event{
			Rooms: []string{models.MatchRoom(matchID), models.UserRoom(receiver)},
			Type:  models.EventFriendshipRequested,
			Payload: models.FriendshipRequestedPayload{
				MatchID:     matchID,
				RequesterID: userID,
				ReceiverID:  receiver,
			},
		})
		s.Hub.Publish(s.updatedEvent(updated))
		unlock()

		monitoring.MatchTransitions.WithLabelValues(string(updated.Status)).Inc()
		s.Log.Info("Friendship requested", zap.String("matchId", matchID), zap.String("requesterId", userID))
		return s.viewOne(ctx, updated, userID)
	}
	return View{}, apperr.ErrConcurrentUpdate
}

// RespondFriendship answers a pending request. Accept makes the pair friends;
// decline returns the match to active with the counter reset.
func (s *Service) RespondFriendship(ctx context.Context, matchID, userID string, accept bool) (View, error) {
	for attempt := 0; attempt < s.Config.ConflictRetries; attempt++ {
		m, err := s.load(ctx, matchID, userID)
		if err != nil {
			return View{}, err
		}
		if m.Status != models.MatchPendingFriendship {
			return View{}, apperr.ErrInvalidTransition
		}
		initiator := m.Initiator()
		if initiator == userID {
			return View{}, apperr.ErrSelfResponse
		}

		unlock := s.Locks.Lock(matchID)
		var (
			updated *models.Match
			ok      bool
		)
		if accept {
			updated, ok, err = s.Storage.CompleteFriendship(ctx, matchID, initiator)
		} else {
			updated, ok, err = s.Storage.UpdateMatchIf(ctx, matchID,
				storage.MatchGuard{Status: models.MatchPendingFriendship, Initiator: initiator},
				storage.MatchChanges{Status: models.MatchActive, ClearInitiator: true, ResetCount: true})
		}
		if err != nil {
			unlock()
			return View{}, err
		}
		if !ok {
			unlock()
			monitoring.ConflictRetries.WithLabelValues("respond_friendship").Inc()
			continue
		}

		s.Hub.Publish(models.Event{
			Rooms:   []string{models.MatchRoom(matchID), models.UserRoom(initiator)},
			Type:    models.EventFriendshipResponded,
			Payload: models.FriendshipRespondedPayload{MatchID: matchID, ResponderID: userID, Status: updated.Status},
		})
		s.Hub.Publish(s.updatedEvent(updated))
		unlock()

		monitoring.MatchTransitions.WithLabelValues(string(updated.Status)).Inc()
		s.Log.Info("Friendship answered",
			zap.String("matchId", matchID),
			zap.String("responderId", userID),
			zap.Bool("accepted", accept))
		return s.viewOne(ctx, updated, userID)
	}
	return View{}, apperr.ErrConcurrentUpdate
}

// FriendshipStatus reports the handshake state of a match for userID.
func (s *Service) FriendshipStatus(ctx context.Context, matchID, userID string) (FriendshipStatus, error) {
	m, err := s.load(ctx, matchID, userID)
	if err != nil {
		return "", err
	}
	switch {
	case m.Status == models.MatchFriends:
		return FriendshipFriends, nil
	case m.Status == models.MatchPendingFriendship && m.Initiator() == userID:
		return FriendshipPendingSent, nil
	case m.Status == models.MatchPendingFriendship:
		return FriendshipPendingReceived, nil
	}
	return FriendshipNone, nil
}

// ListFriends returns the caller's friends in the order they were added.
func (s *Service) ListFriends(ctx context.Context, userID string) ([]Friend, error) {
	user, err := s.Storage.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	users, err := s.Storage.GetUsersByIDs(ctx, user.Friends)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(users))
	for _, u := range users {
		names[u.ID] = u.Username
	}
	friends := make([]Friend, 0, len(user.Friends))
	for _, id := range user.Friends {
		if name, ok := names[id]; ok {
			friends = append(friends, Friend{ID: id, Username: name})
		}
	}
	return friends, nil
}

// PendingRequests returns friendship requests the caller has received and not answered.
func (s *Service) PendingRequests(ctx context.Context, userID string) ([]PendingRequest, error) {
	matches, err := s.Storage.ListMatchesForUser(ctx, userID, models.MatchPendingFriendship)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, m := range matches {
		if m.Initiator() != userID {
			ids = append(ids, m.Initiator())
		}
	}
	users, err := s.Storage.GetUsersByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(users))
	for _, u := range users {
		names[u.ID] = u.Username
	}

	out := make([]PendingRequest, 0, len(ids))
	for _, m := range matches {
		requester := m.Initiator()
		if requester == userID {
			continue
		}
		out = append(out, PendingRequest{MatchID: m.ID, RequesterID: requester, Username: names[requester]})
	}
	return out, nil
}

// ExpireAll sweeps every elapsed active match to expired.
func (s *Service) ExpireAll(ctx context.Context) (int, error) {
	n, err := s.expire(ctx, "", s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.Log.Info("Expired matches", zap.Int("count", n))
	}
	return n, nil
}
