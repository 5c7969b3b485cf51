package handler

import (
	"context"
	"encoding/json"
	"strings"

	"driftchat/backend/internal/apperr"
	"driftchat/backend/internal/chathub"
	"driftchat/backend/internal/models"
)

var (
	errRoomForbidden  = apperr.State("Not allowed to join this room")
	errUnknownCommand = apperr.Validation("Unknown command", nil)
)

// commandRouter routes realtime commands to the same services the REST handlers use.
type commandRouter struct {
	h *Handler
}

var _ chathub.Dispatcher = (*commandRouter)(nil)

// AuthorizeRoom allows the caller's own user room and the rooms of matches they take part in.
func (r *commandRouter) AuthorizeRoom(ctx context.Context, userID, room string) error {
	if room == models.UserRoom(userID) {
		return nil
	}
	if matchID, ok := strings.CutPrefix(room, models.MatchRoom("")); ok && matchID != "" {
		return r.h.Matches.CheckParticipant(ctx, matchID, userID)
	}
	return errRoomForbidden
}

func decode[T any](cmd models.Envelope) (T, error) {
	var body T
	if len(cmd.Data) == 0 {
		return body, apperr.Validation("Missing command data", nil)
	}
	if err := json.Unmarshal(cmd.Data, &body); err != nil {
		return body, apperr.Validation("Malformed command data", err)
	}
	return body, nil
}

func (r *commandRouter) Dispatch(ctx context.Context, userID string, cmd models.Envelope) (any, error) {
	switch cmd.Type {
	case models.CmdMessageSend:
		body, err := decode[models.SendMessageCommand](cmd)
		if err != nil {
			return nil, err
		}
		return r.h.Messages.Send(ctx, userID, body)

	case models.CmdReactionSet:
		body, err := decode[models.ReactionCommand](cmd)
		if err != nil {
			return nil, err
		}
		if body.MessageID == "" {
			return nil, apperr.Validation("messageId is required", nil)
		}
		return r.h.Messages.React(ctx, userID, body.MessageID, body.Emoji)

	case models.CmdFriendshipRequest:
		body, err := decode[models.FriendshipRequestCommand](cmd)
		if err != nil {
			return nil, err
		}
		return r.h.Matches.RequestFriendship(ctx, body.MatchID, userID)

	case models.CmdFriendshipRespond:
		body, err := decode[models.FriendshipRespondCommand](cmd)
		if err != nil {
			return nil, err
		}
		return r.h.Matches.RespondFriendship(ctx, body.MatchID, userID, body.Accept)
	}
	return nil, errUnknownCommand
}
