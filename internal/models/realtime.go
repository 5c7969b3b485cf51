package models

import "encoding/json"

// Типи подій, які сервер надсилає у кімнати.
const (
	EventMessageCreated      = "message.created"
	EventMatchUpdated        = "match.updated"
	EventFriendshipRequested = "friendship.requested"
	EventFriendshipResponded = "friendship.responded"
	EventReactionUpdated     = "reaction.updated"
	EventAck                 = "ack"
)

// Команди клієнта.
const (
	CmdRoomJoin          = "room.join"
	CmdRoomLeave         = "room.leave"
	CmdMessageSend       = "message.send"
	CmdReactionSet       = "reaction.set"
	CmdFriendshipRequest = "friendship.request"
	CmdFriendshipRespond = "friendship.respond"
)

// Envelope is the wire frame for both commands and events.
type Envelope struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into an envelope.
func NewEnvelope(eventType, id string, payload any) (Envelope, error) {
	env := Envelope{Type: eventType, ID: id}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return env, err
	}
	env.Data = data
	return env, nil
}

// Event is a committed mutation addressed to one or more rooms.
type Event struct {
	Rooms   []string
	Type    string
	Payload any
}

// MatchRoom is the room shared by both participants of a match.
func MatchRoom(matchID string) string { return "match:" + matchID }

// UserRoom is the private room of a single user.
func UserRoom(userID string) string { return "user:" + userID }

type MessageCreatedPayload struct {
	Message              *Message `json:"message"`
	MessageCount         *int     `json:"messageCount,omitempty"`
	CanRequestFriendship bool     `json:"canRequestFriendship"`
}

type MatchUpdatedPayload struct {
	MatchID              string      `json:"matchId"`
	MessageCount         int         `json:"messageCount"`
	CanRequestFriendship bool        `json:"canRequestFriendship"`
	Status               MatchStatus `json:"status"`
}

type FriendshipRequestedPayload struct {
	MatchID     string `json:"matchId"`
	RequesterID string `json:"requesterId"`
	ReceiverID  string `json:"receiverId"`
}

type FriendshipRespondedPayload struct {
	MatchID     string      `json:"matchId"`
	ResponderID string      `json:"responderId"`
	Status      MatchStatus `json:"status"`
}

type ReactionUpdatedPayload struct {
	MessageID string      `json:"messageId"`
	Reactions ReactionMap `json:"reactions"`
}

// AckPayload answers a command carrying an id.
type AckPayload struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	Kind    string          `json:"kind,omitempty"`
}

type RoomCommand struct {
	Room string `json:"room"`
}

type SendMessageCommand struct {
	MatchID    string  `json:"matchId,omitempty"`
	ReceiverID string  `json:"receiverId"`
	Content    string  `json:"content"`
	GifURL     *string `json:"gifUrl,omitempty"`
	TempID     string  `json:"tempId,omitempty"`
}

type ReactionCommand struct {
	MessageID string  `json:"messageId"`
	Emoji     *string `json:"emoji"`
}

type FriendshipRequestCommand struct {
	MatchID string `json:"matchId"`
}

type FriendshipRespondCommand struct {
	MatchID string `json:"matchId"`
	Accept  bool   `json:"accept"`
}
