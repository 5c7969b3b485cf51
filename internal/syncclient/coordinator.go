package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"driftchat/backend/internal/apperr"
	"driftchat/backend/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	DefaultAckTimeout = 10 * time.Second
	minBackoff        = 500 * time.Millisecond
	maxBackoff        = 30 * time.Second
	stableAfter       = 10 * time.Second
)

var (
	ErrNotConnected = apperr.Connection("Realtime channel unavailable", nil)
	ErrAckTimeout   = apperr.Connection("No acknowledgement from server", nil)
)

// Conn is the part of *websocket.Conn the coordinator uses.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// DialFunc opens a realtime connection.
type DialFunc func(ctx context.Context) (Conn, error)

// WebSocketDialer dials url with a bearer token using gorilla/websocket.
func WebSocketDialer(url, token string) DialFunc {
	return func(ctx context.Context) (Conn, error) {
		header := http.Header{}
		header.Set("Authorization", "Bearer "+token)
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Coordinator is the client side of the realtime protocol for one user.
type Coordinator struct {
	UserID     string
	Dial       DialFunc
	AckTimeout time.Duration
	Log        *zap.Logger

	MinBackoff time.Duration
	MaxBackoff time.Duration
	// StableAfter is how long a connection must stay up before the backoff resets.
	StableAfter time.Duration
	// OnEvent, when set, sees every event after the timelines were updated.
	OnEvent func(models.Envelope)
	// OnSendFailed, when set, is told about every rolled back optimistic message.
	OnSendFailed func(tempID string, err error)

	mu        sync.Mutex
	conn      Conn
	connected chan struct{} // closed while a connection is up
	rooms     map[string]struct{}
	waiters   map[string]chan models.AckPayload
	timelines map[string]*Timeline

	writeMu sync.Mutex
}

func NewCoordinator(userID string, dial DialFunc, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		UserID:      userID,
		Dial:        dial,
		AckTimeout:  DefaultAckTimeout,
		Log:         log.Named("syncclient"),
		MinBackoff:  minBackoff,
		MaxBackoff:  maxBackoff,
		StableAfter: stableAfter,
		connected:   make(chan struct{}),
		rooms:       make(map[string]struct{}),
		waiters:     make(map[string]chan models.AckPayload),
		timelines:   make(map[string]*Timeline),
	}
}

// Run keeps a connection open until ctx is cancelled, reconnecting with
// exponential backoff and rejoining every room joined so far.
// The backoff is reset only after a connection stayed up for StableAfter,
// so a server that accepts and drops at once is not redialled in a loop.
func (c *Coordinator) Run(ctx context.Context) {
	backoff := c.MinBackoff
	for {
		conn, err := c.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.Log.Warn("Dial failed, retrying", zap.Duration("backoff", backoff), zap.Error(err))
		} else {
			up := time.Now()
			err = c.serve(ctx, conn)
			if ctx.Err() != nil {
				return
			}
			if time.Since(up) >= c.StableAfter {
				backoff = c.MinBackoff
			}
			c.Log.Info("Connection lost, reconnecting", zap.Duration("backoff", backoff), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, c.MaxBackoff)
	}
}

// serve runs one connection until it fails or ctx is cancelled.
func (c *Coordinator) serve(ctx context.Context, conn Conn) error {
	c.attach(conn)
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	go c.rejoin(ctx)

	err := c.readLoop(conn)
	close(done)
	c.detach(conn)
	return err
}

func (c *Coordinator) attach(conn Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	close(c.connected)
}

// detach fails every in-flight command; their senders roll back.
func (c *Coordinator) detach(conn Conn) {
	conn.Close()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = nil
	c.connected = make(chan struct{})
	for id, ch := range c.waiters {
		ch <- models.AckPayload{Error: ErrNotConnected.Msg, Kind: string(apperr.KindConnection)}
		delete(c.waiters, id)
	}
}

func (c *Coordinator) rejoin(ctx context.Context) {
	c.mu.Lock()
	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	c.mu.Unlock()

	for _, room := range rooms {
		if _, err := c.Command(ctx, models.CmdRoomJoin, models.RoomCommand{Room: room}); err != nil {
			c.Log.Warn("Rejoin failed", zap.String("room", room), zap.Error(err))
		}
	}
}

// WaitConnected blocks until a connection is up.
func (c *Coordinator) WaitConnected(ctx context.Context) error {
	c.mu.Lock()
	ch := c.connected
	c.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) readLoop(conn Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var env models.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.Log.Debug("Skipping malformed frame", zap.Error(err))
			continue
		}
		if env.Type == models.EventAck {
			c.resolve(env)
			continue
		}
		c.apply(env)
		if c.OnEvent != nil {
			c.OnEvent(env)
		}
	}
}

func (c *Coordinator) resolve(env models.Envelope) {
	var ack models.AckPayload
	if err := json.Unmarshal(env.Data, &ack); err != nil {
		ack = models.AckPayload{Error: "malformed ack", Kind: string(apperr.KindInternal)}
	}
	c.mu.Lock()
	ch, ok := c.waiters[env.ID]
	delete(c.waiters, env.ID)
	c.mu.Unlock()
	if ok {
		ch <- ack
	}
}

func (c *Coordinator) apply(env models.Envelope) {
	switch env.Type {
	case models.EventMessageCreated:
		var p models.MessageCreatedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil || p.Message == nil {
			return
		}
		c.Timeline(c.conversationOf(p.Message)).ApplyRemote(*p.Message)
	case models.EventReactionUpdated:
		var p models.ReactionUpdatedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return
		}
		c.mu.Lock()
		timelines := make([]*Timeline, 0, len(c.timelines))
		for _, t := range c.timelines {
			timelines = append(timelines, t)
		}
		c.mu.Unlock()
		for _, t := range timelines {
			if t.ApplyReactions(p.MessageID, p.Reactions) {
				break
			}
		}
	}
}

// ConversationKey names the timeline of a match or of a friend chat.
func ConversationKey(matchID, friendID string) string {
	if matchID != "" {
		return models.MatchRoom(matchID)
	}
	return "friend:" + friendID
}

func (c *Coordinator) conversationOf(m *models.Message) string {
	other := m.ReceiverID
	if other == c.UserID {
		other = m.SenderID
	}
	return ConversationKey(m.Match(), other)
}

// Timeline returns the timeline for key, creating it on first use.
func (c *Coordinator) Timeline(key string) *Timeline {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.timelines[key]
	if !ok {
		t = NewTimeline()
		c.timelines[key] = t
	}
	return t
}

// Command sends one command and waits for its ack.
func (c *Coordinator) Command(ctx context.Context, cmdType string, payload any) (json.RawMessage, error) {
	id := uuid.New().String()
	env, err := models.NewEnvelope(cmdType, id, payload)
	if err != nil {
		return nil, err
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}

	ch := make(chan models.AckPayload, 1)
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.waiters[id] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, frame)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return nil, apperr.Connection("Realtime channel unavailable", err)
	}

	timer := time.NewTimer(c.AckTimeout)
	defer timer.Stop()
	select {
	case ack := <-ch:
		if !ack.Success {
			return nil, apperr.New(apperr.Kind(ack.Kind), ack.Error)
		}
		return ack.Result, nil
	case <-timer.C:
		c.forget(id)
		return nil, ErrAckTimeout
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

func (c *Coordinator) forget(id string) {
	c.mu.Lock()
	delete(c.waiters, id)
	c.mu.Unlock()
}

// Join subscribes to room and remembers it for reconnects. Joining twice is harmless.
func (c *Coordinator) Join(ctx context.Context, room string) error {
	c.mu.Lock()
	c.rooms[room] = struct{}{}
	c.mu.Unlock()
	_, err := c.Command(ctx, models.CmdRoomJoin, models.RoomCommand{Room: room})
	return err
}

func (c *Coordinator) Leave(ctx context.Context, room string) error {
	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()
	_, err := c.Command(ctx, models.CmdRoomLeave, models.RoomCommand{Room: room})
	return err
}

// SendMessage shows the message at once as a pending echo, then reconciles it with the
// server copy on ack or removes it when the send fails or times out.
func (c *Coordinator) SendMessage(ctx context.Context, cmd models.SendMessageCommand) (*models.Message, error) {
	if cmd.TempID == "" {
		cmd.TempID = uuid.New().String()
	}
	timeline := c.Timeline(ConversationKey(cmd.MatchID, cmd.ReceiverID))
	echo := models.Message{
		SenderID:   c.UserID,
		ReceiverID: cmd.ReceiverID,
		Content:    cmd.Content,
		GifURL:     cmd.GifURL,
		Timestamp:  time.Now(),
	}
	if cmd.MatchID != "" {
		matchID := cmd.MatchID
		echo.MatchID = &matchID
	}
	timeline.AddPending(cmd.TempID, echo)

	result, err := c.Command(ctx, models.CmdMessageSend, cmd)
	if err == nil {
		var msg models.Message
		if err = json.Unmarshal(result, &msg); err == nil {
			timeline.Confirm(cmd.TempID, msg)
			return &msg, nil
		}
	}

	timeline.Fail(cmd.TempID)
	if c.OnSendFailed != nil {
		c.OnSendFailed(cmd.TempID, err)
	}
	return nil, err
}

// React sets or (with nil) removes the caller's reaction.
func (c *Coordinator) React(ctx context.Context, messageID string, emoji *string) error {
	_, err := c.Command(ctx, models.CmdReactionSet, models.ReactionCommand{MessageID: messageID, Emoji: emoji})
	return err
}

func (c *Coordinator) RequestFriendship(ctx context.Context, matchID string) (json.RawMessage, error) {
	return c.Command(ctx, models.CmdFriendshipRequest, models.FriendshipRequestCommand{MatchID: matchID})
}

func (c *Coordinator) RespondFriendship(ctx context.Context, matchID string, accept bool) (json.RawMessage, error) {
	return c.Command(ctx, models.CmdFriendshipRespond, models.FriendshipRespondCommand{MatchID: matchID, Accept: accept})
}

// IsConnectionError reports whether err means the realtime channel was unavailable.
func IsConnectionError(err error) bool {
	return apperr.IsKind(err, apperr.KindConnection) || errors.Is(err, context.DeadlineExceeded)
}
