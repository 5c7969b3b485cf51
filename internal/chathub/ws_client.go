package chathub

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"driftchat/backend/internal/apperr"
	"driftchat/backend/internal/models"
	"driftchat/backend/internal/monitoring"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8192
	commandTimeout = 10 * time.Second
)

var errRateLimited = apperr.New(apperr.KindValidation, "Too many commands, slow down")

// Dispatcher executes client commands on behalf of an authenticated user.
// It lives outside the hub so the hub does not depend on the lifecycle engine.
type Dispatcher interface {
	// AuthorizeRoom returns nil if userID may join room.
	AuthorizeRoom(ctx context.Context, userID, room string) error
	// Dispatch runs a non-room command and returns the ack result.
	Dispatch(ctx context.Context, userID string, cmd models.Envelope) (any, error)
}

// WebSocketClient реалізує інтерфейс chathub.Client
type WebSocketClient struct {
	UserID     string
	Conn       *websocket.Conn
	Hub        *ManagerService
	Dispatcher Dispatcher
	Send       chan []byte
	Limiter    *rate.Limiter
	Log        *zap.Logger
}

// NewWebSocketClient wires a connection for userID. buffer bounds the outgoing queue.
func NewWebSocketClient(userID string, conn *websocket.Conn, hub *ManagerService, d Dispatcher, buffer int, limit rate.Limit, burst int) *WebSocketClient {
	return &WebSocketClient{
		UserID:     userID,
		Conn:       conn,
		Hub:        hub,
		Dispatcher: d,
		Send:       make(chan []byte, buffer),
		Limiter:    rate.NewLimiter(limit, burst),
		Log:        hub.Log.With(zap.String("userId", userID)),
	}
}

func (c *WebSocketClient) GetUserID() string             { return c.UserID }
func (c *WebSocketClient) GetSendChannel() chan<- []byte { return c.Send }

// Run запускає 'pumps' для WebSocket
func (c *WebSocketClient) Run() {
	go c.writePump()
	go c.readPump()
}

// Close закриває Send канал (що зупинить writePump)
func (c *WebSocketClient) Close() {
	close(c.Send)
}

func (c *WebSocketClient) readPump() {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Log.Warn("WebSocket unexpected close", zap.Error(err))
			}
			break
		}

		var cmd models.Envelope
		if err := json.Unmarshal(raw, &cmd); err != nil || cmd.Type == "" {
			c.Log.Debug("Skipping malformed frame", zap.Error(err))
			continue
		}
		monitoring.HubEvents.WithLabelValues(cmd.Type, "in").Inc()

		if !c.Limiter.Allow() {
			c.ack(cmd.ID, nil, errRateLimited)
			continue
		}

		result, err := c.handle(cmd)
		c.ack(cmd.ID, result, err)
	}
}

func (c *WebSocketClient) handle(cmd models.Envelope) (any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	switch cmd.Type {
	case models.CmdRoomJoin, models.CmdRoomLeave:
		var body models.RoomCommand
		if err := json.Unmarshal(cmd.Data, &body); err != nil || body.Room == "" {
			return nil, apperr.Validation("room is required", err)
		}
		if cmd.Type == models.CmdRoomLeave {
			return nil, c.Hub.Leave(c, body.Room)
		}
		if err := c.Dispatcher.AuthorizeRoom(ctx, c.UserID, body.Room); err != nil {
			return nil, err
		}
		return nil, c.Hub.Join(c, body.Room)
	}
	return c.Dispatcher.Dispatch(ctx, c.UserID, cmd)
}

// ack відповідає на команду з id; команди без id підтвердження не отримують.
func (c *WebSocketClient) ack(id string, result any, err error) {
	if id == "" {
		if err != nil {
			c.Log.Debug("Command failed", zap.Error(err))
		}
		return
	}
	c.Hub.Reply(c, NewAck(id, result, err))
}

// NewAck builds the acknowledgement frame for command id.
func NewAck(id string, result any, err error) models.Envelope {
	payload := models.AckPayload{Success: err == nil}
	if err != nil {
		if errors.Is(err, ErrHubStopped) {
			err = apperr.Connection("Realtime channel unavailable", err)
		}
		payload.Error = apperr.Message(err)
		payload.Kind = string(apperr.KindOf(err))
	} else if result != nil {
		data, mErr := json.Marshal(result)
		if mErr != nil {
			payload = models.AckPayload{Error: apperr.Message(mErr), Kind: string(apperr.KindInternal)}
		} else {
			payload.Result = data
		}
	}
	env, _ := models.NewEnvelope(models.EventAck, id, payload)
	return env
}

// writePump читає кадри з каналу Send і записує їх у WebSocket.
func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Канал закрито хабом, закриваємо з'єднання WS
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// one frame per WebSocket message so the client can decode each envelope on its own
			if err := c.Conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func encode(env models.Envelope) ([]byte, error) {
	return json.Marshal(env)
}
