package syncclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"driftchat/backend/internal/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer speaks just enough of the realtime protocol to drive the coordinator.
type fakeServer struct {
	mu    sync.Mutex
	conns int
	joins map[int][]string // connection number -> rooms joined on it
	seq   int

	broadcastBeforeAck bool
	ignoreSends        bool
	dropAfterFirstJoin bool
}

func newFakeServer() *fakeServer {
	return &fakeServer{joins: make(map[int][]string)}
}

func (s *fakeServer) joinsOn(conn int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.joins[conn]...)
}

func (s *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.mu.Lock()
	s.conns++
	connNo := s.conns
	s.mu.Unlock()

	write := func(env models.Envelope) {
		data, _ := json.Marshal(env)
		conn.WriteMessage(websocket.TextMessage, data)
	}
	ack := func(id string, result any) {
		payload := models.AckPayload{Success: true}
		if result != nil {
			payload.Result, _ = json.Marshal(result)
		}
		env, _ := models.NewEnvelope(models.EventAck, id, payload)
		write(env)
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd models.Envelope
		if json.Unmarshal(raw, &cmd) != nil {
			continue
		}
		switch cmd.Type {
		case models.CmdRoomJoin:
			var body models.RoomCommand
			json.Unmarshal(cmd.Data, &body)
			s.mu.Lock()
			s.joins[connNo] = append(s.joins[connNo], body.Room)
			s.mu.Unlock()
			ack(cmd.ID, nil)
			if s.dropAfterFirstJoin && connNo == 1 {
				return
			}

		case models.CmdMessageSend:
			if s.ignoreSends {
				continue
			}
			var body models.SendMessageCommand
			json.Unmarshal(cmd.Data, &body)
			s.mu.Lock()
			s.seq++
			msg := models.Message{ID: fmt.Sprintf("srv-%d", s.seq), SenderID: "me", ReceiverID: body.ReceiverID, Content: body.Content, Timestamp: time.Now()}
			s.mu.Unlock()
			if body.MatchID != "" {
				msg.MatchID = &body.MatchID
			}
			if s.broadcastBeforeAck {
				env, _ := models.NewEnvelope(models.EventMessageCreated, "", models.MessageCreatedPayload{Message: &msg})
				write(env)
			}
			ack(cmd.ID, msg)

		default:
			ack(cmd.ID, nil)
		}
	}
}

func startCoordinator(t *testing.T, srv *fakeServer) *Coordinator {
	t.Helper()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	c := NewCoordinator("me", WebSocketDialer(url, "token"), nil)
	c.AckTimeout = 2 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Run(ctx)

	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	require.NoError(t, c.WaitConnected(waitCtx))
	return c
}

func TestCoordinator_SendReconcilesEcho(t *testing.T) {
	srv := newFakeServer()
	srv.broadcastBeforeAck = true
	c := startCoordinator(t, srv)
	ctx := context.Background()

	require.NoError(t, c.Join(ctx, models.MatchRoom("m1")))

	msg, err := c.SendMessage(ctx, models.SendMessageCommand{MatchID: "m1", ReceiverID: "you", Content: "hi", TempID: "tmp-1"})
	require.NoError(t, err)
	assert.Equal(t, "srv-1", msg.ID)
	assert.NotEqual(t, "tmp-1", msg.ID)

	entries := c.Timeline(ConversationKey("m1", "")).Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, Confirmed{ServerID: "srv-1"}, entries[0].ID)
	assert.Equal(t, "hi", entries[0].Message.Content)
}

func TestCoordinator_AckTimeoutRollsBack(t *testing.T) {
	srv := newFakeServer()
	srv.ignoreSends = true
	c := startCoordinator(t, srv)
	c.AckTimeout = 100 * time.Millisecond

	var failed []string
	c.OnSendFailed = func(tempID string, err error) { failed = append(failed, tempID) }

	_, err := c.SendMessage(context.Background(), models.SendMessageCommand{ReceiverID: "friend", Content: "lost", TempID: "tmp-x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAckTimeout)
	assert.True(t, IsConnectionError(err))

	assert.Empty(t, c.Timeline(ConversationKey("", "friend")).Entries())
	assert.Equal(t, []string{"tmp-x"}, failed)
}

func TestCoordinator_RejoinsRoomsAfterReconnect(t *testing.T) {
	srv := newFakeServer()
	srv.dropAfterFirstJoin = true
	c := startCoordinator(t, srv)

	require.NoError(t, c.Join(context.Background(), models.MatchRoom("m1")))

	require.Eventually(t, func() bool {
		return len(srv.joinsOn(2)) == 1
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{models.MatchRoom("m1")}, srv.joinsOn(2))
}

func TestCoordinator_NotConnected(t *testing.T) {
	c := NewCoordinator("me", nil, nil)
	_, err := c.Command(context.Background(), models.CmdRoomJoin, models.RoomCommand{Room: "x"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

// droppingConn fails its first read, like a server that closes right after accepting.
type droppingConn struct{}

func (droppingConn) ReadMessage() (int, []byte, error) { return 0, nil, websocket.ErrCloseSent }
func (droppingConn) WriteMessage(int, []byte) error    { return websocket.ErrCloseSent }
func (droppingConn) Close() error                      { return nil }

func TestCoordinator_BacksOffWhenConnectionDropsAtOnce(t *testing.T) {
	var (
		mu    sync.Mutex
		dials []time.Time
	)
	c := NewCoordinator("me", func(ctx context.Context) (Conn, error) {
		mu.Lock()
		dials = append(dials, time.Now())
		mu.Unlock()
		return droppingConn{}, nil
	}, nil)
	c.MinBackoff = 20 * time.Millisecond
	c.MaxBackoff = 80 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	c.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	// 20+40+80+80+80 ms of waiting fits in 300ms: about six dials, never hundreds
	assert.GreaterOrEqual(t, len(dials), 2)
	assert.LessOrEqual(t, len(dials), 8)
	for i := 1; i < len(dials); i++ {
		assert.GreaterOrEqual(t, dials[i].Sub(dials[i-1]), c.MinBackoff)
	}
	if len(dials) >= 4 {
		assert.GreaterOrEqual(t, dials[3].Sub(dials[2]), c.MaxBackoff)
	}
}

func TestCoordinator_BackoffResetsAfterStableConnection(t *testing.T) {
	var (
		mu    sync.Mutex
		dials []time.Time
	)
	c := NewCoordinator("me", func(ctx context.Context) (Conn, error) {
		mu.Lock()
		dials = append(dials, time.Now())
		mu.Unlock()
		return droppingConn{}, nil
	}, nil)
	c.MinBackoff = 20 * time.Millisecond
	c.MaxBackoff = 80 * time.Millisecond
	c.StableAfter = 0 // every connection counts as stable

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	c.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(dials), 4)
	for i := 1; i < len(dials); i++ {
		gap := dials[i].Sub(dials[i-1])
		assert.GreaterOrEqual(t, gap, c.MinBackoff)
		assert.Less(t, gap, 2*c.MinBackoff+30*time.Millisecond, "backoff grew despite stable connections")
	}
}
