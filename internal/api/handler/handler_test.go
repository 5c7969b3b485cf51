package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"driftchat/backend/internal/auth"
	"driftchat/backend/internal/chathub"
	"driftchat/backend/internal/config"
	"driftchat/backend/internal/match"
	"driftchat/backend/internal/message"
	"driftchat/backend/internal/models"
	"driftchat/backend/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	router *gin.Engine
	store  *storage.MemoryStore
	tokens *auth.TokenService
}

func newTestEnv(t *testing.T, debug bool) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Server: config.ServerConfig{Mode: "release"},
		Auth:   config.AuthConfig{JWTSecret: "test-secret", Issuer: "driftchat-service", TokenTTL: time.Hour},
		Match:  config.DefaultMatchConfig(),
		Hub:    config.HubConfig{SendBuffer: 64, RateLimit: 1000, RateBurst: 1000},
	}
	if debug {
		cfg.Server.Mode = "debug"
	}

	store := storage.NewMemoryStore()
	hub := chathub.NewManagerService(store, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	locks := chathub.NewOrderLock()
	matches := match.NewService(store, hub, locks, cfg.Match, nil)
	messages := message.NewService(store, hub, locks, cfg.Match.Milestone, nil)
	tokens := auth.NewTokenService(cfg.Auth)

	r := gin.New()
	NewHandler(matches, messages, hub, tokens, store, cfg, nil).Register(r)
	return &testEnv{router: r, store: store, tokens: tokens}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) user(t *testing.T, u *models.User) string {
	t.Helper()
	require.NoError(t, e.store.SaveUser(context.Background(), u))
	token, err := e.tokens.IssueToken(u.ID)
	require.NoError(t, err)
	return token
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

type pair struct {
	alice, bob, carol string
	matchID           string
}

// newPair creates alice and bob (compatible) plus carol, who accepts nobody, and matches alice with bob.
func newPair(t *testing.T, e *testEnv) pair {
	t.Helper()
	p := pair{
		alice: e.user(t, &models.User{ID: "alice", Username: "alice", Age: 25, Gender: "female", SearchGlobally: true}),
		bob:   e.user(t, &models.User{ID: "bob", Username: "bob", Age: 27, Gender: "male", SearchGlobally: true}),
		carol: e.user(t, &models.User{ID: "carol", Username: "carol", Age: 40, AgeMin: 60, SearchGlobally: true}),
	}
	w := e.do(t, http.MethodGet, "/matches", p.alice, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	views := decodeBody[[]match.View](t, w)
	require.Len(t, views, 1)
	assert.Equal(t, "bob", views[0].OtherUserID)
	assert.Equal(t, "bob", views[0].OtherUsername)
	p.matchID = views[0].ID
	return p
}

func TestAuth_RejectsMissingAndInvalidTokens(t *testing.T) {
	e := newTestEnv(t, false)

	w := e.do(t, http.MethodGet, "/matches", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = e.do(t, http.MethodGet, "/matches", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = e.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDevRoutes_OnlyInDebugMode(t *testing.T) {
	release := newTestEnv(t, false)
	w := release.do(t, http.MethodPost, "/dev/users", "", gin.H{"username": "dan"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	debug := newTestEnv(t, true)
	w = debug.do(t, http.MethodPost, "/dev/users", "", gin.H{"username": "dan", "age": 30, "interests": []string{"go"}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decodeBody[struct {
		User  models.User `json:"user"`
		Token string      `json:"token"`
	}](t, w)
	assert.NotEmpty(t, created.User.ID)
	assert.True(t, created.User.SearchGlobally)

	w = debug.do(t, http.MethodPost, "/dev/token", "", gin.H{"userId": created.User.ID})
	require.Equal(t, http.StatusOK, w.Code)
	tok := decodeBody[map[string]string](t, w)["token"]
	w = debug.do(t, http.MethodGet, "/friends", tok, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = debug.do(t, http.MethodPost, "/dev/token", "", gin.H{"userId": "ghost"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = debug.do(t, http.MethodPost, "/dev/users", "", gin.H{"age": 30})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMatches_ParticipantsOnly(t *testing.T) {
	e := newTestEnv(t, false)
	p := newPair(t, e)

	w := e.do(t, http.MethodGet, "/matches/"+p.matchID, p.bob, nil)
	require.Equal(t, http.StatusOK, w.Code)
	view := decodeBody[match.View](t, w)
	assert.Equal(t, "alice", view.OtherUserID)
	assert.Equal(t, models.MatchActive, view.Status)
	assert.False(t, view.CanRequestFriendship)

	w = e.do(t, http.MethodGet, "/matches/"+p.matchID, p.carol, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "Not a participant of this match", decodeBody[map[string]string](t, w)["error"])

	w = e.do(t, http.MethodGet, "/matches/missing", p.alice, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Match not found", decodeBody[map[string]string](t, w)["error"])
}

func TestFriendshipFlow(t *testing.T) {
	e := newTestEnv(t, false)
	p := newPair(t, e)

	w := e.do(t, http.MethodPost, "/matches/"+p.matchID+"/request-friendship", p.alice, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "Milestone not reached", decodeBody[map[string]string](t, w)["error"])

	for i := 0; i < config.DefaultMilestone; i++ {
		token := p.alice
		if i%2 == 1 {
			token = p.bob
		}
		w = e.do(t, http.MethodPost, "/messages", token, models.SendMessageCommand{MatchID: p.matchID, Content: fmt.Sprintf("hi %d", i)})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}

	w = e.do(t, http.MethodGet, "/messages/match/"+p.matchID, p.bob, nil)
	require.Equal(t, http.StatusOK, w.Code)
	msgs := decodeBody[[]models.Message](t, w)
	require.Len(t, msgs, config.DefaultMilestone)
	assert.Equal(t, "hi 0", msgs[0].Content)
	assert.Equal(t, "bob", msgs[0].ReceiverID)

	w = e.do(t, http.MethodPost, "/matches/"+p.matchID+"/request-friendship", p.alice, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.MatchPendingFriendship, decodeBody[match.View](t, w).Status)

	w = e.do(t, http.MethodGet, "/matches/"+p.matchID+"/friendship-status", p.bob, nil)
	assert.Equal(t, string(match.FriendshipPendingReceived), decodeBody[map[string]string](t, w)["status"])

	w = e.do(t, http.MethodGet, "/friends/pending", p.bob, nil)
	pending := decodeBody[[]match.PendingRequest](t, w)
	require.Len(t, pending, 1)
	assert.Equal(t, "alice", pending[0].Username)

	w = e.do(t, http.MethodPost, "/matches/"+p.matchID+"/respond-friendship", p.alice, gin.H{"accept": true})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "Self-response forbidden", decodeBody[map[string]string](t, w)["error"])

	w = e.do(t, http.MethodPost, "/matches/"+p.matchID+"/respond-friendship", p.bob, gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodPost, "/matches/"+p.matchID+"/respond-friendship", p.bob, gin.H{"accept": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.MatchFriends, decodeBody[match.View](t, w).Status)

	w = e.do(t, http.MethodGet, "/friends", p.alice, nil)
	friends := decodeBody[[]match.Friend](t, w)
	require.Len(t, friends, 1)
	assert.Equal(t, "bob", friends[0].ID)

	// friend chat continues outside the match
	w = e.do(t, http.MethodPost, "/messages", p.bob, models.SendMessageCommand{ReceiverID: "alice", Content: "friends now"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = e.do(t, http.MethodGet, "/messages/friend/alice/bob", p.alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	all := decodeBody[[]models.Message](t, w)
	assert.Equal(t, "friends now", all[len(all)-1].Content)

	w = e.do(t, http.MethodGet, "/messages/friend/alice/bob", p.carol, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestMessages_ValidationAndReactions(t *testing.T) {
	e := newTestEnv(t, false)
	p := newPair(t, e)

	w := e.do(t, http.MethodPost, "/messages", p.alice, models.SendMessageCommand{MatchID: p.matchID, Content: "   "})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodPost, "/messages", p.carol, models.SendMessageCommand{ReceiverID: "alice", Content: "hey"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "Users are not friends", decodeBody[map[string]string](t, w)["error"])

	w = e.do(t, http.MethodPost, "/messages", p.alice, models.SendMessageCommand{MatchID: p.matchID, Content: "hello"})
	require.Equal(t, http.StatusCreated, w.Code)
	msg := decodeBody[models.Message](t, w)

	heart, fire := "❤️", "🔥"
	w = e.do(t, http.MethodPut, "/messages/"+msg.ID+"/reactions", p.bob, gin.H{"emoji": heart})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = e.do(t, http.MethodPut, "/messages/"+msg.ID+"/reactions", p.alice, gin.H{"emoji": fire})
	require.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, http.MethodGet, "/messages/"+msg.ID+"/reactions", p.alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	groups := decodeBody[[]models.ReactionGroup](t, w)
	require.Len(t, groups, 2)
	assert.Equal(t, heart, groups[0].Emoji)

	w = e.do(t, http.MethodPut, "/messages/"+msg.ID+"/reactions", p.alice, gin.H{"emoji": nil})
	require.Equal(t, http.StatusOK, w.Code)
	updated := decodeBody[models.Message](t, w)
	assert.Equal(t, 1, updated.Reactions.Len())
	_, stillThere := updated.Reactions.Get("bob")
	assert.True(t, stillThere)

	w = e.do(t, http.MethodPut, "/messages/"+msg.ID+"/reactions", p.carol, gin.H{"emoji": fire})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestTelegramLink(t *testing.T) {
	e := newTestEnv(t, false)
	p := newPair(t, e)

	w := e.do(t, http.MethodPost, "/telegram/link", p.alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	code := decodeBody[map[string]string](t, w)["code"]
	userID, err := e.tokens.VerifyLinkCode(code)
	require.NoError(t, err)
	assert.Equal(t, "alice", userID)
}

// --- websocket ---

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func command(t *testing.T, conn *websocket.Conn, id, cmdType string, payload any) {
	t.Helper()
	env, err := models.NewEnvelope(cmdType, id, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(env))
}

func readUntil(t *testing.T, conn *websocket.Conn, stop func(models.Envelope) bool) []models.Envelope {
	t.Helper()
	var seen []models.Envelope
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var env models.Envelope
		require.NoError(t, conn.ReadJSON(&env))
		seen = append(seen, env)
		if stop(env) {
			return seen
		}
	}
}

func ackFor(id string) func(models.Envelope) bool {
	return func(env models.Envelope) bool { return env.Type == models.EventAck && env.ID == id }
}

func ackPayload(t *testing.T, env models.Envelope) models.AckPayload {
	t.Helper()
	var ack models.AckPayload
	require.NoError(t, json.Unmarshal(env.Data, &ack))
	return ack
}

func TestWebSocket_Unauthorized(t *testing.T) {
	e := newTestEnv(t, false)
	srv := httptest.NewServer(e.router)
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocket_RoomsAndSend(t *testing.T) {
	e := newTestEnv(t, false)
	p := newPair(t, e)
	srv := httptest.NewServer(e.router)
	defer srv.Close()

	alice := dial(t, srv, p.alice)
	bob := dial(t, srv, p.bob)
	carol := dial(t, srv, p.carol)
	room := models.MatchRoom(p.matchID)

	command(t, carol, "c1", models.CmdRoomJoin, models.RoomCommand{Room: room})
	frames := readUntil(t, carol, ackFor("c1"))
	assert.False(t, ackPayload(t, frames[len(frames)-1]).Success)

	command(t, carol, "c2", models.CmdRoomJoin, models.RoomCommand{Room: models.UserRoom("alice")})
	frames = readUntil(t, carol, ackFor("c2"))
	ack := ackPayload(t, frames[len(frames)-1])
	assert.False(t, ack.Success)
	assert.Equal(t, "state", ack.Kind)

	for _, c := range []*websocket.Conn{alice, bob} {
		command(t, c, "j", models.CmdRoomJoin, models.RoomCommand{Room: room})
		frames = readUntil(t, c, ackFor("j"))
		require.True(t, ackPayload(t, frames[len(frames)-1]).Success)
	}

	command(t, alice, "s1", models.CmdMessageSend, models.SendMessageCommand{MatchID: p.matchID, Content: "over the wire", TempID: "tmp-1"})
	frames = readUntil(t, alice, ackFor("s1"))
	ack = ackPayload(t, frames[len(frames)-1])
	require.True(t, ack.Success, ack.Error)
	var sent models.Message
	require.NoError(t, json.Unmarshal(ack.Result, &sent))
	assert.Equal(t, "over the wire", sent.Content)

	var types []string
	for _, f := range frames[:len(frames)-1] {
		types = append(types, f.Type)
	}
	assert.Equal(t, []string{models.EventMessageCreated, models.EventMatchUpdated}, types)

	// bob sees the same events in the same order
	frames = readUntil(t, bob, func(env models.Envelope) bool { return env.Type == models.EventMatchUpdated })
	require.Len(t, frames, 2)
	var created models.MessageCreatedPayload
	require.NoError(t, json.Unmarshal(frames[0].Data, &created))
	assert.Equal(t, sent.ID, created.Message.ID)
	require.NotNil(t, created.MessageCount)
	assert.Equal(t, 1, *created.MessageCount)

	// retried send with the same temp id returns the stored message
	command(t, alice, "s2", models.CmdMessageSend, models.SendMessageCommand{MatchID: p.matchID, Content: "over the wire", TempID: "tmp-1"})
	frames = readUntil(t, alice, ackFor("s2"))
	require.Len(t, frames, 1)
	var again models.Message
	require.NoError(t, json.Unmarshal(ackPayload(t, frames[0]).Result, &again))
	assert.Equal(t, sent.ID, again.ID)

	command(t, alice, "x", "no.such.command", gin.H{})
	frames = readUntil(t, alice, ackFor("x"))
	assert.Equal(t, "validation", ackPayload(t, frames[len(frames)-1]).Kind)

	assert.Eventually(t, func() bool {
		w := e.do(t, http.MethodGet, "/presence/bob", p.alice, nil)
		return decodeBody[map[string]any](t, w)["online"] == true
	}, time.Second, 20*time.Millisecond)
}
