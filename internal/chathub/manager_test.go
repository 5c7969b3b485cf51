package chathub_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"driftchat/backend/internal/chathub"
	"driftchat/backend/internal/models"
	"driftchat/backend/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T, s storage.Storage) *chathub.ManagerService {
	t.Helper()
	hub := chathub.NewManagerService(s, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)
	return hub
}

// flush waits for a round-trip through the hub goroutine, so earlier register/unregister calls are applied.
func flush(t *testing.T, hub *chathub.ManagerService, c *MockClient) {
	t.Helper()
	require.NoError(t, hub.Join(c, "sync-barrier"))
}

func TestManager_RegisterJoinsUserRoom(t *testing.T) {
	store := storage.NewMemoryStore()
	hub := startHub(t, store)
	clientA := newMockClient("user_A", 10)

	require.NoError(t, hub.Register(clientA))
	flush(t, hub, clientA)

	require.Eventually(t, func() bool {
		online, err := store.IsOnline(context.Background(), "user_A")
		return err == nil && online
	}, time.Second, 10*time.Millisecond)

	hub.Publish(models.Event{Rooms: []string{models.UserRoom("user_A")}, Type: models.EventFriendshipRequested,
		Payload: models.FriendshipRequestedPayload{MatchID: "m1", RequesterID: "user_B", ReceiverID: "user_A"}})

	env := clientA.next(t)
	assert.Equal(t, models.EventFriendshipRequested, env.Type)

	hub.Unregister(clientA)
	require.Eventually(t, clientA.isClosed, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		online, _ := store.IsOnline(context.Background(), "user_A")
		return !online
	}, time.Second, 10*time.Millisecond)
}

func TestManager_PublishOnlyToRoomMembers(t *testing.T) {
	hub := startHub(t, nil)
	a, b, c := newMockClient("a", 10), newMockClient("b", 10), newMockClient("c", 10)
	for _, cl := range []*MockClient{a, b, c} {
		require.NoError(t, hub.Register(cl))
	}
	room := models.MatchRoom("m1")
	require.NoError(t, hub.Join(a, room))
	require.NoError(t, hub.Join(b, room))
	// joining twice is a no-op
	require.NoError(t, hub.Join(b, room))

	hub.Publish(models.Event{Rooms: []string{room}, Type: models.EventMatchUpdated,
		Payload: models.MatchUpdatedPayload{MatchID: "m1", MessageCount: 1, Status: models.MatchActive}})

	assert.Equal(t, models.EventMatchUpdated, a.next(t).Type)
	assert.Equal(t, models.EventMatchUpdated, b.next(t).Type)
	b.expectNothing(t)
	c.expectNothing(t)

	require.NoError(t, hub.Leave(b, room))
	hub.Publish(models.Event{Rooms: []string{room}, Type: models.EventMatchUpdated, Payload: models.MatchUpdatedPayload{MatchID: "m1"}})
	a.next(t)
	b.expectNothing(t)
}

func TestManager_MemberOfSeveralRoomsGetsOneCopy(t *testing.T) {
	hub := startHub(t, nil)
	a := newMockClient("a", 10)
	require.NoError(t, hub.Register(a))
	require.NoError(t, hub.Join(a, models.MatchRoom("m1")))

	hub.Publish(models.Event{Rooms: []string{models.MatchRoom("m1"), models.UserRoom("a")}, Type: models.EventFriendshipResponded,
		Payload: models.FriendshipRespondedPayload{MatchID: "m1", Status: models.MatchFriends}})

	a.next(t)
	a.expectNothing(t)
}

func TestManager_PreservesPublishOrder(t *testing.T) {
	hub := startHub(t, nil)
	a := newMockClient("a", 200)
	require.NoError(t, hub.Register(a))
	room := models.MatchRoom("m1")
	require.NoError(t, hub.Join(a, room))

	for i := 1; i <= 100; i++ {
		hub.Publish(models.Event{Rooms: []string{room}, Type: models.EventMatchUpdated,
			Payload: models.MatchUpdatedPayload{MatchID: "m1", MessageCount: i}})
	}
	for i := 1; i <= 100; i++ {
		env := a.next(t)
		var p models.MatchUpdatedPayload
		require.NoError(t, json.Unmarshal(env.Data, &p))
		assert.Equal(t, i, p.MessageCount)
	}
}

func TestManager_SlowClientIsDropped(t *testing.T) {
	hub := startHub(t, nil)
	slow := newMockClient("slow", 1)
	fast := newMockClient("fast", 10)
	room := models.MatchRoom("m1")
	for _, cl := range []*MockClient{slow, fast} {
		require.NoError(t, hub.Register(cl))
		require.NoError(t, hub.Join(cl, room))
	}

	for i := 0; i < 3; i++ {
		hub.Publish(models.Event{Rooms: []string{room}, Type: models.EventMatchUpdated, Payload: models.MatchUpdatedPayload{MessageCount: i}})
	}

	for i := 0; i < 3; i++ {
		fast.next(t)
	}
	require.Eventually(t, slow.isClosed, time.Second, 10*time.Millisecond)
	assert.False(t, fast.isClosed())

	// the read pump of a dropped client still unregisters it; must not panic
	hub.Unregister(slow)
	flush(t, hub, fast)
}

func TestManager_ReplyTargetsOneClient(t *testing.T) {
	hub := startHub(t, nil)
	a, b := newMockClient("a", 10), newMockClient("a", 10)
	require.NoError(t, hub.Register(a))
	require.NoError(t, hub.Register(b))

	hub.Reply(a, chathub.NewAck("cmd-1", map[string]string{"ok": "yes"}, nil))

	env := a.next(t)
	assert.Equal(t, models.EventAck, env.Type)
	assert.Equal(t, "cmd-1", env.ID)
	var ack models.AckPayload
	require.NoError(t, json.Unmarshal(env.Data, &ack))
	assert.True(t, ack.Success)
	assert.JSONEq(t, `{"ok":"yes"}`, string(ack.Result))
	b.expectNothing(t)
}

func TestManager_ObserverSeesEverything(t *testing.T) {
	hub := startHub(t, nil)
	observer := newMockClient("", 10)
	require.NoError(t, hub.Register(observer))
	require.NoError(t, hub.Join(observer, chathub.ObserverRoom))

	hub.Publish(models.Event{Rooms: []string{models.MatchRoom("x")}, Type: models.EventFriendshipRequested, Payload: models.FriendshipRequestedPayload{MatchID: "x"}})
	assert.Equal(t, models.EventFriendshipRequested, observer.next(t).Type)
}

func TestManager_ConcurrentPublishersPerRoomOrder(t *testing.T) {
	hub := startHub(t, nil)
	locks := chathub.NewOrderLock()
	a := newMockClient("a", 1000)
	require.NoError(t, hub.Register(a))
	require.NoError(t, hub.Join(a, models.MatchRoom("m1")))

	// committed sequence guarded by the ordering lock, published while holding it
	var mu sync.Mutex
	committed := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("m1")
			defer unlock()
			mu.Lock()
			committed++
			n := committed
			mu.Unlock()
			hub.Publish(models.Event{Rooms: []string{models.MatchRoom("m1")}, Type: models.EventMatchUpdated,
				Payload: models.MatchUpdatedPayload{MatchID: "m1", MessageCount: n}})
		}()
	}
	wg.Wait()

	for i := 1; i <= 50; i++ {
		var p models.MatchUpdatedPayload
		require.NoError(t, json.Unmarshal(a.next(t).Data, &p))
		require.Equal(t, i, p.MessageCount, fmt.Sprintf("event %d out of order", i))
	}
}

func TestManager_StoppedHub(t *testing.T) {
	hub := chathub.NewManagerService(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { hub.Run(ctx); close(done) }()

	a := newMockClient("a", 10)
	require.NoError(t, hub.Register(a))
	cancel()
	<-done

	assert.True(t, a.isClosed())
	assert.ErrorIs(t, hub.Register(newMockClient("b", 1)), chathub.ErrHubStopped)
	assert.ErrorIs(t, hub.Join(a, "room"), chathub.ErrHubStopped)
	hub.Publish(models.Event{Rooms: []string{"room"}, Type: models.EventMatchUpdated})
}
