package chathub

import (
	"context"
	"errors"
	"time"

	"driftchat/backend/internal/models"
	"driftchat/backend/internal/monitoring"
	"driftchat/backend/internal/storage"

	"go.uber.org/zap"
)

// ObserverRoom receives every published event. Server-side observers (Telegram) join it.
const ObserverRoom = "*"

const (
	presenceTTL     = 2 * time.Minute
	presenceTimeout = 2 * time.Second
	presenceQueue   = 256
	eventQueueSize  = 1024
)

var ErrHubStopped = errors.New("hub is not running")

type roomOp struct {
	client Client
	room   string
	join   bool
	done   chan struct{}
}

// presenceUpdate is a batch of presence writes for the presence writer goroutine.
type presenceUpdate struct {
	users  []string
	online bool
}

// delivery is one encoded frame: either broadcast to rooms or addressed to a single client.
type delivery struct {
	rooms     []string
	target    Client
	eventType string
	frame     []byte
}

// ManagerService: хаб реального часу.
// Реєстр клієнтів і кімнат належить лише goroutine Run; решта спілкується з нею через канали.
type ManagerService struct {
	RegisterCh   chan Client
	UnregisterCh chan Client

	roomCh     chan roomOp
	deliverCh  chan delivery
	presenceCh chan presenceUpdate
	done       chan struct{}

	// client -> rooms it is in
	clients map[Client]map[string]struct{}
	rooms   map[string]map[Client]struct{}
	// userID -> number of live connections
	online map[string]int

	Storage storage.Storage
	Log     *zap.Logger
}

// NewManagerService creates the hub. s may be nil, in which case presence is not recorded.
func NewManagerService(s storage.Storage, log *zap.Logger) *ManagerService {
	if log == nil {
		log = zap.NewNop()
	}
	return &ManagerService{
		RegisterCh:   make(chan Client),
		UnregisterCh: make(chan Client),
		roomCh:       make(chan roomOp),
		deliverCh:    make(chan delivery, eventQueueSize),
		presenceCh:   make(chan presenceUpdate, presenceQueue),
		done:         make(chan struct{}),
		clients:      make(map[Client]map[string]struct{}),
		rooms:        make(map[string]map[Client]struct{}),
		online:       make(map[string]int),
		Storage:      s,
		Log:          log.Named("hub"),
	}
}

// Run owns the registry until ctx is cancelled. All remaining clients are closed on exit.
// Presence is written by a separate goroutine so a slow Redis never holds up fan-out.
func (m *ManagerService) Run(ctx context.Context) {
	m.Log.Info("Hub started")
	ticker := time.NewTicker(presenceTTL / 2)
	writerDone := make(chan struct{})
	go m.writePresence(writerDone)
	defer func() {
		ticker.Stop()
		for c := range m.clients {
			m.remove(c)
		}
		close(m.presenceCh)
		close(m.done)
		<-writerDone
		m.Log.Info("Hub stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-m.RegisterCh:
			m.add(c)

		case c := <-m.UnregisterCh:
			m.remove(c)

		case op := <-m.roomCh:
			m.applyRoomOp(op)

		case d := <-m.deliverCh:
			m.deliver(d)

		case <-ticker.C:
			users := make([]string, 0, len(m.online))
			for userID := range m.online {
				users = append(users, userID)
			}
			if len(users) > 0 {
				m.queuePresence(presenceUpdate{users: users, online: true})
			}
		}
	}
}

func (m *ManagerService) add(c Client) {
	if _, ok := m.clients[c]; ok {
		return
	}
	m.clients[c] = make(map[string]struct{})
	monitoring.OnlineConnections.Inc()

	userID := c.GetUserID()
	if userID == "" {
		return
	}
	m.join(c, models.UserRoom(userID))
	m.online[userID]++
	if m.online[userID] == 1 {
		m.queuePresence(presenceUpdate{users: []string{userID}, online: true})
	}
	m.Log.Debug("Client registered", zap.String("userId", userID), zap.Int("connections", m.online[userID]))
}

// remove drops c from every room and closes it. Removing an unknown client is a no-op,
// so a read pump may unregister a client the hub already dropped for being slow.
func (m *ManagerService) remove(c Client) {
	rooms, ok := m.clients[c]
	if !ok {
		return
	}
	for room := range rooms {
		m.leave(c, room)
	}
	delete(m.clients, c)
	c.Close()
	monitoring.OnlineConnections.Dec()

	userID := c.GetUserID()
	if userID == "" {
		return
	}
	m.online[userID]--
	if m.online[userID] <= 0 {
		delete(m.online, userID)
		m.queuePresence(presenceUpdate{users: []string{userID}, online: false})
	}
	m.Log.Debug("Client unregistered", zap.String("userId", userID))
}

func (m *ManagerService) join(c Client, room string) {
	members, ok := m.rooms[room]
	if !ok {
		members = make(map[Client]struct{})
		m.rooms[room] = members
	}
	members[c] = struct{}{}
	m.clients[c][room] = struct{}{}
}

func (m *ManagerService) leave(c Client, room string) {
	if members, ok := m.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(m.rooms, room)
		}
	}
	delete(m.clients[c], room)
}

func (m *ManagerService) applyRoomOp(op roomOp) {
	defer close(op.done)
	if _, ok := m.clients[op.client]; !ok {
		return
	}
	if op.join {
		m.join(op.client, op.room)
	} else {
		m.leave(op.client, op.room)
	}
}

func (m *ManagerService) deliver(d delivery) {
	if d.target != nil {
		if _, ok := m.clients[d.target]; ok {
			m.enqueue(d.target, d.frame)
		}
		return
	}

	// member in several target rooms gets the frame once
	targets := make(map[Client]struct{})
	collect := func(room string) {
		for c := range m.rooms[room] {
			targets[c] = struct{}{}
		}
	}
	for _, room := range d.rooms {
		collect(room)
	}
	collect(ObserverRoom)
	for c := range targets {
		if m.enqueue(c, d.frame) {
			monitoring.HubEvents.WithLabelValues(d.eventType, "out").Inc()
		}
	}
}

// enqueue never blocks: a member whose buffer is full is disconnected
// so one stalled connection cannot delay the rest of the room.
func (m *ManagerService) enqueue(c Client, frame []byte) bool {
	select {
	case c.GetSendChannel() <- frame:
		return true
	default:
		m.Log.Warn("Dropping slow client", zap.String("userId", c.GetUserID()))
		monitoring.SlowClientDrops.Inc()
		m.remove(c)
		return false
	}
}

// queuePresence never blocks the hub loop. A dropped online mark is rewritten
// by the next refresh tick and a dropped offline mark lapses with the TTL.
func (m *ManagerService) queuePresence(u presenceUpdate) {
	if m.Storage == nil {
		return
	}
	select {
	case m.presenceCh <- u:
	default:
		m.Log.Warn("Presence queue full, dropping update", zap.Int("users", len(u.users)), zap.Bool("online", u.online))
	}
}

// writePresence drains presenceCh until Run closes it.
func (m *ManagerService) writePresence(done chan<- struct{}) {
	defer close(done)
	for u := range m.presenceCh {
		for _, userID := range u.users {
			ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
			err := m.Storage.SetPresence(ctx, userID, u.online, presenceTTL)
			cancel()
			if err != nil {
				m.Log.Warn("Failed to update presence", zap.String("userId", userID), zap.Error(err))
			}
		}
	}
}

// Register adds c to the hub and its user room.
func (m *ManagerService) Register(c Client) error {
	select {
	case m.RegisterCh <- c:
		return nil
	case <-m.done:
		return ErrHubStopped
	}
}

// Unregister removes c. Safe to call after the hub has already dropped c or stopped.
func (m *ManagerService) Unregister(c Client) {
	select {
	case m.UnregisterCh <- c:
	case <-m.done:
	}
}

// Join adds c to room. It returns once the hub has applied the change,
// so every event published afterwards reaches c. Joining twice is a no-op.
func (m *ManagerService) Join(c Client, room string) error {
	return m.roomOp(c, room, true)
}

// Leave removes c from room.
func (m *ManagerService) Leave(c Client, room string) error {
	return m.roomOp(c, room, false)
}

func (m *ManagerService) roomOp(c Client, room string, join bool) error {
	op := roomOp{client: c, room: room, join: join, done: make(chan struct{})}
	select {
	case m.roomCh <- op:
	case <-m.done:
		return ErrHubStopped
	}
	<-op.done
	return nil
}

// Publish queues ev for its rooms. Events are delivered in the order Publish was called.
func (m *ManagerService) Publish(ev models.Event) {
	env, err := models.NewEnvelope(ev.Type, "", ev.Payload)
	if err != nil {
		m.Log.Error("Failed to encode event", zap.String("type", ev.Type), zap.Error(err))
		return
	}
	frame, err := encode(env)
	if err != nil {
		m.Log.Error("Failed to encode event", zap.String("type", ev.Type), zap.Error(err))
		return
	}
	m.push(delivery{rooms: ev.Rooms, eventType: ev.Type, frame: frame})
}

// Reply sends env to c alone, through the same queue as broadcasts.
func (m *ManagerService) Reply(c Client, env models.Envelope) {
	frame, err := encode(env)
	if err != nil {
		m.Log.Error("Failed to encode reply", zap.String("type", env.Type), zap.Error(err))
		return
	}
	m.push(delivery{target: c, eventType: env.Type, frame: frame})
}

func (m *ManagerService) push(d delivery) {
	select {
	case m.deliverCh <- d:
	case <-m.done:
	}
}
