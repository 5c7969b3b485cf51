package telegram

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"driftchat/backend/internal/chathub"
	"driftchat/backend/internal/localization"
	"driftchat/backend/internal/models"
	"driftchat/backend/internal/monitoring"
	"driftchat/backend/internal/storage"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

const (
	sendBuffer    = 256
	jobBuffer     = 128
	lookupTimeout = 5 * time.Second
)

// BotAPI is the part of *tgbotapi.BotAPI the package uses.
type BotAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Notifier is a server-side hub member in chathub.ObserverRoom.
// It turns friendship events into Telegram messages for users who linked a chat.
type Notifier struct {
	Send      chan []byte
	BotAPI    BotAPI
	Storage   storage.Storage
	Localizer *localization.Localizer
	Lang      string
	Log       *zap.Logger

	jobs chan models.Envelope
	wg   sync.WaitGroup
}

func NewNotifier(bot BotAPI, s storage.Storage, l *localization.Localizer, lang string, log *zap.Logger) *Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{
		Send:      make(chan []byte, sendBuffer),
		BotAPI:    bot,
		Storage:   s,
		Localizer: l,
		Lang:      lang,
		Log:       log.Named("telegram"),
		jobs:      make(chan models.Envelope, jobBuffer),
	}
}

// --- chathub.Client ---

// GetUserID is empty: the notifier has no user room and does not count as online.
func (n *Notifier) GetUserID() string             { return "" }
func (n *Notifier) GetSendChannel() chan<- []byte { return n.Send }

// Run запускає writePump і воркер, який ходить у Telegram.
func (n *Notifier) Run() {
	n.wg.Add(2)
	go n.writePump()
	go n.worker()
}

// Close is called by the hub only.
func (n *Notifier) Close() {
	close(n.Send)
}

// Wait blocks until both goroutines have finished after Close.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// Attach registers the notifier and subscribes it to every event.
func (n *Notifier) Attach(hub *chathub.ManagerService) error {
	if err := hub.Register(n); err != nil {
		return err
	}
	n.Run()
	return hub.Join(n, chathub.ObserverRoom)
}

// writePump keeps the hub buffer empty: it only filters frames and hands
// friendship events to the worker, dropping them when the worker lags.
func (n *Notifier) writePump() {
	defer n.wg.Done()
	defer close(n.jobs)

	for frame := range n.Send {
		var env models.Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			continue
		}
		if env.Type != models.EventFriendshipRequested && env.Type != models.EventFriendshipResponded {
			continue
		}
		select {
		case n.jobs <- env:
		default:
			monitoring.TelegramNotifications.WithLabelValues("dropped").Inc()
			n.Log.Warn("Notification queue full, dropping event", zap.String("type", env.Type))
		}
	}
}

func (n *Notifier) worker() {
	defer n.wg.Done()
	for env := range n.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
		if err := n.handle(ctx, env); err != nil {
			n.Log.Warn("Failed to build notification", zap.String("type", env.Type), zap.Error(err))
		}
		cancel()
	}
}

func (n *Notifier) handle(ctx context.Context, env models.Envelope) error {
	switch env.Type {
	case models.EventFriendshipRequested:
		var p models.FriendshipRequestedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		return n.notify(ctx, p.ReceiverID, p.RequesterID, "friendship_requested")

	case models.EventFriendshipResponded:
		var p models.FriendshipRespondedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		m, err := n.Storage.GetMatch(ctx, p.MatchID)
		if err != nil {
			return err
		}
		// повідомляємо того, хто надсилав запит
		target, ok := m.OtherUser(p.ResponderID)
		if !ok {
			return nil
		}
		key := "friendship_declined"
		if p.Status == models.MatchFriends {
			key = "friendship_accepted"
		}
		return n.notify(ctx, target, p.ResponderID, key)
	}
	return nil
}

// notify sends the localized text for key to targetID, naming actorID in it.
func (n *Notifier) notify(ctx context.Context, targetID, actorID, key string) error {
	users, err := n.Storage.GetUsersByIDs(ctx, []string{targetID, actorID})
	if err != nil {
		return err
	}
	var target, actor *models.User
	for i := range users {
		switch users[i].ID {
		case targetID:
			target = &users[i]
		case actorID:
			actor = &users[i]
		}
	}
	if target == nil || target.TelegramChatID == 0 {
		return nil
	}
	name := "?"
	if actor != nil {
		name = actor.Username
	}

	text := n.Localizer.Format(n.Lang, key, tgbotapi.EscapeText(tgbotapi.ModeMarkdownV2, name))
	if err := n.sendText(target.TelegramChatID, text); err != nil {
		monitoring.TelegramNotifications.WithLabelValues("failed").Inc()
		return err
	}
	monitoring.TelegramNotifications.WithLabelValues("sent").Inc()
	n.Log.Debug("Notification sent", zap.String("key", key), zap.String("userId", targetID))
	return nil
}

func (n *Notifier) sendText(chatID int64, text string) error {
	_, err := n.BotAPI.Send(newText(chatID, text))
	return err
}

func newText(chatID int64, text string) tgbotapi.MessageConfig {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	return msg
}
