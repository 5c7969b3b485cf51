// Package telegram handles the integration with the Telegram Bot API.
// The bot links a Telegram chat to a driftchat user and the Notifier pushes
// friendship events to linked chats.
package telegram

import (
	"context"
	"errors"
	"fmt"

	"driftchat/backend/internal/apperr"
	"driftchat/backend/internal/localization"
	"driftchat/backend/internal/storage"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// LinkVerifier resolves a deep link code to a user id.
type LinkVerifier interface {
	VerifyLinkCode(code string) (string, error)
}

// BotService receives Telegram updates and manages chat links.
type BotService struct {
	BotAPI    BotAPI
	Storage   storage.Storage
	Links     LinkVerifier
	Localizer *localization.Localizer
	Lang      string
	Log       *zap.Logger
}

// NewBotAPI authorizes token against the Telegram API.
func NewBotAPI(token string, log *zap.Logger) (*tgbotapi.BotAPI, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", err)
	}
	bot.Debug = false
	log.Info("✅ Authorized on Telegram", zap.String("account", bot.Self.UserName))
	return bot, nil
}

func NewBotService(bot BotAPI, s storage.Storage, links LinkVerifier, l *localization.Localizer, lang string, log *zap.Logger) *BotService {
	if log == nil {
		log = zap.NewNop()
	}
	return &BotService{
		BotAPI:    bot,
		Storage:   s,
		Links:     links,
		Localizer: l,
		Lang:      lang,
		Log:       log.Named("telegram"),
	}
}

// Run is the main loop for receiving Telegram updates. It returns when ctx is done.
func (s *BotService) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := s.BotAPI.GetUpdatesChan(u)
	defer s.BotAPI.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil {
				continue
			}
			s.handleMessage(ctx, update.Message)
		}
	}
}

func (s *BotService) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	if !msg.IsCommand() {
		s.reply(chatID, "help")
		return
	}

	switch msg.Command() {
	case "start":
		code := msg.CommandArguments()
		if code == "" {
			s.reply(chatID, "help")
			return
		}
		if err := s.link(ctx, chatID, code); err != nil {
			s.Log.Info("Link failed", zap.Int64("chatId", chatID), zap.Error(err))
			s.reply(chatID, "link_failed")
			return
		}
		s.reply(chatID, "linked")

	case "stop":
		if err := s.unlink(ctx, chatID); err != nil {
			s.Log.Warn("Unlink failed", zap.Int64("chatId", chatID), zap.Error(err))
		}
		s.reply(chatID, "unlinked")

	default:
		s.reply(chatID, "help")
	}
}

// link binds chatID to the user named by code, replacing any earlier chat of that user.
func (s *BotService) link(ctx context.Context, chatID int64, code string) error {
	userID, err := s.Links.VerifyLinkCode(code)
	if err != nil {
		return err
	}
	// один чат належить одному користувачу
	if err := s.unlink(ctx, chatID); err != nil {
		return err
	}
	user, err := s.Storage.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	user.TelegramChatID = chatID
	if err := s.Storage.SaveUser(ctx, user); err != nil {
		return err
	}
	s.Log.Info("Telegram linked", zap.String("userId", userID), zap.Int64("chatId", chatID))
	return nil
}

func (s *BotService) unlink(ctx context.Context, chatID int64) error {
	user, err := s.Storage.GetUserByTelegramChatID(ctx, chatID)
	if errors.Is(err, apperr.ErrUserNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	user.TelegramChatID = 0
	return s.Storage.SaveUser(ctx, user)
}

func (s *BotService) reply(chatID int64, key string) {
	if _, err := s.BotAPI.Send(newText(chatID, s.Localizer.GetString(s.Lang, key))); err != nil {
		s.Log.Warn("Failed to send reply", zap.Int64("chatId", chatID), zap.Error(err))
	}
}
