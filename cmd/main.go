package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"driftchat/backend/internal/api/handler"
	"driftchat/backend/internal/auth"
	"driftchat/backend/internal/chathub"
	"driftchat/backend/internal/config"
	"driftchat/backend/internal/localization"
	"driftchat/backend/internal/logger"
	"driftchat/backend/internal/match"
	"driftchat/backend/internal/message"
	"driftchat/backend/internal/monitoring"
	"driftchat/backend/internal/storage"
	"driftchat/backend/internal/telegram"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	shutdownTimeout = 10 * time.Second
	sweepInterval   = 5 * time.Minute
)

func setupStorage(ctx context.Context, cfg *config.Config, log *zap.Logger) (storage.Storage, func(), error) {
	if cfg.Database.Driver == "memory" {
		log.Warn("Using in-memory storage, data is lost on restart")
		return storage.NewMemoryStore(), func() {}, nil
	}

	// 1. PostgreSQL
	db, err := gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, nil, err
	}

	// 2. Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		return nil, nil, err
	}

	// 3. Міграції
	if err := storage.Migrate(db); err != nil {
		return nil, nil, err
	}

	log.Info("Database and Redis connections established, migrations complete")
	cleanup := func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
		rdb.Close()
	}
	return storage.NewStorageService(db, rdb, log), cleanup, nil
}

// startTelegram runs the bot and attaches the notifier when a token is configured.
func startTelegram(ctx context.Context, cfg *config.Config, hub *chathub.ManagerService, s storage.Storage, tokens *auth.TokenService, log *zap.Logger) {
	if cfg.Telegram.BotToken == "" {
		log.Info("TELEGRAM_BOT_TOKEN не встановлено, сповіщення вимкнено")
		return
	}
	bot, err := telegram.NewBotAPI(cfg.Telegram.BotToken, log)
	if err != nil {
		log.Error("Не вдалося запустити Telegram-бота", zap.Error(err))
		return
	}
	localizer, err := localization.Default()
	if err != nil {
		log.Error("Failed to load translations", zap.Error(err))
		return
	}
	if !localizer.Supports(cfg.Telegram.Lang) {
		log.Warn("No translations for telegram.lang, falling back to "+localization.DefaultLang, zap.String("lang", cfg.Telegram.Lang))
	}

	notifier := telegram.NewNotifier(bot, s, localizer, cfg.Telegram.Lang, log)
	if err := notifier.Attach(hub); err != nil {
		log.Error("Failed to attach Telegram notifier", zap.Error(err))
		return
	}
	botService := telegram.NewBotService(bot, s, tokens, localizer, cfg.Telegram.Lang, log)
	go botService.Run(ctx)
}

// sweepExpired periodically moves elapsed matches to expired; reads do the same lazily.
func sweepExpired(ctx context.Context, matches *match.Service, log *zap.Logger) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := matches.ExpireAll(ctx); err != nil {
				log.Warn("Expiry sweep failed", zap.Error(err))
			}
		}
	}
}

func main() {
	if err := godotenv.Load(); err != nil {
		// .env is optional; real deployments pass the environment directly
		os.Stderr.WriteString("Warning: no .env file loaded\n")
	}

	cfg, err := config.Load(".")
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logger.New(cfg)
	defer log.Sync()
	zap.ReplaceGlobals(log)
	log.Info("Starting DriftChat backend", zap.String("mode", cfg.Server.Mode), zap.String("addr", cfg.Server.Addr))

	monitoring.Init()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Ініціалізація залежностей
	s, cleanup, err := setupStorage(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to initialise storage", zap.Error(err))
	}
	defer cleanup()

	// 2. Chat Hub та сервіси ядра
	hub := chathub.NewManagerService(s, log)
	go hub.Run(ctx)

	locks := chathub.NewOrderLock()
	matches := match.NewService(s, hub, locks, cfg.Match, log)
	messages := message.NewService(s, hub, locks, cfg.Match.Milestone, log)
	tokens := auth.NewTokenService(cfg.Auth)

	startTelegram(ctx, cfg, hub, s, tokens, log)
	go sweepExpired(ctx, matches, log)

	// 3. Налаштування Gin та роутингу
	if !cfg.IsDebug() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), monitoring.MetricsMiddleware())
	handler.NewHandler(matches, messages, hub, tokens, s, cfg, log).Register(r)

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})

	server := &http.Server{
		Addr:           cfg.Server.Addr,
		Handler:        c.Handler(r),
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Graceful shutdown failed", zap.Error(err))
	}
}
