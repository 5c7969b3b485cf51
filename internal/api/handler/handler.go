// Package handler exposes the lifecycle engine, the message store and the realtime hub over HTTP.
package handler

import (
	"net/http"

	"driftchat/backend/internal/apperr"
	"driftchat/backend/internal/auth"
	"driftchat/backend/internal/chathub"
	"driftchat/backend/internal/config"
	"driftchat/backend/internal/match"
	"driftchat/backend/internal/message"
	"driftchat/backend/internal/monitoring"
	"driftchat/backend/internal/storage"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handler містить посилання на сервіси ядра та ChatHub.
type Handler struct {
	Matches  *match.Service
	Messages *message.Service
	Hub      *chathub.ManagerService
	Tokens   *auth.TokenService
	Storage  storage.Storage
	HubCfg   config.HubConfig
	Debug    bool
	Log      *zap.Logger
}

func NewHandler(matches *match.Service, messages *message.Service, hub *chathub.ManagerService, tokens *auth.TokenService, s storage.Storage, cfg *config.Config, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Matches:  matches,
		Messages: messages,
		Hub:      hub,
		Tokens:   tokens,
		Storage:  s,
		HubCfg:   cfg.Hub,
		Debug:    cfg.IsDebug(),
		Log:      log.Named("api"),
	}
}

// Register mounts every route on r.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", monitoring.PrometheusHandler())

	// WebSocket перевіряє токен сам: браузер не може передати заголовок під час upgrade.
	r.GET("/ws", h.ServeWebSocket)

	if h.Debug {
		dev := r.Group("/dev")
		dev.POST("/token", h.DevToken)
		dev.POST("/users", h.CreateUser)
	}

	api := r.Group("/", h.AuthMiddleware())

	api.GET("/matches", h.ListMatches)
	api.GET("/matches/:id", h.GetMatch)
	api.POST("/matches/:id/request-friendship", h.RequestFriendship)
	api.POST("/matches/:id/respond-friendship", h.RespondFriendship)
	api.GET("/matches/:id/friendship-status", h.FriendshipStatus)

	api.POST("/messages", h.SendMessage)
	api.GET("/messages/match/:id", h.ListMatchMessages)
	api.GET("/messages/friend/:userA/:userB", h.ListFriendMessages)
	api.PUT("/messages/:id/reactions", h.SetReaction)
	api.GET("/messages/:id/reactions", h.ReactionSummary)

	api.GET("/friends", h.ListFriends)
	api.GET("/friends/pending", h.PendingRequests)
	api.GET("/presence/:userId", h.Presence)

	api.POST("/telegram/link", h.TelegramLink)
}

// respondError maps err to its HTTP status and a {"error": msg} body.
func (h *Handler) respondError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.Log.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, gin.H{"error": apperr.Message(err)})
}
