package handler

import (
	"net/http"

	"driftchat/backend/internal/chathub"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin перевіряє rs/cors перед роутером.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWebSocket оновлює HTTP-з'єднання до WebSocket і реєструє клієнта в хабі.
func (h *Handler) ServeWebSocket(c *gin.Context) {
	userID, err := h.authenticate(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.Log.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := chathub.NewWebSocketClient(userID, conn, h.Hub, &commandRouter{h: h},
		h.HubCfg.SendBuffer, rate.Limit(h.HubCfg.RateLimit), h.HubCfg.RateBurst)

	if err := h.Hub.Register(client); err != nil {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "hub stopped"))
		conn.Close()
		return
	}
	client.Run()
}
