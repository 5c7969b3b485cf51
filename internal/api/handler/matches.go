package handler

import (
	"net/http"

	"driftchat/backend/internal/apperr"

	"github.com/gin-gonic/gin"
)

// ListMatches returns the caller's active, pending and friend matches, matchmaking first if below capacity.
func (h *Handler) ListMatches(c *gin.Context) {
	views, err := h.Matches.GetMatches(c.Request.Context(), currentUser(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, views)
}

func (h *Handler) GetMatch(c *gin.Context) {
	view, err := h.Matches.GetMatch(c.Request.Context(), c.Param("id"), currentUser(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) RequestFriendship(c *gin.Context) {
	view, err := h.Matches.RequestFriendship(c.Request.Context(), c.Param("id"), currentUser(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type respondRequest struct {
	Accept *bool `json:"accept" binding:"required"`
}

func (h *Handler) RespondFriendship(c *gin.Context) {
	var req respondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperr.Validation("accept is required", err))
		return
	}
	view, err := h.Matches.RespondFriendship(c.Request.Context(), c.Param("id"), currentUser(c), *req.Accept)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) FriendshipStatus(c *gin.Context) {
	status, err := h.Matches.FriendshipStatus(c.Request.Context(), c.Param("id"), currentUser(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

func (h *Handler) ListFriends(c *gin.Context) {
	friends, err := h.Matches.ListFriends(c.Request.Context(), currentUser(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, friends)
}

func (h *Handler) PendingRequests(c *gin.Context) {
	pending, err := h.Matches.PendingRequests(c.Request.Context(), currentUser(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pending)
}

// Presence is best-effort: it reflects live hub connections, not a stored status.
func (h *Handler) Presence(c *gin.Context) {
	userID := c.Param("userId")
	online, err := h.Storage.IsOnline(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": userID, "online": online})
}
