package handler

import (
	"net/http"

	"driftchat/backend/internal/apperr"
	"driftchat/backend/internal/models"

	"github.com/gin-gonic/gin"
)

// SendMessage is the REST fallback of the message.send command; both publish the same events.
func (h *Handler) SendMessage(c *gin.Context) {
	var cmd models.SendMessageCommand
	if err := c.ShouldBindJSON(&cmd); err != nil {
		h.respondError(c, apperr.Validation("invalid message payload", err))
		return
	}
	msg, err := h.Messages.Send(c.Request.Context(), currentUser(c), cmd)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *Handler) ListMatchMessages(c *gin.Context) {
	msgs, err := h.Messages.ListByMatch(c.Request.Context(), currentUser(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

func (h *Handler) ListFriendMessages(c *gin.Context) {
	msgs, err := h.Messages.ListBetween(c.Request.Context(), currentUser(c), c.Param("userA"), c.Param("userB"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

type reactionRequest struct {
	Emoji *string `json:"emoji"`
}

// SetReaction sets the caller's reaction; a null or empty emoji removes it.
func (h *Handler) SetReaction(c *gin.Context) {
	var req reactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperr.Validation("invalid reaction payload", err))
		return
	}
	msg, err := h.Messages.React(c.Request.Context(), currentUser(c), c.Param("id"), req.Emoji)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (h *Handler) ReactionSummary(c *gin.Context) {
	groups, err := h.Messages.Summary(c.Request.Context(), currentUser(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, groups)
}
