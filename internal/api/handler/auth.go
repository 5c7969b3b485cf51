package handler

import (
	"errors"
	"net/http"

	"driftchat/backend/internal/apperr"
	"driftchat/backend/internal/auth"
	"driftchat/backend/internal/models"

	"github.com/gin-gonic/gin"
)

const userIDKey = "userID"

// AuthMiddleware перевіряє Bearer-токен і кладе userID у контекст запиту.
func (h *Handler) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := h.authenticate(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

// authenticate reads the token from the Authorization header, or from ?token= for websocket upgrades.
func (h *Handler) authenticate(c *gin.Context) (string, error) {
	token, err := auth.BearerToken(c.GetHeader("Authorization"))
	if errors.Is(err, auth.ErrMissingToken) {
		token = c.Query("token")
	}
	return h.Tokens.VerifyToken(token)
}

func currentUser(c *gin.Context) string {
	return c.GetString(userIDKey)
}

type devTokenRequest struct {
	UserID string `json:"userId" binding:"required"`
}

// DevToken видає JWT для існуючого користувача. Лише в debug-режимі.
func (h *Handler) DevToken(c *gin.Context) {
	var req devTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperr.Validation("userId is required", err))
		return
	}
	if _, err := h.Storage.GetUserByID(c.Request.Context(), req.UserID); err != nil {
		h.respondError(c, err)
		return
	}
	token, err := h.Tokens.IssueToken(req.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "userId": req.UserID})
}

type createUserRequest struct {
	Username         string   `json:"username" binding:"required"`
	Age              int      `json:"age" binding:"gte=0"`
	Gender           string   `json:"gender"`
	Interests        []string `json:"interests"`
	Purpose          string   `json:"purpose"`
	PersonalityType  string   `json:"personalityType"`
	Country          string   `json:"country"`
	SearchGlobally   *bool    `json:"searchGlobally"`
	AgeMin           int      `json:"ageMin"`
	AgeMax           int      `json:"ageMax"`
	GenderPreference []string `json:"genderPreference"`
}

// CreateUser stands in for the profile service during development.
func (h *Handler) CreateUser(c *gin.Context) {
	var req createUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperr.Validation("invalid user payload", err))
		return
	}
	user := &models.User{
		Username:         req.Username,
		Age:              req.Age,
		Gender:           req.Gender,
		Interests:        req.Interests,
		Purpose:          req.Purpose,
		PersonalityType:  req.PersonalityType,
		Country:          req.Country,
		SearchGlobally:   req.SearchGlobally == nil || *req.SearchGlobally,
		AgeMin:           req.AgeMin,
		AgeMax:           req.AgeMax,
		GenderPreference: req.GenderPreference,
	}
	if err := h.Storage.SaveUser(c.Request.Context(), user); err != nil {
		h.respondError(c, err)
		return
	}
	token, err := h.Tokens.IssueToken(user.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"user": user, "token": token})
}

// TelegramLink returns a code for the bot's /start command.
func (h *Handler) TelegramLink(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"code": h.Tokens.LinkCode(currentUser(c))})
}
