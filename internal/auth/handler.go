package auth

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trainhub/portal/internal/models"
	"github.com/trainhub/portal/pkg/response"
)

// UserStore is the part of Repository the handler needs.
type UserStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
}

// LoginRequest is the body for POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// TokenResponse is the auth response with JWT.
type TokenResponse struct {
	Token string            `json:"token"`
	User  models.UserPublic `json:"user"`
}

// Handler handles auth HTTP endpoints.
type Handler struct {
	users  UserStore
	tokens *TokenService
	logger *zap.Logger
}

// NewHandler creates an auth handler.
func NewHandler(users UserStore, tokens *TokenService, logger *zap.Logger) *Handler {
	return &Handler{users: users, tokens: tokens, logger: logger}
}

// Login handles POST /auth/login.
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	user, err := h.users.GetByEmail(c.Request.Context(), req.Email)
	if err != nil {
		if !errors.Is(err, ErrUserNotFound) {
			h.logger.Error("login lookup failed", zap.Error(err))
		}
		response.Unauthorized(c, "invalid email or password")
		return
	}
	if !CheckPassword(req.Password, user.Password) {
		response.Unauthorized(c, "invalid email or password")
		return
	}

	token, err := h.tokens.Issue(user)
	if err != nil {
		h.logger.Error("issue token", zap.Error(err))
		response.Internal(c, "failed to generate token")
		return
	}
	response.OK(c, TokenResponse{Token: token, User: user.ToPublic()})
}

// Me handles GET /auth/me.
func (h *Handler) Me(c *gin.Context) {
	id, ok := c.Get(ContextUserID)
	userID, _ := id.(uuid.UUID)
	if !ok || userID == uuid.Nil {
		response.Unauthorized(c, "missing user context")
		return
	}
	user, err := h.users.GetByID(c.Request.Context(), userID)
	if err != nil {
		response.NotFound(c, "user not found")
		return
	}
	response.OK(c, user.ToPublic())
}
