package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/trainhub/portal/internal/auth"
	"github.com/trainhub/portal/internal/models"
	"github.com/trainhub/portal/pkg/response"
)

// TokenValidator validates bearer tokens.
type TokenValidator interface {
	Validate(token string) (*auth.Claims, error)
}

// JWT returns a middleware that validates the bearer token and sets user claims in context.
func JWT(tokens TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Unauthorized(c, "missing authorization header")
			c.Abort()
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			response.Unauthorized(c, "invalid authorization header")
			c.Abort()
			return
		}
		claims, err := tokens.Validate(parts[1])
		if err != nil {
			response.Unauthorized(c, "invalid or expired token")
			c.Abort()
			return
		}
		c.Set(auth.ContextUserID, claims.UserID)
		c.Set(auth.ContextUserRole, claims.Role)
		c.Set(auth.ContextUserEmail, claims.Email)
		c.Next()
	}
}

// UserID returns the authenticated user id set by JWT.
func UserID(c *gin.Context) (uuid.UUID, bool) {
	v, ok := c.Get(auth.ContextUserID)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok && id != uuid.Nil
}

// Role returns the authenticated user role set by JWT.
func Role(c *gin.Context) models.Role {
	v, _ := c.Get(auth.ContextUserRole)
	role, _ := v.(models.Role)
	return role
}
