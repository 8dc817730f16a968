package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trainhub/portal/internal/models"
)

func TestTokenService_RoundTrip(t *testing.T) {
	svc := NewTokenService("secret", 1)
	u := &models.User{ID: uuid.New(), Email: "a@b.c", Role: models.RoleTrainee}

	token, err := svc.Issue(u)
	require.NoError(t, err)

	claims, err := svc.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, u.ID, claims.UserID)
	assert.Equal(t, models.RoleTrainee, claims.Role)
}

func TestTokenService_RejectsForeignAndExpired(t *testing.T) {
	u := &models.User{ID: uuid.New(), Role: models.RoleTrainee}

	token, err := NewTokenService("other", 1).Issue(u)
	require.NoError(t, err)
	_, err = NewTokenService("secret", 1).Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	svc := NewTokenService("secret", 1)
	token, err = svc.Issue(u)
	require.NoError(t, err)
	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = svc.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestPassword(t *testing.T) {
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)
	assert.True(t, CheckPassword("s3cret", hash))
	assert.False(t, CheckPassword("nope", hash))
}

type memUsers map[string]*models.User

func (m memUsers) GetByEmail(_ context.Context, email string) (*models.User, error) {
	if u, ok := m[email]; ok {
		return u, nil
	}
	return nil, ErrUserNotFound
}

func (m memUsers) GetByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	for _, u := range m {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, ErrUserNotFound
}

func TestHandler_Login(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hash, err := HashPassword("pw")
	require.NoError(t, err)
	users := memUsers{"t@example.com": {ID: uuid.New(), Email: "t@example.com", Password: hash, Role: models.RoleTrainee}}
	tokens := NewTokenService("secret", 1)
	h := NewHandler(users, tokens, zap.NewNop())

	r := gin.New()
	r.POST("/auth/login", h.Login)

	do := func(body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		r.ServeHTTP(w, req)
		return w
	}

	w := do(`{"email":"t@example.com","password":"pw"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Success bool          `json:"success"`
		Data    TokenResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	claims, err := tokens.Validate(resp.Data.Token)
	require.NoError(t, err)
	assert.Equal(t, users["t@example.com"].ID, claims.UserID)

	assert.Equal(t, http.StatusUnauthorized, do(`{"email":"t@example.com","password":"bad"}`).Code)
	assert.Equal(t, http.StatusUnauthorized, do(`{"email":"x@example.com","password":"pw"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(`{"email":"not-an-email"}`).Code)
}
