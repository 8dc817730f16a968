package assessments

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trainhub/portal/internal/auth"
	"github.com/trainhub/portal/internal/models"
)

type fakeLister struct {
	got  uuid.UUID
	list []models.AssessmentSummary
	err  error
}

func (f *fakeLister) ListForTaker(_ context.Context, takerID uuid.UUID) ([]models.AssessmentSummary, error) {
	f.got = takerID
	return f.list, f.err
}

func serve(h *Handler, takerID uuid.UUID) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/assessments", func(c *gin.Context) {
		if takerID != uuid.Nil {
			c.Set(auth.ContextUserID, takerID)
		}
		c.Next()
	}, h.List)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/assessments", nil))
	return w
}

func TestList(t *testing.T) {
	taker := uuid.New()
	repo := &fakeLister{list: []models.AssessmentSummary{
		{ID: uuid.New(), Title: "Fire safety", DurationMinutes: 10, QuestionCount: 3, NotBefore: time.Now(), Status: models.AssessmentActive},
	}}
	w := serve(NewHandler(repo, zap.NewNop()), taker)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, taker, repo.got)
	var body struct {
		Success bool                       `json:"success"`
		Data    []models.AssessmentSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Data, 1)
	assert.Equal(t, "Fire safety", body.Data[0].Title)
}

func TestList_Errors(t *testing.T) {
	assert.Equal(t, http.StatusUnauthorized, serve(NewHandler(&fakeLister{}, zap.NewNop()), uuid.Nil).Code)
	assert.Equal(t, http.StatusInternalServerError,
		serve(NewHandler(&fakeLister{err: errors.New("db down")}, zap.NewNop()), uuid.New()).Code)
}
