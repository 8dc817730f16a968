package assessments

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trainhub/portal/internal/middleware"
	"github.com/trainhub/portal/internal/models"
	"github.com/trainhub/portal/pkg/response"
)

// Lister returns the catalog of one taker.
type Lister interface {
	ListForTaker(ctx context.Context, takerID uuid.UUID) ([]models.AssessmentSummary, error)
}

// Handler serves the assessment catalog.
type Handler struct {
	repo   Lister
	logger *zap.Logger
}

// NewHandler creates an assessments handler.
func NewHandler(repo Lister, logger *zap.Logger) *Handler {
	return &Handler{repo: repo, logger: logger}
}

// List handles GET /assessments.
func (h *Handler) List(c *gin.Context) {
	takerID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return
	}
	list, err := h.repo.ListForTaker(c.Request.Context(), takerID)
	if err != nil {
		h.logger.Error("list assessments", zap.String("taker_id", takerID.String()), zap.Error(err))
		response.Internal(c, "failed to list assessments")
		return
	}
	response.OK(c, list)
}
