package attempts

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trainhub/portal/internal/middleware"
	"github.com/trainhub/portal/internal/models"
	"github.com/trainhub/portal/pkg/response"
)

// Handler exposes the attempt lifecycle over HTTP.
type Handler struct {
	svc    *Service
	logger *zap.Logger
}

// NewHandler creates an attempts handler.
func NewHandler(svc *Service, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

func (h *Handler) ids(c *gin.Context) (takerID, id uuid.UUID, ok bool) {
	takerID, ok = middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return uuid.Nil, uuid.Nil, false
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid id")
		return uuid.Nil, uuid.Nil, false
	}
	return takerID, id, true
}

// Start handles POST /assessments/:id/start.
func (h *Handler) Start(c *gin.Context) {
	takerID, assessmentID, ok := h.ids(c)
	if !ok {
		return
	}
	started, err := h.svc.Start(c.Request.Context(), takerID, assessmentID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, started)
}

// Finalize handles POST /attempts/:id/finalize. An Idempotency-Key header, when present,
// must equal the attempt id.
func (h *Handler) Finalize(c *gin.Context) {
	takerID, attemptID, ok := h.ids(c)
	if !ok {
		return
	}
	if key := c.GetHeader("Idempotency-Key"); key != "" && key != attemptID.String() {
		response.BadRequest(c, "idempotency key must be the attempt id")
		return
	}
	var req models.FinalizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	res, err := h.svc.Finalize(c.Request.Context(), takerID, attemptID, req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, models.FinalizeResponse{AttemptID: attemptID, Result: res})
}

// Result handles GET /attempts/:id/result.
func (h *Handler) Result(c *gin.Context) {
	takerID, attemptID, ok := h.ids(c)
	if !ok {
		return
	}
	res, err := h.svc.Result(c.Request.Context(), takerID, attemptID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, res)
}

func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrAlreadyCompleted):
		response.Conflict(c, "already_completed", err.Error())
	case errors.Is(err, ErrNotYetAvailable):
		response.Fail(c, http.StatusForbidden, "not_yet_available", err.Error())
	case errors.Is(err, ErrExpired):
		response.Fail(c, http.StatusGone, "expired", err.Error())
	case errors.Is(err, ErrNotAssigned):
		response.Forbidden(c, err.Error())
	case errors.Is(err, ErrAssessmentNotFound), errors.Is(err, ErrAttemptNotFound):
		response.NotFound(c, err.Error())
	case errors.Is(err, ErrNotCompleted):
		response.Conflict(c, "not_completed", err.Error())
	case errors.Is(err, ErrInvalidTrigger), errors.Is(err, ErrInvalidAnswers):
		response.BadRequest(c, err.Error())
	default:
		h.logger.Error("attempt request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		response.Internal(c, "internal error")
	}
}
