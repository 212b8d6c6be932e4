package cases

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/dunning-engine/internal/handler"
	"github.com/jwalitptl/dunning-engine/internal/model"
	"github.com/jwalitptl/dunning-engine/internal/service/dunning"
	apperrors "github.com/jwalitptl/dunning-engine/pkg/errors"
)

type Handler struct {
	service dunning.CaseServicer
}

func NewHandler(service dunning.CaseServicer) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	cases := r.Group("/cases")
	{
		cases.POST("", h.CreateCase)
		cases.GET("", h.ListCases)
		cases.GET("/:id", h.GetCase)
		cases.POST("/:id/retry", h.ProcessRetry)
		cases.POST("/:id/recover", h.RecoverCase)
		cases.POST("/:id/notifications", h.QueueNotification)
		cases.GET("/:id/communications", h.ListCommunications)
		cases.GET("/:id/attempts", h.ListAttempts)
	}
}

type createCaseResponse struct {
	Case    *model.DunningCase `json:"case"`
	Created bool               `json:"created"`
}

func (h *Handler) CreateCase(c *gin.Context) {
	var req model.CreateCaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handler.RespondError(c, handler.BindError(err))
		return
	}

	dc, created, err := h.service.CreateCase(c.Request.Context(), req)
	if err != nil {
		handler.RespondError(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, handler.NewSuccessResponse(createCaseResponse{Case: dc, Created: created}))
}

type listQuery struct {
	OrganizationID string `form:"organization_id"`
	State          string `form:"state"`
	model.Pagination
}

type listResponse struct {
	Cases    []*model.DunningCase `json:"cases"`
	Total    int                  `json:"total"`
	Page     int                  `json:"page"`
	PageSize int                  `json:"page_size"`
}

func (h *Handler) ListCases(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		handler.RespondError(c, apperrors.Validation("invalid query parameters", err))
		return
	}

	filter := model.CaseFilter{Pagination: q.Pagination.Normalize()}
	if q.OrganizationID != "" {
		id, err := uuid.Parse(q.OrganizationID)
		if err != nil {
			handler.RespondError(c, apperrors.Validation("invalid organization_id", err))
			return
		}
		filter.OrganizationID = &id
	}
	if q.State != "" {
		state := model.CaseState(q.State)
		if !state.Valid() {
			handler.RespondError(c, apperrors.Validation("invalid state", nil))
			return
		}
		filter.State = &state
	}

	list, total, err := h.service.ListCases(c.Request.Context(), filter)
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	if list == nil {
		list = []*model.DunningCase{}
	}
	handler.OK(c, listResponse{
		Cases:    list,
		Total:    total,
		Page:     filter.Page,
		PageSize: filter.PageSize,
	})
}

func (h *Handler) GetCase(c *gin.Context) {
	id, err := handler.UUIDParam(c, "id")
	if err != nil {
		handler.RespondError(c, err)
		return
	}

	dc, err := h.service.GetCase(c.Request.Context(), id)
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	handler.OK(c, dc)
}

func (h *Handler) ProcessRetry(c *gin.Context) {
	id, err := handler.UUIDParam(c, "id")
	if err != nil {
		handler.RespondError(c, err)
		return
	}

	res, err := h.service.ProcessRetry(c.Request.Context(), id)
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	handler.OK(c, res)
}

type recoverRequest struct {
	PaymentIntentID *string `json:"payment_intent_id"`
}

func (h *Handler) RecoverCase(c *gin.Context) {
	id, err := handler.UUIDParam(c, "id")
	if err != nil {
		handler.RespondError(c, err)
		return
	}

	// the body is optional
	var req recoverRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			handler.RespondError(c, handler.BindError(err))
			return
		}
	}

	res, err := h.service.RecoverCase(c.Request.Context(), id, req.PaymentIntentID)
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	handler.OK(c, res)
}

type queueRequest struct {
	Type model.CommunicationType `json:"type" binding:"required"`
}

type queueResponse struct {
	NotificationIDs []uuid.UUID `json:"notification_ids"`
}

func (h *Handler) QueueNotification(c *gin.Context) {
	id, err := handler.UUIDParam(c, "id")
	if err != nil {
		handler.RespondError(c, err)
		return
	}

	var req queueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handler.RespondError(c, handler.BindError(err))
		return
	}

	ids, err := h.service.QueueNotification(c.Request.Context(), id, req.Type)
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	if ids == nil {
		ids = []uuid.UUID{}
	}
	c.JSON(http.StatusAccepted, handler.NewSuccessResponse(queueResponse{NotificationIDs: ids}))
}

func (h *Handler) ListCommunications(c *gin.Context) {
	id, err := handler.UUIDParam(c, "id")
	if err != nil {
		handler.RespondError(c, err)
		return
	}

	comms, err := h.service.ListCommunications(c.Request.Context(), id)
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	if comms == nil {
		comms = []*model.Communication{}
	}
	handler.OK(c, comms)
}

func (h *Handler) ListAttempts(c *gin.Context) {
	id, err := handler.UUIDParam(c, "id")
	if err != nil {
		handler.RespondError(c, err)
		return
	}

	attempts, err := h.service.ListAttempts(c.Request.Context(), id)
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	if attempts == nil {
		attempts = []*model.RetryAttempt{}
	}
	handler.OK(c, attempts)
}
