package dashboard

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/dunning-engine/internal/handler"
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
	r.GET("/dashboard/summary", h.Summary)
}

// Summary reports case counts per state and the recovery rate, optionally for one organization
func (h *Handler) Summary(c *gin.Context) {
	var orgID *uuid.UUID
	if raw := c.Query("organization_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			handler.RespondError(c, apperrors.Validation("invalid organization_id", err))
			return
		}
		orgID = &id
	}

	summary, err := h.service.Summary(c.Request.Context(), orgID)
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	handler.OK(c, summary)
}
