package organization

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/dunning-engine/internal/handler"
	"github.com/jwalitptl/dunning-engine/internal/service/dunning"
)

// Handler exposes the manual account suspend and restore operations
type Handler struct {
	service dunning.CaseServicer
}

func NewHandler(service dunning.CaseServicer) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	orgs := r.Group("/organizations")
	{
		orgs.POST("/:id/suspend", h.SuspendAccount)
		orgs.POST("/:id/restore", h.RestoreAccount)
	}
}

type accountRequest struct {
	CaseID uuid.UUID `json:"case_id" binding:"required"`
}

type accountResponse struct {
	OrganizationID uuid.UUID `json:"organization_id"`
	CaseID         uuid.UUID `json:"case_id"`
	Suspended      bool      `json:"suspended"`
	Restored       bool      `json:"restored,omitempty"`
}

func (h *Handler) bind(c *gin.Context) (uuid.UUID, uuid.UUID, bool) {
	orgID, err := handler.UUIDParam(c, "id")
	if err != nil {
		handler.RespondError(c, err)
		return uuid.Nil, uuid.Nil, false
	}
	var req accountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handler.RespondError(c, handler.BindError(err))
		return uuid.Nil, uuid.Nil, false
	}
	return orgID, req.CaseID, true
}

func (h *Handler) SuspendAccount(c *gin.Context) {
	orgID, caseID, ok := h.bind(c)
	if !ok {
		return
	}

	if err := h.service.SuspendAccount(c.Request.Context(), orgID, caseID); err != nil {
		handler.RespondError(c, err)
		return
	}
	handler.OK(c, accountResponse{OrganizationID: orgID, CaseID: caseID, Suspended: true})
}

func (h *Handler) RestoreAccount(c *gin.Context) {
	orgID, caseID, ok := h.bind(c)
	if !ok {
		return
	}

	restored, err := h.service.RestoreAccount(c.Request.Context(), orgID, caseID)
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	// restored=false means another case of the organization is still suspended
	handler.OK(c, accountResponse{OrganizationID: orgID, CaseID: caseID, Suspended: !restored, Restored: restored})
}
