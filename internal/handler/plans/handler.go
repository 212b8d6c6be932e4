package plans

import (
	"encoding/json"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/dunning-engine/internal/handler"
	"github.com/jwalitptl/dunning-engine/internal/model"
	"github.com/jwalitptl/dunning-engine/internal/service/policy"
	"github.com/jwalitptl/dunning-engine/pkg/auth"
)

type Handler struct {
	service policy.PolicyServicer
}

func NewHandler(service policy.PolicyServicer) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	plans := r.Group("/admin/plans")
	{
		plans.GET("", h.ListPlans)
		plans.GET("/:plan", h.GetPlan)
		plans.PUT("/:plan", h.UpsertPlan)
	}
}

func (h *Handler) ListPlans(c *gin.Context) {
	cfgs, err := h.service.List(c.Request.Context(), auth.PrincipalFromContext(c.Request.Context()))
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	if cfgs == nil {
		cfgs = []*model.DunningConfig{}
	}
	handler.OK(c, cfgs)
}

func (h *Handler) GetPlan(c *gin.Context) {
	cfg, err := h.service.Get(c.Request.Context(), auth.PrincipalFromContext(c.Request.Context()), c.Param("plan"))
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	handler.OK(c, cfg)
}

// UpsertPlan applies a partial policy update. Unknown fields are rejected.
func (h *Handler) UpsertPlan(c *gin.Context) {
	var in model.PlanConfigInput
	dec := json.NewDecoder(c.Request.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		handler.RespondError(c, handler.BindError(err))
		return
	}

	cfg, err := h.service.Upsert(c.Request.Context(), auth.PrincipalFromContext(c.Request.Context()), c.Param("plan"), in)
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	handler.OK(c, cfg)
}
