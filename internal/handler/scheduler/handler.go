package scheduler

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/dunning-engine/internal/handler"
	"github.com/jwalitptl/dunning-engine/internal/worker"
	apperrors "github.com/jwalitptl/dunning-engine/pkg/errors"
	"github.com/jwalitptl/dunning-engine/pkg/logger"
)

// Handler triggers sweeps without waiting for them
type Handler struct {
	sweeper worker.SweeperServicer
	// base outlives the request; sweeps stop when it is cancelled
	base   context.Context
	logger *logger.Logger
}

func NewHandler(base context.Context, sweeper worker.SweeperServicer, log *logger.Logger) *Handler {
	return &Handler{sweeper: sweeper, base: base, logger: log}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/scheduler/sweeps/:sweep", h.Trigger)
}

type triggerResponse struct {
	Sweep    string `json:"sweep"`
	Accepted bool   `json:"accepted"`
}

func (h *Handler) Trigger(c *gin.Context) {
	sweep := c.Param("sweep")
	if !worker.IsSweep(sweep) {
		handler.RespondError(c, apperrors.Validation(fmt.Sprintf("unknown sweep %q", sweep), nil))
		return
	}

	go func() {
		if _, err := h.sweeper.Run(h.base, sweep); err != nil {
			h.logger.Error(err, "triggered sweep failed", "sweep", sweep)
		}
	}()
	c.JSON(http.StatusAccepted, handler.NewSuccessResponse(triggerResponse{Sweep: sweep, Accepted: true}))
}
