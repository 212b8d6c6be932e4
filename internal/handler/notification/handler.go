package notification

import (
	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/dunning-engine/internal/handler"
	"github.com/jwalitptl/dunning-engine/internal/model"
	"github.com/jwalitptl/dunning-engine/internal/service/notification"
)

// Handler receives delivery callbacks from the email and SMS providers
type Handler struct {
	recorder notification.StatusRecorder
}

func NewHandler(recorder notification.StatusRecorder) *Handler {
	return &Handler{recorder: recorder}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/notifications/callbacks", h.Callback)
}

type callbackResponse struct {
	Applied bool `json:"applied"`
}

func (h *Handler) Callback(c *gin.Context) {
	var u model.StatusUpdate
	if err := c.ShouldBindJSON(&u); err != nil {
		handler.RespondError(c, handler.BindError(err))
		return
	}

	applied, err := h.recorder.UpdateCommunicationStatus(c.Request.Context(), u)
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	handler.OK(c, callbackResponse{Applied: applied})
}
