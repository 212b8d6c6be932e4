package webhook

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/dunning-engine/internal/handler"
	"github.com/jwalitptl/dunning-engine/internal/service/webhook"
	apperrors "github.com/jwalitptl/dunning-engine/pkg/errors"
)

const (
	SignatureHeader = "Stripe-Signature"
	maxPayloadBytes = 64 << 10
)

type Handler struct {
	service webhook.IngestorServicer
}

func NewHandler(service webhook.IngestorServicer) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup, mw ...gin.HandlerFunc) {
	r.POST("/webhooks/stripe", append(mw, h.Stripe)...)
}

// Stripe ingests one gateway delivery. A non-2xx answer makes the gateway redeliver.
func (h *Handler) Stripe(c *gin.Context) {
	signature := c.GetHeader(SignatureHeader)
	if signature == "" {
		handler.RespondError(c, apperrors.Unauthenticated("missing webhook signature", nil))
		return
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPayloadBytes+1))
	if err != nil {
		handler.RespondError(c, apperrors.Validation("failed to read body", err))
		return
	}
	if len(payload) > maxPayloadBytes {
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge,
			handler.NewErrorResponse(apperrors.ErrValidation, "payload too large"))
		return
	}

	res, err := h.service.Ingest(c.Request.Context(), payload, signature)
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	handler.OK(c, res)
}
