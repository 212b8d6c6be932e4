package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/dunning-engine/internal/handler"
	apperrors "github.com/jwalitptl/dunning-engine/pkg/errors"
	"github.com/jwalitptl/dunning-engine/pkg/security"
)

const HeaderServiceKey = "X-Service-Key"

// ServiceKey admits internal callers whose key matches the configured bcrypt hash.
// With no hash configured every request is rejected.
func ServiceKey(hasher security.SecretHasher, hash string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(HeaderServiceKey)
		if key == "" || hash == "" {
			handler.RespondError(c, apperrors.Unauthenticated("service key required", nil))
			return
		}
		if err := hasher.Compare(hash, key); err != nil {
			handler.RespondError(c, apperrors.Unauthenticated("invalid service key", nil))
			return
		}
		c.Next()
	}
}
