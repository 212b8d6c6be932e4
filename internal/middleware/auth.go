package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/dunning-engine/internal/handler"
	"github.com/jwalitptl/dunning-engine/pkg/auth"
	apperrors "github.com/jwalitptl/dunning-engine/pkg/errors"
)

const ContextPrincipal = "principal"

// TokenValidator resolves a bearer token to the caller
type TokenValidator interface {
	Validate(token string) (*auth.Principal, error)
}

type AuthMiddleware struct {
	tokens TokenValidator
}

func NewAuthMiddleware(tokens TokenValidator) *AuthMiddleware {
	return &AuthMiddleware{tokens: tokens}
}

// Authenticate verifies the bearer token and stores the principal on the request context
func (m *AuthMiddleware) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			handler.RespondError(c, apperrors.Unauthenticated("missing authorization header", nil))
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			handler.RespondError(c, apperrors.Unauthenticated("invalid authorization format", nil))
			return
		}

		principal, err := m.tokens.Validate(parts[1])
		if err != nil {
			handler.RespondError(c, apperrors.Unauthenticated("invalid token", err))
			return
		}

		c.Set(ContextPrincipal, principal)
		c.Request = c.Request.WithContext(auth.WithPrincipal(c.Request.Context(), principal))
		c.Next()
	}
}

// RequireAdmin rejects callers without the admin role. Use after Authenticate.
func (m *AuthMiddleware) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal := auth.PrincipalFromContext(c.Request.Context())
		if principal == nil {
			handler.RespondError(c, apperrors.Unauthenticated("authentication required", nil))
			return
		}
		if !principal.IsAdmin() {
			handler.RespondError(c, apperrors.Forbidden("administrator role required"))
			return
		}
		c.Next()
	}
}
