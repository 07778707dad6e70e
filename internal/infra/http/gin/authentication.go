package ginserver

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	gin "github.com/gin-gonic/gin"

	"homematch/internal/app/identity"
)

const principalContextKey = "homematch.principal"

// AuthMiddleware resolves the bearer token (when present) into a principal
// and stashes it on the request context. Resolution failures do not abort
// the request; handlers that need identity call requireAuth.
type AuthMiddleware struct {
	Verifier *identity.Verifier
	Logger   *slog.Logger
}

func (m AuthMiddleware) Handle(c *gin.Context) {
	token := extractBearerToken(c.GetHeader("Authorization"))
	if token == "" || m.Verifier == nil {
		c.Next()
		return
	}
	principal, err := m.Verifier.Verify(c.Request.Context(), token)
	if err != nil {
		if !errors.Is(err, identity.ErrInvalidToken) && !errors.Is(err, identity.ErrInactiveUser) && m.Logger != nil {
			m.Logger.Debug("token validation failed", "error", err)
		}
		c.Next()
		return
	}
	setPrincipal(c, principal)
	c.Next()
}

func setPrincipal(c *gin.Context, p identity.Principal) {
	c.Set(principalContextKey, p)
}

func currentPrincipal(c *gin.Context) (identity.Principal, bool) {
	val, exists := c.Get(principalContextKey)
	if !exists {
		return identity.Principal{}, false
	}
	p, ok := val.(identity.Principal)
	return p, ok
}

func requireAuth(c *gin.Context) (identity.Principal, bool) {
	p, ok := currentPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "auth required"})
		return identity.Principal{}, false
	}
	return p, true
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
