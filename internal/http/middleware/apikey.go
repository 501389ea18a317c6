package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/smallbiznis/passage-auth/internal/domain"
	"github.com/smallbiznis/passage-auth/internal/service"
)

const principalContextKey = "api_principal"

// APIKey guards developer endpoints with a hashed key carrying the required
// scope. Every failure mode is a uniform 401.
func APIKey(auth *service.APIKeyAuthenticator, scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		dcfg, ok := GetDomainConfig(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "invalid_domain", "error_description": "Unknown domain."})
			return
		}

		raw := strings.TrimSpace(c.GetHeader("X-API-Key"))
		principal, err := auth.Authenticate(c.Request.Context(), dcfg.ID, raw, scope)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_api_key", "error_description": "Missing or invalid API key."})
			return
		}
		c.Set(principalContextKey, principal)
		c.Next()
	}
}

// GetPrincipal extracts the authenticated API principal from gin.
func GetPrincipal(c *gin.Context) (domain.Principal, bool) {
	value, ok := c.Get(principalContextKey)
	if !ok {
		return domain.Principal{}, false
	}
	principal, ok := value.(domain.Principal)
	return principal, ok
}
