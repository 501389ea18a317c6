package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/smallbiznis/passage-auth/internal/domain"
	"github.com/smallbiznis/passage-auth/internal/tenant"
)

const domainContextKey = "domain_config"

// Tenant resolves the domain path segment into its config and attaches it to
// the gin context. Unknown and unverified domains both end the request here.
func Tenant(resolver *tenant.Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		hostname := strings.TrimSpace(c.Param("domain"))
		if hostname == "" {
			hostname = stripPort(c.Request.Host)
		}

		dcfg, err := resolver.ResolveOne(c.Request.Context(), hostname)
		if err != nil || !dcfg.Verified {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "invalid_domain", "error_description": "Unknown domain."})
			return
		}
		c.Set(domainContextKey, dcfg)
		c.Next()
	}
}

// GetDomainConfig extracts the resolved domain config from gin.
func GetDomainConfig(c *gin.Context) (domain.DomainConfig, bool) {
	value, ok := c.Get(domainContextKey)
	if !ok {
		return domain.DomainConfig{}, false
	}
	dcfg, ok := value.(domain.DomainConfig)
	return dcfg, ok
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}
