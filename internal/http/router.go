package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/smallbiznis/passage-auth/internal/config"
	"github.com/smallbiznis/passage-auth/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/passage-auth/internal/http/middleware"
	"github.com/smallbiznis/passage-auth/internal/middleware"
	"github.com/smallbiznis/passage-auth/internal/service"
	"github.com/smallbiznis/passage-auth/internal/tenant"
)

// NewRouter wires Gin routes and middleware. Every route lives under the
// tenant domain segment; nothing is served for an unresolved domain.
func NewRouter(cfg config.Config, authHandler *handler.AuthHandler, devHandler *handler.DeveloperHandler, apiKeys *service.APIKeyAuthenticator, resolver *tenant.Resolver, rateLimiter *middleware.RateLimiter) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(nil))
	if rateLimiter != nil {
		r.Use(rateLimiter.Handler())
	}
	r.Use(otelgin.Middleware(cfg.ServiceName))

	domainGroup := r.Group("/:domain")
	domainGroup.Use(httpmiddleware.Tenant(resolver))
	domainGroup.Use(httpmiddleware.DomainCORS(cfg))

	domainGroup.GET("/config", authHandler.DomainInfo)

	authGroup := domainGroup.Group("/auth")
	{
		authGroup.POST("/request-magic-link", authHandler.MagicLinkRequest)
		authGroup.POST("/verify-magic-link", authHandler.MagicLinkConsume)

		google := authGroup.Group("/google")
		{
			google.POST("/start", authHandler.OAuthStart)
			google.POST("/exchange", authHandler.OAuthExchange)
			google.POST("/confirm-link", authHandler.OAuthConfirmLink)
			google.POST("/complete", authHandler.OAuthComplete)
			google.POST("/unlink", authHandler.OAuthUnlink)
		}

		authGroup.GET("/session", authHandler.CurrentSession)
		authGroup.POST("/refresh", authHandler.SessionRefresh)
		authGroup.POST("/logout", authHandler.Logout)
		authGroup.DELETE("/account", authHandler.DeleteAccount)

		authGroup.POST("/verify-token",
			httpmiddleware.APIKey(apiKeys, service.ScopeTokensIntrospect),
			devHandler.IntrospectToken)
	}

	domainGroup.GET("/users/:user_id",
		httpmiddleware.APIKey(apiKeys, service.ScopeUsersRead),
		devHandler.GetUser)

	return r
}
