package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/smallbiznis/passage-auth/internal/config"
	"github.com/smallbiznis/passage-auth/internal/domain"
	"github.com/smallbiznis/passage-auth/internal/http/middleware"
	"github.com/smallbiznis/passage-auth/internal/service"
)

// statusSessionMismatch reports a credential presented from a browser context
// other than the one that requested it.
const statusSessionMismatch = 440

const requestContextCookie = "passage_rctx"

// AuthHandler orchestrates the tenant-facing auth endpoints.
type AuthHandler struct {
	MagicLink *service.MagicLinkService
	OAuth     *service.OAuthLinkService
	Sessions  *service.SessionManager
	cfg       config.Config
}

// NewAuthHandler creates the handler set.
func NewAuthHandler(magicLink *service.MagicLinkService, oauth *service.OAuthLinkService, sessions *service.SessionManager, cfg config.Config) *AuthHandler {
	return &AuthHandler{MagicLink: magicLink, OAuth: oauth, Sessions: sessions, cfg: cfg}
}

type sessionResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

func (h *AuthHandler) sessionJSON(issued domain.IssuedSession) sessionResponse {
	return sessionResponse{
		AccessToken:  issued.AccessToken,
		RefreshToken: issued.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(h.cfg.SessionTTL.Seconds()),
	}
}

// MagicLinkRequest accepts an email and always answers 202 on success so the
// response does not reveal whether the address was already registered.
func (h *AuthHandler) MagicLinkRequest(c *gin.Context) {
	dcfg, ok := middleware.GetDomainConfig(c)
	if !ok {
		respondDomainMissing(c)
		return
	}

	var req struct {
		Email string `json:"email" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "email is required."})
		return
	}

	if err := h.MagicLink.Request(c.Request.Context(), dcfg, req.Email, h.requestContext(c, true)); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "sent"})
}

// MagicLinkConsume spends the emailed token and returns a fresh session.
func (h *AuthHandler) MagicLinkConsume(c *gin.Context) {
	dcfg, ok := middleware.GetDomainConfig(c)
	if !ok {
		respondDomainMissing(c)
		return
	}

	var req struct {
		Token string `json:"token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "token is required."})
		return
	}

	issued, err := h.MagicLink.Consume(c.Request.Context(), dcfg, req.Token, h.requestContext(c, false))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.sessionJSON(issued))
}

// OAuthStart mints a state token and returns the provider redirect. Link and
// unlink purposes require an authenticated session.
func (h *AuthHandler) OAuthStart(c *gin.Context) {
	dcfg, ok := middleware.GetDomainConfig(c)
	if !ok {
		respondDomainMissing(c)
		return
	}

	provider := providerParam(c)
	purpose := domain.OAuthStatePurpose(strings.ToLower(c.DefaultQuery("purpose", string(domain.PurposeLogin))))

	var linkingUserID *int64
	if purpose == domain.PurposeLink || purpose == domain.PurposeUnlink {
		principal, err := h.Sessions.Introspect(c.Request.Context(), dcfg.ID, bearerToken(c))
		if err != nil {
			respondServiceError(c, err)
			return
		}
		linkingUserID = &principal.UserID
	}

	result, err := h.OAuth.Start(c.Request.Context(), dcfg, provider, purpose, linkingUserID)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": result.StateID, "redirect_url": result.RedirectURL})
}

// OAuthExchange redeems the provider callback code against the state token.
func (h *AuthHandler) OAuthExchange(c *gin.Context) {
	dcfg, ok := middleware.GetDomainConfig(c)
	if !ok {
		respondDomainMissing(c)
		return
	}

	var req struct {
		State string `json:"state" binding:"required"`
		Code  string `json:"code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "state and code are required."})
		return
	}

	state, err := h.OAuth.Exchange(c.Request.Context(), dcfg, providerParam(c), req.State, req.Code)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"state":   state.StateID,
		"status":  string(state.Status),
		"purpose": string(state.Purpose),
		"email":   state.Email,
	})
}

// OAuthComplete applies an exchanged login state and answers with a session.
func (h *AuthHandler) OAuthComplete(c *gin.Context) {
	dcfg, ok := middleware.GetDomainConfig(c)
	if !ok {
		respondDomainMissing(c)
		return
	}

	var req struct {
		State string `json:"state" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "state is required."})
		return
	}

	issued, err := h.OAuth.Complete(c.Request.Context(), dcfg, providerParam(c), req.State, domain.PurposeLogin)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.sessionJSON(issued))
}

// OAuthConfirmLink applies an exchanged link state, attaching the provider
// identity to the user that started the flow.
func (h *AuthHandler) OAuthConfirmLink(c *gin.Context) {
	dcfg, ok := middleware.GetDomainConfig(c)
	if !ok {
		respondDomainMissing(c)
		return
	}

	var req struct {
		State string `json:"state" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "state is required."})
		return
	}

	if _, err := h.OAuth.Complete(c.Request.Context(), dcfg, providerParam(c), req.State, domain.PurposeLink); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "linked"})
}

// OAuthUnlink detaches a provider identity from the authenticated user.
func (h *AuthHandler) OAuthUnlink(c *gin.Context) {
	dcfg, ok := middleware.GetDomainConfig(c)
	if !ok {
		respondDomainMissing(c)
		return
	}

	var req struct {
		State   string `json:"state" binding:"required"`
		Subject string `json:"subject" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "state and subject are required."})
		return
	}

	principal, err := h.Sessions.Introspect(c.Request.Context(), dcfg.ID, bearerToken(c))
	if err != nil {
		respondServiceError(c, err)
		return
	}

	if err := h.OAuth.Unlink(c.Request.Context(), dcfg, providerParam(c), req.State, principal.UserID, req.Subject); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "unlinked"})
}

// SessionRefresh rotates the token pair.
func (h *AuthHandler) SessionRefresh(c *gin.Context) {
	dcfg, ok := middleware.GetDomainConfig(c)
	if !ok {
		respondDomainMissing(c)
		return
	}

	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "refresh_token is required."})
		return
	}

	issued, err := h.Sessions.Refresh(c.Request.Context(), dcfg.ID, req.RefreshToken)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.sessionJSON(issued))
}

// CurrentSession resolves the bearer token to its principal.
func (h *AuthHandler) CurrentSession(c *gin.Context) {
	dcfg, ok := middleware.GetDomainConfig(c)
	if !ok {
		respondDomainMissing(c)
		return
	}

	principal, err := h.Sessions.Introspect(c.Request.Context(), dcfg.ID, bearerToken(c))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": principal.UserID, "session_id": principal.SessionID})
}

// Logout revokes the session behind the bearer token.
func (h *AuthHandler) Logout(c *gin.Context) {
	dcfg, ok := middleware.GetDomainConfig(c)
	if !ok {
		respondDomainMissing(c)
		return
	}

	if err := h.Sessions.Logout(c.Request.Context(), dcfg.ID, bearerToken(c)); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "logged_out"})
}

// DeleteAccount removes the authenticated user and every dependent credential.
func (h *AuthHandler) DeleteAccount(c *gin.Context) {
	dcfg, ok := middleware.GetDomainConfig(c)
	if !ok {
		respondDomainMissing(c)
		return
	}

	if err := h.Sessions.DeleteAccount(c.Request.Context(), dcfg.ID, bearerToken(c)); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// DomainInfo exposes the resolved tenant's public configuration.
func (h *AuthHandler) DomainInfo(c *gin.Context) {
	dcfg, ok := middleware.GetDomainConfig(c)
	if !ok {
		respondDomainMissing(c)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"hostname":     dcfg.Hostname,
		"verified":     dcfg.Verified,
		"auth_methods": dcfg.Methods,
	})
}

// requestContext reads the pre-login correlation cookie, minting one on the
// request leg only.
func (h *AuthHandler) requestContext(c *gin.Context, mint bool) string {
	if value, err := c.Cookie(requestContextCookie); err == nil && value != "" {
		return value
	}
	if !mint {
		return ""
	}
	value := uuid.NewString()
	c.SetCookie(requestContextCookie, value, int(h.cfg.MagicLinkTTL.Seconds()), "/", "", true, true)
	return value
}

// providerParam names the external provider for the route. Routes are
// registered per provider, so the absence of a path parameter means google.
func providerParam(c *gin.Context) string {
	if provider := c.Param("provider"); provider != "" {
		return provider
	}
	return domain.MethodGoogle
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func respondDomainMissing(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "invalid_domain", "error_description": "Domain not resolved."})
}

// respondServiceError maps domain sentinels onto the wire taxonomy.
func respondServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": err.Error()})
	case errors.Is(err, domain.ErrMethodDisabled):
		c.JSON(http.StatusBadRequest, gin.H{"error": "method_disabled", "error_description": "Auth method not enabled for this domain."})
	case errors.Is(err, domain.ErrDomainNotFound):
		respondDomainMissing(c)
	case errors.Is(err, domain.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "user_not_found", "error_description": "Unknown user."})
	case errors.Is(err, domain.ErrTokenInvalid):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Token is not recognized."})
	case errors.Is(err, domain.ErrTokenExpired):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token_expired", "error_description": "Token has expired."})
	case errors.Is(err, domain.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "error_description": "Missing or invalid credentials."})
	case errors.Is(err, domain.ErrAlreadyConsumed):
		c.JSON(http.StatusConflict, gin.H{"error": "already_consumed", "error_description": "Token was already used."})
	case errors.Is(err, domain.ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "error_description": "State token is unknown or in the wrong phase."})
	case errors.Is(err, domain.ErrLastAuthMethod):
		c.JSON(http.StatusConflict, gin.H{"error": "last_auth_method", "error_description": "Unlinking would leave no sign-in method."})
	case errors.Is(err, domain.ErrSessionMismatch):
		c.JSON(statusSessionMismatch, gin.H{"error": "session_mismatch", "error_description": "Token was requested from a different browser context."})
	case errors.Is(err, domain.ErrProviderUnavailable):
		c.JSON(http.StatusBadGateway, gin.H{"error": "provider_unavailable", "error_description": "Identity provider is temporarily unavailable. Retry with the same state."})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Unexpected error."})
	}
}
