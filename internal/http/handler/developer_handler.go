package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"

	"github.com/smallbiznis/passage-auth/internal/domain"
	"github.com/smallbiznis/passage-auth/internal/http/middleware"
	"github.com/smallbiznis/passage-auth/internal/repository"
	"github.com/smallbiznis/passage-auth/internal/service"
)

// DeveloperHandler serves the server-to-server endpoints guarded by API keys.
type DeveloperHandler struct {
	Sessions *service.SessionManager
	Users    repository.UserRepository
}

// NewDeveloperHandler creates the handler set.
func NewDeveloperHandler(sessions *service.SessionManager, users repository.UserRepository) *DeveloperHandler {
	return &DeveloperHandler{Sessions: sessions, Users: users}
}

// IntrospectToken reports whether an access token is live. Dead tokens answer
// active=false rather than an error so integrators get one response shape.
func (h *DeveloperHandler) IntrospectToken(c *gin.Context) {
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

	principal, err := h.Sessions.Introspect(c.Request.Context(), dcfg.ID, req.Token)
	if err != nil {
		if errors.Is(err, domain.ErrUnauthorized) || errors.Is(err, domain.ErrTokenExpired) {
			c.JSON(http.StatusOK, gin.H{"active": false})
			return
		}
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"active":     true,
		"user_id":    strconv.FormatInt(principal.UserID, 10),
		"session_id": strconv.FormatInt(principal.SessionID, 10),
	})
}

// GetUser returns a user record by ID.
func (h *DeveloperHandler) GetUser(c *gin.Context) {
	if _, ok := middleware.GetDomainConfig(c); !ok {
		respondDomainMissing(c)
		return
	}

	userID, err := strconv.ParseInt(c.Param("user_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "user id must be numeric."})
		return
	}

	user, err := h.Users.GetByID(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			respondServiceError(c, domain.ErrUserNotFound)
			return
		}
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":         strconv.FormatInt(user.ID, 10),
		"email":      user.Email,
		"created_at": user.CreatedAt,
	})
}
