package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/smallbiznis/xero-connect/internal/adapter/xero"
	"github.com/smallbiznis/xero-connect/internal/domain"
	"github.com/smallbiznis/xero-connect/internal/middleware"
	"github.com/smallbiznis/xero-connect/internal/service/token"
)

// ConnectionsHandler exposes the credential admin surface the platform
// calls: listing tenant connections and warming their tokens.
type ConnectionsHandler struct {
	Tokens *token.Service
	Logger *zap.Logger
}

// NewConnectionsHandler creates the handler set.
func NewConnectionsHandler(tokens *token.Service, logger *zap.Logger) *ConnectionsHandler {
	if logger == nil {
		logger = zap.L()
	}
	return &ConnectionsHandler{Tokens: tokens, Logger: logger}
}

// List returns every Xero connection for the calling org.
func (h *ConnectionsHandler) List(c *gin.Context) {
	orgID, ok := middleware.OrgID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_org", "error_description": "Org not resolved."})
		return
	}

	connections, err := h.Tokens.ListConnections(c.Request.Context(), orgID)
	if err != nil {
		h.Logger.Error("list connections", zap.Int64("org_id", orgID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Failed to list connections."})
		return
	}
	c.JSON(http.StatusOK, gin.H{"connections": connections})
}

// RefreshAll runs the best-effort proactive sweep for the calling org.
func (h *ConnectionsHandler) RefreshAll(c *gin.Context) {
	orgID, ok := middleware.OrgID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_org", "error_description": "Org not resolved."})
		return
	}

	result, err := h.Tokens.ProactiveRefreshForOrg(c.Request.Context(), orgID)
	if err != nil {
		h.Logger.Error("proactive refresh", zap.Int64("org_id", orgID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Refresh sweep failed."})
		return
	}
	c.JSON(http.StatusOK, result)
}

// RefreshOne forces a refresh for a single binding and reports the
// resulting tenant handle's validity.
func (h *ConnectionsHandler) RefreshOne(c *gin.Context) {
	orgID, ok := middleware.OrgID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_org", "error_description": "Org not resolved."})
		return
	}
	bindingID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Invalid binding id."})
		return
	}

	client, err := h.Tokens.GetClientForTenantBinding(c.Request.Context(), bindingID, orgID, true)
	if err != nil {
		status, code, description := mapAccessError(err)
		c.JSON(status, gin.H{"error": code, "error_description": description})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "tenant_id": client.TenantID()})
}

// Ping verifies a binding end to end by hitting the Xero connections
// endpoint with the single 401-retry policy applied.
func (h *ConnectionsHandler) Ping(c *gin.Context) {
	orgID, ok := middleware.OrgID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_org", "error_description": "Org not resolved."})
		return
	}
	bindingID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Invalid binding id."})
		return
	}

	err = h.Tokens.Do(c.Request.Context(), bindingID, orgID, func(ctx context.Context, client *xero.Client) error {
		_, err := client.Get(ctx, "/connections")
		return err
	})
	if err != nil {
		status, code, description := mapAccessError(err)
		c.JSON(status, gin.H{"error": code, "error_description": description})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func mapAccessError(err error) (int, string, string) {
	switch {
	case errors.Is(err, domain.ErrBindingNotFound):
		return http.StatusNotFound, "not_found", "Tenant binding not found."
	case errors.Is(err, domain.ErrGrantNotFound):
		return http.StatusNotFound, "grant_missing", "No grant for this binding."
	case errors.Is(err, domain.ErrReauthRequired), domain.IsPermanentRefreshFailure(err):
		return http.StatusConflict, "reconnect_required", "The Xero connection must be re-authorized."
	case errors.Is(err, domain.ErrBindingInactive):
		return http.StatusConflict, "inactive_binding", "The tenant binding is not active."
	case errors.Is(err, domain.ErrDecryptFailed):
		return http.StatusInternalServerError, "decryption_error", "Stored credentials are unreadable."
	default:
		return http.StatusBadGateway, "refresh_failed", "Token refresh failed; try again."
	}
}
