package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

const ginOrgIDKey = "org_id"

type orgIDContextKey struct{}

// Org resolves the calling org from the X-Org-ID header and stores it in
// Gin and request contexts. Upstream auth (Clerk at the platform edge)
// already vouched for the header; this service only scopes queries by it.
func Org() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.Request.Header.Get("X-Org-ID"))
		orgID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || orgID <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":             "invalid_org",
				"error_description": "X-Org-ID header is required.",
			})
			return
		}

		ctx := context.WithValue(c.Request.Context(), orgIDContextKey{}, orgID)
		c.Request = c.Request.WithContext(ctx)
		c.Set(ginOrgIDKey, orgID)

		c.Next()
	}
}

// OrgID extracts the resolved org id from a gin context.
func OrgID(c *gin.Context) (int64, bool) {
	value, ok := c.Get(ginOrgIDKey)
	if !ok {
		return 0, false
	}
	orgID, ok := value.(int64)
	return orgID, ok
}

// OrgIDFromContext extracts the resolved org id from a standard context.
func OrgIDFromContext(ctx context.Context) (int64, bool) {
	orgID, ok := ctx.Value(orgIDContextKey{}).(int64)
	return orgID, ok
}
