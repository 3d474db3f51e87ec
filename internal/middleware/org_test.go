package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestOrg(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(Org())
	router.GET("/probe", func(c *gin.Context) {
		orgID, ok := OrgID(c)
		require.True(t, ok)
		ctxOrgID, ok := OrgIDFromContext(c.Request.Context())
		require.True(t, ok)
		require.Equal(t, orgID, ctxOrgID)
		c.JSON(http.StatusOK, gin.H{"org_id": orgID})
	})

	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{"valid org id", "42", http.StatusOK},
		{"missing header", "", http.StatusBadRequest},
		{"non-numeric", "acme", http.StatusBadRequest},
		{"zero", "0", http.StatusBadRequest},
		{"negative", "-3", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/probe", nil)
			if tt.header != "" {
				req.Header.Set("X-Org-ID", tt.header)
			}
			router.ServeHTTP(w, req)
			require.Equal(t, tt.wantStatus, w.Code)
		})
	}
}
