package auth

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// revokeTokenRequest is the request body for POST /admin/tokens/revoke.
type revokeTokenRequest struct {
	JTI       string    `json:"jti"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RegisterRevocationRoutes lets an admin revoke a token by id, for example
// an access token reported as leaked.
func RegisterRevocationRoutes(g *echo.Group, revoker Revoker) {
	admin := g.Group("/admin/tokens", RequireRole(RoleAdmin))
	admin.POST("/revoke", handleRevokeToken(revoker))
}

func handleRevokeToken(revoker Revoker) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req revokeTokenRequest
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		if req.JTI == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "jti is required")
		}
		if req.ExpiresAt.IsZero() {
			return echo.NewHTTPError(http.StatusBadRequest, "expires_at is required")
		}
		if err := revoker.Revoke(c.Request().Context(), req.JTI, req.ExpiresAt); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "revocation failed").SetInternal(err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}
