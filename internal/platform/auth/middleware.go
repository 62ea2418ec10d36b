package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

type contextKey string

const (
	UserIDKey   contextKey = "user_id"
	UserRoleKey contextKey = "user_role"
	TokenIDKey  contextKey = "token_id"
)

// Roles carried in the token's role claim.
const (
	RolePatient = "patient"
	RoleDoctor  = "doctor"
	RoleAdmin   = "admin"
)

type JWTConfig struct {
	Issuer     string
	SigningKey []byte
	// Revoker, when set, rejects access tokens whose jti has been revoked.
	Revoker Revoker
	// Skipper bypasses authentication for matching requests.
	Skipper func(c echo.Context) bool
	// ActiveCheck, when set, is consulted on write requests so a deactivated
	// user cannot keep writing with an access token issued before.
	ActiveCheck func(ctx context.Context, userID string) (bool, error)
}

func isWrite(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims, err := parseToken(parts[1], cfg.SigningKey, cfg.Issuer, TokenTypeAccess)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			ctx := c.Request().Context()
			if cfg.Revoker != nil && claims.ID != "" {
				revoked, err := cfg.Revoker.IsRevoked(ctx, claims.ID)
				if err != nil {
					log.Ctx(ctx).Error().Err(err).Msg("revocation lookup failed")
					return echo.NewHTTPError(http.StatusServiceUnavailable, "authentication unavailable")
				}
				if revoked {
					return echo.NewHTTPError(http.StatusUnauthorized, "token revoked")
				}
			}

			if cfg.ActiveCheck != nil && isWrite(c.Request().Method) {
				active, err := cfg.ActiveCheck(ctx, claims.Subject)
				if err != nil {
					log.Ctx(ctx).Error().Err(err).Msg("account status lookup failed")
					return echo.NewHTTPError(http.StatusServiceUnavailable, "authentication unavailable")
				}
				if !active {
					return echo.NewHTTPError(http.StatusUnauthorized, "account is deactivated")
				}
			}

			ctx = WithIdentity(ctx, claims.Subject, claims.Role)
			ctx = context.WithValue(ctx, TokenIDKey, claims.ID)
			c.SetRequest(c.Request().WithContext(ctx))

			return next(c)
		}
	}
}

// WithIdentity stores the caller's user id and role in ctx.
func WithIdentity(ctx context.Context, userID, role string) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, userID)
	return context.WithValue(ctx, UserRoleKey, role)
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RoleFromContext(ctx context.Context) string {
	role, _ := ctx.Value(UserRoleKey).(string)
	return role
}

func TokenIDFromContext(ctx context.Context) string {
	jti, _ := ctx.Value(TokenIDKey).(string)
	return jti
}

// Caller is the authenticated principal passed from handlers to services.
type Caller struct {
	ID   uuid.UUID
	Role string
}

func (c Caller) Is(role string) bool { return c.Role == role }

// CallerFromContext returns the caller stored by JWTMiddleware. ok is false
// when the request is unauthenticated or the subject is not a uuid.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	id, err := uuid.Parse(UserIDFromContext(ctx))
	if err != nil {
		return Caller{}, false
	}
	return Caller{ID: id, Role: RoleFromContext(ctx)}, true
}

// CallerFrom is CallerFromContext for echo handlers. It returns a 401 error
// when no identity is present.
func CallerFrom(c echo.Context) (Caller, error) {
	caller, ok := CallerFromContext(c.Request().Context())
	if !ok {
		return Caller{}, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return caller, nil
}
