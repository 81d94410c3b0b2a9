package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

type contextKey string

const sessionKey contextKey = "patient_session"

// RequireLevel returns middleware enforcing a minimum session level on
// every route it wraps. It is the single enforcement point: handlers
// behind it can trust the claims found in the request context.
//
// Failure bodies follow the fixed shapes clients rely on:
//
//	401 {"error":"unauthorized"}        missing/malformed header
//	401 {"error":"invalid_token"}       signature or expiry failure
//	403 {"error":"insufficient_level",  level below the route's minimum,
//	     "currentLevel":n,"requiredLevel":m,"elevation":{...}}
//
// A level-4 credential's action scope is guaranteed well-formed here;
// matching it against the specific operation stays with the handler,
// which alone knows the operation it implements.
func RequireLevel(issuer *SessionIssuer, minLevel int) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return c.JSON(http.StatusUnauthorized, map[string]interface{}{
					"error": "unauthorized",
				})
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				return c.JSON(http.StatusUnauthorized, map[string]interface{}{
					"error": "unauthorized",
				})
			}

			claims, err := issuer.Verify(parts[1])
			if err != nil {
				return c.JSON(http.StatusUnauthorized, map[string]interface{}{
					"error": "invalid_token",
				})
			}

			if claims.Level < minLevel {
				return c.JSON(http.StatusForbidden, map[string]interface{}{
					"error":         "insufficient_level",
					"currentLevel":  claims.Level,
					"requiredLevel": minLevel,
					"elevation":     HintForLevel(minLevel),
				})
			}

			ctx := context.WithValue(c.Request().Context(), sessionKey, claims)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// SessionFromContext returns the verified session claims placed in the
// request context by RequireLevel, or nil when the route is unprotected.
func SessionFromContext(ctx context.Context) *SessionClaims {
	claims, _ := ctx.Value(sessionKey).(*SessionClaims)
	return claims
}

// RequireAction wraps RequireLevel for routes guarded by a level-4
// action token and additionally matches the token's scope against the
// named action.
func RequireAction(issuer *SessionIssuer, action Action) echo.MiddlewareFunc {
	requireLevel := RequireLevel(issuer, LevelAction)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return requireLevel(func(c echo.Context) error {
			claims := SessionFromContext(c.Request().Context())
			if claims.ActionScope != string(action) {
				return c.JSON(http.StatusForbidden, map[string]interface{}{
					"error":         "insufficient_level",
					"currentLevel":  claims.Level,
					"requiredLevel": LevelAction,
					"elevation":     HintForLevel(LevelAction),
				})
			}
			return next(c)
		})
	}
}
