package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	RoleAdmin     = "admin"
	RolePhysician = "physician"
	RoleNurse     = "nurse"
	RoleRegistrar = "registrar"
	RoleAuditor   = "auditor"
)

// ClinicalRoles may read patient status data.
var ClinicalRoles = []string{RolePhysician, RoleNurse, RoleRegistrar}

// HasAnyRole reports whether the user in ctx holds one of roles. Admin holds
// every role. An empty roles list admits any authenticated user.
func HasAnyRole(ctx context.Context, roles ...string) bool {
	userRoles := RolesFromContext(ctx)
	if len(roles) == 0 {
		return UserIDFromContext(ctx) != ""
	}
	for _, has := range userRoles {
		if has == RoleAdmin {
			return true
		}
		for _, required := range roles {
			if has == required {
				return true
			}
		}
	}
	return false
}

// RequireRole returns middleware that checks if the user has at least one of the specified roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if HasAnyRole(c.Request().Context(), roles...) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}
