package middleware

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/patientcore/internal/platform/auth"
	"github.com/ehr/patientcore/internal/platform/hipaa"
)

// AccessRecorder persists access attempts. *hipaa.AccessLogger satisfies it.
type AccessRecorder interface {
	LogAccess(ctx context.Context, a hipaa.AccessAttempt) (*hipaa.AuditLogEntry, error)
}

// AccessRule describes what a route touches and who may touch it.
type AccessRule struct {
	Operation string
	DataType  string
	// Roles admitted to the route; admin is always admitted.
	Roles []string
	// Subject extracts the accessed subject; defaults to extractSubject.
	Subject func(echo.Context) string
}

// Access decides the request by role, records the attempt, and only then
// lets a granted request reach the handler. Exactly one audit entry is
// written per request. If it cannot be written the request fails with 503.
func Access(recorder AccessRecorder, rule AccessRule) echo.MiddlewareFunc {
	subject := rule.Subject
	if subject == nil {
		subject = extractSubject
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()

			actor := auth.UserIDFromContext(ctx)
			result := hipaa.AccessDenied
			if actor != "" && auth.HasAnyRole(ctx, rule.Roles...) {
				result = hipaa.AccessGranted
			}
			if actor == "" {
				actor = "anonymous"
			}

			_, err := recorder.LogAccess(ctx, hipaa.AccessAttempt{
				Actor:     actor,
				Subject:   subject(c),
				Operation: rule.Operation,
				DataType:  rule.DataType,
				Result:    result,
				Context:   hipaa.RequestAccessContext(c),
			})
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "access could not be audited")
			}

			if result == hipaa.AccessDenied {
				return echo.NewHTTPError(http.StatusForbidden, "access denied")
			}
			return next(c)
		}
	}
}

// Guard returns a hipaa.GuardFunc building Access rules on recorder.
func Guard(recorder AccessRecorder) hipaa.GuardFunc {
	return func(operation, dataType string, roles ...string) echo.MiddlewareFunc {
		return Access(recorder, AccessRule{Operation: operation, DataType: dataType, Roles: roles})
	}
}

// extractSubject uses the :id path parameter, then the patient_id query
// parameter, and finally "*" for collection-level access.
func extractSubject(c echo.Context) string {
	if id := c.Param("id"); id != "" {
		return id
	}
	if pid := c.QueryParam("patient_id"); pid != "" {
		return pid
	}
	return "*"
}
