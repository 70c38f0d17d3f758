package hipaa

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/patientcore/internal/platform/auth"
	"github.com/ehr/patientcore/internal/platform/telemetry"
)

// GuardFunc wraps a route so that every request to it is access-logged and
// checked against roles.
type GuardFunc func(operation, dataType string, roles ...string) echo.MiddlewareFunc

// RequestAccessContext collects request metadata for an audit entry.
func RequestAccessContext(c echo.Context) *AccessContext {
	req := c.Request()
	rid, _ := c.Get("request_id").(string)
	if rid == "" {
		rid = c.Response().Header().Get("X-Request-ID")
	}
	return &AccessContext{
		RequestID: rid,
		IPAddress: c.RealIP(),
		UserAgent: req.UserAgent(),
		SessionID: auth.SessionIDFromContext(req.Context()),
	}
}

// AuditHandler serves audit trail queries, verification and exports.
type AuditHandler struct {
	store   AuditStore
	access  *AccessLogger
	metrics *telemetry.Metrics
	logger  zerolog.Logger
}

// NewAuditHandler creates an AuditHandler. access records the refused
// modification and deletion attempts.
func NewAuditHandler(store AuditStore, access *AccessLogger, metrics *telemetry.Metrics, logger zerolog.Logger) *AuditHandler {
	return &AuditHandler{
		store:   store,
		access:  access,
		metrics: metrics,
		logger:  logger.With().Str("component", "audit-handler").Logger(),
	}
}

// RegisterRoutes registers the audit routes on g.
func (h *AuditHandler) RegisterRoutes(g *echo.Group, guard GuardFunc) {
	readers := []string{auth.RoleAuditor}

	g.GET("/audit/entries", h.HandleSearch, guard(OpSearch, DataAuditLog, readers...))
	g.GET("/audit/entries/:id", h.HandleGet, guard(OpRead, DataAuditLog, readers...))
	g.GET("/audit/entries/:id/verify", h.HandleVerify, guard(OpVerify, DataAuditLog, readers...))
	g.GET("/audit/integrity", h.HandleVerifyAll, guard(OpVerify, DataAuditLog, readers...))
	g.GET("/audit/export/csv", h.HandleExportCSV, guard(OpExport, DataAuditLog, readers...))
	g.GET("/audit/export/json", h.HandleExportJSON, guard(OpExport, DataAuditLog, readers...))
	g.GET("/audit/summary", h.HandleSummary, guard(OpRead, DataAuditLog, readers...))

	// Always refused; the handlers log the denied attempt themselves.
	g.PUT("/audit/entries/:id", h.HandleModify)
	g.DELETE("/audit/entries/:id", h.HandleDelete)
}

// ParseAuditFilter extracts an AuditFilter from query parameters.
func ParseAuditFilter(c echo.Context) (AuditFilter, error) {
	f := AuditFilter{
		Actor:        c.QueryParam("actor_id"),
		Subject:      c.QueryParam("patient_id"),
		Operation:    c.QueryParam("operation"),
		DataType:     c.QueryParam("data_type"),
		AccessResult: AccessResult(c.QueryParam("access_result")),
		SortOrder:    c.QueryParam("sort_order"),
	}
	if f.AccessResult != "" && !f.AccessResult.Valid() {
		return f, fmt.Errorf("invalid access_result %q", f.AccessResult)
	}

	for name, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		if v := c.QueryParam(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return f, fmt.Errorf("invalid %s %q", name, v)
			}
			*dst = n
		}
	}
	for name, dst := range map[string]**time.Time{"from_date": &f.From, "to_date": &f.To} {
		if v := c.QueryParam(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return f, fmt.Errorf("invalid %s %q: expected RFC3339", name, v)
			}
			*dst = &t
		}
	}
	return f, nil
}

func parseEntryID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid audit entry id")
	}
	return id, nil
}

func (h *AuditHandler) HandleSearch(c echo.Context) error {
	filter, err := ParseAuditFilter(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	page, err := h.store.Search(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, page)
}

func (h *AuditHandler) HandleGet(c echo.Context) error {
	id, err := parseEntryID(c)
	if err != nil {
		return err
	}
	entry, err := h.store.Get(c.Request().Context(), id)
	if errors.Is(err, ErrEntryNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "audit entry not found")
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, entry)
}

// HandleVerify reports integrity; a mismatch is a 200 with valid=false.
func (h *AuditHandler) HandleVerify(c echo.Context) error {
	id, err := parseEntryID(c)
	if err != nil {
		return err
	}
	report, err := h.store.VerifyIntegrity(c.Request().Context(), id)
	var violation *IntegrityViolationError
	switch {
	case errors.As(err, &violation):
		h.metrics.AddIntegrityViolations(1)
		h.logger.Error().Str("audit_id", id.String()).
			Str("stored", violation.Stored).
			Str("computed", violation.Computed).
			Msg("audit entry failed integrity verification")
	case errors.Is(err, ErrEntryNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "audit entry not found")
	case err != nil:
		return err
	}
	return c.JSON(http.StatusOK, report)
}

func (h *AuditHandler) HandleVerifyAll(c echo.Context) error {
	sweep, err := h.store.VerifyAll(c.Request().Context())
	if err != nil {
		return err
	}
	if n := len(sweep.Violations); n > 0 {
		h.metrics.AddIntegrityViolations(n)
		h.logger.Error().Int("violations", n).Int("checked", sweep.Checked).Msg("audit integrity sweep found violations")
	}
	return c.JSON(http.StatusOK, sweep)
}

func (h *AuditHandler) HandleModify(c echo.Context) error {
	return h.refuse(c, OpUpdate)
}

func (h *AuditHandler) HandleDelete(c echo.Context) error {
	return h.refuse(c, OpDelete)
}

// refuse runs the store's modify/delete check, logs the denied attempt and
// maps the outcome to a response.
func (h *AuditHandler) refuse(c echo.Context, op string) error {
	id, err := parseEntryID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()

	var changes map[string]any
	if op == OpUpdate {
		if bindErr := c.Bind(&changes); bindErr != nil {
			h.logger.Warn().Err(bindErr).Str("entry_id", id.String()).Msg("unreadable audit modification body")
		}
		err = h.store.AttemptModify(ctx, id, changes)
	} else {
		err = h.store.AttemptDelete(ctx, id)
	}

	actor := auth.UserIDFromContext(ctx)
	if actor == "" {
		actor = "anonymous"
	}
	if _, logErr := h.access.LogAccess(ctx, AccessAttempt{
		Actor:     actor,
		Subject:   id.String(),
		Operation: op,
		DataType:  DataAuditLog,
		Result:    AccessDenied,
		Context:   RequestAccessContext(c),
	}); logErr != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "access could not be audited")
	}

	var protected *ProtectedEntryError
	switch {
	case errors.As(err, &protected):
		return c.JSON(http.StatusForbidden, map[string]any{
			"error":           "audit entry is protected",
			"reason":          protected.Reason,
			"protected_until": protected.ProtectedUntil,
		})
	case errors.Is(err, ErrEntryNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "audit entry not found")
	case err != nil:
		return err
	}
	// Stores never permit the change.
	return echo.NewHTTPError(http.StatusForbidden, "audit entries are immutable")
}

func (h *AuditHandler) HandleExportCSV(c echo.Context) error {
	filter, err := ParseAuditFilter(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	var buf bytes.Buffer
	if err := ExportCSV(c.Request().Context(), h.store, filter, &buf); err != nil {
		h.logger.Error().Err(err).Msg("audit csv export failed")
		return err
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, exportDisposition("csv"))
	return c.Blob(http.StatusOK, "text/csv", buf.Bytes())
}

func (h *AuditHandler) HandleExportJSON(c echo.Context) error {
	filter, err := ParseAuditFilter(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	var buf bytes.Buffer
	if err := ExportJSON(c.Request().Context(), h.store, filter, &buf); err != nil {
		h.logger.Error().Err(err).Msg("audit json export failed")
		return err
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, exportDisposition("json"))
	return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, buf.Bytes())
}

// exportDisposition names the download after the export time.
func exportDisposition(ext string) string {
	return fmt.Sprintf("attachment; filename=\"audit_export_%s.%s\"", time.Now().UTC().Format("20060102_150405"), ext)
}

func (h *AuditHandler) HandleSummary(c echo.Context) error {
	filter, err := ParseAuditFilter(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	summary, err := Summarize(c.Request().Context(), h.store, filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, summary)
}

// RetentionHandler provides the admin retention endpoints.
type RetentionHandler struct {
	manager *RetentionManager
}

// NewRetentionHandler creates a new handler backed by the given retention manager.
func NewRetentionHandler(manager *RetentionManager) *RetentionHandler {
	return &RetentionHandler{manager: manager}
}

// RegisterRoutes registers admin-only retention routes on g.
func (h *RetentionHandler) RegisterRoutes(g *echo.Group, guard GuardFunc) {
	g.POST("/admin/retention/purge", h.HandlePurge, guard(OpPurge, DataAuditLog, auth.RoleAdmin))
	g.GET("/admin/retention-policies", h.HandleListPolicies, guard(OpRead, DataAuditLog, auth.RoleAdmin))
	g.GET("/admin/retention-policies/:resourceType", h.HandleGetPolicy, guard(OpRead, DataAuditLog, auth.RoleAdmin))
}

// HandlePurge handles POST /api/v1/admin/retention/purge.
func (h *RetentionHandler) HandlePurge(c echo.Context) error {
	now := h.manager.now()
	purged, err := h.manager.Purge(c.Request().Context(), now)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"purged":         purged,
		"cutoff":         h.manager.Cutoff(now),
		"retention_days": h.manager.Days(),
	})
}

// HandleListPolicies handles GET /api/v1/admin/retention-policies.
func (h *RetentionHandler) HandleListPolicies(c echo.Context) error {
	policies := h.manager.GetAllPolicies()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"policies": policies,
		"total":    len(policies),
	})
}

// HandleGetPolicy handles GET /api/v1/admin/retention-policies/:resourceType.
// With ?created_at=<RFC3339> it also reports the retention state of a
// resource created at that time.
func (h *RetentionHandler) HandleGetPolicy(c echo.Context) error {
	resourceType := c.Param("resourceType")
	policy := h.manager.GetPolicy(resourceType)
	if policy == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no retention policy found for resource type: "+resourceType)
	}

	raw := c.QueryParam("created_at")
	if raw == "" {
		return c.JSON(http.StatusOK, policy)
	}
	createdAt, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "created_at must be RFC3339")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"policy": policy,
		"status": h.manager.CheckRetention(resourceType, createdAt),
	})
}
