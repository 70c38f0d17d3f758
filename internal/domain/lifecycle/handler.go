package lifecycle

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/patientcore/internal/platform/auth"
	"github.com/ehr/patientcore/internal/platform/hipaa"
	"github.com/ehr/patientcore/pkg/pagination"
)

type Handler struct {
	tracker *Tracker
}

func NewHandler(tracker *Tracker) *Handler {
	return &Handler{tracker: tracker}
}

func (h *Handler) RegisterRoutes(api *echo.Group, guard hipaa.GuardFunc) {
	readers := auth.ClinicalRoles
	writers := []string{auth.RolePhysician, auth.RoleNurse, auth.RoleRegistrar}

	api.POST("/patients", h.RegisterPatient, guard(hipaa.OpCreate, hipaa.DataPatientData, auth.RoleRegistrar))
	api.GET("/patients", h.ListPatients, guard(hipaa.OpSearch, hipaa.DataPatientStatus, readers...))
	api.GET("/patients/:id/status", h.GetStatus, guard(hipaa.OpRead, hipaa.DataPatientStatus, readers...))
	api.POST("/patients/:id/status", h.ChangeStatus, guard(hipaa.OpUpdate, hipaa.DataPatientStatus, writers...))
	api.GET("/patients/:id/status/history", h.GetHistory, guard(hipaa.OpRead, hipaa.DataPatientStatus, readers...))
}

type registerRequest struct {
	MRN    string `json:"mrn"`
	Status string `json:"status,omitempty"`
}

type changeStatusRequest struct {
	NewStatus string `json:"new_status"`
	Reason    string `json:"reason,omitempty"`
}

type historyResponse struct {
	PatientID   uuid.UUID           `json:"patient_id"`
	Transitions []*StatusTransition `json:"transitions"`
	Count       int                 `json:"count"`
}

// httpError maps lifecycle and audit errors onto HTTP status codes.
func httpError(err error) error {
	var invalid *InvalidTransitionError
	var reason *ReasonRequiredError
	switch {
	case errors.Is(err, ErrPatientNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "patient not found")
	case errors.As(err, &invalid):
		return echo.NewHTTPError(http.StatusConflict, map[string]any{
			"error": invalid.Error(),
			"from":  invalid.From,
			"to":    invalid.To,
		})
	case errors.As(err, &reason):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, map[string]any{
			"error": reason.Error(),
			"from":  reason.From,
			"to":    reason.To,
		})
	case errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrActorRequired):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrConcurrentModification):
		return echo.NewHTTPError(http.StatusConflict, "patient status was modified concurrently; re-read and retry")
	case errors.Is(err, ErrDuplicateMRN), errors.Is(err, ErrPatientExists):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, hipaa.ErrAuditWriteFailure):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "change could not be audited and was not applied")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func parsePatientID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	return id, nil
}

func (h *Handler) RegisterPatient(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Status != "" && Status(req.Status) != StatusNew {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "patients are registered in status new")
	}
	ctx := c.Request().Context()
	p, err := h.tracker.RegisterPatient(ctx, req.MRN, auth.UserIDFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) ListPatients(c echo.Context) error {
	pg := pagination.FromContext(c)
	patients, total, err := h.tracker.ListPatients(c.Request().Context(), Status(c.QueryParam("status")), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if patients == nil {
		patients = []*Patient{}
	}
	resp := pagination.NewResponse(patients, total, pg.Limit, pg.Offset).
		WithLinks(c.Request().URL.Path, c.QueryParams())
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetStatus(c echo.Context) error {
	id, err := parsePatientID(c)
	if err != nil {
		return err
	}
	view, err := h.tracker.GetPatientStatus(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) ChangeStatus(c echo.Context) error {
	id, err := parsePatientID(c)
	if err != nil {
		return err
	}
	var req changeStatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.NewStatus == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "new_status is required")
	}

	ac := hipaa.RequestAccessContext(c)
	tr, err := h.tracker.ChangeStatus(c.Request().Context(), ChangeRequest{
		PatientID: id,
		NewStatus: Status(req.NewStatus),
		Reason:    req.Reason,
		Actor:     auth.UserIDFromContext(c.Request().Context()),
		RequestID: ac.RequestID,
		IPAddress: ac.IPAddress,
		UserAgent: ac.UserAgent,
		SessionID: ac.SessionID,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, tr)
}

func (h *Handler) GetHistory(c echo.Context) error {
	id, err := parsePatientID(c)
	if err != nil {
		return err
	}
	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
	}
	transitions, err := h.tracker.GetPatientStatusHistory(c.Request().Context(), id, limit)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, historyResponse{PatientID: id, Transitions: transitions, Count: len(transitions)})
}
