package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/patientcore/internal/platform/auth"
	"github.com/ehr/patientcore/internal/platform/hipaa"
)

func TestRequestID_GeneratesNew(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		rid := c.Get("request_id").(string)
		if rid == "" {
			t.Error("expected request_id to be generated")
		}
		return c.String(http.StatusOK, "ok")
	}

	mw := RequestID()
	h := mw(handler)
	err := h(c)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("expected X-Request-ID response header")
	}
}

func TestRequestID_PreservesExisting(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "my-custom-id")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		rid := c.Get("request_id").(string)
		if rid != "my-custom-id" {
			t.Errorf("expected my-custom-id, got %s", rid)
		}
		return c.String(http.StatusOK, "ok")
	}

	mw := RequestID()
	h := mw(handler)
	h(c)

	if rec.Header().Get(RequestIDHeader) != "my-custom-id" {
		t.Errorf("expected my-custom-id in response header, got %s", rec.Header().Get(RequestIDHeader))
	}
}

func TestLogger_LogsRequest(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), "dr-a", nil, ""))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set("request_id", "req-123")

	handler := func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}

	mw := Logger(logger)
	h := mw(handler)
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected one JSON log line, got %q", buf.String())
	}
	if line["level"] != "info" || line["request_id"] != "req-123" || line["user_id"] != "dr-a" || line["status"] != float64(200) {
		t.Errorf("unexpected log line: %v", line)
	}
}

func TestLogger_LevelByStatus(t *testing.T) {
	tests := []struct {
		err   error
		level string
	}{
		{echo.NewHTTPError(http.StatusNotFound, "missing"), "warn"},
		{echo.NewHTTPError(http.StatusServiceUnavailable, "down"), "error"},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		e := echo.New()
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())

		h := Logger(zerolog.New(&buf))(func(echo.Context) error { return tt.err })
		_ = h(c)

		if !strings.Contains(buf.String(), `"level":"`+tt.level+`"`) {
			t.Errorf("expected level %s, got %s", tt.level, buf.String())
		}
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	logger := zerolog.New(os.Stderr).With().Logger()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		panic("test panic")
	}

	mw := Recovery(logger)
	h := mw(handler)
	err := h(c)

	if err == nil {
		t.Fatal("expected error from recovered panic")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", httpErr.Code)
	}
}

func TestRecovery_PassesThrough(t *testing.T) {
	logger := zerolog.New(os.Stderr).With().Logger()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}

	mw := Recovery(logger)
	h := mw(handler)
	err := h(c)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// recorder captures access attempts.
type recorder struct {
	attempts []hipaa.AccessAttempt
	err      error
}

func (r *recorder) LogAccess(_ context.Context, a hipaa.AccessAttempt) (*hipaa.AuditLogEntry, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.attempts = append(r.attempts, a)
	return &hipaa.AuditLogEntry{Actor: a.Actor, AccessResult: a.Result}, nil
}

func serveGuarded(t *testing.T, rec AccessRecorder, rule AccessRule, userID string, roles []string, target string) (*httptest.ResponseRecorder, bool) {
	t.Helper()
	called := false
	e := echo.New()
	e.Use(RequestID())
	e.GET("/patients/:id/status", func(c echo.Context) error {
		called = true
		return c.String(http.StatusOK, "ok")
	}, Access(rec, rule))

	req := httptest.NewRequest(http.MethodGet, target, nil)
	if userID != "" {
		req = req.WithContext(auth.WithIdentity(req.Context(), userID, roles, "sess-9"))
	}
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)
	return w, called
}

func TestAccess_Granted(t *testing.T) {
	r := &recorder{}
	rule := AccessRule{Operation: hipaa.OpRead, DataType: hipaa.DataPatientStatus, Roles: []string{auth.RoleNurse}}
	w, called := serveGuarded(t, r, rule, "nurse-b", []string{auth.RoleNurse}, "/patients/p-1/status")

	if w.Code != http.StatusOK || !called {
		t.Fatalf("expected handler to run, got %d called=%v", w.Code, called)
	}
	if len(r.attempts) != 1 {
		t.Fatalf("expected exactly one attempt, got %d", len(r.attempts))
	}
	a := r.attempts[0]
	if a.Result != hipaa.AccessGranted || a.Actor != "nurse-b" || a.Subject != "p-1" ||
		a.Operation != hipaa.OpRead || a.DataType != hipaa.DataPatientStatus {
		t.Errorf("unexpected attempt: %+v", a)
	}
	if a.Context == nil || a.Context.RequestID == "" || a.Context.SessionID != "sess-9" {
		t.Errorf("expected request context, got %+v", a.Context)
	}
}

func TestAccess_AdminBypass(t *testing.T) {
	r := &recorder{}
	rule := AccessRule{Operation: hipaa.OpRead, DataType: hipaa.DataPatientStatus, Roles: []string{auth.RoleNurse}}
	w, called := serveGuarded(t, r, rule, "root", []string{auth.RoleAdmin}, "/patients/p-1/status")
	if w.Code != http.StatusOK || !called || r.attempts[0].Result != hipaa.AccessGranted {
		t.Errorf("expected admin to be granted, got %d", w.Code)
	}
}

func TestAccess_Denied(t *testing.T) {
	tests := []struct {
		name   string
		userID string
		roles  []string
		actor  string
	}{
		{"wrong role", "clerk-c", []string{auth.RoleRegistrar}, "clerk-c"},
		{"anonymous", "", nil, "anonymous"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &recorder{}
			rule := AccessRule{Operation: hipaa.OpStatusChange, DataType: hipaa.DataPatientStatus, Roles: []string{auth.RolePhysician}}
			w, called := serveGuarded(t, r, rule, tt.userID, tt.roles, "/patients/p-2/status")

			if w.Code != http.StatusForbidden || called {
				t.Fatalf("expected 403 without reaching handler, got %d called=%v", w.Code, called)
			}
			if len(r.attempts) != 1 || r.attempts[0].Result != hipaa.AccessDenied || r.attempts[0].Actor != tt.actor {
				t.Errorf("expected one denied attempt by %s, got %+v", tt.actor, r.attempts)
			}
		})
	}
}

func TestAccess_RecorderFailure(t *testing.T) {
	r := &recorder{err: errors.New("audit store down")}
	rule := AccessRule{Operation: hipaa.OpRead, DataType: hipaa.DataPatientStatus}
	w, called := serveGuarded(t, r, rule, "nurse-b", []string{auth.RoleNurse}, "/patients/p-1/status")
	if w.Code != http.StatusServiceUnavailable || called {
		t.Errorf("expected 503 without reaching handler, got %d called=%v", w.Code, called)
	}
}

func TestAccess_WithAccessLogger(t *testing.T) {
	store := hipaa.NewMemoryAuditStore()
	logger := hipaa.NewAccessLogger(store, zerolog.Nop())
	guard := Guard(logger)

	e := echo.New()
	e.GET("/audit/entries", func(c echo.Context) error { return c.NoContent(http.StatusOK) },
		guard(hipaa.OpSearch, hipaa.DataAuditLog, auth.RoleAuditor))

	req := httptest.NewRequest(http.MethodGet, "/audit/entries?patient_id=p-7", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), "aud-1", []string{auth.RoleAuditor}, ""))
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	page, _ := store.Search(context.Background(), hipaa.AuditFilter{Subject: "p-7"})
	if page.Total != 1 || page.Entries[0].Operation != hipaa.OpSearch {
		t.Errorf("expected one search entry for p-7, got %+v", page.Entries)
	}
}

func TestExtractSubject(t *testing.T) {
	e := echo.New()

	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/?patient_id=q-1", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("p-1")
	if got := extractSubject(c); got != "p-1" {
		t.Errorf("expected path id, got %s", got)
	}

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/?patient_id=q-1", nil), httptest.NewRecorder())
	if got := extractSubject(c); got != "q-1" {
		t.Errorf("expected query patient_id, got %s", got)
	}

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	if got := extractSubject(c); got != "*" {
		t.Errorf("expected wildcard, got %s", got)
	}
}
