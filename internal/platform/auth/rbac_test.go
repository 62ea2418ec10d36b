package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func runWithRole(t *testing.T, role string, allowed ...string) (*httptest.ResponseRecorder, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if role != "" {
		req = req.WithContext(WithIdentity(req.Context(), "user-1", role))
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}
	return rec, RequireRole(allowed...)(handler)(c)
}

func TestRequireRole_Allowed(t *testing.T) {
	rec, err := runWithRole(t, RoleDoctor, RoleDoctor, RolePatient)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRequireRole_Denied(t *testing.T) {
	_, err := runWithRole(t, RolePatient, RoleDoctor)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", httpErr.Code)
	}
}

func TestRequireRole_AdminNotImplied(t *testing.T) {
	_, err := runWithRole(t, RoleAdmin, RolePatient)
	if err == nil {
		t.Error("expected admin to be rejected from a patient-only route")
	}
}

func TestRequireRole_NoIdentity(t *testing.T) {
	_, err := runWithRole(t, "", RolePatient)
	if err == nil {
		t.Error("expected error without identity")
	}
}

func TestValidRole(t *testing.T) {
	for _, r := range []string{RolePatient, RoleDoctor, RoleAdmin} {
		if !ValidRole(r) {
			t.Errorf("expected %q to be valid", r)
		}
	}
	for _, r := range []string{"", "nurse", "Admin"} {
		if ValidRole(r) {
			t.Errorf("expected %q to be invalid", r)
		}
	}
}

func TestSelfRegisterable(t *testing.T) {
	for role, want := range map[string]bool{RolePatient: true, RoleDoctor: true, RoleAdmin: false, "nurse": false} {
		if got := SelfRegisterable(role); got != want {
			t.Errorf("SelfRegisterable(%q) = %v, want %v", role, got, want)
		}
	}
}
