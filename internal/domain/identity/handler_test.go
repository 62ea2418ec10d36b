package identity

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/clinic/clinic/internal/platform/auth"
)

func newTestHandler(t *testing.T) (*Handler, *testEnv, *echo.Echo) {
	t.Helper()
	env := newTestEnv(t)
	return NewHandler(env.svc), env, echo.New()
}

func jsonRequest(method, body string) *http.Request {
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

func asUser(req *http.Request, u *User) *http.Request {
	return req.WithContext(auth.WithIdentity(req.Context(), u.ID.String(), u.Role))
}

func expectHTTPStatus(t *testing.T, err error, code int) {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError %d, got %v", code, err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d (%v)", code, httpErr.Code, httpErr.Message)
	}
}

func TestHandler_Register(t *testing.T) {
	h, _, e := newTestHandler(t)
	body := `{"email":"new@example.com","full_name":"New User","password":"s3cret-pass","role":"patient"}`
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, body), rec)

	if err := h.Register(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "password") {
		t.Error("response must not contain the password hash")
	}
}

func TestHandler_Register_AdminIsBadRequest(t *testing.T) {
	h, _, e := newTestHandler(t)
	body := `{"email":"root@example.com","full_name":"Root","password":"s3cret-pass","role":"admin"}`
	c := e.NewContext(jsonRequest(http.MethodPost, body), httptest.NewRecorder())

	expectHTTPStatus(t, h.Register(c), http.StatusBadRequest)
}

func TestHandler_Register_Duplicate(t *testing.T) {
	h, env, e := newTestHandler(t)
	env.register(t, "dup@example.com", "Dup", auth.RolePatient)
	body := `{"email":"dup@example.com","full_name":"Dup","password":"s3cret-pass","role":"patient"}`
	c := e.NewContext(jsonRequest(http.MethodPost, body), httptest.NewRecorder())

	expectHTTPStatus(t, h.Register(c), http.StatusConflict)
}

func TestHandler_LoginAndRefresh(t *testing.T) {
	h, env, e := newTestHandler(t)
	env.register(t, "log@example.com", "Log", auth.RoleDoctor)

	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, `{"email":"log@example.com","password":"s3cret-pass"}`), rec)
	if err := h.Login(c); err != nil {
		t.Fatalf("login: %v", err)
	}
	var pair auth.TokenPair
	if err := json.Unmarshal(rec.Body.Bytes(), &pair); err != nil {
		t.Fatalf("decode: %v", err)
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(jsonRequest(http.MethodPost, `{"refresh_token":"`+pair.RefreshToken+`"}`), rec)
	if err := h.Refresh(c); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	c = e.NewContext(jsonRequest(http.MethodPost, `{"refresh_token":"`+pair.RefreshToken+`"}`), httptest.NewRecorder())
	expectHTTPStatus(t, h.Refresh(c), http.StatusUnauthorized)
}

func TestHandler_Login_WrongPassword(t *testing.T) {
	h, env, e := newTestHandler(t)
	env.register(t, "wp@example.com", "WP", auth.RolePatient)
	c := e.NewContext(jsonRequest(http.MethodPost, `{"email":"wp@example.com","password":"nope-nope"}`), httptest.NewRecorder())

	expectHTTPStatus(t, h.Login(c), http.StatusUnauthorized)
}

func TestHandler_Logout_MissingToken(t *testing.T) {
	h, _, e := newTestHandler(t)
	c := e.NewContext(jsonRequest(http.MethodPost, `{}`), httptest.NewRecorder())

	expectHTTPStatus(t, h.Logout(c), http.StatusBadRequest)
}

func TestHandler_GetMe(t *testing.T) {
	h, env, e := newTestHandler(t)
	u := env.register(t, "me@example.com", "Me", auth.RolePatient)

	rec := httptest.NewRecorder()
	c := e.NewContext(asUser(httptest.NewRequest(http.MethodGet, "/", nil), u), rec)
	if err := h.GetMe(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got User
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.ID != u.ID {
		t.Errorf("expected %s, got %s", u.ID, got.ID)
	}

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	expectHTTPStatus(t, h.GetMe(c), http.StatusUnauthorized)
}

func TestHandler_UpdateMe_IgnoresRole(t *testing.T) {
	h, env, e := newTestHandler(t)
	u := env.register(t, "role@example.com", "Role", auth.RolePatient)

	rec := httptest.NewRecorder()
	req := asUser(jsonRequest(http.MethodPut, `{"full_name":"Renamed","role":"admin"}`), u)
	c := e.NewContext(req, rec)
	if err := h.UpdateMe(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.users.users[u.ID].Role != auth.RolePatient {
		t.Error("role must not change through /me")
	}
}

func TestHandler_GetDoctor_InvalidID(t *testing.T) {
	h, _, e := newTestHandler(t)
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")

	expectHTTPStatus(t, h.GetDoctor(c), http.StatusBadRequest)
}

func TestHandler_SearchDoctors(t *testing.T) {
	h, env, e := newTestHandler(t)
	doc := env.register(t, "sd@example.com", "Sam Bones", auth.RoleDoctor)
	env.svc.UpsertDoctorProfile(t.Context(), callerOf(doc), DoctorProfileInput{Specialty: "Orthopedics"})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/doctors/search?specialty=orthopedics&limit=5", nil)
	c := e.NewContext(req, rec)
	if err := h.SearchDoctors(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Data  []Doctor `json:"data"`
		Total int      `json:"total"`
		Limit int      `json:"limit"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Total != 1 || body.Limit != 5 || body.Data[0].ID != doc.ID {
		t.Errorf("unexpected search response %s", rec.Body.String())
	}
}

func TestHandler_SetUserActive(t *testing.T) {
	h, env, e := newTestHandler(t)
	u := env.register(t, "sa@example.com", "SA", auth.RolePatient)

	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPut, `{"active":false}`), rec)
	c.SetParamNames("id")
	c.SetParamValues(u.ID.String())
	if err := h.SetUserActive(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.users.users[u.ID].IsActive {
		t.Error("expected user to be deactivated")
	}

	c = e.NewContext(jsonRequest(http.MethodPut, `{}`), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(u.ID.String())
	expectHTTPStatus(t, h.SetUserActive(c), http.StatusBadRequest)
}

func TestRoutes_RoleGroups(t *testing.T) {
	h, env, e := newTestHandler(t)
	h.RegisterRoutes(e.Group("/api/v1"))
	patient := env.register(t, "rg@example.com", "RG", auth.RolePatient)

	tests := []struct {
		method, path string
		want         int
	}{
		{http.MethodPut, "/api/v1/doctors/me", http.StatusForbidden},
		{http.MethodGet, "/api/v1/admin/users", http.StatusForbidden},
		{http.MethodGet, "/api/v1/patients/me", http.StatusNotFound},
	}
	for _, tt := range tests {
		req := asUser(jsonRequest(tt.method, `{}`), patient)
		req.URL.Path = tt.path
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != tt.want {
			t.Errorf("%s %s: expected %d, got %d", tt.method, tt.path, tt.want, rec.Code)
		}
	}
}
