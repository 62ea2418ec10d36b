package scheduling

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/clinic/clinic/internal/platform/auth"
)

func newTestHandler() (*Handler, *testEnv, *echo.Echo) {
	env := newTestEnv()
	return NewHandler(env.svc), env, echo.New()
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

func asCaller(req *http.Request, c auth.Caller) *http.Request {
	return req.WithContext(auth.WithIdentity(req.Context(), c.ID.String(), c.Role))
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

func TestHandler_CreateAvailability(t *testing.T) {
	h, env, e := newTestHandler()
	body := `{"date":"2026-03-09","start_time":"09:00","end_time":"12:00"}`
	rec := httptest.NewRecorder()
	c := e.NewContext(asCaller(jsonRequest(http.MethodPost, "/", body), env.doctor), rec)

	if err := h.CreateAvailability(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var got map[string]any
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got["date"] != "2026-03-09" || got["start_time"] != "09:00:00" {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestHandler_CreateAvailability_PatientIsBadRequest(t *testing.T) {
	h, env, e := newTestHandler()
	body := `{"date":"2026-03-09","start_time":"09:00","end_time":"12:00"}`
	c := e.NewContext(asCaller(jsonRequest(http.MethodPost, "/", body), env.patient), httptest.NewRecorder())

	expectHTTPStatus(t, h.CreateAvailability(c), http.StatusBadRequest)
}

func TestHandler_CreateAvailability_Unauthenticated(t *testing.T) {
	h, _, e := newTestHandler()
	c := e.NewContext(jsonRequest(http.MethodPost, "/", `{}`), httptest.NewRecorder())

	expectHTTPStatus(t, h.CreateAvailability(c), http.StatusUnauthorized)
}

func TestHandler_ListAvailability_Filters(t *testing.T) {
	h, env, e := newTestHandler()
	env.addWindow(t, env.doctor, march9, "09:00", "12:00")
	other := env.addUser(auth.RoleDoctor, true)
	env.addWindow(t, other, march9, "09:00", "12:00")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/?doctor_id="+env.doctor.ID.String()+"&date=2026-03-09", nil)
	c := e.NewContext(asCaller(req, env.patient), rec)
	if err := h.ListAvailability(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var page struct {
		Total int `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &page)
	if page.Total != 1 {
		t.Errorf("expected 1 window, got %d", page.Total)
	}

	req = httptest.NewRequest(http.MethodGet, "/?date=09-03-2026", nil)
	c = e.NewContext(asCaller(req, env.patient), httptest.NewRecorder())
	expectHTTPStatus(t, h.ListAvailability(c), http.StatusBadRequest)
}

func TestHandler_UpdateAvailability_Forbidden(t *testing.T) {
	h, env, e := newTestHandler()
	w := env.addWindow(t, env.doctor, march9, "09:00", "12:00")
	other := env.addUser(auth.RoleDoctor, true)

	c := e.NewContext(asCaller(jsonRequest(http.MethodPut, "/", `{"end_time":"13:00"}`), other), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(w.ID.String())
	expectHTTPStatus(t, h.UpdateAvailability(c), http.StatusForbidden)
}

func TestHandler_BookAppointment(t *testing.T) {
	h, env, e := newTestHandler()
	env.addWindow(t, env.doctor, march9, "09:00", "12:00")
	body := `{"doctor_id":"` + env.doctor.ID.String() + `","scheduled_time":"2026-03-09T10:00:00Z","reason":"checkup"}`

	rec := httptest.NewRecorder()
	c := e.NewContext(asCaller(jsonRequest(http.MethodPost, "/", body), env.patient), rec)
	if err := h.BookAppointment(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var a Appointment
	json.Unmarshal(rec.Body.Bytes(), &a)
	if a.Status != StatusPending || a.VisitType != VisitInPerson {
		t.Errorf("unexpected appointment %+v", a)
	}

	// Same slot again.
	c = e.NewContext(asCaller(jsonRequest(http.MethodPost, "/", body), env.addUser(auth.RolePatient, true)), httptest.NewRecorder())
	expectHTTPStatus(t, h.BookAppointment(c), http.StatusConflict)
}

func TestHandler_BookAppointment_OutsideWindow(t *testing.T) {
	h, env, e := newTestHandler()
	env.addWindow(t, env.doctor, march9, "09:00", "12:00")
	body := `{"doctor_id":"` + env.doctor.ID.String() + `","scheduled_time":"2026-03-09T18:00:00Z","reason":"checkup"}`

	c := e.NewContext(asCaller(jsonRequest(http.MethodPost, "/", body), env.patient), httptest.NewRecorder())
	expectHTTPStatus(t, h.BookAppointment(c), http.StatusBadRequest)
}

func TestHandler_GetAppointment_NonParty(t *testing.T) {
	h, env, e := newTestHandler()
	env.addWindow(t, env.doctor, march9, "09:00", "12:00")
	a, _ := env.book(env.doctor, env.patient, at(10, 0))

	c := e.NewContext(asCaller(httptest.NewRequest(http.MethodGet, "/", nil), env.addUser(auth.RolePatient, true)), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(a.ID.String())
	expectHTTPStatus(t, h.GetAppointment(c), http.StatusNotFound)
}

func TestHandler_ListAppointments_InvalidFilter(t *testing.T) {
	h, env, e := newTestHandler()
	req := httptest.NewRequest(http.MethodGet, "/?filter=soon", nil)
	c := e.NewContext(asCaller(req, env.patient), httptest.NewRecorder())

	expectHTTPStatus(t, h.ListAppointments(c), http.StatusBadRequest)
}

func TestHandler_UpdateAppointment_Frozen(t *testing.T) {
	h, env, e := newTestHandler()
	env.addWindow(t, env.doctor, march9, "09:00", "12:00")
	a, _ := env.book(env.doctor, env.patient, at(10, 0))

	update := func(body string) (*httptest.ResponseRecorder, error) {
		rec := httptest.NewRecorder()
		c := e.NewContext(asCaller(jsonRequest(http.MethodPut, "/", body), env.doctor), rec)
		c.SetParamNames("id")
		c.SetParamValues(a.ID.String())
		return rec, h.UpdateAppointment(c)
	}

	rec, err := update(`{"status":"confirmed"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	_, err = update(`{"reason":"changed"}`)
	expectHTTPStatus(t, err, http.StatusBadRequest)
}

func TestHandler_DeleteAppointment(t *testing.T) {
	h, env, e := newTestHandler()
	env.addWindow(t, env.doctor, march9, "09:00", "12:00")
	a, _ := env.book(env.doctor, env.patient, at(10, 0))

	rec := httptest.NewRecorder()
	c := e.NewContext(asCaller(httptest.NewRequest(http.MethodDelete, "/", nil), env.patient), rec)
	c.SetParamNames("id")
	c.SetParamValues(a.ID.String())
	if err := h.DeleteAppointment(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
}

func TestHandler_InvalidID(t *testing.T) {
	h, env, e := newTestHandler()
	c := e.NewContext(asCaller(httptest.NewRequest(http.MethodGet, "/", nil), env.patient), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")

	expectHTTPStatus(t, h.GetAppointment(c), http.StatusBadRequest)
}

func TestRoutes_Registered(t *testing.T) {
	h, _, e := newTestHandler()
	h.RegisterRoutes(e.Group("/api/v1"))

	want := map[string]bool{
		"GET /api/v1/availability":        false,
		"POST /api/v1/availability":       false,
		"PUT /api/v1/availability/:id":    false,
		"DELETE /api/v1/availability/:id": false,
		"GET /api/v1/appointments":        false,
		"POST /api/v1/appointments":       false,
		"GET /api/v1/appointments/:id":    false,
		"PUT /api/v1/appointments/:id":    false,
		"DELETE /api/v1/appointments/:id": false,
	}
	for _, r := range e.Routes() {
		key := r.Method + " " + r.Path
		if _, ok := want[key]; ok {
			want[key] = true
		}
	}
	for route, seen := range want {
		if !seen {
			t.Errorf("route %s not registered", route)
		}
	}
}
