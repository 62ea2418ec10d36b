package clinical

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/clinic/clinic/internal/platform/auth"
)

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

func TestHandler_CreateRecord(t *testing.T) {
	env := newTestEnv()
	h, e := NewHandler(env.svc), echo.New()
	body := `{"patient_id":"` + env.patient.ID.String() + `","diagnosis":"Flu","symptoms":["Fever"],
		"prescriptions":[{"medication_name":"Ibuprofen","dosage":"400mg"}]}`

	rec := httptest.NewRecorder()
	c := e.NewContext(asCaller(jsonRequest(http.MethodPost, "/", body), env.doctor), rec)
	if err := h.CreateRecord(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var got MedicalRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Prescriptions) != 1 || !got.Prescriptions[0].IsActive {
		t.Errorf("unexpected prescriptions %+v", got.Prescriptions)
	}
}

func TestHandler_CreateRecord_PatientIsBadRequest(t *testing.T) {
	env := newTestEnv()
	h, e := NewHandler(env.svc), echo.New()
	body := `{"patient_id":"` + env.patient.ID.String() + `","diagnosis":"Flu"}`
	c := e.NewContext(asCaller(jsonRequest(http.MethodPost, "/", body), env.patient), httptest.NewRecorder())

	expectHTTPStatus(t, h.CreateRecord(c), http.StatusBadRequest)
}

func TestHandler_UpdateRecord_ReplacesPrescriptions(t *testing.T) {
	env := newTestEnv()
	h, e := NewHandler(env.svc), echo.New()
	r := env.createRecord(t, env.doctor, env.patient, "Ibuprofen", "Paracetamol")

	rec := httptest.NewRecorder()
	c := e.NewContext(asCaller(jsonRequest(http.MethodPut, "/", `{"prescriptions":[{"medication_name":"Naproxen","dosage":"250mg"}]}`), env.doctor), rec)
	c.SetParamNames("id")
	c.SetParamValues(r.ID.String())
	if err := h.UpdateRecord(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got MedicalRecord
	json.Unmarshal(rec.Body.Bytes(), &got)
	if len(got.Prescriptions) != 1 || got.Prescriptions[0].MedicationName != "Naproxen" {
		t.Errorf("expected the set to be replaced, got %+v", got.Prescriptions)
	}
	if len(env.rx.items) != 1 {
		t.Errorf("expected 1 stored prescription, got %d", len(env.rx.items))
	}
}

func TestHandler_GetRecord_NonParty(t *testing.T) {
	env := newTestEnv()
	h, e := NewHandler(env.svc), echo.New()
	r := env.createRecord(t, env.doctor, env.patient)

	c := e.NewContext(asCaller(httptest.NewRequest(http.MethodGet, "/", nil), env.addUser(auth.RolePatient)), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(r.ID.String())
	expectHTTPStatus(t, h.GetRecord(c), http.StatusNotFound)
}

func TestHandler_ListPrescriptions_InvalidRecordID(t *testing.T) {
	env := newTestEnv()
	h, e := NewHandler(env.svc), echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?medical_record_id=nope", nil)
	c := e.NewContext(asCaller(req, env.patient), httptest.NewRecorder())

	expectHTTPStatus(t, h.ListPrescriptions(c), http.StatusBadRequest)
}

func TestHandler_DeletePrescription_Unauthenticated(t *testing.T) {
	env := newTestEnv()
	h, e := NewHandler(env.svc), echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodDelete, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(env.doctor.ID.String())

	expectHTTPStatus(t, h.DeletePrescription(c), http.StatusUnauthorized)
}
