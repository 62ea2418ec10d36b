package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsMiddleware_RecordsRoute(t *testing.T) {
	p := NewProvider()
	e := echo.New()
	e.Use(p.MetricsMiddleware())
	e.GET("/api/v1/appointments/:id", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/appointments/abc", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if n := testutil.CollectAndCount(p.requestDuration); n != 1 {
		t.Errorf("expected one duration series, got %d", n)
	}
	if v := testutil.ToFloat64(p.activeRequests); v != 0 {
		t.Errorf("expected no active requests after completion, got %v", v)
	}
}

func TestMetricsMiddleware_UsesHTTPErrorCode(t *testing.T) {
	p := NewProvider()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/x")

	h := p.MetricsMiddleware()(func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusConflict, "taken")
	})
	if err := h(c); err == nil {
		t.Fatal("expected handler error to propagate")
	}

	expected := `clinic_http_request_duration_seconds_count{method="GET",route="/x",status="409"} 1`
	body := scrape(t, p)
	if !strings.Contains(body, expected) {
		t.Errorf("expected %q in exposition output", expected)
	}
}

func TestDomainCounters(t *testing.T) {
	p := NewProvider()
	p.BookingAttempt(BookingAccepted)
	p.BookingAttempt(BookingAccepted)
	p.BookingAttempt(BookingConflict)
	p.EventRelayed(true)
	p.EventRelayed(false)
	p.OutboxBatch(7)

	if v := testutil.ToFloat64(p.bookings.WithLabelValues(BookingAccepted)); v != 2 {
		t.Errorf("expected 2 accepted bookings, got %v", v)
	}
	if v := testutil.ToFloat64(p.bookings.WithLabelValues(BookingConflict)); v != 1 {
		t.Errorf("expected 1 conflict, got %v", v)
	}
	if v := testutil.ToFloat64(p.eventsRelayed.WithLabelValues("failed")); v != 1 {
		t.Errorf("expected 1 failed relay, got %v", v)
	}
	if v := testutil.ToFloat64(p.outboxPending); v != 7 {
		t.Errorf("expected batch gauge 7, got %v", v)
	}
}

func TestPrometheusHandler(t *testing.T) {
	p := NewProvider()
	p.RecordWrite("create")
	body := scrape(t, p)
	if !strings.Contains(body, `clinic_clinical_record_writes_total{operation="create"} 1`) {
		t.Error("expected record write counter in output")
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Error("expected go runtime collector in output")
	}
}

func scrape(t *testing.T, p *Provider) string {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	if err := p.PrometheusHandler()(e.NewContext(req, rec)); err != nil {
		t.Fatalf("scrape: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	return rec.Body.String()
}
