package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/config"
	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/db"
	"github.com/clinic/clinic/internal/platform/events"
	"github.com/clinic/clinic/internal/platform/telemetry"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:            "8000",
		Env:             "test",
		JWTSigningKey:   "test-signing-key-0123456789abcdef",
		JWTIssuer:       "clinic",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: time.Hour,
		ClinicTimezone:  "UTC",
		PhoneRegion:     "US",
		CORSOrigins:     []string{"http://localhost:3000"},
		RateLimitRPS:    1000,
		RateLimitBurst:  1000,
		MetricsEnabled:  true,
	}
}

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	revoker := auth.NewMemoryRevoker()
	t.Cleanup(revoker.Close)
	return newServer(serverDeps{
		cfg:     testConfig(),
		logger:  zerolog.Nop(),
		tx:      db.NopTxRunner{},
		outbox:  events.Discard,
		revoker: revoker,
		metrics: telemetry.NewProvider(),
		loc:     time.UTC,
	})
}

func serve(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServer_Health(t *testing.T) {
	h := newTestServer(t)

	if rec := serve(h, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Errorf("/health: expected 200, got %d", rec.Code)
	}
	if rec := serve(h, http.MethodGet, "/health/db", ""); rec.Code != http.StatusOK {
		t.Errorf("/health/db: expected 200 with no checks, got %d", rec.Code)
	}
}

func TestServer_Metrics(t *testing.T) {
	h := newTestServer(t)
	serve(h, http.MethodGet, "/health", "")

	rec := serve(h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "clinic_http_request_duration_seconds") {
		t.Error("expected request duration metric in output")
	}
}

func TestServer_ProtectedRoutesRequireToken(t *testing.T) {
	h := newTestServer(t)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/me"},
		{http.MethodGet, "/api/v1/appointments"},
		{http.MethodPost, "/api/v1/availability"},
		{http.MethodGet, "/api/v1/medical-records"},
		{http.MethodGet, "/api/v1/prescriptions"},
	} {
		rec := serve(h, tc.method, tc.path, "{}")
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: expected 401, got %d", tc.method, tc.path, rec.Code)
		}
	}
}

func TestServer_LoginIsPublic(t *testing.T) {
	h := newTestServer(t)

	rec := serve(h, http.MethodPost, "/api/v1/auth/login", `{"email":"","password":""}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 from validation rather than 401, got %d", rec.Code)
	}
}

func TestServer_SecurityHeaders(t *testing.T) {
	h := newTestServer(t)

	rec := serve(h, http.MethodGet, "/health", "")
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Errorf("expected nosniff header, got %q", rec.Header().Get("X-Content-Type-Options"))
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID to be set")
	}
}

func TestNewLogger_Levels(t *testing.T) {
	cfg := testConfig()
	if got := newLogger(cfg).GetLevel(); got != zerolog.InfoLevel {
		t.Errorf("expected info level, got %s", got)
	}
	cfg.Env = "development"
	if got := newLogger(cfg).GetLevel(); got != zerolog.DebugLevel {
		t.Errorf("expected debug level in development, got %s", got)
	}
}

func TestNewLogger_File(t *testing.T) {
	cfg := testConfig()
	cfg.LogFile = filepath.Join(t.TempDir(), "clinic.log")

	logger := newLogger(cfg)
	logger.Info().Msg("hello")

	data, err := os.ReadFile(cfg.LogFile)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"message":"hello"`) {
		t.Errorf("expected JSON log line, got %q", data)
	}
}

func TestMigrationsFS(t *testing.T) {
	if _, err := migrationsFS("").Open("001_identity.sql"); err != nil {
		t.Errorf("expected embedded migrations: %v", err)
	}

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "001_custom.sql"), []byte("SELECT 1;"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := migrationsFS(dir).Open("001_custom.sql"); err != nil {
		t.Errorf("expected directory override: %v", err)
	}
}

func TestMigrationsFS_LoadsWithMigrator(t *testing.T) {
	fsys := fstest.MapFS{
		"001_init.sql": {Data: []byte("SELECT 1;")},
		"002_more.sql": {Data: []byte("SELECT 2;")},
		"README.md":    {Data: []byte("ignored")},
	}
	migs, err := db.NewMigrator(nil, fsys).LoadMigrations()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(migs) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(migs))
	}
}

func TestPrintStatus(t *testing.T) {
	applied := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	printStatus(&buf, []db.MigrationStatus{
		{Version: 1, Name: "identity", Applied: true, AppliedAt: &applied},
		{Version: 2, Name: "scheduling"},
	})

	out := buf.String()
	if !strings.Contains(out, "2026-03-09 12:00:00") {
		t.Errorf("expected applied timestamp, got:\n%s", out)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected header, rule and 2 rows, got %d lines", len(lines))
	}
	if !strings.Contains(lines[3], "pending") {
		t.Errorf("expected second migration pending, got %q", lines[3])
	}
}
