package main

import (
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/config"
	"github.com/clinic/clinic/internal/domain/clinical"
	"github.com/clinic/clinic/internal/domain/identity"
	"github.com/clinic/clinic/internal/domain/scheduling"
	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/db"
	"github.com/clinic/clinic/internal/platform/events"
	"github.com/clinic/clinic/internal/platform/middleware"
	"github.com/clinic/clinic/internal/platform/telemetry"
)

const (
	requestTimeout = 30 * time.Second
	bodyLimit      = "1M"
)

// serverDeps carries everything newServer wires into the routes. pool may be
// nil in tests; repositories only touch it when a request runs a query.
type serverDeps struct {
	cfg          *config.Config
	logger       zerolog.Logger
	pool         *pgxpool.Pool
	tx           db.TxRunner
	outbox       events.Enqueuer
	revoker      auth.Revoker
	metrics      *telemetry.Provider
	loc          *time.Location
	healthChecks []db.Check
}

func newServer(d serverDeps) *echo.Echo {
	cfg := d.cfg

	issuer := auth.NewIssuer(auth.IssuerConfig{
		Issuer:     cfg.JWTIssuer,
		SigningKey: []byte(cfg.JWTSigningKey),
		AccessTTL:  cfg.AccessTokenTTL,
		RefreshTTL: cfg.RefreshTokenTTL,
	})
	identitySvc := identity.NewService(
		identity.NewUserRepoPG(d.pool),
		identity.NewDoctorRepoPG(d.pool),
		identity.NewPatientRepoPG(d.pool),
		issuer, d.revoker,
	).WithPhoneRegion(cfg.PhoneRegion)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(d.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(d.logger))
	e.Use(d.metrics.MetricsMiddleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.BodyLimit(bodyLimit))
	e.Use(middleware.RequestTimeout(requestTimeout))

	// Auth middleware
	e.Use(auth.JWTMiddleware(auth.JWTConfig{
		Issuer:      cfg.JWTIssuer,
		SigningKey:  []byte(cfg.JWTSigningKey),
		Revoker:     d.revoker,
		Skipper:     auth.AuthSkipper,
		ActiveCheck: identitySvc.IsActive,
	}))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	e.Use(middleware.RateLimit(rateLimitCfg))
	e.Use(middleware.Audit(d.logger, nil))

	// Health and metrics
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(d.pool, d.healthChecks...))
	if cfg.MetricsEnabled {
		e.GET("/metrics", d.metrics.PrometheusHandler())
	}

	apiV1 := e.Group("/api/v1")

	identity.NewHandler(identitySvc).RegisterRoutes(apiV1)

	schedulingSvc := scheduling.NewService(
		scheduling.NewAvailabilityRepoPG(d.pool),
		scheduling.NewAppointmentRepoPG(d.pool),
		identitySvc, d.tx, d.outbox, d.loc,
	).WithMetrics(d.metrics)
	scheduling.NewHandler(schedulingSvc).RegisterRoutes(apiV1)

	clinicalSvc := clinical.NewService(
		clinical.NewRecordRepoPG(d.pool),
		clinical.NewPrescriptionRepoPG(d.pool),
		identitySvc, d.tx,
	).WithMetrics(d.metrics)
	clinical.NewHandler(clinicalSvc).RegisterRoutes(apiV1)

	auth.RegisterRevocationRoutes(apiV1, d.revoker)

	return e
}
