package integration

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/clinic/internal/domain/clinical"
	"github.com/clinic/clinic/internal/domain/identity"
	"github.com/clinic/clinic/internal/domain/scheduling"
	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/db"
	"github.com/clinic/clinic/internal/platform/events"
	"github.com/clinic/clinic/migrations"
)

// globalPool is the migrated test database, initialized once in TestMain.
var globalPool *pgxpool.Pool

// TestMain connects to INTEGRATION_DATABASE_URL when set, otherwise starts a
// throwaway postgres container. Without either the suite is skipped.
func TestMain(m *testing.M) {
	ctx := context.Background()

	connStr := os.Getenv("INTEGRATION_DATABASE_URL")
	cleanup := func() {}
	if connStr == "" {
		if _, err := exec.LookPath("docker"); err != nil {
			fmt.Fprintln(os.Stderr, "skipping integration tests: docker not found and INTEGRATION_DATABASE_URL not set")
			os.Exit(0)
		}
		var err error
		connStr, cleanup, err = startPostgresContainer(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to setup postgres container: %v\n", err)
			os.Exit(1)
		}
	}

	pool, err := db.NewPool(ctx, connStr, db.PoolOptions{MaxConns: 10, MinConns: 1})
	if err != nil {
		cleanup()
		fmt.Fprintf(os.Stderr, "create pool: %v\n", err)
		os.Exit(1)
	}
	if _, err := db.NewMigrator(pool, migrations.FS).Up(ctx); err != nil {
		pool.Close()
		cleanup()
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}

	globalPool = pool
	code := m.Run()
	pool.Close()
	cleanup()
	os.Exit(code)
}

// stack is the service graph the server wires, backed by the test database.
type stack struct {
	identity   *identity.Service
	scheduling *scheduling.Service
	clinical   *clinical.Service
	outbox     *events.OutboxPG
}

func newStack(t *testing.T) *stack {
	t.Helper()
	revoker := auth.NewMemoryRevoker()
	t.Cleanup(revoker.Close)

	issuer := auth.NewIssuer(auth.IssuerConfig{
		Issuer:     "clinic-test",
		SigningKey: []byte("integration-signing-key-0123456789"),
		AccessTTL:  15 * time.Minute,
		RefreshTTL: time.Hour,
	})
	tx := db.NewTxManager(globalPool)
	outbox := events.NewOutboxPG(globalPool)

	id := identity.NewService(
		identity.NewUserRepoPG(globalPool),
		identity.NewDoctorRepoPG(globalPool),
		identity.NewPatientRepoPG(globalPool),
		issuer, revoker,
	)
	return &stack{
		identity: id,
		scheduling: scheduling.NewService(
			scheduling.NewAvailabilityRepoPG(globalPool),
			scheduling.NewAppointmentRepoPG(globalPool),
			id, tx, outbox, time.UTC,
		),
		clinical: clinical.NewService(
			clinical.NewRecordRepoPG(globalPool),
			clinical.NewPrescriptionRepoPG(globalPool),
			id, tx,
		),
		outbox: outbox,
	}
}

// register creates a user with a unique email and returns it as a caller.
func (s *stack) register(t *testing.T, role string) auth.Caller {
	t.Helper()
	u, err := s.identity.Register(context.Background(), identity.RegisterInput{
		Email:    fmt.Sprintf("%s-%s@example.com", role, uuid.NewString()[:8]),
		FullName: "Test " + role,
		Password: "correct-horse-battery",
		Role:     role,
	})
	if err != nil {
		t.Fatalf("register %s: %v", role, err)
	}
	return auth.Caller{ID: u.ID, Role: u.Role}
}
