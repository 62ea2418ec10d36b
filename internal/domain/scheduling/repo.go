package scheduling

import (
	"context"

	"github.com/google/uuid"

	"github.com/clinic/clinic/pkg/civil"
)

type AvailabilityRepository interface {
	Create(ctx context.Context, a *Availability) error
	GetByID(ctx context.Context, id uuid.UUID) (*Availability, error)
	Update(ctx context.Context, a *Availability) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, f AvailabilityFilter, limit, offset int) ([]*Availability, int, error)
	// ForDoctorOnDate returns every window of the doctor on date.
	ForDoctorOnDate(ctx context.Context, doctorID uuid.UUID, date civil.Date) ([]*Availability, error)
	// LockDoctor serializes availability writes for one doctor until the
	// surrounding transaction ends.
	LockDoctor(ctx context.Context, doctorID uuid.UUID) error
}

type AppointmentRepository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	Update(ctx context.Context, a *Appointment) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error)
}

// Directory resolves the role and active flag of a user.
type Directory interface {
	UserRole(ctx context.Context, id uuid.UUID) (role string, active bool, err error)
}
