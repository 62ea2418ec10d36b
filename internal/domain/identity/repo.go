package identity

import (
	"context"

	"github.com/google/uuid"
)

type UserRepository interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	// UpdateName writes full_name only. No repository method writes role.
	UpdateName(ctx context.Context, id uuid.UUID, fullName string) (*User, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) (*User, error)
	List(ctx context.Context, role string, limit, offset int) ([]*User, int, error)
}

type DoctorRepository interface {
	Upsert(ctx context.Context, p *DoctorProfile) error
	Get(ctx context.Context, userID uuid.UUID) (*Doctor, error)
	Search(ctx context.Context, params DoctorSearch, limit, offset int) ([]*Doctor, int, error)
}

type PatientRepository interface {
	Upsert(ctx context.Context, p *PatientProfile) error
	Get(ctx context.Context, userID uuid.UUID) (*PatientProfile, error)
}

// DoctorSearch filters the doctor directory. Specialty is an exact
// case-insensitive match; Query is a substring of name or specialty.
type DoctorSearch struct {
	Specialty string
	Query     string
}
