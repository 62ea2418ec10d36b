package identity

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/clinic/clinic/pkg/civil"
)

// User maps to the users table. Role is fixed at registration.
type User struct {
	ID           uuid.UUID `db:"id" json:"id"`
	Email        string    `db:"email" json:"email"`
	FullName     string    `db:"full_name" json:"full_name"`
	Role         string    `db:"role" json:"role"`
	IsActive     bool      `db:"is_active" json:"is_active"`
	PasswordHash string    `db:"password_hash" json:"-"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// DoctorProfile maps to the doctor_profiles table.
type DoctorProfile struct {
	UserID       uuid.UUID       `db:"user_id" json:"user_id"`
	Specialty    string          `db:"specialty" json:"specialty"`
	Bio          *string         `db:"bio" json:"bio,omitempty"`
	Availability json.RawMessage `db:"availability" json:"availability,omitempty"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
}

// Doctor is a doctor user joined with its profile. Specialty is empty when
// the doctor has not filled in a profile yet.
type Doctor struct {
	ID           uuid.UUID       `json:"id"`
	Email        string          `json:"email"`
	FullName     string          `json:"full_name"`
	IsActive     bool            `json:"is_active"`
	Specialty    string          `json:"specialty"`
	Bio          *string         `json:"bio,omitempty"`
	Availability json.RawMessage `json:"availability,omitempty"`
}

// PatientProfile maps to the patient_profiles table.
type PatientProfile struct {
	UserID      uuid.UUID   `db:"user_id" json:"user_id"`
	DateOfBirth *civil.Date `db:"date_of_birth" json:"date_of_birth,omitempty"`
	Gender      *string     `db:"gender" json:"gender,omitempty"`
	PhoneNumber *string     `db:"phone_number" json:"phone_number,omitempty"`
	Address     *string     `db:"address" json:"address,omitempty"`
	UpdatedAt   time.Time   `db:"updated_at" json:"updated_at"`
}

var validGenders = map[string]bool{
	"male": true, "female": true, "other": true,
}

// RegisterInput is the body of POST /auth/register.
type RegisterInput struct {
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type LoginInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RefreshInput struct {
	RefreshToken string `json:"refresh_token"`
}

// UpdateMeInput has no role field on purpose: role is not user-editable.
type UpdateMeInput struct {
	FullName string `json:"full_name"`
}

type DoctorProfileInput struct {
	Specialty    string          `json:"specialty"`
	Bio          *string         `json:"bio"`
	Availability json.RawMessage `json:"availability"`
}

type PatientProfileInput struct {
	DateOfBirth *civil.Date `json:"date_of_birth"`
	Gender      *string     `json:"gender"`
	PhoneNumber *string     `json:"phone_number"`
	Address     *string     `json:"address"`
}

type SetActiveInput struct {
	Active *bool `json:"active"`
}
