package scheduling

import (
	"time"

	"github.com/google/uuid"

	"github.com/clinic/clinic/pkg/civil"
)

// Availability maps to the availability table: one bookable window declared
// by a doctor. Date and times are wall-clock values in the clinic time zone.
type Availability struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	DoctorID  uuid.UUID  `db:"doctor_id" json:"doctor_id"`
	Date      civil.Date `db:"date" json:"date"`
	StartTime civil.Time `db:"start_time" json:"start_time"`
	EndTime   civil.Time `db:"end_time" json:"end_time"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}

// Contains reports whether instant t, seen in loc, falls on the window's date
// with start_time <= time of day <= end_time. Both ends are inclusive and the
// comparison keeps sub-second precision.
func (a *Availability) Contains(t time.Time, loc *time.Location) bool {
	local := t.In(loc)
	if civil.DateOf(local) != a.Date {
		return false
	}
	tod := civil.TimeOf(local)
	return a.StartTime <= tod && tod <= a.EndTime
}

// Overlaps reports whether the two windows share any time on the same date.
// Windows that only touch (one ends when the other starts) do not overlap.
func (a *Availability) Overlaps(b *Availability) bool {
	return a.Date == b.Date && a.StartTime < b.EndTime && b.StartTime < a.EndTime
}

// Appointment statuses.
const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusCancelled = "cancelled"
	StatusCompleted = "completed"
)

var validStatuses = map[string]bool{
	StatusPending: true, StatusConfirmed: true, StatusCancelled: true, StatusCompleted: true,
}

// Visit types.
const (
	VisitInPerson = "in-person"
	VisitVideo    = "video"
)

var validVisitTypes = map[string]bool{
	VisitInPerson: true, VisitVideo: true,
}

// Appointment maps to the appointments table.
type Appointment struct {
	ID            uuid.UUID `db:"id" json:"id"`
	PatientID     uuid.UUID `db:"patient_id" json:"patient_id"`
	DoctorID      uuid.UUID `db:"doctor_id" json:"doctor_id"`
	ScheduledTime time.Time `db:"scheduled_time" json:"scheduled_time"`
	Reason        string    `db:"reason" json:"reason"`
	VisitType     string    `db:"visit_type" json:"visit_type"`
	Status        string    `db:"status" json:"status"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// IsParty reports whether user is the patient or the doctor of a.
func (a *Appointment) IsParty(user uuid.UUID) bool {
	return a.PatientID == user || a.DoctorID == user
}

// AvailabilityInput is the body of POST and PUT /availability. On update,
// nil fields keep their current value.
type AvailabilityInput struct {
	Date      *civil.Date `json:"date"`
	StartTime *civil.Time `json:"start_time"`
	EndTime   *civil.Time `json:"end_time"`
}

type AvailabilityFilter struct {
	DoctorID *uuid.UUID
	Date     *civil.Date
}

// BookInput is the body of POST /appointments.
type BookInput struct {
	DoctorID      uuid.UUID `json:"doctor_id"`
	ScheduledTime time.Time `json:"scheduled_time"`
	Reason        string    `json:"reason"`
	VisitType     string    `json:"visit_type"`
}

// AppointmentUpdate is the body of PUT /appointments/:id. Nil fields are left
// unchanged. The doctor and patient of an appointment cannot be changed.
type AppointmentUpdate struct {
	ScheduledTime *time.Time `json:"scheduled_time"`
	Reason        *string    `json:"reason"`
	VisitType     *string    `json:"visit_type"`
	Status        *string    `json:"status"`
}

// Time filters for appointment listing.
const (
	WhenUpcoming = "upcoming"
	WhenPast     = "past"
)

// AppointmentFilter narrows a listing. Exactly one of PatientID and DoctorID
// is set by the service from the caller's role.
type AppointmentFilter struct {
	PatientID *uuid.UUID
	DoctorID  *uuid.UUID
	Status    string
	When      string
	Now       time.Time
}
