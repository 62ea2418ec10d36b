package scheduling

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/db"
	"github.com/clinic/clinic/internal/platform/events"
	"github.com/clinic/clinic/internal/platform/telemetry"
	"github.com/clinic/clinic/pkg/apperr"
	"github.com/clinic/clinic/pkg/civil"
)

// Metrics receives booking outcomes.
type Metrics interface {
	BookingAttempt(outcome string)
}

type nopMetrics struct{}

func (nopMetrics) BookingAttempt(string) {}

type Service struct {
	availability AvailabilityRepository
	appointments AppointmentRepository
	directory    Directory
	tx           db.TxRunner
	outbox       events.Enqueuer
	loc          *time.Location
	metrics      Metrics
	now          func() time.Time
}

// NewService wires the scheduling service. loc is the clinic time zone in
// which availability dates and times are interpreted.
func NewService(avail AvailabilityRepository, appts AppointmentRepository, dir Directory, tx db.TxRunner, outbox events.Enqueuer, loc *time.Location) *Service {
	if loc == nil {
		loc = time.UTC
	}
	if outbox == nil {
		outbox = events.Discard
	}
	return &Service{
		availability: avail,
		appointments: appts,
		directory:    dir,
		tx:           tx,
		outbox:       outbox,
		loc:          loc,
		metrics:      nopMetrics{},
		now:          time.Now,
	}
}

func (s *Service) WithMetrics(m Metrics) *Service {
	if m != nil {
		s.metrics = m
	}
	return s
}

// -- Availability --

func (s *Service) CreateAvailability(ctx context.Context, caller auth.Caller, in AvailabilityInput) (*Availability, error) {
	if !caller.Is(auth.RoleDoctor) {
		return nil, apperr.Validation("you must be a doctor to create availability")
	}
	if in.Date == nil || in.StartTime == nil || in.EndTime == nil {
		return nil, apperr.Validation("date, start_time and end_time are required")
	}
	a := &Availability{
		DoctorID:  caller.ID,
		Date:      *in.Date,
		StartTime: *in.StartTime,
		EndTime:   *in.EndTime,
	}
	if err := validateWindow(a); err != nil {
		return nil, err
	}

	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.checkOverlap(ctx, a); err != nil {
			return err
		}
		return s.availability.Create(ctx, a)
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Service) GetAvailability(ctx context.Context, id uuid.UUID) (*Availability, error) {
	return s.availability.GetByID(ctx, id)
}

func (s *Service) ListAvailability(ctx context.Context, f AvailabilityFilter, limit, offset int) ([]*Availability, int, error) {
	return s.availability.List(ctx, f, limit, offset)
}

func (s *Service) UpdateAvailability(ctx context.Context, caller auth.Caller, id uuid.UUID, in AvailabilityInput) (*Availability, error) {
	a, err := s.ownedAvailability(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if in.Date != nil {
		a.Date = *in.Date
	}
	if in.StartTime != nil {
		a.StartTime = *in.StartTime
	}
	if in.EndTime != nil {
		a.EndTime = *in.EndTime
	}
	if err := validateWindow(a); err != nil {
		return nil, err
	}

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.checkOverlap(ctx, a); err != nil {
			return err
		}
		return s.availability.Update(ctx, a)
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Service) DeleteAvailability(ctx context.Context, caller auth.Caller, id uuid.UUID) error {
	if _, err := s.ownedAvailability(ctx, caller, id); err != nil {
		return err
	}
	return s.availability.Delete(ctx, id)
}

func (s *Service) ownedAvailability(ctx context.Context, caller auth.Caller, id uuid.UUID) (*Availability, error) {
	a, err := s.availability.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.DoctorID != caller.ID {
		return nil, apperr.Forbidden("only the owning doctor can modify this availability")
	}
	return a, nil
}

func validateWindow(a *Availability) error {
	if a.Date.IsZero() {
		return apperr.Validation("date is required")
	}
	if !a.StartTime.Valid() || !a.EndTime.Valid() {
		return apperr.Validation("start_time and end_time must be within one day")
	}
	if a.StartTime >= a.EndTime {
		return apperr.Validation("start_time must be before end_time")
	}
	return nil
}

// checkOverlap rejects a window that overlaps another window of the same
// doctor on the same date. It takes the doctor's lock so two concurrent
// writes cannot both pass the check.
func (s *Service) checkOverlap(ctx context.Context, a *Availability) error {
	if err := s.availability.LockDoctor(ctx, a.DoctorID); err != nil {
		return err
	}
	existing, err := s.availability.ForDoctorOnDate(ctx, a.DoctorID, a.Date)
	if err != nil {
		return err
	}
	for _, other := range existing {
		if other.ID == a.ID {
			continue
		}
		if a.Overlaps(other) {
			return apperr.Conflict("availability overlaps the window %s-%s on %s",
				other.StartTime, other.EndTime, other.Date)
		}
	}
	return nil
}

// -- Appointments --

// appointmentEvent is the payload of every appointment lifecycle event.
type appointmentEvent struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	PatientID     uuid.UUID `json:"patient_id"`
	DoctorID      uuid.UUID `json:"doctor_id"`
	ScheduledTime time.Time `json:"scheduled_time"`
	VisitType     string    `json:"visit_type"`
	Status        string    `json:"status"`
}

func (s *Service) emit(ctx context.Context, eventType string, a *Appointment) error {
	e, err := events.New(eventType, a.ID, appointmentEvent{
		AppointmentID: a.ID,
		PatientID:     a.PatientID,
		DoctorID:      a.DoctorID,
		ScheduledTime: a.ScheduledTime,
		VisitType:     a.VisitType,
		Status:        a.Status,
	})
	if err != nil {
		return err
	}
	return s.outbox.Enqueue(ctx, e)
}

// normalizeInstant drops precision PostgreSQL cannot store so that the
// validated instant and the stored one are the same.
func normalizeInstant(t time.Time) time.Time {
	return t.Truncate(time.Microsecond).UTC()
}

// ValidateSlot checks that t lies inside one of the doctor's availability
// windows. Validation happens in the clinic time zone.
func (s *Service) ValidateSlot(ctx context.Context, doctorID uuid.UUID, t time.Time) error {
	date := civil.DateOf(t.In(s.loc))
	windows, err := s.availability.ForDoctorOnDate(ctx, doctorID, date)
	if err != nil {
		return err
	}
	for _, w := range windows {
		if w.Contains(t, s.loc) {
			return nil
		}
	}
	return apperr.Validation("doctor is not available at %s", t.In(s.loc).Format(time.RFC3339Nano))
}

func (s *Service) BookAppointment(ctx context.Context, caller auth.Caller, in BookInput) (*Appointment, error) {
	if !caller.Is(auth.RolePatient) {
		return nil, apperr.Validation("you must be a patient to book an appointment")
	}
	if in.DoctorID == uuid.Nil {
		return nil, apperr.Validation("doctor_id is required")
	}
	if in.ScheduledTime.IsZero() {
		return nil, apperr.Validation("scheduled_time is required")
	}
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		return nil, apperr.Validation("reason is required")
	}
	visitType := in.VisitType
	if visitType == "" {
		visitType = VisitInPerson
	}
	if !validVisitTypes[visitType] {
		return nil, apperr.Validation("invalid visit_type: %s", visitType)
	}
	if err := s.requireActiveDoctor(ctx, in.DoctorID); err != nil {
		return nil, err
	}

	a := &Appointment{
		PatientID:     caller.ID,
		DoctorID:      in.DoctorID,
		ScheduledTime: normalizeInstant(in.ScheduledTime),
		Reason:        reason,
		VisitType:     visitType,
		Status:        StatusPending,
	}

	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.ValidateSlot(ctx, a.DoctorID, a.ScheduledTime); err != nil {
			return err
		}
		if err := s.appointments.Create(ctx, a); err != nil {
			return err
		}
		return s.emit(ctx, events.AppointmentBooked, a)
	})
	switch {
	case err == nil:
		s.metrics.BookingAttempt(telemetry.BookingAccepted)
	case apperr.Is(err, apperr.KindValidation):
		s.metrics.BookingAttempt(telemetry.BookingOutsideSlot)
		return nil, err
	case apperr.Is(err, apperr.KindConflict):
		s.metrics.BookingAttempt(telemetry.BookingConflict)
		return nil, err
	default:
		return nil, err
	}

	log.Ctx(ctx).Info().Str("appointment_id", a.ID.String()).Str("doctor_id", a.DoctorID.String()).
		Time("scheduled_time", a.ScheduledTime).Msg("appointment booked")
	return a, nil
}

func (s *Service) requireActiveDoctor(ctx context.Context, id uuid.UUID) error {
	role, active, err := s.directory.UserRole(ctx, id)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return apperr.Validation("doctor not found")
		}
		return err
	}
	if role != auth.RoleDoctor {
		return apperr.Validation("doctor_id does not refer to a doctor")
	}
	if !active {
		return apperr.Validation("doctor is not accepting appointments")
	}
	return nil
}

// ListAppointments returns the caller's appointments: patients see the ones
// they booked, doctors the ones booked with them, anyone else nothing.
func (s *Service) ListAppointments(ctx context.Context, caller auth.Caller, status, when string, limit, offset int) ([]*Appointment, int, error) {
	if status != "" && !validStatuses[status] {
		return nil, 0, apperr.Validation("invalid status: %s", status)
	}
	if when != "" && when != WhenUpcoming && when != WhenPast {
		return nil, 0, apperr.Validation("filter must be %q or %q", WhenUpcoming, WhenPast)
	}

	f := AppointmentFilter{Status: status, When: when, Now: s.now()}
	switch caller.Role {
	case auth.RolePatient:
		f.PatientID = &caller.ID
	case auth.RoleDoctor:
		f.DoctorID = &caller.ID
	default:
		return []*Appointment{}, 0, nil
	}
	return s.appointments.List(ctx, f, limit, offset)
}

// GetAppointment returns not-found to callers who are not a party.
func (s *Service) GetAppointment(ctx context.Context, caller auth.Caller, id uuid.UUID) (*Appointment, error) {
	a, err := s.appointments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !a.IsParty(caller.ID) {
		return nil, apperr.NotFound("appointment not found")
	}
	return a, nil
}

// UpdateAppointment applies in to a pending appointment. Any status value
// may be set; once it is no longer pending the appointment is frozen.
func (s *Service) UpdateAppointment(ctx context.Context, caller auth.Caller, id uuid.UUID, in AppointmentUpdate) (*Appointment, error) {
	a, err := s.GetAppointment(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusPending {
		return nil, apperr.Validation("appointment cannot be modified once it is %s", a.Status)
	}

	rescheduled := false
	if in.ScheduledTime != nil {
		t := normalizeInstant(*in.ScheduledTime)
		if t.IsZero() {
			return nil, apperr.Validation("scheduled_time is required")
		}
		rescheduled = !t.Equal(a.ScheduledTime)
		a.ScheduledTime = t
	}
	if in.Reason != nil {
		reason := strings.TrimSpace(*in.Reason)
		if reason == "" {
			return nil, apperr.Validation("reason must not be empty")
		}
		a.Reason = reason
	}
	if in.VisitType != nil {
		if !validVisitTypes[*in.VisitType] {
			return nil, apperr.Validation("invalid visit_type: %s", *in.VisitType)
		}
		a.VisitType = *in.VisitType
	}
	if in.Status != nil {
		if !validStatuses[*in.Status] {
			return nil, apperr.Validation("invalid status: %s", *in.Status)
		}
		a.Status = *in.Status
	}

	eventType := events.AppointmentUpdated
	if a.Status == StatusCancelled {
		eventType = events.AppointmentCancelled
	}

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if rescheduled {
			if err := s.ValidateSlot(ctx, a.DoctorID, a.ScheduledTime); err != nil {
				return err
			}
		}
		if err := s.appointments.Update(ctx, a); err != nil {
			if apperr.Is(err, apperr.KindNotFound) {
				return apperr.Validation("appointment is no longer pending")
			}
			return err
		}
		return s.emit(ctx, eventType, a)
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Service) DeleteAppointment(ctx context.Context, caller auth.Caller, id uuid.UUID) error {
	a, err := s.GetAppointment(ctx, caller, id)
	if err != nil {
		return err
	}
	return s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.appointments.Delete(ctx, a.ID); err != nil {
			return err
		}
		return s.emit(ctx, events.AppointmentDeleted, a)
	})
}
