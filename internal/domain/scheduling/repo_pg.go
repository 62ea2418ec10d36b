package scheduling

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/clinic/internal/platform/db"
	"github.com/clinic/clinic/pkg/apperr"
	"github.com/clinic/clinic/pkg/civil"
)

// Unique constraints declared in the scheduling migration.
const (
	availabilitySlotKey = "availability_doctor_date_start_key"
	appointmentSlotKey  = "appointments_doctor_slot_key"
)

// =========== Availability Repository ===========

type availabilityRepoPG struct{ pool *pgxpool.Pool }

func NewAvailabilityRepoPG(pool *pgxpool.Pool) AvailabilityRepository {
	return &availabilityRepoPG{pool: pool}
}

const availCols = `id, doctor_id, date, start_time, end_time, created_at`

func scanAvailability(row pgx.Row) (*Availability, error) {
	var a Availability
	err := row.Scan(&a.ID, &a.DoctorID, &a.Date, &a.StartTime, &a.EndTime, &a.CreatedAt)
	return &a, err
}

func classifyAvailability(err error) error {
	if c, ok := db.UniqueViolation(err); ok && c == availabilitySlotKey {
		return apperr.Wrap(apperr.KindConflict, err, "an availability window already starts at this time")
	}
	return db.Classify(err, "availability")
}

func (r *availabilityRepoPG) Create(ctx context.Context, a *Availability) error {
	a.ID = uuid.New()
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO availability (id, doctor_id, date, start_time, end_time)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		a.ID, a.DoctorID, a.Date, a.StartTime, a.EndTime,
	).Scan(&a.CreatedAt)
	return classifyAvailability(err)
}

func (r *availabilityRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Availability, error) {
	a, err := scanAvailability(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+availCols+` FROM availability WHERE id = $1`, id))
	if err != nil {
		return nil, classifyAvailability(err)
	}
	return a, nil
}

func (r *availabilityRepoPG) Update(ctx context.Context, a *Availability) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE availability SET date = $2, start_time = $3, end_time = $4
		WHERE id = $1`,
		a.ID, a.Date, a.StartTime, a.EndTime)
	if err != nil {
		return classifyAvailability(err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("availability not found")
	}
	return nil
}

func (r *availabilityRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM availability WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("availability not found")
	}
	return nil
}

func (r *availabilityRepoPG) List(ctx context.Context, f AvailabilityFilter, limit, offset int) ([]*Availability, int, error) {
	where := ` WHERE 1=1`
	var args []any
	idx := 1

	if f.DoctorID != nil {
		where += fmt.Sprintf(` AND doctor_id = $%d`, idx)
		args = append(args, *f.DoctorID)
		idx++
	}
	if f.Date != nil {
		where += fmt.Sprintf(` AND date = $%d`, idx)
		args = append(args, *f.Date)
		idx++
	}

	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM availability`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count availability: %w", err)
	}

	query := `SELECT ` + availCols + ` FROM availability` + where +
		fmt.Sprintf(` ORDER BY date, start_time, doctor_id LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list availability: %w", err)
	}
	defer rows.Close()
	var items []*Availability
	for rows.Next() {
		a, err := scanAvailability(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}

func (r *availabilityRepoPG) ForDoctorOnDate(ctx context.Context, doctorID uuid.UUID, date civil.Date) ([]*Availability, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+availCols+` FROM availability WHERE doctor_id = $1 AND date = $2 ORDER BY start_time`,
		doctorID, date)
	if err != nil {
		return nil, fmt.Errorf("availability for doctor: %w", err)
	}
	defer rows.Close()
	var items []*Availability
	for rows.Next() {
		a, err := scanAvailability(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func (r *availabilityRepoPG) LockDoctor(ctx context.Context, doctorID uuid.UUID) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`, doctorID.String())
	if err != nil {
		return fmt.Errorf("lock doctor availability: %w", err)
	}
	return nil
}

// =========== Appointment Repository ===========

type appointmentRepoPG struct{ pool *pgxpool.Pool }

func NewAppointmentRepoPG(pool *pgxpool.Pool) AppointmentRepository {
	return &appointmentRepoPG{pool: pool}
}

const apptCols = `id, patient_id, doctor_id, scheduled_time, reason, visit_type, status,
	created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(&a.ID, &a.PatientID, &a.DoctorID, &a.ScheduledTime, &a.Reason, &a.VisitType,
		&a.Status, &a.CreatedAt, &a.UpdatedAt)
	return &a, err
}

func classifyAppointment(err error) error {
	if c, ok := db.UniqueViolation(err); ok && c == appointmentSlotKey {
		return apperr.Wrap(apperr.KindConflict, err, "the doctor already has an appointment at this time")
	}
	return db.Classify(err, "appointment")
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	a.ID = uuid.New()
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, doctor_id, scheduled_time, reason, visit_type, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		a.ID, a.PatientID, a.DoctorID, a.ScheduledTime, a.Reason, a.VisitType, a.Status,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	return classifyAppointment(err)
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := scanAppointment(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+apptCols+` FROM appointments WHERE id = $1`, id))
	if err != nil {
		return nil, classifyAppointment(err)
	}
	return a, nil
}

// Update writes the mutable columns. It only matches rows that are still
// pending, so a concurrent status change makes it fail with not-found.
func (r *appointmentRepoPG) Update(ctx context.Context, a *Appointment) error {
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE appointments
		SET scheduled_time = $2, reason = $3, visit_type = $4, status = $5, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING updated_at`,
		a.ID, a.ScheduledTime, a.Reason, a.VisitType, a.Status,
	).Scan(&a.UpdatedAt)
	return classifyAppointment(err)
}

func (r *appointmentRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM appointments WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("appointment not found")
	}
	return nil
}

func (r *appointmentRepoPG) List(ctx context.Context, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error) {
	where := ` WHERE 1=1`
	var args []any
	idx := 1

	if f.PatientID != nil {
		where += fmt.Sprintf(` AND patient_id = $%d`, idx)
		args = append(args, *f.PatientID)
		idx++
	}
	if f.DoctorID != nil {
		where += fmt.Sprintf(` AND doctor_id = $%d`, idx)
		args = append(args, *f.DoctorID)
		idx++
	}
	if f.Status != "" {
		where += fmt.Sprintf(` AND status = $%d`, idx)
		args = append(args, f.Status)
		idx++
	}
	switch f.When {
	case WhenUpcoming:
		where += fmt.Sprintf(` AND scheduled_time >= $%d`, idx)
		args = append(args, f.Now)
		idx++
	case WhenPast:
		where += fmt.Sprintf(` AND scheduled_time < $%d`, idx)
		args = append(args, f.Now)
		idx++
	}

	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM appointments`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count appointments: %w", err)
	}

	query := `SELECT ` + apptCols + ` FROM appointments` + where +
		fmt.Sprintf(` ORDER BY scheduled_time DESC, id LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list appointments: %w", err)
	}
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}
