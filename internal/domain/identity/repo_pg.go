package identity

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/clinic/internal/platform/db"
)

// =========== User Repository ===========

type userRepoPG struct{ pool *pgxpool.Pool }

func NewUserRepoPG(pool *pgxpool.Pool) UserRepository { return &userRepoPG{pool: pool} }

const userCols = `id, email, full_name, role, is_active, password_hash, created_at, updated_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.FullName, &u.Role, &u.IsActive, &u.PasswordHash,
		&u.CreatedAt, &u.UpdatedAt)
	return &u, err
}

func (r *userRepoPG) Create(ctx context.Context, u *User) error {
	u.ID = uuid.New()
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO users (id, email, full_name, role, is_active, password_hash)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		u.ID, u.Email, u.FullName, u.Role, u.IsActive, u.PasswordHash,
	).Scan(&u.CreatedAt, &u.UpdatedAt)
	return db.Classify(err, "user")
}

func (r *userRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	u, err := scanUser(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id))
	if err != nil {
		return nil, db.Classify(err, "user")
	}
	return u, nil
}

func (r *userRepoPG) GetByEmail(ctx context.Context, email string) (*User, error) {
	u, err := scanUser(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+userCols+` FROM users WHERE lower(email) = lower($1)`, email))
	if err != nil {
		return nil, db.Classify(err, "user")
	}
	return u, nil
}

func (r *userRepoPG) UpdateName(ctx context.Context, id uuid.UUID, fullName string) (*User, error) {
	u, err := scanUser(db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE users SET full_name = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+userCols, id, fullName))
	if err != nil {
		return nil, db.Classify(err, "user")
	}
	return u, nil
}

func (r *userRepoPG) SetActive(ctx context.Context, id uuid.UUID, active bool) (*User, error) {
	u, err := scanUser(db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE users SET is_active = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+userCols, id, active))
	if err != nil {
		return nil, db.Classify(err, "user")
	}
	return u, nil
}

func (r *userRepoPG) List(ctx context.Context, role string, limit, offset int) ([]*User, int, error) {
	where := ` WHERE 1=1`
	var args []any
	if role != "" {
		where += ` AND role = $1`
		args = append(args, role)
	}

	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM users`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count users: %w", err)
	}

	query := `SELECT ` + userCols + ` FROM users` + where +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()
	var items []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, u)
	}
	return items, total, rows.Err()
}

// =========== Doctor Repository ===========

type doctorRepoPG struct{ pool *pgxpool.Pool }

func NewDoctorRepoPG(pool *pgxpool.Pool) DoctorRepository { return &doctorRepoPG{pool: pool} }

const doctorCols = `u.id, u.email, u.full_name, u.is_active,
	COALESCE(p.specialty, ''), p.bio, p.availability`

const doctorFrom = ` FROM users u LEFT JOIN doctor_profiles p ON p.user_id = u.id`

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor
	var availability []byte
	if err := row.Scan(&d.ID, &d.Email, &d.FullName, &d.IsActive, &d.Specialty, &d.Bio, &availability); err != nil {
		return nil, err
	}
	d.Availability = availability
	return &d, nil
}

func (r *doctorRepoPG) Upsert(ctx context.Context, p *DoctorProfile) error {
	var availability []byte
	if len(p.Availability) > 0 {
		availability = p.Availability
	}
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO doctor_profiles (user_id, specialty, bio, availability)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE
		SET specialty = EXCLUDED.specialty, bio = EXCLUDED.bio,
			availability = EXCLUDED.availability, updated_at = NOW()
		RETURNING updated_at`,
		p.UserID, p.Specialty, p.Bio, availability,
	).Scan(&p.UpdatedAt)
	return db.Classify(err, "doctor profile")
}

func (r *doctorRepoPG) Get(ctx context.Context, userID uuid.UUID) (*Doctor, error) {
	d, err := scanDoctor(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+doctorCols+doctorFrom+` WHERE u.id = $1 AND u.role = 'doctor'`, userID))
	if err != nil {
		return nil, db.Classify(err, "doctor")
	}
	return d, nil
}

func (r *doctorRepoPG) Search(ctx context.Context, params DoctorSearch, limit, offset int) ([]*Doctor, int, error) {
	where := ` WHERE u.role = 'doctor' AND u.is_active`
	var args []any
	idx := 1

	if params.Specialty != "" {
		where += fmt.Sprintf(` AND lower(p.specialty) = lower($%d)`, idx)
		args = append(args, params.Specialty)
		idx++
	}
	if params.Query != "" {
		where += fmt.Sprintf(` AND (u.full_name ILIKE $%d OR p.specialty ILIKE $%d)`, idx, idx)
		args = append(args, "%"+escapeLike(params.Query)+"%")
		idx++
	}

	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*)`+doctorFrom+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count doctors: %w", err)
	}

	query := `SELECT ` + doctorCols + doctorFrom + where +
		fmt.Sprintf(` ORDER BY u.full_name, u.id LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("search doctors: %w", err)
	}
	defer rows.Close()
	var items []*Doctor
	for rows.Next() {
		d, err := scanDoctor(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, d)
	}
	return items, total, rows.Err()
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike quotes LIKE wildcards so user input matches literally.
func escapeLike(s string) string { return likeEscaper.Replace(s) }

// =========== Patient Repository ===========

type patientRepoPG struct{ pool *pgxpool.Pool }

func NewPatientRepoPG(pool *pgxpool.Pool) PatientRepository { return &patientRepoPG{pool: pool} }

const patientCols = `user_id, date_of_birth, gender, phone_number, address, updated_at`

func scanPatient(row pgx.Row) (*PatientProfile, error) {
	var p PatientProfile
	err := row.Scan(&p.UserID, &p.DateOfBirth, &p.Gender, &p.PhoneNumber, &p.Address, &p.UpdatedAt)
	return &p, err
}

func (r *patientRepoPG) Upsert(ctx context.Context, p *PatientProfile) error {
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO patient_profiles (user_id, date_of_birth, gender, phone_number, address)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE
		SET date_of_birth = EXCLUDED.date_of_birth, gender = EXCLUDED.gender,
			phone_number = EXCLUDED.phone_number, address = EXCLUDED.address, updated_at = NOW()
		RETURNING updated_at`,
		p.UserID, p.DateOfBirth, p.Gender, p.PhoneNumber, p.Address,
	).Scan(&p.UpdatedAt)
	return db.Classify(err, "patient profile")
}

func (r *patientRepoPG) Get(ctx context.Context, userID uuid.UUID) (*PatientProfile, error) {
	p, err := scanPatient(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+patientCols+` FROM patient_profiles WHERE user_id = $1`, userID))
	if err != nil {
		return nil, db.Classify(err, "patient profile")
	}
	return p, nil
}
