package clinical

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/clinic/internal/platform/db"
	"github.com/clinic/clinic/pkg/apperr"
)

// partyWhere appends the party filter of f to where.
func partyWhere(f RecordFilter, where string, args []any, idx int, alias string) (string, []any, int) {
	if f.PatientID != nil {
		where += fmt.Sprintf(` AND %spatient_id = $%d`, alias, idx)
		args = append(args, *f.PatientID)
		idx++
	}
	if f.DoctorID != nil {
		where += fmt.Sprintf(` AND %sdoctor_id = $%d`, alias, idx)
		args = append(args, *f.DoctorID)
		idx++
	}
	return where, args, idx
}

// =========== Medical Record Repository ===========

type recordRepoPG struct{ pool *pgxpool.Pool }

func NewRecordRepoPG(pool *pgxpool.Pool) RecordRepository {
	return &recordRepoPG{pool: pool}
}

const recordCols = `id, patient_id, doctor_id, diagnosis, symptoms, notes, created_at`

func scanRecord(row pgx.Row) (*MedicalRecord, error) {
	var r MedicalRecord
	err := row.Scan(&r.ID, &r.PatientID, &r.DoctorID, &r.Diagnosis, &r.Symptoms, &r.Notes, &r.CreatedAt)
	if r.Symptoms == nil {
		r.Symptoms = []string{}
	}
	return &r, err
}

func (r *recordRepoPG) Create(ctx context.Context, rec *MedicalRecord) error {
	rec.ID = uuid.New()
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO medical_records (id, patient_id, doctor_id, diagnosis, symptoms, notes)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		rec.ID, rec.PatientID, rec.DoctorID, rec.Diagnosis, rec.Symptoms, rec.Notes,
	).Scan(&rec.CreatedAt)
	return db.Classify(err, "medical record")
}

func (r *recordRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*MedicalRecord, error) {
	rec, err := scanRecord(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+recordCols+` FROM medical_records WHERE id = $1`, id))
	if err != nil {
		return nil, db.Classify(err, "medical record")
	}
	return rec, nil
}

func (r *recordRepoPG) Update(ctx context.Context, rec *MedicalRecord) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE medical_records SET diagnosis = $2, symptoms = $3, notes = $4
		WHERE id = $1`,
		rec.ID, rec.Diagnosis, rec.Symptoms, rec.Notes)
	if err != nil {
		return db.Classify(err, "medical record")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("medical record not found")
	}
	return nil
}

// Delete removes the record; its prescriptions go with it by cascade.
func (r *recordRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM medical_records WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("medical record not found")
	}
	return nil
}

func (r *recordRepoPG) List(ctx context.Context, f RecordFilter, limit, offset int) ([]*MedicalRecord, int, error) {
	where, args, idx := partyWhere(f, ` WHERE 1=1`, nil, 1, "")

	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM medical_records`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count medical records: %w", err)
	}

	query := `SELECT ` + recordCols + ` FROM medical_records` + where +
		fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list medical records: %w", err)
	}
	defer rows.Close()
	var items []*MedicalRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, rec)
	}
	return items, total, rows.Err()
}

// =========== Prescription Repository ===========

type prescriptionRepoPG struct{ pool *pgxpool.Pool }

func NewPrescriptionRepoPG(pool *pgxpool.Pool) PrescriptionRepository {
	return &prescriptionRepoPG{pool: pool}
}

const rxCols = `p.id, p.medical_record_id, p.medication_name, p.dosage, p.is_active`

func scanPrescription(row pgx.Row) (*Prescription, error) {
	var p Prescription
	err := row.Scan(&p.ID, &p.MedicalRecordID, &p.MedicationName, &p.Dosage, &p.IsActive)
	return &p, err
}

func (r *prescriptionRepoPG) Create(ctx context.Context, p *Prescription) error {
	p.ID = uuid.New()
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO prescriptions (id, medical_record_id, medication_name, dosage, is_active)
		VALUES ($1, $2, $3, $4, $5)`,
		p.ID, p.MedicalRecordID, p.MedicationName, p.Dosage, p.IsActive)
	return db.Classify(err, "prescription")
}

func (r *prescriptionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	p, err := scanPrescription(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+rxCols+` FROM prescriptions p WHERE p.id = $1`, id))
	if err != nil {
		return nil, db.Classify(err, "prescription")
	}
	return p, nil
}

func (r *prescriptionRepoPG) Update(ctx context.Context, p *Prescription) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE prescriptions SET medication_name = $2, dosage = $3, is_active = $4
		WHERE id = $1`,
		p.ID, p.MedicationName, p.Dosage, p.IsActive)
	if err != nil {
		return db.Classify(err, "prescription")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("prescription not found")
	}
	return nil
}

func (r *prescriptionRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM prescriptions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("prescription not found")
	}
	return nil
}

func (r *prescriptionRepoPG) ForRecords(ctx context.Context, recordIDs []uuid.UUID) (map[uuid.UUID][]*Prescription, error) {
	out := make(map[uuid.UUID][]*Prescription, len(recordIDs))
	if len(recordIDs) == 0 {
		return out, nil
	}
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+rxCols+` FROM prescriptions p WHERE p.medical_record_id = ANY($1) ORDER BY p.medication_name, p.id`,
		recordIDs)
	if err != nil {
		return nil, fmt.Errorf("prescriptions for records: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			return nil, err
		}
		out[p.MedicalRecordID] = append(out[p.MedicalRecordID], p)
	}
	return out, rows.Err()
}

func (r *prescriptionRepoPG) DeleteForRecord(ctx context.Context, recordID uuid.UUID) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM prescriptions WHERE medical_record_id = $1`, recordID)
	if err != nil {
		return fmt.Errorf("clear prescriptions: %w", err)
	}
	return nil
}

func (r *prescriptionRepoPG) List(ctx context.Context, f PrescriptionFilter, limit, offset int) ([]*Prescription, int, error) {
	where, args, idx := partyWhere(f.RecordFilter, ` WHERE 1=1`, nil, 1, "m.")
	if f.RecordID != nil {
		where += fmt.Sprintf(` AND p.medical_record_id = $%d`, idx)
		args = append(args, *f.RecordID)
		idx++
	}
	from := ` FROM prescriptions p JOIN medical_records m ON m.id = p.medical_record_id`

	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*)`+from+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count prescriptions: %w", err)
	}

	query := `SELECT ` + rxCols + from + where +
		fmt.Sprintf(` ORDER BY m.created_at DESC, p.medication_name, p.id LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list prescriptions: %w", err)
	}
	defer rows.Close()
	var items []*Prescription
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}
