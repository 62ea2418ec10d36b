package clinical

import (
	"context"

	"github.com/google/uuid"
)

type RecordRepository interface {
	Create(ctx context.Context, r *MedicalRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*MedicalRecord, error)
	Update(ctx context.Context, r *MedicalRecord) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, f RecordFilter, limit, offset int) ([]*MedicalRecord, int, error)
}

// PrescriptionFilter narrows prescriptions to those on records a party can
// see, optionally on one record.
type PrescriptionFilter struct {
	RecordFilter
	RecordID *uuid.UUID
}

type PrescriptionRepository interface {
	Create(ctx context.Context, p *Prescription) error
	GetByID(ctx context.Context, id uuid.UUID) (*Prescription, error)
	Update(ctx context.Context, p *Prescription) error
	Delete(ctx context.Context, id uuid.UUID) error
	// ForRecords returns the prescriptions of every given record keyed by
	// record id.
	ForRecords(ctx context.Context, recordIDs []uuid.UUID) (map[uuid.UUID][]*Prescription, error)
	// DeleteForRecord removes every prescription of a record.
	DeleteForRecord(ctx context.Context, recordID uuid.UUID) error
	List(ctx context.Context, f PrescriptionFilter, limit, offset int) ([]*Prescription, int, error)
}

// Directory resolves a user's role and active flag.
type Directory interface {
	UserRole(ctx context.Context, id uuid.UUID) (role string, active bool, err error)
}
