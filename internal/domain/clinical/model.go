package clinical

import (
	"time"

	"github.com/google/uuid"
)

// MedicalRecord is a diagnosis written by a doctor for one patient. It owns
// its prescriptions.
type MedicalRecord struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	PatientID     uuid.UUID       `db:"patient_id" json:"patient_id"`
	DoctorID      uuid.UUID       `db:"doctor_id" json:"doctor_id"`
	Diagnosis     string          `db:"diagnosis" json:"diagnosis"`
	Symptoms      []string        `db:"symptoms" json:"symptoms"`
	Notes         *string         `db:"notes" json:"notes"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	Prescriptions []*Prescription `db:"-" json:"prescriptions"`
}

// IsParty reports whether user is the record's patient or doctor.
func (r *MedicalRecord) IsParty(user uuid.UUID) bool {
	return r.PatientID == user || r.DoctorID == user
}

type Prescription struct {
	ID              uuid.UUID `db:"id" json:"id"`
	MedicalRecordID uuid.UUID `db:"medical_record_id" json:"medical_record_id"`
	MedicationName  string    `db:"medication_name" json:"medication_name"`
	Dosage          string    `db:"dosage" json:"dosage"`
	IsActive        bool      `db:"is_active" json:"is_active"`
}

// PrescriptionInput is one prescription line in a record write. IsActive
// defaults to true when omitted.
type PrescriptionInput struct {
	MedicationName string `json:"medication_name"`
	Dosage         string `json:"dosage"`
	IsActive       *bool  `json:"is_active"`
}

type RecordInput struct {
	PatientID     uuid.UUID           `json:"patient_id"`
	Diagnosis     string              `json:"diagnosis"`
	Symptoms      []string            `json:"symptoms"`
	Notes         *string             `json:"notes"`
	Prescriptions []PrescriptionInput `json:"prescriptions"`
}

// RecordUpdate replaces the mutable fields of a record. A nil Prescriptions
// leaves the set untouched; an empty list clears it.
type RecordUpdate struct {
	Diagnosis     *string              `json:"diagnosis"`
	Symptoms      []string             `json:"symptoms"`
	Notes         *string              `json:"notes"`
	Prescriptions *[]PrescriptionInput `json:"prescriptions"`
}

type PrescriptionCreate struct {
	MedicalRecordID uuid.UUID `json:"medical_record_id"`
	PrescriptionInput
}

type PrescriptionUpdate struct {
	MedicationName *string `json:"medication_name"`
	Dosage         *string `json:"dosage"`
	IsActive       *bool   `json:"is_active"`
}

// RecordFilter scopes listings to one party. Exactly one of the ids is set
// by the service.
type RecordFilter struct {
	PatientID *uuid.UUID
	DoctorID  *uuid.UUID
}
