package clinical

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/db"
	"github.com/clinic/clinic/pkg/apperr"
)

// Metrics counts record writes by operation.
type Metrics interface {
	RecordWrite(operation string)
}

type nopMetrics struct{}

func (nopMetrics) RecordWrite(string) {}

type Service struct {
	records       RecordRepository
	prescriptions PrescriptionRepository
	directory     Directory
	tx            db.TxRunner
	metrics       Metrics
}

func NewService(records RecordRepository, prescriptions PrescriptionRepository, dir Directory, tx db.TxRunner) *Service {
	return &Service{
		records:       records,
		prescriptions: prescriptions,
		directory:     dir,
		tx:            tx,
		metrics:       nopMetrics{},
	}
}

func (s *Service) WithMetrics(m Metrics) *Service {
	if m != nil {
		s.metrics = m
	}
	return s
}

// scope returns the listing filter for caller. ok is false for roles that
// see no records.
func scope(caller auth.Caller) (f RecordFilter, ok bool) {
	switch caller.Role {
	case auth.RolePatient:
		f.PatientID = &caller.ID
	case auth.RoleDoctor:
		f.DoctorID = &caller.ID
	default:
		return f, false
	}
	return f, true
}

func normalizeSymptoms(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func buildPrescriptions(recordID uuid.UUID, in []PrescriptionInput) ([]*Prescription, error) {
	out := make([]*Prescription, 0, len(in))
	for i, p := range in {
		rx, err := newPrescription(recordID, p)
		if err != nil {
			return nil, apperr.Validation("prescriptions[%d]: %s", i, err.Error())
		}
		out = append(out, rx)
	}
	return out, nil
}

func newPrescription(recordID uuid.UUID, in PrescriptionInput) (*Prescription, error) {
	p := &Prescription{
		MedicalRecordID: recordID,
		MedicationName:  strings.TrimSpace(in.MedicationName),
		Dosage:          strings.TrimSpace(in.Dosage),
		IsActive:        true,
	}
	if in.IsActive != nil {
		p.IsActive = *in.IsActive
	}
	if err := validatePrescription(p); err != nil {
		return nil, err
	}
	return p, nil
}

func validatePrescription(p *Prescription) error {
	if p.MedicationName == "" {
		return apperr.Validation("medication_name is required")
	}
	if p.Dosage == "" {
		return apperr.Validation("dosage is required")
	}
	if utf8.RuneCountInString(p.MedicationName) > 100 || utf8.RuneCountInString(p.Dosage) > 100 {
		return apperr.Validation("medication_name and dosage are limited to 100 characters")
	}
	return nil
}

func validateDiagnosis(d string) error {
	if d == "" {
		return apperr.Validation("diagnosis is required")
	}
	if utf8.RuneCountInString(d) > 255 {
		return apperr.Validation("diagnosis is limited to 255 characters")
	}
	return nil
}

// -- Medical Records --

func (s *Service) CreateRecord(ctx context.Context, caller auth.Caller, in RecordInput) (*MedicalRecord, error) {
	if !caller.Is(auth.RoleDoctor) {
		return nil, apperr.Validation("you must be a doctor to create a medical record")
	}
	if in.PatientID == uuid.Nil {
		return nil, apperr.Validation("patient_id is required")
	}
	rec := &MedicalRecord{
		PatientID: in.PatientID,
		DoctorID:  caller.ID,
		Diagnosis: strings.TrimSpace(in.Diagnosis),
		Symptoms:  normalizeSymptoms(in.Symptoms),
		Notes:     in.Notes,
	}
	if err := validateDiagnosis(rec.Diagnosis); err != nil {
		return nil, err
	}
	rxs, err := buildPrescriptions(uuid.Nil, in.Prescriptions)
	if err != nil {
		return nil, err
	}
	if err := s.requirePatient(ctx, in.PatientID); err != nil {
		return nil, err
	}

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.records.Create(ctx, rec); err != nil {
			return err
		}
		return s.insertPrescriptions(ctx, rec.ID, rxs)
	})
	if err != nil {
		return nil, err
	}
	rec.Prescriptions = rxs
	s.metrics.RecordWrite("create")
	log.Ctx(ctx).Info().Str("record_id", rec.ID.String()).Int("prescriptions", len(rxs)).Msg("medical record created")
	return rec, nil
}

func (s *Service) requirePatient(ctx context.Context, id uuid.UUID) error {
	role, _, err := s.directory.UserRole(ctx, id)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return apperr.Validation("patient not found")
		}
		return err
	}
	if role != auth.RolePatient {
		return apperr.Validation("patient_id does not refer to a patient")
	}
	return nil
}

func (s *Service) insertPrescriptions(ctx context.Context, recordID uuid.UUID, rxs []*Prescription) error {
	for _, p := range rxs {
		p.MedicalRecordID = recordID
		if err := s.prescriptions.Create(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) attach(ctx context.Context, recs ...*MedicalRecord) error {
	ids := make([]uuid.UUID, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}
	byRecord, err := s.prescriptions.ForRecords(ctx, ids)
	if err != nil {
		return err
	}
	for _, r := range recs {
		r.Prescriptions = byRecord[r.ID]
		if r.Prescriptions == nil {
			r.Prescriptions = []*Prescription{}
		}
	}
	return nil
}

// ListRecords returns the records the caller is a party to, newest first.
func (s *Service) ListRecords(ctx context.Context, caller auth.Caller, limit, offset int) ([]*MedicalRecord, int, error) {
	f, ok := scope(caller)
	if !ok {
		return []*MedicalRecord{}, 0, nil
	}
	items, total, err := s.records.List(ctx, f, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	if len(items) > 0 {
		if err := s.attach(ctx, items...); err != nil {
			return nil, 0, err
		}
	}
	return items, total, nil
}

// visibleRecord loads a record and hides it from non-parties.
func (s *Service) visibleRecord(ctx context.Context, caller auth.Caller, id uuid.UUID) (*MedicalRecord, error) {
	rec, err := s.records.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rec.IsParty(caller.ID) {
		return nil, apperr.NotFound("medical record not found")
	}
	return rec, nil
}

// authoredRecord loads a visible record and requires caller to be its doctor.
func (s *Service) authoredRecord(ctx context.Context, caller auth.Caller, id uuid.UUID) (*MedicalRecord, error) {
	rec, err := s.visibleRecord(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if rec.DoctorID != caller.ID {
		return nil, apperr.Forbidden("only the record's doctor can modify it")
	}
	return rec, nil
}

func (s *Service) GetRecord(ctx context.Context, caller auth.Caller, id uuid.UUID) (*MedicalRecord, error) {
	rec, err := s.visibleRecord(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if err := s.attach(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// UpdateRecord applies in to a record. When prescriptions are given the
// stored set is deleted and re-inserted, never merged.
func (s *Service) UpdateRecord(ctx context.Context, caller auth.Caller, id uuid.UUID, in RecordUpdate) (*MedicalRecord, error) {
	rec, err := s.authoredRecord(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if in.Diagnosis != nil {
		rec.Diagnosis = strings.TrimSpace(*in.Diagnosis)
		if err := validateDiagnosis(rec.Diagnosis); err != nil {
			return nil, err
		}
	}
	if in.Symptoms != nil {
		rec.Symptoms = normalizeSymptoms(in.Symptoms)
	}
	if in.Notes != nil {
		rec.Notes = in.Notes
	}
	var replacement []*Prescription
	if in.Prescriptions != nil {
		if replacement, err = buildPrescriptions(rec.ID, *in.Prescriptions); err != nil {
			return nil, err
		}
	}

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.records.Update(ctx, rec); err != nil {
			return err
		}
		if replacement == nil {
			return nil
		}
		if err := s.prescriptions.DeleteForRecord(ctx, rec.ID); err != nil {
			return err
		}
		return s.insertPrescriptions(ctx, rec.ID, replacement)
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordWrite("update")

	if replacement != nil {
		rec.Prescriptions = replacement
		return rec, nil
	}
	if err := s.attach(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Service) DeleteRecord(ctx context.Context, caller auth.Caller, id uuid.UUID) error {
	if _, err := s.authoredRecord(ctx, caller, id); err != nil {
		return err
	}
	if err := s.records.Delete(ctx, id); err != nil {
		return err
	}
	s.metrics.RecordWrite("delete")
	return nil
}

// -- Prescriptions --

// ListPrescriptions returns prescriptions on records visible to caller,
// optionally narrowed to one record.
func (s *Service) ListPrescriptions(ctx context.Context, caller auth.Caller, recordID *uuid.UUID, limit, offset int) ([]*Prescription, int, error) {
	f, ok := scope(caller)
	if !ok {
		return []*Prescription{}, 0, nil
	}
	return s.prescriptions.List(ctx, PrescriptionFilter{RecordFilter: f, RecordID: recordID}, limit, offset)
}

// visiblePrescription loads a prescription and its record, hiding both from
// non-parties.
func (s *Service) visiblePrescription(ctx context.Context, caller auth.Caller, id uuid.UUID) (*Prescription, *MedicalRecord, error) {
	p, err := s.prescriptions.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	rec, err := s.records.GetByID(ctx, p.MedicalRecordID)
	if err != nil {
		return nil, nil, err
	}
	if !rec.IsParty(caller.ID) {
		return nil, nil, apperr.NotFound("prescription not found")
	}
	return p, rec, nil
}

func (s *Service) GetPrescription(ctx context.Context, caller auth.Caller, id uuid.UUID) (*Prescription, error) {
	p, _, err := s.visiblePrescription(ctx, caller, id)
	return p, err
}

func (s *Service) CreatePrescription(ctx context.Context, caller auth.Caller, in PrescriptionCreate) (*Prescription, error) {
	if in.MedicalRecordID == uuid.Nil {
		return nil, apperr.Validation("medical_record_id is required")
	}
	rec, err := s.authoredRecord(ctx, caller, in.MedicalRecordID)
	if err != nil {
		return nil, err
	}
	p, err := newPrescription(rec.ID, in.PrescriptionInput)
	if err != nil {
		return nil, err
	}
	if err := s.prescriptions.Create(ctx, p); err != nil {
		return nil, err
	}
	s.metrics.RecordWrite("prescription_create")
	return p, nil
}

func (s *Service) UpdatePrescription(ctx context.Context, caller auth.Caller, id uuid.UUID, in PrescriptionUpdate) (*Prescription, error) {
	p, rec, err := s.visiblePrescription(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if rec.DoctorID != caller.ID {
		return nil, apperr.Forbidden("only the record's doctor can modify its prescriptions")
	}
	if in.MedicationName != nil {
		p.MedicationName = strings.TrimSpace(*in.MedicationName)
	}
	if in.Dosage != nil {
		p.Dosage = strings.TrimSpace(*in.Dosage)
	}
	if in.IsActive != nil {
		p.IsActive = *in.IsActive
	}
	if err := validatePrescription(p); err != nil {
		return nil, err
	}
	if err := s.prescriptions.Update(ctx, p); err != nil {
		return nil, err
	}
	s.metrics.RecordWrite("prescription_update")
	return p, nil
}

func (s *Service) DeletePrescription(ctx context.Context, caller auth.Caller, id uuid.UUID) error {
	_, rec, err := s.visiblePrescription(ctx, caller, id)
	if err != nil {
		return err
	}
	if rec.DoctorID != caller.ID {
		return apperr.Forbidden("only the record's doctor can modify its prescriptions")
	}
	if err := s.prescriptions.Delete(ctx, id); err != nil {
		return err
	}
	s.metrics.RecordWrite("prescription_delete")
	return nil
}
