package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/clinic/clinic/pkg/apperr"
)

func TestClassify_NoRows(t *testing.T) {
	err := Classify(fmt.Errorf("get appointment: %w", pgx.ErrNoRows), "appointment")
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		t.Error("expected cause to be preserved")
	}
}

func TestClassify_PgCodes(t *testing.T) {
	cases := []struct {
		code string
		kind apperr.Kind
	}{
		{"23505", apperr.KindConflict},
		{"23503", apperr.KindValidation},
		{"23514", apperr.KindValidation},
	}
	for _, tc := range cases {
		err := Classify(&pgconn.PgError{Code: tc.code, ConstraintName: "c"}, "user")
		if got := apperr.KindOf(err); got != tc.kind {
			t.Errorf("code %s: expected %s, got %s", tc.code, tc.kind, got)
		}
	}
}

func TestClassify_Passthrough(t *testing.T) {
	if Classify(nil, "x") != nil {
		t.Error("expected nil for nil error")
	}
	plain := errors.New("network down")
	if got := Classify(plain, "x"); got != plain {
		t.Errorf("expected unknown error to pass through, got %v", got)
	}
}

func TestUniqueViolation(t *testing.T) {
	err := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505", ConstraintName: "appointments_doctor_slot_key"})
	name, ok := UniqueViolation(err)
	if !ok || name != "appointments_doctor_slot_key" {
		t.Errorf("expected unique violation on appointments_doctor_slot_key, got %q %v", name, ok)
	}
	if _, ok := UniqueViolation(errors.New("other")); ok {
		t.Error("expected plain error not to be a unique violation")
	}
}
