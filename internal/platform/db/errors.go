package db

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/clinic/clinic/pkg/apperr"
)

// PostgreSQL SQLSTATE codes mapped by Classify.
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
	codeCheckViolation      = "23514"
)

// UniqueViolation reports whether err is a unique constraint violation and,
// if so, the name of the constraint.
func UniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return pgErr.ConstraintName, true
	}
	return "", false
}

// Classify maps driver errors onto apperr kinds. what names the entity for
// the not-found message. Unknown errors are returned unchanged.
func Classify(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.Wrap(apperr.KindNotFound, err, what+" not found")
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			return apperr.Wrap(apperr.KindConflict, err, what+" already exists")
		case codeForeignKeyViolation:
			return apperr.Wrap(apperr.KindValidation, err, "referenced record does not exist")
		case codeCheckViolation:
			return apperr.Wrap(apperr.KindValidation, err, "value violates constraint "+pgErr.ConstraintName)
		}
	}
	return err
}
