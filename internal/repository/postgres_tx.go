package repository

import (
	"errors"

	"github.com/abhirambsn/mo-ticket/internal/domain"
	"github.com/abhirambsn/mo-ticket/pkg/telemetry"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/trace"
)

const (
	pgUniqueViolation = "23505"
	pgInvalidText     = "22P02"
)

// uniqueViolation returns the violated constraint name for a 23505 error
func uniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return pgErr.ConstraintName, true
	}
	return "", false
}

// invalidText reports a malformed literal, usually a non-UUID id
func invalidText(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgInvalidText
}

// finishSpan records err on span. Domain outcomes are not span errors.
func finishSpan(span trace.Span, err error) {
	var derr *domain.Error
	switch {
	case err == nil, errors.As(err, &derr), errors.Is(err, ErrGrantsOutstanding):
		telemetry.OK(span)
	default:
		telemetry.Fail(span, err)
	}
}
