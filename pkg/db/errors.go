package db

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

const (
	sqlStateUniqueViolation      = "23505"
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
)

func sqlState(err error) (code, constraint string) {
	var pgxErr *pgconn.PgError
	if errors.As(err, &pgxErr) {
		return pgxErr.Code, pgxErr.ConstraintName
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code), pqErr.Constraint
	}
	return "", ""
}

// IsUniqueViolation reports a unique constraint failure, optionally for one
// named constraint. SQLite messages are matched by text for tests.
func IsUniqueViolation(err error, constraintName string) bool {
	if err == nil {
		return false
	}
	if code, constraint := sqlState(err); code != "" {
		return code == sqlStateUniqueViolation && (constraintName == "" || constraint == constraintName)
	}
	msg := err.Error()
	if !strings.Contains(msg, "duplicate key value") && !strings.Contains(msg, "UNIQUE constraint failed") {
		return false
	}
	return constraintName == "" || strings.Contains(msg, constraintName)
}

// IsRetryableTx reports errors after which rerunning the whole transaction
// can succeed.
func IsRetryableTx(err error) bool {
	code, _ := sqlState(err)
	return code == sqlStateSerializationFailure || code == sqlStateDeadlockDetected
}
