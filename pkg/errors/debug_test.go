package errors

import (
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestLogFieldsUnwrapsPostgresErrors(t *testing.T) {
	pgxErr := &pgconn.PgError{Code: "23505", ConstraintName: "ux_revenue_splits_active", TableName: "revenue_splits"}
	err := Wrap(CodeConflict, fmt.Errorf("insert: %w", pgxErr), "revenue split changed concurrently")

	fields := LogFields(err)
	assert.Equal(t, CodeConflict, fields["error_code"])
	assert.Equal(t, "23505", fields["pg_code"])
	assert.Equal(t, "ux_revenue_splits_active", fields["pg_constraint"])
	assert.NotContains(t, fields, "pg_column")
	assert.NotEmpty(t, fields["error_chain"])

	pqFields := LogFields(fmt.Errorf("scan: %w", &pq.Error{Code: "23514", Table: "payment_transactions"}))
	assert.Equal(t, "23514", pqFields["pg_code"])
	assert.NotContains(t, pqFields, "error_code")
}

func TestLogFieldsPlainError(t *testing.T) {
	assert.Nil(t, LogFields(nil))
	fields := LogFields(fmt.Errorf("boom"))
	assert.Equal(t, "boom", fields["error"])
	assert.NotContains(t, fields, "error_chain")
}
