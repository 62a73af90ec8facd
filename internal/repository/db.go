package repository

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
)

// SQLExecutor represents both sql.DB and sql.Tx
type SQLExecutor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// DB represents a database that can begin transactions
type DB interface {
	SQLExecutor
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

var (
	_ DB          = (*sql.DB)(nil)
	_ SQLExecutor = (*sql.Tx)(nil)
)

const (
	uniqueViolation = "23505"
	checkViolation  = "23514"
)

func pqCode(err error) (*pq.Error, bool) {
	pqErr, ok := err.(*pq.Error)
	if !ok {
		return nil, false
	}
	return pqErr, true
}

func isUniqueViolation(err error, constraint string) bool {
	pqErr, ok := pqCode(err)
	if !ok || pqErr.Code != uniqueViolation {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

func isCheckViolation(err error) bool {
	pqErr, ok := pqCode(err)
	return ok && pqErr.Code == checkViolation
}

// nullString maps empty strings to SQL NULL.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
