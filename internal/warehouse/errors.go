package warehouse

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// SchemaMismatchError signals that the target table no longer matches the
// entity schema (missing table, missing column, incompatible type). Retrying
// cannot help; the entity halts until an operator fixes the table.
type SchemaMismatchError struct {
	Entity string
	Code   string
	Err    error
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("warehouse schema mismatch for %s (sqlstate %s): %v", e.Entity, e.Code, e.Err)
}

func (e *SchemaMismatchError) Unwrap() error {
	return e.Err
}

// ConnectivityError signals a warehouse failure worth retrying on a later
// cycle: connection loss, resource exhaustion, or an administrative shutdown.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("warehouse unavailable during %s: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

// classify maps a pgx error onto the store's error taxonomy. SQLSTATE class
// 42 is a schema defect, classes 08/53/57 are connectivity, anything else
// from the server stays a plain wrapped error. Non-server failures (dial,
// reset) are connectivity.
func classify(entityName, op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if len(pgErr.Code) >= 2 {
			switch pgErr.Code[:2] {
			case "42":
				return &SchemaMismatchError{Entity: entityName, Code: pgErr.Code, Err: err}
			case "08", "53", "57":
				return &ConnectivityError{Op: op, Err: err}
			}
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return &ConnectivityError{Op: op, Err: err}
}
