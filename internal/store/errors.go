package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Kind classifies a store failure by the recovery it allows
type Kind int

const (
	// KindPersistent has no local recovery
	KindPersistent Kind = iota
	// KindSchemaMissing means a relation does not exist yet
	KindSchemaMissing
	// KindUniqueViolation means a concurrent writer inserted the same key
	KindUniqueViolation
	// KindTransient covers connectivity loss and timeouts
	KindTransient
	// KindNotFound means a lookup matched no row
	KindNotFound
	// KindForeignKeyViolation means a referenced row no longer exists
	KindForeignKeyViolation
)

func (k Kind) String() string {
	switch k {
	case KindSchemaMissing:
		return "schema missing"
	case KindUniqueViolation:
		return "unique violation"
	case KindTransient:
		return "transient"
	case KindNotFound:
		return "not found"
	case KindForeignKeyViolation:
		return "foreign key violation"
	default:
		return "persistent"
	}
}

// Error is a classified store failure
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Classify wraps err in an *Error carrying its Kind. Already classified
// errors are returned unchanged.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Op: op, Kind: kindOf(err), Err: err}
}

// KindOf returns the Kind of a classified error, or KindPersistent
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindPersistent
}

// Kind predicates over errors returned by this package
func IsSchemaMissing(err error) bool       { return KindOf(err) == KindSchemaMissing }
func IsUniqueViolation(err error) bool     { return KindOf(err) == KindUniqueViolation }
func IsTransient(err error) bool           { return KindOf(err) == KindTransient }
func IsNotFound(err error) bool            { return KindOf(err) == KindNotFound }
func IsForeignKeyViolation(err error) bool { return KindOf(err) == KindForeignKeyViolation }

func kindOf(err error) Kind {
	if errors.Is(err, pgx.ErrNoRows) {
		return KindNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return kindOfCode(pgErr.Code)
	}

	// pgconn wraps dial failures around the underlying net.Error
	if pgconn.Timeout(err) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}

	return KindPersistent
}

// kindOfCode maps a SQLSTATE to a Kind
func kindOfCode(code string) Kind {
	switch code {
	case "42P01", "3F000": // undefined_table, invalid_schema_name
		return KindSchemaMissing
	case "23505":
		return KindUniqueViolation
	case "23503":
		return KindForeignKeyViolation
	case "53300", "57P01", "57P02", "57P03", "40001", "40P01", "57014":
		return KindTransient
	}
	// connection_exception class
	if strings.HasPrefix(code, "08") {
		return KindTransient
	}
	return KindPersistent
}

// isAlreadyExists reports DDL races lost to a concurrent provisioner
func isAlreadyExists(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "42P07", "42710", "23505": // duplicate_table, duplicate_object, pg_type race
		return true
	}
	return false
}
