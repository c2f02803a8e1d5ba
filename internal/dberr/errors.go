// Package dberr defines the error taxonomy shared by the schema model,
// the storage adapters and the high-level API.
//
// Backend adapters translate driver-level errors into this taxonomy at
// their boundary; nothing above the adapter layer sees a raw driver error.
package dberr

import (
	"errors"
	"fmt"
	"strings"
)

// Code categorizes database errors.
type Code string

const (
	// CodeSchema indicates a malformed schema definition. Fatal at load time.
	CodeSchema Code = "SCHEMA_ERROR"

	// CodeValidation indicates bad input data: unknown fields, failed type
	// checks, or deserialization failures.
	CodeValidation Code = "VALIDATION_ERROR"

	// CodeRelation indicates a relation edge referencing a nonexistent target.
	CodeRelation Code = "RELATION_ERROR"

	// CodeACL indicates an authorization denial.
	CodeACL Code = "ACL_DENIED"

	// CodeNotFound indicates an unknown entity or object.
	CodeNotFound Code = "NOT_FOUND"

	// CodeQuery indicates a malformed query spec.
	CodeQuery Code = "QUERY_ERROR"

	// CodeIntegrity indicates a backend-level conflict: a stale revision on a
	// compare-and-swap write, or a uniqueness violation. Safe to retry at the
	// caller's discretion.
	CodeIntegrity Code = "INTEGRITY_CONFLICT"

	// CodeStorage indicates a transient backend failure (connection loss,
	// I/O error). The wrapped cause is preserved for logging.
	CodeStorage Code = "STORAGE_ERROR"
)

// ErrAuditUnsupported is returned by audit retrieval on backends that do not
// persist audit entries.
var ErrAuditUnsupported = errors.New("audit log not supported by this backend")

// Error is a categorized database error.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Message is a human-readable description.
	Message string

	// Fields lists every offending field for validation errors, so a caller
	// can report all failures in one response.
	Fields []string

	// Err is the wrapped cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Fields) > 0 {
		return fmt.Sprintf("%s: %s (fields: %s)", e.Code, e.Message, strings.Join(e.Fields, ", "))
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// New creates an Error with the given code and formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewSchema creates a schema error.
func NewSchema(format string, args ...any) *Error {
	return New(CodeSchema, format, args...)
}

// NewValidation creates a validation error naming the offending fields.
func NewValidation(fields []string, format string, args ...any) *Error {
	e := New(CodeValidation, format, args...)
	e.Fields = fields
	return e
}

// NewRelation creates a relation-integrity error.
func NewRelation(format string, args ...any) *Error {
	return New(CodeRelation, format, args...)
}

// NewACL creates an authorization error.
func NewACL(format string, args ...any) *Error {
	return New(CodeACL, format, args...)
}

// NewNotFound creates a not-found error for the given entity or object path.
func NewNotFound(what string) *Error {
	return New(CodeNotFound, "%s", what)
}

// NewQuery creates a query-format error.
func NewQuery(format string, args ...any) *Error {
	return New(CodeQuery, format, args...)
}

// NewIntegrity creates an integrity-conflict error.
func NewIntegrity(format string, args ...any) *Error {
	return New(CodeIntegrity, format, args...)
}

// NewStorage wraps a backend driver error.
func NewStorage(err error) *Error {
	return &Error{Code: CodeStorage, Message: err.Error(), Err: err}
}

// is reports whether err carries the given code, unwrapping as needed.
func is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsSchema reports whether err is a schema error.
func IsSchema(err error) bool { return is(err, CodeSchema) }

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return is(err, CodeValidation) }

// IsRelation reports whether err is a relation-integrity error.
func IsRelation(err error) bool { return is(err, CodeRelation) }

// IsACL reports whether err is an authorization error.
func IsACL(err error) bool { return is(err, CodeACL) }

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return is(err, CodeNotFound) }

// IsQuery reports whether err is a query-format error.
func IsQuery(err error) bool { return is(err, CodeQuery) }

// IsIntegrity reports whether err is an integrity conflict.
func IsIntegrity(err error) bool { return is(err, CodeIntegrity) }

// IsStorage reports whether err is a transient storage failure.
func IsStorage(err error) bool { return is(err, CodeStorage) }
