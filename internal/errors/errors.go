// Package errors provides explicit, human-readable error types for dbtester.
// Every error carries a Reason and a Suggestion so an operator reading an
// audit record knows what failed and what to check next.
//
// The taxonomy follows how failures are handled by the engine:
//   - configuration errors are fatal at process startup
//   - connection, permission and driver errors are recorded on the affected
//     operation result and never abort a run
//   - validation errors fail an operation before any database call
//   - not-found and storage errors propagate to the caller
package errors

import (
	stderrors "errors"
	"fmt"
)

// TesterError is the base error type for all dbtester errors.
type TesterError struct {
	Code       ErrorCode
	Message    string
	Reason     string
	Suggestion string
	Cause      error
}

// ErrorCode represents the category of error for exit code mapping.
type ErrorCode int

const (
	CodeValidation    ErrorCode = 1
	CodeConfiguration ErrorCode = 2
	CodeConnection    ErrorCode = 3
	CodeInternal      ErrorCode = 4
)

func (e *TesterError) Error() string {
	msg := e.Message
	if e.Reason != "" {
		msg = fmt.Sprintf("%s\nReason: %s", msg, e.Reason)
	}
	if e.Suggestion != "" {
		msg = fmt.Sprintf("%s\nSuggestion: %s", msg, e.Suggestion)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s\nCaused by: %v", msg, e.Cause)
	}
	return msg
}

func (e *TesterError) Unwrap() error {
	return e.Cause
}

// ErrorCode returns the category of the error. Embedding types inherit it,
// which lets CodeOf find the category through any wrapping.
func (e *TesterError) ErrorCode() ErrorCode {
	return e.Code
}

// Short returns the message and reason on one line, for operation results.
func (e *TesterError) Short() string {
	if e.Reason == "" {
		return e.Message
	}
	return e.Message + ": " + e.Reason
}

// Detail returns the shared fields of the error.
func (e *TesterError) Detail() *TesterError {
	return e
}

// AsTesterError returns the first dbtester error in err's chain.
func AsTesterError(err error) (*TesterError, bool) {
	var d interface{ Detail() *TesterError }
	if stderrors.As(err, &d) {
		return d.Detail(), true
	}
	return nil, false
}

// CodeOf returns the error category of err, or CodeInternal when err is not
// a dbtester error.
func CodeOf(err error) ErrorCode {
	var coded interface{ ErrorCode() ErrorCode }
	if stderrors.As(err, &coded) {
		return coded.ErrorCode()
	}
	return CodeInternal
}

// ErrConfiguration is returned when required process configuration is
// missing or malformed. It is never recoverable per call.
type ErrConfiguration struct {
	TesterError
	Key string
}

// NewConfigurationError creates a new ErrConfiguration.
func NewConfigurationError(key, reason string) *ErrConfiguration {
	return &ErrConfiguration{
		TesterError: TesterError{
			Code:       CodeConfiguration,
			Message:    fmt.Sprintf("invalid configuration: %s", key),
			Reason:     reason,
			Suggestion: fmt.Sprintf("set '%s' in dbtester.yaml or the DBTESTER_ environment", key),
		},
		Key: key,
	}
}

// ErrConnection is returned when a database cannot be reached or rejects
// the supplied credentials. The message never contains the password.
type ErrConnection struct {
	TesterError
	Server   string
	Database string
	AuthFail bool
}

// NewConnectionFailed creates a new ErrConnection.
func NewConnectionFailed(server, database string, cause error) *ErrConnection {
	return &ErrConnection{
		TesterError: TesterError{
			Code:       CodeConnection,
			Message:    fmt.Sprintf("cannot connect to %s/%s", server, database),
			Reason:     "server unreachable or connection refused",
			Suggestion: "check the connection host, port and network reachability",
			Cause:      cause,
		},
		Server:   server,
		Database: database,
	}
}

// NewAuthenticationFailed creates an ErrConnection for rejected credentials.
func NewAuthenticationFailed(server, database, username string, cause error) *ErrConnection {
	return &ErrConnection{
		TesterError: TesterError{
			Code:       CodeConnection,
			Message:    fmt.Sprintf("authentication failed for user %s on %s/%s", username, server, database),
			Reason:     "the server rejected the supplied credentials",
			Suggestion: "verify the stored username and password for this user",
			Cause:      cause,
		},
		Server:   server,
		Database: database,
		AuthFail: true,
	}
}

// ErrPermissionDenied is returned when the driver reports insufficient
// privilege. It is an expected outcome of a probe, not an engine failure.
type ErrPermissionDenied struct {
	TesterError
	Permission string
	Object     string
}

// NewPermissionDenied creates a new ErrPermissionDenied.
func NewPermissionDenied(permission, object string, cause error) *ErrPermissionDenied {
	target := object
	if target == "" {
		target = "database"
	}
	return &ErrPermissionDenied{
		TesterError: TesterError{
			Code:       CodeValidation,
			Message:    fmt.Sprintf("%s denied on %s", permission, target),
			Reason:     "the server reported insufficient privilege",
			Suggestion: "grant the privilege if the user is expected to hold it",
			Cause:      cause,
		},
		Permission: permission,
		Object:     object,
	}
}

// ErrValidation is returned when an operation is rejected before any
// database call is made.
type ErrValidation struct {
	TesterError
	Field string
}

// NewValidation creates a new ErrValidation.
func NewValidation(field, reason string) *ErrValidation {
	return &ErrValidation{
		TesterError: TesterError{
			Code:       CodeValidation,
			Message:    "validation failed",
			Reason:     fmt.Sprintf("field '%s': %s", field, reason),
			Suggestion: "fix the operation definition and run the workflow again",
		},
		Field: field,
	}
}

// NewObjectNameRequired creates an ErrValidation for a permission probe that
// needs a target object but was given none.
func NewObjectNameRequired(permission, objectKind string) *ErrValidation {
	return &ErrValidation{
		TesterError: TesterError{
			Code:       CodeValidation,
			Message:    fmt.Sprintf("%s name is required for %s permission test", objectKind, permission),
			Reason:     "the probe targets a specific object",
			Suggestion: "set objectName on the operation",
		},
		Field: "objectName",
	}
}

// NewInvalidIdentifier creates an ErrValidation for an object name that is
// not a plain, optionally schema-qualified SQL identifier.
func NewInvalidIdentifier(name string) *ErrValidation {
	return &ErrValidation{
		TesterError: TesterError{
			Code:       CodeValidation,
			Message:    fmt.Sprintf("invalid object name: %q", name),
			Reason:     "object names may contain letters, digits, '_' and '$', optionally qualified as schema.name",
			Suggestion: "use the unquoted catalog name of the table or routine",
		},
		Field: "objectName",
	}
}

// ErrNotFound is returned when a referenced entity does not exist.
type ErrNotFound struct {
	TesterError
	Kind string
	ID   string
}

// NewNotFound creates a new ErrNotFound.
func NewNotFound(kind, id string) *ErrNotFound {
	return &ErrNotFound{
		TesterError: TesterError{
			Code:       CodeValidation,
			Message:    fmt.Sprintf("%s not found: %s", kind, id),
			Reason:     fmt.Sprintf("no %s registered with this id", kind),
			Suggestion: fmt.Sprintf("list available entries with 'dbtester %s list'", kind),
		},
		Kind: kind,
		ID:   id,
	}
}

// IsNotFound reports whether err is an ErrNotFound.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return stderrors.As(err, &nf)
}

// ErrDriver wraps an unexpected driver error that was caught at the probe
// boundary.
type ErrDriver struct {
	TesterError
	SQLState string
}

// NewDriverError creates a new ErrDriver.
func NewDriverError(sqlState string, cause error) *ErrDriver {
	return &ErrDriver{
		TesterError: TesterError{
			Code:       CodeConnection,
			Message:    "statement failed",
			Reason:     fmt.Sprintf("driver reported SQLSTATE %s", sqlState),
			Suggestion: "inspect the statement and the server log",
			Cause:      cause,
		},
		SQLState: sqlState,
	}
}

// ErrDatabaseUnavailable is returned when the backing store cannot be used.
type ErrDatabaseUnavailable struct {
	TesterError
}

// NewDatabaseUnavailable creates a new ErrDatabaseUnavailable.
func NewDatabaseUnavailable(reason string) *ErrDatabaseUnavailable {
	return &ErrDatabaseUnavailable{
		TesterError: TesterError{
			Code:       CodeInternal,
			Message:    "store unavailable",
			Reason:     reason,
			Suggestion: "check store.dsn and that the store database is running",
		},
	}
}

// ErrMigrationFailed is returned when a schema migration cannot be applied.
type ErrMigrationFailed struct {
	TesterError
	Migration string
}

// NewMigrationFailed creates a new ErrMigrationFailed.
func NewMigrationFailed(name string, cause error) *ErrMigrationFailed {
	return &ErrMigrationFailed{
		TesterError: TesterError{
			Code:       CodeInternal,
			Message:    fmt.Sprintf("migration %s failed", name),
			Reason:     "the store schema could not be brought up to date",
			Suggestion: "run 'dbtester migrate' against the store and inspect the error",
			Cause:      cause,
		},
		Migration: name,
	}
}

// ErrGatewayUnavailable is returned when the CLI cannot reach the gateway.
type ErrGatewayUnavailable struct {
	TesterError
	Endpoint string
}

// NewGatewayUnavailable creates a new ErrGatewayUnavailable.
func NewGatewayUnavailable(endpoint string, cause error) *ErrGatewayUnavailable {
	return &ErrGatewayUnavailable{
		TesterError: TesterError{
			Code:       CodeConnection,
			Message:    fmt.Sprintf("gateway unavailable at %s", endpoint),
			Reason:     "the gateway did not answer",
			Suggestion: "start dbtester-gateway or set endpoint in dbtester.yaml",
			Cause:      cause,
		},
		Endpoint: endpoint,
	}
}
