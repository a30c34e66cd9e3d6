package errors

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Sentinel errors. Every error returned by the engine is marked with one of these
// through the builder, callers branch on them with the Is* helpers.
var (
	ErrNotFound           = new(ErrCodeNotFound, "resource not found")
	ErrAlreadyExists      = new(ErrCodeAlreadyExists, "resource already exists")
	ErrValidation         = new(ErrCodeValidation, "validation error")
	ErrInvalidOperation   = new(ErrCodeInvalidOperation, "invalid operation")
	ErrPermissionDenied   = new(ErrCodePermissionDenied, "permission denied")
	ErrExternalDependency = new(ErrCodeExternalDependency, "external dependency failure")
	ErrDatabase           = new(ErrCodeDatabase, "database error")
	ErrSystem             = new(ErrCodeSystemError, "system error")
	// ErrNoBoundaries is returned when a subscription has no billing period yet at the evaluated instant
	ErrNoBoundaries = new(ErrCodeNoBoundaries, "no billing boundaries yet")

	// Tax collaborator failures
	ErrTaxNotFound      = errors.Mark(new(ErrCodeTaxNotFound, "tax not found"), ErrNotFound)
	ErrTaxComputeFailed = errors.Mark(new(ErrCodeTaxComputeFailed, "tax compute failed"), ErrExternalDependency)
)

const (
	ErrCodeSystemError        = "system_error"
	ErrCodeNotFound           = "not_found"
	ErrCodeAlreadyExists      = "already_exists"
	ErrCodeValidation         = "validation_error"
	ErrCodeInvalidOperation   = "invalid_operation"
	ErrCodePermissionDenied   = "forbidden"
	ErrCodeExternalDependency = "external_dependency_failure"
	ErrCodeDatabase           = "database_error"
	ErrCodeNoBoundaries       = "no_boundaries"
	ErrCodeTaxNotFound        = "tax_not_found"
	ErrCodeTaxComputeFailed   = "tax_compute_failed"
)

// InternalError represents a domain error
type InternalError struct {
	Code    string // Machine-readable error code
	Message string // Human-readable error message
	Err     error  // Underlying error
}

func (e *InternalError) Error() string {
	if e.Err == nil {
		return e.DisplayError()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Err.Error())
}

func (e *InternalError) DisplayError() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *InternalError) Unwrap() error {
	return e.Err
}

// Is matches on the code so wrapped copies still compare equal
func (e *InternalError) Is(target error) bool {
	if target == nil {
		return false
	}

	t, ok := target.(*InternalError)
	if !ok {
		return errors.Is(e.Err, target)
	}

	return e.Code == t.Code
}

func new(code string, message string) *InternalError {
	return &InternalError{
		Code:    code,
		Message: message,
	}
}

func As(err error, target any) bool {
	return errors.As(err, target)
}

func Is(err, reference error) bool {
	return errors.Is(err, reference)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrTaxNotFound)
}

func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

func IsInvalidOperation(err error) bool {
	return errors.Is(err, ErrInvalidOperation)
}

func IsPermissionDenied(err error) bool {
	return errors.Is(err, ErrPermissionDenied)
}

func IsExternalDependency(err error) bool {
	return errors.Is(err, ErrExternalDependency) || errors.Is(err, ErrTaxComputeFailed)
}

func IsNoBoundaries(err error) bool {
	return errors.Is(err, ErrNoBoundaries)
}

// Code returns the machine readable code of the first sentinel err is marked with
func Code(err error) string {
	if errors.Is(err, ErrTaxNotFound) {
		return ErrCodeTaxNotFound
	}
	if errors.Is(err, ErrTaxComputeFailed) {
		return ErrCodeTaxComputeFailed
	}
	for _, ref := range []*InternalError{
		ErrNoBoundaries,
		ErrNotFound,
		ErrAlreadyExists,
		ErrValidation,
		ErrInvalidOperation,
		ErrPermissionDenied,
		ErrExternalDependency,
		ErrDatabase,
	} {
		if errors.Is(err, ref) {
			return ref.Code
		}
	}
	return ErrCodeSystemError
}
