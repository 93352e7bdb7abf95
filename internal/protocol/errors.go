package protocol

import (
	"errors"
	"fmt"
)

// Error codes. Every failed mutating operation carries exactly one.
const (
	ErrNotFound         = "E_NOT_FOUND"
	ErrPermissionDenied = "E_PERMISSION_DENIED"
	ErrTypeMismatch     = "E_TYPE_MISMATCH"
	ErrValidationFailed = "E_VALIDATION_FAILED"
	ErrAlreadyExists    = "E_ALREADY_EXISTS"
	ErrSerialization    = "E_SERIALIZATION"
)

var knownCodes = map[string]struct{}{
	ErrNotFound:         {},
	ErrPermissionDenied: {},
	ErrTypeMismatch:     {},
	ErrValidationFailed: {},
	ErrAlreadyExists:    {},
	ErrSerialization:    {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// Error is a coded error. Failures are local and non-fatal: the caller's
// unit of work is simply not applied.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the error code, or E_SERIALIZATION for foreign errors
// (the only place non-coded errors originate is payload decoding).
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ErrSerialization
}

func IsCode(err error, code string) bool { return err != nil && CodeOf(err) == code }
