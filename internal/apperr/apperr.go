// Package apperr holds the error taxonomy shared by the domain packages.
// Callers wrap these sentinels with fmt.Errorf("%w: ...") and the HTTP layer
// maps them with errors.Is.
package apperr

import "errors"

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	// ErrInvalidState reports a transition attempted from the wrong state
	// (double revoke, double consume).
	ErrInvalidState = errors.New("invalid state")
	ErrConflict     = errors.New("resource conflict")
	ErrForbidden    = errors.New("forbidden")
	// ErrCrypto covers bad ciphertext, wrong master secret and key material
	// that cannot be decoded. Details never reach API callers.
	ErrCrypto = errors.New("crypto failure")
	// ErrCorruptValue is returned when a stored value cannot be mapped back
	// onto a known domain value.
	ErrCorruptValue = errors.New("corrupt stored value")
)
