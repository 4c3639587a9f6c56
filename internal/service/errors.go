package service

import (
	"errors"
	"fmt"

	"github.com/stemsi/exstem-engine/internal/repository"
)

// Engine errors. Every error returned by a service wraps exactly one of
// these so handlers can map it to a stable code.
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrSessionNotActive  = errors.New("session is not active")
	ErrAlreadyExists     = errors.New("session already exists")
	ErrTransientStorage  = errors.New("transient storage error")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("invalid state transition")
	ErrInvalidAccessCode = errors.New("invalid access code")
)

// ErrorKind is the stable name of an engine error.
type ErrorKind string

const (
	KindNone             ErrorKind = ""
	KindInvalidInput     ErrorKind = "invalid_input"
	KindSessionNotActive ErrorKind = "session_not_active"
	KindAlreadyExists    ErrorKind = "already_exists"
	KindTransientStorage ErrorKind = "transient_storage"
	KindNotFound         ErrorKind = "not_found"
	KindConflict         ErrorKind = "conflict"
	KindInvalidAccess    ErrorKind = "invalid_access_code"
	KindInternal         ErrorKind = "internal"
)

// KindOf classifies err. Unknown errors are internal.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrSessionNotActive):
		return KindSessionNotActive
	case errors.Is(err, ErrAlreadyExists):
		return KindAlreadyExists
	case errors.Is(err, ErrTransientStorage), repository.IsTransient(err):
		return KindTransientStorage
	case errors.Is(err, ErrNotFound), errors.Is(err, repository.ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrInvalidAccessCode):
		return KindInvalidAccess
	}
	return KindInternal
}

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// storageErr lifts repository sentinels to engine errors. Engine errors
// and unknown errors pass through unchanged.
func storageErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrTransient):
		return fmt.Errorf("%w: %w", ErrTransientStorage, err)
	case errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, repository.ErrDuplicate):
		return fmt.Errorf("%w: %w", ErrAlreadyExists, err)
	case errors.Is(err, repository.ErrImmutable):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	}
	return err
}
