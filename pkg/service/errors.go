package service

import (
	stderrors "errors"

	"github.com/alexchuang650730/aicore0707-sub001/pkg/storage"
	"github.com/pkg/errors"
)

// Error taxonomy. Component errors wrap one of these, so callers match with errors.Is.
var (
	ErrValidation           = errors.New("validation error")
	ErrNotFound             = errors.New("not found")
	ErrAlreadyExists        = errors.New("already exists")
	ErrResourceExhausted    = errors.New("resource exhausted")
	ErrUnavailable          = errors.New("unavailable")
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrTimeout              = errors.New("timeout")
	ErrExecution            = errors.New("execution error")
	ErrNotInitialized       = errors.New("not initialized")
	ErrNotRunning           = errors.New("not running")
)

func validationErrorf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrValidation, format, args...)
}

func notFoundErrorf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrNotFound, format, args...)
}

// translateStoreErr maps storage.ErrNotFound onto the service taxonomy.
func translateStoreErr(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, storage.ErrNotFound) {
		return errors.Wrapf(ErrNotFound, format, args...)
	}
	return errors.Wrapf(err, format, args...)
}
