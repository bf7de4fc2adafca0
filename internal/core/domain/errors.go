package domain

import (
	"errors"
	"fmt"
)

var (
	ErrConfig             = errors.New("invalid configuration")
	ErrFileRead           = errors.New("image read failed")
	ErrUnsupportedBackend = errors.New("unsupported backend")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrTimeout            = errors.New("inference timed out")
	ErrInference          = errors.New("inference failed")
	ErrInvalidInput       = errors.New("invalid input")
	ErrNotFound           = errors.New("not found")
	ErrTemporary          = errors.New("temporary failure")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

// FailReasonFor maps an error kind to the fail reason reported to callers.
// Unknown errors are reported as ocr_error.
func FailReasonFor(err error) FailReason {
	switch {
	case err == nil:
		return FailNone
	case IsKind(err, ErrConfig):
		return FailConfig
	case IsKind(err, ErrFileRead):
		return FailFileRead
	case IsKind(err, ErrUnsupportedBackend):
		return FailUnsupportedBackend
	case IsKind(err, ErrTimeout):
		return FailTimeout
	default:
		return FailOCR
	}
}
