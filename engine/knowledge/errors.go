package knowledge

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrInvalidConfiguration     = errors.New("knowledge: invalid configuration")
	ErrEmptyCorpus              = errors.New("knowledge: empty corpus")
	ErrDimensionMismatch        = errors.New("knowledge: dimension mismatch")
	ErrUnsupportedFormat        = errors.New("knowledge: unsupported format")
	ErrExtraction               = errors.New("knowledge: extraction failed")
	ErrStoreUnavailable         = errors.New("knowledge: store unavailable")
	ErrIncompatibleModelVersion = errors.New("knowledge: incompatible model version")
	ErrGeneration               = errors.New("knowledge: generation failed")
	ErrUnknownTenant            = errors.New("knowledge: unknown tenant")
	ErrRetrievalUnavailable     = errors.New("knowledge: retrieval unavailable")
	ErrDocumentNotFound         = errors.New("knowledge: document not found")
	ErrModelNotFound            = errors.New("knowledge: model not found")
	ErrInvalidTransition        = errors.New("knowledge: invalid status transition")
)

// TransitionError describes a refused document status change.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("knowledge: cannot move document from %s to %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// StoreError wraps a backend failure as ErrStoreUnavailable while keeping the cause.
func StoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, context.DeadlineExceeded)
}

// IsPermanent reports whether err is a configuration or data-shape error.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrDimensionMismatch) ||
		errors.Is(err, ErrEmptyCorpus) ||
		errors.Is(err, ErrIncompatibleModelVersion) ||
		errors.Is(err, ErrUnsupportedFormat)
}
