package session

import (
	"errors"

	"github.com/fieldproof/firesync/internal/causal"
	"github.com/fieldproof/firesync/internal/cursor"
	"github.com/fieldproof/firesync/internal/document"
	"github.com/fieldproof/firesync/internal/store"
)

// Kind is the stable machine-readable error category carried to
// callers alongside the human message and the retryable flag.
type Kind string

const (
	KindInvalidCursor        Kind = "invalid_cursor"
	KindStaleWriteConflict   Kind = "stale_write_conflict"
	KindInvalidChangePath    Kind = "invalid_change_path"
	KindUnsupportedValueType Kind = "unsupported_value_type"
	KindBundleExpired        Kind = "bundle_expired"
	KindStorageUnavailable   Kind = "storage_unavailable"
	KindNotFound             Kind = "not_found"
	KindInvalidInput         Kind = "invalid_input"
)

type Error struct {
	Kind      Kind
	Message   string
	Retryable bool

	// CurrentClock is set on stale-write conflicts so the caller can
	// resubmit with correct context without a separate fetch.
	CurrentClock causal.Clock
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	return ok && other.Kind == e.Kind
}

func newError(kind Kind, message string, retryable bool) *Error {
	return &Error{Kind: kind, Message: message, Retryable: retryable}
}

func staleWrite(message string, current causal.Clock) *Error {
	return &Error{
		Kind:         KindStaleWriteConflict,
		Message:      message,
		CurrentClock: current.Copy(),
	}
}

// Classify maps lower-layer errors onto the stable error model.
// Unknown errors are treated as transient storage failures, the only
// category a caller may blindly retry with backoff.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	switch {
	case errors.Is(err, cursor.ErrInvalidCursor):
		return newError(KindInvalidCursor, err.Error(), false)
	case errors.Is(err, document.ErrInvalidChangePath):
		return newError(KindInvalidChangePath, err.Error(), false)
	case errors.Is(err, document.ErrUnsupportedValueType):
		return newError(KindUnsupportedValueType, err.Error(), false)
	case errors.Is(err, document.ErrMissingActor):
		return newError(KindInvalidInput, err.Error(), false)
	case errors.Is(err, causal.ErrInvalidContext):
		return newError(KindInvalidInput, err.Error(), false)
	case errors.Is(err, store.ErrNotFound):
		return newError(KindNotFound, err.Error(), false)
	case errors.Is(err, store.ErrAlreadyExists):
		return newError(KindInvalidInput, err.Error(), false)
	case errors.Is(err, store.ErrInvalidInput):
		return newError(KindInvalidInput, err.Error(), false)
	default:
		return newError(KindStorageUnavailable, err.Error(), true)
	}
}
