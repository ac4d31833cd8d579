package attempt

import (
	"errors"
	"strings"

	"github.com/p-n-ai/pai-cat/internal/cat"
	"github.com/p-n-ai/pai-cat/internal/itembank"
	"github.com/p-n-ai/pai-cat/internal/scoring"
)

var (
	// ErrInvalidState indicates an operation not allowed in the attempt's status.
	ErrInvalidState = errors.New("invalid attempt state")
	// ErrDuplicateItem indicates an answer for an item that was already answered.
	ErrDuplicateItem = errors.New("item already answered")
	// ErrAttemptClosed indicates a write to a completed attempt.
	ErrAttemptClosed = errors.New("attempt is closed")
	// ErrUnknownItem indicates an item id outside the attempt's pool.
	ErrUnknownItem = errors.New("item not in pool")
	// ErrNotFound indicates the attempt does not exist.
	ErrNotFound = errors.New("attempt not found")
	// ErrConflict indicates a failed optimistic-concurrency check on save.
	ErrConflict = errors.New("attempt version conflict")
	// ErrConcurrentModification is returned to callers when conflicts persisted
	// through every retry. It is retryable.
	ErrConcurrentModification = errors.New("attempt modified concurrently")
)

// conflictError tags an error as a version conflict.
func conflictError(msg string) error {
	return errors.Join(ErrConflict, errors.New(strings.TrimSpace(msg)))
}

// Reason codes reported at the application boundary.
const (
	CodeInvalidState           = "invalid_state"
	CodeDuplicateItem          = "duplicate_item"
	CodeAttemptClosed          = "attempt_closed"
	CodeUnknownItem            = "unknown_item"
	CodeNotFound               = "not_found"
	CodeInvalidConfig          = "invalid_config"
	CodeConcurrentModification = "concurrent_modification"
	CodePoolNotFound           = "pool_not_found"
	CodeMalformedAnswer        = "malformed_answer"
	CodeUnsupportedItemType    = "unsupported_item_type"
	CodeInternal               = "internal"
)

// ReasonCode maps an engine error to a stable reason code.
func ReasonCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAttemptClosed):
		return CodeAttemptClosed
	case errors.Is(err, ErrDuplicateItem):
		return CodeDuplicateItem
	case errors.Is(err, ErrInvalidState):
		return CodeInvalidState
	case errors.Is(err, ErrUnknownItem):
		return CodeUnknownItem
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, cat.ErrInvalidConfig):
		return CodeInvalidConfig
	case errors.Is(err, itembank.ErrPoolNotFound):
		return CodePoolNotFound
	case errors.Is(err, scoring.ErrMalformedAnswer):
		return CodeMalformedAnswer
	case errors.Is(err, scoring.ErrUnsupportedType):
		return CodeUnsupportedItemType
	case errors.Is(err, ErrConcurrentModification), errors.Is(err, ErrConflict):
		return CodeConcurrentModification
	default:
		return CodeInternal
	}
}

// Retryable reports whether the caller may retry the same request.
func Retryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrConflict)
}
