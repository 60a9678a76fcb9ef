package exam

import "errors"

// Error kinds surfaced to callers. Handlers map these to HTTP statuses with
// errors.Is; wrap with fmt.Errorf("...: %w", Err...) to add detail.
var (
	ErrNotFound             = errors.New("not found")
	ErrForbidden            = errors.New("forbidden")
	ErrExamClosed           = errors.New("exam closed")
	ErrAttemptLimitExceeded = errors.New("attempt limit exceeded")
	ErrAttemptFinished      = errors.New("attempt already finished")
	ErrUnknownQuestion      = errors.New("question does not belong to exam")
	ErrValidation           = errors.New("validation failed")
)
