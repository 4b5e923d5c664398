package store

import "errors"

// Sentinel error kinds surfaced by the rating store. Callers branch with
// errors.Is; the HTTP layer maps them to status codes.
var (
	ErrInsufficientCompetitors  = errors.New("insufficient competitors")
	ErrAlreadyVoted             = errors.New("already voted")
	ErrConcurrentUpdateConflict = errors.New("concurrent update conflict")
	ErrUnknownCompetitor        = errors.New("unknown competitor")
	ErrStorageUnavailable       = errors.New("storage unavailable")
)
