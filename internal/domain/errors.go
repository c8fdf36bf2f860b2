package domain

import "errors"

// Domain errors
var (
	ErrScopeRecordMissing  = errors.New("scope record missing; participant was not registered in scope")
	ErrGlobalRecordMissing = errors.New("global record missing; participant was not registered")
	ErrMalformedState      = errors.New("malformed persisted state")
	ErrStorageUnavailable  = errors.New("storage unavailable")
	ErrEmptyLeaderboard    = errors.New("leaderboard is empty")
	ErrParticipantNotFound = errors.New("participant not found in scope")
	ErrScopeNotFound       = errors.New("scope not found")
	ErrNotGroupScope       = errors.New("scope is not a group")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrInternalError       = errors.New("internal server error")

	// ErrIndexStale means a rank index does not hold a complete copy of the scope
	ErrIndexStale = errors.New("rank index not built for scope")
)

// IsNotFoundError checks if an error is a not-found type error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrParticipantNotFound) ||
		errors.Is(err, ErrScopeNotFound) ||
		errors.Is(err, ErrScopeRecordMissing) ||
		errors.Is(err, ErrGlobalRecordMissing)
}
