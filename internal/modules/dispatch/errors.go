package dispatch

import "errors"

var (
	ErrSessionNotFound  = errors.New("dispatch session not found")
	ErrSessionClosed    = errors.New("dispatch session is closed")
	ErrCommitInProgress = errors.New("assignment commit in progress")
	ErrLoading          = errors.New("candidates are still loading")
	ErrNotReviewing     = errors.New("confirm is only available on review")
)

// CommitFailure carries the committer's error message verbatim. The session
// stays on review with the draft intact.
type CommitFailure struct {
	Message string
	Cause   error
}

func (e *CommitFailure) Error() string { return e.Message }

func (e *CommitFailure) Unwrap() error { return e.Cause }
