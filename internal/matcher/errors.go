package matcher

import "errors"

var (
	// ErrStaleAcceptRejected is returned to a candidate whose accept lost the
	// race or arrived after the attempt was closed. It never reaches the requester.
	ErrStaleAcceptRejected = errors.New("stale accept rejected")

	// ErrPersistenceFailure wraps store faults, as opposed to failed conditions.
	ErrPersistenceFailure = errors.New("persistence failure")

	ErrInvalidResponse = errors.New("invalid candidate response")

	// Terminal search reasons. They travel in Outcome.Reason, not as returned errors.
	ErrNoCandidatesFound      = errors.New("no candidates found")
	ErrCandidatesExhausted    = errors.New("candidates exhausted")
	ErrSearchDeadlineExceeded = errors.New("search deadline exceeded")
)

func reasonCode(err error) string {
	switch {
	case errors.Is(err, ErrNoCandidatesFound):
		return "no_candidates_found"
	case errors.Is(err, ErrCandidatesExhausted):
		return "candidates_exhausted"
	case errors.Is(err, ErrSearchDeadlineExceeded):
		return "search_deadline_exceeded"
	}
	return "unknown"
}
