package scheduler

import "errors"

var (
	// ErrThrottled is returned when the scheduler is rate limiting or
	// out of capacity; safe to retry with backoff
	ErrThrottled = errors.New("scheduler throttled")

	// ErrUnavailable is returned when the scheduler cannot be reached;
	// safe to retry with backoff
	ErrUnavailable = errors.New("scheduler unavailable")

	// ErrInvalidRequest is returned for an unknown template or
	// parameters the scheduler rejects; retrying cannot help
	ErrInvalidRequest = errors.New("invalid launch request")
)

// IsTransient reports whether a submit error is worth retrying
func IsTransient(err error) bool {
	return errors.Is(err, ErrThrottled) || errors.Is(err, ErrUnavailable)
}
