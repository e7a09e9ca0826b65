// Package apperr holds the error taxonomy shared by the tracker core and the
// HTTP layer. Handlers map these to status codes with errors.Is / errors.As.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrForbidden       = errors.New("forbidden")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrRateLimited     = errors.New("rate limit exceeded")
	ErrInvalidInput    = errors.New("invalid input")
	ErrUnavailable     = errors.New("feature unavailable")
)

// EnrichmentFailure reports a non-success answer (or no answer) from the
// external vulnerability or package authority.
type EnrichmentFailure struct {
	Status    int // 0 when the request never got a response
	Operation string
	Err       error
}

func (e *EnrichmentFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: upstream failure (status %d): %v", e.Operation, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: upstream failure (status %d)", e.Operation, e.Status)
}

func (e *EnrichmentFailure) Unwrap() error { return e.Err }

// IsEnrichmentFailure reports whether err carries an EnrichmentFailure.
func IsEnrichmentFailure(err error) bool {
	var ef *EnrichmentFailure
	return errors.As(err, &ef)
}
