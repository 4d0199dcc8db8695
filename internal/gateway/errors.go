package gateway

import (
	"errors"
	"fmt"
)

// TransientError wraps a failure worth retrying: network errors, timeouts,
// and 5xx responses.
type TransientError struct {
	Service string
	Err     error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Service, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps a failure that will not improve on retry, such as a
// 4xx response.
type PermanentError struct {
	Service string
	Status  int
	Err     error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("%s: permanent (status %d): %v", e.Service, e.Status, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// InvalidResponseError marks a response missing required fields. Malformed
// payloads fail validation deterministically, so they are never retried.
type InvalidResponseError struct {
	Service string
	Field   string
}

func (e *InvalidResponseError) Error() string {
	return fmt.Sprintf("%s: invalid response: missing %s", e.Service, e.Field)
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
