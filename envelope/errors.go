package envelope

import (
	"errors"
	"fmt"
)

// ErrMalformedEnvelope is returned when an envelope lacks routing fields
// required for its declared role. Malformed envelopes are dropped and
// logged, never retried.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// ValidationError describes a missing or invalid envelope field.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("envelope validation failed: %s: %s", e.Field, e.Message)
}
