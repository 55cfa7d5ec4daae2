package backend

import (
	"errors"
	"fmt"

	"github.com/BTreeMap/TaskPipe/internal/auth"
)

// ErrAuthExpired is returned when the backend rejects the bearer token (401)
// or no usable token is available. It is fatal for the conversation.
var ErrAuthExpired = auth.ErrAuthExpired

// ErrRejected marks a well-formed response that carried success=false.
var ErrRejected = errors.New("backend reported failure")

// TransportError wraps a network failure, a non-2xx status other than 401, an
// undecodable body, or a success=false response. Callers may retry.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: backend returned status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// UnrecognizedResponseError is returned when a successful response matches
// none of the shapes the conversation understands.
type UnrecognizedResponseError struct {
	Op     string
	Reason string
}

func (e *UnrecognizedResponseError) Error() string {
	return fmt.Sprintf("%s: unrecognized response shape: %s", e.Op, e.Reason)
}
