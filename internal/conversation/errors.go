package conversation

import (
	"errors"
	"fmt"

	"github.com/BTreeMap/TaskPipe/internal/backend"
)

// Errors surfaced by the controller. Backend errors are re-exported so
// callers only need this package to classify failures.
var (
	// ErrNotClarifying is returned by SubmitReply outside the Clarifying state.
	ErrNotClarifying = errors.New("conversation is not awaiting a reply")
	// ErrSubmissionInFlight is returned when another submission for the same
	// session has not resolved yet.
	ErrSubmissionInFlight = errors.New("a submission is already in flight for this session")
	// ErrAuthExpired is fatal for the session; the state becomes Aborted.
	ErrAuthExpired = backend.ErrAuthExpired
	// ErrRejected marks a response that carried success=false.
	ErrRejected = backend.ErrRejected
)

// TransportError is a retryable network or backend failure.
type TransportError = backend.TransportError

// UnrecognizedResponseError is a backend response matching no known shape.
type UnrecognizedResponseError = backend.UnrecognizedResponseError

// ValidationError reports input rejected before any network call.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the user may simply submit again.
func IsRetryable(err error) bool {
	var te *TransportError
	var ue *UnrecognizedResponseError
	return errors.As(err, &te) || errors.As(err, &ue) || errors.Is(err, ErrSubmissionInFlight)
}

// Texts of the system-error turns appended on failure.
const (
	TextProcessingError = "Sorry, there was an error processing your message. Please try again."
	TextConnectionError = "Sorry, there was an error connecting to the server. Please try again."
	TextSessionExpired  = "Your session has expired. Please sign in again."
	TextAllProcessed    = "All tasks have been processed successfully!"
)
