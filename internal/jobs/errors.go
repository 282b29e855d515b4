package jobs

import (
	"errors"
	"fmt"
)

// Error kinds recorded on FailureInfo and used for alert grouping.
const (
	KindHandlerError  = "HandlerError"
	KindStuckInActive = "StuckInActive"
)

var (
	// ErrStoreUnavailable wraps connectivity failures of the underlying
	// store. It is the only error class expected to propagate synchronously
	// out of any API call.
	ErrStoreUnavailable = errors.New("job store unavailable")

	// ErrNotFound is returned for operations on unknown jobs or queues.
	ErrNotFound = errors.New("not found")

	// ErrValidation is returned for malformed enqueue requests.
	ErrValidation = errors.New("validation failed")
)

// HandlerError tags an error returned by a job handler with a kind used for
// alert aggregation. Handlers may return any error; untyped errors are
// grouped under KindHandlerError.
type HandlerError struct {
	Kind string
	Err  error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// ErrorKind extracts the aggregation kind from a handler error.
func ErrorKind(err error) string {
	var he *HandlerError
	if errors.As(err, &he) && he.Kind != "" {
		return he.Kind
	}
	return KindHandlerError
}
