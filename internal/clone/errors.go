package clone

import "errors"

var (
	// ErrInvalidRequest is returned for requests that cannot start a run.
	ErrInvalidRequest = errors.New("invalid clone request")
	// ErrCopyFailed marks a single unit whose copy failed. The run continues.
	ErrCopyFailed = errors.New("copy failed")
	// ErrSubmissionFailed marks a run the job engine did not accept.
	ErrSubmissionFailed = errors.New("submission failed")
)

// Failure records one unit that was not copied.
type Failure struct {
	Kind     UnitKind `json:"kind"`
	SourceID ID       `json:"sourceId"`
	Error    string   `json:"error"`
}
