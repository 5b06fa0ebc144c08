package transfer

import "errors"

var (
	// ErrStartFailed means the job could not be enqueued. Never retried.
	ErrStartFailed = errors.New("start failed")
	// ErrPollingFailed means consecutive poll failures exceeded the budget
	ErrPollingFailed = errors.New("polling failed")
	// ErrPollingTimedOut means the wall-clock ceiling was reached
	ErrPollingTimedOut = errors.New("polling timed out")
	// ErrJobFailed means the remote job itself reported FAILURE
	ErrJobFailed = errors.New("job failed")
	// ErrMissingArtifact means an export succeeded without a file location
	ErrMissingArtifact = errors.New("export finished without artifact url")

	ErrEmptyFile         = errors.New("import file is empty")
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrUnknownKind       = errors.New("unknown transfer kind")
)
