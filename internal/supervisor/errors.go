package supervisor

import (
	"fmt"

	"github.com/dmarsh/gaffer/internal/batch"
)

// FailureReason classifies why a dispatch did not complete.
type FailureReason string

const (
	// ReasonExit: the worker exited nonzero.
	ReasonExit FailureReason = "exit"
	// ReasonNoReply: the worker exited zero without sending a reply.
	ReasonNoReply FailureReason = "no_reply"
	// ReasonMalformed: the reply was not valid JSON.
	ReasonMalformed FailureReason = "malformed"
	// ReasonProtocol: the reply violated the message contract (second
	// message, wrong kind or status, record count mismatch).
	ReasonProtocol FailureReason = "protocol"
	// ReasonTimeout: no reply within the dispatch deadline.
	ReasonTimeout FailureReason = "timeout"
	// ReasonCancelled: the dispatch was cancelled by the caller.
	ReasonCancelled FailureReason = "cancelled"
)

// LaunchError means the worker process could not start. It is returned
// synchronously from Dispatch; no outcome is ever delivered for it.
type LaunchError struct {
	Worker string
	Err    error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch worker %q: %v", e.Worker, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// WorkerFailure is a failed dispatch outcome. It is delivered as a value
// through the handle, never thrown across the process boundary.
type WorkerFailure struct {
	Reason   FailureReason
	ExitCode int    // meaningful for ReasonExit only
	Stderr   string // captured worker stderr, capped
	Detail   string
}

func (f *WorkerFailure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("worker failure (%s): %s", f.Reason, f.Detail)
	}
	return fmt.Sprintf("worker failure (%s)", f.Reason)
}

// Status maps the failure to its ledger status.
func (f *WorkerFailure) Status() batch.Status {
	switch f.Reason {
	case ReasonTimeout:
		return batch.StatusTimedOut
	case ReasonCancelled:
		return batch.StatusCancelled
	default:
		return batch.StatusFailed
	}
}
