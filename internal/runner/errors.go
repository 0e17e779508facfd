package runner

import (
	"errors"
	"fmt"
)

var (
	// ErrImageNotFound indicates the base image is not registered in the
	// image store. Fails fast: no instance is ever created.
	ErrImageNotFound = errors.New("base image not found in image store")

	// ErrClone indicates instance creation (clone or start) failed.
	ErrClone = errors.New("instance creation failed")

	// ErrBootTimeout indicates no reachable remote-shell endpoint
	// appeared within the configured connection timeout.
	ErrBootTimeout = errors.New("timed out waiting for remote-shell readiness")

	// ErrTransfer indicates file staging into the guest failed.
	ErrTransfer = errors.New("file staging failed")

	// ErrRemoteExecution indicates the remote-shell transport failed
	// while executing the test command. This is an infrastructure
	// failure, unlike RemoteExitError which reports the command's own
	// verdict.
	ErrRemoteExecution = errors.New("remote execution failed")
)

// RemoteExitError reports a test command that ran to completion with a
// non-zero exit status. It is the run's result, not an orchestrator
// defect; callers distinguish it from infrastructure failures with
// errors.As.
type RemoteExitError struct {
	Code int
}

func (e *RemoteExitError) Error() string {
	return fmt.Sprintf("remote command exited with status %d", e.Code)
}
