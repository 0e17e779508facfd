package ssh

import (
	"context"
)

// Runner is the remote-shell and file-staging boundary consumed by the
// orchestrator. It is satisfied by *Client and by test fakes.
type Runner interface {
	// Handshake performs a single no-op command over a fresh connection.
	// It is the readiness probe used while polling for boot completion.
	Handshake(ctx context.Context) error

	// Run executes a fully formatted command line on the guest. A
	// completed command returns its exit status with a nil error;
	// err is non-nil only for transport failures.
	Run(ctx context.Context, command string) (stdout, stderr string, exitCode int, err error)

	// Stage copies a local file or directory into the guest's home
	// directory under its base name, preserving directory structure.
	// It returns the remote destination path.
	Stage(ctx context.Context, localPath string) (remotePath string, err error)

	// MakeExecutable marks a staged remote file executable.
	MakeExecutable(ctx context.Context, remotePath string) error
}
