/*
Copyright 2025 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package runner drives one ephemeral-VM test run end to end: clone a
// base image, boot the instance, wait for remote-shell readiness, stage
// files, execute the test target, and tear the instance down again.
//
// Teardown is guaranteed: once the clone exists, stop and delete are
// armed on a cleanup guard that fires exactly once on every exit path,
// including cancellation surfacing through the run context.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/alexandremahdhaoui/vmtest/internal/util/cleanup"
	sshutil "github.com/alexandremahdhaoui/vmtest/internal/util/ssh"
	"github.com/alexandremahdhaoui/vmtest/pkg/execcontext"
	"github.com/alexandremahdhaoui/vmtest/pkg/vmm"
)

const (
	// DefaultConnectTimeout bounds the boot-readiness wait.
	DefaultConnectTimeout = 2 * time.Minute

	defaultPollInterval = 2 * time.Second
)

// Invocation is a single execution request. Immutable for one run.
type Invocation struct {
	// Target is a local script path or an inline command string. A
	// target naming an existing regular file is staged and executed;
	// anything else runs verbatim through the guest's shell.
	Target string

	// Args are appended to the target on the remote command line.
	Args []string

	// Envs are exported ahead of the remote command.
	Envs map[string]string

	// StagePaths are local files or directories copied into the guest's
	// home directory, in order, before execution.
	StagePaths []string

	// InstanceName overrides the generated unique name.
	InstanceName string

	// Retain keeps the instance alive after the run for inspection.
	Retain bool

	// ConnectTimeout bounds the boot-readiness wait. Zero means
	// DefaultConnectTimeout.
	ConnectTimeout time.Duration

	// Clone configures the instance's resources and optional seed.
	Clone vmm.CloneOptions
}

// Result is the outcome of one invocation.
type Result struct {
	RunID    string
	Instance string
	Address  string
	ExitCode int
	Duration time.Duration
	Retained bool
}

// TransportFactory builds the remote-shell transport once the instance's
// address is known.
type TransportFactory func(addr string) (sshutil.Runner, error)

// Runner orchestrates ephemeral VM test runs against an image store.
type Runner struct {
	store        vmm.Store
	newTransport TransportFactory
	log          logr.Logger
	pollInterval time.Duration
	stdout       io.Writer
	stderr       io.Writer
}

// Option is a functional option for configuring the Runner.
type Option func(*Runner)

// WithLogger sets the structured logger used for phase progress.
func WithLogger(log logr.Logger) Option {
	return func(r *Runner) {
		r.log = log
	}
}

// WithPollInterval overrides the readiness polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(r *Runner) {
		r.pollInterval = d
	}
}

// WithOutput redirects the guest command's stdout and stderr.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(r *Runner) {
		r.stdout = stdout
		r.stderr = stderr
	}
}

// New creates a Runner on top of an image store and a transport factory.
func New(store vmm.Store, newTransport TransportFactory, opts ...Option) *Runner {
	r := &Runner{
		store:        store,
		newTransport: newTransport,
		log:          logr.Discard(),
		pollInterval: defaultPollInterval,
		stdout:       os.Stdout,
		stderr:       os.Stderr,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Run drives one test run. The returned Result is non-nil whenever the
// remote command produced an exit status; a non-zero status is reported
// as a *RemoteExitError alongside it. The instance is destroyed before
// Run returns on every path unless the invocation requested retention.
func (r *Runner) Run(ctx context.Context, baseImage string, inv Invocation) (*Result, error) {
	if baseImage == "" {
		return nil, errors.Join(errors.New("base image name must not be empty"), ErrImageNotFound)
	}
	if inv.Target == "" {
		return nil, fmt.Errorf("invocation target must not be empty")
	}

	started := time.Now()

	ok, err := r.store.ImageExists(ctx, baseImage)
	if err != nil {
		return nil, errors.Join(err, ErrImageNotFound)
	}
	if !ok {
		return nil, errors.Join(fmt.Errorf("image=%s", baseImage), ErrImageNotFound)
	}

	instance := inv.InstanceName
	if instance == "" {
		instance = GenerateInstanceName(baseImage)
	}

	result := &Result{
		RunID:    uuid.NewString(),
		Instance: instance,
		Retained: inv.Retain,
	}
	log := r.log.WithValues("runID", result.RunID, "instance", instance)

	log.Info("cloning instance", "image", baseImage)
	if err := r.store.Clone(ctx, baseImage, instance, inv.Clone); err != nil {
		return nil, errors.Join(err, ErrClone)
	}

	// The instance exists from here on: arm teardown before anything
	// else can fail. The guard runs with a fresh context so cleanup
	// proceeds after the run context was cancelled.
	guard := cleanup.NewGuard(instance)
	if inv.Retain {
		guard.Register("retain", func(context.Context) error {
			log.Info("retaining instance for inspection")
			return nil
		})
	} else {
		guard.Register("stop", func(cctx context.Context) error {
			log.Info("stopping instance")
			return r.store.Stop(cctx, instance)
		})
		guard.Register("delete", func(cctx context.Context) error {
			log.Info("deleting instance")
			return r.store.Delete(cctx, instance)
		})
	}
	defer guard.Run(context.WithoutCancel(ctx))

	log.Info("starting instance")
	if err := r.store.Start(ctx, instance); err != nil {
		return nil, errors.Join(err, ErrClone)
	}

	timeout := inv.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	log.Info("waiting for remote-shell readiness", "timeout", timeout.String())
	addr, transport, err := r.awaitReady(ctx, log, instance, timeout)
	if err != nil {
		return nil, err
	}
	result.Address = addr

	for _, p := range inv.StagePaths {
		log.Info("staging path", "path", p)
		if _, err := transport.Stage(ctx, p); err != nil {
			return nil, errors.Join(err, fmt.Errorf("path=%s", p), ErrTransfer)
		}
	}

	command, err := r.prepareCommand(ctx, log, transport, inv)
	if err != nil {
		return nil, err
	}

	log.Info("executing test target")
	stdout, stderr, exitCode, err := transport.Run(ctx, command)
	_, _ = io.WriteString(r.stdout, stdout)
	_, _ = io.WriteString(r.stderr, stderr)
	if err != nil {
		return nil, errors.Join(err, ErrRemoteExecution)
	}

	result.ExitCode = exitCode
	result.Duration = time.Since(started)

	if exitCode != 0 {
		log.Info("test target reported failure", "exitCode", exitCode)
		return result, &RemoteExitError{Code: exitCode}
	}

	log.Info("test target passed", "duration", result.Duration.String())
	return result, nil
}

// awaitReady polls for the instance address and a successful remote-shell
// handshake until the deadline. The deadline is explicit, so behavior is
// robust to variable per-attempt latency; overshoot is bounded by one
// polling interval plus the transport's own dial timeout.
func (r *Runner) awaitReady(
	ctx context.Context,
	log logr.Logger,
	instance string,
	timeout time.Duration,
) (string, sshutil.Runner, error) {
	deadline := time.Now().Add(timeout)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	var (
		addr      string
		transport sshutil.Runner
	)

	for {
		if addr == "" {
			a, ok, err := r.store.ResolveAddress(ctx, instance)
			if err != nil {
				return "", nil, errors.Join(err, ErrBootTimeout)
			}
			if ok {
				addr = a
				log.Info("instance obtained address", "addr", addr)

				t, err := r.newTransport(addr)
				if err != nil {
					return "", nil, errors.Join(err, ErrBootTimeout)
				}
				transport = t
			}
		}

		if transport != nil {
			err := transport.Handshake(ctx)
			if err == nil {
				log.Info("remote shell is ready", "addr", addr)
				return addr, transport, nil
			}
			log.V(1).Info("handshake not ready yet", "addr", addr, "error", err.Error())
		}

		if time.Now().After(deadline) {
			return "", nil, errors.Join(
				fmt.Errorf("instance=%s timeout=%s", instance, timeout),
				ErrBootTimeout,
			)
		}

		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// prepareCommand stages a file target and renders the remote command
// line. Inline targets run verbatim through the guest's shell with the
// same environment prefix.
func (r *Runner) prepareCommand(
	ctx context.Context,
	log logr.Logger,
	transport sshutil.Runner,
	inv Invocation,
) (string, error) {
	ectx := execcontext.New(inv.Envs)

	if isRegularFile(inv.Target) {
		log.Info("staging test script", "script", inv.Target)
		remote, err := transport.Stage(ctx, inv.Target)
		if err != nil {
			return "", errors.Join(err, fmt.Errorf("target=%s", inv.Target), ErrTransfer)
		}
		if err := transport.MakeExecutable(ctx, remote); err != nil {
			return "", errors.Join(err, fmt.Errorf("target=%s", inv.Target), ErrTransfer)
		}

		return execcontext.FormatCmd(ectx, append([]string{remote}, inv.Args...)...), nil
	}

	command := execcontext.FormatShell(ectx, inv.Target)
	if len(inv.Args) > 0 {
		command = command + " " + execcontext.FormatCmd(execcontext.New(nil), inv.Args...)
	}

	return command, nil
}

func isRegularFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}
