package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sshutil "github.com/alexandremahdhaoui/vmtest/internal/util/ssh"
	"github.com/alexandremahdhaoui/vmtest/pkg/vmm"
)

// fakeStore is an in-memory Store tracking instance lifecycle.
type fakeStore struct {
	mu sync.Mutex

	images    map[string]struct{}
	instances map[string]vmm.InstanceState

	addr         string
	resolveAfter int // ResolveAddress calls before a lease appears
	resolveCalls int
	resolveHook  func() // runs on every ResolveAddress call

	cloneErr error
	startErr error

	stopCalls   int
	deleteCalls int
}

func newFakeStore(images ...string) *fakeStore {
	s := &fakeStore{
		images:    map[string]struct{}{},
		instances: map[string]vmm.InstanceState{},
		addr:      "192.168.122.50",
	}
	for _, img := range images {
		s.images[img] = struct{}{}
	}
	return s
}

func (s *fakeStore) ImageExists(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.images[name]
	return ok, nil
}

func (s *fakeStore) Clone(ctx context.Context, image, instance string, opts vmm.CloneOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cloneErr != nil {
		return s.cloneErr
	}
	s.instances[instance] = vmm.StateDefined
	return nil
}

func (s *fakeStore) Start(ctx context.Context, instance string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	s.instances[instance] = vmm.StateRunning
	return nil
}

func (s *fakeStore) ResolveAddress(ctx context.Context, instance string) (string, bool, error) {
	s.mu.Lock()
	s.resolveCalls++
	calls := s.resolveCalls
	hook := s.resolveHook
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
	if calls <= s.resolveAfter {
		return "", false, nil
	}
	return s.addr, true, nil
}

func (s *fakeStore) Stop(ctx context.Context, instance string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopCalls++
	if _, ok := s.instances[instance]; ok {
		s.instances[instance] = vmm.StateStopped
	}
	return nil
}

func (s *fakeStore) Delete(ctx context.Context, instance string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteCalls++
	delete(s.instances, instance)
	return nil
}

func (s *fakeStore) List(ctx context.Context) ([]vmm.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]vmm.Instance, 0, len(s.instances))
	for name, state := range s.instances {
		out = append(out, vmm.Instance{Name: name, State: state})
	}
	return out, nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) instanceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.instances)
}

// fakeTransport is a func-field Runner fake.
type fakeTransport struct {
	handshakeFailures int // failed handshakes before readiness
	handshakeCalls    int

	runFunc func(command string) (string, string, int, error)
	ranWith []string

	staged   []string
	stageErr map[string]error

	executable []string
}

func (t *fakeTransport) Handshake(ctx context.Context) error {
	t.handshakeCalls++
	if t.handshakeCalls <= t.handshakeFailures {
		return errors.New("connection refused")
	}
	return nil
}

func (t *fakeTransport) Run(ctx context.Context, command string) (string, string, int, error) {
	t.ranWith = append(t.ranWith, command)
	if t.runFunc != nil {
		return t.runFunc(command)
	}
	return "", "", 0, nil
}

func (t *fakeTransport) Stage(ctx context.Context, localPath string) (string, error) {
	if err, ok := t.stageErr[localPath]; ok {
		return "", err
	}
	t.staged = append(t.staged, localPath)
	return "/home/admin/" + filepath.Base(localPath), nil
}

func (t *fakeTransport) MakeExecutable(ctx context.Context, remotePath string) error {
	t.executable = append(t.executable, remotePath)
	return nil
}

func newTestRunner(store vmm.Store, transport sshutil.Runner, opts ...Option) *Runner {
	factory := func(addr string) (sshutil.Runner, error) { return transport, nil }
	opts = append([]Option{WithPollInterval(time.Millisecond)}, opts...)
	return New(store, factory, opts...)
}

func TestRun_InlineCommandSuccess(t *testing.T) {
	store := newFakeStore("debian-12")
	transport := &fakeTransport{
		runFunc: func(command string) (string, string, int, error) {
			return "hello\n", "", 0, nil
		},
	}

	var stdout, stderr bytes.Buffer
	r := newTestRunner(store, transport, WithOutput(&stdout, &stderr))

	result, err := r.Run(context.Background(), "debian-12", Invocation{
		Target:         "echo hello",
		ConnectTimeout: time.Second,
	})
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, store.addr, result.Address)
	assert.Contains(t, stdout.String(), "hello")

	// Exactly one instance was created and none remains.
	assert.Equal(t, 0, store.instanceCount())
	assert.Equal(t, 1, store.stopCalls)
	assert.Equal(t, 1, store.deleteCalls)

	require.Len(t, transport.ranWith, 1)
	assert.Equal(t, "echo hello", transport.ranWith[0])
}

func TestRun_ImageNotFound(t *testing.T) {
	store := newFakeStore() // no images registered
	r := newTestRunner(store, &fakeTransport{})

	result, err := r.Run(context.Background(), "does-not-exist", Invocation{Target: "true"})

	assert.Nil(t, result)
	assert.ErrorIs(t, err, ErrImageNotFound)
	// Fails fast: no instance was ever created.
	assert.Equal(t, 0, store.instanceCount())
	assert.Equal(t, 0, store.deleteCalls)
}

func TestRun_CloneFailure(t *testing.T) {
	store := newFakeStore("debian-12")
	store.cloneErr = errors.New("qemu-img exploded")

	r := newTestRunner(store, &fakeTransport{})

	_, err := r.Run(context.Background(), "debian-12", Invocation{Target: "true"})
	assert.ErrorIs(t, err, ErrClone)
	assert.Equal(t, 0, store.instanceCount())
}

func TestRun_EnvsAndArgsForwarded(t *testing.T) {
	store := newFakeStore("debian-12")
	transport := &fakeTransport{}
	r := newTestRunner(store, transport)

	_, err := r.Run(context.Background(), "debian-12", Invocation{
		Target: "run-suite",
		Args:   []string{"--fast", "case one"},
		Envs:   map[string]string{"SUITE": "smoke"},
	})
	require.NoError(t, err)

	require.Len(t, transport.ranWith, 1)
	assert.Equal(t, `SUITE="smoke" run-suite "--fast" "case one"`, transport.ranWith[0])
}

func TestRun_ScriptTargetIsStagedAndExecutable(t *testing.T) {
	tempDir := t.TempDir()
	script := filepath.Join(tempDir, "suite.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nexit 0\n"), 0o644))

	store := newFakeStore("debian-12")
	transport := &fakeTransport{}
	r := newTestRunner(store, transport)

	_, err := r.Run(context.Background(), "debian-12", Invocation{
		Target: script,
		Args:   []string{"-v"},
		Envs:   map[string]string{"CI": "1"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{script}, transport.staged)
	assert.Equal(t, []string{"/home/admin/suite.sh"}, transport.executable)
	require.Len(t, transport.ranWith, 1)
	assert.Equal(t, `CI="1" "/home/admin/suite.sh" "-v"`, transport.ranWith[0])
}

func TestRun_RemoteFailureIsReportedNotEscalated(t *testing.T) {
	store := newFakeStore("debian-12")
	transport := &fakeTransport{
		runFunc: func(string) (string, string, int, error) {
			return "", "assertion failed\n", 42, nil
		},
	}
	r := newTestRunner(store, transport)

	result, err := r.Run(context.Background(), "debian-12", Invocation{Target: "false"})

	var exitErr *RemoteExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 42, exitErr.Code)

	// The result still carries the verbatim status, and cleanup ran.
	require.NotNil(t, result)
	assert.Equal(t, 42, result.ExitCode)
	assert.Equal(t, 0, store.instanceCount())
}

func TestRun_RetainKeepsInstanceRunning(t *testing.T) {
	store := newFakeStore("debian-12")
	transport := &fakeTransport{
		runFunc: func(string) (string, string, int, error) {
			return "", "", 1, nil
		},
	}
	r := newTestRunner(store, transport)

	result, err := r.Run(context.Background(), "debian-12", Invocation{
		Target:       "false",
		InstanceName: "keep-me",
		Retain:       true,
	})

	var exitErr *RemoteExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 1, result.ExitCode)

	// Exactly one instance remains, still running, under the given name.
	instances, listErr := store.List(context.Background())
	require.NoError(t, listErr)
	require.Len(t, instances, 1)
	assert.Equal(t, "keep-me", instances[0].Name)
	assert.Equal(t, vmm.StateRunning, instances[0].State)
	assert.Equal(t, 0, store.stopCalls)
	assert.Equal(t, 0, store.deleteCalls)
}

func TestRun_StagingFailureAbortsAndCleansUp(t *testing.T) {
	tempDir := t.TempDir()
	good := filepath.Join(tempDir, "fixtures")
	require.NoError(t, os.MkdirAll(good, 0o755))

	store := newFakeStore("debian-12")
	transport := &fakeTransport{
		stageErr: map[string]error{
			"/does/not/exist": errors.New("no such file"),
		},
	}
	r := newTestRunner(store, transport)

	_, err := r.Run(context.Background(), "debian-12", Invocation{
		Target:     "true",
		StagePaths: []string{good, "/does/not/exist", "/never/attempted"},
	})

	assert.ErrorIs(t, err, ErrTransfer)
	// First path staged, failing path aborted the run before the third.
	assert.Equal(t, []string{good}, transport.staged)
	assert.Empty(t, transport.ranWith)
	assert.Equal(t, 0, store.instanceCount())
	assert.Equal(t, 1, store.stopCalls)
}

func TestRun_BootTimeout(t *testing.T) {
	store := newFakeStore("debian-12")
	store.resolveAfter = 1 << 30 // lease never appears

	r := newTestRunner(store, &fakeTransport{})

	started := time.Now()
	_, err := r.Run(context.Background(), "debian-12", Invocation{
		Target:         "true",
		ConnectTimeout: 20 * time.Millisecond,
	})
	elapsed := time.Since(started)

	assert.ErrorIs(t, err, ErrBootTimeout)
	// The deadline is overshot by at most one polling interval (1ms in
	// tests); leave generous slack for slow CI.
	assert.Less(t, elapsed, 500*time.Millisecond)
	// Boot failures still require cleanup.
	assert.Equal(t, 0, store.instanceCount())
	assert.Equal(t, 1, store.stopCalls)
	assert.Equal(t, 1, store.deleteCalls)
}

func TestRun_HandshakeRetriesUntilReady(t *testing.T) {
	store := newFakeStore("debian-12")
	transport := &fakeTransport{handshakeFailures: 3}
	r := newTestRunner(store, transport)

	_, err := r.Run(context.Background(), "debian-12", Invocation{
		Target:         "true",
		ConnectTimeout: time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, 4, transport.handshakeCalls)
}

func TestRun_CancellationDuringBootWaitStillCleansUp(t *testing.T) {
	store := newFakeStore("debian-12")
	store.resolveAfter = 1 << 30

	ctx, cancel := context.WithCancel(context.Background())
	store.resolveHook = func() { cancel() } // interrupt mid boot-wait

	r := newTestRunner(store, &fakeTransport{})

	_, err := r.Run(ctx, "debian-12", Invocation{
		Target:         "true",
		ConnectTimeout: time.Minute,
	})

	assert.ErrorIs(t, err, context.Canceled)
	// The stop/delete guarantee holds across cancellation.
	assert.Equal(t, 1, store.stopCalls)
	assert.Equal(t, 1, store.deleteCalls)
	assert.Equal(t, 0, store.instanceCount())
}

func TestRun_EmptyInputs(t *testing.T) {
	store := newFakeStore("debian-12")
	r := newTestRunner(store, &fakeTransport{})

	_, err := r.Run(context.Background(), "", Invocation{Target: "true"})
	assert.ErrorIs(t, err, ErrImageNotFound)

	_, err = r.Run(context.Background(), "debian-12", Invocation{})
	assert.Error(t, err)
	assert.Equal(t, 0, store.instanceCount())
}

func TestGenerateInstanceName(t *testing.T) {
	name := GenerateInstanceName("debian-12")

	re := regexp.MustCompile(`^debian-12-\d{8}-\d{9}-\d+$`)
	assert.Regexp(t, re, name)
	assert.Contains(t, name, fmt.Sprintf("-%d", os.Getpid()))

	// Names generated in different timestamp windows differ.
	time.Sleep(2 * time.Millisecond)
	assert.NotEqual(t, name, GenerateInstanceName("debian-12"))
}
