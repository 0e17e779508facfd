package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/alexandremahdhaoui/vmtest/internal/runner"
)

// Environment variables consumed for defaults. Explicit flags override.
const (
	EnvSSHUser        = "VMTEST_SSH_USER"
	EnvSSHIdentity    = "VMTEST_SSH_IDENTITY"
	EnvSSHPassword    = "VMTEST_SSH_PASSWORD"
	EnvConnectTimeout = "VMTEST_CONNECT_TIMEOUT"
	EnvImageDir       = "VMTEST_IMAGE_DIR"
	EnvStateDir       = "VMTEST_STATE_DIR"
	EnvNetwork        = "VMTEST_NETWORK"
)

const (
	defaultSSHUser  = "admin"
	defaultSSHPort  = "22"
	defaultImageDir = "/var/lib/vmtest/images"
)

// runConfig collects everything one `run` invocation needs. Built from
// env defaults overridden by flags; immutable afterwards.
type runConfig struct {
	BaseImage string
	Target    string
	TestArgs  []string

	User          string
	IdentityPath  string
	Password      string
	AuthorizedKey string
	Timeout       time.Duration

	InstanceName string
	Keep         bool
	CopyPaths    []string
	Envs         map[string]string

	MemoryMB uint
	VCPUs    uint
	DiskSize string
	Network  string

	ImageDir string
	StateDir string
	URI      string

	Verbose bool
}

// stringSliceFlag is a repeatable string flag.
type stringSliceFlag []string

func (f *stringSliceFlag) String() string {
	return strings.Join(*f, ",")
}

func (f *stringSliceFlag) Set(value string) error {
	*f = append(*f, value)
	return nil
}

// parseRunArgs parses `run <base-image> <test-target> [options] [-- test-args...]`.
// Everything after "--" is forwarded to the test target verbatim.
func parseRunArgs(args []string) (*runConfig, error) {
	var testArgs []string
	for i, a := range args {
		if a == "--" {
			testArgs = args[i+1:]
			args = args[:i]
			break
		}
	}

	if len(args) < 2 {
		return nil, fmt.Errorf("'run' requires <base-image> and <test-target>")
	}

	cfg := &runConfig{
		BaseImage: args[0],
		Target:    args[1],
		TestArgs:  testArgs,
		User:      getEnvOrDefault(EnvSSHUser, defaultSSHUser),
		ImageDir:  getEnvOrDefault(EnvImageDir, defaultImageDir),
		StateDir:  getEnvOrDefault(EnvStateDir, os.TempDir()),
		Timeout:   defaultConnectTimeout(),
	}

	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var copyPaths, envPairs stringSliceFlag

	fs.StringVar(&cfg.User, "user", cfg.User, "remote user to connect as")
	fs.StringVar(&cfg.IdentityPath, "identity",
		os.Getenv(EnvSSHIdentity), "path to the SSH private key")
	fs.StringVar(&cfg.AuthorizedKey, "authorized-key", "",
		"public key seeded into the instance via cloud-init")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout,
		"boot-readiness connection timeout")
	fs.StringVar(&cfg.InstanceName, "name", "", "custom instance name")
	fs.BoolVar(&cfg.Keep, "keep", false, "retain the instance after the run")
	fs.Var(&copyPaths, "copy", "local path staged into the guest (repeatable)")
	fs.Var(&envPairs, "env", "KEY=VALUE exported to the test (repeatable)")
	fs.UintVar(&cfg.MemoryMB, "memory", 0, "instance memory in MiB")
	fs.UintVar(&cfg.VCPUs, "cpus", 0, "instance vCPU count")
	fs.StringVar(&cfg.DiskSize, "disk", "", "instance disk size (e.g. 20G)")
	fs.StringVar(&cfg.Network, "network",
		os.Getenv(EnvNetwork), "libvirt network to attach the instance to")
	fs.StringVar(&cfg.ImageDir, "image-dir", cfg.ImageDir, "base image directory")
	fs.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir,
		"directory for instance overlay disks")
	fs.StringVar(&cfg.URI, "connect", "", "libvirt connection URI")
	fs.BoolVar(&cfg.Verbose, "verbose", false, "enable verbose logging")

	if err := fs.Parse(args[2:]); err != nil {
		return nil, err
	}
	if len(fs.Args()) > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v (test args go after '--')", fs.Args())
	}

	cfg.CopyPaths = copyPaths

	cfg.Envs = map[string]string{}
	for _, pair := range envPairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid -env value %q, expected KEY=VALUE", pair)
		}
		cfg.Envs[k] = v
	}

	cfg.Password = os.Getenv(EnvSSHPassword)
	if cfg.IdentityPath == "" && cfg.Password == "" {
		return nil, fmt.Errorf(
			"no SSH auth configured: set -identity, %s or %s",
			EnvSSHIdentity, EnvSSHPassword,
		)
	}

	return cfg, nil
}

func defaultConnectTimeout() time.Duration {
	raw := os.Getenv(EnvConnectTimeout)
	if raw == "" {
		return runner.DefaultConnectTimeout
	}

	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		fmt.Fprintf(os.Stderr, "Warning: invalid %s=%q, using default\n", EnvConnectTimeout, raw)
		return runner.DefaultConnectTimeout
	}

	return d
}

// getEnvOrDefault returns environment variable value or default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
