package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/alexandremahdhaoui/vmtest/internal/runner"
	"github.com/alexandremahdhaoui/vmtest/internal/util/logging"
	sshutil "github.com/alexandremahdhaoui/vmtest/internal/util/ssh"
	"github.com/alexandremahdhaoui/vmtest/pkg/cloudinit"
	"github.com/alexandremahdhaoui/vmtest/pkg/vmm"
)

// Exit codes. Guest exit statuses are propagated verbatim, so the
// harness reserves a single code outside the usual guest range for its
// own failures: callers can always tell "my test failed" from "the
// harness failed".
const (
	exitSuccess        = 0
	exitInfrastructure = 125
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitInfrastructure)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "run":
		os.Exit(cmdRun(args))

	case "list":
		if err := cmdList(args); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(exitInfrastructure)
		}
		os.Exit(exitSuccess)

	case "clean":
		if err := cmdClean(args); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(exitInfrastructure)
		}
		os.Exit(exitSuccess)

	case "-h", "--help", "help":
		printUsage()
		os.Exit(exitSuccess)

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		printUsage()
		os.Exit(exitInfrastructure)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: vmtest-run <command> [options]

Commands:
  run <base-image> <test-target> [options] [-- test-args...]
      Clone the base image, boot it, run the test target inside the
      guest and tear the instance down again. The test target is a
      local script path (staged into the guest) or an inline command.

  list
      List instances owned by the orchestrator.

  clean [--prefix <p>]
      Stop and delete leftover instances, optionally by name prefix.

  help
      Show this help message.

Run options:
  -user string            remote user (default %q)
  -identity string        SSH private key path
  -authorized-key string  public key seeded into the instance
  -timeout duration       boot-readiness timeout (default 2m)
  -name string            custom instance name
  -keep                   retain the instance after the run
  -copy path              stage a local path into the guest (repeatable)
  -env KEY=VALUE          export a variable to the test (repeatable)
  -memory MiB             instance memory
  -cpus n                 instance vCPUs
  -disk size              instance disk size (e.g. 20G)
  -network string         libvirt network
  -image-dir string       base image directory (default %q)
  -state-dir string       instance overlay directory
  -connect string         libvirt connection URI
  -verbose                verbose logging

Environment variables:
  %s, %s, %s,
  %s, %s, %s, %s

Exit codes:
  0    test passed
  1..  the test's own exit status, propagated verbatim
  %d  infrastructure failure (image missing, boot timeout, transfer
       failure, bad usage)
`,
		defaultSSHUser, defaultImageDir,
		EnvSSHUser, EnvSSHIdentity, EnvSSHPassword,
		EnvConnectTimeout, EnvImageDir, EnvStateDir, EnvNetwork,
		exitInfrastructure,
	)
}

// cmdRun executes one ephemeral VM test run and returns the process exit
// code.
func cmdRun(args []string) int {
	cfg, err := parseRunArgs(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitSuccess
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitInfrastructure
	}

	logOpts := logging.DefaultOptions()
	if cfg.Verbose {
		logOpts = logging.Options{Development: true, Level: slog.LevelDebug}
	}
	log := logging.Setup(logOpts)

	// The run context is cancelled by SIGINT/SIGTERM; every phase is
	// context-aware and teardown runs on a fresh context afterwards.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()

	store, err := newStore(cfg.URI, cfg.ImageDir, cfg.StateDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitInfrastructure
	}
	defer func() { _ = store.Close() }()

	inv, err := buildInvocation(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitInfrastructure
	}

	r := runner.New(store, newTransportFactory(cfg), runner.WithLogger(log))

	result, err := r.Run(ctx, cfg.BaseImage, inv)
	if err != nil {
		var exitErr *runner.RemoteExitError
		if errors.As(err, &exitErr) {
			fmt.Fprintf(os.Stderr, "\n❌ Test failed (exit status %d)\n", exitErr.Code)
			return exitErr.Code
		}

		fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
		return exitInfrastructure
	}

	fmt.Fprintf(os.Stderr, "\n✅ Test passed (instance %s, %s)\n",
		result.Instance, result.Duration.Round(time.Millisecond))
	return exitSuccess
}

func buildInvocation(cfg *runConfig) (runner.Invocation, error) {
	inv := runner.Invocation{
		Target:         cfg.Target,
		Args:           cfg.TestArgs,
		Envs:           cfg.Envs,
		StagePaths:     cfg.CopyPaths,
		InstanceName:   cfg.InstanceName,
		Retain:         cfg.Keep,
		ConnectTimeout: cfg.Timeout,
		Clone: vmm.CloneOptions{
			MemoryMB: cfg.MemoryMB,
			VCPUs:    cfg.VCPUs,
			DiskSize: cfg.DiskSize,
			Network:  cfg.Network,
		},
	}

	if cfg.AuthorizedKey != "" {
		user, err := cloudinit.NewUser(cfg.User, cfg.AuthorizedKey)
		if err != nil {
			return runner.Invocation{}, err
		}

		instance := cfg.InstanceName
		if instance == "" {
			instance = cfg.BaseImage
		}
		seed := cloudinit.NewSeed(instance, user)
		inv.Clone.Seed = &seed
	}

	return inv, nil
}

func newTransportFactory(cfg *runConfig) runner.TransportFactory {
	return func(addr string) (sshutil.Runner, error) {
		opts := []sshutil.Option{}
		if cfg.IdentityPath != "" {
			opts = append(opts, sshutil.WithPrivateKeyPath(cfg.IdentityPath))
		}
		if cfg.Password != "" {
			opts = append(opts, sshutil.WithPassword(cfg.Password))
		}
		return sshutil.NewClient(addr, cfg.User, defaultSSHPort, opts...)
	}
}

func newStore(uri, imageDir, stateDir string) (vmm.Store, error) {
	opts := []vmm.Option{
		vmm.WithImageDir(imageDir),
		vmm.WithStateDir(stateDir),
	}
	if uri != "" {
		opts = append(opts, vmm.WithConnectionURI(uri))
	}
	return vmm.NewLibvirtStore(opts...)
}

// cmdList prints the orchestrator-owned instances.
func cmdList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	uri := fs.String("connect", "", "libvirt connection URI")
	imageDir := fs.String("image-dir", getEnvOrDefault(EnvImageDir, defaultImageDir), "base image directory")
	stateDir := fs.String("state-dir", getEnvOrDefault(EnvStateDir, os.TempDir()), "instance overlay directory")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := newStore(*uri, *imageDir, *stateDir)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	instances, err := store.List(context.Background())
	if err != nil {
		return err
	}

	if len(instances) == 0 {
		fmt.Println("No instances found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tSTATE\tADDRESS")
	for _, inst := range instances {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", inst.Name, inst.State, inst.Address)
	}
	return w.Flush()
}

// cmdClean stops and deletes leftover instances.
func cmdClean(args []string) error {
	fs := flag.NewFlagSet("clean", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	prefix := fs.String("prefix", "", "only delete instances whose name has this prefix")
	uri := fs.String("connect", "", "libvirt connection URI")
	imageDir := fs.String("image-dir", getEnvOrDefault(EnvImageDir, defaultImageDir), "base image directory")
	stateDir := fs.String("state-dir", getEnvOrDefault(EnvStateDir, os.TempDir()), "instance overlay directory")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := newStore(*uri, *imageDir, *stateDir)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	instances, err := store.List(ctx)
	if err != nil {
		return err
	}

	var errs []error
	deleted := 0
	for _, inst := range instances {
		if *prefix != "" && !strings.HasPrefix(inst.Name, *prefix) {
			continue
		}

		if err := store.Stop(ctx, inst.Name); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := store.Delete(ctx, inst.Name); err != nil {
			errs = append(errs, err)
			continue
		}

		fmt.Printf("deleted %s\n", inst.Name)
		deleted++
	}

	fmt.Printf("%d instance(s) deleted\n", deleted)
	return errors.Join(errs...)
}
