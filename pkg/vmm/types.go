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

package vmm

import (
	"context"

	"github.com/alexandremahdhaoui/vmtest/pkg/cloudinit"
)

// Store is the narrow adapter boundary between the orchestrator and the
// virtualization backend. Everything fragile about talking to the
// hypervisor (lease scraping, domain state mapping) stays behind it, so
// the orchestrator can be tested against a fake.
type Store interface {
	// ImageExists reports whether the named base image is registered.
	ImageExists(ctx context.Context, name string) (bool, error)

	// Clone defines a new stopped instance backed by a copy-on-write
	// overlay of the named base image. The base image is never mutated.
	Clone(ctx context.Context, image, instance string, opts CloneOptions) error

	// Start boots a previously cloned instance headlessly.
	Start(ctx context.Context, instance string) error

	// ResolveAddress returns the instance's IPv4 address once the guest
	// has obtained a DHCP lease. ok is false while no lease is available
	// yet; that is not an error.
	ResolveAddress(ctx context.Context, instance string) (addr string, ok bool, err error)

	// Stop forcefully powers off a running instance. Stopping an
	// already-stopped or missing instance is not an error.
	Stop(ctx context.Context, instance string) error

	// Delete removes the instance definition and its backing files.
	// Deleting a missing instance is not an error.
	Delete(ctx context.Context, instance string) error

	// List returns the instances owned by this store.
	List(ctx context.Context) ([]Instance, error)

	// Close releases the hypervisor connection.
	Close() error
}

// InstanceState is the coarse lifecycle state of a test instance.
type InstanceState string

const (
	// StateDefined indicates the instance is cloned but not yet started.
	StateDefined InstanceState = "defined"
	// StateRunning indicates the instance is booted.
	StateRunning InstanceState = "running"
	// StateStopped indicates the instance was powered off.
	StateStopped InstanceState = "stopped"
)

// Instance describes one store-owned test instance.
type Instance struct {
	Name    string
	State   InstanceState
	Address string // empty until a DHCP lease is resolved
}

// CloneOptions configures the instance created by Store.Clone.
type CloneOptions struct {
	MemoryMB uint
	VCPUs    uint
	DiskSize string
	Network  string

	// Seed, when non-nil, attaches a cloud-init seed ISO provisioning the
	// remote test user. Base images with their own provisioning leave it
	// nil.
	Seed *cloudinit.UserData
}
