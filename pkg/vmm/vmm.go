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
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/alexandremahdhaoui/vmtest/pkg/cloudinit"
	"libvirt.org/go/libvirt"
)

var (
	errConnectLibvirt     = errors.New("failed to connect to libvirt")
	errCheckImage         = errors.New("failed to check base image")
	errInstanceExists     = errors.New("an instance with this name already exists")
	errCreateOverlay      = errors.New("failed to create instance overlay disk")
	errDefineDomain       = errors.New("failed to define domain")
	errCreateDomain       = errors.New("failed to start domain")
	errInstanceNotFound   = errors.New("instance not found")
	errGetDomainState     = errors.New("failed to get domain state")
	errDestroyDomain      = errors.New("failed to destroy domain")
	errUndefineDomain     = errors.New("failed to undefine domain")
	errDeleteOverlay      = errors.New("failed to delete instance overlay disk")
	errListDomains        = errors.New("failed to list domains")
	errCreateSeedDir      = errors.New("failed to create cloud-init seed directory")
	errWriteUserData      = errors.New("failed to write user-data file")
	errWriteMetaData      = errors.New("failed to write meta-data file")
	errCreateSeedISO      = errors.New("failed to create cloud-init seed ISO with xorriso")
)

const (
	defaultMemoryMB = 2048
	defaultVCPUs    = 2
	defaultDiskSize = "20G"
	defaultNetwork  = "default"
)

// LibvirtStore implements Store on top of a libvirt connection. Base
// images are qcow2 files named "<image>.qcow2" inside imageDir; instance
// overlay disks and seed ISOs live in stateDir.
type LibvirtStore struct {
	conn     *libvirt.Connect
	uri      string
	imageDir string
	stateDir string
}

// Option is a functional option for configuring LibvirtStore.
type Option func(*LibvirtStore)

// WithImageDir sets the directory holding base images.
func WithImageDir(dir string) Option {
	return func(s *LibvirtStore) {
		s.imageDir = dir
	}
}

// WithStateDir sets the directory for instance overlay disks and seed ISOs.
func WithStateDir(dir string) Option {
	return func(s *LibvirtStore) {
		s.stateDir = dir
	}
}

// WithConnectionURI sets a custom libvirt connection URI.
func WithConnectionURI(uri string) Option {
	return func(s *LibvirtStore) {
		s.uri = uri
	}
}

// NewLibvirtStore connects to libvirt (qemu:///system by default) and
// returns a ready store.
func NewLibvirtStore(opts ...Option) (*LibvirtStore, error) {
	s := &LibvirtStore{
		uri:      "qemu:///system",
		imageDir: "/var/lib/vmtest/images",
		stateDir: os.TempDir(),
	}

	for _, opt := range opts {
		opt(s)
	}

	conn, err := libvirt.NewConnect(s.uri)
	if err != nil {
		return nil, errors.Join(err, errConnectLibvirt)
	}
	s.conn = conn

	return s, nil
}

// Close closes the libvirt connection.
func (s *LibvirtStore) Close() error {
	if s.conn == nil {
		return nil
	}
	_, err := s.conn.Close()
	return err
}

// ImageExists implements Store.
func (s *LibvirtStore) ImageExists(ctx context.Context, name string) (bool, error) {
	_, err := os.Stat(s.imagePath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Join(err, errCheckImage)
	}
	return true, nil
}

// Clone implements Store. It creates a qcow2 overlay on top of the base
// image and defines (but does not start) the instance domain.
func (s *LibvirtStore) Clone(
	ctx context.Context,
	image, instance string,
	opts CloneOptions,
) error {
	if dom, _ := s.conn.LookupDomainByName(instance); dom != nil {
		dom.Free()
		return errors.Join(fmt.Errorf("instance=%s", instance), errInstanceExists)
	}

	opts = withCloneDefaults(opts)

	overlayPath := s.overlayPath(instance)
	qemuImgCmd := exec.CommandContext(
		ctx,
		"qemu-img",
		"create",
		"-f",
		"qcow2",
		"-o",
		fmt.Sprintf("backing_file=%s,backing_fmt=qcow2", s.imagePath(image)),
		overlayPath,
		opts.DiskSize,
	)
	if output, err := qemuImgCmd.CombinedOutput(); err != nil {
		return errors.Join(err, fmt.Errorf("output: %s", output), errCreateOverlay)
	}

	seedISOPath := ""
	if opts.Seed != nil {
		var err error
		seedISOPath, err = s.generateSeedISO(ctx, instance, *opts.Seed)
		if err != nil {
			_ = os.Remove(overlayPath)
			return err
		}
	}

	domainXML, err := generateDomainXML(instance, overlayPath, seedISOPath, opts)
	if err != nil {
		_ = os.Remove(overlayPath)
		return err
	}

	dom, err := s.conn.DomainDefineXML(domainXML)
	if err != nil {
		_ = os.Remove(overlayPath)
		return errors.Join(err, fmt.Errorf("instance=%s", instance), errDefineDomain)
	}
	defer dom.Free()

	slog.Debug("cloned instance", "image", image, "instance", instance, "overlay", overlayPath)
	return nil
}

// Start implements Store.
func (s *LibvirtStore) Start(ctx context.Context, instance string) error {
	dom, err := s.conn.LookupDomainByName(instance)
	if err != nil {
		return errors.Join(err, fmt.Errorf("instance=%s", instance), errInstanceNotFound)
	}
	defer dom.Free()

	if err := dom.Create(); err != nil {
		return errors.Join(err, fmt.Errorf("instance=%s", instance), errCreateDomain)
	}

	return nil
}

// ResolveAddress implements Store. It performs exactly one lease query;
// the caller owns the polling policy.
func (s *LibvirtStore) ResolveAddress(
	ctx context.Context,
	instance string,
) (string, bool, error) {
	dom, err := s.conn.LookupDomainByName(instance)
	if err != nil {
		return "", false, errors.Join(err, fmt.Errorf("instance=%s", instance), errInstanceNotFound)
	}
	defer dom.Free()

	ifaces, err := dom.ListAllInterfaceAddresses(libvirt.DOMAIN_INTERFACE_ADDRESSES_SRC_LEASE)
	if err != nil {
		// The query fails while the guest agent/DHCP is not up yet.
		slog.Debug("no interface addresses yet", "instance", instance, "error", err.Error())
		return "", false, nil
	}

	for _, iface := range ifaces {
		for _, addr := range iface.Addrs {
			if addr.Type == libvirt.IP_ADDR_TYPE_IPV4 {
				return strings.Split(addr.Addr, "/")[0], true, nil
			}
		}
	}

	return "", false, nil
}

// Stop implements Store. Idempotent: a missing or already-stopped
// instance is not an error.
func (s *LibvirtStore) Stop(ctx context.Context, instance string) error {
	dom, err := s.conn.LookupDomainByName(instance)
	if err != nil {
		slog.Debug("instance not found in libvirt, skipping stop", "instance", instance)
		return nil
	}
	defer dom.Free()

	state, _, err := dom.GetState()
	if err != nil {
		return errors.Join(err, fmt.Errorf("instance=%s", instance), errGetDomainState)
	}

	if state != libvirt.DOMAIN_RUNNING {
		return nil
	}

	if err := dom.Destroy(); err != nil {
		return errors.Join(err, fmt.Errorf("instance=%s", instance), errDestroyDomain)
	}

	return nil
}

// Delete implements Store. Idempotent: the domain definition, overlay
// disk and seed ISO are each removed if present.
func (s *LibvirtStore) Delete(ctx context.Context, instance string) error {
	dom, err := s.conn.LookupDomainByName(instance)
	if err == nil {
		defer dom.Free()

		state, _, stateErr := dom.GetState()
		if stateErr == nil && state == libvirt.DOMAIN_RUNNING {
			if err := dom.Destroy(); err != nil {
				return errors.Join(err, fmt.Errorf("instance=%s", instance), errDestroyDomain)
			}
		}

		if err := dom.Undefine(); err != nil {
			return errors.Join(err, fmt.Errorf("instance=%s", instance), errUndefineDomain)
		}
	} else {
		slog.Debug("instance not found in libvirt, deleting files only", "instance", instance)
	}

	overlayPath := s.overlayPath(instance)
	if err := os.Remove(overlayPath); err != nil && !os.IsNotExist(err) {
		return errors.Join(err, fmt.Errorf("overlayPath=%s", overlayPath), errDeleteOverlay)
	}

	if err := os.Remove(s.seedISOPath(instance)); err != nil && !os.IsNotExist(err) {
		// Seed ISO is optional; losing it is not worth failing a delete.
		slog.Debug("failed to delete seed ISO", "instance", instance, "error", err.Error())
	}

	return nil
}

// List implements Store. Ownership is established by the presence of an
// overlay disk in the store's state directory: domains defined by other
// tools are not reported.
func (s *LibvirtStore) List(ctx context.Context) ([]Instance, error) {
	domains, err := s.conn.ListAllDomains(
		libvirt.CONNECT_LIST_DOMAINS_ACTIVE | libvirt.CONNECT_LIST_DOMAINS_INACTIVE,
	)
	if err != nil {
		return nil, errors.Join(err, errListDomains)
	}

	instances := make([]Instance, 0, len(domains))
	for i := range domains {
		dom := domains[i]

		name, err := dom.GetName()
		if err != nil {
			dom.Free()
			continue
		}

		if _, err := os.Stat(s.overlayPath(name)); err != nil {
			dom.Free()
			continue
		}

		instance := Instance{Name: name, State: StateDefined}
		if state, _, err := dom.GetState(); err == nil {
			instance.State = mapDomainState(state)
		}

		if instance.State == StateRunning {
			if addr, ok, err := s.resolveAddressFromDomain(&dom); err == nil && ok {
				instance.Address = addr
			}
		}

		dom.Free()
		instances = append(instances, instance)
	}

	return instances, nil
}

func (s *LibvirtStore) resolveAddressFromDomain(dom *libvirt.Domain) (string, bool, error) {
	ifaces, err := dom.ListAllInterfaceAddresses(libvirt.DOMAIN_INTERFACE_ADDRESSES_SRC_LEASE)
	if err != nil {
		return "", false, err
	}
	for _, iface := range ifaces {
		for _, addr := range iface.Addrs {
			if addr.Type == libvirt.IP_ADDR_TYPE_IPV4 {
				return strings.Split(addr.Addr, "/")[0], true, nil
			}
		}
	}
	return "", false, nil
}

func mapDomainState(state libvirt.DomainState) InstanceState {
	switch state {
	case libvirt.DOMAIN_RUNNING:
		return StateRunning
	case libvirt.DOMAIN_SHUTOFF, libvirt.DOMAIN_CRASHED:
		return StateStopped
	default:
		return StateDefined
	}
}

func (s *LibvirtStore) imagePath(image string) string {
	return filepath.Join(s.imageDir, fmt.Sprintf("%s.qcow2", image))
}

func (s *LibvirtStore) overlayPath(instance string) string {
	return filepath.Join(s.stateDir, fmt.Sprintf("%s.qcow2", instance))
}

func (s *LibvirtStore) seedISOPath(instance string) string {
	return filepath.Join(s.stateDir, fmt.Sprintf("%s-seed.iso", instance))
}

func (s *LibvirtStore) generateSeedISO(
	ctx context.Context,
	instance string,
	seed cloudinit.UserData,
) (string, error) {
	userData, err := seed.Render()
	if err != nil {
		return "", err
	}

	metaData := fmt.Sprintf("instance-id: %s\nlocal-hostname: %s\n", instance, instance)
	isoPath := s.seedISOPath(instance)

	seedDir := filepath.Join(s.stateDir, fmt.Sprintf("%s-seed-config", instance))
	if err := os.MkdirAll(seedDir, 0o755); err != nil {
		return "", errors.Join(err, errCreateSeedDir)
	}
	defer os.RemoveAll(seedDir)

	userFile := filepath.Join(seedDir, "user-data")
	if err := os.WriteFile(userFile, []byte(userData), 0o644); err != nil {
		return "", errors.Join(err, errWriteUserData)
	}

	metaFile := filepath.Join(seedDir, "meta-data")
	if err := os.WriteFile(metaFile, []byte(metaData), 0o644); err != nil {
		return "", errors.Join(err, errWriteMetaData)
	}

	xorrisoCmd := exec.CommandContext(
		ctx,
		"xorriso",
		"-as", "mkisofs",
		"-o", isoPath,
		"-V", "cidata",
		"-J", "-R",
		seedDir,
	)
	if output, err := xorrisoCmd.CombinedOutput(); err != nil {
		return "", errors.Join(err, fmt.Errorf("output: %s", output), errCreateSeedISO)
	}

	return isoPath, nil
}

func withCloneDefaults(opts CloneOptions) CloneOptions {
	if opts.MemoryMB == 0 {
		opts.MemoryMB = defaultMemoryMB
	}
	if opts.VCPUs == 0 {
		opts.VCPUs = defaultVCPUs
	}
	if opts.DiskSize == "" {
		opts.DiskSize = defaultDiskSize
	}
	if opts.Network == "" {
		opts.Network = defaultNetwork
	}
	return opts
}
