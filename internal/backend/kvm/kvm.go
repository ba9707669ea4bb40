//go:build linux

// Package kvm implements the hypervisor backend on the Linux kernel
// virtualization API: one VM fd, anonymous-mmap memory slots, one OS
// thread per vCPU, and an MMIO-transport virtio device model.
package kvm

import (
	"context"
	"errors"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/luizribeiro/capsa/internal/backend"
)

// Backend is the KVM hypervisor backend.
type Backend struct{}

// New returns the KVM backend.
func New() *Backend { return &Backend{} }

func (b *Backend) Name() string { return "kvm" }

// IsAvailable probes /dev/kvm, distinguishing an absent device node (no
// virtualization or module not loaded) from a permission problem.
func (b *Backend) IsAvailable() error {
	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err == nil {
		f.Close()
		return nil
	}
	reason := backend.UnavailableKernelFeatureOff
	switch {
	case errors.Is(err, os.ErrNotExist):
		reason = backend.UnavailableDeviceNodeAbsent
	case errors.Is(err, os.ErrPermission):
		reason = backend.UnavailablePermissionDenied
	}
	return &backend.BackendUnavailableError{Name: b.Name(), Reason: reason}
}

func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:         b.Name(),
		MaxVCPUs:     64,
		MaxMemoryMiB: 3072, // all RAM below the MMIO window
		DirectBoot:   true,
		Qcow2:        true,
		NativeNAT:    true,
		UserNAT:      true,
		Vsock:        true,
	}
}

// CmdlineDefaults routes the console to the virtio console and keeps
// minimal guests from rebooting into oblivion on panic.
func (b *Backend) CmdlineDefaults() string {
	return "console=hvc0 reboot=k panic=-1 i8042.nokbd i8042.noaux"
}

func (b *Backend) DefaultRootDevice() string { return "/dev/vda" }

// Start builds the machine, attaches devices, loads the kernel, and
// launches the vCPU threads.
func (b *Backend) Start(ctx context.Context, cfg *backend.Config) (backend.Instance, error) {
	log := logrus.WithField("subsys", "kvm")
	m, err := newMachine(cfg, log)
	if err != nil {
		return nil, err
	}
	if err := m.start(ctx); err != nil {
		return nil, err
	}
	return m, nil
}
