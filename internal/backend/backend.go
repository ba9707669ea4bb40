// Package backend defines the hypervisor backend contract: the resolved,
// backend-facing VM configuration, the capability set every backend
// declares, and the running-instance handle the public API drives. The
// concrete backends live in subpackages and never reach back into the
// public API.
package backend

import (
	"context"
	"os"
	"time"

	"github.com/luizribeiro/capsa/capsanet"
)

// Disk is one block device in guest attachment order.
type Disk struct {
	Path     string
	Qcow2    bool
	ReadOnly bool
}

// IDMapMode controls what ownership the guest observes on a virtio-fs
// share.
type IDMapMode int

const (
	IDSquash IDMapMode = iota
	IDPassthrough
	IDDynamicCaller
)

// IDMap maps one id class (uid or gid) for a share.
type IDMap struct {
	Mode IDMapMode
	ID   uint32
}

// Share is one virtio-fs export.
type Share struct {
	HostPath string
	Tag      string
	ReadOnly bool
	UIDMap   IDMap
	GIDMap   IDMap
}

// NetworkKind mirrors the public network-mode variants.
type NetworkKind int

const (
	NetNone NetworkKind = iota
	NetNativeNAT
	NetUserNAT
	NetVsockOnly
)

// Config is the resolved VM configuration a backend's Start consumes.
// Backends only read it; the handle fills in WorkDir before Start when it
// is empty.
type Config struct {
	KernelPath string
	InitrdPath string
	Cmdline    string // fully composed kernel command line

	VCPUs     int
	MemoryMiB int

	Disks  []Disk
	Shares []Share

	Net     NetworkKind
	UserNAT *capsanet.Config // set when Net == NetUserNAT

	// NetFile, when non-nil, is a pre-established datagram socket
	// carrying one Ethernet frame per message. The backend attaches it as
	// the NIC instead of building its own stack; the subprocess daemon
	// runs this way, with the stack living in the parent.
	NetFile *os.File

	Console bool
	Vsock   bool

	Timeout time.Duration

	// WorkDir is the per-VM scratch directory. The instance owns it and
	// removes it on kill.
	WorkDir string
}

// Capabilities describes what a backend can run. The builder validates a
// config against the chosen backend before starting it.
type Capabilities struct {
	Name         string
	MaxVCPUs     int
	MaxMemoryMiB int

	DirectBoot bool // kernel+initrd boot
	Qcow2      bool
	NativeNAT  bool
	UserNAT    bool
	Vsock      bool
}

// Validate checks a resolved config against the capability set.
func (c Capabilities) Validate(cfg *Config) error {
	if !c.DirectBoot && cfg.KernelPath != "" {
		return Errorf(KindUnsupportedFeature, "backend %s cannot direct-boot a kernel", c.Name)
	}
	if c.MaxVCPUs > 0 && cfg.VCPUs > c.MaxVCPUs {
		return Errorf(KindInvalidConfig, "backend %s supports at most %d vcpus, got %d", c.Name, c.MaxVCPUs, cfg.VCPUs)
	}
	if c.MaxMemoryMiB > 0 && cfg.MemoryMiB > c.MaxMemoryMiB {
		return Errorf(KindInvalidConfig, "backend %s supports at most %d MiB, got %d", c.Name, c.MaxMemoryMiB, cfg.MemoryMiB)
	}
	for _, d := range cfg.Disks {
		if d.Qcow2 && !c.Qcow2 {
			return Errorf(KindUnsupportedFeature, "backend %s cannot serve qcow2 image %s", c.Name, d.Path)
		}
	}
	switch cfg.Net {
	case NetNativeNAT:
		if !c.NativeNAT {
			return Errorf(KindUnsupportedFeature, "backend %s has no native NAT", c.Name)
		}
	case NetUserNAT:
		if !c.UserNAT {
			return Errorf(KindUnsupportedFeature, "backend %s has no user NAT", c.Name)
		}
	case NetVsockOnly:
		if !c.Vsock {
			return Errorf(KindUnsupportedFeature, "backend %s has no vsock", c.Name)
		}
	}
	if cfg.Vsock && !c.Vsock {
		return Errorf(KindUnsupportedFeature, "backend %s has no vsock", c.Name)
	}
	return nil
}

// ExitStatus reports how a VM ended. Code is meaningful only when HasCode
// is set (a guest-initiated shutdown with a known code).
type ExitStatus struct {
	Code    int
	HasCode bool
}

// Instance is a running VM owned by a backend.
type Instance interface {
	// Shutdown requests a graceful stop (power-button event). It does not
	// wait for the guest to comply.
	Shutdown(ctx context.Context) error

	// Kill stops the VM unconditionally. Idempotent; returns only after
	// all backend resources are released (threads joined, scratch files
	// removed).
	Kill() error

	// Wait blocks until the VM reaches a terminal state or ctx is done.
	Wait(ctx context.Context) (ExitStatus, error)

	// ConsoleFile returns the caller-facing end of the guest console pty
	// (the master or the slave, depending on the backend), or an error
	// when the config did not enable one.
	ConsoleFile() (*os.File, error)
}

// Backend is a hypervisor substrate plus its bring-up code.
type Backend interface {
	// Name identifies the backend ("kvm", "vz", "vz-subprocess", "vfkit").
	Name() string

	// IsAvailable reports whether this backend can run on the current
	// host, returning a *BackendUnavailableError explaining why not.
	IsAvailable() error

	// Capabilities declares what this backend supports.
	Capabilities() Capabilities

	// CmdlineDefaults is the backend layer of kernel cmdline composition.
	CmdlineDefaults() string

	// DefaultRootDevice is the root device used when the boot config does
	// not override it.
	DefaultRootDevice() string

	// Start launches a VM from a resolved config.
	Start(ctx context.Context, cfg *Config) (Instance, error)
}
