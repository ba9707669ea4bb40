package capsa

import (
	"fmt"
	"net"
	"time"

	"github.com/luizribeiro/capsa/capsanet"
)

// MaxShareTagLen is the longest tag a virtio-fs device accepts.
const MaxShareTagLen = 36

// DiskFormat describes the on-disk format of a DiskImage.
type DiskFormat int

const (
	DiskFormatRaw DiskFormat = iota
	DiskFormatQcow2
)

func (f DiskFormat) String() string {
	switch f {
	case DiskFormatRaw:
		return "raw"
	case DiskFormatQcow2:
		return "qcow2"
	default:
		return "unknown"
	}
}

// DiskImage is a block device attached to the guest. Images appear as
// /dev/vda, /dev/vdb, … in attachment order. qcow2 images are read-only.
type DiskImage struct {
	Path     string
	Format   DiskFormat
	ReadOnly bool
}

// ShareMechanism selects how a shared directory is exported to the guest.
type ShareMechanism int

const (
	ShareAuto ShareMechanism = iota
	ShareVirtioFS
	ShareVirtio9P
)

func (m ShareMechanism) String() string {
	switch m {
	case ShareVirtioFS:
		return "virtio-fs"
	case ShareVirtio9P:
		return "virtio-9p"
	default:
		return "auto"
	}
}

// SharedDir exposes a host directory to the guest. GuestPath is
// informational for raw VMs — the guest mounts the device by tag.
type SharedDir struct {
	HostPath  string
	GuestPath string
	ReadOnly  bool
	Mechanism ShareMechanism
	Tag       string
}

// IDMapMode controls what ownership the guest observes on a virtio-fs
// mount. Mapping never changes the identity used for host file operations —
// files are created as the host process regardless.
type IDMapMode int

const (
	// IDSquash reports a fixed id for every file.
	IDSquash IDMapMode = iota
	// IDPassthrough reports the real host id.
	IDPassthrough
	// IDDynamicCaller reports the id of the calling guest process.
	IDDynamicCaller
)

// IDMap is the UID/GID mapping for one id class on a virtio-fs device.
type IDMap struct {
	Mode IDMapMode
	ID   uint32 // fixed id for IDSquash
}

// DefaultIDMaps squashes ownership to root, the default for shares.
func DefaultIDMaps() (uid, gid IDMap) {
	return IDMap{Mode: IDSquash, ID: 0}, IDMap{Mode: IDSquash, ID: 0}
}

// NetworkModeKind enumerates the networking variants.
type NetworkModeKind int

const (
	// NetworkNone attaches no network device.
	NetworkNone NetworkModeKind = iota
	// NetworkNAT uses the platform-native NAT (macOS only).
	NetworkNAT
	// NetworkUserNAT runs the userspace network stack.
	NetworkUserNAT
	// NetworkVsockOnly attaches only a vsock device.
	NetworkVsockOnly
)

func (k NetworkModeKind) String() string {
	switch k {
	case NetworkNAT:
		return "nat"
	case NetworkUserNAT:
		return "user-nat"
	case NetworkVsockOnly:
		return "vsock-only"
	default:
		return "none"
	}
}

// NetworkMode is the resolved network configuration variant.
type NetworkMode struct {
	Kind    NetworkModeKind
	UserNAT *capsanet.Config // set when Kind == NetworkUserNAT
}

// NoNetwork returns the none variant.
func NoNetwork() NetworkMode { return NetworkMode{Kind: NetworkNone} }

// NativeNAT returns the platform-native NAT variant.
func NativeNAT() NetworkMode { return NetworkMode{Kind: NetworkNAT} }

// UserNAT returns the userspace NAT variant with the given config.
func UserNAT(cfg capsanet.Config) NetworkMode {
	if cfg.Subnet == "" {
		cfg.Subnet = "10.0.2.0/24"
	}
	return NetworkMode{Kind: NetworkUserNAT, UserNAT: &cfg}
}

// VsockOnly returns the vsock-only variant.
func VsockOnly() NetworkMode { return NetworkMode{Kind: NetworkVsockOnly} }

// ConsoleMode selects whether a serial console device is attached.
type ConsoleMode int

const (
	ConsoleDisabled ConsoleMode = iota
	ConsoleEnabled
)

// Resources are the guest CPU and memory limits.
type Resources struct {
	VCPUs     int
	MemoryMiB int
}

// GuestOS names the guest operating system. Only Linux guests are
// supported.
type GuestOS int

const (
	GuestLinux GuestOS = iota
)

// BootConfig describes a direct-boot Linux guest.
type BootConfig struct {
	KernelPath string
	InitrdPath string
	// RootDevice overrides the backend's default root device ("/dev/vda").
	RootDevice string
	// Cmdline holds user additions merged on top of backend and boot
	// defaults.
	Cmdline KernelCmdline
}

// VmConfig is the resolved, backend-facing configuration. It is immutable
// once built; the builder produces it and a backend's start consumes it.
type VmConfig struct {
	Boot      BootConfig
	Cmdline   string // left empty by the builder; the composed line goes to backend.Config
	Resources Resources
	Disks     []DiskImage
	Shares    []SharedDir
	Network   NetworkMode
	Console   ConsoleMode
	Vsock     bool
	UIDMap    IDMap
	GIDMap    IDMap
	Timeout   time.Duration

	// PoolTemplate marks configs cloned for pool use; resolution rejects
	// additional writable disks on such configs.
	PoolTemplate bool
}

func (c *VmConfig) validate() error {
	if c.Boot.KernelPath == "" {
		return &Error{Kind: KindMissingConfig, Detail: "kernel path"}
	}
	if c.Resources.VCPUs <= 0 {
		return invalidConfigf("vcpus must be positive, got %d", c.Resources.VCPUs)
	}
	if c.Resources.MemoryMiB <= 0 {
		return invalidConfigf("memory must be positive, got %d MiB", c.Resources.MemoryMiB)
	}
	seen := make(map[string]bool, len(c.Shares))
	for i, s := range c.Shares {
		if s.HostPath == "" {
			return invalidConfigf("share %d: host path is empty", i)
		}
		if len(s.Tag) > MaxShareTagLen {
			return invalidConfigf("share tag %q is %d bytes, max %d", s.Tag, len(s.Tag), MaxShareTagLen)
		}
		if s.Tag == "" {
			return invalidConfigf("share %d: tag is empty", i)
		}
		if seen[s.Tag] {
			return invalidConfigf("duplicate share tag %q", s.Tag)
		}
		seen[s.Tag] = true
	}
	for i, d := range c.Disks {
		if d.Path == "" {
			return invalidConfigf("disk %d: path is empty", i)
		}
		if d.Format == DiskFormatQcow2 && !d.ReadOnly {
			return unsupportedf("disk %d: qcow2 images are read-only", i)
		}
	}
	if c.PoolTemplate {
		for i, d := range c.Disks {
			if !d.ReadOnly {
				return invalidConfigf("pool configs may not attach writable disk %d (%s)", i, d.Path)
			}
		}
	}
	if c.Network.Kind == NetworkUserNAT {
		if c.Network.UserNAT == nil {
			return invalidConfigf("user-nat mode without config")
		}
		if _, _, err := net.ParseCIDR(c.Network.UserNAT.Subnet); err != nil {
			return invalidConfigf("user-nat subnet %q: %v", c.Network.UserNAT.Subnet, err)
		}
	}
	return nil
}

// GuestDevice returns the virtio-blk device name the i-th disk appears as.
func GuestDevice(i int) string {
	return fmt.Sprintf("/dev/vd%c", 'a'+rune(i))
}
