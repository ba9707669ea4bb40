package capsa

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/luizribeiro/capsa/internal/backend"
)

// Builder accumulates VM configuration and produces a VmHandle. Methods
// chain and only record values; all validation happens in Build.
type Builder struct {
	boot    BootConfig
	res     Resources
	disks   []DiskImage
	shares  []SharedDir
	net     NetworkMode
	console ConsoleMode
	vsock   bool
	uidMap  IDMap
	gidMap  IDMap
	timeout time.Duration

	backendName string
	err         error
}

// NewBuilder returns a builder with one vCPU, 128 MiB, and no devices.
func NewBuilder() *Builder {
	uid, gid := DefaultIDMaps()
	return &Builder{
		res:    Resources{VCPUs: 1, MemoryMiB: 128},
		net:    NoNetwork(),
		uidMap: uid,
		gidMap: gid,
	}
}

// Kernel sets the direct-boot kernel image.
func (b *Builder) Kernel(path string) *Builder {
	b.boot.KernelPath = path
	return b
}

// Initrd sets the initial ramdisk.
func (b *Builder) Initrd(path string) *Builder {
	b.boot.InitrdPath = path
	return b
}

// RootDevice overrides the backend's default root device.
func (b *Builder) RootDevice(dev string) *Builder {
	b.boot.RootDevice = dev
	return b
}

// CmdlineArg adds (or replaces) a key=value kernel argument.
func (b *Builder) CmdlineArg(key, value string) *Builder {
	b.boot.Cmdline.Set(key, value)
	return b
}

// CmdlineFlag adds a bare kernel flag.
func (b *Builder) CmdlineFlag(flag string) *Builder {
	b.boot.Cmdline.AddFlag(flag)
	return b
}

// CmdlineOverride replaces the entire composed command line.
func (b *Builder) CmdlineOverride(s string) *Builder {
	b.boot.Cmdline.Override(s)
	return b
}

// VCPUs sets the vCPU count.
func (b *Builder) VCPUs(n int) *Builder {
	b.res.VCPUs = n
	return b
}

// MemoryMiB sets guest memory.
func (b *Builder) MemoryMiB(n int) *Builder {
	b.res.MemoryMiB = n
	return b
}

// Disk attaches a block device; order determines /dev/vdX naming. The
// image format is probed from the file when left as raw.
func (b *Builder) Disk(d DiskImage) *Builder {
	b.disks = append(b.disks, d)
	return b
}

// DiskPath attaches a disk by path with format probing.
func (b *Builder) DiskPath(path string, readOnly bool) *Builder {
	return b.Disk(DiskImage{Path: path, ReadOnly: readOnly})
}

// Share exports a host directory to the guest over virtio-fs. An empty
// tag gets a generated one.
func (b *Builder) Share(s SharedDir) *Builder {
	b.shares = append(b.shares, s)
	return b
}

// Network selects the network mode.
func (b *Builder) Network(m NetworkMode) *Builder {
	b.net = m
	return b
}

// Console enables the serial console.
func (b *Builder) Console() *Builder {
	b.console = ConsoleEnabled
	return b
}

// Vsock attaches a vsock device.
func (b *Builder) Vsock() *Builder {
	b.vsock = true
	return b
}

// IDMaps sets the virtio-fs ownership mapping for all shares.
func (b *Builder) IDMaps(uid, gid IDMap) *Builder {
	b.uidMap, b.gidMap = uid, gid
	return b
}

// Timeout sets the stop grace period.
func (b *Builder) Timeout(d time.Duration) *Builder {
	b.timeout = d
	return b
}

// Backend pins a backend by name instead of auto-selecting.
func (b *Builder) Backend(name string) *Builder {
	b.backendName = name
	return b
}

// Build validates the configuration, selects a backend, composes the
// kernel command line, and returns a handle in the Created state.
func (b *Builder) Build() (*VmHandle, error) {
	bk, cfg, err := b.resolve(false)
	if err != nil {
		return nil, err
	}
	return newHandle(uuid.NewString(), bk, cfg), nil
}

// resolve produces the backend-facing config. Pool templates additionally
// reject writable extra disks.
func (b *Builder) resolve(poolTemplate bool) (backend.Backend, *backend.Config, error) {
	if b.err != nil {
		return nil, nil, b.err
	}

	public := VmConfig{
		Boot:         b.boot,
		Resources:    b.res,
		Disks:        append([]DiskImage(nil), b.disks...),
		Shares:       append([]SharedDir(nil), b.shares...),
		Network:      b.net,
		Console:      b.console,
		Vsock:        b.vsock,
		UIDMap:       b.uidMap,
		GIDMap:       b.gidMap,
		Timeout:      b.timeout,
		PoolTemplate: poolTemplate,
	}

	for i := range public.Disks {
		if err := probeDiskFormat(&public.Disks[i]); err != nil {
			return nil, nil, err
		}
	}
	for i := range public.Shares {
		if public.Shares[i].Tag == "" {
			public.Shares[i].Tag = fmt.Sprintf("share%d", i)
		}
	}
	if err := public.validate(); err != nil {
		return nil, nil, err
	}

	cfg := &backend.Config{
		KernelPath: public.Boot.KernelPath,
		InitrdPath: public.Boot.InitrdPath,
		VCPUs:      public.Resources.VCPUs,
		MemoryMiB:  public.Resources.MemoryMiB,
		Console:    public.Console == ConsoleEnabled,
		Vsock:      public.Vsock,
		Timeout:    public.Timeout,
	}
	for _, d := range public.Disks {
		cfg.Disks = append(cfg.Disks, backend.Disk{
			Path:     d.Path,
			Qcow2:    d.Format == DiskFormatQcow2,
			ReadOnly: d.ReadOnly,
		})
	}
	uidMap := backend.IDMap{Mode: backend.IDMapMode(public.UIDMap.Mode), ID: public.UIDMap.ID}
	gidMap := backend.IDMap{Mode: backend.IDMapMode(public.GIDMap.Mode), ID: public.GIDMap.ID}
	for _, s := range public.Shares {
		cfg.Shares = append(cfg.Shares, backend.Share{
			HostPath: s.HostPath,
			Tag:      s.Tag,
			ReadOnly: s.ReadOnly,
			UIDMap:   uidMap,
			GIDMap:   gidMap,
		})
	}
	switch public.Network.Kind {
	case NetworkNAT:
		cfg.Net = backend.NetNativeNAT
	case NetworkUserNAT:
		cfg.Net = backend.NetUserNAT
		natCfg := *public.Network.UserNAT
		cfg.UserNAT = &natCfg
	case NetworkVsockOnly:
		cfg.Net = backend.NetVsockOnly
	}

	bk, err := selectBackend(b.backendName, cfg)
	if err != nil {
		return nil, nil, err
	}

	cfg.Cmdline = composeCmdline(bk, public.Boot)
	return bk, cfg, nil
}

// composeCmdline applies the three merge layers in order: backend
// defaults, boot-config defaults, then user additions. A user override
// replaces the whole line.
func composeCmdline(bk backend.Backend, boot BootConfig) string {
	base := NewKernelCmdline(bk.CmdlineDefaults())

	var bootLayer KernelCmdline
	root := boot.RootDevice
	if root == "" {
		root = bk.DefaultRootDevice()
	}
	bootLayer.Set("root", root)

	return base.Merge(bootLayer).Merge(boot.Cmdline).String()
}

// selectBackend picks the first compiled-in backend that is available on
// this host and whose capabilities accept the configuration.
func selectBackend(name string, cfg *backend.Config) (backend.Backend, error) {
	var reasons []string
	for _, bk := range compiledBackends() {
		if name != "" && bk.Name() != name {
			continue
		}
		if err := bk.IsAvailable(); err != nil {
			reasons = append(reasons, err.Error())
			continue
		}
		if err := bk.Capabilities().Validate(cfg); err != nil {
			reasons = append(reasons, err.Error())
			continue
		}
		return bk, nil
	}
	if name != "" && len(reasons) == 0 {
		return nil, &Error{Kind: KindNoBackendAvailable, Detail: "unknown backend " + name}
	}
	return nil, &Error{
		Kind:   KindNoBackendAvailable,
		Detail: strings.Join(reasons, "; "),
	}
}

var qcow2Magic = [4]byte{'Q', 'F', 'I', 0xfb}

// probeDiskFormat sniffs the image header. qcow2 images are forced
// read-only; everything else is treated as raw.
func probeDiskFormat(d *DiskImage) error {
	f, err := os.Open(d.Path)
	if err != nil {
		return invalidConfigf("disk %s: %v", d.Path, err)
	}
	defer f.Close()

	var magic [4]byte
	if _, err := f.ReadAt(magic[:], 0); err == nil && magic == qcow2Magic {
		d.Format = DiskFormatQcow2
		d.ReadOnly = true
	}
	return nil
}
