package capsa

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writeTempFile drops content into a fresh temp file and returns its path.
func writeTempFile(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestBuilder_MissingKernel(t *testing.T) {
	_, err := NewBuilder().Build()
	if !errors.Is(err, ErrMissingConfig) {
		t.Errorf("Build without kernel = %v, want missing-config", err)
	}
}

func TestBuilder_RejectsBadResources(t *testing.T) {
	kernel := writeTempFile(t, "kernel", []byte("x"))

	_, err := NewBuilder().Kernel(kernel).VCPUs(0).Build()
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("zero vcpus = %v, want invalid-config", err)
	}

	_, err = NewBuilder().Kernel(kernel).MemoryMiB(-1).Build()
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("negative memory = %v, want invalid-config", err)
	}
}

func TestBuilder_ShareTagRules(t *testing.T) {
	kernel := writeTempFile(t, "kernel", []byte("x"))
	dir := t.TempDir()

	// 36 bytes is the limit; 37 is out.
	ok := strings.Repeat("a", 36)
	long := strings.Repeat("a", 37)

	_, err := NewBuilder().Kernel(kernel).
		Share(SharedDir{HostPath: dir, Tag: long}).
		Build()
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("37-byte tag = %v, want invalid-config", err)
	}

	b := NewBuilder().Kernel(kernel).Share(SharedDir{HostPath: dir, Tag: ok})
	if _, _, err := b.resolve(false); err != nil && errors.Is(err, ErrInvalidConfig) {
		t.Errorf("36-byte tag rejected: %v", err)
	}

	_, err = NewBuilder().Kernel(kernel).
		Share(SharedDir{HostPath: dir, Tag: "ws"}).
		Share(SharedDir{HostPath: dir, Tag: "ws"}).
		Build()
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("duplicate tags = %v, want invalid-config", err)
	}
}

func TestBuilder_GeneratesShareTags(t *testing.T) {
	kernel := writeTempFile(t, "kernel", []byte("x"))
	dir := t.TempDir()

	b := NewBuilder().Kernel(kernel).
		Share(SharedDir{HostPath: dir}).
		Share(SharedDir{HostPath: dir})
	_, cfg, err := b.resolve(false)
	if err != nil {
		// No backend in the test environment is fine; tag generation
		// happens before selection, so only a config error matters.
		if errors.Is(err, ErrInvalidConfig) || errors.Is(err, ErrMissingConfig) {
			t.Fatalf("resolve: %v", err)
		}
		return
	}
	if cfg.Shares[0].Tag == cfg.Shares[1].Tag {
		t.Errorf("generated tags collide: %q", cfg.Shares[0].Tag)
	}
}

func TestBuilder_ProbesQcow2(t *testing.T) {
	kernel := writeTempFile(t, "kernel", []byte("x"))
	qcow := writeTempFile(t, "disk.qcow2", []byte{'Q', 'F', 'I', 0xfb, 0, 0, 0, 3})
	raw := writeTempFile(t, "disk.img", make([]byte, 512))

	b := NewBuilder().Kernel(kernel).DiskPath(qcow, false).DiskPath(raw, false)
	public := []DiskImage{{Path: qcow}, {Path: raw}}
	for i := range public {
		if err := probeDiskFormat(&public[i]); err != nil {
			t.Fatalf("probe: %v", err)
		}
	}
	if public[0].Format != DiskFormatQcow2 || !public[0].ReadOnly {
		t.Errorf("qcow2 image probed as %v ro=%v", public[0].Format, public[0].ReadOnly)
	}
	if public[1].Format != DiskFormatRaw {
		t.Errorf("raw image probed as %v", public[1].Format)
	}
	_ = b
}

func TestBuilder_PoolRejectsWritableDisks(t *testing.T) {
	kernel := writeTempFile(t, "kernel", []byte("x"))
	disk := writeTempFile(t, "scratch.img", make([]byte, 512))

	b := NewBuilder().Kernel(kernel).DiskPath(disk, false)
	_, _, err := b.resolve(true)
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("pool template with writable disk = %v, want invalid-config", err)
	}

	// The same disk read-only is allowed at resolution time.
	b = NewBuilder().Kernel(kernel).DiskPath(disk, true)
	if _, _, err := b.resolve(true); errors.Is(err, ErrInvalidConfig) {
		t.Errorf("read-only disk rejected from pool template: %v", err)
	}
}

func TestBuilder_UserNATSubnetValidated(t *testing.T) {
	kernel := writeTempFile(t, "kernel", []byte("x"))

	mode := UserNAT(capsanetConfigWithSubnet("not-a-cidr"))
	_, err := NewBuilder().Kernel(kernel).Network(mode).Build()
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("bad subnet = %v, want invalid-config", err)
	}
}

func TestComposeCmdline_ThreeLayers(t *testing.T) {
	bk := &fakeBackend{
		cmdlineDefaults: "console=hvc0 reboot=t panic=-1",
		rootDevice:      "/dev/vda",
	}

	var user KernelCmdline
	user.Set("console", "ttyS0")
	user.AddFlag("quiet")

	got := composeCmdline(bk, BootConfig{Cmdline: user})
	want := "console=ttyS0 reboot=t panic=-1 root=/dev/vda quiet"
	if got != want {
		t.Errorf("composed = %q, want %q", got, want)
	}

	// Boot-config root overrides the backend default.
	got = composeCmdline(bk, BootConfig{RootDevice: "/dev/vdb"})
	parsed := NewKernelCmdline(got)
	if gotRoot, _ := parsed.Get("root"); gotRoot != "/dev/vdb" {
		t.Errorf("root = %q, want /dev/vdb", gotRoot)
	}
}
