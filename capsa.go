// Package capsa is an embeddable library for launching, controlling, and
// interacting with hardware-virtualized Linux guests on a single host. It
// presents one façade over two hypervisor substrates — KVM on Linux and
// Apple's Virtualization.framework on macOS (in process, via the
// capsa-vzd subprocess, or through the vfkit helper) — with first-class
// serial-console automation, virtio-fs shared directories, and a fully
// userspace NAT network stack (see the capsanet subpackage).
//
// A minimal boot-and-run session:
//
//	vm, err := capsa.NewBuilder().
//		Kernel("bzImage").
//		Initrd("initrd.img").
//		MemoryMiB(256).
//		Console().
//		Network(capsa.UserNAT(capsanet.Config{Subnet: "10.0.2.0/24"})).
//		Build()
//	if err != nil { ... }
//	if err := vm.Start(ctx); err != nil { ... }
//	defer vm.Kill()
//
//	con, _ := vm.Console()
//	con.WaitFor("~ # ", 30*time.Second)
//	out, _ := con.Exec("uname -s", 5*time.Second)
package capsa

import "github.com/luizribeiro/capsa/internal/backend"

// Init performs one-time process setup: it sweeps orphaned VM scratch
// directories left by processes that died without cleanup. Calling it is
// optional but recommended before the first Build.
func Init() {
	backend.SweepOrphans()
}
