//go:build linux && amd64

package kvm

import (
	"encoding/binary"
	"fmt"
	"os"
	"unsafe"

	"github.com/luizribeiro/capsa/internal/backend"
	"github.com/luizribeiro/capsa/internal/backend/kvm/kvmapi"
)

// Guest physical layout for the bzImage boot protocol.
//
//	0x00010000  boot params (zero page)
//	0x00020000  kernel command line
//	0x00100000  protected-mode kernel
//	0x0f000000  initrd
const (
	// memBase is where the RAM slot starts; x86 RAM begins at zero.
	memBase = 0
	// mmioBase places the virtio window above the 3 GiB RAM ceiling.
	mmioBase = 0xd0000000

	bootParamAddr = 0x10000
	cmdlineAddr   = 0x20000
	kernelAddr    = 0x100000
	initrdAddr    = 0x0f000000

	ebdaStart = 0x0009fc00
	vgaStart  = 0x000a0000
	biosStart = 0x000f0000
	biosEnd   = 0x00100000
)

// Offsets into the zero page (struct boot_params / setup_header).
const (
	offE820Entries  = 0x1e8
	offSetupHeader  = 0x1f1
	offSetupSects   = 0x1f1
	offVidMode      = 0x1fa
	offBootFlag     = 0x1fe
	offHeaderMagic  = 0x202
	offTypeOfLoader = 0x210
	offLoadFlags    = 0x211
	offRamdiskImage = 0x218
	offRamdiskSize  = 0x21c
	offHeapEndPtr   = 0x224
	offCmdLinePtr   = 0x228
	offCmdlineSize  = 0x238
	offE820Table    = 0x2d0

	setupHeaderEnd = 0x268

	loadedHigh   = 0x01
	canUseHeap   = 0x80
	keepSegments = 0x40

	e820Ram      = 1
	e820Reserved = 2
)

// cmdlineMMIODiscovery: x86 guests learn the virtio windows from kernel
// parameters.
const cmdlineMMIODiscovery = true

// archGSI is the identity on x86: transports get raw PIC/IOAPIC lines.
func archGSI(irq uint32) uint32 { return irq }

// archInitVM sets up the x86 fixed-function hardware: TSS and identity-map
// windows, the in-kernel interrupt controller, and the PIT.
func (m *machine) archInitVM() error {
	if _, err := kvmapi.Ioctl(m.vmFd, kvmapi.SetTSSAddr, 0xffffd000); err != nil {
		return hvErr(backend.OpKvmCreateVM, "", fmt.Errorf("set TSS addr: %w", err))
	}
	identityBase := uint64(0xffffc000)
	if err := kvmapi.IoctlPtr(m.vmFd, kvmapi.SetIdentityMapAddr, unsafe.Pointer(&identityBase)); err != nil {
		return hvErr(backend.OpKvmCreateVM, "", fmt.Errorf("set identity map: %w", err))
	}
	if _, err := kvmapi.Ioctl(m.vmFd, kvmapi.CreateIRQChip, 0); err != nil {
		return hvErr(backend.OpKvmCreateVM, "", fmt.Errorf("create irqchip: %w", err))
	}
	pit := kvmapi.PITConfig{}
	if err := kvmapi.IoctlPtr(m.vmFd, kvmapi.CreatePIT2, unsafe.Pointer(&pit)); err != nil {
		return hvErr(backend.OpKvmCreateVM, "", fmt.Errorf("create pit2: %w", err))
	}
	return nil
}

// archInitVCPU installs the CPUID table, advertising the KVM paravirt
// signature the guest expects.
func (m *machine) archInitVCPU(v *vcpu) error {
	var cpuid kvmapi.CPUID
	cpuid.Nent = uint32(len(cpuid.Entries))
	if err := kvmapi.IoctlPtr(m.kvmFile.Fd(), kvmapi.GetSupportedCPUID, unsafe.Pointer(&cpuid)); err != nil {
		return hvErr(backend.OpVcpuCreate, "", fmt.Errorf("get supported cpuid: %w", err))
	}
	for i := 0; i < int(cpuid.Nent); i++ {
		switch cpuid.Entries[i].Function {
		case kvmapi.CPUIDFuncPerf:
			cpuid.Entries[i].EAX = 0 // no PMU
		case kvmapi.CPUIDSignature:
			cpuid.Entries[i].EAX = kvmapi.CPUIDFeatures
			cpuid.Entries[i].EBX = 0x4b4d564b // "KVMK"
			cpuid.Entries[i].ECX = 0x564b4d56 // "VMKV"
			cpuid.Entries[i].EDX = 0x4d       // "M"
		}
	}
	if err := kvmapi.IoctlPtr(v.fd, kvmapi.SetCPUID2, unsafe.Pointer(&cpuid)); err != nil {
		return hvErr(backend.OpVcpuCreate, "", fmt.Errorf("set cpuid2: %w", err))
	}
	return nil
}

// loadKernel loads a bzImage and optional initrd per the Linux boot
// protocol and points every vCPU at the protected-mode entry.
func (m *machine) loadKernel(cmdline string) error {
	kernel, err := os.ReadFile(m.cfg.KernelPath)
	if err != nil {
		return backend.Errorf(backend.KindStartFailed, "read kernel: %v", err)
	}
	if len(kernel) < setupHeaderEnd {
		return backend.Errorf(backend.KindStartFailed, "kernel image %s too short", m.cfg.KernelPath)
	}
	if binary.LittleEndian.Uint32(kernel[offHeaderMagic:]) != 0x53726448 { // "HdrS"
		return backend.Errorf(backend.KindStartFailed, "%s is not a bzImage", m.cfg.KernelPath)
	}

	var initrdSize int
	if m.cfg.InitrdPath != "" {
		initrd, err := os.ReadFile(m.cfg.InitrdPath)
		if err != nil {
			return backend.Errorf(backend.KindStartFailed, "read initrd: %v", err)
		}
		if initrdAddr+len(initrd) > len(m.mem) {
			return backend.Errorf(backend.KindStartFailed, "initrd does not fit in %d MiB of memory", m.cfg.MemoryMiB)
		}
		copy(m.mem[initrdAddr:], initrd)
		initrdSize = len(initrd)
	}

	// Command line, NUL-terminated.
	copy(m.mem[cmdlineAddr:], cmdline)
	m.mem[cmdlineAddr+len(cmdline)] = 0

	// Zero page: copy the setup header out of the image, then fill in the
	// loader fields.
	bp := m.mem[bootParamAddr : bootParamAddr+0x1000]
	for i := range bp {
		bp[i] = 0
	}
	copy(bp[offSetupHeader:setupHeaderEnd], kernel[offSetupHeader:setupHeaderEnd])

	bp[offVidMode] = 0xff
	bp[offVidMode+1] = 0xff
	bp[offTypeOfLoader] = 0xff
	bp[offLoadFlags] |= loadedHigh | canUseHeap | keepSegments
	binary.LittleEndian.PutUint32(bp[offRamdiskImage:], initrdAddr)
	binary.LittleEndian.PutUint32(bp[offRamdiskSize:], uint32(initrdSize))
	binary.LittleEndian.PutUint16(bp[offHeapEndPtr:], 0xfe00)
	binary.LittleEndian.PutUint32(bp[offCmdLinePtr:], cmdlineAddr)
	binary.LittleEndian.PutUint32(bp[offCmdlineSize:], uint32(len(cmdline)+1))

	m.writeE820(bp)

	// Protected-mode kernel starts after the real-mode setup sectors.
	setupSects := int(kernel[offSetupSects])
	if setupSects == 0 {
		setupSects = 4
	}
	pmOffset := (setupSects + 1) * 512
	if pmOffset >= len(kernel) {
		return backend.Errorf(backend.KindStartFailed, "kernel setup sectors exceed image size")
	}
	if kernelAddr+len(kernel)-pmOffset > len(m.mem) {
		return backend.Errorf(backend.KindStartFailed, "kernel does not fit in %d MiB of memory", m.cfg.MemoryMiB)
	}
	copy(m.mem[kernelAddr:], kernel[pmOffset:])

	for _, v := range m.vcpus {
		if err := m.initRegs(v); err != nil {
			return err
		}
		if err := m.initSregs(v); err != nil {
			return err
		}
	}
	return nil
}

// writeE820 publishes the memory map: low RAM, the reserved legacy hole,
// and everything from 1 MiB up.
func (m *machine) writeE820(bp []byte) {
	type e820Entry struct {
		addr, size uint64
		typ        uint32
	}
	entries := []e820Entry{
		{0, ebdaStart, e820Ram},
		{ebdaStart, vgaStart - ebdaStart, e820Reserved},
		{biosStart, biosEnd - biosStart, e820Reserved},
		{kernelAddr, uint64(len(m.mem)) - kernelAddr, e820Ram},
	}
	bp[offE820Entries] = byte(len(entries))
	for i, e := range entries {
		off := offE820Table + i*20
		binary.LittleEndian.PutUint64(bp[off:], e.addr)
		binary.LittleEndian.PutUint64(bp[off+8:], e.size)
		binary.LittleEndian.PutUint32(bp[off+16:], e.typ)
	}
}

func (m *machine) initRegs(v *vcpu) error {
	var regs kvmapi.Regs
	if err := kvmapi.IoctlPtr(v.fd, kvmapi.GetRegs, unsafe.Pointer(&regs)); err != nil {
		return hvErr(backend.OpVcpuCreate, "", err)
	}
	regs.RFLAGS = 2
	regs.RIP = kernelAddr
	regs.RSI = bootParamAddr
	if err := kvmapi.IoctlPtr(v.fd, kvmapi.SetRegs, unsafe.Pointer(&regs)); err != nil {
		return hvErr(backend.OpVcpuCreate, "", err)
	}
	return nil
}

// initSregs enters flat 32-bit protected mode, the bzImage entry state;
// the kernel raises itself to long mode.
func (m *machine) initSregs(v *vcpu) error {
	var sregs kvmapi.Sregs
	if err := kvmapi.IoctlPtr(v.fd, kvmapi.GetSregs, unsafe.Pointer(&sregs)); err != nil {
		return hvErr(backend.OpVcpuCreate, "", err)
	}
	flat := func(s *kvmapi.Segment) {
		s.Base = 0
		s.Limit = 0xffffffff
		s.G = 1
	}
	for _, s := range []*kvmapi.Segment{&sregs.CS, &sregs.DS, &sregs.ES, &sregs.FS, &sregs.GS, &sregs.SS} {
		flat(s)
	}
	sregs.CS.DB = 1
	sregs.SS.DB = 1
	sregs.CR0 |= 1 // protected mode, no paging
	if err := kvmapi.IoctlPtr(v.fd, kvmapi.SetSregs, unsafe.Pointer(&sregs)); err != nil {
		return hvErr(backend.OpVcpuCreate, "", err)
	}
	return nil
}
