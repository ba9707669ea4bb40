//go:build linux

// Package kvmapi is the thin ioctl surface of /dev/kvm: request numbers,
// the kvm_run exit layout, and the register/memory structures the machine
// pokes. Everything here mirrors the kernel UAPI headers bit for bit.
package kvmapi

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// System and VM ioctl numbers (x86_64 values from <linux/kvm.h>).
const (
	GetAPIVersion       = 0xae00
	CreateVM            = 0xae01
	CheckExtension      = 0xae03
	GetVCPUMMapSize     = 0xae04
	GetSupportedCPUID   = 0xc008ae05
	CreateVCPU          = 0xae41
	SetUserMemoryRegion = 0x4020ae46
	SetTSSAddr          = 0xae47
	SetIdentityMapAddr  = 0x4008ae48
	CreateIRQChip       = 0xae60
	IRQLineIoctl        = 0x4008ae61
	CreatePIT2          = 0x4040ae77
	Run                 = 0xae80
	GetRegs             = 0x8090ae81
	SetRegs             = 0x4090ae82
	GetSregs            = 0x8138ae83
	SetSregs            = 0x4138ae84
	SetCPUID2           = 0x4008ae90

	// arm64-only requests.
	ARMVCPUInit        = 0x4020aeae
	ARMPreferredTarget = 0x8020aeaf
	SetOneReg          = 0x4010aeac
	GetOneReg          = 0x4010aeab
)

// Exit reasons reported in RunData.ExitReason.
const (
	ExitUnknown       = 0
	ExitIO            = 2
	ExitHLT           = 5
	ExitMMIO          = 6
	ExitShutdown      = 8
	ExitFailEntry     = 9
	ExitIntr          = 10
	ExitInternalError = 17
	ExitSystemEvent   = 24
)

// IO directions inside the EXIT_IO payload.
const (
	IODirectionIn  = 0
	IODirectionOut = 1
)

// StableAPIVersion is the only KVM API version that exists.
const StableAPIVersion = 12

// RunData is the head of the mmap'ed kvm_run structure. The Data area
// overlays the exit union.
type RunData struct {
	RequestInterruptWindow     uint8
	ImmediateExit              uint8
	_                          [6]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	Flags                      uint16
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO unpacks the EXIT_IO union: direction, access size, port, repetition
// count, and the offset of the data area relative to the kvm_run base.
func (r *RunData) IO() (direction, size uint32, port uint16, count uint32, offset uint64) {
	direction = uint32(r.Data[0] & 0xff)
	size = uint32((r.Data[0] >> 8) & 0xff)
	port = uint16(r.Data[0] >> 16)
	count = uint32(r.Data[0] >> 32)
	offset = r.Data[1]
	return
}

// MMIO unpacks the EXIT_MMIO union. data points into the kvm_run mapping
// so writes by an in-handler are seen by the kernel on re-entry.
func (r *RunData) MMIO() (physAddr uint64, data []byte, isWrite bool) {
	physAddr = r.Data[0]
	length := int(r.Data[2] & 0xff)
	isWrite = (r.Data[2]>>32)&0x1 == 1
	buf := (*[8]byte)(unsafe.Pointer(&r.Data[1]))
	return physAddr, buf[:length], isWrite
}

// UserspaceMemoryRegion mirrors struct kvm_userspace_memory_region.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// Regs mirrors struct kvm_regs (x86_64).
type Regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

// Segment mirrors struct kvm_segment.
type Segment struct {
	Base                           uint64
	Limit                          uint32
	Selector                       uint16
	Type                           uint8
	Present, DPL, DB, S, L, G, AVL uint8
	Unusable                       uint8
	_                              uint8
}

// DTable mirrors struct kvm_dtable.
type DTable struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// Sregs mirrors struct kvm_sregs (x86_64).
type Sregs struct {
	CS, DS, ES, FS, GS, SS  Segment
	TR, LDT                 Segment
	GDT, IDT                DTable
	CR0, CR2, CR3, CR4, CR8 uint64
	EFER                    uint64
	ApicBase                uint64
	InterruptBitmap         [4]uint64
}

// CPUIDEntry2 mirrors struct kvm_cpuid_entry2.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	EAX      uint32
	EBX      uint32
	ECX      uint32
	EDX      uint32
	_        [3]uint32
}

// CPUID mirrors struct kvm_cpuid2 with a fixed entry capacity.
type CPUID struct {
	Nent    uint32
	_       uint32
	Entries [100]CPUIDEntry2
}

// Well-known CPUID leaves the machine patches.
const (
	CPUIDSignature = 0x40000000
	CPUIDFeatures  = 0x40000001
	CPUIDFuncPerf  = 0x0a
)

// PITConfig mirrors struct kvm_pit_config.
type PITConfig struct {
	Flags uint32
	_     [15]uint32
}

// IRQLevel mirrors struct kvm_irq_level.
type IRQLevel struct {
	IRQ   uint32
	Level uint32
}

// VCPUInit mirrors struct kvm_vcpu_init (arm64).
type VCPUInit struct {
	Target   uint32
	Features [7]uint32
}

// OneReg mirrors struct kvm_one_reg.
type OneReg struct {
	ID   uint64
	Addr uint64
}

// Ioctl issues a KVM ioctl with an integer or pointer argument.
func Ioctl(fd uintptr, request uintptr, arg uintptr) (uintptr, error) {
	ret, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, request, arg)
	if errno != 0 {
		return ret, os.NewSyscallError("ioctl", errno)
	}
	return ret, nil
}

// IoctlPtr issues a KVM ioctl whose argument is a structure pointer.
func IoctlPtr(fd uintptr, request uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, request, uintptr(arg))
	if errno != 0 {
		return os.NewSyscallError("ioctl", errno)
	}
	return nil
}

// IRQLine toggles a GSI to the given level.
func IRQLine(vmFd uintptr, irq uint32, level uint32) error {
	arg := IRQLevel{IRQ: irq, Level: level}
	return IoctlPtr(vmFd, IRQLineIoctl, unsafe.Pointer(&arg))
}
