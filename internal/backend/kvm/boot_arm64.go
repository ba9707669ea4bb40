//go:build linux && arm64

package kvm

import (
	"encoding/binary"
	"fmt"
	"os"
	"unsafe"

	"github.com/luizribeiro/capsa/internal/backend"
	"github.com/luizribeiro/capsa/internal/backend/kvm/kvmapi"
)

// Guest physical layout, following the usual arm64 virt-machine plan: a
// low peripheral window and RAM from 1 GiB.
const (
	memBase  = 0x40000000
	mmioBase = 0x0a000000

	gicDistBase = 0x08000000
	gicDistSize = 0x10000
	gicCPUBase  = 0x08010000
	gicCPUSize  = 0x20000

	// Image text offset per the arm64 boot protocol.
	kernelOffset = 0x80000
	initrdOffset = 0x08000000
)

const (
	armDeviceVGICV2  = 0
	armSetDeviceAddr = 0x4010aeab
	armIRQTypeShift  = 24
	armIRQTypeSPI    = 1
	spiBase          = 32
)

// Core register ids for KVM_SET_ONE_REG.
const (
	regIDPC = 0x6030000000100040
	regIDX0 = 0x6030000000100000
)

type armDeviceAddr struct {
	ID   uint64
	Addr uint64
}

// cmdlineMMIODiscovery: arm64 guests find the devices in the FDT.
const cmdlineMMIODiscovery = false

// archGSI encodes an SPI for the vGIC: type in the high bits, the SPI
// number offset past the PPI range.
func archGSI(irq uint32) uint32 {
	return armIRQTypeSPI<<armIRQTypeShift | (spiBase + irq)
}

// archInitVM creates the in-kernel GICv2 and places its distributor and
// CPU interface windows.
func (m *machine) archInitVM() error {
	if _, err := kvmapi.Ioctl(m.vmFd, kvmapi.CreateIRQChip, 0); err != nil {
		return hvErr(backend.OpKvmCreateVM, "", err)
	}
	for _, dev := range []armDeviceAddr{
		{ID: armDeviceVGICV2<<8 | 0, Addr: gicDistBase}, // KVM_VGIC_V2_ADDR_TYPE_DIST
		{ID: armDeviceVGICV2<<8 | 1, Addr: gicCPUBase},  // KVM_VGIC_V2_ADDR_TYPE_CPU
	} {
		d := dev
		if err := kvmapi.IoctlPtr(m.vmFd, armSetDeviceAddr, unsafe.Pointer(&d)); err != nil {
			return hvErr(backend.OpKvmCreateVM, "", err)
		}
	}
	return nil
}

// archInitVCPU initializes the vCPU to the host's preferred target.
func (m *machine) archInitVCPU(v *vcpu) error {
	var init kvmapi.VCPUInit
	if err := kvmapi.IoctlPtr(m.vmFd, kvmapi.ARMPreferredTarget, unsafe.Pointer(&init)); err != nil {
		return hvErr(backend.OpVcpuCreate, "", err)
	}
	if v.id != 0 {
		const powerOff = 1 // KVM_ARM_VCPU_POWER_OFF: secondaries wait for PSCI
		init.Features[0] |= 1 << powerOff
	}
	if err := kvmapi.IoctlPtr(v.fd, kvmapi.ARMVCPUInit, unsafe.Pointer(&init)); err != nil {
		return hvErr(backend.OpVcpuCreate, "", err)
	}
	return nil
}

// loadKernel loads an arm64 Image and initrd, builds the device tree, and
// points vCPU 0 at the entry with x0 = dtb.
func (m *machine) loadKernel(cmdline string) error {
	kernel, err := os.ReadFile(m.cfg.KernelPath)
	if err != nil {
		return backend.Errorf(backend.KindStartFailed, "read kernel: %v", err)
	}
	if len(kernel) < 64 || binary.LittleEndian.Uint32(kernel[56:60]) != 0x644d5241 { // "ARM\x64"
		return backend.Errorf(backend.KindStartFailed, "%s is not an arm64 Image", m.cfg.KernelPath)
	}
	if kernelOffset+len(kernel) > len(m.mem) {
		return backend.Errorf(backend.KindStartFailed, "kernel does not fit in %d MiB of memory", m.cfg.MemoryMiB)
	}
	copy(m.mem[kernelOffset:], kernel)

	var initrdSize int
	if m.cfg.InitrdPath != "" {
		initrd, err := os.ReadFile(m.cfg.InitrdPath)
		if err != nil {
			return backend.Errorf(backend.KindStartFailed, "read initrd: %v", err)
		}
		if initrdOffset+len(initrd) > len(m.mem) {
			return backend.Errorf(backend.KindStartFailed, "initrd does not fit in %d MiB of memory", m.cfg.MemoryMiB)
		}
		copy(m.mem[initrdOffset:], initrd)
		initrdSize = len(initrd)
	}

	dtb := m.buildFDT(cmdline, uint64(initrdSize))
	// Place the dtb on a 2 MiB boundary at least 2 MiB below the end of RAM.
	dtbAddr := (uint64(len(m.mem)) - uint64(len(dtb)) - (2 << 20)) &^ ((2 << 20) - 1)
	copy(m.mem[dtbAddr:], dtb)

	for _, v := range m.vcpus {
		if err := setOneReg(v.fd, regIDPC, memBase+kernelOffset); err != nil {
			return err
		}
		if v.id == 0 {
			if err := setOneReg(v.fd, regIDX0, memBase+dtbAddr); err != nil {
				return err
			}
		}
	}
	return nil
}

func setOneReg(fd uintptr, id uint64, value uint64) error {
	reg := kvmapi.OneReg{ID: id, Addr: uint64(uintptr(unsafe.Pointer(&value)))}
	if err := kvmapi.IoctlPtr(fd, kvmapi.SetOneReg, unsafe.Pointer(&reg)); err != nil {
		return hvErr(backend.OpVcpuCreate, "", err)
	}
	return nil
}

// buildFDT emits the flattened device tree: cpus, memory, the GIC, and one
// node per virtio-mmio transport.
func (m *machine) buildFDT(cmdline string, initrdSize uint64) []byte {
	fdt := newFDT()
	fdt.begin("")
	fdt.propU32("#address-cells", 2)
	fdt.propU32("#size-cells", 2)
	fdt.propString("compatible", "linux,dummy-virt")
	fdt.propU32("interrupt-parent", 1)

	fdt.begin("chosen")
	fdt.propString("bootargs", cmdline)
	if initrdSize > 0 {
		fdt.propU64("linux,initrd-start", memBase+initrdOffset)
		fdt.propU64("linux,initrd-end", memBase+initrdOffset+initrdSize)
	}
	fdt.end()

	fdt.begin("memory@40000000")
	fdt.propString("device_type", "memory")
	fdt.propU64Pairs("reg", [][2]uint64{{memBase, uint64(len(m.mem))}})
	fdt.end()

	fdt.begin("cpus")
	fdt.propU32("#address-cells", 1)
	fdt.propU32("#size-cells", 0)
	for _, v := range m.vcpus {
		fdt.begin(fmt.Sprintf("cpu@%d", v.id))
		fdt.propString("device_type", "cpu")
		fdt.propString("compatible", "arm,arm-v8")
		fdt.propString("enable-method", "psci")
		fdt.propU32("reg", uint32(v.id))
		fdt.end()
	}
	fdt.end()

	fdt.begin("psci")
	fdt.propString("compatible", "arm,psci-0.2")
	fdt.propString("method", "hvc")
	fdt.end()

	fdt.begin("intc@8000000")
	fdt.propString("compatible", "arm,cortex-a15-gic")
	fdt.propU32("#interrupt-cells", 3)
	fdt.propEmpty("interrupt-controller")
	fdt.propU64Pairs("reg", [][2]uint64{{gicDistBase, gicDistSize}, {gicCPUBase, gicCPUSize}})
	fdt.propU32("phandle", 1)
	fdt.end()

	fdt.begin("timer")
	fdt.propString("compatible", "arm,armv8-timer")
	fdt.propU32s("interrupts", []uint32{1, 13, 0x104, 1, 14, 0x104, 1, 11, 0x104, 1, 10, 0x104})
	fdt.end()

	for i, t := range m.transports {
		fdt.begin(fmt.Sprintf("virtio_mmio@%x", t.base))
		fdt.propString("compatible", "virtio,mmio")
		fdt.propU64Pairs("reg", [][2]uint64{{t.base, mmioSize}})
		// GIC_SPI, edge rising.
		fdt.propU32s("interrupts", []uint32{0, mmioIRQs[i], 1})
		fdt.end()
	}

	fdt.end()
	return fdt.finish()
}
