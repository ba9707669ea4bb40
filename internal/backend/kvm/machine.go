//go:build linux

package kvm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/luizribeiro/capsa/capsanet"
	"github.com/luizribeiro/capsa/internal/backend"
	"github.com/luizribeiro/capsa/internal/backend/kvm/kvmapi"
	"github.com/luizribeiro/capsa/internal/pty"
)

// preemptSignal kicks vCPU threads out of the run ioctl. vCPU threads
// keep every other signal blocked; delivery is always targeted with tgkill,
// never process-wide.
const preemptSignal = unix.SIGUSR1

// mmioIRQs are the GSIs handed to virtio-mmio transports, skipping lines
// the PIC reserves for legacy devices.
var mmioIRQs = []uint32{5, 6, 7, 9, 10, 11, 12, 14, 15}

const serialIRQ = 4

// machine is one KVM virtual machine: the VM fd, its memory slot, the
// device arena, and one OS thread per vCPU.
type machine struct {
	cfg *backend.Config
	log *logrus.Entry

	kvmFile *os.File
	vmFd    uintptr
	mem     []byte

	bus        *mmioBus
	devices    []virtioDevice
	transports []*mmioTransport
	serial     *serial8250
	conDev     *consoleDevice
	ptyMaster  *os.File
	ptySlaveF  *os.File
	ptySlave   string
	netStack   *capsanet.Stack
	tapCleanup func()

	vcpus    []*vcpu
	signalCh chan os.Signal

	shutdown atomic.Bool
	wg       sync.WaitGroup

	stateMu sync.Mutex
	exited  bool
	exit    backend.ExitStatus
	runErr  error
	done    chan struct{}

	killOnce sync.Once
	killErr  error
}

type vcpu struct {
	id  int
	fd  uintptr
	run *kvmapi.RunData
	tid atomic.Int32
}

func hvErr(op backend.HypervisorOp, hint string, cause error) error {
	return &backend.HypervisorError{Op: op, Hint: hint, Cause: cause}
}

// newMachine opens /dev/kvm, creates the VM, maps guest memory, and
// creates vCPUs. Devices and boot state are attached by start.
func newMachine(cfg *backend.Config, log *logrus.Entry) (*machine, error) {
	kvmFile, err := os.OpenFile("/dev/kvm", os.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		hint := ""
		if errors.Is(err, os.ErrPermission) {
			hint = "add your user to the kvm group"
		}
		return nil, hvErr(backend.OpKvmOpen, hint, err)
	}

	m := &machine{
		cfg:      cfg,
		log:      log,
		kvmFile:  kvmFile,
		done:     make(chan struct{}),
		signalCh: make(chan os.Signal, 1),
	}

	version, err := kvmapi.Ioctl(kvmFile.Fd(), kvmapi.GetAPIVersion, 0)
	if err != nil {
		m.release()
		return nil, hvErr(backend.OpKvmOpen, "", err)
	}
	if version != kvmapi.StableAPIVersion {
		m.release()
		return nil, hvErr(backend.OpKvmOpen, "", fmt.Errorf("unsupported KVM API version %d", version))
	}

	vmFd, err := kvmapi.Ioctl(kvmFile.Fd(), kvmapi.CreateVM, 0)
	if err != nil {
		m.release()
		return nil, hvErr(backend.OpKvmCreateVM, "", err)
	}
	m.vmFd = vmFd

	if err := m.archInitVM(); err != nil {
		m.release()
		return nil, err
	}

	memSize := uint64(cfg.MemoryMiB) << 20
	mem, err := unix.Mmap(-1, 0, int(memSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		m.release()
		return nil, hvErr(backend.OpMemoryMap, "", os.NewSyscallError("mmap", err))
	}
	m.mem = mem

	region := kvmapi.UserspaceMemoryRegion{
		Slot:          0,
		GuestPhysAddr: memBase,
		MemorySize:    memSize,
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}
	if err := kvmapi.IoctlPtr(vmFd, kvmapi.SetUserMemoryRegion, unsafe.Pointer(&region)); err != nil {
		m.release()
		return nil, hvErr(backend.OpMemoryMap, "", err)
	}

	mmapSize, err := kvmapi.Ioctl(kvmFile.Fd(), kvmapi.GetVCPUMMapSize, 0)
	if err != nil {
		m.release()
		return nil, hvErr(backend.OpVcpuCreate, "", err)
	}

	for i := 0; i < cfg.VCPUs; i++ {
		fd, err := kvmapi.Ioctl(vmFd, kvmapi.CreateVCPU, uintptr(i))
		if err != nil {
			m.release()
			return nil, hvErr(backend.OpVcpuCreate, "", err)
		}
		runMap, err := unix.Mmap(int(fd), 0, int(mmapSize),
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			m.release()
			return nil, hvErr(backend.OpVcpuCreate, "", os.NewSyscallError("mmap kvm_run", err))
		}
		v := &vcpu{id: i, fd: fd, run: (*kvmapi.RunData)(unsafe.Pointer(&runMap[0]))}
		if err := m.archInitVCPU(v); err != nil {
			m.release()
			return nil, err
		}
		m.vcpus = append(m.vcpus, v)
	}

	return m, nil
}

// raiseIRQ pulses a GSI edge-triggered: assert then de-assert, matching
// virtio-net interrupt semantics.
func (m *machine) raiseIRQ(irq uint32) {
	irq = archGSI(irq)
	if err := kvmapi.IRQLine(m.vmFd, irq, 1); err != nil {
		m.log.WithError(err).WithField("irq", irq).Warn("irq assert failed")
		return
	}
	if err := kvmapi.IRQLine(m.vmFd, irq, 0); err != nil {
		m.log.WithError(err).WithField("irq", irq).Warn("irq deassert failed")
	}
}

// start attaches devices, loads the kernel, and launches the vCPU threads.
func (m *machine) start(ctx context.Context) error {
	// The runtime must own the preempt signal so its delivery interrupts
	// the run ioctl instead of killing the process. The channel is never
	// read; vCPU threads poll the shutdown flag after EINTR.
	signal.Notify(m.signalCh, preemptSignal)

	if err := m.attachDevices(); err != nil {
		m.release()
		return err
	}

	cmdline := m.cfg.Cmdline
	if cmdlineMMIODiscovery {
		// x86 has no device tree; devices are announced as kernel
		// parameters. arm64 publishes them through the FDT instead.
		for i, t := range m.transports {
			cmdline += fmt.Sprintf(" virtio_mmio.device=512@%#x:%d", t.base, mmioIRQs[i])
		}
	}

	if err := m.loadKernel(cmdline); err != nil {
		m.release()
		return err
	}

	for _, v := range m.vcpus {
		m.wg.Add(1)
		go m.runVCPU(v)
	}
	if m.netStack != nil {
		if err := m.netStack.Start(); err != nil {
			m.Kill()
			return fmt.Errorf("start network stack: %w", err)
		}
	}
	return nil
}

// attachDevices builds the device arena: disks, network, console, shares,
// and vsock, each behind its own MMIO transport and interrupt line.
func (m *machine) attachDevices() error {
	add := func(dev virtioDevice) error {
		i := len(m.transports)
		if i >= len(mmioIRQs) {
			return backend.Errorf(backend.KindInvalidConfig, "too many virtio devices (max %d)", len(mmioIRQs))
		}
		t := newMMIOTransport(dev, m.mem, mmioBase+uint64(i)*mmioStride, mmioIRQs[i], m.raiseIRQ, m.log)
		m.transports = append(m.transports, t)
		m.devices = append(m.devices, dev)
		return nil
	}

	for _, d := range m.cfg.Disks {
		dev, err := newBlockDevice(d, m.log)
		if err != nil {
			return err
		}
		if err := add(dev); err != nil {
			return err
		}
	}

	switch m.cfg.Net {
	case backend.NetUserNAT:
		fio, peer, err := capsanet.NewSocketPair()
		if err != nil {
			return fmt.Errorf("network socket pair: %w", err)
		}
		stack, err := capsanet.New(*m.cfg.UserNAT, fio)
		if err != nil {
			peer.Close()
			return err
		}
		m.netStack = stack
		if err := add(newNetDevice(capsanet.WrapSocketFile(peer), m.log)); err != nil {
			return err
		}
	case backend.NetNativeNAT:
		// Host-kernel NAT over a tap device, set up the way a root-owned
		// deployment expects. Requires CAP_NET_ADMIN.
		tap, cleanup, err := newHostNATTap(m.cfg)
		if err != nil {
			return err
		}
		m.tapCleanup = cleanup
		if err := add(newNetDevice(tap, m.log)); err != nil {
			return err
		}
	}

	if m.cfg.Console {
		master, slavePath, err := pty.Open()
		if err != nil {
			return fmt.Errorf("allocate console pty: %w", err)
		}
		slave, err := os.OpenFile(slavePath, os.O_RDWR|unix.O_CLOEXEC, 0)
		if err != nil {
			master.Close()
			return fmt.Errorf("open console pty slave: %w", err)
		}
		m.ptyMaster = master
		m.ptySlaveF = slave
		m.ptySlave = slavePath
		m.serial = newSerial8250(master)
		m.conDev = newConsoleDevice(master, m.log)
		if err := add(m.conDev); err != nil {
			return err
		}
	}

	for _, share := range m.cfg.Shares {
		dev, err := newFSDevice(share, m.log)
		if err != nil {
			return err
		}
		if err := add(dev); err != nil {
			return err
		}
	}

	if m.cfg.Vsock || m.cfg.Net == backend.NetVsockOnly {
		if err := add(newVsockDevice(m.log)); err != nil {
			return err
		}
	}

	m.bus = &mmioBus{transports: m.transports, log: m.log}
	return nil
}

// reportExit records the terminal state once; later reports lose.
func (m *machine) reportExit(exit backend.ExitStatus, err error) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if m.exited {
		return
	}
	m.exited = true
	m.exit = exit
	m.runErr = err
	close(m.done)

	// Wake the other vCPUs so they observe the shutdown flag.
	m.shutdown.Store(true)
	m.preemptVCPUs()
}

func (m *machine) preemptVCPUs() {
	pid := os.Getpid()
	for _, v := range m.vcpus {
		if tid := v.tid.Load(); tid != 0 {
			_ = unix.Tgkill(pid, int(tid), preemptSignal)
		}
	}
}

// Shutdown requests a graceful stop. Minimal direct-boot guests have no
// ACPI power button to press; the request is recorded and the caller's
// grace period escalates to Kill.
func (m *machine) Shutdown(ctx context.Context) error {
	m.log.Info("graceful shutdown requested; waiting for guest")
	return nil
}

// Kill tears the VM down unconditionally: preempt and join every vCPU
// thread, close devices, release guest memory, and remove the scratch
// directory. Idempotent.
func (m *machine) Kill() error {
	m.killOnce.Do(func() {
		m.shutdown.Store(true)
		m.preemptVCPUs()
		m.wg.Wait()
		m.reportExit(backend.ExitStatus{}, nil)
		m.release()
	})
	return m.killErr
}

// release frees everything attachDevices and newMachine built. Memory is
// unmapped only after all vCPU threads are gone.
func (m *machine) release() {
	signal.Stop(m.signalCh)
	if m.netStack != nil {
		m.netStack.Close()
		m.netStack = nil
	}
	for _, dev := range m.devices {
		dev.Close()
	}
	m.devices = nil
	if m.serial != nil {
		m.serial.Close()
		m.serial = nil
	}
	if m.ptyMaster != nil {
		m.ptyMaster.Close()
		m.ptyMaster = nil
	}
	if m.ptySlaveF != nil {
		m.ptySlaveF.Close()
		m.ptySlaveF = nil
	}
	if m.tapCleanup != nil {
		m.tapCleanup()
		m.tapCleanup = nil
	}
	for _, v := range m.vcpus {
		unix.Close(int(v.fd))
	}
	m.vcpus = nil
	if m.vmFd != 0 {
		unix.Close(int(m.vmFd))
		m.vmFd = 0
	}
	if m.mem != nil {
		_ = unix.Munmap(m.mem)
		m.mem = nil
	}
	if m.kvmFile != nil {
		m.kvmFile.Close()
		m.kvmFile = nil
	}
	if m.cfg.WorkDir != "" {
		_ = os.RemoveAll(m.cfg.WorkDir)
	}
}

// Wait blocks until the VM reaches a terminal state.
func (m *machine) Wait(ctx context.Context) (backend.ExitStatus, error) {
	select {
	case <-ctx.Done():
		return backend.ExitStatus{}, ctx.Err()
	case <-m.done:
	}
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.exit, m.runErr
}

// ConsoleFile hands out the caller-facing side of the console pty. The
// device model keeps the master; callers read and write the slave.
func (m *machine) ConsoleFile() (*os.File, error) {
	if m.ptySlaveF == nil {
		return nil, backend.ErrConsoleNotEnabled
	}
	return m.ptySlaveF, nil
}
