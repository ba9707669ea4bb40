//go:build linux

package kvm

import (
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/luizribeiro/capsa/internal/backend"
	"github.com/luizribeiro/capsa/internal/backend/kvm/kvmapi"
)

// Debug exit port: a guest write ends the VM with the written byte as its
// exit code.
const debugExitPort = 0x501

// resetPort is the standard x86 reset port (0xcf9); writes are treated as
// a clean shutdown.
const resetPort = 0xcf9

// runVCPU is the body of one vCPU thread. The thread is locked to an OS
// thread for the lifetime of the vCPU: vcpu ioctls must come from the
// creating thread, and the preempt signal is delivered by tid.
func (m *machine) runVCPU(v *vcpu) {
	defer m.wg.Done()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	// Block everything except the preempt signal on this thread. The run
	// ioctl then returns EINTR exactly when the machine preempts us.
	var keep unix.Sigset_t
	fillSigset(&keep)
	sigdelset(&keep, preemptSignal)
	if err := unix.PthreadSigmask(unix.SIG_SETMASK, &keep, nil); err != nil {
		m.reportExit(backend.ExitStatus{}, hvErr(backend.OpVcpuRun, "", err))
		return
	}
	v.tid.Store(int32(unix.Gettid()))

	for {
		if m.shutdown.Load() {
			return
		}
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, v.fd, kvmapi.Run, 0)
		if errno != 0 && errno != unix.EINTR && errno != unix.EAGAIN {
			m.reportExit(backend.ExitStatus{}, hvErr(backend.OpVcpuRun, "", errno))
			return
		}
		if errno == unix.EINTR {
			// Preempt signal; re-check the shutdown flag.
			continue
		}

		switch v.run.ExitReason {
		case kvmapi.ExitMMIO:
			addr, data, isWrite := v.run.MMIO()
			m.bus.handle(addr, data, isWrite)

		case kvmapi.ExitIO:
			if done := m.handlePIO(v); done {
				return
			}

		case kvmapi.ExitHLT:
			// All activity ceased with interrupts disabled: the guest is
			// done.
			m.log.WithField("vcpu", v.id).Debug("guest halted")
			m.reportExit(backend.ExitStatus{}, nil)
			return

		case kvmapi.ExitShutdown, kvmapi.ExitSystemEvent:
			m.log.WithField("vcpu", v.id).Debug("guest shutdown")
			m.reportExit(backend.ExitStatus{}, nil)
			return

		case kvmapi.ExitFailEntry, kvmapi.ExitInternalError:
			m.reportExit(backend.ExitStatus{},
				hvErr(backend.OpVcpuRun, "", fmt.Errorf("vcpu %d exit reason %d", v.id, v.run.ExitReason)))
			return

		case kvmapi.ExitIntr, kvmapi.ExitUnknown:
			// Interrupted or spurious; loop around.
		default:
			m.log.WithField("reason", v.run.ExitReason).Debug("unhandled vcpu exit")
		}
	}
}

// handlePIO dispatches an EXIT_IO burst. Returns true when the access
// terminated the VM (debug exit or reset port).
func (m *machine) handlePIO(v *vcpu) bool {
	direction, size, port, count, offset := v.run.IO()
	data := (*[4096]byte)(unsafe.Pointer(uintptr(unsafe.Pointer(v.run)) + uintptr(offset)))[:size]

	for i := uint32(0); i < count; i++ {
		switch {
		case port == resetPort && direction == kvmapi.IODirectionOut:
			m.reportExit(backend.ExitStatus{}, nil)
			return true

		case port == debugExitPort && direction == kvmapi.IODirectionOut:
			code := int(data[0])
			m.reportExit(backend.ExitStatus{Code: code, HasCode: true}, nil)
			return true

		case m.serial != nil && port >= serialPortBase && port < serialPortBase+8:
			if direction == kvmapi.IODirectionIn {
				m.serial.In(uint16(port-serialPortBase), data)
			} else {
				m.serial.Out(uint16(port-serialPortBase), data)
			}

		default:
			// Unclaimed ports: reads return zero, writes are ignored.
			if direction == kvmapi.IODirectionIn {
				for j := range data {
					data[j] = 0
				}
			}
		}
	}
	return false
}

func fillSigset(set *unix.Sigset_t) {
	for i := range set.Val {
		set.Val[i] = ^uint64(0)
	}
}

func sigdelset(set *unix.Sigset_t, sig unix.Signal) {
	idx := (uint(sig) - 1) / 64
	bit := (uint(sig) - 1) % 64
	set.Val[idx] &^= 1 << bit
}
