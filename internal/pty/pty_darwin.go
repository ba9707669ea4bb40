//go:build darwin

package pty

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/containerd/console"
	"golang.org/x/sys/unix"
)

// Open returns the master side and the slave path of a fresh pty, in raw
// mode with a default window size.
func Open() (*os.File, string, error) {
	master, err := os.OpenFile("/dev/ptmx", os.O_RDWR|unix.O_NOCTTY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, "", fmt.Errorf("open /dev/ptmx: %w", err)
	}

	var name [128]byte
	if err := ioctl(master.Fd(), unix.TIOCPTYGNAME, uintptr(unsafe.Pointer(&name[0]))); err != nil {
		master.Close()
		return nil, "", os.NewSyscallError("TIOCPTYGNAME", err)
	}
	slavePath := string(name[:clen(name[:])])

	if err := ioctl(master.Fd(), unix.TIOCPTYGRANT, 0); err != nil {
		master.Close()
		return nil, "", os.NewSyscallError("TIOCPTYGRANT", err)
	}
	if err := ioctl(master.Fd(), unix.TIOCPTYUNLK, 0); err != nil {
		master.Close()
		return nil, "", os.NewSyscallError("TIOCPTYUNLK", err)
	}

	if err := configure(master); err != nil {
		master.Close()
		return nil, "", err
	}
	return master, slavePath, nil
}

func configure(master *os.File) error {
	c, err := console.ConsoleFromFile(master)
	if err != nil {
		return fmt.Errorf("wrap pty master: %w", err)
	}
	if err := c.SetRaw(); err != nil {
		return fmt.Errorf("pty raw mode: %w", err)
	}
	if err := c.Resize(console.WinSize{Height: 40, Width: 120}); err != nil {
		return fmt.Errorf("pty resize: %w", err)
	}
	return nil
}

func ioctl(fd uintptr, req uint, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(req), arg)
	if errno != 0 {
		return errno
	}
	return nil
}

func clen(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return len(b)
}
