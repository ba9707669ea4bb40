//go:build linux

// Package pty allocates raw pseudo-terminal pairs for guest consoles.
package pty

import (
	"fmt"
	"os"

	"github.com/containerd/console"
	"golang.org/x/sys/unix"
)

// Open returns the master side and the slave path of a fresh pty. The
// terminal is switched to raw mode so the line discipline never echoes
// guest output back as input, and sized to a sane default.
func Open() (*os.File, string, error) {
	master, err := os.OpenFile("/dev/ptmx", os.O_RDWR|unix.O_NOCTTY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, "", fmt.Errorf("open /dev/ptmx: %w", err)
	}

	n, err := unix.IoctlGetInt(int(master.Fd()), unix.TIOCGPTN)
	if err != nil {
		master.Close()
		return nil, "", os.NewSyscallError("TIOCGPTN", err)
	}
	slavePath := fmt.Sprintf("/dev/pts/%d", n)

	unlock := 0
	if err := unix.IoctlSetPointerInt(int(master.Fd()), unix.TIOCSPTLCK, unlock); err != nil {
		master.Close()
		return nil, "", os.NewSyscallError("TIOCSPTLCK", err)
	}

	if err := configure(master); err != nil {
		master.Close()
		return nil, "", err
	}
	return master, slavePath, nil
}

// configure applies raw mode and a default window size via the console
// package.
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
