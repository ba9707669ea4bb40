// Package aio provides non-blocking byte streams over raw file
// descriptors: a single duplex fd (a pty master) and a pipe pair (a child
// process's stdin/stdout). Both integrate with the Go runtime poller so
// reads and writes park goroutines instead of OS threads.
package aio

import (
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// File is a duplex byte stream over one file descriptor. The fd is
// switched to non-blocking mode and registered with the runtime poller.
type File struct {
	f *os.File

	mu     sync.Mutex
	closed bool
}

// NewFile takes ownership of fd. name is used in error messages only.
func NewFile(fd int, name string) (*File, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, os.NewSyscallError("set nonblock", err)
	}
	return &File{f: os.NewFile(uintptr(fd), name)}, nil
}

func (a *File) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return a.f.Read(p)
}

func (a *File) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return a.f.Write(p)
}

// SetReadDeadline bounds subsequent reads.
func (a *File) SetReadDeadline(t time.Time) error {
	return a.f.SetReadDeadline(t)
}

// Fd returns the underlying descriptor. The fd remains owned by the File.
func (a *File) Fd() uintptr { return a.f.Fd() }

// Close is idempotent.
func (a *File) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	return a.f.Close()
}

// IsDeadlineExceeded reports whether err is a poller deadline expiry.
func IsDeadlineExceeded(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded)
}

// PipePair presents a read pipe and a write pipe as one duplex stream,
// matching the shape of a subprocess's stdout/stdin seen from the parent.
type PipePair struct {
	r *os.File
	w *os.File

	mu     sync.Mutex
	closed bool
}

// NewPipePair wraps the given halves. Both are switched to non-blocking.
func NewPipePair(r, w *os.File) (*PipePair, error) {
	for _, f := range []*os.File{r, w} {
		if err := unix.SetNonblock(int(f.Fd()), true); err != nil {
			return nil, os.NewSyscallError("set nonblock", err)
		}
	}
	return &PipePair{r: r, w: w}, nil
}

func (p *PipePair) Read(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	return p.r.Read(b)
}

func (p *PipePair) Write(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	return p.w.Write(b)
}

// SetReadDeadline bounds subsequent reads on the read half.
func (p *PipePair) SetReadDeadline(t time.Time) error {
	return p.r.SetReadDeadline(t)
}

// Close closes both halves. Idempotent; the first error wins.
func (p *PipePair) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	errR := p.r.Close()
	errW := p.w.Close()
	if errR != nil {
		return errR
	}
	return errW
}

var _ io.ReadWriteCloser = (*File)(nil)
var _ io.ReadWriteCloser = (*PipePair)(nil)
