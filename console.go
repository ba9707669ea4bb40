package capsa

import (
	"bytes"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/luizribeiro/capsa/internal/aio"
)

// Console is a buffered reader over the guest serial console with
// pattern-match primitives for programmatic interaction. Reads observe
// bytes in the order the guest wrote them; concurrent writers interleave
// at byte granularity, so callers scripting a session should hold a single
// writer.
type Console struct {
	f *aio.File

	mu     sync.Mutex
	buf    []byte
	execN  uint64
	closed bool
}

func newConsole(f *os.File) (*Console, error) {
	// Duplicate the descriptor so the console owns its lifetime
	// independently of the backend instance.
	fd, err := unix.Dup(int(f.Fd()))
	if err != nil {
		return nil, os.NewSyscallError("dup", err)
	}
	af, err := aio.NewFile(fd, f.Name())
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &Console{f: af}, nil
}

// NewConsoleFromFile wraps an arbitrary duplex fd as a Console. Intended
// for tests and for callers that bring their own pty.
func NewConsoleFromFile(f *os.File) (*Console, error) {
	return newConsole(f)
}

// fill reads whatever is available within the deadline into the buffer.
func (c *Console) fill(deadline time.Time) error {
	if err := c.f.SetReadDeadline(deadline); err != nil {
		return err
	}
	chunk := make([]byte, 4096)
	n, err := c.f.Read(chunk)
	if n > 0 {
		c.mu.Lock()
		c.buf = append(c.buf, chunk[:n]...)
		c.mu.Unlock()
	}
	return err
}

// WaitFor reads until pattern appears, returning everything up to and
// including the match and draining it from the buffer. A zero timeout
// waits forever.
func (c *Console) WaitFor(pattern string, timeout time.Duration) ([]byte, error) {
	return c.WaitForAny([]string{pattern}, timeout)
}

// WaitForAny waits for whichever pattern completes first.
func (c *Console) WaitForAny(patterns []string, timeout time.Duration) ([]byte, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		c.mu.Lock()
		for _, p := range patterns {
			if idx := bytes.Index(c.buf, []byte(p)); idx >= 0 {
				end := idx + len(p)
				out := append([]byte(nil), c.buf[:end]...)
				c.buf = c.buf[end:]
				c.mu.Unlock()
				return out, nil
			}
		}
		observed := append([]byte(nil), c.buf...)
		c.mu.Unlock()

		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return nil, &PatternNotFoundError{Pattern: patterns[0], Observed: observed}
		}
		if err := c.fill(deadline); err != nil {
			if aio.IsDeadlineExceeded(err) {
				continue
			}
			return nil, err
		}
	}
}

// WaitForLine reads up to and including the next newline.
func (c *Console) WaitForLine(timeout time.Duration) ([]byte, error) {
	return c.WaitFor("\n", timeout)
}

// ReadAvailable drains whatever is currently buffered without blocking.
func (c *Console) ReadAvailable() []byte {
	// Pull in anything the poller already has.
	_ = c.fill(time.Now())

	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.buf
	c.buf = nil
	return out
}

// Write sends raw bytes to the guest.
func (c *Console) Write(p []byte) (int, error) {
	return c.f.Write(p)
}

// WriteLine sends s followed by a newline.
func (c *Console) WriteLine(s string) error {
	_, err := c.f.Write(append([]byte(s), '\n'))
	return err
}

// Exec runs cmd in the guest shell and returns its output. A unique done
// marker delimits the output; the marker is emitted via printf so the
// command's echo cannot satisfy the match (the guest echoes the printf
// format string, not the expanded `X=` form on its own line).
//
// Pipelines interact with shell buffering; wrap cmd in a subshell if the
// trailing printf must run after the whole pipeline.
func (c *Console) Exec(cmd string, timeout time.Duration) ([]byte, error) {
	c.mu.Lock()
	c.execN++
	n := c.execN
	c.mu.Unlock()

	marker := fmt.Sprintf("__DONE_%d__", n)
	line := fmt.Sprintf("%s ; printf '\\n%%s\\n' 'X=%s'", cmd, marker)
	if err := c.WriteLine(line); err != nil {
		return nil, err
	}

	out, err := c.WaitFor("\nX="+marker, timeout)
	if err != nil {
		return nil, err
	}
	// Trim the marker line and the echoed command ahead of the output.
	out = out[:len(out)-len("\nX="+marker)]
	if idx := bytes.IndexByte(out, '\n'); idx >= 0 {
		out = out[idx+1:]
	}
	return out, nil
}

// Login drives a classic getty prompt sequence.
func (c *Console) Login(user, password string, timeout time.Duration) error {
	if _, err := c.WaitFor("login:", timeout); err != nil {
		return err
	}
	if err := c.WriteLine(user); err != nil {
		return err
	}
	if password != "" {
		if _, err := c.WaitFor("Password:", timeout); err != nil {
			return err
		}
		if err := c.WriteLine(password); err != nil {
			return err
		}
	}
	return nil
}

// RunCommand sends cmd and waits for the shell prompt to come back,
// returning the bytes in between.
func (c *Console) RunCommand(cmd, prompt string, timeout time.Duration) ([]byte, error) {
	if err := c.WriteLine(cmd); err != nil {
		return nil, err
	}
	return c.WaitFor(prompt, timeout)
}

// Close releases the underlying file. Idempotent.
func (c *Console) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.f.Close()
}
