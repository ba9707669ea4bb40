//go:build linux

package kvm

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	conQueueRX = 0 // device → driver
	conQueueTX = 1 // driver → device

	conQueueSize = 128
)

// consoleDevice is a single-port virtio console bound to the pty master.
// TX bytes are pushed to the pty; bytes read from the pty are pushed into
// guest RX buffers. The queue cursors live in the Virtqueue and survive
// across events — rebuilding them per notification replays completed TX
// chains and duplicates console output.
type consoleDevice struct {
	log *logrus.Entry
	pty *os.File

	mu        sync.Mutex
	transport *mmioTransport
	pending   []byte // host bytes waiting for guest RX buffers
	closed    bool
	rxStarted bool
}

func newConsoleDevice(pty *os.File, log *logrus.Entry) *consoleDevice {
	return &consoleDevice{log: log.WithField("dev", "virtio-console"), pty: pty}
}

func (c *consoleDevice) DeviceID() uint32 { return devIDConsole }
func (c *consoleDevice) Features() uint64 { return 0 }
func (c *consoleDevice) QueueCount() int  { return 2 }
func (c *consoleDevice) QueueMax() uint16 { return conQueueSize }

func (c *consoleDevice) ReadConfig(off uint64, p []byte) {
	for i := range p {
		p[i] = 0
	}
}

func (c *consoleDevice) Activated(t *mmioTransport) {
	c.mu.Lock()
	c.transport = t
	start := !c.rxStarted
	c.rxStarted = true
	c.mu.Unlock()
	if start {
		go c.rxLoop(t)
	}
}

func (c *consoleDevice) Notify(q int) {
	c.mu.Lock()
	t := c.transport
	closed := c.closed
	c.mu.Unlock()
	if t == nil || closed {
		return
	}

	switch q {
	case conQueueTX:
		var wrote bool
		t.WithQueue(conQueueTX, func(vq *Virtqueue) {
			for {
				chain, err := vq.Pop()
				if err != nil {
					c.log.WithError(err).Warn("bad console tx chain")
					return
				}
				if chain == nil {
					break
				}
				for _, seg := range chain.Segs {
					if !seg.Writable {
						if _, err := c.pty.Write(seg.Buf); err != nil {
							c.log.WithError(err).Debug("console output dropped")
						}
					}
				}
				if err := vq.PushUsed(chain.Head, 0); err != nil {
					c.log.WithError(err).Warn("console tx completion failed")
					return
				}
				wrote = true
			}
		})
		if wrote {
			t.InterruptUsed()
		}
	case conQueueRX:
		// Driver posted fresh RX buffers; flush anything we had to hold.
		c.flushPending(t)
	}
}

// rxLoop pushes pty master bytes into the guest.
func (c *consoleDevice) rxLoop(t *mmioTransport) {
	buf := make([]byte, 1024)
	for {
		n, err := c.pty.Read(buf)
		if err != nil {
			return
		}
		c.mu.Lock()
		c.pending = append(c.pending, buf[:n]...)
		c.mu.Unlock()
		c.flushPending(t)
	}
}

func (c *consoleDevice) flushPending(t *mmioTransport) {
	c.mu.Lock()
	data := c.pending
	c.pending = nil
	c.mu.Unlock()
	if len(data) == 0 {
		return
	}

	var delivered bool
	t.WithQueue(conQueueRX, func(vq *Virtqueue) {
		for len(data) > 0 {
			chain, err := vq.Pop()
			if err != nil || chain == nil {
				break
			}
			copied := 0
			for _, seg := range chain.Segs {
				if seg.Writable && copied < len(data) {
					copied += copy(seg.Buf, data[copied:])
				}
			}
			if err := vq.PushUsed(chain.Head, uint32(copied)); err != nil {
				c.log.WithError(err).Warn("console rx completion failed")
				break
			}
			data = data[copied:]
			delivered = true
		}
	})
	if len(data) > 0 {
		// No RX buffers right now; keep the tail for the next kick.
		c.mu.Lock()
		c.pending = append(data, c.pending...)
		c.mu.Unlock()
	}
	if delivered {
		t.InterruptUsed()
	}
}

func (c *consoleDevice) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}
