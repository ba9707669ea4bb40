// Package vzrpc is the length-framed request/reply protocol between the
// library and the capsa-vzd subprocess that owns the Apple framework's
// main thread. Frames are a 4-byte big-endian length followed by a CBOR
// body; file descriptors (pty masters, network sockets) travel on a side
// unix datagram socket, never through the pipes.
package vzrpc

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// MaxFrame bounds a single message.
const MaxFrame = 1 << 20

// Kind enumerates the request types.
type Kind uint8

const (
	KindStartVM Kind = iota + 1
	KindStop
	KindKill
	KindWait
	KindStatus
	KindOpenConsole
)

func (k Kind) String() string {
	switch k {
	case KindStartVM:
		return "start-vm"
	case KindStop:
		return "stop"
	case KindKill:
		return "kill"
	case KindWait:
		return "wait"
	case KindStatus:
		return "status"
	case KindOpenConsole:
		return "open-console"
	default:
		return "unknown"
	}
}

// WireDisk mirrors one block device.
type WireDisk struct {
	Path     string `cbor:"path"`
	ReadOnly bool   `cbor:"ro"`
}

// WireShare mirrors one virtio-fs export.
type WireShare struct {
	HostPath string `cbor:"host_path"`
	Tag      string `cbor:"tag"`
	ReadOnly bool   `cbor:"ro"`
}

// WireConfig is the daemon-facing VM configuration. The userspace network
// stack stays in the parent; when NetFD is set the daemon receives one
// half of a datagram socket pair on the ancillary channel and attaches it
// as the NIC.
type WireConfig struct {
	Kernel    string      `cbor:"kernel"`
	Initrd    string      `cbor:"initrd,omitempty"`
	Cmdline   string      `cbor:"cmdline"`
	VCPUs     int         `cbor:"vcpus"`
	MemoryMiB int         `cbor:"memory_mib"`
	Disks     []WireDisk  `cbor:"disks,omitempty"`
	Shares    []WireShare `cbor:"shares,omitempty"`
	Console   bool        `cbor:"console"`
	Vsock     bool        `cbor:"vsock"`
	NativeNAT bool        `cbor:"native_nat"`
	NetFD     bool        `cbor:"net_fd"`
}

// Request is one framed request. Seq is monotonic per connection and
// echoed in the matching reply.
type Request struct {
	Seq    uint64      `cbor:"seq"`
	Kind   Kind        `cbor:"kind"`
	ID     uint32      `cbor:"id,omitempty"`
	Config *WireConfig `cbor:"config,omitempty"`
}

// Reply answers the request carrying the same Seq. A non-empty Err means
// the operation failed.
type Reply struct {
	Seq      uint64 `cbor:"seq"`
	Err      string `cbor:"err,omitempty"`
	ID       uint32 `cbor:"id,omitempty"`
	State    string `cbor:"state,omitempty"`
	ExitCode int    `cbor:"exit_code,omitempty"`
	HasCode  bool   `cbor:"has_code,omitempty"`
}

// Conn frames messages over a byte stream (the pipe pair).
type Conn struct {
	r io.Reader

	wmu sync.Mutex
	w   io.Writer
}

// NewConn wraps the read and write halves.
func NewConn(r io.Reader, w io.Writer) *Conn {
	return &Conn{r: r, w: w}
}

func (c *Conn) send(v any) error {
	body, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if len(body) > MaxFrame {
		return fmt.Errorf("message of %d bytes exceeds frame limit", len(body))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = c.w.Write(body)
	return err
}

func (c *Conn) recv(v any) error {
	var hdr [4]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrame {
		return fmt.Errorf("frame of %d bytes exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(c.r, body); err != nil {
		return err
	}
	return cbor.Unmarshal(body, v)
}

// SendRequest writes one request frame.
func (c *Conn) SendRequest(req *Request) error { return c.send(req) }

// RecvRequest reads one request frame. io.EOF means the peer is gone.
func (c *Conn) RecvRequest() (*Request, error) {
	var req Request
	if err := c.recv(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

// SendReply writes one reply frame.
func (c *Conn) SendReply(rep *Reply) error { return c.send(rep) }

// RecvReply reads one reply frame.
func (c *Conn) RecvReply() (*Reply, error) {
	var rep Reply
	if err := c.recv(&rep); err != nil {
		return nil, err
	}
	return &rep, nil
}
