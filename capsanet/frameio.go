package capsanet

import (
	"fmt"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// FrameIO moves whole Ethernet frames between the stack and the guest NIC.
// ReadFrame blocks until one frame is available and copies it into buf;
// WriteFrame sends exactly one frame. Implementations are safe for one
// concurrent reader and multiple writers.
type FrameIO interface {
	ReadFrame(buf []byte) (int, error)
	WriteFrame(frame []byte) error
	Close() error
}

// SocketPairIO is frame transport over one half of a unixgram socket pair.
// Each datagram carries exactly one frame, which is the contract the Apple
// framework's file-handle network attachment expects on the peer half.
type SocketPairIO struct {
	f *os.File

	writeMu  sync.Mutex
	closed   sync.Once
	closeErr error
}

// NewSocketPair creates a connected unixgram pair and returns the stack's
// half wrapped as FrameIO plus the peer half for handing to the VM device.
func NewSocketPair() (*SocketPairIO, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, os.NewSyscallError("socketpair", err)
	}
	// Frames burst faster than the stack drains during boot; give both
	// halves room for a few hundred MTU-sized datagrams.
	for _, fd := range fds {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, 1<<20)
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, 1<<20)
	}
	stackHalf := os.NewFile(uintptr(fds[0]), "capsa-net-stack")
	peerHalf := os.NewFile(uintptr(fds[1]), "capsa-net-peer")
	return &SocketPairIO{f: stackHalf}, peerHalf, nil
}

// WrapSocketFile wraps an existing unixgram socket file as FrameIO.
func WrapSocketFile(f *os.File) *SocketPairIO {
	return &SocketPairIO{f: f}
}

func (s *SocketPairIO) ReadFrame(buf []byte) (int, error) {
	n, err := s.f.Read(buf)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *SocketPairIO) WriteFrame(frame []byte) error {
	if len(frame) == 0 {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	n, err := s.f.Write(frame)
	if err != nil {
		return err
	}
	if n != len(frame) {
		return fmt.Errorf("short frame write: %d of %d bytes", n, len(frame))
	}
	return nil
}

func (s *SocketPairIO) Close() error {
	s.closed.Do(func() { s.closeErr = s.f.Close() })
	return s.closeErr
}

// UnixgramServerIO is frame transport over a bound (unconnected) unixgram
// socket: the device side connects in and every datagram is one frame.
// The peer address is learned from the first frame received, which is how
// helper binaries with a unixSocketPath network device expect to talk.
type UnixgramServerIO struct {
	conn *net.UnixConn

	mu   sync.Mutex
	peer *net.UnixAddr

	closed   sync.Once
	closeErr error
}

// ListenUnixgram binds path and returns the server-side frame transport.
func ListenUnixgram(path string) (*UnixgramServerIO, error) {
	os.Remove(path)
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		return nil, err
	}
	return &UnixgramServerIO{conn: conn}, nil
}

func (u *UnixgramServerIO) ReadFrame(buf []byte) (int, error) {
	n, addr, err := u.conn.ReadFromUnix(buf)
	if err != nil {
		return 0, err
	}
	if addr != nil {
		u.mu.Lock()
		u.peer = addr
		u.mu.Unlock()
	}
	return n, nil
}

func (u *UnixgramServerIO) WriteFrame(frame []byte) error {
	if len(frame) == 0 {
		return nil
	}
	u.mu.Lock()
	peer := u.peer
	u.mu.Unlock()
	if peer == nil {
		// Nothing has attached yet; the frame has nowhere to go.
		return nil
	}
	_, err := u.conn.WriteToUnix(frame, peer)
	return err
}

func (u *UnixgramServerIO) Close() error {
	u.closed.Do(func() { u.closeErr = u.conn.Close() })
	return u.closeErr
}
