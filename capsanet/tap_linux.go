//go:build linux

package capsanet

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// TAPIO is frame transport over a Linux TAP device. The stack reads and
// writes raw Ethernet frames on the tun fd; the kernel side of the tap is
// handed to the virtio-net device.
type TAPIO struct {
	f    *os.File
	name string

	writeMu  sync.Mutex
	closed   sync.Once
	closeErr error
}

// NewTAP creates a tap device, assigns the gateway address, and brings the
// link up. Requires CAP_NET_ADMIN.
func NewTAP(name string, conf *NetConf) (*TAPIO, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, os.NewSyscallError("open /dev/net/tun", err)
	}

	var req ifreq
	copy(req.name[:], name)
	req.flags = unix.IFF_TAP | unix.IFF_NO_PI
	if err := ioctlIfreq(fd, unix.TUNSETIFF, &req); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("TUNSETIFF %s: %w", name, err)
	}

	link, err := netlink.LinkByName(name)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("find tap %s: %w", name, err)
	}
	ones, _ := conf.Subnet.Mask.Size()
	addr, err := netlink.ParseAddr(fmt.Sprintf("%s/%d", conf.Gateway, ones))
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("parse tap addr: %w", err)
	}
	if err := netlink.AddrAdd(link, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("assign %s to %s: %w", addr, name, err)
	}
	if err := netlink.LinkSetMTU(link, MTU); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set mtu on %s: %w", name, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bring up %s: %w", name, err)
	}

	return &TAPIO{f: os.NewFile(uintptr(fd), name), name: name}, nil
}

// Name returns the tap interface name.
func (t *TAPIO) Name() string { return t.name }

func (t *TAPIO) ReadFrame(buf []byte) (int, error) {
	return t.f.Read(buf)
}

func (t *TAPIO) WriteFrame(frame []byte) error {
	if len(frame) == 0 {
		return nil
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err := t.f.Write(frame)
	return err
}

func (t *TAPIO) Close() error {
	t.closed.Do(func() {
		t.closeErr = t.f.Close()
		if link, err := netlink.LinkByName(t.name); err == nil {
			_ = netlink.LinkDel(link)
		}
	})
	return t.closeErr
}

type ifreq struct {
	name  [unix.IFNAMSIZ]byte
	flags uint16
	_     [22]byte
}

func ioctlIfreq(fd int, req uint, ifr *ifreq) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(unsafe.Pointer(ifr)))
	if errno != 0 {
		return errno
	}
	return nil
}
