//go:build linux

package kvm

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/mdlayher/vsock"
	"github.com/sirupsen/logrus"
)

// virtio-vsock queue indices.
const (
	vsockQueueRX    = 0
	vsockQueueTX    = 1
	vsockQueueEvent = 2

	vsockQueueSize = 128
	vsockHdrLen    = 44

	vsockHostCID  = 2
	vsockGuestCID = 3

	vsockTypeStream = 1
)

// virtio-vsock ops.
const (
	vsockOpRequest      = 1
	vsockOpResponse     = 2
	vsockOpRST          = 3
	vsockOpShutdown     = 4
	vsockOpRW           = 5
	vsockOpCreditUpdate = 6
	vsockOpCreditReq    = 7
)

type vsockConnKey struct {
	guestPort uint32
	hostPort  uint32
}

// vsockDevice forwards guest stream connections to host AF_VSOCK sockets
// where the host has vsock support, falling back to a loopback dial so the
// device still functions on hosts without /dev/vsock.
type vsockDevice struct {
	log *logrus.Entry

	mu        sync.Mutex
	transport *mmioTransport
	conns     map[vsockConnKey]net.Conn
	closed    bool
}

func newVsockDevice(log *logrus.Entry) *vsockDevice {
	return &vsockDevice{
		log:   log.WithField("dev", "virtio-vsock"),
		conns: make(map[vsockConnKey]net.Conn),
	}
}

func (v *vsockDevice) DeviceID() uint32 { return devIDVsock }
func (v *vsockDevice) Features() uint64 { return 0 }
func (v *vsockDevice) QueueCount() int  { return 3 }
func (v *vsockDevice) QueueMax() uint16 { return vsockQueueSize }

// ReadConfig exposes the guest CID.
func (v *vsockDevice) ReadConfig(off uint64, p []byte) {
	var cfg [8]byte
	binary.LittleEndian.PutUint64(cfg[:], vsockGuestCID)
	for i := range p {
		if off+uint64(i) < 8 {
			p[i] = cfg[off+uint64(i)]
		} else {
			p[i] = 0
		}
	}
}

func (v *vsockDevice) Activated(t *mmioTransport) {
	v.mu.Lock()
	v.transport = t
	v.mu.Unlock()
}

func (v *vsockDevice) Notify(q int) {
	if q != vsockQueueTX {
		return
	}
	v.mu.Lock()
	t := v.transport
	closed := v.closed
	v.mu.Unlock()
	if t == nil || closed {
		return
	}

	var handled bool
	t.WithQueue(vsockQueueTX, func(vq *Virtqueue) {
		for {
			chain, err := vq.Pop()
			if err != nil {
				v.log.WithError(err).Warn("bad vsock tx chain")
				return
			}
			if chain == nil {
				break
			}
			pkt := collectReadable(chain)
			if err := vq.PushUsed(chain.Head, 0); err != nil {
				return
			}
			handled = true
			if len(pkt) >= vsockHdrLen {
				v.handlePacket(t, pkt)
			}
		}
	})
	if handled {
		t.InterruptUsed()
	}
}

func (v *vsockDevice) handlePacket(t *mmioTransport, pkt []byte) {
	srcPort := binary.LittleEndian.Uint32(pkt[16:20])
	dstPort := binary.LittleEndian.Uint32(pkt[20:24])
	length := binary.LittleEndian.Uint32(pkt[24:28])
	op := binary.LittleEndian.Uint16(pkt[30:32])
	key := vsockConnKey{guestPort: srcPort, hostPort: dstPort}

	switch op {
	case vsockOpRequest:
		go v.connect(t, key)

	case vsockOpRW:
		v.mu.Lock()
		conn := v.conns[key]
		v.mu.Unlock()
		if conn == nil {
			v.reply(t, key, vsockOpRST, nil)
			return
		}
		payload := pkt[vsockHdrLen:]
		if uint32(len(payload)) > length {
			payload = payload[:length]
		}
		if _, err := conn.Write(payload); err != nil {
			v.closeConn(key)
			v.reply(t, key, vsockOpRST, nil)
		}

	case vsockOpShutdown, vsockOpRST:
		v.closeConn(key)
		if op == vsockOpShutdown {
			v.reply(t, key, vsockOpRST, nil)
		}

	case vsockOpCreditReq:
		v.reply(t, key, vsockOpCreditUpdate, nil)
	}
}

// connect dials the host side for a guest-initiated stream and starts the
// reader that turns host bytes into RW packets.
func (v *vsockDevice) connect(t *mmioTransport, key vsockConnKey) {
	var conn net.Conn
	conn, err := vsock.Dial(vsockHostCID, key.hostPort, nil)
	if err != nil {
		// Userspace fallback for hosts without vsock support.
		loopConn, lerr := net.Dial("tcp4", fmt.Sprintf("127.0.0.1:%d", key.hostPort))
		if lerr != nil {
			v.log.WithError(err).WithField("port", key.hostPort).Debug("vsock connect failed")
			v.reply(t, key, vsockOpRST, nil)
			return
		}
		conn = loopConn
	}

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		conn.Close()
		return
	}
	v.conns[key] = conn
	v.mu.Unlock()

	v.reply(t, key, vsockOpResponse, nil)
	go v.readLoop(t, key, conn)
}

func (v *vsockDevice) readLoop(t *mmioTransport, key vsockConnKey, conn net.Conn) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			v.reply(t, key, vsockOpRW, buf[:n])
		}
		if err != nil {
			v.closeConn(key)
			v.reply(t, key, vsockOpShutdown, nil)
			return
		}
	}
}

// reply pushes one packet at the guest RX queue.
func (v *vsockDevice) reply(t *mmioTransport, key vsockConnKey, op uint16, payload []byte) {
	pkt := make([]byte, vsockHdrLen+len(payload))
	binary.LittleEndian.PutUint64(pkt[0:8], vsockHostCID)
	binary.LittleEndian.PutUint64(pkt[8:16], vsockGuestCID)
	binary.LittleEndian.PutUint32(pkt[16:20], key.hostPort)
	binary.LittleEndian.PutUint32(pkt[20:24], key.guestPort)
	binary.LittleEndian.PutUint32(pkt[24:28], uint32(len(payload)))
	binary.LittleEndian.PutUint16(pkt[28:30], vsockTypeStream)
	binary.LittleEndian.PutUint16(pkt[30:32], op)
	binary.LittleEndian.PutUint32(pkt[36:40], 1<<18) // buf_alloc
	copy(pkt[vsockHdrLen:], payload)

	var delivered bool
	t.WithQueue(vsockQueueRX, func(vq *Virtqueue) {
		chain, err := vq.Pop()
		if err != nil || chain == nil {
			return
		}
		copied := 0
		for _, seg := range chain.Segs {
			if seg.Writable && copied < len(pkt) {
				copied += copy(seg.Buf, pkt[copied:])
			}
		}
		if err := vq.PushUsed(chain.Head, uint32(copied)); err != nil {
			return
		}
		delivered = true
	})
	if delivered {
		t.InterruptUsed()
	}
}

func (v *vsockDevice) closeConn(key vsockConnKey) {
	v.mu.Lock()
	conn := v.conns[key]
	delete(v.conns, key)
	v.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (v *vsockDevice) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	conns := v.conns
	v.conns = make(map[vsockConnKey]net.Conn)
	v.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}
