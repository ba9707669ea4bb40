//go:build linux

package kvm

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/luizribeiro/capsa/capsanet"
)

const (
	netQueueRX = 0
	netQueueTX = 1

	netQueueSize = 256

	// virtio-net header (virtio 1.1, no merged buffers): 12 bytes of
	// flags/gso/csum metadata prepended to every frame.
	virtioNetHdrLen = 12

	netFeatureMAC = 1 << 5
)

// guestMAC is the MAC the device advertises; the guest may use any, the
// stack learns it from traffic.
var guestMAC = [6]byte{0x52, 0x54, 0x00, 0xc4, 0x70, 0x5a}

// netDevice bridges virtio-net queues to a frame transport: TX descriptor
// payloads become frames on the sink; frames read from the source land in
// the RX ring.
type netDevice struct {
	log *logrus.Entry
	fio capsanet.FrameIO

	mu        sync.Mutex
	transport *mmioTransport
	closed    bool
	rxStarted bool
}

func newNetDevice(fio capsanet.FrameIO, log *logrus.Entry) *netDevice {
	return &netDevice{log: log.WithField("dev", "virtio-net"), fio: fio}
}

func (n *netDevice) DeviceID() uint32 { return devIDNet }
func (n *netDevice) Features() uint64 { return netFeatureMAC }
func (n *netDevice) QueueCount() int  { return 2 }
func (n *netDevice) QueueMax() uint16 { return netQueueSize }

func (n *netDevice) ReadConfig(off uint64, p []byte) {
	for i := range p {
		if off+uint64(i) < 6 {
			p[i] = guestMAC[off+uint64(i)]
		} else {
			p[i] = 0
		}
	}
}

func (n *netDevice) Activated(t *mmioTransport) {
	n.mu.Lock()
	n.transport = t
	start := !n.rxStarted
	n.rxStarted = true
	n.mu.Unlock()
	if start {
		go n.rxLoop(t)
	}
}

// Notify handles TX: each chain is one frame prefixed by the virtio-net
// header, pushed whole into the frame sink.
func (n *netDevice) Notify(q int) {
	if q != netQueueTX {
		return
	}
	n.mu.Lock()
	t := n.transport
	closed := n.closed
	n.mu.Unlock()
	if t == nil || closed {
		return
	}

	var sent bool
	t.WithQueue(netQueueTX, func(vq *Virtqueue) {
		for {
			chain, err := vq.Pop()
			if err != nil {
				n.log.WithError(err).Warn("bad virtio-net tx chain")
				return
			}
			if chain == nil {
				break
			}
			frame := make([]byte, 0, chain.ReadLen())
			for _, seg := range chain.Segs {
				if !seg.Writable {
					frame = append(frame, seg.Buf...)
				}
			}
			if len(frame) > virtioNetHdrLen {
				if err := n.fio.WriteFrame(frame[virtioNetHdrLen:]); err != nil {
					n.log.WithError(err).Debug("tx frame dropped")
				}
			}
			if err := vq.PushUsed(chain.Head, 0); err != nil {
				n.log.WithError(err).Warn("virtio-net tx completion failed")
				return
			}
			sent = true
		}
	})
	if sent {
		t.InterruptUsed()
	}
}

// rxLoop moves frames from the transport source into guest RX buffers.
// Frames arriving while the driver has no buffers posted are dropped, as
// real NICs do.
func (n *netDevice) rxLoop(t *mmioTransport) {
	buf := make([]byte, virtioNetHdrLen+65536)
	for {
		length, err := n.fio.ReadFrame(buf[virtioNetHdrLen:])
		if err != nil {
			return
		}
		for i := 0; i < virtioNetHdrLen; i++ {
			buf[i] = 0
		}
		// num_buffers = 1
		buf[10] = 1

		frame := buf[:virtioNetHdrLen+length]
		var delivered bool
		t.WithQueue(netQueueRX, func(vq *Virtqueue) {
			chain, err := vq.Pop()
			if err != nil || chain == nil {
				return
			}
			copied := 0
			for _, seg := range chain.Segs {
				if !seg.Writable || copied >= len(frame) {
					continue
				}
				copied += copy(seg.Buf, frame[copied:])
			}
			if err := vq.PushUsed(chain.Head, uint32(copied)); err != nil {
				n.log.WithError(err).Warn("virtio-net rx completion failed")
				return
			}
			delivered = true
		})
		if delivered {
			t.InterruptUsed()
		}
	}
}

func (n *netDevice) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.mu.Unlock()
	n.fio.Close()
}
