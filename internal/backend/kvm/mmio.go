//go:build linux

package kvm

import (
	"encoding/binary"
	"sync"

	"github.com/sirupsen/logrus"
)

// Stride and size of each device slot in the virtio-mmio window; the
// window base is architecture-specific.
const (
	mmioStride = 0x1000
	mmioSize   = 0x200
)

// virtio-mmio register offsets (virtio 1.1, MMIO transport version 2).
const (
	regMagic            = 0x000
	regVersion          = 0x004
	regDeviceID         = 0x008
	regVendorID         = 0x00c
	regDeviceFeatures   = 0x010
	regDeviceFeatSel    = 0x014
	regDriverFeatures   = 0x020
	regDriverFeatSel    = 0x024
	regQueueSel         = 0x030
	regQueueNumMax      = 0x034
	regQueueNum         = 0x038
	regQueueReady       = 0x044
	regQueueNotify      = 0x050
	regInterruptStatus  = 0x060
	regInterruptACK     = 0x064
	regStatus           = 0x070
	regQueueDescLow     = 0x080
	regQueueDescHigh    = 0x084
	regQueueDriverLow   = 0x090
	regQueueDriverHigh  = 0x094
	regQueueDeviceLow   = 0x0a0
	regQueueDeviceHigh  = 0x0a4
	regConfigGeneration = 0x0fc
	regConfig           = 0x100
)

const (
	virtioMagic   = 0x74726976 // "virt"
	virtioVendor  = 0x61737063 // "cpsa"
	virtioVersion = 2

	featVersion1 = 1 << 32

	irqUsedRing = 0x1
)

// Virtio device type IDs.
const (
	devIDNet     = 1
	devIDBlock   = 2
	devIDConsole = 3
	devIDVsock   = 19
	devIDFS      = 26
)

// virtioDevice is the device-model half behind one MMIO transport.
type virtioDevice interface {
	DeviceID() uint32
	Features() uint64
	QueueCount() int
	QueueMax() uint16

	// Activated runs once when the driver sets DRIVER_OK.
	Activated(t *mmioTransport)

	// Notify signals that the driver published buffers on queue q. It is
	// called on the vCPU exit path and must not block.
	Notify(q int)

	// ReadConfig copies device config space at off into p.
	ReadConfig(off uint64, p []byte)

	Close()
}

// mmioTransport adapts one virtioDevice to the MMIO register protocol.
// All register access happens on vCPU exit paths; the transport mutex also
// guards the queues against device worker goroutines.
type mmioTransport struct {
	dev  virtioDevice
	base uint64
	irq  uint32
	log  *logrus.Entry

	// raiseIRQ asserts the edge-triggered interrupt line.
	raiseIRQ func(irq uint32)

	mu          sync.Mutex
	queues      []*Virtqueue
	queueSel    uint32
	featSel     uint32
	driverFeats uint64
	featDrvSel  uint32
	status      uint32
	intrStatus  uint32
	activated   bool
}

func newMMIOTransport(dev virtioDevice, mem []byte, base uint64, irq uint32, raise func(uint32), log *logrus.Entry) *mmioTransport {
	t := &mmioTransport{
		dev:      dev,
		base:     base,
		irq:      irq,
		raiseIRQ: raise,
		log:      log.WithField("virtio", dev.DeviceID()),
	}
	for i := 0; i < dev.QueueCount(); i++ {
		t.queues = append(t.queues, newVirtqueue(mem))
	}
	return t
}

// Queue returns queue q. Callers hold the transport lock via WithQueue.
func (t *mmioTransport) Queue(q int) *Virtqueue {
	return t.queues[q]
}

// WithQueue runs fn holding the transport lock, giving the caller
// exclusive ownership of the queue for the duration.
func (t *mmioTransport) WithQueue(q int, fn func(*Virtqueue)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(t.queues[q])
}

// InterruptUsed latches the used-ring interrupt and pulses the line.
func (t *mmioTransport) InterruptUsed() {
	t.mu.Lock()
	t.intrStatus |= irqUsedRing
	t.mu.Unlock()
	t.raiseIRQ(t.irq)
}

func (t *mmioTransport) readReg(offset uint64, data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if offset >= regConfig {
		t.dev.ReadConfig(offset-regConfig, data)
		return
	}

	var v uint32
	switch offset {
	case regMagic:
		v = virtioMagic
	case regVersion:
		v = virtioVersion
	case regDeviceID:
		v = t.dev.DeviceID()
	case regVendorID:
		v = virtioVendor
	case regDeviceFeatures:
		feats := t.dev.Features() | featVersion1
		if t.featSel == 0 {
			v = uint32(feats)
		} else {
			v = uint32(feats >> 32)
		}
	case regQueueNumMax:
		v = uint32(t.dev.QueueMax())
	case regQueueReady:
		if q := t.selected(); q != nil && q.ready {
			v = 1
		}
	case regInterruptStatus:
		v = t.intrStatus
	case regStatus:
		v = t.status
	case regConfigGeneration:
		v = 0
	default:
		// Unknown registers read as zero.
	}
	putLE(data, v)
}

func (t *mmioTransport) writeReg(offset uint64, data []byte) {
	v := getLE(data)

	t.mu.Lock()
	defer t.mu.Unlock()

	switch offset {
	case regDeviceFeatSel:
		t.featSel = v
	case regDriverFeatSel:
		t.featDrvSel = v
	case regDriverFeatures:
		if t.featDrvSel == 0 {
			t.driverFeats = t.driverFeats&^uint64(0xffffffff) | uint64(v)
		} else {
			t.driverFeats = t.driverFeats&0xffffffff | uint64(v)<<32
		}
	case regQueueSel:
		t.queueSel = v
	case regQueueNum:
		if q := t.selected(); q != nil {
			q.setNum(uint16(v))
		}
	case regQueueReady:
		if q := t.selected(); q != nil {
			q.setReady(v == 1)
		}
	case regQueueNotify:
		if int(v) < len(t.queues) && t.queues[v].isReady() {
			// Drop the lock so the handler can use WithQueue.
			t.mu.Unlock()
			t.dev.Notify(int(v))
			t.mu.Lock()
		}
	case regInterruptACK:
		t.intrStatus &^= v
	case regStatus:
		t.status = v
		const driverOK = 0x4
		if v&driverOK != 0 && !t.activated {
			t.activated = true
			t.mu.Unlock()
			t.dev.Activated(t)
			t.mu.Lock()
		}
		if v == 0 {
			t.activated = false
			for _, q := range t.queues {
				q.setReady(false)
			}
		}
	case regQueueDescLow:
		if q := t.selected(); q != nil {
			q.setDesc(q.descAddr&^uint64(0xffffffff) | uint64(v))
		}
	case regQueueDescHigh:
		if q := t.selected(); q != nil {
			q.setDesc(q.descAddr&0xffffffff | uint64(v)<<32)
		}
	case regQueueDriverLow:
		if q := t.selected(); q != nil {
			q.setAvail(q.availAddr&^uint64(0xffffffff) | uint64(v))
		}
	case regQueueDriverHigh:
		if q := t.selected(); q != nil {
			q.setAvail(q.availAddr&0xffffffff | uint64(v)<<32)
		}
	case regQueueDeviceLow:
		if q := t.selected(); q != nil {
			q.setUsed(q.usedAddr&^uint64(0xffffffff) | uint64(v))
		}
	case regQueueDeviceHigh:
		if q := t.selected(); q != nil {
			q.setUsed(q.usedAddr&0xffffffff | uint64(v)<<32)
		}
	default:
		// Unknown register writes are logged at debug and ignored.
		t.log.WithField("offset", offset).Debug("ignored mmio register write")
	}
}

func (t *mmioTransport) selected() *Virtqueue {
	if int(t.queueSel) < len(t.queues) {
		return t.queues[t.queueSel]
	}
	return nil
}

// mmioBus routes exits to the transport owning the faulting address.
type mmioBus struct {
	transports []*mmioTransport
	log        *logrus.Entry
}

func (b *mmioBus) handle(addr uint64, data []byte, isWrite bool) {
	for _, t := range b.transports {
		if addr >= t.base && addr < t.base+mmioSize {
			if isWrite {
				t.writeReg(addr-t.base, data)
			} else {
				t.readReg(addr-t.base, data)
			}
			return
		}
	}
	if isWrite {
		b.log.WithField("addr", addr).Debug("write to unmapped mmio address ignored")
		return
	}
	// Unknown addresses read as zero.
	for i := range data {
		data[i] = 0
	}
}

func putLE(p []byte, v uint32) {
	switch len(p) {
	case 1:
		p[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(p, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(p, v)
	case 8:
		binary.LittleEndian.PutUint64(p, uint64(v))
	}
}

func getLE(p []byte) uint32 {
	switch len(p) {
	case 1:
		return uint32(p[0])
	case 2:
		return uint32(binary.LittleEndian.Uint16(p))
	case 4:
		return binary.LittleEndian.Uint32(p)
	case 8:
		return uint32(binary.LittleEndian.Uint64(p))
	}
	return 0
}
