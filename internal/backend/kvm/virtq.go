//go:build linux

package kvm

import (
	"encoding/binary"
	"fmt"
)

// Virtqueue is one split virtqueue over guest memory. The avail and used
// cursors are persistent device state: they live here across queue events,
// never reconstructed per notification. Re-deriving them from ring
// contents loses track of in-flight buffers and replays old chains (the
// classic symptom is duplicated console output).
type Virtqueue struct {
	mem []byte

	num       uint16
	descAddr  uint64
	availAddr uint64
	usedAddr  uint64
	ready     bool

	nextAvail uint16
	nextUsed  uint16
}

const (
	descFlagNext     = 0x1
	descFlagWrite    = 0x2
	descFlagIndirect = 0x4

	descSize = 16
)

// ChainSeg is one descriptor's buffer. Writable segments are
// device-writable (device→driver direction).
type ChainSeg struct {
	Buf      []byte
	Writable bool
}

// Chain is a popped descriptor chain awaiting completion.
type Chain struct {
	Head uint16
	Segs []ChainSeg
}

// ReadLen sums the driver-readable bytes.
func (c *Chain) ReadLen() int {
	n := 0
	for _, s := range c.Segs {
		if !s.Writable {
			n += len(s.Buf)
		}
	}
	return n
}

func newVirtqueue(mem []byte) *Virtqueue {
	return &Virtqueue{mem: mem}
}

func (q *Virtqueue) setNum(n uint16)      { q.num = n }
func (q *Virtqueue) setDesc(addr uint64)  { q.descAddr = addr }
func (q *Virtqueue) setAvail(addr uint64) { q.availAddr = addr }
func (q *Virtqueue) setUsed(addr uint64)  { q.usedAddr = addr }

func (q *Virtqueue) setReady(ready bool) {
	if ready && !q.ready {
		q.nextAvail = 0
		q.nextUsed = 0
	}
	q.ready = ready
}

func (q *Virtqueue) isReady() bool { return q.ready && q.num > 0 }

func (q *Virtqueue) slice(addr uint64, length uint64) ([]byte, error) {
	end := addr + length
	if end < addr || end > uint64(len(q.mem)) {
		return nil, fmt.Errorf("virtqueue access [%#x,%#x) outside guest memory", addr, end)
	}
	return q.mem[addr:end], nil
}

func (q *Virtqueue) availIdx() uint16 {
	buf, err := q.slice(q.availAddr+2, 2)
	if err != nil {
		return q.nextAvail
	}
	return binary.LittleEndian.Uint16(buf)
}

// Pop takes the next available descriptor chain, advancing the persistent
// cursor. Returns nil when the driver has published nothing new.
func (q *Virtqueue) Pop() (*Chain, error) {
	if !q.isReady() || q.nextAvail == q.availIdx() {
		return nil, nil
	}
	slot := uint64(q.nextAvail % q.num)
	ringEntry, err := q.slice(q.availAddr+4+slot*2, 2)
	if err != nil {
		return nil, err
	}
	head := binary.LittleEndian.Uint16(ringEntry)
	chain := &Chain{Head: head}

	idx := head
	for hops := 0; ; hops++ {
		if hops > int(q.num) {
			return nil, fmt.Errorf("descriptor loop at head %d", head)
		}
		desc, err := q.slice(q.descAddr+uint64(idx)*descSize, descSize)
		if err != nil {
			return nil, err
		}
		addr := binary.LittleEndian.Uint64(desc[0:8])
		length := binary.LittleEndian.Uint32(desc[8:12])
		flags := binary.LittleEndian.Uint16(desc[12:14])
		next := binary.LittleEndian.Uint16(desc[14:16])

		buf, err := q.slice(addr, uint64(length))
		if err != nil {
			return nil, err
		}
		chain.Segs = append(chain.Segs, ChainSeg{
			Buf:      buf,
			Writable: flags&descFlagWrite != 0,
		})
		if flags&descFlagNext == 0 {
			break
		}
		idx = next
	}

	q.nextAvail++
	return chain, nil
}

// PushUsed completes a chain, crediting written bytes to the driver.
func (q *Virtqueue) PushUsed(head uint16, written uint32) error {
	if !q.isReady() {
		return fmt.Errorf("push on unready queue")
	}
	slot := uint64(q.nextUsed % q.num)
	elem, err := q.slice(q.usedAddr+4+slot*8, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(elem[0:4], uint32(head))
	binary.LittleEndian.PutUint32(elem[4:8], written)

	q.nextUsed++
	idx, err := q.slice(q.usedAddr+2, 2)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(idx, q.nextUsed)
	return nil
}
