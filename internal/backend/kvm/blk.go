//go:build linux

package kvm

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/lima-vm/go-qcow2reader"
	"github.com/lima-vm/go-qcow2reader/image"
	"github.com/sirupsen/logrus"

	"github.com/luizribeiro/capsa/internal/backend"
)

// virtio-blk request types.
const (
	blkTypeIn    = 0
	blkTypeOut   = 1
	blkTypeFlush = 4

	blkStatusOK          = 0
	blkStatusIOErr       = 1
	blkStatusUnsupported = 2

	blkFeatureRO = 1 << 5

	blkQueueSize = 256
	sectorSize   = 512
)

// blockDevice serves one DiskImage over virtio-blk. Raw images are served
// straight off the file; qcow2 images go through the qcow2 reader and are
// read-only.
type blockDevice struct {
	log      *logrus.Entry
	file     *os.File
	img      image.Image // qcow2 view, nil for raw
	capacity uint64      // in 512-byte sectors
	readOnly bool

	mu        sync.Mutex
	transport *mmioTransport
	closed    bool
}

func newBlockDevice(d backend.Disk, log *logrus.Entry) (*blockDevice, error) {
	flags := os.O_RDWR
	if d.ReadOnly || d.Qcow2 {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(d.Path, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("open disk %s: %w", d.Path, err)
	}

	dev := &blockDevice{
		log:      log.WithField("disk", d.Path),
		file:     f,
		readOnly: d.ReadOnly || d.Qcow2,
	}
	if d.Qcow2 {
		img, err := qcow2reader.Open(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("open qcow2 %s: %w", d.Path, err)
		}
		dev.img = img
		dev.capacity = uint64(img.Size()) / sectorSize
	} else {
		st, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("stat disk %s: %w", d.Path, err)
		}
		dev.capacity = uint64(st.Size()) / sectorSize
	}
	return dev, nil
}

func (b *blockDevice) DeviceID() uint32 { return devIDBlock }

func (b *blockDevice) Features() uint64 {
	if b.readOnly {
		return blkFeatureRO
	}
	return 0
}

func (b *blockDevice) QueueCount() int  { return 1 }
func (b *blockDevice) QueueMax() uint16 { return blkQueueSize }

func (b *blockDevice) Activated(t *mmioTransport) {
	b.mu.Lock()
	b.transport = t
	b.mu.Unlock()
}

// ReadConfig serves the virtio-blk config space; only capacity is
// populated.
func (b *blockDevice) ReadConfig(off uint64, p []byte) {
	var cfg [8]byte
	binary.LittleEndian.PutUint64(cfg[:], b.capacity)
	for i := range p {
		if off+uint64(i) < 8 {
			p[i] = cfg[off+uint64(i)]
		} else {
			p[i] = 0
		}
	}
}

// Notify drains the request queue to completion; descriptors are processed
// one chain at a time so DMA never races.
func (b *blockDevice) Notify(q int) {
	b.mu.Lock()
	t := b.transport
	closed := b.closed
	b.mu.Unlock()
	if t == nil || closed {
		return
	}

	var completed bool
	t.WithQueue(q, func(vq *Virtqueue) {
		for {
			chain, err := vq.Pop()
			if err != nil {
				b.log.WithError(err).Warn("bad virtio-blk chain")
				return
			}
			if chain == nil {
				break
			}
			written := b.serve(chain)
			if err := vq.PushUsed(chain.Head, written); err != nil {
				b.log.WithError(err).Warn("virtio-blk completion failed")
				return
			}
			completed = true
		}
	})
	if completed {
		t.InterruptUsed()
	}
}

// serve executes one request chain: 16-byte header, payload segments, and
// the trailing status byte. Returns the device-written byte count.
func (b *blockDevice) serve(chain *Chain) uint32 {
	if len(chain.Segs) < 2 {
		return 0
	}
	header := chain.Segs[0]
	status := chain.Segs[len(chain.Segs)-1]
	if header.Writable || !status.Writable || len(header.Buf) < 16 || len(status.Buf) < 1 {
		return 0
	}
	reqType := binary.LittleEndian.Uint32(header.Buf[0:4])
	sector := binary.LittleEndian.Uint64(header.Buf[8:16])
	payload := chain.Segs[1 : len(chain.Segs)-1]

	var written uint32
	result := byte(blkStatusOK)
	switch reqType {
	case blkTypeIn:
		offset := int64(sector) * sectorSize
		for _, seg := range payload {
			if !seg.Writable {
				result = blkStatusIOErr
				break
			}
			if err := b.readAt(seg.Buf, offset); err != nil {
				b.log.WithError(err).Warn("disk read failed")
				result = blkStatusIOErr
				break
			}
			offset += int64(len(seg.Buf))
			written += uint32(len(seg.Buf))
		}

	case blkTypeOut:
		if b.readOnly {
			result = blkStatusIOErr
			break
		}
		offset := int64(sector) * sectorSize
		for _, seg := range payload {
			if seg.Writable {
				result = blkStatusIOErr
				break
			}
			if _, err := b.file.WriteAt(seg.Buf, offset); err != nil {
				b.log.WithError(err).Warn("disk write failed")
				result = blkStatusIOErr
				break
			}
			offset += int64(len(seg.Buf))
		}

	case blkTypeFlush:
		if !b.readOnly {
			if err := b.file.Sync(); err != nil {
				result = blkStatusIOErr
			}
		}

	default:
		result = blkStatusUnsupported
	}

	status.Buf[0] = result
	return written + 1
}

func (b *blockDevice) readAt(p []byte, off int64) error {
	var n int
	var err error
	if b.img != nil {
		n, err = b.img.ReadAt(p, off)
	} else {
		n, err = b.file.ReadAt(p, off)
	}
	if err == io.EOF && n == len(p) {
		err = nil
	}
	// Reads past the image tail return zeros.
	if err == io.EOF {
		for i := n; i < len(p); i++ {
			p[i] = 0
		}
		err = nil
	}
	return err
}

func (b *blockDevice) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	b.file.Close()
}
