//go:build linux

package kvm

import "encoding/binary"

// fdtWriter emits a flattened device tree (dtb format version 17). Nodes
// nest with begin/end; finish assembles the header, structure block, and
// strings block. All values are big-endian, as the devicetree format
// requires.
type fdtWriter struct {
	structBlock []byte
	strings     []byte
	stringOffs  map[string]uint32
}

const (
	fdtMagic     = 0xd00dfeed
	fdtBeginNode = 1
	fdtEndNode   = 2
	fdtProp      = 3
	fdtEnd       = 9
	fdtVersion   = 17
)

func newFDT() *fdtWriter {
	return &fdtWriter{stringOffs: make(map[string]uint32)}
}

func (w *fdtWriter) u32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.structBlock = append(w.structBlock, b[:]...)
}

func (w *fdtWriter) align() {
	for len(w.structBlock)%4 != 0 {
		w.structBlock = append(w.structBlock, 0)
	}
}

func (w *fdtWriter) begin(name string) {
	w.u32(fdtBeginNode)
	w.structBlock = append(w.structBlock, name...)
	w.structBlock = append(w.structBlock, 0)
	w.align()
}

func (w *fdtWriter) end() {
	w.u32(fdtEndNode)
}

func (w *fdtWriter) stringOff(name string) uint32 {
	if off, ok := w.stringOffs[name]; ok {
		return off
	}
	off := uint32(len(w.strings))
	w.strings = append(w.strings, name...)
	w.strings = append(w.strings, 0)
	w.stringOffs[name] = off
	return off
}

func (w *fdtWriter) prop(name string, value []byte) {
	w.u32(fdtProp)
	w.u32(uint32(len(value)))
	w.u32(w.stringOff(name))
	w.structBlock = append(w.structBlock, value...)
	w.align()
}

func (w *fdtWriter) propEmpty(name string) {
	w.prop(name, nil)
}

func (w *fdtWriter) propString(name, value string) {
	w.prop(name, append([]byte(value), 0))
}

func (w *fdtWriter) propU32(name string, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.prop(name, b[:])
}

func (w *fdtWriter) propU64(name string, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.prop(name, b[:])
}

func (w *fdtWriter) propU32s(name string, vs []uint32) {
	buf := make([]byte, 4*len(vs))
	for i, v := range vs {
		binary.BigEndian.PutUint32(buf[i*4:], v)
	}
	w.prop(name, buf)
}

// propU64Pairs emits (address, size) reg-style cells.
func (w *fdtWriter) propU64Pairs(name string, pairs [][2]uint64) {
	buf := make([]byte, 16*len(pairs))
	for i, p := range pairs {
		binary.BigEndian.PutUint64(buf[i*16:], p[0])
		binary.BigEndian.PutUint64(buf[i*16+8:], p[1])
	}
	w.prop(name, buf)
}

// finish closes the structure block and assembles the blob.
func (w *fdtWriter) finish() []byte {
	w.u32(fdtEnd)

	const headerLen = 40
	// One empty entry terminates the memory reservation block.
	const rsvLen = 16
	structOff := headerLen + rsvLen
	stringsOff := structOff + len(w.structBlock)
	total := stringsOff + len(w.strings)

	blob := make([]byte, total)
	be := binary.BigEndian
	be.PutUint32(blob[0:], fdtMagic)
	be.PutUint32(blob[4:], uint32(total))
	be.PutUint32(blob[8:], uint32(structOff))
	be.PutUint32(blob[12:], uint32(stringsOff))
	be.PutUint32(blob[16:], headerLen) // off_mem_rsvmap
	be.PutUint32(blob[20:], fdtVersion)
	be.PutUint32(blob[24:], 16) // last compatible version
	be.PutUint32(blob[28:], 0)  // boot cpu
	be.PutUint32(blob[32:], uint32(len(w.strings)))
	be.PutUint32(blob[36:], uint32(len(w.structBlock)))
	copy(blob[structOff:], w.structBlock)
	copy(blob[stringsOff:], w.strings)
	return blob
}
