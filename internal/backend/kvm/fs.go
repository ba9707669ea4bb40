//go:build linux

package kvm

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/luizribeiro/capsa/internal/backend"
)

// FUSE opcodes served by the virtio-fs device.
const (
	fuseLookup     = 1
	fuseForget     = 2
	fuseGetattr    = 3
	fuseSetattr    = 4
	fuseReadlink   = 5
	fuseSymlink    = 6
	fuseMkdir      = 9
	fuseUnlink     = 10
	fuseRmdir      = 11
	fuseRename     = 12
	fuseOpen       = 14
	fuseRead       = 15
	fuseWrite      = 16
	fuseStatfs     = 17
	fuseRelease    = 18
	fuseFlush      = 25
	fuseInit       = 26
	fuseOpendir    = 27
	fuseReaddir    = 28
	fuseReleasedir = 29
	fuseCreate     = 35
	fuseDestroy    = 38
)

const (
	fuseInHeaderLen  = 40
	fuseOutHeaderLen = 16
	fuseAttrLen      = 88
	fuseRootID       = 1

	fsQueueSize = 128
	fsTagLen    = 36

	fattrMode = 1 << 0
	fattrUID  = 1 << 1
	fattrGID  = 1 << 2
	fattrSize = 1 << 3
)

// fsNode is one guest-visible inode. The cache is keyed by host (dev,ino)
// so hard links and re-lookups resolve to the same node id.
type fsNode struct {
	id   uint64
	path string
	dev  uint64
	ino  uint64
	refs uint64
}

// fsDevice exports one SharedDir over the virtio-fs FUSE transport.
type fsDevice struct {
	log   *logrus.Entry
	share backend.Share

	mu        sync.Mutex
	transport *mmioTransport
	nodes     map[uint64]*fsNode
	byHostIno map[[2]uint64]*fsNode
	nextNode  uint64
	handles   map[uint64]*os.File
	dirs      map[uint64][]byte // pre-rendered dirent blobs per open dir
	nextFh    uint64
	closed    bool
}

func newFSDevice(share backend.Share, log *logrus.Entry) (*fsDevice, error) {
	if len(share.Tag) > fsTagLen {
		return nil, backend.Errorf(backend.KindInvalidConfig, "share tag %q exceeds %d bytes", share.Tag, fsTagLen)
	}
	st, err := os.Stat(share.HostPath)
	if err != nil {
		return nil, fmt.Errorf("share %s: %w", share.HostPath, err)
	}
	if !st.IsDir() {
		return nil, backend.Errorf(backend.KindInvalidConfig, "share %s is not a directory", share.HostPath)
	}
	d := &fsDevice{
		log:       log.WithField("share", share.Tag),
		share:     share,
		nodes:     make(map[uint64]*fsNode),
		byHostIno: make(map[[2]uint64]*fsNode),
		nextNode:  fuseRootID + 1,
		handles:   make(map[uint64]*os.File),
		dirs:      make(map[uint64][]byte),
		nextFh:    1,
	}
	root := &fsNode{id: fuseRootID, path: share.HostPath, refs: 1}
	if sys, ok := st.Sys().(*syscall.Stat_t); ok {
		root.dev, root.ino = sys.Dev, sys.Ino
		d.byHostIno[[2]uint64{sys.Dev, sys.Ino}] = root
	}
	d.nodes[fuseRootID] = root
	return d, nil
}

func (d *fsDevice) DeviceID() uint32 { return devIDFS }
func (d *fsDevice) Features() uint64 { return 0 }
func (d *fsDevice) QueueCount() int  { return 2 } // hiprio + one request queue
func (d *fsDevice) QueueMax() uint16 { return fsQueueSize }

// ReadConfig exposes the tag and the request queue count.
func (d *fsDevice) ReadConfig(off uint64, p []byte) {
	var cfg [fsTagLen + 4]byte
	copy(cfg[:fsTagLen], d.share.Tag)
	binary.LittleEndian.PutUint32(cfg[fsTagLen:], 1)
	for i := range p {
		if off+uint64(i) < uint64(len(cfg)) {
			p[i] = cfg[off+uint64(i)]
		} else {
			p[i] = 0
		}
	}
}

func (d *fsDevice) Activated(t *mmioTransport) {
	d.mu.Lock()
	d.transport = t
	d.mu.Unlock()
}

func (d *fsDevice) Notify(q int) {
	d.mu.Lock()
	t := d.transport
	closed := d.closed
	d.mu.Unlock()
	if t == nil || closed {
		return
	}

	var served bool
	t.WithQueue(q, func(vq *Virtqueue) {
		for {
			chain, err := vq.Pop()
			if err != nil {
				d.log.WithError(err).Warn("bad virtio-fs chain")
				return
			}
			if chain == nil {
				break
			}
			written := d.serve(chain)
			if err := vq.PushUsed(chain.Head, written); err != nil {
				d.log.WithError(err).Warn("virtio-fs completion failed")
				return
			}
			served = true
		}
	})
	if served {
		t.InterruptUsed()
	}
}

// serve decodes one FUSE request chain and writes the reply into its
// device-writable segments.
func (d *fsDevice) serve(chain *Chain) uint32 {
	in := collectReadable(chain)
	if len(in) < fuseInHeaderLen {
		return 0
	}
	opcode := binary.LittleEndian.Uint32(in[4:8])
	unique := binary.LittleEndian.Uint64(in[8:16])
	nodeid := binary.LittleEndian.Uint64(in[16:24])
	callerUID := binary.LittleEndian.Uint32(in[24:28])
	callerGID := binary.LittleEndian.Uint32(in[28:32])
	body := in[fuseInHeaderLen:]

	caller := callerIDs{uid: callerUID, gid: callerGID}
	payload, errno := d.dispatch(opcode, nodeid, body, caller)
	if opcode == fuseForget {
		// FORGET has no reply at all.
		return 0
	}
	return writeReply(chain, unique, errno, payload)
}

type callerIDs struct{ uid, gid uint32 }

func (d *fsDevice) dispatch(opcode uint32, nodeid uint64, body []byte, caller callerIDs) ([]byte, int32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch opcode {
	case fuseInit:
		return d.opInit(body)
	case fuseDestroy:
		return nil, 0
	case fuseLookup:
		return d.opLookup(nodeid, cstring(body), caller)
	case fuseForget:
		d.opForget(nodeid, body)
		return nil, 0
	case fuseGetattr:
		return d.opGetattr(nodeid, caller)
	case fuseSetattr:
		return d.opSetattr(nodeid, body, caller)
	case fuseReadlink:
		return d.opReadlink(nodeid)
	case fuseSymlink:
		return d.opSymlink(nodeid, body, caller)
	case fuseMkdir:
		return d.opMkdir(nodeid, body, caller)
	case fuseUnlink:
		return d.opRemove(nodeid, cstring(body), false)
	case fuseRmdir:
		return d.opRemove(nodeid, cstring(body), true)
	case fuseRename:
		return d.opRename(nodeid, body)
	case fuseOpen:
		return d.opOpen(nodeid, body)
	case fuseRead:
		return d.opRead(body)
	case fuseWrite:
		return d.opWrite(body)
	case fuseStatfs:
		return d.opStatfs(nodeid)
	case fuseRelease, fuseReleasedir:
		return d.opRelease(body)
	case fuseFlush:
		return nil, 0
	case fuseOpendir:
		return d.opOpendir(nodeid)
	case fuseReaddir:
		return d.opReaddir(body)
	case fuseCreate:
		return d.opCreate(nodeid, body, caller)
	default:
		return nil, -int32(unix.ENOSYS)
	}
}

func (d *fsDevice) opInit(body []byte) ([]byte, int32) {
	out := make([]byte, 64)
	binary.LittleEndian.PutUint32(out[0:4], 7)   // major
	binary.LittleEndian.PutUint32(out[4:8], 31)  // minor
	binary.LittleEndian.PutUint32(out[8:12], 0)  // max_readahead
	binary.LittleEndian.PutUint32(out[12:16], 0) // flags: no extensions
	binary.LittleEndian.PutUint16(out[16:18], 12)
	binary.LittleEndian.PutUint16(out[18:20], 8)
	binary.LittleEndian.PutUint32(out[20:24], 1<<20) // max_write
	binary.LittleEndian.PutUint32(out[24:28], 1)     // time_gran
	return out, 0
}

func (d *fsDevice) node(id uint64) *fsNode {
	return d.nodes[id]
}

// internNode returns the cached node for the host file behind path,
// creating one keyed by (dev, ino) on first sight.
func (d *fsDevice) internNode(path string, st *unix.Stat_t) *fsNode {
	key := [2]uint64{st.Dev, st.Ino}
	if n, ok := d.byHostIno[key]; ok {
		n.refs++
		n.path = path
		return n
	}
	n := &fsNode{id: d.nextNode, path: path, dev: st.Dev, ino: st.Ino, refs: 1}
	d.nextNode++
	d.nodes[n.id] = n
	d.byHostIno[key] = n
	return n
}

func (d *fsDevice) opLookup(parent uint64, name string, caller callerIDs) ([]byte, int32) {
	p := d.node(parent)
	if p == nil || name == "" {
		return nil, -int32(unix.ENOENT)
	}
	path := filepath.Join(p.path, name)
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return nil, -errnoOf(err)
	}
	n := d.internNode(path, &st)
	return d.entryOut(n, &st, caller), 0
}

func (d *fsDevice) opForget(nodeid uint64, body []byte) {
	if nodeid == fuseRootID || len(body) < 8 {
		return
	}
	n := d.node(nodeid)
	if n == nil {
		return
	}
	nlookup := binary.LittleEndian.Uint64(body[:8])
	if n.refs <= nlookup {
		delete(d.nodes, n.id)
		delete(d.byHostIno, [2]uint64{n.dev, n.ino})
	} else {
		n.refs -= nlookup
	}
}

func (d *fsDevice) opGetattr(nodeid uint64, caller callerIDs) ([]byte, int32) {
	n := d.node(nodeid)
	if n == nil {
		return nil, -int32(unix.ENOENT)
	}
	var st unix.Stat_t
	if err := unix.Lstat(n.path, &st); err != nil {
		return nil, -errnoOf(err)
	}
	out := make([]byte, 16+fuseAttrLen)
	binary.LittleEndian.PutUint64(out[0:8], 1) // attr_valid seconds
	d.putAttr(out[16:], &st, caller)
	return out, 0
}

// opSetattr honours size and mode changes; ownership changes on a
// non-passthrough mapping succeed without touching the host file.
func (d *fsDevice) opSetattr(nodeid uint64, body []byte, caller callerIDs) ([]byte, int32) {
	n := d.node(nodeid)
	if n == nil || len(body) < 88 {
		return nil, -int32(unix.ENOENT)
	}
	if d.share.ReadOnly {
		return nil, -int32(unix.EROFS)
	}
	valid := binary.LittleEndian.Uint32(body[0:4])
	size := binary.LittleEndian.Uint64(body[16:24])
	mode := binary.LittleEndian.Uint32(body[68:72])
	uid := binary.LittleEndian.Uint32(body[76:80])
	gid := binary.LittleEndian.Uint32(body[80:84])

	if valid&fattrSize != 0 {
		if err := unix.Truncate(n.path, int64(size)); err != nil {
			return nil, -errnoOf(err)
		}
	}
	if valid&fattrMode != 0 {
		if err := unix.Chmod(n.path, mode&0o7777); err != nil {
			return nil, -errnoOf(err)
		}
	}
	if valid&(fattrUID|fattrGID) != 0 {
		if d.share.UIDMap.Mode == backend.IDPassthrough {
			if err := unix.Chown(n.path, int(uid), int(gid)); err != nil {
				return nil, -errnoOf(err)
			}
		}
		// Mapped mounts accept the chown and report success; what the
		// guest observes is produced by the mapping, not the host file.
	}
	return d.opGetattr(nodeid, caller)
}

func (d *fsDevice) opReadlink(nodeid uint64) ([]byte, int32) {
	n := d.node(nodeid)
	if n == nil {
		return nil, -int32(unix.ENOENT)
	}
	target, err := os.Readlink(n.path)
	if err != nil {
		return nil, -errnoOf(err)
	}
	return []byte(target), 0
}

func (d *fsDevice) opSymlink(parent uint64, body []byte, caller callerIDs) ([]byte, int32) {
	p := d.node(parent)
	if p == nil {
		return nil, -int32(unix.ENOENT)
	}
	if d.share.ReadOnly {
		return nil, -int32(unix.EROFS)
	}
	name := cstring(body)
	target := cstring(body[len(name)+1:])
	path := filepath.Join(p.path, name)
	if err := unix.Symlink(target, path); err != nil {
		return nil, -errnoOf(err)
	}
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return nil, -errnoOf(err)
	}
	return d.entryOut(d.internNode(path, &st), &st, caller), 0
}

func (d *fsDevice) opMkdir(parent uint64, body []byte, caller callerIDs) ([]byte, int32) {
	p := d.node(parent)
	if p == nil || len(body) < 8 {
		return nil, -int32(unix.ENOENT)
	}
	if d.share.ReadOnly {
		return nil, -int32(unix.EROFS)
	}
	mode := binary.LittleEndian.Uint32(body[0:4])
	name := cstring(body[8:])
	path := filepath.Join(p.path, name)
	if err := unix.Mkdir(path, mode&0o7777); err != nil {
		return nil, -errnoOf(err)
	}
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return nil, -errnoOf(err)
	}
	return d.entryOut(d.internNode(path, &st), &st, caller), 0
}

func (d *fsDevice) opRemove(parent uint64, name string, dir bool) ([]byte, int32) {
	p := d.node(parent)
	if p == nil || name == "" {
		return nil, -int32(unix.ENOENT)
	}
	if d.share.ReadOnly {
		return nil, -int32(unix.EROFS)
	}
	path := filepath.Join(p.path, name)
	var err error
	if dir {
		err = unix.Rmdir(path)
	} else {
		err = unix.Unlink(path)
	}
	if err != nil {
		return nil, -errnoOf(err)
	}
	return nil, 0
}

func (d *fsDevice) opRename(parent uint64, body []byte) ([]byte, int32) {
	p := d.node(parent)
	if p == nil || len(body) < 8 {
		return nil, -int32(unix.ENOENT)
	}
	if d.share.ReadOnly {
		return nil, -int32(unix.EROFS)
	}
	newParent := d.node(binary.LittleEndian.Uint64(body[0:8]))
	if newParent == nil {
		return nil, -int32(unix.ENOENT)
	}
	oldName := cstring(body[8:])
	newName := cstring(body[8+len(oldName)+1:])
	if err := unix.Rename(filepath.Join(p.path, oldName), filepath.Join(newParent.path, newName)); err != nil {
		return nil, -errnoOf(err)
	}
	return nil, 0
}

func (d *fsDevice) opOpen(nodeid uint64, body []byte) ([]byte, int32) {
	n := d.node(nodeid)
	if n == nil || len(body) < 4 {
		return nil, -int32(unix.ENOENT)
	}
	flags := int(binary.LittleEndian.Uint32(body[0:4]))
	if d.share.ReadOnly && flags&(unix.O_WRONLY|unix.O_RDWR) != 0 {
		return nil, -int32(unix.EROFS)
	}
	f, err := os.OpenFile(n.path, flags&^unix.O_NOFOLLOW, 0)
	if err != nil {
		return nil, -errnoOf(err)
	}
	fh := d.nextFh
	d.nextFh++
	d.handles[fh] = f
	return openOut(fh), 0
}

func (d *fsDevice) opCreate(parent uint64, body []byte, caller callerIDs) ([]byte, int32) {
	p := d.node(parent)
	if p == nil || len(body) < 16 {
		return nil, -int32(unix.ENOENT)
	}
	if d.share.ReadOnly {
		return nil, -int32(unix.EROFS)
	}
	flags := int(binary.LittleEndian.Uint32(body[0:4]))
	mode := binary.LittleEndian.Uint32(body[4:8])
	name := cstring(body[16:])
	path := filepath.Join(p.path, name)

	// Creation uses the host process identity regardless of the id
	// mapping; mapping only changes what the guest observes.
	f, err := os.OpenFile(path, flags|os.O_CREATE, os.FileMode(mode&0o7777))
	if err != nil {
		return nil, -errnoOf(err)
	}
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		f.Close()
		return nil, -errnoOf(err)
	}
	n := d.internNode(path, &st)
	fh := d.nextFh
	d.nextFh++
	d.handles[fh] = f

	entry := d.entryOut(n, &st, caller)
	return append(entry, openOut(fh)...), 0
}

func (d *fsDevice) opRead(body []byte) ([]byte, int32) {
	if len(body) < 24 {
		return nil, -int32(unix.EINVAL)
	}
	fh := binary.LittleEndian.Uint64(body[0:8])
	offset := binary.LittleEndian.Uint64(body[8:16])
	size := binary.LittleEndian.Uint32(body[16:20])
	f := d.handles[fh]
	if f == nil {
		return nil, -int32(unix.EBADF)
	}
	buf := make([]byte, size)
	n, err := f.ReadAt(buf, int64(offset))
	if err != nil && n == 0 {
		if errnoOf(err) == int32(unix.EINTR) {
			return nil, -int32(unix.EINTR)
		}
		// EOF reads return empty.
		return nil, 0
	}
	return buf[:n], 0
}

func (d *fsDevice) opWrite(body []byte) ([]byte, int32) {
	if len(body) < 40 {
		return nil, -int32(unix.EINVAL)
	}
	fh := binary.LittleEndian.Uint64(body[0:8])
	offset := binary.LittleEndian.Uint64(body[8:16])
	size := binary.LittleEndian.Uint32(body[16:20])
	f := d.handles[fh]
	if f == nil {
		return nil, -int32(unix.EBADF)
	}
	data := body[40:]
	if uint32(len(data)) > size {
		data = data[:size]
	}
	n, err := f.WriteAt(data, int64(offset))
	if err != nil {
		return nil, -errnoOf(err)
	}
	out := make([]byte, 8)
	binary.LittleEndian.PutUint32(out[0:4], uint32(n))
	return out, 0
}

func (d *fsDevice) opStatfs(nodeid uint64) ([]byte, int32) {
	n := d.node(nodeid)
	if n == nil {
		return nil, -int32(unix.ENOENT)
	}
	var st unix.Statfs_t
	if err := unix.Statfs(n.path, &st); err != nil {
		return nil, -errnoOf(err)
	}
	out := make([]byte, 80)
	binary.LittleEndian.PutUint64(out[0:8], st.Blocks)
	binary.LittleEndian.PutUint64(out[8:16], st.Bfree)
	binary.LittleEndian.PutUint64(out[16:24], st.Bavail)
	binary.LittleEndian.PutUint64(out[24:32], st.Files)
	binary.LittleEndian.PutUint64(out[32:40], st.Ffree)
	binary.LittleEndian.PutUint32(out[40:44], uint32(st.Bsize))
	binary.LittleEndian.PutUint32(out[44:48], uint32(st.Namelen))
	binary.LittleEndian.PutUint32(out[48:52], uint32(st.Frsize))
	return out, 0
}

func (d *fsDevice) opRelease(body []byte) ([]byte, int32) {
	if len(body) < 8 {
		return nil, -int32(unix.EINVAL)
	}
	fh := binary.LittleEndian.Uint64(body[0:8])
	if f, ok := d.handles[fh]; ok {
		f.Close()
		delete(d.handles, fh)
	}
	delete(d.dirs, fh)
	return nil, 0
}

func (d *fsDevice) opOpendir(nodeid uint64) ([]byte, int32) {
	n := d.node(nodeid)
	if n == nil {
		return nil, -int32(unix.ENOENT)
	}
	entries, err := os.ReadDir(n.path)
	if err != nil {
		return nil, -errnoOf(err)
	}

	// Render the whole listing once; READDIR slices it by offset.
	var blob []byte
	off := uint64(0)
	emit := func(name string, ino uint64, typ uint32) {
		rec := len(blob)
		namelen := len(name)
		entryLen := 24 + namelen
		padded := (entryLen + 7) &^ 7
		blob = append(blob, make([]byte, padded)...)
		off++
		binary.LittleEndian.PutUint64(blob[rec:], ino)
		binary.LittleEndian.PutUint64(blob[rec+8:], off)
		binary.LittleEndian.PutUint32(blob[rec+16:], uint32(namelen))
		binary.LittleEndian.PutUint32(blob[rec+20:], typ)
		copy(blob[rec+24:], name)
	}
	emit(".", n.ino, unix.DT_DIR)
	emit("..", n.ino, unix.DT_DIR)
	for _, e := range entries {
		typ := uint32(unix.DT_REG)
		switch {
		case e.IsDir():
			typ = unix.DT_DIR
		case e.Type()&os.ModeSymlink != 0:
			typ = unix.DT_LNK
		}
		var ino uint64
		if info, err := e.Info(); err == nil {
			if sys, ok := info.Sys().(*syscall.Stat_t); ok {
				ino = sys.Ino
			}
		}
		emit(e.Name(), ino, typ)
	}

	fh := d.nextFh
	d.nextFh++
	d.dirs[fh] = blob
	return openOut(fh), 0
}

func (d *fsDevice) opReaddir(body []byte) ([]byte, int32) {
	if len(body) < 24 {
		return nil, -int32(unix.EINVAL)
	}
	fh := binary.LittleEndian.Uint64(body[0:8])
	offset := binary.LittleEndian.Uint64(body[8:16])
	size := binary.LittleEndian.Uint32(body[16:20])
	blob, ok := d.dirs[fh]
	if !ok {
		return nil, -int32(unix.EBADF)
	}

	// Offsets are entry ordinals; walk the blob to the requested entry.
	pos := 0
	for i := uint64(0); i < offset && pos < len(blob); i++ {
		namelen := int(binary.LittleEndian.Uint32(blob[pos+16:]))
		pos += (24 + namelen + 7) &^ 7
	}
	end := pos
	for end < len(blob) {
		namelen := int(binary.LittleEndian.Uint32(blob[end+16:]))
		next := end + ((24 + namelen + 7) &^ 7)
		if next-pos > int(size) {
			break
		}
		end = next
	}
	return blob[pos:end], 0
}

// entryOut renders a fuse_entry_out with the mapped ownership.
func (d *fsDevice) entryOut(n *fsNode, st *unix.Stat_t, caller callerIDs) []byte {
	out := make([]byte, 40+fuseAttrLen)
	binary.LittleEndian.PutUint64(out[0:8], n.id)
	binary.LittleEndian.PutUint64(out[16:24], 1) // entry_valid
	binary.LittleEndian.PutUint64(out[24:32], 1) // attr_valid
	d.putAttr(out[40:], st, caller)
	return out
}

// putAttr writes a fuse_attr applying the configured UID/GID mapping. The
// mapping affects only what the guest observes.
func (d *fsDevice) putAttr(out []byte, st *unix.Stat_t, caller callerIDs) {
	uid := mapID(d.share.UIDMap, st.Uid, caller.uid)
	gid := mapID(d.share.GIDMap, st.Gid, caller.gid)

	binary.LittleEndian.PutUint64(out[0:8], st.Ino)
	binary.LittleEndian.PutUint64(out[8:16], uint64(st.Size))
	binary.LittleEndian.PutUint64(out[16:24], uint64(st.Blocks))
	binary.LittleEndian.PutUint64(out[24:32], uint64(st.Atim.Sec))
	binary.LittleEndian.PutUint64(out[32:40], uint64(st.Mtim.Sec))
	binary.LittleEndian.PutUint64(out[40:48], uint64(st.Ctim.Sec))
	binary.LittleEndian.PutUint32(out[48:52], uint32(st.Atim.Nsec))
	binary.LittleEndian.PutUint32(out[52:56], uint32(st.Mtim.Nsec))
	binary.LittleEndian.PutUint32(out[56:60], uint32(st.Ctim.Nsec))
	binary.LittleEndian.PutUint32(out[60:64], st.Mode)
	binary.LittleEndian.PutUint32(out[64:68], uint32(st.Nlink))
	binary.LittleEndian.PutUint32(out[68:72], uid)
	binary.LittleEndian.PutUint32(out[72:76], gid)
	binary.LittleEndian.PutUint32(out[76:80], uint32(st.Rdev))
	binary.LittleEndian.PutUint32(out[80:84], uint32(st.Blksize))
}

func mapID(m backend.IDMap, host, caller uint32) uint32 {
	switch m.Mode {
	case backend.IDPassthrough:
		return host
	case backend.IDDynamicCaller:
		return caller
	default:
		return m.ID
	}
}

func (d *fsDevice) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for _, f := range d.handles {
		f.Close()
	}
	d.handles = nil
}

// --- wire helpers ---

func collectReadable(chain *Chain) []byte {
	var out []byte
	for _, seg := range chain.Segs {
		if !seg.Writable {
			out = append(out, seg.Buf...)
		}
	}
	return out
}

// writeReply scatters a fuse_out_header plus payload into the chain's
// writable segments and returns the byte count.
func writeReply(chain *Chain, unique uint64, errno int32, payload []byte) uint32 {
	header := make([]byte, fuseOutHeaderLen)
	binary.LittleEndian.PutUint32(header[0:4], uint32(fuseOutHeaderLen+len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], uint32(errno))
	binary.LittleEndian.PutUint64(header[8:16], unique)

	data := append(header, payload...)
	written := 0
	for _, seg := range chain.Segs {
		if !seg.Writable || written >= len(data) {
			continue
		}
		written += copy(seg.Buf, data[written:])
	}
	return uint32(written)
}

func openOut(fh uint64) []byte {
	out := make([]byte, 16)
	binary.LittleEndian.PutUint64(out[0:8], fh)
	return out
}

func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func errnoOf(err error) int32 {
	if errno, ok := err.(unix.Errno); ok {
		return int32(errno)
	}
	if pe, ok := err.(*os.PathError); ok {
		if errno, ok := pe.Err.(syscall.Errno); ok {
			return int32(errno)
		}
	}
	if le, ok := err.(*os.LinkError); ok {
		if errno, ok := le.Err.(syscall.Errno); ok {
			return int32(errno)
		}
	}
	if errno, ok := err.(syscall.Errno); ok {
		return int32(errno)
	}
	return int32(unix.EIO)
}
