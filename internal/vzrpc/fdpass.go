package vzrpc

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// SendFD passes fd over the ancillary unix datagram socket, tagged with
// the request sequence it belongs to.
func SendFD(conn *net.UnixConn, seq uint64, purpose string, fd int) error {
	oob := unix.UnixRights(fd)
	payload := []byte(fmt.Sprintf("%d:%s", seq, purpose))
	_, _, err := conn.WriteMsgUnix(payload, oob, nil)
	return err
}

// RecvFD receives one descriptor and its tag.
func RecvFD(conn *net.UnixConn) (seq uint64, purpose string, f *os.File, err error) {
	buf := make([]byte, 128)
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return 0, "", nil, err
	}
	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return 0, "", nil, fmt.Errorf("parse control message: %w", err)
	}
	var fds []int
	for _, msg := range msgs {
		got, err := unix.ParseUnixRights(&msg)
		if err != nil {
			continue
		}
		fds = append(fds, got...)
	}
	if len(fds) == 0 {
		return 0, "", nil, fmt.Errorf("no descriptor in ancillary data")
	}
	// Only the first descriptor is meaningful; close any extras.
	for _, extra := range fds[1:] {
		unix.Close(extra)
	}
	if _, err := fmt.Sscanf(string(buf[:n]), "%d:%s", &seq, &purpose); err != nil {
		unix.Close(fds[0])
		return 0, "", nil, fmt.Errorf("bad fd tag %q: %w", buf[:n], err)
	}
	return seq, purpose, os.NewFile(uintptr(fds[0]), purpose), nil
}
