package aio

import (
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestFile_ReadWriteOverSocketpair(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	peer := os.NewFile(uintptr(fds[1]), "peer")
	defer peer.Close()

	f, err := NewFile(fds[0], "test")
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	defer f.Close()

	if _, err := peer.Write([]byte("hello")); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	buf := make([]byte, 16)
	n, err := f.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Errorf("Read = %q", buf[:n])
	}

	if _, err := f.Write([]byte("world")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	n, err = peer.Read(buf)
	if err != nil {
		t.Fatalf("peer read: %v", err)
	}
	if string(buf[:n]) != "world" {
		t.Errorf("peer read = %q", buf[:n])
	}
}

func TestFile_DeadlineExpires(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	peer := os.NewFile(uintptr(fds[1]), "peer")
	defer peer.Close()

	f, err := NewFile(fds[0], "test")
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	defer f.Close()

	if err := f.SetReadDeadline(time.Now().Add(20 * time.Millisecond)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	_, err = f.Read(make([]byte, 1))
	if !IsDeadlineExceeded(err) {
		t.Errorf("Read past deadline = %v, want deadline exceeded", err)
	}
}

func TestFile_ZeroByteOpsAndDoubleClose(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	unix.Close(fds[1])

	f, err := NewFile(fds[0], "test")
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	if n, err := f.Write(nil); n != 0 || err != nil {
		t.Errorf("Write(nil) = %d, %v", n, err)
	}
	if n, err := f.Read(nil); n != 0 || err != nil {
		t.Errorf("Read(nil) = %d, %v", n, err)
	}
	if err := f.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestPipePair_Duplex(t *testing.T) {
	inR, inW, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer inW.Close()
	defer outR.Close()

	p, err := NewPipePair(inR, outW)
	if err != nil {
		t.Fatalf("NewPipePair: %v", err)
	}
	defer p.Close()

	if _, err := inW.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 8)
	n, err := p.Read(buf)
	if err != nil || string(buf[:n]) != "ping" {
		t.Fatalf("Read = %q, %v", buf[:n], err)
	}

	if _, err := p.Write([]byte("pong")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	n, err = outR.Read(buf)
	if err != nil || string(buf[:n]) != "pong" {
		t.Fatalf("peer read = %q, %v", buf[:n], err)
	}
}
