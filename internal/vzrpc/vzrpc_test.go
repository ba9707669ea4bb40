package vzrpc

import (
	"io"
	"testing"
)

func pipePair(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	return NewConn(r1, w2), NewConn(r2, w1)
}

func TestRequestReplyRoundTrip(t *testing.T) {
	parent, child := pipePair(t)

	go func() {
		req, err := child.RecvRequest()
		if err != nil {
			t.Errorf("RecvRequest: %v", err)
			return
		}
		if req.Kind != KindStartVM || req.Config == nil {
			t.Errorf("got kind %v config %v", req.Kind, req.Config)
		}
		child.SendReply(&Reply{Seq: req.Seq, ID: 7})
	}()

	err := parent.SendRequest(&Request{
		Seq:  42,
		Kind: KindStartVM,
		Config: &WireConfig{
			Kernel:    "/boot/vmlinuz",
			Cmdline:   "console=hvc0",
			VCPUs:     2,
			MemoryMiB: 256,
			Disks:     []WireDisk{{Path: "/tmp/root.img", ReadOnly: true}},
			Shares:    []WireShare{{HostPath: "/tmp/ws", Tag: "ws"}},
			Console:   true,
		},
	})
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	rep, err := parent.RecvReply()
	if err != nil {
		t.Fatalf("RecvReply: %v", err)
	}
	if rep.Seq != 42 {
		t.Errorf("reply seq = %d, want 42 (must echo the request)", rep.Seq)
	}
	if rep.ID != 7 {
		t.Errorf("reply id = %d, want 7", rep.ID)
	}
}

func TestReplyErrorCarriesMessage(t *testing.T) {
	parent, child := pipePair(t)

	go func() {
		req, _ := child.RecvRequest()
		child.SendReply(&Reply{Seq: req.Seq, Err: "vm 9 not found"})
	}()

	if err := parent.SendRequest(&Request{Seq: 1, Kind: KindStop, ID: 9}); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	rep, err := parent.RecvReply()
	if err != nil {
		t.Fatalf("RecvReply: %v", err)
	}
	if rep.Err != "vm 9 not found" {
		t.Errorf("Err = %q", rep.Err)
	}
}

func TestRecvRequestEOFOnClose(t *testing.T) {
	r, w := io.Pipe()
	conn := NewConn(r, io.Discard)
	w.Close()
	if _, err := conn.RecvRequest(); err != io.EOF {
		t.Errorf("RecvRequest after close = %v, want io.EOF", err)
	}
}
