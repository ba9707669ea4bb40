//go:build darwin

// capsa-vzd hosts Apple Virtualization.framework VMs out of process. The
// framework insists on the process main thread for configuration and run
// calls; this daemon owns that thread so the library never has to. The
// parent speaks a length-framed RPC over the stdin/stdout pipes and
// receives file descriptors on the inherited fd-3 datagram socket.
//
// The daemon keeps no state across runs: when the request pipe reaches
// EOF (the parent died or closed us), every VM is killed and the process
// exits.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/luizribeiro/capsa/internal/backend"
	"github.com/luizribeiro/capsa/internal/backend/vz"
	"github.com/luizribeiro/capsa/internal/vzrpc"
)

func init() {
	// The framework's calls below all happen on this thread.
	runtime.LockOSThread()
}

type daemon struct {
	conn   *vzrpc.Conn
	fdConn *net.UnixConn
	vzb    *vz.Backend
	log    *logrus.Entry

	mu     sync.Mutex
	vms    map[uint32]backend.Instance
	nextID uint32

	// netFDs holds descriptors that arrived ahead of their request.
	netFDs map[uint64]*os.File

	// mainCh carries work that must run on the main thread.
	mainCh chan func()
}

func main() {
	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(&logrus.TextFormatter{DisableTimestamp: false})

	fdSock := os.NewFile(3, "fd-socket")
	fc, err := net.FileConn(fdSock)
	fdSock.Close()
	if err != nil {
		logrus.WithError(err).Fatal("fd socket (fd 3) missing; run via the library")
	}

	d := &daemon{
		conn:   vzrpc.NewConn(os.Stdin, os.Stdout),
		fdConn: fc.(*net.UnixConn),
		vzb:    vz.New(),
		log:    logrus.WithField("subsys", "capsa-vzd"),
		vms:    make(map[uint32]backend.Instance),
		netFDs: make(map[uint64]*os.File),
		mainCh: make(chan func(), 1),
	}

	go d.fdLoop()
	go d.requestLoop()

	// The main thread serves framework work until the request loop asks
	// us to die.
	for f := range d.mainCh {
		f()
	}
}

func (d *daemon) fdLoop() {
	for {
		seq, purpose, f, err := vzrpc.RecvFD(d.fdConn)
		if err != nil {
			return
		}
		if purpose != "net" {
			f.Close()
			continue
		}
		d.mu.Lock()
		d.netFDs[seq] = f
		d.mu.Unlock()
	}
}

func (d *daemon) requestLoop() {
	for {
		req, err := d.conn.RecvRequest()
		if err != nil {
			// Parent is gone; take every VM down with us.
			d.log.Info("request pipe closed, shutting down")
			d.killAll()
			os.Exit(0)
		}
		switch req.Kind {
		case vzrpc.KindWait:
			// Wait blocks; it gets its own goroutine so the pipe stays
			// responsive.
			go d.handleWait(req)
		default:
			d.handle(req)
		}
	}
}

func (d *daemon) handle(req *vzrpc.Request) {
	var rep *vzrpc.Reply
	switch req.Kind {
	case vzrpc.KindStartVM:
		rep = d.handleStart(req)
	case vzrpc.KindStop:
		rep = d.withVM(req, func(inst backend.Instance) error {
			return inst.Shutdown(context.Background())
		})
	case vzrpc.KindKill:
		rep = d.withVM(req, func(inst backend.Instance) error {
			err := inst.Kill()
			d.mu.Lock()
			delete(d.vms, req.ID)
			d.mu.Unlock()
			return err
		})
	case vzrpc.KindStatus:
		rep = d.handleStatus(req)
	case vzrpc.KindOpenConsole:
		rep = d.handleOpenConsole(req)
	default:
		rep = &vzrpc.Reply{Seq: req.Seq, Err: fmt.Sprintf("unknown request kind %d", req.Kind)}
	}
	if err := d.conn.SendReply(rep); err != nil {
		d.log.WithError(err).Error("reply failed")
	}
}

func (d *daemon) handleStart(req *vzrpc.Request) *vzrpc.Reply {
	if req.Config == nil {
		return &vzrpc.Reply{Seq: req.Seq, Err: "start without config"}
	}
	wire := req.Config
	cfg := &backend.Config{
		KernelPath: wire.Kernel,
		InitrdPath: wire.Initrd,
		Cmdline:    wire.Cmdline,
		VCPUs:      wire.VCPUs,
		MemoryMiB:  wire.MemoryMiB,
		Console:    wire.Console,
		Vsock:      wire.Vsock,
	}
	for _, disk := range wire.Disks {
		cfg.Disks = append(cfg.Disks, backend.Disk{Path: disk.Path, ReadOnly: disk.ReadOnly})
	}
	for _, share := range wire.Shares {
		cfg.Shares = append(cfg.Shares, backend.Share{HostPath: share.HostPath, Tag: share.Tag, ReadOnly: share.ReadOnly})
	}
	switch {
	case wire.NetFD:
		d.mu.Lock()
		netFile := d.netFDs[req.Seq]
		delete(d.netFDs, req.Seq)
		d.mu.Unlock()
		if netFile == nil {
			return &vzrpc.Reply{Seq: req.Seq, Err: "net_fd set but no descriptor arrived"}
		}
		cfg.Net = backend.NetUserNAT
		cfg.NetFile = netFile
	case wire.NativeNAT:
		cfg.Net = backend.NetNativeNAT
	}

	// Configuration and start must happen on the main thread.
	type result struct {
		inst backend.Instance
		err  error
	}
	resCh := make(chan result, 1)
	d.mainCh <- func() {
		inst, err := d.vzb.Start(context.Background(), cfg)
		resCh <- result{inst, err}
	}
	res := <-resCh
	if res.err != nil {
		return &vzrpc.Reply{Seq: req.Seq, Err: res.err.Error()}
	}

	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.vms[id] = res.inst
	d.mu.Unlock()

	d.log.WithField("vm", id).Info("vm started")
	return &vzrpc.Reply{Seq: req.Seq, ID: id}
}

func (d *daemon) handleWait(req *vzrpc.Request) {
	d.mu.Lock()
	inst := d.vms[req.ID]
	d.mu.Unlock()
	if inst == nil {
		d.conn.SendReply(&vzrpc.Reply{Seq: req.Seq, Err: fmt.Sprintf("vm %d not found", req.ID)})
		return
	}
	exit, err := inst.Wait(context.Background())
	rep := &vzrpc.Reply{Seq: req.Seq, ExitCode: exit.Code, HasCode: exit.HasCode}
	if err != nil {
		rep.Err = err.Error()
	}
	d.conn.SendReply(rep)
}

func (d *daemon) handleStatus(req *vzrpc.Request) *vzrpc.Reply {
	d.mu.Lock()
	inst := d.vms[req.ID]
	d.mu.Unlock()
	if inst == nil {
		return &vzrpc.Reply{Seq: req.Seq, State: "stopped"}
	}
	return &vzrpc.Reply{Seq: req.Seq, State: "running"}
}

func (d *daemon) handleOpenConsole(req *vzrpc.Request) *vzrpc.Reply {
	d.mu.Lock()
	inst := d.vms[req.ID]
	d.mu.Unlock()
	if inst == nil {
		return &vzrpc.Reply{Seq: req.Seq, Err: fmt.Sprintf("vm %d not found", req.ID)}
	}
	f, err := inst.ConsoleFile()
	if err != nil {
		return &vzrpc.Reply{Seq: req.Seq, Err: err.Error()}
	}
	if err := vzrpc.SendFD(d.fdConn, req.Seq, "console", int(f.Fd())); err != nil {
		return &vzrpc.Reply{Seq: req.Seq, Err: fmt.Sprintf("pass console fd: %v", err)}
	}
	return &vzrpc.Reply{Seq: req.Seq}
}

func (d *daemon) withVM(req *vzrpc.Request, fn func(backend.Instance) error) *vzrpc.Reply {
	d.mu.Lock()
	inst := d.vms[req.ID]
	d.mu.Unlock()
	if inst == nil {
		return &vzrpc.Reply{Seq: req.Seq, Err: fmt.Sprintf("vm %d not found", req.ID)}
	}
	if err := fn(inst); err != nil {
		return &vzrpc.Reply{Seq: req.Seq, Err: err.Error()}
	}
	return &vzrpc.Reply{Seq: req.Seq}
}

func (d *daemon) killAll() {
	d.mu.Lock()
	vms := d.vms
	d.vms = make(map[uint32]backend.Instance)
	d.mu.Unlock()
	for id, inst := range vms {
		d.log.WithField("vm", id).Info("killing vm")
		_ = inst.Kill()
	}
}
