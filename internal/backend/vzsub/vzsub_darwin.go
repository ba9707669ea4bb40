//go:build darwin

// Package vzsub is the preferred Apple-framework strategy: VM operations
// are delegated to the capsa-vzd subprocess, which owns the framework's
// main-thread requirement, over a pipe RPC. File descriptors come back on
// a side unix datagram socket.
package vzsub

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/luizribeiro/capsa/capsanet"
	"github.com/luizribeiro/capsa/internal/backend"
	"github.com/luizribeiro/capsa/internal/vzrpc"
)

// DaemonBinary is the helper the backend spawns.
const DaemonBinary = "capsa-vzd"

// Backend is the subprocess strategy.
type Backend struct{}

func New() *Backend { return &Backend{} }

func (b *Backend) Name() string { return "vz-subprocess" }

func (b *Backend) IsAvailable() error {
	if backend.FindBinary(DaemonBinary) == "" {
		return &backend.BackendUnavailableError{Name: b.Name(), Reason: backend.UnavailableBinaryMissing}
	}
	return nil
}

func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:       b.Name(),
		MaxVCPUs:   32,
		DirectBoot: true,
		NativeNAT:  true,
		UserNAT:    true,
		Vsock:      true,
	}
}

func (b *Backend) CmdlineDefaults() string {
	return "console=hvc0 reboot=t panic=-1"
}

func (b *Backend) DefaultRootDevice() string { return "/dev/vda" }

// Start spawns the daemon for this VM, ships the config over the pipe
// RPC, and wires the network stack through a passed descriptor.
func (b *Backend) Start(ctx context.Context, cfg *backend.Config) (backend.Instance, error) {
	bin := backend.FindBinary(DaemonBinary)
	if bin == "" {
		return nil, &backend.BackendUnavailableError{Name: b.Name(), Reason: backend.UnavailableBinaryMissing}
	}

	cl, err := spawnDaemon(ctx, bin)
	if err != nil {
		return nil, err
	}

	inst := &instance{cfg: cfg, client: cl, done: make(chan struct{})}

	wire := &vzrpc.WireConfig{
		Kernel:    cfg.KernelPath,
		Initrd:    cfg.InitrdPath,
		Cmdline:   cfg.Cmdline,
		VCPUs:     cfg.VCPUs,
		MemoryMiB: cfg.MemoryMiB,
		Console:   cfg.Console,
		Vsock:     cfg.Vsock || cfg.Net == backend.NetVsockOnly,
		NativeNAT: cfg.Net == backend.NetNativeNAT,
	}
	for _, d := range cfg.Disks {
		wire.Disks = append(wire.Disks, vzrpc.WireDisk{Path: d.Path, ReadOnly: d.ReadOnly})
	}
	for _, s := range cfg.Shares {
		wire.Shares = append(wire.Shares, vzrpc.WireShare{HostPath: s.HostPath, Tag: s.Tag, ReadOnly: s.ReadOnly})
	}

	seq := cl.nextSeq()
	if cfg.Net == backend.NetUserNAT {
		fio, peer, err := capsanet.NewSocketPair()
		if err != nil {
			inst.shutdownClient()
			return nil, fmt.Errorf("network socket pair: %w", err)
		}
		stack, err := capsanet.New(*cfg.UserNAT, fio)
		if err != nil {
			peer.Close()
			inst.shutdownClient()
			return nil, err
		}
		inst.netStack = stack
		wire.NetFD = true
		// The descriptor travels ahead of the request so the daemon can
		// collect it while building the VM.
		if err := vzrpc.SendFD(cl.fdConn, seq, "net", int(peer.Fd())); err != nil {
			peer.Close()
			inst.shutdownClient()
			return nil, fmt.Errorf("pass network fd: %w", err)
		}
		peer.Close()
	}

	rep, err := cl.call(&vzrpc.Request{Seq: seq, Kind: vzrpc.KindStartVM, Config: wire})
	if err != nil {
		inst.shutdownClient()
		return nil, &backend.Error{Kind: backend.KindStartFailed, Cause: err}
	}
	if rep.Err != "" {
		inst.shutdownClient()
		return nil, &backend.Error{Kind: backend.KindStartFailed, Detail: rep.Err}
	}
	inst.id = rep.ID

	if cfg.Console {
		seq := cl.nextSeq()
		rep, err := cl.call(&vzrpc.Request{Seq: seq, Kind: vzrpc.KindOpenConsole, ID: inst.id})
		if err == nil && rep.Err != "" {
			err = fmt.Errorf("%s", rep.Err)
		}
		if err != nil {
			inst.Kill()
			return nil, fmt.Errorf("open console: %w", err)
		}
		f, err := cl.takeFD(seq)
		if err != nil {
			inst.Kill()
			return nil, fmt.Errorf("receive console fd: %w", err)
		}
		inst.console = f
	}

	if inst.netStack != nil {
		if err := inst.netStack.Start(); err != nil {
			inst.Kill()
			return nil, fmt.Errorf("start network stack: %w", err)
		}
	}

	go inst.waitRemote()
	return inst, nil
}

// client multiplexes RPC replies by sequence number and collects passed
// descriptors.
type client struct {
	cmd    *exec.Cmd
	conn   *vzrpc.Conn
	fdConn *net.UnixConn
	log    *logrus.Entry

	seq atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan *vzrpc.Reply
	fds     map[uint64]*os.File
	dead    error
}

func spawnDaemon(ctx context.Context, bin string) (*client, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, os.NewSyscallError("socketpair", err)
	}
	parentSock := os.NewFile(uintptr(fds[0]), "vzd-fd-parent")
	childSock := os.NewFile(uintptr(fds[1]), "vzd-fd-child")

	cmd := exec.CommandContext(ctx, bin)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		parentSock.Close()
		childSock.Close()
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		parentSock.Close()
		childSock.Close()
		return nil, err
	}
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{childSock} // fd 3 in the daemon

	if err := cmd.Start(); err != nil {
		parentSock.Close()
		childSock.Close()
		return nil, fmt.Errorf("spawn %s: %w", bin, err)
	}
	childSock.Close()

	fc, err := net.FileConn(parentSock)
	parentSock.Close()
	if err != nil {
		cmd.Process.Kill()
		return nil, fmt.Errorf("wrap fd socket: %w", err)
	}

	cl := &client{
		cmd:     cmd,
		conn:    vzrpc.NewConn(stdout, stdin),
		fdConn:  fc.(*net.UnixConn),
		log:     logrus.WithField("subsys", "vzsub"),
		pending: make(map[uint64]chan *vzrpc.Reply),
		fds:     make(map[uint64]*os.File),
	}
	go cl.readLoop()
	go cl.fdLoop()
	return cl, nil
}

func (c *client) nextSeq() uint64 { return c.seq.Add(1) }

func (c *client) call(req *vzrpc.Request) (*vzrpc.Reply, error) {
	ch := make(chan *vzrpc.Reply, 1)
	c.mu.Lock()
	if c.dead != nil {
		err := c.dead
		c.mu.Unlock()
		return nil, err
	}
	c.pending[req.Seq] = ch
	c.mu.Unlock()

	if err := c.conn.SendRequest(req); err != nil {
		c.mu.Lock()
		delete(c.pending, req.Seq)
		c.mu.Unlock()
		return nil, err
	}
	rep, ok := <-ch
	if !ok {
		return nil, fmt.Errorf("daemon exited before replying to %s", req.Kind)
	}
	return rep, nil
}

func (c *client) readLoop() {
	for {
		rep, err := c.conn.RecvReply()
		if err != nil {
			c.mu.Lock()
			c.dead = fmt.Errorf("daemon connection lost: %w", err)
			for _, ch := range c.pending {
				close(ch)
			}
			c.pending = make(map[uint64]chan *vzrpc.Reply)
			c.mu.Unlock()
			return
		}
		c.mu.Lock()
		ch := c.pending[rep.Seq]
		delete(c.pending, rep.Seq)
		c.mu.Unlock()
		if ch != nil {
			ch <- rep
		}
	}
}

func (c *client) fdLoop() {
	for {
		seq, _, f, err := vzrpc.RecvFD(c.fdConn)
		if err != nil {
			return
		}
		c.mu.Lock()
		c.fds[seq] = f
		c.mu.Unlock()
	}
}

// takeFD claims the descriptor the daemon sent for seq.
func (c *client) takeFD(seq uint64) (*os.File, error) {
	// The fd races the pipe reply by one scheduler hop at most; poll
	// briefly rather than building an ordering protocol.
	for i := 0; i < 100; i++ {
		c.mu.Lock()
		f := c.fds[seq]
		delete(c.fds, seq)
		dead := c.dead
		c.mu.Unlock()
		if f != nil {
			return f, nil
		}
		if dead != nil {
			return nil, dead
		}
		unix.Nanosleep(&unix.Timespec{Nsec: 10_000_000}, nil)
	}
	return nil, fmt.Errorf("descriptor for request %d never arrived", seq)
}

func (c *client) close() {
	c.fdConn.Close()
	if c.cmd.Process != nil {
		c.cmd.Process.Kill()
	}
	c.cmd.Wait()
}

type instance struct {
	cfg      *backend.Config
	client   *client
	id       uint32
	console  *os.File
	netStack *capsanet.Stack

	once sync.Once
	done chan struct{}
	exit backend.ExitStatus
	err  error
}

func (inst *instance) waitRemote() {
	rep, err := inst.client.call(&vzrpc.Request{Seq: inst.client.nextSeq(), Kind: vzrpc.KindWait, ID: inst.id})
	if err != nil {
		inst.finish(backend.ExitStatus{}, err)
		return
	}
	if rep.Err != "" {
		inst.finish(backend.ExitStatus{}, fmt.Errorf("%s", rep.Err))
		return
	}
	inst.finish(backend.ExitStatus{Code: rep.ExitCode, HasCode: rep.HasCode}, nil)
}

func (inst *instance) finish(exit backend.ExitStatus, err error) {
	inst.once.Do(func() {
		inst.exit = exit
		inst.err = err
		close(inst.done)
	})
}

func (inst *instance) shutdownClient() {
	if inst.netStack != nil {
		inst.netStack.Close()
		inst.netStack = nil
	}
	inst.client.close()
}

func (inst *instance) Shutdown(ctx context.Context) error {
	rep, err := inst.client.call(&vzrpc.Request{Seq: inst.client.nextSeq(), Kind: vzrpc.KindStop, ID: inst.id})
	if err != nil {
		return err
	}
	if rep.Err != "" {
		return fmt.Errorf("%s", rep.Err)
	}
	return nil
}

func (inst *instance) Kill() error {
	rep, err := inst.client.call(&vzrpc.Request{Seq: inst.client.nextSeq(), Kind: vzrpc.KindKill, ID: inst.id})
	if err == nil && rep.Err != "" {
		err = fmt.Errorf("%s", rep.Err)
	}
	inst.finish(backend.ExitStatus{}, nil)
	if inst.console != nil {
		inst.console.Close()
		inst.console = nil
	}
	inst.shutdownClient()
	if inst.cfg.WorkDir != "" {
		os.RemoveAll(inst.cfg.WorkDir)
	}
	return err
}

func (inst *instance) Wait(ctx context.Context) (backend.ExitStatus, error) {
	select {
	case <-ctx.Done():
		return backend.ExitStatus{}, ctx.Err()
	case <-inst.done:
		return inst.exit, inst.err
	}
}

func (inst *instance) ConsoleFile() (*os.File, error) {
	if inst.console == nil {
		return nil, backend.ErrConsoleNotEnabled
	}
	return inst.console, nil
}
