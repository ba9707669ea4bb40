package capsa

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/luizribeiro/capsa/capsanet"
	"github.com/luizribeiro/capsa/internal/backend"
)

func capsanetConfigWithSubnet(subnet string) capsanet.Config {
	return capsanet.Config{Subnet: subnet}
}

// fakeBackend drives the handle state machine without a hypervisor.
type fakeBackend struct {
	cmdlineDefaults string
	rootDevice      string
	startErr        error

	mu        sync.Mutex
	instances []*fakeInstance
}

func (f *fakeBackend) Name() string       { return "fake" }
func (f *fakeBackend) IsAvailable() error { return nil }

func (f *fakeBackend) Capabilities() backend.Capabilities {
	return backend.Capabilities{Name: "fake", DirectBoot: true, UserNAT: true, Vsock: true}
}

func (f *fakeBackend) CmdlineDefaults() string { return f.cmdlineDefaults }

func (f *fakeBackend) DefaultRootDevice() string {
	if f.rootDevice == "" {
		return "/dev/vda"
	}
	return f.rootDevice
}

func (f *fakeBackend) Start(ctx context.Context, cfg *backend.Config) (backend.Instance, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	inst := &fakeInstance{cfg: cfg, done: make(chan struct{})}
	f.mu.Lock()
	f.instances = append(f.instances, inst)
	f.mu.Unlock()
	return inst, nil
}

type fakeInstance struct {
	cfg *backend.Config

	mu        sync.Mutex
	killed    int
	shutdowns int
	exit      backend.ExitStatus
	done      chan struct{}
	closed    bool
}

func (i *fakeInstance) Shutdown(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.shutdowns++
	return nil
}

// finishGuest simulates the guest exiting on its own.
func (i *fakeInstance) finishGuest(code int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return
	}
	i.closed = true
	i.exit = backend.ExitStatus{Code: code, HasCode: true}
	close(i.done)
}

func (i *fakeInstance) Kill() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.killed++
	if !i.closed {
		i.closed = true
		close(i.done)
	}
	return nil
}

func (i *fakeInstance) Wait(ctx context.Context) (backend.ExitStatus, error) {
	select {
	case <-ctx.Done():
		return backend.ExitStatus{}, ctx.Err()
	case <-i.done:
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.exit, nil
}

func (i *fakeInstance) ConsoleFile() (*os.File, error) {
	return nil, backend.ErrConsoleNotEnabled
}

func newFakeHandle(t *testing.T, bk *fakeBackend) *VmHandle {
	t.Helper()
	cfg := &backend.Config{
		KernelPath: "/boot/vmlinuz",
		VCPUs:      1,
		MemoryMiB:  128,
		WorkDir:    t.TempDir(),
	}
	return newHandle("test-vm", bk, cfg)
}

func TestHandle_StartOnlyFromCreated(t *testing.T) {
	bk := &fakeBackend{}
	h := newFakeHandle(t, bk)

	if got := h.Status(); got != StateCreated {
		t.Fatalf("initial state = %v, want created", got)
	}
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := h.Status(); got != StateRunning {
		t.Fatalf("state after start = %v, want running", got)
	}
	if err := h.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start = %v, want already-running", err)
	}
}

func TestHandle_StartFailureIsTerminal(t *testing.T) {
	bk := &fakeBackend{startErr: errors.New("no cpu features")}
	h := newFakeHandle(t, bk)

	if err := h.Start(context.Background()); !errors.Is(err, ErrStartFailed) {
		t.Fatalf("Start = %v, want start-failed", err)
	}
	if got := h.Status(); got != StateFailed {
		t.Errorf("state = %v, want failed", got)
	}
	// Wait returns immediately in a terminal state.
	if _, err := h.Wait(context.Background()); err == nil {
		t.Error("Wait on failed handle returned no error")
	}
}

func TestHandle_GuestExitObserved(t *testing.T) {
	bk := &fakeBackend{}
	h := newFakeHandle(t, bk)
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	bk.instances[0].finishGuest(0)

	exit, err := h.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !exit.HasCode || exit.Code != 0 {
		t.Errorf("exit = %+v, want code 0", exit)
	}
	if got := h.Status(); got != StateStopped {
		t.Errorf("state = %v, want stopped", got)
	}
}

func TestHandle_KillIdempotent(t *testing.T) {
	bk := &fakeBackend{}
	h := newFakeHandle(t, bk)
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := h.Kill(); err != nil {
		t.Fatalf("first Kill: %v", err)
	}
	if err := h.Kill(); err != nil {
		t.Fatalf("second Kill: %v", err)
	}
	if got := h.Status(); !got.Terminal() {
		t.Errorf("state after kill = %v, want terminal", got)
	}
}

func TestHandle_StopEscalatesToKill(t *testing.T) {
	bk := &fakeBackend{}
	cfg := &backend.Config{KernelPath: "/k", VCPUs: 1, MemoryMiB: 64, Timeout: 50 * time.Millisecond, WorkDir: t.TempDir()}
	h := newHandle("vm", bk, cfg)
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// The fake guest ignores the shutdown request; Stop must escalate.
	if err := h.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	inst := bk.instances[0]
	inst.mu.Lock()
	shutdowns, killed := inst.shutdowns, inst.killed
	inst.mu.Unlock()
	if shutdowns != 1 {
		t.Errorf("shutdown requests = %d, want 1", shutdowns)
	}
	if killed == 0 {
		t.Error("Stop did not escalate to Kill after the grace period")
	}
}

func TestHandle_WaitTimeout(t *testing.T) {
	bk := &fakeBackend{}
	h := newFakeHandle(t, bk)
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Kill()

	if _, done := h.WaitTimeout(20 * time.Millisecond); done {
		t.Error("WaitTimeout reported a running VM as done")
	}
}

func TestHandle_ConsoleRequiresEnableAndRunning(t *testing.T) {
	bk := &fakeBackend{}
	h := newFakeHandle(t, bk)

	if _, err := h.Console(); !errors.Is(err, ErrConsoleNotEnabled) {
		t.Errorf("console on console-less config = %v", err)
	}

	h.cfg.Console = true
	if _, err := h.Console(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("console before start = %v, want not-running", err)
	}
}

func TestPool_ReserveAndReplace(t *testing.T) {
	bk := &fakeBackend{}
	cfg := &backend.Config{KernelPath: "/k", VCPUs: 1, MemoryMiB: 64}
	p := &Pool{
		bk:        bk,
		template:  cfg,
		log:       logrus.WithField("subsys", "pool"),
		size:      2,
		available: make(chan *VmHandle, 2),
	}
	for i := 0; i < 2; i++ {
		h, err := p.spawn(context.Background())
		if err != nil {
			t.Fatalf("spawn: %v", err)
		}
		p.available <- h
	}
	defer p.Close()

	a, err := p.Reserve(context.Background())
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	b, err := p.Reserve(context.Background())
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	if _, err := p.TryReserve(); !errors.Is(err, ErrPoolEmpty) {
		t.Errorf("TryReserve on drained pool = %v, want pool-empty", err)
	}

	released := a.Handle()
	a.Release()
	a.Release() // idempotent

	// The released VM dies and a distinct replacement appears.
	deadline := time.Now().Add(5 * time.Second)
	var c *PooledVm
	for time.Now().Before(deadline) {
		if c, err = p.TryReserve(); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if c == nil {
		t.Fatal("no replacement VM appeared")
	}
	if c.Handle() == released || c.Handle() == b.Handle() {
		t.Error("replacement is not a fresh VM")
	}
	if released.Status() != StateStopped {
		t.Errorf("released VM state = %v, want stopped", released.Status())
	}

	b.Release()
	c.Release()
}
