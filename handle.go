package capsa

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/luizribeiro/capsa/internal/backend"
)

// VmState is the lifecycle position of a handle.
//
//	Created → Starting → Running → (Stopping → Stopped) | Failed
//
// Stopped and Failed are terminal.
type VmState int32

const (
	StateCreated VmState = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
	StateFailed
)

func (s VmState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can happen.
func (s VmState) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

// ExitStatus reports how a VM ended.
type ExitStatus = backend.ExitStatus

// DefaultStopGrace is how long Stop waits for a graceful shutdown before
// escalating to Kill.
const DefaultStopGrace = 30 * time.Second

// VmHandle is the public lifecycle control for one VM.
type VmHandle struct {
	id  string
	cfg *backend.Config
	bk  backend.Backend
	log *logrus.Entry

	state atomic.Int32

	mu       sync.Mutex
	inst     backend.Instance
	exit     ExitStatus
	failMsg  string
	console  *Console
	grace    time.Duration
	killOnce sync.Once

	done chan struct{}
}

func newHandle(id string, bk backend.Backend, cfg *backend.Config) *VmHandle {
	grace := DefaultStopGrace
	if cfg.Timeout > 0 {
		grace = cfg.Timeout
	}
	return &VmHandle{
		id:    id,
		cfg:   cfg,
		bk:    bk,
		log:   logrus.WithFields(logrus.Fields{"subsys": "capsa", "vm": id}),
		grace: grace,
		done:  make(chan struct{}),
	}
}

// ID is the VM's unique identifier.
func (h *VmHandle) ID() string { return h.id }

// Status reads the current state without blocking.
func (h *VmHandle) Status() VmState {
	return VmState(h.state.Load())
}

// Start launches the VM. Legal only from Created.
func (h *VmHandle) Start(ctx context.Context) error {
	if !h.state.CompareAndSwap(int32(StateCreated), int32(StateStarting)) {
		if h.Status() == StateRunning || h.Status() == StateStarting {
			return ErrAlreadyRunning
		}
		return &Error{Kind: KindStartFailed, Detail: "start from state " + h.Status().String()}
	}

	if h.cfg.WorkDir == "" {
		dir, err := backend.NewWorkDir()
		if err != nil {
			h.state.Store(int32(StateFailed))
			close(h.done)
			return &Error{Kind: KindStartFailed, Detail: "create work dir", Cause: err}
		}
		if err := backend.LockWorkDir(dir); err != nil {
			h.state.Store(int32(StateFailed))
			close(h.done)
			return &Error{Kind: KindStartFailed, Detail: "lock work dir", Cause: err}
		}
		h.cfg.WorkDir = dir
	}

	inst, err := h.bk.Start(ctx, h.cfg)
	if err != nil {
		h.mu.Lock()
		h.failMsg = err.Error()
		h.mu.Unlock()
		h.state.Store(int32(StateFailed))
		close(h.done)
		return &Error{Kind: KindStartFailed, Cause: err}
	}

	h.mu.Lock()
	h.inst = inst
	h.mu.Unlock()
	h.state.Store(int32(StateRunning))
	h.log.WithField("backend", h.bk.Name()).Info("vm running")

	go h.watch()
	return nil
}

// watch waits for the backend instance to reach a terminal state and
// mirrors it into the handle.
func (h *VmHandle) watch() {
	h.mu.Lock()
	inst := h.inst
	h.mu.Unlock()

	exit, err := inst.Wait(context.Background())
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.Status().Terminal() {
		return
	}
	h.exit = exit
	if err != nil {
		h.failMsg = err.Error()
		h.state.Store(int32(StateFailed))
		h.log.WithField("error", err).Warn("vm failed")
	} else {
		h.state.Store(int32(StateStopped))
		h.log.Info("vm stopped")
	}
	close(h.done)
}

// Stop requests a graceful shutdown (a power-button-like event), waits the
// grace period, then escalates to Kill. A grace-period timeout is not an
// error.
func (h *VmHandle) Stop(ctx context.Context) error {
	if h.Status() != StateRunning {
		return ErrNotRunning
	}
	h.state.Store(int32(StateStopping))

	h.mu.Lock()
	inst := h.inst
	grace := h.grace
	h.mu.Unlock()

	if err := inst.Shutdown(ctx); err != nil {
		h.log.WithField("error", err).Debug("graceful shutdown request failed, killing")
		return h.Kill()
	}

	select {
	case <-h.done:
		return nil
	case <-time.After(grace):
		h.log.Info("graceful shutdown timed out, escalating to kill")
		return h.Kill()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Kill stops the VM unconditionally. Idempotent; returns only after the
// backend released every resource.
func (h *VmHandle) Kill() error {
	var err error
	h.killOnce.Do(func() {
		h.mu.Lock()
		inst := h.inst
		h.mu.Unlock()
		if inst != nil {
			err = inst.Kill()
		}

		h.mu.Lock()
		defer h.mu.Unlock()
		if !h.Status().Terminal() {
			h.state.Store(int32(StateStopped))
			close(h.done)
		}
	})
	return err
}

// Wait blocks until the VM reaches a terminal state. In a terminal state
// it returns immediately.
func (h *VmHandle) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.Status() == StateFailed {
		return h.exit, &Error{Kind: KindStartFailed, Detail: h.failMsg}
	}
	return h.exit, nil
}

// WaitTimeout is Wait bounded by d; it returns a zero ExitStatus and false
// when the VM is still running at the deadline.
func (h *VmHandle) WaitTimeout(d time.Duration) (ExitStatus, bool) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.exit, true
	case <-time.After(d):
		return ExitStatus{}, false
	}
}

// Console returns the automation interface over the serial console. Legal
// from Running, and only when the console was enabled at build time.
func (h *VmHandle) Console() (*Console, error) {
	if !h.cfg.Console {
		return nil, ErrConsoleNotEnabled
	}
	if h.Status() != StateRunning {
		return nil, ErrNotRunning
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.console != nil {
		return h.console, nil
	}
	f, err := h.inst.ConsoleFile()
	if err != nil {
		return nil, err
	}
	con, err := newConsole(f)
	if err != nil {
		return nil, err
	}
	h.console = con
	return con, nil
}

// failure returns the recorded failure message, if any.
func (h *VmHandle) failure() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.failMsg
}
