package capsa

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/luizribeiro/capsa/internal/backend"
)

// Pool is a fixed-cardinality reservoir of pre-warmed, identical VMs.
// Reserving hands out a PooledVm; releasing one kills its VM and spawns a
// replacement asynchronously so the reservoir stays full.
type Pool struct {
	bk       backend.Backend
	template *backend.Config
	log      *logrus.Entry

	size      int
	available chan *VmHandle

	mu       sync.Mutex
	live     int // spawned VMs, reserved or available
	shutdown bool
}

// NewPool validates the builder's configuration as a pool template and
// eagerly spawns n VMs. Pool templates may not attach additional writable
// disks.
func NewPool(ctx context.Context, b *Builder, n int) (*Pool, error) {
	if n <= 0 {
		return nil, invalidConfigf("pool size must be positive, got %d", n)
	}
	bk, template, err := b.resolve(true)
	if err != nil {
		return nil, err
	}

	p := &Pool{
		bk:        bk,
		template:  template,
		log:       logrus.WithField("subsys", "pool"),
		size:      n,
		available: make(chan *VmHandle, n),
	}

	// Warm the reservoir concurrently; one failed spawn fails the pool.
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			h, err := p.spawn(ctx)
			if err != nil {
				return err
			}
			p.available <- h
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// spawn starts one VM from the cloned template.
func (p *Pool) spawn(ctx context.Context) (*VmHandle, error) {
	cfg := *p.template
	cfg.WorkDir = "" // each VM gets its own scratch directory
	h := newHandle(uuid.NewString(), p.bk, &cfg)
	if err := h.Start(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.live++
	p.mu.Unlock()
	return h, nil
}

// Size is the pool's configured cardinality.
func (p *Pool) Size() int { return p.size }

// Reserve takes a pre-warmed VM, waiting for one if all are out.
func (p *Pool) Reserve(ctx context.Context) (*PooledVm, error) {
	select {
	case h, ok := <-p.available:
		if !ok {
			return nil, ErrPoolEmpty
		}
		return &PooledVm{pool: p, handle: h}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryReserve returns immediately: a VM, or ErrPoolEmpty when none is
// warm right now.
func (p *Pool) TryReserve() (*PooledVm, error) {
	select {
	case h, ok := <-p.available:
		if !ok {
			return nil, ErrPoolEmpty
		}
		return &PooledVm{pool: p, handle: h}, nil
	default:
		return nil, ErrPoolEmpty
	}
}

// release kills the returned VM and replaces it in the background. A
// respawn failure shrinks the pool and is logged; it never surfaces to the
// releasing caller.
func (p *Pool) release(h *VmHandle) {
	go func() {
		_ = h.Kill()

		p.mu.Lock()
		p.live--
		dead := p.shutdown
		p.mu.Unlock()
		if dead {
			return
		}

		replacement, err := p.spawn(context.Background())
		if err != nil {
			p.log.WithField("error", err).Warn("pool replacement failed; cardinality reduced")
			return
		}

		p.mu.Lock()
		dead = p.shutdown
		p.mu.Unlock()
		if dead {
			_ = replacement.Kill()
			return
		}
		select {
		case p.available <- replacement:
		default:
			// The pool shrank or closed while we were spawning.
			_ = replacement.Kill()
		}
	}()
}

// Close kills every VM and shuts the pool down. Reserved VMs are killed
// when their PooledVm is released.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	p.shutdown = true
	p.mu.Unlock()

	close(p.available)
	for h := range p.available {
		_ = h.Kill()
	}
}

// PooledVm wraps a reserved handle. Releasing it always kills the VM —
// pooled VMs are single-use.
type PooledVm struct {
	pool   *Pool
	handle *VmHandle

	once sync.Once
}

// Handle exposes the underlying VM.
func (pv *PooledVm) Handle() *VmHandle { return pv.handle }

// Console forwards to the underlying handle.
func (pv *PooledVm) Console() (*Console, error) { return pv.handle.Console() }

// Release kills the VM and schedules a replacement. Idempotent.
func (pv *PooledVm) Release() {
	pv.once.Do(func() {
		pv.pool.release(pv.handle)
	})
}

// Close is Release, satisfying io.Closer-style cleanup.
func (pv *PooledVm) Close() error {
	pv.Release()
	return nil
}
