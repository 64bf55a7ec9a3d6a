package ults

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/mochi-hpc/thallium-go/errs"
)

// AccessPolicy governs which producers/consumers may operate concurrently
// on a Pool without external locking (spec section 4.6). The backends
// are mutex-guarded, so concurrent use is safe under every policy; the
// policies that declare a single producer or consumer (SPSC, SPMC, MPSC)
// are additionally checked with a semaphore, and a Push or Pop that
// overlaps another on the single side is rejected rather than queued.
type AccessPolicy int

const (
	AccessPrivate AccessPolicy = iota
	AccessSPSC
	AccessMPSC
	AccessSPMC
	AccessMPMC
)

// Backend is the twelve-ish method plug-in surface spec section 4.6 and
// the design notes describe for custom pools, trimmed to the operations
// that matter once creation/teardown of units is handled by Unit itself:
// push, pop, remove, and size. A generic adapter (Pool) bridges any
// Backend to the AccessPolicy/ref-counting contract.
type Backend interface {
	Push(u *Unit) error
	Pop() (*Unit, bool)
	Remove(u *Unit) bool
	Size() int
}

// Pool is a ref-counted queue of runnable work units. It wraps a Backend
// (FIFO by default) and enforces AccessPolicy with a weighted semaphore,
// mirroring the teacher's transport.ConnPool in spirit (a bounded queue
// guarding concurrent access) even though the backend storage here is a
// mutex-guarded slice rather than a buffered channel, since units must
// support removal by value, which a channel cannot offer.
type Pool struct {
	name    string
	policy  AccessPolicy
	backend Backend

	refCount  atomic.Int32
	totalSize atomic.Int64 // units pushed and not yet popped or removed

	prodSem *semaphore.Weighted
	consSem *semaphore.Weighted
}

func policySemaphores(policy AccessPolicy) (prod, cons *semaphore.Weighted) {
	switch policy {
	case AccessSPSC:
		return semaphore.NewWeighted(1), semaphore.NewWeighted(1)
	case AccessSPMC:
		return semaphore.NewWeighted(1), nil
	case AccessMPSC:
		return nil, semaphore.NewWeighted(1)
	default:
		return nil, nil
	}
}

// NewPool creates a FIFO pool with the given access policy.
func NewPool(name string, policy AccessPolicy) *Pool {
	return NewCustomPool(name, policy, newFIFOBackend())
}

// NewPriorityPool creates a pool that pops the highest-Priority unit first.
func NewPriorityPool(name string, policy AccessPolicy) *Pool {
	return NewCustomPool(name, policy, newPriorityBackend())
}

// NewCustomPool adapts a user-supplied Backend, the pluggable-pool
// mechanism described in spec section 4.6 and the design notes.
func NewCustomPool(name string, policy AccessPolicy, backend Backend) *Pool {
	p := &Pool{name: name, policy: policy, backend: backend}
	p.prodSem, p.consSem = policySemaphores(policy)
	p.refCount.Store(1)
	return p
}

func (p *Pool) Name() string         { return p.name }
func (p *Pool) Policy() AccessPolicy { return p.policy }

// Push enqueues a work unit. If the access policy declares a single
// producer and another push is already in flight, it fails with
// ThreadingFault instead of waiting.
func (p *Pool) Push(u *Unit) error {
	if p.prodSem != nil {
		if !p.prodSem.TryAcquire(1) {
			return errs.ThreadingFault("Pool.Push", "access_policy_violation", nil)
		}
		defer p.prodSem.Release(1)
	}
	u.setState(StatePending)
	p.totalSize.Add(1)
	return p.backend.Push(u)
}

// Pop removes and returns the next runnable unit, or (nil, false) if the
// pool is currently empty or, under a single-consumer policy, another
// pop is already in flight.
func (p *Pool) Pop() (*Unit, bool) {
	if p.consSem != nil {
		if !p.consSem.TryAcquire(1) {
			return nil, false
		}
		defer p.consSem.Release(1)
	}
	u, ok := p.backend.Pop()
	if ok {
		if u.migratedTo != nil && u.migratedTo != p {
			dst := u.migratedTo
			u.migratedTo = nil
			_ = dst.Push(u)
			p.totalSize.Add(-1)
			return p.Pop()
		}
		p.totalSize.Add(-1)
	}
	return u, ok
}

// Remove drops u from the pool before it has been popped and started.
func (p *Pool) Remove(u *Unit) bool {
	if p.backend.Remove(u) {
		p.totalSize.Add(-1)
		return true
	}
	return false
}

// Size returns the number of units currently queued (not yet popped).
func (p *Pool) Size() int { return p.backend.Size() }

// TotalSize counts units pushed onto this pool and not yet popped or
// removed. Units that have been popped are not counted, whether they are
// running or blocked, and a unit redirected by a pending migration is
// counted on its destination pool only.
func (p *Pool) TotalSize() int64 { return p.totalSize.Load() }

// Spawn creates a ULT running fn and pushes it onto this pool.
func (p *Pool) Spawn(ctx context.Context, name string, fn func(context.Context)) (*Unit, error) {
	if name == "" {
		name = nextAnonName(KindULT)
	}
	u := NewULT(name, fn)
	if err := p.Push(u); err != nil {
		return nil, err
	}
	return u, nil
}

// SpawnTasklet creates a tasklet running fn and pushes it onto this pool.
func (p *Pool) SpawnTasklet(name string, fn func(context.Context)) (*Unit, error) {
	if name == "" {
		name = nextAnonName(KindTasklet)
	}
	u := NewTasklet(name, fn)
	if err := p.Push(u); err != nil {
		return nil, err
	}
	return u, nil
}

// IncRef and DecRef implement the ref-counted handle discipline spec
// section 4 describes for pools.
func (p *Pool) IncRef() { p.refCount.Add(1) }

// DecRef releases a reference; the pool is logically freed once it drops
// to zero (callers stop using it, there is nothing further to reclaim in
// a garbage-collected runtime).
func (p *Pool) DecRef() int32 { return p.refCount.Add(-1) }

// --- FIFO backend, grounded on the teacher's transport.ConnPool idea of a
// mutex-guarded queue, generalized to support arbitrary removal. ---

type fifoBackend struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items []*Unit
	closed bool
}

func newFIFOBackend() *fifoBackend {
	b := &fifoBackend{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *fifoBackend) Push(u *Unit) error {
	b.mu.Lock()
	b.items = append(b.items, u)
	b.mu.Unlock()
	b.cond.Signal()
	return nil
}

func (b *fifoBackend) Pop() (*Unit, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == 0 {
		return nil, false
	}
	u := b.items[0]
	b.items = b.items[1:]
	return u, true
}

// PopWait blocks until a unit is available or the backend is closed,
// backing the basic_wait scheduler variant of spec section 4.6.
func (b *fifoBackend) PopWait() (*Unit, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.items) == 0 && !b.closed {
		b.cond.Wait()
	}
	if len(b.items) == 0 {
		return nil, false
	}
	u := b.items[0]
	b.items = b.items[1:]
	return u, true
}

func (b *fifoBackend) Remove(u *Unit) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, it := range b.items {
		if it == u {
			b.items = append(b.items[:i], b.items[i+1:]...)
			return true
		}
	}
	return false
}

func (b *fifoBackend) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

func (b *fifoBackend) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.cond.Broadcast()
}

// --- Priority backend: pops the highest-Priority unit first. ---

type priorityBackend struct {
	mu    sync.Mutex
	items []*Unit
}

func newPriorityBackend() *priorityBackend { return &priorityBackend{} }

func (b *priorityBackend) Push(u *Unit) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(b.items, u)
	sort.SliceStable(b.items, func(i, j int) bool { return b.items[i].Priority > b.items[j].Priority })
	return nil
}

func (b *priorityBackend) Pop() (*Unit, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == 0 {
		return nil, false
	}
	u := b.items[0]
	b.items = b.items[1:]
	return u, true
}

func (b *priorityBackend) Remove(u *Unit) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, it := range b.items {
		if it == u {
			b.items = append(b.items[:i], b.items[i+1:]...)
			return true
		}
	}
	return false
}

func (b *priorityBackend) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}
