// Package sync2 implements the ULT-aware synchronization primitives of
// spec section 4.6: mutex, rwlock, condition variable, barrier, eventual,
// future, and timer. Every primitive here blocks the calling goroutine,
// never an OS thread, which is exactly the property spec section 5
// requires ("blocking a ULT never blocks the OS thread it happens to be
// running on") and exactly what Go's sync package already gives for free
// once ULTs are realized as goroutines (see package ults's doc comment).
//
// There is no ecosystem package that improves on the standard library for
// these primitives: they are thin, well-understood wrappers around
// sync.Mutex/sync.Cond, so building on them directly (rather than
// reaching for a third-party lock library) is the idiomatic choice.
package sync2

import (
	"context"
	"sync"
	"time"

	"github.com/mochi-hpc/thallium-go/errs"
)

// Mutex is a ULT-level mutual exclusion lock, optionally recursive
// Tracking the owning goroutine automatically isn't possible in Go
// without runtime hooks, so recursion is tracked by an explicit token
// the caller passes back in via LockAs/UnlockAs, rather than by
// inspecting the calling goroutine.
type Mutex struct {
	mu     sync.Mutex
	gate   sync.Mutex // guards holder/depth bookkeeping for LockAs/UnlockAs
	holder int64
	depth  int
}

// NewMutex creates a plain (non-recursive) mutex.
func NewMutex() *Mutex { return &Mutex{} }

// NewRecursiveMutex creates a mutex whose LockAs/UnlockAs pair accepts a
// caller-supplied token so the same logical owner may re-enter.
func NewRecursiveMutex() *Mutex { return &Mutex{} }

// Lock blocks until the mutex is free, then acquires it. Plain (non-
// recursive) use only; a recursive Mutex must use LockAs/UnlockAs.
func (m *Mutex) Lock() { m.mu.Lock() }

// TryLock attempts to acquire the mutex without blocking.
func (m *Mutex) TryLock() bool { return m.mu.TryLock() }

// Unlock releases the mutex. Unlocking a mutex not held by the caller is
// a programming error, exactly as with sync.Mutex.
func (m *Mutex) Unlock() { m.mu.Unlock() }

// LockAs acquires a recursive mutex on behalf of token, the caller's own
// notion of logical owner identity (a request id, a ULT handle, etc).
// Re-entering with the same token that already holds the lock succeeds
// immediately instead of deadlocking.
func (m *Mutex) LockAs(token int64) {
	m.gate.Lock()
	if m.depth > 0 && m.holder == token {
		m.depth++
		m.gate.Unlock()
		return
	}
	m.gate.Unlock()

	m.mu.Lock()
	m.gate.Lock()
	m.holder = token
	m.depth = 1
	m.gate.Unlock()
}

// UnlockAs releases one level of recursion acquired by LockAs(token).
// Returns ThreadingFault if token does not currently hold the lock.
func (m *Mutex) UnlockAs(token int64) error {
	m.gate.Lock()
	if m.depth == 0 || m.holder != token {
		m.gate.Unlock()
		return errs.ThreadingFault("Mutex.UnlockAs", "not_holder", nil)
	}
	m.depth--
	last := m.depth == 0
	m.gate.Unlock()
	if last {
		m.mu.Unlock()
	}
	return nil
}

// Rwlock is a ULT-level reader/writer lock (spec: "rdlock/wrlock/unlock").
type Rwlock struct {
	mu sync.RWMutex
}

func NewRwlock() *Rwlock { return &Rwlock{} }

func (l *Rwlock) RLock()   { l.mu.RLock() }
func (l *Rwlock) RUnlock() { l.mu.RUnlock() }
func (l *Rwlock) WLock()   { l.mu.Lock() }
func (l *Rwlock) WUnlock() { l.mu.Unlock() }

// TryRLock and TryWLock attempt to acquire without blocking.
func (l *Rwlock) TryRLock() bool { return l.mu.TryRLock() }
func (l *Rwlock) TryWLock() bool { return l.mu.TryLock() }

// Cond is a condition variable bound to an external Mutex, mirroring
// spec's "wait/wait_until/wait(lock, predicate)/notify_one/notify_all".
type Cond struct {
	mu   *sync.Mutex
	cond *sync.Cond
}

// NewCond binds a condition variable to m's inner lock so callers can
// still Lock/Unlock m directly around the critical section.
func NewCond(m *Mutex) *Cond {
	c := &Cond{mu: &m.mu}
	c.cond = sync.NewCond(c.mu)
	return c
}

// Wait releases the bound mutex and blocks until Notify{One,All} is
// called, then reacquires it. The caller must hold the mutex.
func (c *Cond) Wait() { c.cond.Wait() }

// WaitPredicate loops Wait until pred reports true, the standard
// defense against spurious wakeups.
func (c *Cond) WaitPredicate(pred func() bool) {
	for !pred() {
		c.cond.Wait()
	}
}

// WaitUntil waits until either pred becomes true or deadline passes. It
// returns false on timeout. The caller must hold the bound mutex;
// WaitUntil release it while parked exactly like Wait.
func (c *Cond) WaitUntil(deadline time.Time, pred func() bool) bool {
	for !pred() {
		if !time.Now().Before(deadline) {
			return false
		}
		timer := time.AfterFunc(time.Until(deadline), func() { c.cond.Broadcast() })
		c.cond.Wait()
		timer.Stop()
	}
	return true
}

func (c *Cond) NotifyOne() { c.cond.Signal() }
func (c *Cond) NotifyAll() { c.cond.Broadcast() }

// Barrier blocks n ULTs until all n have called Wait, then releases them
// together (spec: "n waiters, wait(), reinit(n)").
type Barrier struct {
	mu      sync.Mutex
	cond    *sync.Cond
	n       int
	waiting int
	gen     int
}

func NewBarrier(n int) *Barrier {
	b := &Barrier{n: n}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Wait blocks until n callers have all called Wait, then releases every
// one of them in the same generation.
func (b *Barrier) Wait() {
	b.mu.Lock()
	defer b.mu.Unlock()
	gen := b.gen
	b.waiting++
	if b.waiting == b.n {
		b.waiting = 0
		b.gen++
		b.cond.Broadcast()
		return
	}
	for gen == b.gen {
		b.cond.Wait()
	}
}

// Reinit resets the barrier to wait for a new party size n, discarding
// any callers currently blocked in the prior generation's Wait. Spec
// section 4.6 leaves concurrent reinit-while-waiting undefined; this
// implementation's behavior in that case is likewise undefined beyond
// not deadlocking.
func (b *Barrier) Reinit(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.n = n
	b.waiting = 0
	b.gen++
	b.cond.Broadcast()
}

// Eventual is a single-shot, multi-reader value cell: set once, read any
// number of times (spec: "set/wait/test/reset").
type Eventual[T any] struct {
	mu   sync.Mutex
	cond *sync.Cond
	set  bool
	val  T
}

func NewEventual[T any]() *Eventual[T] {
	e := &Eventual[T]{}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Set stores val and wakes every blocked Wait. Setting an already-set
// eventual overwrites the value (the original allows re-set after
// reset; spec doesn't forbid set-before-reset either, so this mirrors
// that permissiveness rather than erroring).
func (e *Eventual[T]) Set(val T) {
	e.mu.Lock()
	e.val = val
	e.set = true
	e.mu.Unlock()
	e.cond.Broadcast()
}

// Wait blocks until Set has been called, then returns the value.
func (e *Eventual[T]) Wait(ctx context.Context) (T, error) {
	done := make(chan struct{})
	go func() {
		e.mu.Lock()
		for !e.set {
			e.cond.Wait()
		}
		e.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		e.mu.Lock()
		v := e.val
		e.mu.Unlock()
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, errs.Cancelled("Eventual.Wait")
	}
}

// Test reports whether Set has been called, without blocking.
func (e *Eventual[T]) Test() (T, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.val, e.set
}

// Reset clears the eventual so it can be Set again.
func (e *Eventual[T]) Reset() {
	e.mu.Lock()
	e.set = false
	var zero T
	e.val = zero
	e.mu.Unlock()
}

// Future is a multi-producer fan-in cell. Callers register via NewFuture
// with the number of contributions expected; each Set contributes one
// value via combine, and Wait blocks until all contributions have
// landed. An optional completion callback fires exactly once, the
// moment the last contribution arrives (spec: "future (multi-producer
// fan-in, optional completion callback)").
type Future[T any] struct {
	mu         sync.Mutex
	cond       *sync.Cond
	remaining  int
	val        T
	combine    func(acc T, contribution T) T
	onComplete func(T)
	done       bool
}

// NewFuture creates a future expecting n contributions, combined in
// arrival order via combine starting from the zero value of T.
func NewFuture[T any](n int, combine func(acc, contribution T) T, onComplete func(T)) *Future[T] {
	f := &Future[T]{remaining: n, combine: combine}
	f.cond = sync.NewCond(&f.mu)
	f.onComplete = onComplete
	return f
}

// Set contributes one value. The last contribution flips the future to
// done, wakes every blocked Wait, and fires the completion callback.
func (f *Future[T]) Set(v T) {
	f.mu.Lock()
	f.val = f.combine(f.val, v)
	f.remaining--
	complete := f.remaining <= 0
	if complete {
		f.done = true
	}
	result := f.val
	f.mu.Unlock()
	if complete {
		f.cond.Broadcast()
		if f.onComplete != nil {
			f.onComplete(result)
		}
	}
}

// Wait blocks until every expected contribution has been made.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	done := make(chan struct{})
	go func() {
		f.mu.Lock()
		for !f.done {
			f.cond.Wait()
		}
		f.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		f.mu.Lock()
		v := f.val
		f.mu.Unlock()
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, errs.Cancelled("Future.Wait")
	}
}

// Timer is a restartable interval stopwatch (spec: "start/stop/read").
type Timer struct {
	mu       sync.Mutex
	started  time.Time
	elapsed  time.Duration
	running  bool
}

func NewTimer() *Timer { return &Timer{} }

// Start begins (or resumes) accumulating elapsed time.
func (t *Timer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		t.started = Now()
		t.running = true
	}
}

// Stop pauses accumulation, folding the interval since Start into the
// running total.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		t.elapsed += Now().Sub(t.started)
		t.running = false
	}
}

// Read returns the accumulated elapsed time without affecting whether
// the timer is currently running.
func (t *Timer) Read() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return t.elapsed + Now().Sub(t.started)
	}
	return t.elapsed
}

// Now is a package-level indirection over time.Now so callers embedding
// sync2 in deterministic tests can substitute a fake clock; production
// code never needs to touch it.
var Now = time.Now

// Wtime returns the current wall-clock time in fractional seconds,
// matching the original runtime's thallium::timer::wtime() free
// function used outside any Timer instance.
func Wtime() float64 {
	return float64(Now().UnixNano()) / 1e9
}
