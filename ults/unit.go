// Package ults implements the cooperative concurrency substrate described in
// spec section 4.6: ULTs, tasklets, pools, schedulers, and execution
// streams.
//
// Go has no stackful-coroutine primitive to bind to the way Argobots gives
// the original C++ runtime one; this package instead realizes the same
// contract — "ULT suspension never blocks the OS thread" — on top of Go's
// own M:N goroutine scheduler, which already guarantees it. A ULT is a
// pending closure queued on a Pool until a Scheduler pops it and starts it
// as a goroutine; a Tasklet is the same but runs to completion inline on
// the xstream that popped it, never becoming its own goroutine, matching
// "runs straight through to completion; cannot suspend."
//
// Migration (spec: "migrate_to requests an asynchronous migration; honored
// the next time a scheduler picks up the unit") is therefore only
// meaningful before a unit starts running: once a ULT's goroutine is live,
// reassigning its pool has no effect on an in-flight goroutine, so
// MigrateTo only takes effect for a unit still sitting in a pool.
package ults

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/mochi-hpc/thallium-go/errs"
)

// Kind distinguishes a stackful ULT from a stackless tasklet.
type Kind int

const (
	KindULT Kind = iota
	KindTasklet
)

// State tracks a unit's lifecycle for TotalSize() accounting.
type State int32

const (
	StatePending State = iota
	StateRunning
	StateBlocked
	StateDone
)

// Unit is one schedulable work item: either a ULT (its own goroutine, may
// suspend) or a tasklet (runs inline, may not suspend).
type Unit struct {
	kind Kind
	fn   func(ctx context.Context)
	name string

	mu        sync.Mutex
	state     State
	migratedTo *Pool
	done      chan struct{}
	cancel    context.CancelFunc
	migratable bool
	joined    bool

	// Priority orders units within a priority Pool; higher runs first.
	Priority int
}

// NewULT creates a stackful work unit. fn receives a context that is
// cancelled when Cancel is called; a well-behaved handler checks
// ctx.Err() at its own suspension points, mirroring the "best-effort,
// honored at the next yield point" cancellation contract of spec section
// 5.
func NewULT(name string, fn func(ctx context.Context)) *Unit {
	return &Unit{kind: KindULT, fn: fn, name: name, done: make(chan struct{}), migratable: true}
}

// NewTasklet creates a stackless work unit that runs to completion without
// suspending once started.
func NewTasklet(name string, fn func(ctx context.Context)) *Unit {
	return &Unit{kind: KindTasklet, fn: fn, name: name, done: make(chan struct{})}
}

func (u *Unit) Kind() Kind { return u.kind }
func (u *Unit) Name() string { return u.name }

func (u *Unit) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

func (u *Unit) setState(s State) {
	u.mu.Lock()
	u.state = s
	u.mu.Unlock()
}

// SetMigratable toggles whether MigrateTo may reassign this unit before it
// starts running.
func (u *Unit) SetMigratable(m bool) {
	u.mu.Lock()
	u.migratable = m
	u.mu.Unlock()
}

// MigrateTo requests that, if this unit has not yet started, it be popped
// from its current pool and pushed onto dst instead. Returns
// ThreadingFault if the unit is not migratable or has already started.
func (u *Unit) MigrateTo(dst *Pool) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.migratable {
		return errs.ThreadingFault("Unit.MigrateTo", "not_migratable", nil)
	}
	if u.state != StatePending {
		return errs.ThreadingFault("Unit.MigrateTo", "already_started", nil)
	}
	u.migratedTo = dst
	return nil
}

// run executes the unit's function, either inline (tasklet) or in a fresh
// goroutine (ULT), and closes done on completion.
func (u *Unit) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	u.mu.Lock()
	if u.state == StateDone {
		// Cancelled while pending: done is already closed.
		u.mu.Unlock()
		cancel()
		return
	}
	u.cancel = cancel
	u.state = StateRunning
	u.mu.Unlock()

	exec := func() {
		defer close(u.done)
		defer u.setState(StateDone)
		defer cancel()
		u.fn(ctx)
	}

	if u.kind == KindTasklet {
		exec() // stackless: runs straight through on the calling xstream
		return
	}
	go exec()
}

// Cancel best-effort cancels a running or pending unit. Honored at the
// unit's next checked yield point (spec section 5); pending units that
// have not started simply never run.
func (u *Unit) Cancel() {
	u.mu.Lock()
	c := u.cancel
	wasPending := u.state == StatePending
	if wasPending {
		u.state = StateDone
	}
	u.mu.Unlock()
	if c != nil {
		c()
	}
	if wasPending {
		select {
		case <-u.done:
		default:
			close(u.done)
		}
	}
}

// Join blocks the caller until the unit completes. Anonymous units
// (spawned via Pool.Spawn without being retained) self-reap and need not
// be joined.
func (u *Unit) Join() {
	<-u.done
}

// Done reports whether the unit has finished running.
func (u *Unit) Done() bool {
	select {
	case <-u.done:
		return true
	default:
		return false
	}
}

var anonCounter int64

// nextAnonName produces a stable label for units created without one.
func nextAnonName(kind Kind) string {
	n := atomic.AddInt64(&anonCounter, 1)
	if kind == KindTasklet {
		return "tasklet-anon"
	}
	_ = n
	return "ult-anon"
}
