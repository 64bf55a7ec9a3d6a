package ults

import (
	"context"
	"math/rand"
	"runtime"
	"sync/atomic"
	"time"
)

// PopStrategy selects the next runnable unit across a scheduler's pools.
// rr is strategy-private round-robin state threaded through by the caller.
type PopStrategy func(pools []*Pool, rr *int) (*Unit, bool)

// RoundRobinStrategy backs the "basic" predefined scheduler: it visits
// pools in order starting just after the last pool that yielded a unit.
func RoundRobinStrategy(pools []*Pool, rr *int) (*Unit, bool) {
	n := len(pools)
	if n == 0 {
		return nil, false
	}
	for i := 0; i < n; i++ {
		idx := (*rr + i) % n
		if u, ok := pools[idx].Pop(); ok {
			*rr = (idx + 1) % n
			return u, true
		}
	}
	return nil, false
}

// RandomWorkStealingStrategy backs the "random-work-stealing" predefined
// scheduler: it visits pools in a fresh random order every cycle so that
// an idle xstream is equally likely to steal from any busy pool.
func RandomWorkStealingStrategy(pools []*Pool, rr *int) (*Unit, bool) {
	n := len(pools)
	if n == 0 {
		return nil, false
	}
	for _, idx := range rand.Perm(n) {
		if u, ok := pools[idx].Pop(); ok {
			return u, true
		}
	}
	return nil, false
}

// UserScheduler is the override surface for a user-defined scheduler
// (spec section 4.6: "user schedulers override run and get_migr_pool").
type UserScheduler interface {
	// Run pops from its pools, executes, periodically calls checkEvents,
	// and exits once stop() returns true.
	Run(ctx context.Context, stop func() bool, checkEvents func())
	// MigrPool returns the pool migrating units default to.
	MigrPool() *Pool
}

// Scheduler is the built-in scheduler: an ordered list of pools and a run
// loop that pops work units, executes them, periodically checks events,
// and exits when asked.
type Scheduler struct {
	pools       []*Pool
	strategy    PopStrategy
	waitBackend *fifoBackend // set only for the basic_wait variant
	rr          int
	stopping    atomic.Bool
	checkEvents func()
	idleBackoff time.Duration
}

// NewScheduler builds a scheduler over pools using strategy to pick the
// next unit. checkEvents may be nil.
func NewScheduler(pools []*Pool, strategy PopStrategy, checkEvents func()) *Scheduler {
	if checkEvents == nil {
		checkEvents = func() {}
	}
	return &Scheduler{pools: pools, strategy: strategy, checkEvents: checkEvents, idleBackoff: time.Millisecond}
}

// NewDefaultScheduler and NewBasicScheduler both give FIFO, yielding
// behavior over the given pools (spec: "basic (FIFO, yielding)").
func NewDefaultScheduler(pools []*Pool, checkEvents func()) *Scheduler {
	return NewScheduler(pools, RoundRobinStrategy, checkEvents)
}

func NewBasicScheduler(pools []*Pool, checkEvents func()) *Scheduler {
	return NewScheduler(pools, RoundRobinStrategy, checkEvents)
}

// NewBasicWaitScheduler blocks on its first pool's backend when empty
// instead of busy-polling, per spec's "basic_wait (blocks on empty)". It
// requires the first pool to have been created with NewPool (a
// fifoBackend); a priority or custom-backend pool falls back to the
// polling behavior of NewBasicScheduler.
func NewBasicWaitScheduler(pools []*Pool, checkEvents func()) *Scheduler {
	s := NewScheduler(pools, RoundRobinStrategy, checkEvents)
	if len(pools) > 0 {
		if fb, ok := pools[0].backend.(*fifoBackend); ok {
			s.waitBackend = fb
		}
	}
	return s
}

// NewPriorityScheduler expects pools created with NewPriorityPool and
// otherwise behaves like the basic scheduler.
func NewPriorityScheduler(pools []*Pool, checkEvents func()) *Scheduler {
	return NewScheduler(pools, RoundRobinStrategy, checkEvents)
}

// NewRandomWorkStealingScheduler visits pools in random order each cycle.
func NewRandomWorkStealingScheduler(pools []*Pool, checkEvents func()) *Scheduler {
	return NewScheduler(pools, RandomWorkStealingStrategy, checkEvents)
}

// Pools returns the scheduler's pool list.
func (s *Scheduler) Pools() []*Pool { return s.pools }

// MigrPool returns the pool migrating units default to: the first pool in
// the scheduler's list.
func (s *Scheduler) MigrPool() *Pool {
	if len(s.pools) == 0 {
		return nil
	}
	return s.pools[0]
}

// HasToStop reports whether Stop has been called.
func (s *Scheduler) HasToStop() bool { return s.stopping.Load() }

// Stop asks the run loop to exit after its current iteration.
func (s *Scheduler) Stop() {
	s.stopping.Store(true)
	if s.waitBackend != nil {
		s.waitBackend.Close()
	}
}

// Run pops work units from the scheduler's pools, executes them, checks
// events, and exits once Stop has been called. It is the single xstream
// loop body; an Xstream created with Create or CreateWithScheduler runs
// it on its own goroutine.
func (s *Scheduler) Run(ctx context.Context) {
	for !s.stopping.Load() {
		var u *Unit
		var ok bool
		if s.waitBackend != nil {
			u, ok = s.waitBackend.PopWait()
			if !ok { // closed
				return
			}
		} else {
			u, ok = s.strategy(s.pools, &s.rr)
		}
		if !ok {
			s.checkEvents()
			runtime.Gosched()
			time.Sleep(s.idleBackoff)
			continue
		}
		u.run(ctx)
		s.checkEvents()
	}
}
