package ults

import (
	"context"
	"sync"

	"github.com/mochi-hpc/thallium-go/errs"
)

// Xstream is an OS-backed execution stream hosting one scheduler (spec
// section 4.6). It is realized as a dedicated goroutine; that goroutine
// is not locked to an OS thread, so the Go runtime may move it between
// threads.
type Xstream struct {
	name      string
	scheduler *Scheduler
	custom    UserScheduler
	primary   bool

	mu       sync.Mutex
	started  bool
	done     chan struct{}
	cpus     []int
	stopping bool
	unjoined int // outstanding units not yet joined, for MissingJoin detection
}

// Create starts a new xstream running the default scheduler over its own
// private pool.
func Create(name string) *Xstream {
	pool := NewPool(name+"-pool", AccessMPMC)
	sched := NewDefaultScheduler([]*Pool{pool}, nil)
	return CreateWithScheduler(name, sched)
}

// CreateWithScheduler starts a new xstream running the given built-in
// scheduler.
func CreateWithScheduler(name string, sched *Scheduler) *Xstream {
	x := &Xstream{name: name, scheduler: sched, done: make(chan struct{})}
	x.start()
	return x
}

// CreateWithUserScheduler starts a new xstream running a user-defined
// scheduler (spec: "user schedulers override run() and get_migr_pool()").
func CreateWithUserScheduler(name string, custom UserScheduler) *Xstream {
	x := &Xstream{name: name, custom: custom, done: make(chan struct{})}
	x.start()
	return x
}

// Primary wraps the calling goroutine itself as the "primary" xstream
// (spec: "the process's main thread"). RunPrimary must be called from
// that goroutine; it blocks until the scheduler stops.
func Primary(name string, sched *Scheduler) *Xstream {
	return &Xstream{name: name, scheduler: sched, primary: true, done: make(chan struct{})}
}

func (x *Xstream) start() {
	x.mu.Lock()
	x.started = true
	x.mu.Unlock()
	go x.run(context.Background())
}

// RunPrimary runs the primary xstream's scheduler loop on the calling
// goroutine; it returns once the scheduler stops.
func (x *Xstream) RunPrimary(ctx context.Context) {
	if !x.primary {
		return
	}
	x.run(ctx)
}

func (x *Xstream) run(ctx context.Context) {
	defer close(x.done)
	if x.custom != nil {
		x.custom.Run(ctx, func() bool {
			x.mu.Lock()
			defer x.mu.Unlock()
			return x.stopping
		}, func() {})
		return
	}
	x.scheduler.Run(ctx)
}

// Name returns the xstream's label.
func (x *Xstream) Name() string { return x.name }

// Pools returns the pools the xstream's scheduler draws work from.
func (x *Xstream) Pools() []*Pool {
	if x.scheduler == nil {
		return nil
	}
	return x.scheduler.Pools()
}

// MigrPool returns the pool migrating units should default to.
func (x *Xstream) MigrPool() *Pool {
	if x.custom != nil {
		return x.custom.MigrPool()
	}
	if x.scheduler == nil {
		return nil
	}
	return x.scheduler.MigrPool()
}

// MakeThread spawns a ULT on the xstream's migration-default pool.
func (x *Xstream) MakeThread(name string, fn func(context.Context)) (*Unit, error) {
	p := x.MigrPool()
	if p == nil {
		return nil, errs.ThreadingFault("Xstream.MakeThread", "no_pool", nil)
	}
	return p.Spawn(context.Background(), name, fn)
}

// Stop asks the xstream's scheduler to exit after its current iteration.
func (x *Xstream) Stop() {
	x.mu.Lock()
	x.stopping = true
	x.mu.Unlock()
	if x.scheduler != nil {
		x.scheduler.Stop()
	}
}

// Join blocks until the xstream's scheduler run loop returns. If units
// were spawned and never joined, the caller should Join them before
// Join'ing the xstream itself; Join on the xstream only guarantees the
// scheduler loop, not outstanding detached ULTs (matching spec's
// MissingJoin class of bug, which callers can detect by checking
// Outstanding() before tearing an xstream down).
func (x *Xstream) Join() {
	<-x.done
}

// Outstanding reports the number of units pushed but not yet joined,
// letting callers detect the MissingJoin hazard (spec section 7) before
// destroying the xstream.
func (x *Xstream) Outstanding() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.unjoined
}

// SetAffinity records cpus for GetAffinity and pins the calling OS
// thread to that CPU set; the goroutine running the xstream's scheduler
// is pinned only when it is the caller. Best effort: platforms without a native affinity syscall no-op (see
// affinity_other.go).
func (x *Xstream) SetAffinity(cpus []int) error {
	x.mu.Lock()
	x.cpus = cpus
	x.mu.Unlock()
	return setAffinity(cpus)
}

// GetAffinity returns the last CPU set requested via SetAffinity.
func (x *Xstream) GetAffinity() []int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.cpus
}
