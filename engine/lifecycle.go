package engine

import (
	"golang.org/x/sync/errgroup"

	"github.com/mochi-hpc/thallium-go/bulk"
	"github.com/mochi-hpc/thallium-go/endpoint"
	"github.com/mochi-hpc/thallium-go/logging"
	"github.com/mochi-hpc/thallium-go/wireproto"
)

// PushPrefinalizeCallback appends f to the pre-finalize LIFO, optionally
// tagged with owner so it can later be popped by owner (spec section
// 4.1: "push_prefinalize_callback([owner,] f) ... append to a LIFO").
func (e *Engine) PushPrefinalizeCallback(owner string, f func()) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.prefinalizeStack = append(e.prefinalizeStack, callbackEntry{owner: owner, fn: f})
}

// PushFinalizeCallback appends f to the finalize LIFO, implementing
// provider.Engine for Provider's constructor-time cleanup registration.
func (e *Engine) PushFinalizeCallback(owner string, f func()) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.finalizeStack = append(e.finalizeStack, callbackEntry{owner: owner, fn: f})
}

// PopPrefinalizeCallback removes and returns the top of the
// pre-finalize stack, or — if owner is non-empty — the newest entry
// tagged with that owner (spec section 4.1: "removes the top (or the
// newest with matching owner) and returns it to the caller").
func (e *Engine) PopPrefinalizeCallback(owner string) (func(), bool) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	return popCallback(&e.prefinalizeStack, owner)
}

// PopFinalizeCallback implements provider.Engine for Provider.Deregister.
func (e *Engine) PopFinalizeCallback(owner string) (func(), bool) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	return popCallback(&e.finalizeStack, owner)
}

// TopPrefinalizeCallback peeks at the top of the pre-finalize stack
// without removing it.
func (e *Engine) TopPrefinalizeCallback() (func(), bool) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	return topCallback(e.prefinalizeStack)
}

// TopFinalizeCallback peeks at the top of the finalize stack without
// removing it.
func (e *Engine) TopFinalizeCallback() (func(), bool) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	return topCallback(e.finalizeStack)
}

func popCallback(stack *[]callbackEntry, owner string) (func(), bool) {
	s := *stack
	if len(s) == 0 {
		return nil, false
	}
	if owner == "" {
		last := s[len(s)-1]
		*stack = s[:len(s)-1]
		return last.fn, true
	}
	for i := len(s) - 1; i >= 0; i-- {
		if s[i].owner == owner {
			fn := s[i].fn
			*stack = append(s[:i], s[i+1:]...)
			return fn, true
		}
	}
	return nil, false
}

func topCallback(stack []callbackEntry) (func(), bool) {
	if len(stack) == 0 {
		return nil, false
	}
	return stack[len(stack)-1].fn, true
}

// Finalize is idempotent (spec section 4.1: "subsequent calls no-op").
// It pops and runs the pre-finalize stack LIFO, shuts down the
// transport, stops every xstream and waits for its scheduler loop to
// exit (joined concurrently via errgroup rather than sequentially),
// then pops and runs the finalize stack LIFO — after which every
// handle still holding a weak back-reference observes EngineInvalid on
// use.
func (e *Engine) Finalize() {
	e.finalizeOnce.Do(func() {
		for {
			fn, ok := e.PopPrefinalizeCallback("")
			if !ok {
				break
			}
			runCallback(fn)
		}

		e.valid.Store(false)
		if e.listener != nil {
			e.listener.Close()
		}
		e.connsMu.Lock()
		for _, c := range e.conns {
			c.Close()
		}
		e.connsMu.Unlock()
		var wg errgroup.Group
		for _, x := range e.xstreams {
			x := x
			x.Stop()
			wg.Go(func() error {
				x.Join()
				return nil
			})
		}
		wg.Wait()

		for {
			fn, ok := e.PopFinalizeCallback("")
			if !ok {
				break
			}
			runCallback(fn)
		}

		close(e.finalizeCh)
	})
}

func runCallback(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logging.Logger.Printf("finalize callback panicked: %v", r)
		}
	}()
	fn()
}

// WaitForFinalize parks the caller until some other goroutine calls
// Finalize (spec section 4.1).
func (e *Engine) WaitForFinalize() {
	<-e.finalizeCh
}

// ShutdownRemoteEngine sends the remote-shutdown frame to ep's engine
// (spec section 4.1: "a peer's shutdown_remote_engine(endpoint) causes
// that server to initiate finalize(), if the server called
// enable_remote_shutdown()").
func (e *Engine) ShutdownRemoteEngine(ep *endpoint.Endpoint) error {
	conn, err := ep.Conn()
	if err != nil {
		return err
	}
	return conn.SendOneWay(wireproto.MsgShutdown, 0, 0, nil)
}

// Expose builds a bulk handle over the caller-owned memory segments
// (spec section 4.1/4.5: "expose(segments, mode) builds a bulk handle
// over the caller's memory without copying; the caller retains
// ownership"). mode must be one of bulk.ReadOnly/WriteOnly/ReadWrite.
func (e *Engine) Expose(segments [][]byte, mode bulk.Mode) *bulk.Bulk {
	return e.bulkRegistry.Expose(segments, mode)
}

// OpenRemoteBulk materializes a RemoteHandle from a wire-serialized
// bulk Descriptor, the decode half of spec section 4.5's
// "serialization: ... decoding on a peer ... the receiver gets a
// remote bulk referring to the sender's memory."
func (e *Engine) OpenRemoteBulk(desc bulk.Descriptor) (*bulk.RemoteHandle, error) {
	return bulk.OpenRemote(e, desc)
}
