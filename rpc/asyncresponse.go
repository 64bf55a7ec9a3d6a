package rpc

import (
	"context"
	"sync"

	"github.com/mochi-hpc/thallium-go/archive"
	"github.com/mochi-hpc/thallium-go/errs"
	"github.com/mochi-hpc/thallium-go/transport"
)

// AsyncResponse is the pending-reply handle of spec section 3: "Supports
// non-blocking received() and blocking wait() ... Non-copyable,
// movable." Go cannot forbid struct copies at compile time the way the
// original forbids its copy constructor, so this type documents the
// discipline instead: callers should pass *AsyncResponse, never
// AsyncResponse by value, and must not call Wait twice.
type AsyncResponse struct {
	mu                sync.Mutex
	pending           *transport.PendingResponse
	responseExpected  bool
	ctx               any
	engineFn          func() (archive.EngineAccessor, error)
	consumed          bool
}

// newAsyncResponse wraps a posted transport call. If responseExpected is
// false, pending may be nil: the send already completed synchronously.
func newAsyncResponse(pending *transport.PendingResponse, responseExpected bool, ctx any, engineFn func() (archive.EngineAccessor, error)) *AsyncResponse {
	return &AsyncResponse{pending: pending, responseExpected: responseExpected, ctx: ctx, engineFn: engineFn}
}

// Received reports whether the reply has already arrived, without
// blocking.
func (a *AsyncResponse) Received() bool {
	if !a.responseExpected || a.pending == nil {
		return true
	}
	return a.pending.Ready()
}

// Wait blocks the calling ULT until the reply arrives, returning it as
// PackedData, or fails with Timeout if ctx fires first. Calling Wait a
// second time returns ThreadingFault, mirroring the move-only handle
// being left inert after its value has been taken once.
func (a *AsyncResponse) Wait(ctx context.Context) (*PackedData, error) {
	a.mu.Lock()
	if a.consumed {
		a.mu.Unlock()
		return nil, errs.ThreadingFault("AsyncResponse.Wait", "already_consumed", nil)
	}
	a.consumed = true
	a.mu.Unlock()

	if !a.responseExpected {
		return EmptyPackedData(a.engineFn, a.ctx), nil
	}
	_, body, err := a.pending.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return NewPackedData(body, a.engineFn, a.ctx), nil
}

// Cancel releases the pending call without waiting for a reply (spec
// section 5: "async_response is cancelled by dropping it before wait").
// It is the Go stand-in for the original's drop-before-wait destructor
// behavior, since Go has no deterministic destructors.
func (a *AsyncResponse) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.consumed {
		return
	}
	a.consumed = true
	if a.pending != nil {
		a.pending.Cancel()
	}
}
