package engine

import (
	"context"
	"reflect"
	"time"

	"github.com/mochi-hpc/thallium-go/address"
	"github.com/mochi-hpc/thallium-go/endpoint"
	"github.com/mochi-hpc/thallium-go/errs"
	"github.com/mochi-hpc/thallium-go/logging"
	"github.com/mochi-hpc/thallium-go/middleware"
	"github.com/mochi-hpc/thallium-go/rpc"
	"github.com/mochi-hpc/thallium-go/transport"
	"github.com/mochi-hpc/thallium-go/wireproto"
)

// inbound is the transport.InboundHandler every Conn this engine owns
// (listener-accepted or client-dialed) is bound to. It is the single
// entry point spec section 4.1's "invocation dispatch (inbound)"
// describes: look up the dispatcher, spawn a ULT, let the ULT decode
// and invoke. Bulk control frames and the remote-shutdown frame are
// routed here too, since they share the same physical connection.
func (e *Engine) inbound(ctx context.Context, c *transport.Conn, h *wireproto.Header, body []byte) {
	switch h.MsgType {
	case wireproto.MsgRequest:
		e.dispatchRequest(c, h, body)
	case wireproto.MsgBulkPull:
		resp, err := e.bulkRegistry.HandlePull(h, body)
		if err != nil {
			logging.Logger.Printf("bulk pull failed: %v", err)
			return
		}
		e.metrics.BulkBytesPulled.Add(float64(len(resp)))
		if err := c.Reply(h.Seq, wireproto.MsgResponse, resp); err != nil {
			logging.Logger.Printf("bulk pull reply failed: %v", err)
		}
	case wireproto.MsgBulkPush:
		resp, err := e.bulkRegistry.HandlePush(h, body)
		if err != nil {
			logging.Logger.Printf("bulk push failed: %v", err)
			return
		}
		e.metrics.BulkBytesPushed.Add(float64(len(body)))
		if err := c.Reply(h.Seq, wireproto.MsgResponse, resp); err != nil {
			logging.Logger.Printf("bulk push reply failed: %v", err)
		}
	case wireproto.MsgShutdown:
		if e.remoteShutdownEnabled.Load() {
			go e.Finalize()
		}
	}
}

// dispatchRequest implements spec section 4.1 steps 1-3: look up the
// procedure-id's dispatcher, spawn a ULT on its bound pool, and let the
// ULT construct the Request and invoke the handler — so a slow or
// blocking handler never stalls the connection's single reader
// goroutine, exactly the property the teacher's handleConn/handleRequest
// split provides with a bare goroutine instead of a ULT.
func (e *Engine) dispatchRequest(c *transport.Conn, h *wireproto.Header, body []byte) {
	if e.rateLimiter != nil && !e.rateLimiter.Allow() {
		logging.Logger.Printf("dropping request: rate limit exceeded")
		return
	}

	e.procMu.RLock()
	entry, ok := e.procedures[h.ProcedureID]
	if ok && entry.providerID != h.ProviderID {
		// The caller looked the name up under one provider id and
		// addressed the request to another: route to that provider.
		entry, ok = e.procedures[procedureID(entry.name, h.ProviderID)]
	}
	e.procMu.RUnlock()
	if !ok {
		logging.Logger.Printf("no procedure registered for id %d", h.ProcedureID)
		return
	}

	pool, err := e.poolNamed(entry.pool)
	if err != nil {
		logging.Logger.Printf("dispatch: %v", err)
		return
	}

	callerAddr := address.New(c.RemoteAddr())
	callerAccessor := func() (endpoint.Engine, error) {
		if err := e.CheckValid(); err != nil {
			return nil, err
		}
		return e, nil
	}
	req := rpc.NewRequest(c, h.Seq, entry.responseExpected, callerAddr, callerAccessor, body, e.accessor(), nil)

	_, err = pool.Spawn(context.Background(), "", func(ctx context.Context) {
		e.metrics.PoolDepth.WithLabelValues(pool.Name()).Set(float64(pool.Size()))
		inv := &middleware.Invocation{Name: entry.name, ProviderID: entry.providerID, Request: req, Body: body}
		if err := e.chain(ctx, inv); err != nil {
			logging.Logger.Printf("dispatch: procedure %q: %v", entry.name, err)
		}
	})
	if err != nil {
		logging.Logger.Printf("dispatch: failed to spawn handler ULT: %v", err)
		return
	}
	e.metrics.PoolDepth.WithLabelValues(pool.Name()).Set(float64(pool.Size()))
}

// invokeHandler is the innermost link of the middleware chain: it owns
// metrics, panic recovery, and the three-way dispatch on handler shape
// spec section 4.1 describes. body is the still-undecoded request
// payload; entry is recovered from inv.Request through the procedure
// table since middleware.Invocation only names the procedure, not its
// dispatcher entry.
func (e *Engine) invokeHandler(ctx context.Context, inv *middleware.Invocation) error {
	req := inv.Request
	body := inv.Body
	id := procedureID(inv.Name, inv.ProviderID)
	e.procMu.RLock()
	entry, ok := e.procedures[id]
	e.procMu.RUnlock()
	if !ok {
		req.Drop()
		return errs.ThreadingFault("Engine.invokeHandler", "procedure_vanished", nil)
	}

	start := time.Now()
	e.metrics.InflightRequests.Inc()
	defer e.metrics.InflightRequests.Dec()
	defer func() { e.metrics.DispatchLatency.Observe(time.Since(start).Seconds()) }()

	var handlerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				handlerErr = errs.ThreadingFault("Engine.invokeHandler", "handler_panic", nil)
				if !req.Responded() {
					req.Drop()
				}
			}
		}()

		switch entry.kind {
		case kindRaw:
			entry.raw(req, body)
		case kindTyped:
			args, err := e.decodeArgs(body, entry.argsIn)
			if err != nil {
				req.Drop()
				handlerErr = err
				return
			}
			in := make([]reflect.Value, 0, len(args)+1)
			in = append(in, reflect.ValueOf(req))
			in = append(in, args...)
			entry.fn.Call(in)
		case kindPure:
			args, err := e.decodeArgs(body, entry.argsIn)
			if err != nil {
				req.Drop()
				handlerErr = err
				return
			}
			out := entry.fn.Call(args)
			if !entry.responseExpected {
				req.Drop()
				return
			}
			results := make([]any, len(out))
			for i, v := range out {
				results[i] = v.Interface()
			}
			if err := req.Respond(results...); err != nil {
				handlerErr = err
			}
		}
	}()
	return handlerErr
}
