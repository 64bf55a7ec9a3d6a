package rpc

import (
	"context"

	"github.com/mochi-hpc/thallium-go/archive"
	"github.com/mochi-hpc/thallium-go/endpoint"
	"github.com/mochi-hpc/thallium-go/wireproto"
)

// Callable is a procedure bound to a destination endpoint and provider id
// (spec section 3: "Created by binding a procedure handle to a target
// endpoint", "procedure.on(endpoint)"). It is the client-side call site.
type Callable struct {
	proc       *Procedure
	endpoint   *endpoint.Endpoint
	providerID uint16
	ctx        any
}

// WithSerializationContext returns a copy of this Callable that attaches
// ctx to the archive used to encode arguments and decode the response
// (spec section 4.2 step 2: "attach the current serialization context").
// It does not mutate the receiver.
func (c *Callable) WithSerializationContext(ctx any) *Callable {
	cp := *c
	cp.ctx = ctx
	return &cp
}

func (c *Callable) engineAccessor() func() (archive.EngineAccessor, error) {
	return c.proc.engineAccessor()
}

// Call runs the core algorithm of spec section 4.2:
//  1. allocate a send buffer and construct an archive over it, attaching
//     the current serialization context;
//  2. serialize each argument through the archive;
//  3. forward the buffer through the transport to the bound endpoint and
//     provider;
//  4. if the procedure is responding, wait for the reply and wrap it in
//     a PackedData; otherwise return an empty PackedData immediately.
func (c *Callable) Call(ctx context.Context, args ...any) (*PackedData, error) {
	conn, err := c.proc.connFor(c.endpoint.Address())
	if err != nil {
		return nil, err
	}

	enc := archive.NewEncoder(archive.WithContext(c.ctx), archive.WithEngineAccessor(c.engineAccessor()))
	if err := archive.EncodeTuple(enc, args...); err != nil {
		return nil, err
	}
	body := enc.Bytes()

	if !c.proc.ResponseExpected {
		if err := conn.SendOneWay(wireproto.MsgRequest, c.providerID, c.proc.ID, body); err != nil {
			return nil, err
		}
		return EmptyPackedData(c.engineAccessor(), c.ctx), nil
	}

	_, respBody, err := conn.Request(ctx, c.providerID, c.proc.ID, body)
	if err != nil {
		return nil, err
	}
	return NewPackedData(respBody, c.engineAccessor(), c.ctx), nil
}

// Async is identical through argument encoding; the forwarding step
// becomes "post the send and return an async response handle" instead of
// blocking for the reply (spec section 4.2, ".async(args…)").
func (c *Callable) Async(ctx context.Context, args ...any) (*AsyncResponse, error) {
	conn, err := c.proc.connFor(c.endpoint.Address())
	if err != nil {
		return nil, err
	}

	enc := archive.NewEncoder(archive.WithContext(c.ctx), archive.WithEngineAccessor(c.engineAccessor()))
	if err := archive.EncodeTuple(enc, args...); err != nil {
		return nil, err
	}
	body := enc.Bytes()

	if !c.proc.ResponseExpected {
		if err := conn.SendOneWay(wireproto.MsgRequest, c.providerID, c.proc.ID, body); err != nil {
			return nil, err
		}
		return newAsyncResponse(nil, false, c.ctx, c.engineAccessor()), nil
	}

	pending, err := conn.Post(ctx, c.providerID, c.proc.ID, body)
	if err != nil {
		return nil, err
	}
	return newAsyncResponse(pending, true, c.ctx, c.engineAccessor()), nil
}
