package rpc

import (
	"github.com/mochi-hpc/thallium-go/address"
	"github.com/mochi-hpc/thallium-go/archive"
	"github.com/mochi-hpc/thallium-go/endpoint"
	"github.com/mochi-hpc/thallium-go/errs"
	"github.com/mochi-hpc/thallium-go/transport"
	"github.com/mochi-hpc/thallium-go/wireproto"
)

// Request is the server-side in-flight call handed to a procedure's
// handler (spec section 3: "A server-side in-flight call, carrying the
// decoded arguments and a handle to respond."). Exactly one of Respond
// or Drop must happen before the handler returns. A second Respond fails
// with ThreadingFault; a handler that returns without either is not
// detected by the engine, in any build.
type Request struct {
	conn             *transport.Conn
	seq              uint32
	responseExpected bool
	responded        bool

	callerEndpoint *endpoint.Endpoint
	args           *PackedData

	ctx      any
	engineFn func() (archive.EngineAccessor, error)
}

// NewRequest wraps one inbound call. addr identifies the caller for
// GetEndpoint; engineFn/ctx flow into the PackedData built for Args and
// into the archive used to encode the response.
func NewRequest(conn *transport.Conn, seq uint32, responseExpected bool, callerAddr *address.Address, callerAccessor func() (endpoint.Engine, error), body []byte, engineFn func() (archive.EngineAccessor, error), ctx any) *Request {
	return &Request{
		conn:             conn,
		seq:              seq,
		responseExpected: responseExpected,
		callerEndpoint:   endpoint.New(callerAccessor, callerAddr),
		args:             NewPackedData(body, engineFn, ctx),
		ctx:              ctx,
		engineFn:         engineFn,
	}
}

// Args returns the decoded argument payload (spec section 4.3:
// "req.args().as::<T1,T2,…>()").
func (r *Request) Args() *PackedData { return r.args }

// GetEndpoint returns the endpoint of the caller that issued this
// request, letting a handler reply somewhere other than the transport
// it arrived on, or remember the caller for a later callback
// (supplemented feature, grounded on the original's get_endpoint()).
func (r *Request) GetEndpoint() *endpoint.Endpoint { return r.callerEndpoint }

// Respond serializes args and sends them back to the caller, completing
// the call (spec section 4.3: "req.respond(args…)"). If the procedure
// that produced this request was declared non-responding it sends
// nothing and returns nil: the caller already moved on.
func (r *Request) Respond(args ...any) error {
	if r.responded {
		return errs.ThreadingFault("Request.Respond", "already_responded", nil)
	}
	r.responded = true
	if !r.responseExpected {
		return nil
	}
	enc := archive.NewEncoder(archive.WithContext(r.ctx), archive.WithEngineAccessor(r.engineFn))
	if err := archive.EncodeTuple(enc, args...); err != nil {
		return err
	}
	return r.conn.Reply(r.seq, wireproto.MsgResponse, enc.Bytes())
}

// Drop releases this request without responding, for non-responding
// procedures or handlers that intentionally discard the call (spec
// section 7: "the alternative to respond() when no reply is owed").
func (r *Request) Drop() { r.responded = true }

// Responded reports whether Respond or Drop has already run; the
// dispatcher uses it to drop a request whose handler panicked before
// responding.
func (r *Request) Responded() bool { return r.responded }
