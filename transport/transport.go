// Package transport implements the out-of-scope collaborator spec section
// 1 calls "the underlying network transport": connectionless-looking,
// address-based messaging over a multiplexed connection, with the same
// recvLoop/pending-map pattern the teacher's transport.ClientTransport
// uses for its single TCP connection, generalized two ways:
//
//   - frames are addressed by (provider-id, procedure-id) instead of a
//     "Service.Method" string (wireproto.Header replaces protocol.Header);
//   - a Conn is bidirectional: either peer may issue a blocking Request,
//     and either peer dispatches inbound requests through an
//     InboundHandler, which is what lets bulk pull/push control frames
//     flow server->client over the same physical connection a normal
//     RPC request flows client->server over.
package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mochi-hpc/thallium-go/errs"
	"github.com/mochi-hpc/thallium-go/wireproto"
)

// InboundHandler processes a frame this Conn did not initiate itself
// (an RPC request from the peer, or a bulk control frame). It writes its
// reply, if any, through c.Reply.
type InboundHandler func(ctx context.Context, c *Conn, h *wireproto.Header, body []byte)

type pendingCall struct {
	respCh chan inboundMsg
	ready  atomic.Bool
}

// PendingResponse is a posted-but-not-yet-waited-on call, the transport
// half of spec section 3's AsyncResponse ("non-blocking received(),
// blocking wait()").
type PendingResponse struct {
	conn *Conn
	seq  uint32
	pc   *pendingCall
}

// Ready reports whether the response has already arrived, without
// blocking (spec: "non-blocking received()").
func (p *PendingResponse) Ready() bool { return p.pc.ready.Load() }

// Wait blocks until the response arrives, ctx is cancelled, or the
// connection closes.
func (p *PendingResponse) Wait(ctx context.Context) (*wireproto.Header, []byte, error) {
	defer p.conn.pending.Delete(p.seq)
	select {
	case m := <-p.pc.respCh:
		if m.err != nil {
			return nil, nil, m.err
		}
		return m.header, m.body, nil
	case <-ctx.Done():
		return nil, nil, errs.Timeout("PendingResponse.Wait")
	case <-p.conn.closed:
		return nil, nil, errs.TransportFault("PendingResponse.Wait", "connection_closed", nil)
	}
}

// Cancel drops the pending entry without waiting for a reply (spec
// section 5: "async_response is cancelled by dropping it before wait").
func (p *PendingResponse) Cancel() { p.conn.pending.Delete(p.seq) }

type inboundMsg struct {
	header *wireproto.Header
	body   []byte
	err    error
}

// Conn wraps one physical connection (TCP or an in-process net.Pipe half)
// with request/response multiplexing, mirroring the teacher's
// ClientTransport: a single recvLoop goroutine owns all reads, a sending
// mutex serializes all writes, and each in-flight request parks on its
// own channel keyed by sequence number.
type Conn struct {
	conn    net.Conn
	handler InboundHandler

	seq     atomic.Uint32
	pending sync.Map // uint32 -> *pendingCall
	sending sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// NewConn wraps netConn, starting a background recvLoop that dispatches
// inbound frames to handler and routes matched responses to pending
// callers.
func NewConn(netConn net.Conn, handler InboundHandler) *Conn {
	c := &Conn{conn: netConn, handler: handler, closed: make(chan struct{})}
	go c.recvLoop()
	return c
}

func (c *Conn) nextSeq() uint32 { return c.seq.Add(1) }

func (c *Conn) writeFrame(h *wireproto.Header, body []byte) error {
	c.sending.Lock()
	defer c.sending.Unlock()
	return wireproto.Encode(c.conn, h, body)
}

// Request sends a request frame and blocks until the matching response
// arrives, ctx is cancelled, or the connection breaks. It is the
// transport-forward step of spec section 4.2's call algorithm.
func (c *Conn) Request(ctx context.Context, providerID uint16, procedureID uint64, body []byte) (*wireproto.Header, []byte, error) {
	return c.RequestTyped(ctx, wireproto.MsgRequest, providerID, procedureID, body)
}

// RequestTyped is Request generalized to an arbitrary frame MsgType, so
// bulk pull/push control frames (spec section 4.5) can reuse the same
// send/match/wait machinery an ordinary RPC request uses, keyed by the
// same (providerID, procedureID) header fields repurposed to carry a
// bulk handle id where a bulk transfer has no provider/procedure of its
// own.
func (c *Conn) RequestTyped(ctx context.Context, msgType wireproto.MsgType, providerID uint16, procedureID uint64, body []byte) (*wireproto.Header, []byte, error) {
	seq := c.nextSeq()
	pc := &pendingCall{respCh: make(chan inboundMsg, 1)}
	c.pending.Store(seq, pc)
	defer c.pending.Delete(seq)

	h := &wireproto.Header{
		MsgType:     msgType,
		ProviderID:  providerID,
		ProcedureID: procedureID,
		Seq:         seq,
		BodyLen:     uint32(len(body)),
	}
	if err := c.writeFrame(h, body); err != nil {
		return nil, nil, errs.TransportFault("Conn.RequestTyped", "write_failed", err)
	}

	select {
	case m := <-pc.respCh:
		if m.err != nil {
			return nil, nil, m.err
		}
		return m.header, m.body, nil
	case <-ctx.Done():
		return nil, nil, errs.Timeout("Conn.RequestTyped")
	case <-c.closed:
		return nil, nil, errs.TransportFault("Conn.RequestTyped", "connection_closed", nil)
	}
}

// Post sends a request frame without blocking and returns a
// PendingResponse the caller can poll or wait on later — the transport
// half of an async response (spec section 4.2, ".async(...)").
func (c *Conn) Post(ctx context.Context, providerID uint16, procedureID uint64, body []byte) (*PendingResponse, error) {
	seq := c.nextSeq()
	pc := &pendingCall{respCh: make(chan inboundMsg, 1)}
	c.pending.Store(seq, pc)

	h := &wireproto.Header{
		MsgType:     wireproto.MsgRequest,
		ProviderID:  providerID,
		ProcedureID: procedureID,
		Seq:         seq,
		BodyLen:     uint32(len(body)),
	}
	if err := c.writeFrame(h, body); err != nil {
		c.pending.Delete(seq)
		return nil, errs.TransportFault("Conn.Post", "write_failed", err)
	}
	return &PendingResponse{conn: c, seq: seq, pc: pc}, nil
}

// SendOneWay writes a frame and returns as soon as the wire write
// completes, for non-responding procedures (spec section 4.2 step 4).
func (c *Conn) SendOneWay(msgType wireproto.MsgType, providerID uint16, procedureID uint64, body []byte) error {
	h := &wireproto.Header{MsgType: msgType, ProviderID: providerID, ProcedureID: procedureID, BodyLen: uint32(len(body))}
	if err := c.writeFrame(h, body); err != nil {
		return errs.TransportFault("Conn.SendOneWay", "write_failed", err)
	}
	return nil
}

// Reply writes a response frame carrying the same Seq as the request it
// answers, the multiplexing key the requester is waiting on.
func (c *Conn) Reply(seq uint32, msgType wireproto.MsgType, body []byte) error {
	h := &wireproto.Header{MsgType: msgType, Seq: seq, BodyLen: uint32(len(body))}
	if err := c.writeFrame(h, body); err != nil {
		return errs.TransportFault("Conn.Reply", "write_failed", err)
	}
	return nil
}

// RemoteAddr identifies the peer for Address/Endpoint equality checks.
func (c *Conn) RemoteAddr() string {
	if c.conn.RemoteAddr() == nil {
		return ""
	}
	return c.conn.RemoteAddr().String()
}

// recvLoop is the single reader of this connection: reads must stay
// sequential to parse frame boundaries, exactly as the teacher's
// ClientTransport.recvLoop documents. Responses are routed to their
// pending caller by Seq; everything else is handed to the InboundHandler
// on its own goroutine so a slow handler never stalls the reader.
func (c *Conn) recvLoop() {
	defer c.closeAllPending(errs.TransportFault("Conn.recvLoop", "connection_closed", nil))
	defer close(c.closed)
	for {
		h, body, err := wireproto.Decode(c.conn)
		if err != nil {
			return
		}
		if h.MsgType == wireproto.MsgHeartbeat {
			continue
		}
		if h.MsgType == wireproto.MsgResponse {
			if v, ok := c.pending.Load(h.Seq); ok {
				pc := v.(*pendingCall)
				pc.ready.Store(true)
				pc.respCh <- inboundMsg{header: h, body: body}
			}
			continue
		}
		if c.handler != nil {
			go c.handler(context.Background(), c, h, body)
		}
	}
}

func (c *Conn) closeAllPending(err error) {
	c.pending.Range(func(key, value any) bool {
		value.(*pendingCall).respCh <- inboundMsg{err: err}
		c.pending.Delete(key)
		return true
	})
}

// Heartbeat sends a keepalive frame on an interval until the connection
// closes, mirroring the teacher's ClientTransport.heartbeatLoop.
func (c *Conn) Heartbeat(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.writeFrame(&wireproto.Header{MsgType: wireproto.MsgHeartbeat}, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

// Close tears down the underlying connection, unblocking every pending
// Request/Post waiter with a transport fault.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { c.conn.Close() })
	return nil
}

// Listener accepts inbound connections and wraps each one in a Conn
// bound to the same InboundHandler, the server-side half of the
// teacher's Server.Serve accept loop.
type Listener struct {
	ln      net.Listener
	handler InboundHandler

	mu    sync.Mutex
	conns []*Conn
}

// Listen binds network/address (e.g. "tcp", "127.0.0.1:0") and starts
// accepting connections in the background.
func Listen(network, address string, handler InboundHandler) (*Listener, error) {
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, errs.EngineInit("transport.Listen", "listen_failed", err)
	}
	l := &Listener{ln: ln, handler: handler}
	go l.acceptLoop()
	return l, nil
}

func (l *Listener) acceptLoop() {
	for {
		nc, err := l.ln.Accept()
		if err != nil {
			return
		}
		c := NewConn(nc, l.handler)
		l.mu.Lock()
		l.conns = append(l.conns, c)
		l.mu.Unlock()
	}
}

// Addr returns the bound listen address.
func (l *Listener) Addr() string { return l.ln.Addr().String() }

// Close stops accepting connections and closes every connection accepted
// so far.
func (l *Listener) Close() error {
	err := l.ln.Close()
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range l.conns {
		c.Close()
	}
	return err
}

// Dial connects to network/address as a client and wraps the resulting
// connection in a Conn bound to handler (nil if the client never expects
// peer-initiated frames such as bulk pulls).
func Dial(ctx context.Context, network, address string, handler InboundHandler) (*Conn, error) {
	d := net.Dialer{}
	nc, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, errs.TransportFault("transport.Dial", "dial_failed", err)
	}
	return NewConn(nc, handler), nil
}

// Loopback connects two Conns over an in-process net.Pipe, letting a
// single process act as both client and server without touching the
// network stack. The transport and bulk package tests run over it; the
// engine's end-to-end tests use real TCP listeners instead.
func Loopback(clientHandler, serverHandler InboundHandler) (client *Conn, server *Conn) {
	a, b := net.Pipe()
	client = NewConn(a, clientHandler)
	server = NewConn(b, serverHandler)
	return client, server
}
