// Package middleware implements the onion model middleware chain for
// thallium-go's inbound dispatch path, generalized from the teacher's
// message.RPCMessage-keyed chain to wrap a procedure invocation
// identified by name/provider-id instead of a "Service.Method" string,
// and a *rpc.Request instead of a request/response envelope pair (most
// thallium procedures never produce a response at all).
//
// Onion model execution order:
//
//	Chain(A, B, C)(handler)  →  A(B(C(handler)))
//
//	Call:   A.before → B.before → C.before → handler
//	Return: handler → C.after → B.after → A.after
package middleware

import (
	"context"

	"github.com/mochi-hpc/thallium-go/rpc"
)

// Invocation describes one inbound call before its handler runs, the
// information a middleware needs to log, rate-limit, or reject it.
type Invocation struct {
	Name       string
	ProviderID uint16
	Request    *rpc.Request
	Body       []byte
}

// HandlerFunc is the function signature for the dispatcher's inner
// handler invocation. It returns an error only for conditions a
// middleware should be able to observe (decode failure, panic
// recovery); the procedure's own response, if any, travels through
// Request.Respond rather than this return value.
type HandlerFunc func(ctx context.Context, inv *Invocation) error

// Middleware takes a handler and returns a new handler that wraps it.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes multiple middlewares into a single middleware, the
// first middleware in the list becoming the outermost layer.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
