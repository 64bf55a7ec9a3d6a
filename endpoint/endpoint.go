// Package endpoint implements the ref-counted peer handle of spec
// section 3 ("Address / Endpoint"). An Endpoint pairs an address.Address
// with a weak back-reference to the engine that produced it (spec
// section 9: "all outward-facing handles carry a weak back-reference to
// the engine; every operation begins with a strong upgrade; failure
// yields EngineInvalid").
package endpoint

import (
	"github.com/mochi-hpc/thallium-go/address"
	"github.com/mochi-hpc/thallium-go/archive"
	"github.com/mochi-hpc/thallium-go/errs"
	"github.com/mochi-hpc/thallium-go/transport"
)

// Engine is the minimal surface an Endpoint needs from its owning
// engine: liveness (via archive.EngineAccessor, so an Endpoint can be
// handed straight to archive.WithEngineAccessor) plus connection lookup.
// Defined here, not in the engine package, so engine can depend on
// endpoint without endpoint depending back on engine.
type Engine interface {
	archive.EngineAccessor
	ConnFor(addr *address.Address) (*transport.Conn, error)
}

// Endpoint is an opaque peer identity bound to the engine that resolved
// it. The zero value (Null()) stringifies to "".
type Endpoint struct {
	addr     *address.Address
	accessor func() (Engine, error)
}

// New wraps addr with a weak accessor back to the owning engine.
func New(accessor func() (Engine, error), addr *address.Address) *Endpoint {
	if addr == nil {
		addr = address.Null()
	}
	return &Endpoint{addr: addr, accessor: accessor}
}

// Null returns the default-constructed null endpoint (spec: "Null
// endpoints (default-constructed) exist and stringify to empty").
func Null() *Endpoint {
	return &Endpoint{addr: address.Null()}
}

// IsNull reports whether this is the null endpoint.
func (e *Endpoint) IsNull() bool { return e == nil || e.addr.IsNull() }

// String returns the endpoint's address URI, or "" if null.
func (e *Endpoint) String() string {
	if e == nil {
		return ""
	}
	return e.addr.String()
}

// Address returns the endpoint's underlying address.
func (e *Endpoint) Address() *address.Address { return e.addr }

// Equal compares endpoints by their address, per spec's "equality is by
// transport-level address equality, not by identity".
func (e *Endpoint) Equal(other *Endpoint) bool {
	if e == nil || other == nil {
		return e == other
	}
	return e.addr.Equal(other.addr)
}

// engine upgrades the weak back-reference, failing with EngineInvalid if
// the engine has been finalized (enforced by the accessor itself).
func (e *Endpoint) engine() (Engine, error) {
	if e.accessor == nil {
		return nil, errs.EngineInvalid("Endpoint.engine")
	}
	return e.accessor()
}

// Conn resolves (dialing if necessary) the transport connection backing
// this endpoint.
func (e *Endpoint) Conn() (*transport.Conn, error) {
	eng, err := e.engine()
	if err != nil {
		return nil, err
	}
	if err := eng.CheckValid(); err != nil {
		return nil, err
	}
	return eng.ConnFor(e.addr)
}
