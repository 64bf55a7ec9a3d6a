// Package address implements the immutable, ref-counted peer identity of
// spec section 3 ("Address / Endpoint"): an opaque value produced by the
// transport from a URI string, compared by transport-level equality
// rather than identity.
package address

import "sync/atomic"

// Address is an opaque peer identity string plus a reference count. Two
// addresses are equal when their URIs match, never by pointer identity
// (spec: "Equality is by transport-level address equality, not by
// identity").
type Address struct {
	uri      string
	refCount atomic.Int32
}

// New wraps a transport URI ("tcp://host:port") as a ref-counted address
// with one initial reference.
func New(uri string) *Address {
	a := &Address{uri: uri}
	a.refCount.Store(1)
	return a
}

// Null returns the default-constructed null address, which stringifies
// to the empty string (spec: "Null endpoints... exist and stringify to
// empty").
func Null() *Address { return &Address{} }

// IsNull reports whether this is the null address.
func (a *Address) IsNull() bool { return a.uri == "" }

// String returns the address's URI, or "" for the null address.
func (a *Address) String() string { return a.uri }

// Equal compares two addresses by URI, not identity.
func (a *Address) Equal(other *Address) bool {
	if a == nil || other == nil {
		return a == other
	}
	return a.uri == other.uri
}

// IncRef and DecRef implement the ref-counted handle discipline spec
// section 3 assigns to Address.
func (a *Address) IncRef() { a.refCount.Add(1) }

func (a *Address) DecRef() int32 { return a.refCount.Add(-1) }
