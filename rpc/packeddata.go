package rpc

import (
	"github.com/mochi-hpc/thallium-go/archive"
	"github.com/mochi-hpc/thallium-go/errs"
)

// PackedData is the read-only view of an encoded payload from spec
// section 4.3: bound to the raw bytes the transport delivered, plus the
// serialization context that should apply to decode.
type PackedData struct {
	body     []byte
	empty    bool
	ctx      any
	engineFn func() (archive.EngineAccessor, error)
}

// NewPackedData wraps body (the decoded-argument wire form) with the
// context and engine accessor it should decode through.
func NewPackedData(body []byte, engineFn func() (archive.EngineAccessor, error), ctx any) *PackedData {
	return &PackedData{body: body, engineFn: engineFn, ctx: ctx}
}

// EmptyPackedData represents the response of a non-responding procedure
// (spec section 4.3: "EmptyResponse if the procedure was non-responding
// and the caller asks for a value").
func EmptyPackedData(engineFn func() (archive.EngineAccessor, error), ctx any) *PackedData {
	return &PackedData{empty: true, engineFn: engineFn, ctx: ctx}
}

// IsEmpty reports whether this packed data carries no payload.
func (p *PackedData) IsEmpty() bool { return p.empty }

func (p *PackedData) decoder() *archive.Archive {
	return archive.NewDecoder(p.body, archive.WithContext(p.ctx), archive.WithEngineAccessor(p.engineFn))
}

// As decodes the payload into a single value of type T (spec:
// "as::<T>()"). Returns EmptyResponse if the procedure never responded.
func As[T any](p *PackedData) (T, error) {
	var out T
	if p.empty {
		return out, errs.EmptyResponse("rpc.As")
	}
	ar := p.decoder()
	if err := archive.Decode(ar, &out); err != nil {
		return out, err
	}
	return out, nil
}

// AsTuple decodes the payload into ptrs, in declaration order (spec:
// "as::<T1,T2,…>()" / "unpack(&mut x, &mut y, …)").
func (p *PackedData) AsTuple(ptrs ...any) error {
	if p.empty {
		return errs.EmptyResponse("rpc.PackedData.AsTuple")
	}
	return archive.DecodeTuple(p.decoder(), ptrs...)
}

// Unpack is an alias for AsTuple matching the original's in-place decode
// naming for readers familiar with it.
func (p *PackedData) Unpack(ptrs ...any) error { return p.AsTuple(ptrs...) }
