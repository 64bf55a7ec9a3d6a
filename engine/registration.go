package engine

import (
	"reflect"

	"github.com/OneOfOne/xxhash"

	"github.com/mochi-hpc/thallium-go/archive"
	"github.com/mochi-hpc/thallium-go/errs"
	"github.com/mochi-hpc/thallium-go/provider"
	"github.com/mochi-hpc/thallium-go/rpc"
)

// requestType is *rpc.Request's reflect.Type, used to detect whether a
// handler's first parameter is the request object (spec section 4.1's
// "typed handler" shape) or not (the "pure function handler" shape).
var requestType = reflect.TypeOf((*rpc.Request)(nil))

type handlerKind int

const (
	kindRaw handlerKind = iota
	kindTyped
	kindPure
)

// procedureEntry is the server-side dispatcher spec section 3 calls
// "procedure-id -> dispatcher": everything the inbound path needs to
// decode arguments, invoke user code, and (maybe) respond.
type procedureEntry struct {
	id               uint64
	name             string
	providerID       uint16
	responseExpected bool
	pool             string

	kind   handlerKind
	raw    provider.RawHandler
	fn     reflect.Value
	argsIn []reflect.Type // argument types the dispatcher must decode
}

// stubEntry is a client-side procedure handle cached by Lookup, so a
// second lookup of the same (name, provider_id) returns the same id
// and ResponseExpected flag (spec section 3: "calling define a second
// time for an already-known name returns the existing id").
type stubEntry struct {
	proc *rpc.Procedure
}

// procedureID computes the deterministic (name, provider_id) -> id
// bijection spec section 3 requires. A client and server process never
// exchange ids over the wire before a call — client-side Lookup must
// compute the exact same id the server's Define registered, so the id
// is a content hash of the name and provider id rather than a
// per-process incrementing counter. Grounded on the pack's own use of
// xxhash for exactly this kind of cheap, collision-resistant keying
// (see loadbalance.ConsistentHashBalancer).
func procedureID(name string, providerID uint16) uint64 {
	h := xxhash.New64()
	h.WriteString(name)
	h.Write([]byte{byte(providerID), byte(providerID >> 8)})
	return h.Sum64()
}

// Define registers handler under name/providerID/pool, dispatching on
// its static shape per spec section 4.1: a provider.RawHandler decodes
// its own arguments; any other func whose first parameter is
// *rpc.Request is a typed handler the dispatcher decodes arguments for
// but which must call Request.Respond itself; any other func is a pure
// function the dispatcher auto-responds for. Idempotent on
// (name, providerID): a second Define for the same pair returns the
// existing procedure without re-registering.
func (e *Engine) Define(name string, providerID uint16, poolName string, handler any) (*rpc.Procedure, error) {
	return e.define(name, providerID, poolName, handler, true, false)
}

// DefineIgnoringResult registers a pure-function handler whose return
// value the dispatcher discards and whose procedure is marked
// non-responding (spec section 4.1's third handler flavor).
func (e *Engine) DefineIgnoringResult(name string, providerID uint16, handler any) (uint64, error) {
	proc, err := e.define(name, providerID, "", handler, false, true)
	if err != nil {
		return 0, err
	}
	return proc.ID, nil
}

// DefineTyped implements provider.Engine, registering a typed or pure
// function handler under providerID.
func (e *Engine) DefineTyped(name string, providerID uint16, handler any) (uint64, error) {
	proc, err := e.define(name, providerID, "", handler, true, false)
	if err != nil {
		return 0, err
	}
	return proc.ID, nil
}

// DefineRaw implements provider.Engine, registering a raw request
// handler that decodes its own arguments (spec section 4.1's first
// handler flavor).
func (e *Engine) DefineRaw(name string, providerID uint16, responseExpected bool, handler provider.RawHandler) (uint64, error) {
	if err := e.CheckValid(); err != nil {
		return 0, err
	}
	id := procedureID(name, providerID)
	pool, err := e.poolNamed("")
	if err != nil {
		return 0, err
	}

	e.procMu.Lock()
	defer e.procMu.Unlock()
	if existing, ok := e.procedures[id]; ok {
		return existing.id, nil
	}
	e.procedures[id] = &procedureEntry{
		id: id, name: name, providerID: providerID,
		responseExpected: responseExpected, pool: pool.Name(),
		kind: kindRaw, raw: handler,
	}
	return id, nil
}

func (e *Engine) define(name string, providerID uint16, poolName string, handler any, responseExpected, ignoreResult bool) (*rpc.Procedure, error) {
	if err := e.CheckValid(); err != nil {
		return nil, err
	}
	id := procedureID(name, providerID)

	e.procMu.Lock()
	defer e.procMu.Unlock()
	if existing, ok := e.procedures[id]; ok {
		return rpc.NewProcedure(e.endpointAccessor(), existing.id, existing.name, existing.providerID, existing.responseExpected), nil
	}

	pool, err := e.poolNamed(poolName)
	if err != nil {
		return nil, err
	}

	t := reflect.TypeOf(handler)
	if t == nil || t.Kind() != reflect.Func {
		return nil, errs.ConfigInvalid("Engine.Define", "handler must be a function")
	}

	entry := &procedureEntry{id: id, name: name, providerID: providerID, pool: pool.Name()}

	numIn := t.NumIn()
	hasReq := numIn > 0 && t.In(0) == requestType
	if hasReq {
		entry.kind = kindTyped
		entry.responseExpected = true
		for i := 1; i < numIn; i++ {
			entry.argsIn = append(entry.argsIn, t.In(i))
		}
	} else {
		entry.kind = kindPure
		entry.responseExpected = responseExpected && !ignoreResult
		for i := 0; i < numIn; i++ {
			entry.argsIn = append(entry.argsIn, t.In(i))
		}
	}
	entry.fn = reflect.ValueOf(handler)

	e.procedures[id] = entry
	return rpc.NewProcedure(e.endpointAccessor(), id, name, providerID, entry.responseExpected), nil
}

// Undefine removes a previously defined procedure, implementing
// provider.Engine for Provider.Deregister.
func (e *Engine) Undefine(procedureID uint64) error {
	e.procMu.Lock()
	defer e.procMu.Unlock()
	delete(e.procedures, procedureID)
	return nil
}

// SetResponseExpected updates a previously registered procedure's
// responseExpected flag in place, the dispatch side of
// rpc.Procedure.DisableResponse: dispatchRequest and invokeHandler both
// read this same stored entry, so flipping it here is what makes a
// post-hoc DisableResponse actually change dispatcher behavior instead
// of only a caller's local copy of the flag.
func (e *Engine) SetResponseExpected(id uint64, expected bool) error {
	e.procMu.Lock()
	defer e.procMu.Unlock()
	entry, ok := e.procedures[id]
	if !ok {
		return errs.ThreadingFault("Engine.SetResponseExpected", "unknown_procedure", nil)
	}
	entry.responseExpected = expected
	return nil
}

// Lookup resolves a client-side procedure handle by name without
// registering a handler (spec section 4.1: "define(name) with no
// handler: looks up the id if already registered, otherwise registers
// a stub entry"). responseExpected must match what the server side
// registered, since it governs whether Call blocks for a reply.
func (e *Engine) Lookup(name string, providerID uint16, responseExpected bool) (*rpc.Procedure, error) {
	if err := e.CheckValid(); err != nil {
		return nil, err
	}
	id := procedureID(name, providerID)

	e.procMu.Lock()
	defer e.procMu.Unlock()
	if stub, ok := e.clientStubs[id]; ok {
		return stub.proc, nil
	}
	if existing, ok := e.procedures[id]; ok {
		proc := rpc.NewProcedure(e.endpointAccessor(), existing.id, existing.name, existing.providerID, existing.responseExpected)
		e.clientStubs[id] = &stubEntry{proc: proc}
		return proc, nil
	}
	proc := rpc.NewProcedure(e.endpointAccessor(), id, name, providerID, responseExpected)
	e.clientStubs[id] = &stubEntry{proc: proc}
	return proc, nil
}

func (e *Engine) decodeArgs(body []byte, argTypes []reflect.Type) ([]reflect.Value, error) {
	ar := archive.NewDecoder(body, archive.WithEngineAccessor(e.accessor()))
	ptrs := make([]any, len(argTypes))
	ptrVals := make([]reflect.Value, len(argTypes))
	for i, t := range argTypes {
		pv := reflect.New(t)
		ptrVals[i] = pv
		ptrs[i] = pv.Interface()
	}
	if len(ptrs) > 0 {
		if err := archive.DecodeTuple(ar, ptrs...); err != nil {
			return nil, err
		}
	}
	vals := make([]reflect.Value, len(argTypes))
	for i := range argTypes {
		vals[i] = ptrVals[i].Elem()
	}
	return vals, nil
}
