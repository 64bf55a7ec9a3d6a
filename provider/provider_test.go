package provider

import (
	"testing"

	"github.com/mochi-hpc/thallium-go/address"
	"github.com/mochi-hpc/thallium-go/rpc"
	"github.com/mochi-hpc/thallium-go/transport"
)

// fakeEngine is a minimal provider.Engine double, avoiding a dependency
// on the real engine package (which itself imports provider).
type fakeEngine struct {
	nextID      uint64
	defined     map[uint64]bool
	finalizeCbs []struct {
		owner string
		fn    func()
	}
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{defined: make(map[uint64]bool)}
}

func (f *fakeEngine) CheckValid() error { return nil }

func (f *fakeEngine) ConnFor(addr *address.Address) (*transport.Conn, error) { return nil, nil }

func (f *fakeEngine) DefineRaw(name string, providerID uint16, responseExpected bool, handler RawHandler) (uint64, error) {
	f.nextID++
	f.defined[f.nextID] = true
	return f.nextID, nil
}

func (f *fakeEngine) DefineTyped(name string, providerID uint16, handler any) (uint64, error) {
	f.nextID++
	f.defined[f.nextID] = true
	return f.nextID, nil
}

func (f *fakeEngine) DefineIgnoringResult(name string, providerID uint16, handler any) (uint64, error) {
	f.nextID++
	f.defined[f.nextID] = true
	return f.nextID, nil
}

func (f *fakeEngine) Undefine(procedureID uint64) error {
	delete(f.defined, procedureID)
	return nil
}

func (f *fakeEngine) PushFinalizeCallback(owner string, fn func()) {
	f.finalizeCbs = append(f.finalizeCbs, struct {
		owner string
		fn    func()
	}{owner, fn})
}

func (f *fakeEngine) PopFinalizeCallback(owner string) (func(), bool) {
	for i := len(f.finalizeCbs) - 1; i >= 0; i-- {
		if f.finalizeCbs[i].owner == owner {
			fn := f.finalizeCbs[i].fn
			f.finalizeCbs = append(f.finalizeCbs[:i], f.finalizeCbs[i+1:]...)
			return fn, true
		}
	}
	return nil, false
}

var _ Engine = (*fakeEngine)(nil)

func TestDefineTrackedForDeregister(t *testing.T) {
	eng := newFakeEngine()
	p := New(eng, 7, "svc-a", nil)

	id1, err := p.DefineTyped("add", func(req *rpc.Request, a, b int) {})
	if err != nil {
		t.Fatalf("DefineTyped: %v", err)
	}
	id2, err := p.DefineIgnoringResult("notify", func(msg string) {})
	if err != nil {
		t.Fatalf("DefineIgnoringResult: %v", err)
	}
	if !eng.defined[id1] || !eng.defined[id2] {
		t.Fatal("expected both procedures registered on the fake engine")
	}

	if err := p.Deregister(); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	if eng.defined[id1] || eng.defined[id2] {
		t.Fatal("expected Deregister to undefine every procedure this provider registered")
	}
}

func TestNewPushesOwnedFinalizeCallback(t *testing.T) {
	eng := newFakeEngine()
	ran := false
	p := New(eng, 1, "owner-x", func() { ran = true })

	if len(eng.finalizeCbs) != 1 {
		t.Fatalf("expected one finalize callback pushed, got %d", len(eng.finalizeCbs))
	}

	if err := p.Deregister(); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	if _, ok := eng.PopFinalizeCallback("owner-x"); ok {
		t.Fatal("expected Deregister to have already popped this provider's finalize callback")
	}
	_ = ran
}

func TestNewWithoutFinalizeCallbackPushesNothing(t *testing.T) {
	eng := newFakeEngine()
	_ = New(eng, 2, "owner-y", nil)
	if len(eng.finalizeCbs) != 0 {
		t.Fatal("expected no finalize callback pushed when onFinalize is nil")
	}
}
