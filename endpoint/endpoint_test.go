package endpoint

import (
	"testing"

	"github.com/mochi-hpc/thallium-go/address"
	"github.com/mochi-hpc/thallium-go/errs"
	"github.com/mochi-hpc/thallium-go/transport"
)

type fakeEngine struct {
	valid bool
}

func (f *fakeEngine) CheckValid() error {
	if !f.valid {
		return errs.EngineInvalid("fakeEngine")
	}
	return nil
}

func (f *fakeEngine) ConnFor(addr *address.Address) (*transport.Conn, error) {
	return nil, nil
}

func TestNullEndpointStringifiesEmpty(t *testing.T) {
	e := Null()
	if !e.IsNull() {
		t.Fatalf("expected IsNull")
	}
	if e.String() != "" {
		t.Fatalf("expected empty string")
	}
}

func TestConnFailsAfterEngineInvalid(t *testing.T) {
	eng := &fakeEngine{valid: false}
	e := New(func() (Engine, error) { return eng, nil }, address.New("tcp://x:1"))
	if _, err := e.Conn(); !errs.IsKind(err, errs.KindEngineInvalid) {
		t.Fatalf("expected EngineInvalid, got %v", err)
	}
}

func TestConnSucceedsWhenValid(t *testing.T) {
	eng := &fakeEngine{valid: true}
	e := New(func() (Engine, error) { return eng, nil }, address.New("tcp://x:1"))
	if _, err := e.Conn(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestEqualityByAddress(t *testing.T) {
	a := New(nil, address.New("tcp://a:1"))
	b := New(nil, address.New("tcp://a:1"))
	if !a.Equal(b) {
		t.Fatalf("expected equal endpoints")
	}
}
