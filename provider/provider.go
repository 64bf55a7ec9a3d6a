// Package provider implements provider-id multiplexing (spec section
// 4.7): a user-defined object that owns a provider_id and publishes its
// methods as RPCs on the engine that hosts it, so several independent
// services can share one engine's listening address, addressed by
// (endpoint, provider_id) instead of endpoint alone. Grounded on the
// teacher's server.Server.Register, generalized from a string service
// name keying a single flat namespace to a provider_id namespace
// nested under one engine.
package provider

import (
	"github.com/mochi-hpc/thallium-go/endpoint"
	"github.com/mochi-hpc/thallium-go/rpc"
)

// Engine is the surface Provider needs from its owning engine: define a
// handler under this provider's namespace, and maintain the
// pre-finalize/finalize LIFO callback stacks a provider's destructor
// equivalent (Deregister) participates in.
type Engine interface {
	endpoint.Engine
	DefineRaw(name string, providerID uint16, responseExpected bool, handler RawHandler) (uint64, error)
	DefineTyped(name string, providerID uint16, handler any) (uint64, error)
	DefineIgnoringResult(name string, providerID uint16, handler any) (uint64, error)
	Undefine(procedureID uint64) error
	PushFinalizeCallback(owner string, f func())
	PopFinalizeCallback(owner string) (func(), bool)
}

// RawHandler matches spec section 4.1's "raw request handler" shape:
// decode arguments itself, respond or not on its own schedule.
type RawHandler func(req *rpc.Request, body []byte)

// Provider owns a namespace of procedures under one provider_id on one
// engine (spec: "A provider is a user-defined object that owns
// provider_id and publishes its methods as RPCs").
type Provider struct {
	engine     Engine
	providerID uint16
	procedures []uint64
	owner      string
}

// New constructs a provider bound to providerID on eng. owner tags the
// finalize callback this provider pushes so PopFinalizeCallback(owner)
// can find it specifically, per spec: "providers may register a
// finalize callback on construction so that if the engine is torn down
// while the provider is still live, per-provider cleanup still runs."
func New(eng Engine, providerID uint16, owner string, onFinalize func()) *Provider {
	p := &Provider{engine: eng, providerID: providerID, owner: owner}
	if onFinalize != nil {
		eng.PushFinalizeCallback(owner, onFinalize)
	}
	return p
}

// ProviderID returns the provider_id this provider publishes under.
func (p *Provider) ProviderID() uint16 { return p.providerID }

// DefineRaw registers a raw request handler under this provider's
// namespace (spec section 4.7: "raw-request methods").
func (p *Provider) DefineRaw(name string, responseExpected bool, handler RawHandler) (uint64, error) {
	id, err := p.engine.DefineRaw(name, p.providerID, responseExpected, handler)
	if err != nil {
		return 0, err
	}
	p.procedures = append(p.procedures, id)
	return id, nil
}

// DefineTyped registers a typed or pure-function handler under this
// provider's namespace (spec section 4.7: "typed methods that the
// framework auto-responds for"). handler must match one of the two
// shapes engine.Engine.Define accepts.
func (p *Provider) DefineTyped(name string, handler any) (uint64, error) {
	id, err := p.engine.DefineTyped(name, p.providerID, handler)
	if err != nil {
		return 0, err
	}
	p.procedures = append(p.procedures, id)
	return id, nil
}

// DefineIgnoringResult registers a pure-function handler whose return
// value is discarded and whose procedure is marked non-responding
// (spec section 4.7's third flavor, "methods explicitly tagged
// ignore_return_value"; exposed as its own method per the Open
// Question decision recorded for engine.Define rather than a boolean
// flag, since Go has no optional keyword-argument sugar to hang it on).
func (p *Provider) DefineIgnoringResult(name string, handler any) (uint64, error) {
	id, err := p.engine.DefineIgnoringResult(name, p.providerID, handler)
	if err != nil {
		return 0, err
	}
	p.procedures = append(p.procedures, id)
	return id, nil
}

// Deregister unpublishes every procedure this provider registered and
// pops its finalize callback, the Go stand-in for a provider's
// destructor (spec: "should (1) deregister its procedures from the
// engine and (2) pop any finalize callbacks it had installed").
func (p *Provider) Deregister() error {
	for _, id := range p.procedures {
		if err := p.engine.Undefine(id); err != nil {
			return err
		}
	}
	p.procedures = nil
	p.engine.PopFinalizeCallback(p.owner)
	return nil
}
