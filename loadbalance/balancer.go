// Package loadbalance picks among several discovery.Instance candidates
// for one logical provider name, the case spec section 4.7 leaves open
// when a client resolves a name through discovery and gets back
// multiple replicas exposing the same provider id. Kept close to
// verbatim from the teacher's strategy set (round robin, weighted
// random, consistent hash), re-scoped from registry.ServiceInstance to
// discovery.Instance.
package loadbalance

import "github.com/mochi-hpc/thallium-go/discovery"

// Balancer selects one instance from the available list. Called on
// every lookup — must be goroutine-safe.
type Balancer interface {
	Pick(instances []discovery.Instance) (*discovery.Instance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}
