// Package discovery resolves a logical service name to one or more
// thallium endpoint addresses, the out-of-scope collaborator spec
// section 1 leaves to "whatever address resolution the deployment
// wants." It is adapted from the teacher's registry package: the same
// etcd-backed register/discover/watch shape, retargeted from
// registering a host:port ServiceInstance to registering a thallium
// URI, and from TTL-lease liveness meaning "process alive" to meaning
// "engine not yet finalized."
package discovery

// Instance is one discoverable replica of a provider: its endpoint URI
// plus the provider id it exposes (spec section 4.7, provider
// multiplexing) and an optional weight for loadbalance.WeightedRandom.
type Instance struct {
	URI        string
	ProviderID uint16
	Weight     int
}

// Registry is the discovery interface, kept identical in shape to the
// teacher's registry.Registry so EtcdRegistry below can be swapped for
// a mock in tests exactly the way the teacher's server_test.go does.
type Registry interface {
	// Register advertises uri under name with a liveness lease of ttl
	// seconds; losing the lease (process died without deregistering)
	// removes the entry automatically.
	Register(name string, inst Instance, ttlSeconds int64) error

	// Deregister removes uri from name's instance list, called from the
	// engine's pre-finalize callback stack before the listener closes.
	Deregister(name string, uri string) error

	// Discover returns every instance currently registered under name.
	Discover(name string) ([]Instance, error)

	// Watch streams updated instance lists for name as they change.
	Watch(name string) <-chan []Instance
}
