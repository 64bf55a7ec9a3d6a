package loadbalance

import (
	"fmt"
	"sort"

	"github.com/OneOfOne/xxhash"

	"github.com/mochi-hpc/thallium-go/discovery"
)

// ConsistentHashBalancer maps keys to instances using a hash ring, so
// the same key always maps to the same instance until the ring
// changes — useful when a provider keeps per-key state or a local
// cache and a client wants affinity across calls. Each instance gets
// replicas virtual nodes on the ring, re-hashed with xxhash instead of
// the teacher's crc32 for a lower collision rate across the wider
// provider-id + procedure-id address space thallium hashes.
const ringSeed uint32 = 0

type ConsistentHashBalancer struct {
	replicas int
	ring     []uint64
	nodes    map[uint64]*discovery.Instance
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes
// per instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint64]*discovery.Instance),
	}
}

// Add places an instance onto the hash ring with replicas virtual
// nodes, hashed from "{uri}#{i}" to spread evenly across the ring.
func (b *ConsistentHashBalancer) Add(instance *discovery.Instance) {
	for i := 0; i < b.replicas; i++ {
		key := fmt.Sprintf("%s#%d", instance.URI, i)
		hash := xxhash.ChecksumString64S(key, ringSeed)
		b.ring = append(b.ring, hash)
		b.nodes[hash] = instance
	}
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

// Pick finds the instance responsible for key: hash it, then locate the
// first node clockwise (binary search) on the ring, wrapping around to
// the first node if the hash exceeds every node's value.
//
// Pick takes a string key rather than []discovery.Instance because
// consistent hashing is key-based; it does not implement Balancer
// directly (ring membership must be built up front via Add).
func (b *ConsistentHashBalancer) Pick(key string) (*discovery.Instance, error) {
	if len(b.ring) == 0 {
		return nil, fmt.Errorf("loadbalance: hash ring is empty")
	}
	hash := xxhash.ChecksumString64S(key, ringSeed)

	idx := sort.Search(len(b.ring), func(i int) bool { return b.ring[i] >= hash })
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

func (b *ConsistentHashBalancer) Name() string { return "ConsistentHash" }
