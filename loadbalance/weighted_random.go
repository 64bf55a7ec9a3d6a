package loadbalance

import (
	"fmt"
	"math/rand"

	"github.com/mochi-hpc/thallium-go/discovery"
)

// WeightedRandomBalancer selects instances probabilistically based on
// their Weight: a replica with weight 10 gets roughly twice the traffic
// of one with weight 5. Best for heterogeneous replicas.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(instances []discovery.Instance) (*discovery.Instance, error) {
	if len(instances) == 0 {
		return nil, fmt.Errorf("loadbalance: no instances available")
	}

	totalWeight := 0
	for _, v := range instances {
		totalWeight += v.Weight
	}
	if totalWeight <= 0 {
		return &instances[rand.Intn(len(instances))], nil
	}

	r := rand.Intn(totalWeight)
	for i := range instances {
		r -= instances[i].Weight
		if r < 0 {
			return &instances[i], nil
		}
	}
	return nil, fmt.Errorf("loadbalance: unexpected error in weighted random selection")
}

func (b *WeightedRandomBalancer) Name() string { return "WeightedRandom" }
