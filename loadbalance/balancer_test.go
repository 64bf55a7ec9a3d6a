package loadbalance

import (
	"fmt"
	"testing"

	"github.com/mochi-hpc/thallium-go/discovery"
)

var testInstances = []discovery.Instance{
	{URI: "tcp://127.0.0.1:8001", ProviderID: 1, Weight: 10},
	{URI: "tcp://127.0.0.1:8002", ProviderID: 1, Weight: 5},
	{URI: "tcp://127.0.0.1:8003", ProviderID: 1, Weight: 10},
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}

	results := make([]string, 3)
	for i := 0; i < 3; i++ {
		inst, err := b.Pick(testInstances)
		if err != nil {
			t.Fatal(err)
		}
		results[i] = inst.URI
	}

	inst, _ := b.Pick(testInstances)
	if inst.URI != results[0] {
		t.Fatalf("expect wrap around to %s, got %s", results[0], inst.URI)
	}
}

func TestRoundRobinEmpty(t *testing.T) {
	b := &RoundRobinBalancer{}
	_, err := b.Pick([]discovery.Instance{})
	if err == nil {
		t.Fatal("expect error for empty instances")
	}
}

func TestWeightedRandom(t *testing.T) {
	b := &WeightedRandomBalancer{}

	counts := map[string]int{}
	n := 10000
	for i := 0; i < n; i++ {
		inst, err := b.Pick(testInstances)
		if err != nil {
			t.Fatal(err)
		}
		counts[inst.URI]++
	}

	ratio := float64(counts["tcp://127.0.0.1:8001"]) / float64(counts["tcp://127.0.0.1:8002"])
	if ratio < 1.5 || ratio > 2.5 {
		t.Fatalf("weight ratio 8001/8002 = %.2f, expect ~2.0", ratio)
	}
}

func TestConsistentHash(t *testing.T) {
	b := NewConsistentHashBalancer()
	for i := range testInstances {
		b.Add(&testInstances[i])
	}

	inst1, _ := b.Pick("user-123")
	inst2, _ := b.Pick("user-123")
	if inst1.URI != inst2.URI {
		t.Fatalf("same key mapped to different instances: %s vs %s", inst1.URI, inst2.URI)
	}

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		inst, _ := b.Pick(fmt.Sprintf("key-%d", i))
		seen[inst.URI] = true
	}

	if len(seen) < 2 {
		t.Fatalf("expect at least 2 different instances, got %d", len(seen))
	}
}
