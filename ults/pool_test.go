package ults

import (
	"context"
	"sync"
	"testing"
)

func TestPoolFIFOOrder(t *testing.T) {
	p := NewPool("fifo", AccessMPMC)
	var got []string
	for _, name := range []string{"a", "b", "c"} {
		name := name
		if _, err := p.Spawn(context.Background(), name, func(ctx context.Context) {}); err != nil {
			t.Fatalf("spawn failed: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		u, ok := p.Pop()
		if !ok {
			t.Fatalf("expected a unit")
		}
		got = append(got, u.Name())
	}
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("expected FIFO order, got %v", got)
	}
}

func TestPoolTotalSizeTracksQueueDepth(t *testing.T) {
	p := NewPool("depth", AccessMPMC)
	p.Spawn(context.Background(), "x", func(ctx context.Context) {})
	if p.TotalSize() != 1 {
		t.Fatalf("expected total size 1, got %d", p.TotalSize())
	}
	p.Pop()
	if p.TotalSize() != 0 {
		t.Fatalf("expected total size 0 after pop, got %d", p.TotalSize())
	}
}

func TestPoolSPSCRejectsConcurrentProducers(t *testing.T) {
	p := NewPool("spsc", AccessSPSC)
	u1 := NewULT("u1", func(ctx context.Context) {})
	if err := p.Push(u1); err != nil {
		t.Fatalf("first push should succeed: %v", err)
	}

	// Simulate a second producer racing in by holding the semaphore open:
	// acquire it directly the way Push would, then confirm a nested Push
	// observes the policy violation.
	p.prodSem.TryAcquire(1)
	u2 := NewULT("u2", func(ctx context.Context) {})
	if err := p.Push(u2); err == nil {
		t.Fatalf("expected access policy violation on concurrent SPSC push")
	}
}

func TestPriorityPoolOrdersByPriority(t *testing.T) {
	p := NewPriorityPool("prio", AccessMPMC)
	low := NewULT("low", func(ctx context.Context) {})
	low.Priority = 1
	high := NewULT("high", func(ctx context.Context) {})
	high.Priority = 10
	mid := NewULT("mid", func(ctx context.Context) {})
	mid.Priority = 5

	p.Push(low)
	p.Push(high)
	p.Push(mid)

	first, _ := p.Pop()
	second, _ := p.Pop()
	third, _ := p.Pop()
	if first.Name() != "high" || second.Name() != "mid" || third.Name() != "low" {
		t.Fatalf("expected priority order high,mid,low; got %s,%s,%s", first.Name(), second.Name(), third.Name())
	}
}

func TestPoolRemoveBeforeStart(t *testing.T) {
	p := NewPool("rm", AccessMPMC)
	u := NewULT("u", func(ctx context.Context) {})
	p.Push(u)
	if !p.Remove(u) {
		t.Fatalf("expected remove to succeed")
	}
	if p.Size() != 0 {
		t.Fatalf("expected pool to be empty after remove")
	}
}

func TestPoolConcurrentPushPop(t *testing.T) {
	p := NewPool("concurrent", AccessMPMC)
	const n = 200
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			p.Spawn(context.Background(), "w", func(ctx context.Context) {})
		}()
	}
	wg.Wait()
	if p.TotalSize() != n {
		t.Fatalf("expected %d queued units, got %d", n, p.TotalSize())
	}
	count := 0
	for {
		if _, ok := p.Pop(); ok {
			count++
		} else {
			break
		}
	}
	if count != n {
		t.Fatalf("expected to pop %d units, popped %d", n, count)
	}
}
