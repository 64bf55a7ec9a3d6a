package sync2

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMutexExclusion(t *testing.T) {
	m := NewMutex()
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Lock()
			counter++
			m.Unlock()
		}()
	}
	wg.Wait()
	if counter != 100 {
		t.Fatalf("expected counter 100, got %d", counter)
	}
}

func TestRecursiveMutexReentry(t *testing.T) {
	m := NewRecursiveMutex()
	const token = 42
	m.LockAs(token)
	m.LockAs(token) // re-entrant, must not deadlock
	if err := m.UnlockAs(token); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.UnlockAs(token); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.UnlockAs(token); err == nil {
		t.Fatalf("expected error unlocking an already-released mutex")
	}
}

func TestRwlockAllowsConcurrentReaders(t *testing.T) {
	l := NewRwlock()
	l.RLock()
	if !l.TryRLock() {
		t.Fatalf("expected a second reader to be allowed in")
	}
	l.RUnlock()
	l.RUnlock()
	if !l.TryWLock() {
		t.Fatalf("expected writer lock to succeed once readers drained")
	}
	l.WUnlock()
}

func TestCondWaitPredicate(t *testing.T) {
	m := NewMutex()
	c := NewCond(m)
	ready := false

	go func() {
		time.Sleep(10 * time.Millisecond)
		m.Lock()
		ready = true
		m.Unlock()
		c.NotifyAll()
	}()

	m.Lock()
	c.WaitPredicate(func() bool { return ready })
	m.Unlock()
	if !ready {
		t.Fatalf("expected predicate to hold after wait")
	}
}

func TestBarrierReleasesAllWaiters(t *testing.T) {
	const n = 5
	b := NewBarrier(n)
	var wg sync.WaitGroup
	wg.Add(n)
	count := 0
	var mu sync.Mutex
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			b.Wait()
			mu.Lock()
			count++
			mu.Unlock()
		}()
	}
	wg.Wait()
	if count != n {
		t.Fatalf("expected all %d waiters released, got %d", n, count)
	}
}

func TestEventualSetWaitTestReset(t *testing.T) {
	e := NewEventual[int]()
	if _, ok := e.Test(); ok {
		t.Fatalf("expected unset eventual to report false")
	}
	go func() {
		time.Sleep(5 * time.Millisecond)
		e.Set(7)
	}()
	v, err := e.Wait(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 7 {
		t.Fatalf("expected 7, got %d", v)
	}
	e.Reset()
	if _, ok := e.Test(); ok {
		t.Fatalf("expected eventual to be unset after reset")
	}
}

func TestEventualWaitRespectsCancellation(t *testing.T) {
	e := NewEventual[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if _, err := e.Wait(ctx); err == nil {
		t.Fatalf("expected cancellation error")
	}
}

func TestFutureFanIn(t *testing.T) {
	sum := func(acc, v int) int { return acc + v }
	completed := make(chan int, 1)
	f := NewFuture(3, sum, func(v int) { completed <- v })
	go f.Set(1)
	go f.Set(2)
	go f.Set(3)

	total, err := f.Wait(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 6 {
		t.Fatalf("expected sum 6, got %d", total)
	}
	select {
	case v := <-completed:
		if v != 6 {
			t.Fatalf("expected completion callback value 6, got %d", v)
		}
	case <-time.After(time.Second):
		t.Fatalf("completion callback never fired")
	}
}

func TestTimerStartStopAccumulates(t *testing.T) {
	tm := NewTimer()
	tm.Start()
	time.Sleep(10 * time.Millisecond)
	tm.Stop()
	first := tm.Read()
	if first <= 0 {
		t.Fatalf("expected positive elapsed time, got %v", first)
	}
	tm.Start()
	time.Sleep(10 * time.Millisecond)
	tm.Stop()
	second := tm.Read()
	if second <= first {
		t.Fatalf("expected accumulated time to grow, got %v then %v", first, second)
	}
}

func TestWtimeMonotonicishForward(t *testing.T) {
	a := Wtime()
	time.Sleep(time.Millisecond)
	b := Wtime()
	if b <= a {
		t.Fatalf("expected wtime to advance, got %v then %v", a, b)
	}
}
