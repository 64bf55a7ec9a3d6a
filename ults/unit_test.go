package ults

import (
	"context"
	"testing"
	"time"
)

func TestULTRunsAndJoins(t *testing.T) {
	var ran bool
	u := NewULT("t1", func(ctx context.Context) {
		ran = true
	})
	u.run(context.Background())
	u.Join()
	if !ran {
		t.Fatalf("ULT function did not run")
	}
	if u.State() != StateDone {
		t.Fatalf("expected StateDone, got %v", u.State())
	}
}

func TestTaskletRunsInline(t *testing.T) {
	order := []string{}
	u := NewTasklet("t2", func(ctx context.Context) {
		order = append(order, "ran")
	})
	u.run(context.Background())
	order = append(order, "after")
	if len(order) != 2 || order[0] != "ran" || order[1] != "after" {
		t.Fatalf("tasklet did not run synchronously: %v", order)
	}
	if !u.Done() {
		t.Fatalf("expected tasklet to be done")
	}
}

func TestCancelPendingNeverRuns(t *testing.T) {
	ran := false
	u := NewULT("t3", func(ctx context.Context) { ran = true })
	u.Cancel()
	if !u.Done() {
		t.Fatalf("cancelled pending unit should report done")
	}
	if ran {
		t.Fatalf("cancelled pending unit should never run its function")
	}
}

func TestCancelRunningHonoredAtYieldPoint(t *testing.T) {
	started := make(chan struct{})
	u := NewULT("t4", func(ctx context.Context) {
		close(started)
		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
			t.Error("context was never cancelled")
		}
	})
	u.run(context.Background())
	<-started
	u.Cancel()
	u.Join()
}

func TestMigrateToOnlyBeforeStart(t *testing.T) {
	p1 := NewPool("p1", AccessMPMC)
	p2 := NewPool("p2", AccessMPMC)
	u := NewULT("t5", func(ctx context.Context) {})
	if err := p1.Push(u); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if err := u.MigrateTo(p2); err != nil {
		t.Fatalf("migrate before start should succeed: %v", err)
	}
	// p1.Pop sees the pending migration and redirects the unit onto p2
	// instead of returning it.
	if _, ok := p1.Pop(); ok {
		t.Fatalf("expected p1.Pop to redirect the unit rather than return it")
	}
	popped, ok := p2.Pop()
	if !ok {
		t.Fatalf("expected migrated unit to land on p2")
	}
	if popped != u {
		t.Fatalf("expected to pop the same unit")
	}
	u.run(context.Background())
	u.Join()
	if err := u.MigrateTo(p1); err == nil {
		t.Fatalf("migrate after start should fail")
	}
}
