package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRegistersCollectors(t *testing.T) {
	m := New()
	if m.Registry == nil {
		t.Fatal("expected a registry")
	}

	m.InflightRequests.Inc()
	if got := testutil.ToFloat64(m.InflightRequests); got != 1 {
		t.Fatalf("expected inflight requests to be 1, got %v", got)
	}

	m.BulkBytesPushed.Add(8)
	if got := testutil.ToFloat64(m.BulkBytesPushed); got != 8 {
		t.Fatalf("expected 8 bytes pushed, got %v", got)
	}

	m.PoolDepth.WithLabelValues("rpc-pool").Set(3)
	if got := testutil.ToFloat64(m.PoolDepth.WithLabelValues("rpc-pool")); got != 3 {
		t.Fatalf("expected pool depth 3, got %v", got)
	}
}

func TestNewIsIndependentAcrossEngines(t *testing.T) {
	a := New()
	b := New()
	a.InflightRequests.Inc()
	if got := testutil.ToFloat64(b.InflightRequests); got != 0 {
		t.Fatalf("expected independent registries, got %v on b", got)
	}
}
