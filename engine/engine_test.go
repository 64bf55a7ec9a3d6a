package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mochi-hpc/thallium-go/bulk"
	"github.com/mochi-hpc/thallium-go/discovery"
	"github.com/mochi-hpc/thallium-go/provider"
	"github.com/mochi-hpc/thallium-go/rpc"
)

// fakeRegistry is a minimal in-memory discovery.Registry double, used to
// exercise Engine's discovery wiring without an etcd cluster.
type fakeRegistry struct {
	mu        sync.Mutex
	instances map[string][]discovery.Instance
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{instances: make(map[string][]discovery.Instance)}
}

func (r *fakeRegistry) Register(name string, inst discovery.Instance, ttlSeconds int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances[name] = append(r.instances[name], inst)
	return nil
}

func (r *fakeRegistry) Deregister(name string, uri string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.instances[name][:0]
	for _, inst := range r.instances[name] {
		if inst.URI != uri {
			kept = append(kept, inst)
		}
	}
	r.instances[name] = kept
	return nil
}

func (r *fakeRegistry) Discover(name string) ([]discovery.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]discovery.Instance, len(r.instances[name]))
	copy(out, r.instances[name])
	return out, nil
}

func (r *fakeRegistry) Watch(name string) <-chan []discovery.Instance {
	ch := make(chan []discovery.Instance)
	close(ch)
	return ch
}

func newServerClientPair(t *testing.T) (server, client *Engine) {
	t.Helper()
	server, err := New(ModeServer, "tcp", "127.0.0.1:0", DefaultOptions())
	if err != nil {
		t.Fatalf("server New: %v", err)
	}
	t.Cleanup(server.Finalize)

	client, err = New(ModeClient, "tcp", "", DefaultOptions())
	if err != nil {
		t.Fatalf("client New: %v", err)
	}
	t.Cleanup(client.Finalize)
	return server, client
}

func TestSumRPCRoundTrip(t *testing.T) {
	server, client := newServerClientPair(t)

	if _, err := server.Define("sum", 0, "", func(a, b int) int { return a + b }); err != nil {
		t.Fatalf("Define: %v", err)
	}

	proc, err := client.Lookup("sum", 0, true)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	ep := client.LookupAddress(server.ListenAddr())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	packed, err := proc.On(ep).Call(ctx, 3, 4)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	sum, err := rpc.As[int](packed)
	if err != nil {
		t.Fatalf("As[int]: %v", err)
	}
	if sum != 7 {
		t.Fatalf("expected 7, got %d", sum)
	}
}

func TestNonRespondingHelloDoesNotBlock(t *testing.T) {
	server, client := newServerClientPair(t)

	received := make(chan string, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	if _, err := server.DefineIgnoringResult("hello", 0, func(msg string) {
		defer wg.Done()
		received <- msg
	}); err != nil {
		t.Fatalf("DefineIgnoringResult: %v", err)
	}

	proc, err := client.Lookup("hello", 0, false)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	ep := client.LookupAddress(server.ListenAddr())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	packed, err := proc.On(ep).Call(ctx, "hi")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !packed.IsEmpty() {
		t.Fatal("expected empty packed data for a non-responding call")
	}

	select {
	case msg := <-received:
		if msg != "hi" {
			t.Fatalf("expected %q, got %q", "hi", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler never ran")
	}
}

func TestDisableResponseStopsServerFromReplying(t *testing.T) {
	server, client := newServerClientPair(t)

	called := make(chan struct{}, 1)
	proc, err := server.Define("echo", 0, "", func(msg string) string {
		called <- struct{}{}
		return "echo:" + msg
	})
	if err != nil {
		t.Fatalf("Define: %v", err)
	}
	proc.DisableResponse()

	clientProc, err := client.Lookup("echo", 0, false)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	ep := client.LookupAddress(server.ListenAddr())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	packed, err := clientProc.On(ep).Call(ctx, "hi")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !packed.IsEmpty() {
		t.Fatal("expected empty packed data once the procedure's response was disabled")
	}

	select {
	case <-called:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never ran")
	}

	if err := server.SetResponseExpected(proc.ID, true); err != nil {
		t.Fatalf("SetResponseExpected on a known procedure: %v", err)
	}
	if err := server.SetResponseExpected(^uint64(0), true); err == nil {
		t.Fatal("expected an error toggling an unknown procedure id")
	}
}

func TestAsyncMultiply(t *testing.T) {
	server, client := newServerClientPair(t)

	if _, err := server.Define("multiply", 0, "", func(a, b int) int { return a * b }); err != nil {
		t.Fatalf("Define: %v", err)
	}

	proc, err := client.Lookup("multiply", 0, true)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	ep := client.LookupAddress(server.ListenAddr())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	async, err := proc.On(ep).Async(ctx, 6, 7)
	if err != nil {
		t.Fatalf("Async: %v", err)
	}
	packed, err := async.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	product, err := rpc.As[int](packed)
	if err != nil {
		t.Fatalf("As[int]: %v", err)
	}
	if product != 42 {
		t.Fatalf("expected 42, got %d", product)
	}

	if _, err := async.Wait(ctx); err == nil {
		t.Fatal("expected a second Wait on the same AsyncResponse to fail")
	}
}

func TestBulkPullReadsRemoteMemory(t *testing.T) {
	server, client := newServerClientPair(t)

	remoteMem := []byte("thallium bulk transfer payload")
	remoteBulk := server.Expose([][]byte{remoteMem}, bulk.ReadOnly)
	desc := remoteBulk.Describe(server.ListenAddr())

	remoteHandle, err := client.OpenRemoteBulk(desc)
	if err != nil {
		t.Fatalf("OpenRemoteBulk: %v", err)
	}
	remote := remoteHandle.Select(0, len(remoteMem))

	localMem := make([]byte, len(remoteMem))
	localBulk := client.Expose([][]byte{localMem}, bulk.WriteOnly)
	local := localBulk.Select(0, len(remoteMem))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := local.Pull(ctx, remote)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if n != len(remoteMem) {
		t.Fatalf("expected %d bytes pulled, got %d", len(remoteMem), n)
	}
	if string(localMem) != string(remoteMem) {
		t.Fatalf("expected %q, got %q", remoteMem, localMem)
	}
}

func TestProviderMultiplexing(t *testing.T) {
	server, client := newServerClientPair(t)

	provA := provider.New(server, 1, "svc-a", nil)
	provB := provider.New(server, 2, "svc-b", nil)
	if _, err := provA.DefineTyped("identify", func(req *rpc.Request) { req.Respond("a") }); err != nil {
		t.Fatalf("DefineTyped A: %v", err)
	}
	if _, err := provB.DefineTyped("identify", func(req *rpc.Request) { req.Respond("b") }); err != nil {
		t.Fatalf("DefineTyped B: %v", err)
	}

	proc, err := client.Lookup("identify", 1, true)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	ep := client.LookupAddress(server.ListenAddr())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	packedA, err := proc.On(ep).Call(ctx)
	if err != nil {
		t.Fatalf("Call provider 1: %v", err)
	}
	a, err := rpc.As[string](packedA)
	if err != nil {
		t.Fatalf("As[string]: %v", err)
	}
	if a != "a" {
		t.Fatalf("expected %q from provider 1, got %q", "a", a)
	}

	packedB, err := proc.OnProvider(ep, 2).Call(ctx)
	if err != nil {
		t.Fatalf("Call provider 2: %v", err)
	}
	b, err := rpc.As[string](packedB)
	if err != nil {
		t.Fatalf("As[string]: %v", err)
	}
	if b != "b" {
		t.Fatalf("expected %q from provider 2, got %q", "b", b)
	}
}

func TestFinalizeCallbackOrdering(t *testing.T) {
	eng, err := New(ModeClient, "tcp", "", DefaultOptions())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var order []string
	eng.PushPrefinalizeCallback("", func() { order = append(order, "pre-1") })
	eng.PushPrefinalizeCallback("", func() { order = append(order, "pre-2") })
	eng.PushFinalizeCallback("", func() { order = append(order, "fin-1") })
	eng.PushFinalizeCallback("", func() { order = append(order, "fin-2") })

	eng.Finalize()
	eng.Finalize() // idempotent: must not panic or re-run callbacks

	want := []string{"pre-2", "pre-1", "fin-2", "fin-1"}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, order)
		}
	}

	if err := eng.CheckValid(); err == nil {
		t.Fatal("expected CheckValid to fail after Finalize")
	}
}

func TestPoppedFinalizeCallbackNeverFires(t *testing.T) {
	eng, err := New(ModeClient, "tcp", "", DefaultOptions())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ran := false
	eng.PushFinalizeCallback("owner-x", func() { ran = true })
	fn, ok := eng.PopFinalizeCallback("owner-x")
	if !ok {
		t.Fatal("expected to pop the pushed callback")
	}
	_ = fn // deliberately never invoked, simulating Provider.Deregister before Finalize

	eng.Finalize()
	if ran {
		t.Fatal("popped callback must not fire on Finalize")
	}
}

func TestDiscoveryRegistersAndDeregistersOnFinalize(t *testing.T) {
	registry := newFakeRegistry()
	opts := DefaultOptions()
	opts.Discovery = registry
	opts.ServiceName = "thallium.sum"

	server, err := New(ModeServer, "tcp", "127.0.0.1:0", opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	instances, err := registry.Discover("thallium.sum")
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(instances) != 1 || instances[0].URI != server.ListenAddr() {
		t.Fatalf("expected one registered instance at %s, got %v", server.ListenAddr(), instances)
	}

	server.Finalize()

	instances, err = registry.Discover("thallium.sum")
	if err != nil {
		t.Fatalf("Discover after Finalize: %v", err)
	}
	if len(instances) != 0 {
		t.Fatalf("expected deregistration on Finalize, still have %v", instances)
	}
}

func TestLookupServiceResolvesThroughDiscovery(t *testing.T) {
	registry := newFakeRegistry()
	serverOpts := DefaultOptions()
	serverOpts.Discovery = registry
	serverOpts.ServiceName = "thallium.sum"

	server, err := New(ModeServer, "tcp", "127.0.0.1:0", serverOpts)
	if err != nil {
		t.Fatalf("New server: %v", err)
	}
	t.Cleanup(server.Finalize)
	if _, err := server.Define("sum", 0, "", func(a, b int) int { return a + b }); err != nil {
		t.Fatalf("Define: %v", err)
	}

	clientOpts := DefaultOptions()
	clientOpts.Discovery = registry
	client, err := New(ModeClient, "tcp", "", clientOpts)
	if err != nil {
		t.Fatalf("New client: %v", err)
	}
	t.Cleanup(client.Finalize)

	ep, err := client.LookupService("thallium.sum")
	if err != nil {
		t.Fatalf("LookupService: %v", err)
	}

	proc, err := client.Lookup("sum", 0, true)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	packed, err := proc.On(ep).Call(ctx, 10, 5)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	sum, err := rpc.As[int](packed)
	if err != nil {
		t.Fatalf("As[int]: %v", err)
	}
	if sum != 15 {
		t.Fatalf("expected 15, got %d", sum)
	}
}

func TestLookupServiceFailsWithoutDiscovery(t *testing.T) {
	client, err := New(ModeClient, "tcp", "", DefaultOptions())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(client.Finalize)

	if _, err := client.LookupService("thallium.sum"); err == nil {
		t.Fatal("expected LookupService to fail when no discovery registry is configured")
	}
}
