// Package engine implements the central coordinator of spec section
// 4.1: the registration table, inbound dispatch, and lifecycle with
// pre-finalize/finalize callback stacks. It generalizes the teacher's
// server.Server (accept loop, per-connection write mutex, middleware
// chain, reflect-based businessHandler) from a flat "Service.Method"
// string namespace dispatching on a dedicated goroutine per request to
// a (provider-id, procedure-id) namespace dispatching onto the ults
// work-unit substrate, so a handler ULT can cooperatively block
// (acquire a thallium mutex, issue further RPCs, perform a bulk
// transfer) without stalling the connection's reader.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/mochi-hpc/thallium-go/address"
	"github.com/mochi-hpc/thallium-go/archive"
	"github.com/mochi-hpc/thallium-go/bulk"
	"github.com/mochi-hpc/thallium-go/config"
	"github.com/mochi-hpc/thallium-go/discovery"
	"github.com/mochi-hpc/thallium-go/endpoint"
	"github.com/mochi-hpc/thallium-go/errs"
	"github.com/mochi-hpc/thallium-go/loadbalance"
	"github.com/mochi-hpc/thallium-go/logging"
	"github.com/mochi-hpc/thallium-go/metrics"
	"github.com/mochi-hpc/thallium-go/middleware"
	"github.com/mochi-hpc/thallium-go/transport"
	"github.com/mochi-hpc/thallium-go/ults"
)

// Mode distinguishes a server engine (listens for inbound connections)
// from a client engine (dials out only), per spec section 3: "Has a
// mode (server, client) and a listening flag."
type Mode int

const (
	ModeClient Mode = iota
	ModeServer
)

// Options configures Engine construction (spec section 4.1:
// "Engine::new(protocol, mode, options) where options is an enumerated
// record: {use_progress_thread, rpc_thread_count, config}").
type Options struct {
	UseProgressThread bool
	RPCThreadCount    int
	Config            *config.Document
	RateLimit         rate.Limit
	RateBurst         int
	Middlewares       []middleware.Middleware

	// Discovery, if set, registers this server-mode engine's listen
	// address under ServiceName with a TTL lease on construction and
	// deregisters it from the pre-finalize stack (spec section 4.7's
	// out-of-scope "address/endpoint discovery" collaborator, wired to
	// the teacher's etcd registry). ServiceName must be set alongside
	// it; DiscoveryTTLSeconds defaults to 30 if zero.
	Discovery           discovery.Registry
	ServiceName         string
	DiscoveryProviderID uint16
	DiscoveryWeight     int
	DiscoveryTTLSeconds int64
	// Balancer picks among several instances a LookupService call
	// resolves through Discovery; defaults to round robin.
	Balancer loadbalance.Balancer
}

// DefaultOptions matches the teacher's implicit zero-config server: one
// RPC pool, no progress thread, no config document, no rate limit.
func DefaultOptions() Options {
	return Options{RPCThreadCount: 1}
}

// Engine is the sole owner of a transport listener (server mode) or
// dial-only connection pool (client mode), and the map from
// procedure-id to dispatcher spec section 3 describes. Every outward
// handle (Endpoint, Procedure, Bulk) holds only a weak back-reference
// to it, upgraded through CheckValid on each use.
type Engine struct {
	mode     Mode
	protocol string
	network  string

	valid atomic.Bool

	listener *transport.Listener
	selfAddr *address.Address

	connsMu sync.Mutex
	conns   map[string]*transport.Conn

	procMu      sync.RWMutex
	procedures  map[uint64]*procedureEntry
	clientStubs map[uint64]*stubEntry

	pools       map[string]*ults.Pool
	xstreams    []*ults.Xstream
	defaultPool *ults.Pool

	cbMu             sync.Mutex
	prefinalizeStack []callbackEntry
	finalizeStack    []callbackEntry

	finalizeOnce sync.Once
	finalizeCh   chan struct{}

	bulkRegistry *bulk.Registry

	remoteShutdownEnabled atomic.Bool

	rateLimiter *rate.Limiter

	chain middleware.HandlerFunc

	metrics *metrics.Metrics

	discovery   discovery.Registry
	balancer    loadbalance.Balancer
	serviceName string
}

type callbackEntry struct {
	owner string
	fn    func()
}

// New brings up an engine bound to protocol (e.g. "tcp") listening on
// address ("tcp://0.0.0.0:PORT", a bare "host:port", or "tcp" to
// auto-assign an ephemeral port), per spec section 4.1. Fails with
// EngineInit on transport bring-up failure.
func New(mode Mode, network, listenAddr string, opts Options) (*Engine, error) {
	e := &Engine{
		mode:        mode,
		protocol:    network,
		conns:       make(map[string]*transport.Conn),
		procedures:  make(map[uint64]*procedureEntry),
		clientStubs: make(map[uint64]*stubEntry),
		pools:       make(map[string]*ults.Pool),
		finalizeCh:  make(chan struct{}),
		metrics:     metrics.New(),
	}
	e.valid.Store(true)
	e.bulkRegistry = bulk.NewRegistry()

	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		e.rateLimiter = rate.NewLimiter(opts.RateLimit, burst)
	}

	if err := e.buildTopology(opts); err != nil {
		return nil, err
	}
	e.chain = middleware.Chain(opts.Middlewares...)(e.invokeHandler)

	if mode == ModeServer {
		bindAddr := listenAddr
		if _, hostport, uriErr := splitURI(listenAddr); uriErr == nil {
			bindAddr = hostport
		} else if listenAddr == network {
			bindAddr = ":0"
		}
		ln, err := transport.Listen(network, bindAddr, e.inbound)
		if err != nil {
			return nil, errs.EngineInit("engine.New", "listen_failed", err)
		}
		e.listener = ln
		e.selfAddr = address.New(fmt.Sprintf("%s://%s", network, ln.Addr()))

		if opts.Discovery != nil && opts.ServiceName != "" {
			e.discovery = opts.Discovery
			e.serviceName = opts.ServiceName
			ttl := opts.DiscoveryTTLSeconds
			if ttl <= 0 {
				ttl = 30
			}
			inst := discovery.Instance{URI: e.selfAddr.String(), ProviderID: opts.DiscoveryProviderID, Weight: opts.DiscoveryWeight}
			if err := opts.Discovery.Register(opts.ServiceName, inst, ttl); err != nil {
				e.listener.Close()
				return nil, errs.EngineInit("engine.New", "discovery_register_failed", err)
			}
			e.PushPrefinalizeCallback("", func() {
				if err := opts.Discovery.Deregister(opts.ServiceName, inst.URI); err != nil {
					logging.Logger.Printf("discovery deregister failed: %v", err)
				}
			})
		}
	} else {
		e.selfAddr = address.Null()
	}

	if opts.Balancer != nil {
		e.balancer = opts.Balancer
	} else {
		e.balancer = &loadbalance.RoundRobinBalancer{}
	}

	return e, nil
}

// buildTopology creates the engine's pools and xstreams per spec section
// 6. With no config, a single default MPMC pool serves every procedure,
// matching the teacher's implicit single dispatch goroutine pool — but
// that pool still needs at least one xstream actually draining it, or
// every handler ULT dispatchRequest pushes onto it sits queued forever.
// Options.RPCThreadCount (1 by default) says how many.
func (e *Engine) buildTopology(opts Options) error {
	if opts.Config == nil || len(opts.Config.Argobots.Pools) == 0 {
		e.defaultPool = ults.NewPool(config.PrimaryName, ults.AccessMPMC)
		e.pools[config.PrimaryName] = e.defaultPool

		threads := opts.RPCThreadCount
		if threads <= 0 {
			threads = 1
		}
		for i := 0; i < threads; i++ {
			sched := ults.NewBasicScheduler([]*ults.Pool{e.defaultPool}, nil)
			e.xstreams = append(e.xstreams, ults.CreateWithScheduler(config.PrimaryName, sched))
		}
		return nil
	}
	for _, pc := range opts.Config.Argobots.Pools {
		policy := accessPolicyFromConfig(pc.Access)
		var pool *ults.Pool
		if pc.Kind == config.PoolPrio || pc.Kind == config.PoolPrioWait {
			pool = ults.NewPriorityPool(pc.Name, policy)
		} else {
			pool = ults.NewPool(pc.Name, policy)
		}
		e.pools[pc.Name] = pool
	}
	if e.defaultPool == nil {
		for _, p := range e.pools {
			e.defaultPool = p
			break
		}
	}
	for _, xc := range opts.Config.Argobots.Xstreams {
		pools := make([]*ults.Pool, 0, len(xc.Scheduler.Pools))
		for _, ref := range xc.Scheduler.Pools {
			name, err := opts.Config.ResolvePoolRef(ref)
			if err != nil {
				return err
			}
			if p, ok := e.pools[name]; ok {
				pools = append(pools, p)
			}
		}
		sched := schedulerFromConfig(xc.Scheduler.Type, pools)
		e.xstreams = append(e.xstreams, ults.CreateWithScheduler(xc.Name, sched))
	}
	return nil
}

func accessPolicyFromConfig(a config.PoolAccess) ults.AccessPolicy {
	switch a {
	case config.AccessSPSC:
		return ults.AccessSPSC
	case config.AccessMPSC:
		return ults.AccessMPSC
	case config.AccessSPMC:
		return ults.AccessSPMC
	case config.AccessPriv:
		return ults.AccessPrivate
	default:
		return ults.AccessMPMC
	}
}

func schedulerFromConfig(t config.SchedulerType, pools []*ults.Pool) *ults.Scheduler {
	switch t {
	case config.SchedulerBasicWait:
		return ults.NewBasicWaitScheduler(pools, nil)
	case config.SchedulerPrio:
		return ults.NewPriorityScheduler(pools, nil)
	case config.SchedulerRandWS:
		return ults.NewRandomWorkStealingScheduler(pools, nil)
	default:
		return ults.NewBasicScheduler(pools, nil)
	}
}

// poolNamed returns the named pool, or the default pool if name is "".
func (e *Engine) poolNamed(name string) (*ults.Pool, error) {
	if name == "" {
		if e.defaultPool == nil {
			return nil, errs.ThreadingFault("Engine.poolNamed", "no_default_pool", nil)
		}
		return e.defaultPool, nil
	}
	p, ok := e.pools[name]
	if !ok {
		return nil, errs.ThreadingFault("Engine.poolNamed", "unknown_pool:"+name, nil)
	}
	return p, nil
}

// CheckValid implements archive.EngineAccessor / endpoint.Engine /
// rpc.Engine: every weak back-reference upgrades through this call,
// failing with EngineInvalid once the engine has been finalized (spec
// section 3: "once the engine is finalized, further operations on any
// derived handle fail with EngineInvalid").
func (e *Engine) CheckValid() error {
	if !e.valid.Load() {
		return errs.EngineInvalid("Engine.CheckValid")
	}
	return nil
}

// accessor builds the func() (archive.EngineAccessor, error) closure
// every outward handle (endpoint, procedure, packed data) captures as
// its weak back-reference.
func (e *Engine) accessor() func() (archive.EngineAccessor, error) {
	return func() (archive.EngineAccessor, error) {
		if err := e.CheckValid(); err != nil {
			return nil, err
		}
		return e, nil
	}
}

func (e *Engine) endpointAccessor() func() (endpoint.Engine, error) {
	return func() (endpoint.Engine, error) {
		if err := e.CheckValid(); err != nil {
			return nil, err
		}
		return e, nil
	}
}

// ConnFor dials (or reuses a pooled connection to) addr, implementing
// endpoint.Engine. One connection per remote address is kept alive and
// shared across every Endpoint/Callable resolving to it, mirroring the
// teacher's transport.ConnPool's dial-once-reuse discipline.
func (e *Engine) ConnFor(addr *address.Address) (*transport.Conn, error) {
	if err := e.CheckValid(); err != nil {
		return nil, err
	}
	uri := addr.String()
	e.connsMu.Lock()
	if c, ok := e.conns[uri]; ok {
		e.connsMu.Unlock()
		return c, nil
	}
	e.connsMu.Unlock()

	network, hostport, err := splitURI(uri)
	if err != nil {
		return nil, err
	}
	conn, err := transport.Dial(context.Background(), network, hostport, e.inbound)
	if err != nil {
		return nil, err
	}

	e.connsMu.Lock()
	if existing, ok := e.conns[uri]; ok {
		e.connsMu.Unlock()
		conn.Close()
		return existing, nil
	}
	e.conns[uri] = conn
	e.connsMu.Unlock()
	return conn, nil
}

// Self returns an endpoint bound to the engine's own listening address
// (supplemented feature, grounded on the original engine::self(), not
// present in the distilled spec): lets a test or a handler obtain a
// loopback endpoint without an external lookup round trip.
func (e *Engine) Self() *endpoint.Endpoint {
	return endpoint.New(e.endpointAccessor(), e.selfAddr)
}

// LookupAddress wraps a raw transport URI as an Endpoint bound to this
// engine (spec section 1's "looks up peer addresses to obtain
// endpoints"). Named distinctly from the procedure-name Lookup in
// registration.go, which resolves a different spec section 4.1
// operation under the same verb.
func (e *Engine) LookupAddress(uri string) *endpoint.Endpoint {
	return endpoint.New(e.endpointAccessor(), address.New(uri))
}

// LookupService resolves a logical service name through the engine's
// discovery registry, picks one instance with its balancer, and wraps
// the result as an Endpoint. Fails with ConfigInvalid if no Discovery
// was configured at construction.
func (e *Engine) LookupService(serviceName string) (*endpoint.Endpoint, error) {
	if e.discovery == nil {
		return nil, errs.ConfigInvalid("Engine.LookupService", "no discovery registry configured")
	}
	instances, err := e.discovery.Discover(serviceName)
	if err != nil {
		return nil, err
	}
	inst, err := e.balancer.Pick(instances)
	if err != nil {
		return nil, err
	}
	return e.LookupAddress(inst.URI), nil
}

// ListenAddr returns the bound listen address, or "" for a client-mode
// engine or one whose listener has not started.
func (e *Engine) ListenAddr() string {
	if e.selfAddr == nil {
		return ""
	}
	return e.selfAddr.String()
}

// Metrics exposes the engine's Prometheus collectors for a caller to
// register alongside its own, or scrape directly in tests.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// EnableRemoteShutdown allows a peer's ShutdownRemoteEngine call to
// trigger this engine's Finalize (spec section 4.1).
func (e *Engine) EnableRemoteShutdown() { e.remoteShutdownEnabled.Store(true) }
