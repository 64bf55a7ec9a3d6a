package discovery

import (
	"context"
	"encoding/json"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/mochi-hpc/thallium-go/errs"
)

// EtcdRegistry implements Registry over etcd v3, the lease/keepalive
// idiom of the teacher's registry.EtcdRegistry generalized from
// "/mini-rpc/{service}/{addr}" keys holding a ServiceInstance to
// "/thallium/{name}/{uri}" keys holding an Instance.
type EtcdRegistry struct {
	client *clientv3.Client
}

// NewEtcdRegistry dials etcd at endpoints.
func NewEtcdRegistry(endpoints []string) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{Endpoints: endpoints})
	if err != nil {
		return nil, errs.EngineInit("discovery.NewEtcdRegistry", "etcd_dial_failed", err)
	}
	return &EtcdRegistry{client: c}, nil
}

func keyFor(name, uri string) string { return "/thallium/" + name + "/" + uri }

// Register puts inst under name with a ttlSeconds lease and starts
// background keepalive, exactly as the teacher's Register does, so an
// engine that dies without calling Deregister disappears from
// discovery once its lease expires rather than lingering forever.
func (r *EtcdRegistry) Register(name string, inst Instance, ttlSeconds int64) error {
	ctx := context.TODO()

	lease, err := r.client.Grant(ctx, ttlSeconds)
	if err != nil {
		return errs.TransportFault("EtcdRegistry.Register", "grant_failed", err)
	}

	val, err := json.Marshal(inst)
	if err != nil {
		return errs.ConfigInvalid("EtcdRegistry.Register", "marshal_failed")
	}

	if _, err := r.client.Put(ctx, keyFor(name, inst.URI), string(val), clientv3.WithLease(lease.ID)); err != nil {
		return errs.TransportFault("EtcdRegistry.Register", "put_failed", err)
	}

	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return errs.TransportFault("EtcdRegistry.Register", "keepalive_failed", err)
	}
	go func() {
		for range ch {
		}
	}()
	return nil
}

// Deregister removes uri from name's instance list. Engines call this
// from their pre-finalize callback stack (spec section 4.1) so peers
// stop being routed new calls before the listener actually closes.
func (r *EtcdRegistry) Deregister(name string, uri string) error {
	if _, err := r.client.Delete(context.TODO(), keyFor(name, uri)); err != nil {
		return errs.TransportFault("EtcdRegistry.Deregister", "delete_failed", err)
	}
	return nil
}

// Discover lists every instance currently registered under name.
func (r *EtcdRegistry) Discover(name string) ([]Instance, error) {
	prefix := "/thallium/" + name + "/"
	resp, err := r.client.Get(context.TODO(), prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, errs.TransportFault("EtcdRegistry.Discover", "get_failed", err)
	}

	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var inst Instance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			continue
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// Watch streams the full instance list for name on every etcd-observed
// change under its prefix, re-fetching rather than diffing individual
// events, same tradeoff the teacher's Watch makes for simplicity.
func (r *EtcdRegistry) Watch(name string) <-chan []Instance {
	ch := make(chan []Instance, 1)
	prefix := "/thallium/" + name + "/"

	go func() {
		watchChan := r.client.Watch(context.TODO(), prefix, clientv3.WithPrefix())
		for range watchChan {
			instances, err := r.Discover(name)
			if err != nil {
				continue
			}
			ch <- instances
		}
	}()

	return ch
}
