// Package config decodes the engine's optional JSON configuration
// document (spec section 6): named pools, execution streams, and their
// scheduler assignments, superseding the simple {use_progress_thread,
// rpc_thread_count} options when present. The teacher has no config
// layer of its own (etcd endpoints are passed as a literal []string);
// thallium-go decodes this document the same way the teacher decodes
// wire messages — plain encoding/json, no reflection-based config
// framework, since no repo in the pack reaches past encoding/json for
// configuration.
package config

import (
	"encoding/json"

	"github.com/mochi-hpc/thallium-go/errs"
)

// PrimaryName is the reserved pool/xstream name spec section 6 carves
// out for the engine's primary pool and primary xstream.
const PrimaryName = "__primary__"

// PoolKind selects a pool's backend and wait behavior.
type PoolKind string

const (
	PoolFIFO     PoolKind = "fifo"
	PoolFIFOWait PoolKind = "fifo_wait"
	PoolPrio     PoolKind = "prio"
	PoolPrioWait PoolKind = "prio_wait"
)

// PoolAccess mirrors ults.AccessPolicy in the document's string form.
type PoolAccess string

const (
	AccessPriv PoolAccess = "priv"
	AccessSPSC PoolAccess = "spsc"
	AccessMPSC PoolAccess = "mpsc"
	AccessSPMC PoolAccess = "spmc"
	AccessMPMC PoolAccess = "mpmc"
)

// SchedulerType selects a predefined scheduler (spec section 4.6).
type SchedulerType string

const (
	SchedulerBasic     SchedulerType = "basic"
	SchedulerBasicWait SchedulerType = "basic_wait"
	SchedulerPrio      SchedulerType = "prio"
	SchedulerRandWS    SchedulerType = "randws"
)

// PoolConfig describes one named pool in the argobots.pools array.
type PoolConfig struct {
	Name   string     `json:"name"`
	Kind   PoolKind   `json:"kind"`
	Access PoolAccess `json:"access"`
}

// SchedulerConfig describes one xstream's scheduler and the pools it
// draws from. Pools may be referenced by integer index into the
// Document's Pools array or by name; PrimaryName is reserved.
type SchedulerConfig struct {
	Type  SchedulerType `json:"type"`
	Pools []any         `json:"pools"`
}

// XstreamConfig describes one named execution stream.
type XstreamConfig struct {
	Name      string          `json:"name"`
	Scheduler SchedulerConfig `json:"scheduler"`
}

// Argobots is the nested document holding the pool/xstream topology.
type Argobots struct {
	Pools    []PoolConfig    `json:"pools"`
	Xstreams []XstreamConfig `json:"xstreams"`
}

// Document is the top-level JSON configuration shape spec section 6
// defines. A zero-value Document (no Argobots.Pools/Xstreams) means
// "use the engine's simple default topology".
type Document struct {
	UseProgressThread bool     `json:"use_progress_thread"`
	Argobots          Argobots `json:"argobots"`
}

// Parse decodes raw JSON into a Document, failing with ConfigInvalid on
// malformed input (spec section 7: "ConfigInvalid{path, reason} — JSON
// config rejected").
func Parse(raw []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errs.ConfigInvalid("<config>", err.Error())
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate checks referential integrity: every scheduler's pool
// reference must resolve to a declared pool name or a valid index, and
// pool/xstream names must be unique (PrimaryName may appear at most
// once across pools and once across xstreams, since it is a singleton
// per spec section 6).
func (d *Document) Validate() error {
	names := make(map[string]bool, len(d.Argobots.Pools))
	for i, p := range d.Argobots.Pools {
		if p.Name == "" {
			return errs.ConfigInvalid("argobots.pools", "pool missing name")
		}
		if names[p.Name] {
			return errs.ConfigInvalid("argobots.pools", "duplicate pool name "+p.Name)
		}
		names[p.Name] = true
		_ = i
	}
	xnames := make(map[string]bool, len(d.Argobots.Xstreams))
	for _, x := range d.Argobots.Xstreams {
		if x.Name == "" {
			return errs.ConfigInvalid("argobots.xstreams", "xstream missing name")
		}
		if xnames[x.Name] {
			return errs.ConfigInvalid("argobots.xstreams", "duplicate xstream name "+x.Name)
		}
		xnames[x.Name] = true
		for _, ref := range x.Scheduler.Pools {
			if _, err := d.ResolvePoolRef(ref); err != nil {
				return err
			}
		}
	}
	return nil
}

// ResolvePoolRef turns a scheduler's pool reference (a JSON number or
// string) into the declared pool's name.
func (d *Document) ResolvePoolRef(ref any) (string, error) {
	switch v := ref.(type) {
	case string:
		if v == PrimaryName {
			return PrimaryName, nil
		}
		for _, p := range d.Argobots.Pools {
			if p.Name == v {
				return v, nil
			}
		}
		return "", errs.ConfigInvalid("argobots.xstreams[].scheduler.pools", "unknown pool name "+v)
	case float64: // encoding/json decodes JSON numbers as float64
		idx := int(v)
		if idx < 0 || idx >= len(d.Argobots.Pools) {
			return "", errs.ConfigInvalid("argobots.xstreams[].scheduler.pools", "pool index out of range")
		}
		return d.Argobots.Pools[idx].Name, nil
	default:
		return "", errs.ConfigInvalid("argobots.xstreams[].scheduler.pools", "pool reference must be a string or integer")
	}
}
