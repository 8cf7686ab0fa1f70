// Package store is the boundary to the coordination substrate: a consistent
// KV store with compare-and-swap, a service health directory, the catalog's
// datacenter list and the local agent's maintenance flag.
package store

import (
	"context"
	"errors"
)

// ErrUnavailable wraps every failure to reach the backend.
var ErrUnavailable = errors.New("backend unavailable")

// Health status strings as reported by the directory.
const (
	StatusPassing  = "passing"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

// Pair is a single KV entry.
type Pair struct {
	Key         string
	Value       []byte
	ModifyIndex uint64
}

// HealthEntry is one node's view of a service in the health directory.
type HealthEntry struct {
	Node       string
	Datacenter string
	ServiceID  string
	Status     string
}

// KV is the subset of the backend used for descriptors, signals and triggers.
type KV interface {
	// Get returns nil, nil when the key does not exist.
	Get(ctx context.Context, key string) (*Pair, error)
	Put(ctx context.Context, key string, value []byte) error
	// CAS writes value only if the key's ModifyIndex still equals index.
	// Index 0 means the key must not exist yet.
	CAS(ctx context.Context, key string, value []byte, index uint64) (bool, error)
}

// Directory is the subset of the backend used for health and topology.
type Directory interface {
	ServiceHealth(ctx context.Context, service, datacenter string) ([]HealthEntry, error)
	Datacenters(ctx context.Context) ([]string, error)
	LocalDatacenter(ctx context.Context) (string, error)
}

// Agent toggles the local agent's per-service maintenance mode, which takes
// the instance out of DNS and service discovery.
type Agent interface {
	SetMaintenance(ctx context.Context, serviceID string, enable bool, reason string) error
}

// Backend bundles everything a powerconsul invocation talks to.
type Backend interface {
	KV
	Directory
	Agent
}
