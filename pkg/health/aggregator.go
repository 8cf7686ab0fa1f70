// Package health turns the service health directory into per-node
// pass/fail records scoped to the local node's fleet.
package health

import (
	"context"
	"fmt"
	"regexp"
	"sort"

	"github.com/rs/zerolog"
	"powerconsul-go/pkg/cluster"
	"powerconsul-go/pkg/core"
	"powerconsul-go/pkg/store"
)

// Record is one node's health for a service.
type Record struct {
	Node       string `json:"node"`
	Datacenter string `json:"datacenter,omitempty"`
	Passing    bool   `json:"passing"`
	Status     string `json:"status"`
}

// Aggregator queries the directory and filters out other fleets.
type Aggregator struct {
	dir    store.Directory
	id     core.Identity
	namer  core.Namer
	filter *regexp.Regexp
	logger zerolog.Logger
}

// NewAggregator creates an Aggregator. filter may be nil.
func NewAggregator(dir store.Directory, id core.Identity, namer core.Namer, filter *regexp.Regexp, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		dir:    dir,
		id:     id,
		namer:  namer,
		filter: filter,
		logger: logger.With().Str("component", "health").Logger(),
	}
}

// StatusByNode returns the health of service across datacenters (the local
// one when empty). Entries from nodes of another environment or role-tag
// are dropped, as are nodes outside nodeFilter when it is non-empty. Nodes
// named in nodeFilter that the directory doesn't know report as failing.
func (a *Aggregator) StatusByNode(ctx context.Context, service string, datacenters, nodeFilter []string) ([]Record, error) {
	if len(datacenters) == 0 {
		datacenters = []string{""}
	}

	allow := make(map[string]bool, len(nodeFilter))
	for _, n := range nodeFilter {
		allow[n] = false
	}

	var records []Record
	for _, dc := range datacenters {
		entries, err := a.dir.ServiceHealth(ctx, service, dc)
		if err != nil {
			return nil, fmt.Errorf("failed to query health of %s: %w", service, err)
		}
		for _, e := range entries {
			if !a.id.SameFleet(a.namer, e.Node) {
				a.logger.Debug().Str("node", e.Node).Msg("Skipping node from another fleet")
				continue
			}
			if a.filter != nil && !a.filter.MatchString(e.Node) {
				continue
			}
			if len(nodeFilter) > 0 {
				if _, ok := allow[e.Node]; !ok {
					continue
				}
				allow[e.Node] = true
			}
			records = append(records, Record{
				Node:       e.Node,
				Datacenter: e.Datacenter,
				Passing:    e.Status == store.StatusPassing,
				Status:     e.Status,
			})
		}
	}

	for node, seen := range allow {
		if !seen {
			records = append(records, Record{Node: node, Passing: false, Status: "missing"})
		}
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].Node != records[j].Node {
			return records[i].Node < records[j].Node
		}
		return records[i].Datacenter < records[j].Datacenter
	})
	return records, nil
}

// AnyPassing reports whether at least one member of d's active group is
// healthy. An empty result is false; only directory errors are errors.
func (a *Aggregator) AnyPassing(ctx context.Context, d *cluster.Descriptor) (bool, error) {
	records, err := a.activeRecords(ctx, d)
	if err != nil {
		return false, err
	}
	for _, r := range records {
		if r.Passing {
			return true, nil
		}
	}
	return false, nil
}

func (a *Aggregator) activeRecords(ctx context.Context, d *cluster.Descriptor) ([]Record, error) {
	switch d.GroupBy {
	case cluster.GroupDatacenter:
		return a.StatusByNode(ctx, d.Service, d.Active, nil)
	case cluster.GroupNodes:
		dcs, err := a.dir.Datacenters(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list datacenters: %w", err)
		}
		return a.StatusByNode(ctx, d.Service, dcs, d.Active)
	default:
		return a.StatusByNode(ctx, d.Service, nil, nil)
	}
}

// ClusterStatus returns the health of every member node of d. For
// datacenter grouping it covers every node in the active and standby
// datacenters.
func (a *Aggregator) ClusterStatus(ctx context.Context, d *cluster.Descriptor) ([]Record, error) {
	switch d.GroupBy {
	case cluster.GroupDatacenter:
		return a.StatusByNode(ctx, d.Service, d.Members(), nil)
	case cluster.GroupNodes:
		dcs, err := a.dir.Datacenters(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list datacenters: %w", err)
		}
		return a.StatusByNode(ctx, d.Service, dcs, d.Members())
	default:
		return a.StatusByNode(ctx, d.Service, nil, nil)
	}
}

// AllPassing reports whether records is non-empty and every record passes.
func AllPassing(records []Record) bool {
	if len(records) == 0 {
		return false
	}
	for _, r := range records {
		if !r.Passing {
			return false
		}
	}
	return true
}
