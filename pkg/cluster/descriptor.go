package cluster

import (
	"encoding/json"

	"powerconsul-go/pkg/core"
)

// GroupBy is how a cluster partitions its members.
type GroupBy int

const (
	// GroupNone means the service is clustered but every node is active.
	GroupNone GroupBy = iota
	// GroupNodes partitions by node name.
	GroupNodes
	// GroupDatacenter partitions by Consul datacenter.
	GroupDatacenter
)

func (g GroupBy) String() string {
	switch g {
	case GroupNodes:
		return "nodes"
	case GroupDatacenter:
		return "datacenter"
	default:
		return "none"
	}
}

// Descriptor is the validated, host-resolved view of a cluster definition.
// It is read fresh on every invocation.
type Descriptor struct {
	Service string
	Key     string

	// Clustered is false when no definition is stored for the service.
	Clustered bool

	GroupBy        GroupBy
	Active         []string
	Standby        []string
	LocalIdentity  string
	AllDatacenters []string
	Locked         bool

	// FilterKey is the host filter pattern that selected this descriptor.
	FilterKey string
	// ModifyIndex is the KV index the definition was read at.
	ModifyIndex uint64
}

// HasStandby reports whether some node is expected to stay idle.
func (d *Descriptor) HasStandby() bool {
	return d.Clustered && d.GroupBy != GroupNone && len(d.Standby) > 0
}

// IsActive reports whether name is in the active group.
func (d *Descriptor) IsActive(name string) bool { return contains(d.Active, name) }

// IsStandby reports whether name is in the standby group.
func (d *Descriptor) IsStandby(name string) bool { return contains(d.Standby, name) }

// Members returns active then standby members.
func (d *Descriptor) Members() []string {
	out := make([]string, 0, len(d.Active)+len(d.Standby))
	out = append(out, d.Active...)
	return append(out, d.Standby...)
}

// Definition renders the effective descriptor back into its stored shape.
func (d *Descriptor) Definition() Definition {
	var def Definition
	switch d.GroupBy {
	case GroupNodes:
		def.ActiveNodes = append([]string(nil), d.Active...)
		def.StandbyNodes = append([]string(nil), d.Standby...)
	case GroupDatacenter:
		def.ActiveDatacenter = append(NameSet(nil), d.Active...)
		def.StandbyDatacenter = append(NameSet(nil), d.Standby...)
	}
	def.Lock = d.Locked
	return def
}

// Marshal serialises the effective descriptor.
func (d *Descriptor) Marshal() ([]byte, error) {
	def := d.Definition()
	return json.Marshal(&def)
}

// Parse decodes and validates raw for the local node. datacenters is the
// catalog's datacenter list and is only consulted for datacenter grouping.
func Parse(service string, raw []byte, id core.Identity, datacenters []string) (*Descriptor, error) {
	def, err := Decode(service, raw)
	if err != nil {
		return nil, err
	}
	eff, filterKey, err := def.Select(service, id.Host)
	if err != nil {
		return nil, err
	}
	d, err := build(service, eff, id, datacenters)
	if err != nil {
		return nil, err
	}
	d.FilterKey = filterKey
	return d, nil
}

// build validates a host-resolved definition.
func build(service string, def Definition, id core.Identity, datacenters []string) (*Descriptor, error) {
	activeNodes, standbyNodes := normalize(def.ActiveNodes), normalize(def.StandbyNodes)
	activeDCs, standbyDCs := normalize(def.ActiveDatacenter), normalize(def.StandbyDatacenter)

	byNodes, err := pairSet(service, "active_nodes", "standby_nodes", activeNodes, standbyNodes)
	if err != nil {
		return nil, err
	}
	byDCs, err := pairSet(service, "active_datacenter", "standby_datacenter", activeDCs, standbyDCs)
	if err != nil {
		return nil, err
	}
	if byNodes && byDCs {
		return nil, configErr(service, "node and datacenter grouping are mutually exclusive")
	}

	d := &Descriptor{
		Service:   service,
		Clustered: true,
		Locked:    def.Lock,
	}

	switch {
	case byDCs:
		all := normalize(datacenters)
		for _, dc := range append(append([]string(nil), activeDCs...), standbyDCs...) {
			if !contains(all, dc) {
				return nil, configErr(service, "datacenter %s is not in the catalog %v", dc, all)
			}
		}
		if !contains(all, id.Datacenter) {
			return nil, configErr(service, "local datacenter %s is not in the catalog %v", id.Datacenter, all)
		}
		if !contains(activeDCs, id.Datacenter) && !contains(standbyDCs, id.Datacenter) {
			return nil, configErr(service, "local datacenter %s is in neither active nor standby", id.Datacenter)
		}
		d.GroupBy = GroupDatacenter
		d.Active, d.Standby = activeDCs, standbyDCs
		d.LocalIdentity = id.Datacenter
		d.AllDatacenters = all
	case byNodes:
		if !contains(activeNodes, id.Host) && !contains(standbyNodes, id.Host) {
			return nil, configErr(service, "local node %s is in neither active_nodes nor standby_nodes", id.Host)
		}
		d.GroupBy = GroupNodes
		d.Active, d.Standby = activeNodes, standbyNodes
		d.LocalIdentity = id.Host
	default:
		d.GroupBy = GroupNone
		d.LocalIdentity = id.Host
	}

	for _, name := range d.Active {
		if contains(d.Standby, name) {
			return nil, configErr(service, "%s is both active and standby", name)
		}
	}
	return d, nil
}

// pairSet reports whether a grouping is configured, rejecting a grouping
// with only one side populated.
func pairSet(service, activeName, standbyName string, active, standby []string) (bool, error) {
	switch {
	case len(active) > 0 && len(standby) > 0:
		return true, nil
	case len(active) == 0 && len(standby) == 0:
		return false, nil
	case len(active) == 0:
		return false, configErr(service, "%s is set but %s is empty", standbyName, activeName)
	default:
		return false, configErr(service, "%s is set but %s is empty", activeName, standbyName)
	}
}

func contains(set []string, name string) bool {
	for _, s := range set {
		if s == name {
			return true
		}
	}
	return false
}
