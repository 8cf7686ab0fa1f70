package cluster

// Role is the local node's place in a cluster.
type Role int

const (
	// RoleStandalone applies when the service is unclustered or ungrouped.
	RoleStandalone Role = iota
	// RolePrimary means the local identity is in the active group.
	RolePrimary
	// RoleSecondary means the local identity is in the standby group.
	RoleSecondary
)

// String returns the lowercase name used in trigger keys and output.
func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleSecondary:
		return "secondary"
	case RoleStandalone:
		return "standalone"
	default:
		return "unknown"
	}
}

// Resolve returns the local node's role. It does no I/O.
func Resolve(d *Descriptor) Role {
	if d == nil {
		return RoleStandalone
	}
	return d.RoleOf(d.LocalIdentity)
}

// RoleOf returns the role a given member (node or datacenter) holds.
func (d *Descriptor) RoleOf(member string) Role {
	if !d.Clustered || d.GroupBy == GroupNone {
		return RoleStandalone
	}
	switch {
	case d.IsActive(member):
		return RolePrimary
	case d.IsStandby(member):
		return RoleSecondary
	default:
		return RoleStandalone
	}
}
