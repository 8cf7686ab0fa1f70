package core

import (
	"context"
	"fmt"
	"regexp"

	"powerconsul-go/pkg/store"
)

// Namer decodes a node name into its environment and role-tag using a regex
// with named groups "env" and "role".
type Namer struct {
	re *regexp.Regexp
}

// NewNamer wraps re. A nil re decodes every name to empty strings.
func NewNamer(re *regexp.Regexp) Namer {
	return Namer{re: re}
}

// Decode returns the environment and role-tag encoded in node. Either is
// empty when the name doesn't match or the group is missing.
func (n Namer) Decode(node string) (env, role string) {
	if n.re == nil {
		return "", ""
	}
	m := n.re.FindStringSubmatch(node)
	if m == nil {
		return "", ""
	}
	for i, name := range n.re.SubexpNames() {
		switch name {
		case "env":
			env = m[i]
		case "role":
			role = m[i]
		}
	}
	return env, role
}

// Identity is who the local node is. Environment and Role are derived from
// the hostname; Role here is the fleet role-tag (e.g. "web"), not the
// cluster Primary/Secondary role.
type Identity struct {
	Host        string
	Datacenter  string
	Environment string
	Role        string
}

// SameFleet reports whether node belongs to the same environment and
// role-tag as the local node.
func (id Identity) SameFleet(namer Namer, node string) bool {
	env, role := namer.Decode(node)
	return env == id.Environment && role == id.Role
}

// ResolveIdentity builds the local identity, asking the directory for the
// local datacenter when it isn't configured.
func ResolveIdentity(ctx context.Context, host, datacenter string, namer Namer, dir store.Directory) (Identity, error) {
	if datacenter == "" {
		dc, err := dir.LocalDatacenter(ctx)
		if err != nil {
			return Identity{}, fmt.Errorf("failed to determine local datacenter: %w", err)
		}
		datacenter = dc
	}
	env, role := namer.Decode(host)
	return Identity{Host: host, Datacenter: datacenter, Environment: env, Role: role}, nil
}
