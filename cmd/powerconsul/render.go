package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/xlab/treeprint"
	"powerconsul-go/pkg/cluster"
	"powerconsul-go/pkg/health"
)

// renderDescriptor draws a cluster definition as a tree.
func renderDescriptor(d *cluster.Descriptor) string {
	tree := treeprint.NewWithRoot(d.Service)
	if !d.Clustered {
		tree.AddNode("not clustered")
		return tree.String()
	}
	tree.AddNode("key: " + d.Key)
	tree.AddNode("grouped by: " + d.GroupBy.String())
	if d.FilterKey != "" {
		tree.AddNode("host filter: " + d.FilterKey)
	}
	tree.AddNode(fmt.Sprintf("locked: %t", d.Locked))
	tree.AddNode("local role: " + cluster.Resolve(d).String())

	if d.GroupBy == cluster.GroupNone {
		return tree.String()
	}
	active := tree.AddBranch("active")
	for _, m := range d.Active {
		active.AddNode(m)
	}
	standby := tree.AddBranch("standby")
	for _, m := range d.Standby {
		standby.AddNode(m)
	}
	return tree.String()
}

// renderStatus draws every member's health under its group.
func renderStatus(d *cluster.Descriptor, records []health.Record) string {
	role := cluster.Resolve(d)
	tree := treeprint.NewWithRoot(fmt.Sprintf("%s (local role: %s)", d.Service, role))

	active := tree.AddBranch("active")
	standby := tree.AddBranch("standby")
	var other treeprint.Tree

	for _, r := range records {
		member := r.Node
		if d.GroupBy == cluster.GroupDatacenter {
			member = r.Datacenter
		}
		line := fmt.Sprintf("%s [%s] %s", r.Node, r.Datacenter, colorStatus(r))

		switch d.RoleOf(member) {
		case cluster.RolePrimary:
			active.AddNode(line)
		case cluster.RoleSecondary:
			standby.AddNode(line)
		default:
			if d.GroupBy == cluster.GroupNone {
				active.AddNode(line)
				continue
			}
			if other == nil {
				other = tree.AddBranch("other")
			}
			other.AddNode(line)
		}
	}
	return tree.String()
}

func colorStatus(r health.Record) string {
	if r.Passing {
		return color.GreenString(r.Status)
	}
	if r.Status == "warning" {
		return color.YellowString(r.Status)
	}
	return color.RedString(r.Status)
}
