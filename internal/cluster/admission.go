package cluster

import "nodefleet/internal/node"

// Admission decides whether inst may host a node under parent with tags.
type Admission func(c *Cluster, inst *Instance, parent string, tags node.Tags) bool

// AllowAll admits every request.
func AllowAll(*Cluster, *Instance, string, node.Tags) bool { return true }

// MaxNodes admits while the instance holds fewer than n allocations,
// counting those still in progress.
func MaxNodes(n int) Admission {
	return func(_ *Cluster, inst *Instance, _ string, _ node.Tags) bool {
		return inst.Occupied() < n
	}
}

// RequireTags admits nodes carrying every one of required.
func RequireTags(required ...string) Admission {
	return func(_ *Cluster, _ *Instance, _ string, tags node.Tags) bool {
		return tags.HasAll(required...)
	}
}

// All admits when every policy does.
func All(policies ...Admission) Admission {
	return func(c *Cluster, inst *Instance, parent string, tags node.Tags) bool {
		for _, p := range policies {
			if p != nil && !p(c, inst, parent, tags) {
				return false
			}
		}
		return true
	}
}
