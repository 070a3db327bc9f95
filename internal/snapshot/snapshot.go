// Package snapshot builds the immutable routing table the dispatcher reads.
package snapshot

import (
	"sort"
	"time"

	"github.com/devrev/boundary-gateway/internal/model"
)

// Snapshot is one published generation of the routing table. A published
// Snapshot is never modified; a change produces a new generation.
type Snapshot struct {
	Generation      uint64                  `json:"generation"`
	RegistryVersion uint64                  `json:"registry_version"`
	CreatedAt       time.Time               `json:"created_at"`
	Subnets         map[string][]model.Node `json:"subnets"`
}

// Empty returns the generation-zero table with no subnets.
func Empty() *Snapshot {
	return &Snapshot{Subnets: map[string][]model.Node{}}
}

// Nodes returns the eligible nodes for subnet in dispatch order. known is
// false when the registry does not list the subnet at all; an empty list with
// known=true means the subnet exists but has no eligible node.
func (s *Snapshot) Nodes(subnet string) (nodes []model.Node, known bool) {
	nodes, known = s.Subnets[subnet]
	return nodes, known
}

// EligibleCounts returns the number of eligible nodes per subnet.
func (s *Snapshot) EligibleCounts() map[string]int {
	counts := make(map[string]int, len(s.Subnets))
	for subnet, nodes := range s.Subnets {
		counts[subnet] = len(nodes)
	}
	return counts
}

// Eligible returns the total number of eligible nodes.
func (s *Snapshot) Eligible() int {
	total := 0
	for _, nodes := range s.Subnets {
		total += len(nodes)
	}
	return total
}

// AllNodes returns every eligible node, sorted by id.
func (s *Snapshot) AllNodes() []model.Node {
	all := make([]model.Node, 0, s.Eligible())
	for _, nodes := range s.Subnets {
		all = append(all, nodes...)
	}
	model.SortNodes(all)
	return all
}

// SubnetIDs returns the subnet ids in the table, sorted.
func (s *Snapshot) SubnetIDs() []string {
	ids := make([]string, 0, len(s.Subnets))
	for id := range s.Subnets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// build computes a table from the registry node set and health states.
// Every registered subnet appears, even with zero healthy nodes. Each list is
// rotated by generation so no node is always first.
func build(nodes []model.Node, health map[model.NodeKey]model.HealthState, generation uint64) map[string][]model.Node {
	sorted := make([]model.Node, len(nodes))
	copy(sorted, nodes)
	model.SortNodes(sorted)

	subnets := make(map[string][]model.Node)
	for _, n := range sorted {
		list := subnets[n.SubnetID]
		if list == nil {
			list = []model.Node{}
		}
		if health[n.Key()] == model.HealthHealthy {
			list = append(list, n)
		}
		subnets[n.SubnetID] = list
	}

	for subnet, list := range subnets {
		subnets[subnet] = rotate(list, generation)
	}
	return subnets
}

func rotate(list []model.Node, by uint64) []model.Node {
	if len(list) < 2 {
		return list
	}
	shift := int(by % uint64(len(list)))
	out := make([]model.Node, 0, len(list))
	out = append(out, list[shift:]...)
	out = append(out, list[:shift]...)
	return out
}
