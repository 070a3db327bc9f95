package model

import (
	"sort"
	"time"
)

// Node is a backend replica as declared by the registry.
// A Node value is never mutated; a registry update that changes any field
// produces a new value.
type Node struct {
	ID          string `json:"id" yaml:"id"`
	Address     string `json:"address" yaml:"address"`
	SubnetID    string `json:"subnet_id" yaml:"subnet_id"`
	Fingerprint string `json:"fingerprint" yaml:"fingerprint"`
}

// NodeKey identifies one incarnation of a node: the same id presenting a
// different pinned identity is a different key.
type NodeKey struct {
	ID          string
	Fingerprint string
}

// Key returns the node's incarnation key
func (n Node) Key() NodeKey {
	return NodeKey{ID: n.ID, Fingerprint: n.Fingerprint}
}

// RegistryDelta describes the change between two observed registry versions.
// Nodes is always the complete current set so consumers can reconcile.
type RegistryDelta struct {
	Version    uint64
	ObservedAt time.Time
	Nodes      []Node
	Added      []Node
	Removed    []Node
}

// IsEmpty reports whether the delta adds or removes nothing
func (d *RegistryDelta) IsEmpty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// SortNodes orders nodes by id, then fingerprint.
func SortNodes(nodes []Node) {
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].ID != nodes[j].ID {
			return nodes[i].ID < nodes[j].ID
		}
		return nodes[i].Fingerprint < nodes[j].Fingerprint
	})
}
