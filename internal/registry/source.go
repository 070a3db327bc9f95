// Package registry polls the node source of truth and turns each observed
// version into a RegistryDelta.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/devrev/boundary-gateway/internal/identity"
	"github.com/devrev/boundary-gateway/internal/model"
)

// ErrUnchanged is returned by Poll when the registry version did not move.
var ErrUnchanged = errors.New("registry unchanged")

// ErrStaleVersion is returned by Poll when the source reports a version older
// than one already observed, as a lagging replica or a rolled-back file does.
var ErrStaleVersion = errors.New("registry version went backwards")

// Listing is one complete version of the registry feed.
type Listing struct {
	Version uint64
	Nodes   []model.Node
}

// Source fetches the current registry listing.
type Source interface {
	Fetch(ctx context.Context) (*Listing, error)
	Name() string
}

// FetchError wraps a failed or rejected registry fetch. It never changes
// eligibility; the last known-good listing stays in force.
type FetchError struct {
	Source string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("registry fetch from %s failed: %v", e.Source, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Validate rejects listings with incomplete records or duplicate ids and
// normalizes fingerprints.
func (l *Listing) Validate() error {
	seen := make(map[string]struct{}, len(l.Nodes))
	for i, n := range l.Nodes {
		switch {
		case n.ID == "":
			return fmt.Errorf("node #%d has no id", i)
		case n.Address == "":
			return fmt.Errorf("node %s has no address", n.ID)
		case n.SubnetID == "":
			return fmt.Errorf("node %s has no subnet", n.ID)
		case n.Fingerprint == "":
			return fmt.Errorf("node %s has no identity fingerprint", n.ID)
		}
		if _, dup := seen[n.ID]; dup {
			return fmt.Errorf("duplicate node id %s", n.ID)
		}
		seen[n.ID] = struct{}{}
		l.Nodes[i].Fingerprint = identity.Normalize(n.Fingerprint)
	}
	return nil
}

// StaticSource serves a fixed listing; Set swaps it. Used for seeds and tests.
type StaticSource struct {
	mu      sync.Mutex
	listing *Listing
	err     error
}

// NewStaticSource creates a source that always returns the given listing.
func NewStaticSource(version uint64, nodes ...model.Node) *StaticSource {
	return &StaticSource{listing: &Listing{Version: version, Nodes: nodes}}
}

// Set replaces the listing and clears any injected error.
func (s *StaticSource) Set(version uint64, nodes ...model.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listing = &Listing{Version: version, Nodes: nodes}
	s.err = nil
}

// Fail makes subsequent fetches return err.
func (s *StaticSource) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *StaticSource) Fetch(ctx context.Context) (*Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	nodes := make([]model.Node, len(s.listing.Nodes))
	copy(nodes, s.listing.Nodes)
	return &Listing{Version: s.listing.Version, Nodes: nodes}, nil
}

func (s *StaticSource) Name() string {
	return "static"
}
