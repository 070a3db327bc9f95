package persist

import (
	"context"

	"github.com/devrev/boundary-gateway/internal/snapshot"
)

// Store holds at most one snapshot: the latest saved generation.
type Store interface {
	Save(ctx context.Context, s *snapshot.Snapshot) error
	// Load returns ErrNoSnapshot when nothing has been saved.
	Load(ctx context.Context) (*snapshot.Snapshot, error)
	Close() error
}
