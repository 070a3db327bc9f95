package persist

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/devrev/boundary-gateway/internal/metrics"
	"github.com/devrev/boundary-gateway/internal/snapshot"
	"github.com/devrev/boundary-gateway/internal/workerpool"
	"go.uber.org/zap"
)

// Persister saves published snapshots in the background. A generation that
// cannot be queued is dropped; the next publish supersedes it.
type Persister struct {
	store   Store
	pool    *workerpool.Pool
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu        sync.Mutex
	lastSaved uint64
}

// NewPersister creates a persister that runs saves on pool.
func NewPersister(store Store, pool *workerpool.Pool, m *metrics.Metrics, logger *zap.Logger) *Persister {
	return &Persister{
		store:   store,
		pool:    pool,
		metrics: m,
		logger:  logger,
	}
}

// OnPublish queues a save of s. It never blocks and is meant to be passed to
// snapshot.Builder.OnPublish.
func (p *Persister) OnPublish(s *snapshot.Snapshot) {
	accepted := p.pool.TrySubmit(workerpool.Task{
		ID: fmt.Sprintf("save-snapshot-%d", s.Generation),
		Fn: func(ctx context.Context) error { return p.save(ctx, s) },
	})
	if !accepted {
		p.metrics.RecordPersist("dropped")
		p.logger.Debug("snapshot save dropped, queue full", zap.Uint64("generation", s.Generation))
	}
}

// save writes s unless a newer generation was already written.
func (p *Persister) save(ctx context.Context, s *snapshot.Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s.Generation <= p.lastSaved {
		p.metrics.RecordPersist("stale")
		return nil
	}
	if err := p.store.Save(ctx, s); err != nil {
		p.metrics.RecordPersist("error")
		return err
	}
	p.lastSaved = s.Generation
	p.metrics.RecordPersist("saved")
	return nil
}

// LastSaved returns the newest generation written to the store.
func (p *Persister) LastSaved() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSaved
}

// LoadSeed returns the stored snapshot, or nil when there is none or it
// cannot be read. A bad seed is logged and otherwise ignored: the gateway
// then starts from an empty table.
func LoadSeed(ctx context.Context, store Store, timeout time.Duration, logger *zap.Logger) *snapshot.Snapshot {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s, err := store.Load(ctx)
	switch {
	case errors.Is(err, ErrNoSnapshot):
		logger.Info("no persisted snapshot, starting empty")
		return nil
	case err != nil:
		logger.Warn("ignoring persisted snapshot", zap.Error(err))
		return nil
	}
	logger.Info("loaded persisted snapshot",
		zap.Uint64("generation", s.Generation),
		zap.Int("subnets", len(s.Subnets)),
		zap.Int("eligible", s.Eligible()))
	return s
}
