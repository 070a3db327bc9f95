package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/devrev/boundary-gateway/internal/metrics"
	"github.com/devrev/boundary-gateway/internal/model"
	"go.uber.org/zap"
)

// DeltaSink receives every applied registry delta.
type DeltaSink interface {
	ApplyDelta(delta *model.RegistryDelta)
}

// Poller tracks the last observed listing and produces deltas against it.
type Poller struct {
	source   Source
	sink     DeltaSink
	interval time.Duration
	timeout  time.Duration
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu          sync.Mutex
	observed    bool
	version     uint64
	nodes       map[string]model.Node
	fetchErrors uint64
	lastSuccess time.Time
}

// PollerConfig holds poller settings.
type PollerConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

// NewPoller creates a poller for the given source.
func NewPoller(source Source, sink DeltaSink, cfg PollerConfig, m *metrics.Metrics, logger *zap.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = cfg.Interval
	}
	return &Poller{
		source:   source,
		sink:     sink,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		metrics:  m,
		logger:   logger,
		nodes:    make(map[string]model.Node),
	}
}

// Poll fetches the registry once. It returns ErrUnchanged when the version
// has not moved, ErrStaleVersion when it moved backwards and a *FetchError
// when the source fails; in all three cases the previously observed node set
// is retained.
func (p *Poller) Poll(ctx context.Context) (*model.RegistryDelta, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	listing, err := p.source.Fetch(ctx)
	if err == nil {
		err = listing.Validate()
	}
	if err != nil {
		p.mu.Lock()
		p.fetchErrors++
		p.mu.Unlock()
		p.metrics.RecordRegistryPoll(p.source.Name(), "error")
		return nil, &FetchError{Source: p.source.Name(), Err: err}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastSuccess = time.Now()
	if p.observed && listing.Version == p.version {
		p.metrics.RecordRegistryPoll(p.source.Name(), "unchanged")
		return nil, ErrUnchanged
	}
	if p.observed && listing.Version < p.version {
		p.metrics.RecordRegistryPoll(p.source.Name(), "stale")
		return nil, fmt.Errorf("%w: observed %d, got %d", ErrStaleVersion, p.version, listing.Version)
	}

	delta := diff(p.nodes, listing)
	delta.ObservedAt = p.lastSuccess

	p.observed = true
	p.version = listing.Version
	p.nodes = make(map[string]model.Node, len(listing.Nodes))
	for _, n := range listing.Nodes {
		p.nodes[n.ID] = n
	}

	p.metrics.RecordRegistryPoll(p.source.Name(), "changed")
	p.metrics.SetRegistryVersion(listing.Version, len(listing.Nodes))
	return delta, nil
}

// diff compares the previous node set with a new listing. A node whose
// identity changed under the same id is retired and re-added, never
// updated in place.
func diff(prev map[string]model.Node, listing *Listing) *model.RegistryDelta {
	delta := &model.RegistryDelta{
		Version: listing.Version,
		Nodes:   make([]model.Node, len(listing.Nodes)),
	}
	copy(delta.Nodes, listing.Nodes)
	model.SortNodes(delta.Nodes)

	current := make(map[string]struct{}, len(listing.Nodes))
	for _, n := range delta.Nodes {
		current[n.ID] = struct{}{}
		old, existed := prev[n.ID]
		switch {
		case !existed:
			delta.Added = append(delta.Added, n)
		case old != n:
			delta.Removed = append(delta.Removed, old)
			delta.Added = append(delta.Added, n)
		}
	}
	for id, old := range prev {
		if _, ok := current[id]; !ok {
			delta.Removed = append(delta.Removed, old)
		}
	}
	model.SortNodes(delta.Removed)
	return delta
}

// Run polls immediately and then on every interval until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.pollOnce(ctx)
	for {
		select {
		case <-ticker.C:
			p.pollOnce(ctx)
		case <-ctx.Done():
			p.logger.Info("registry poller stopped", zap.String("source", p.source.Name()))
			return nil
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	delta, err := p.Poll(ctx)
	switch {
	case errors.Is(err, ErrUnchanged):
		return
	case errors.Is(err, ErrStaleVersion):
		p.logger.Warn("registry returned an older version, ignoring it",
			zap.String("source", p.source.Name()),
			zap.Error(err))
		return
	case err != nil:
		if ctx.Err() != nil {
			return
		}
		p.logger.Warn("registry poll failed, keeping last known-good registry",
			zap.String("source", p.source.Name()),
			zap.Uint64("version", p.Version()),
			zap.Error(err))
		return
	}

	p.logger.Info("registry updated",
		zap.String("source", p.source.Name()),
		zap.Uint64("version", delta.Version),
		zap.Int("nodes", len(delta.Nodes)),
		zap.Int("added", len(delta.Added)),
		zap.Int("removed", len(delta.Removed)))
	p.sink.ApplyDelta(delta)
}

// Version returns the last observed registry version.
func (p *Poller) Version() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.version
}

// FetchErrors returns the number of failed fetches so far.
func (p *Poller) FetchErrors() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetchErrors
}

// LastSuccess returns when the source last answered.
func (p *Poller) LastSuccess() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSuccess
}
