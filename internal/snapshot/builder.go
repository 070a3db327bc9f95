package snapshot

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/boundary-gateway/internal/metrics"
	"github.com/devrev/boundary-gateway/internal/model"
	"go.uber.org/zap"
)

// Builder consumes ordered registry and health events, keeps its own copy of
// both, and publishes a fresh Snapshot on every change. Readers load the
// current generation with a single atomic read and keep it for as long as
// they need it.
type Builder struct {
	events  <-chan model.Event
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time

	current atomic.Pointer[Snapshot]

	// Owned by the goroutine calling Apply.
	nodes           []model.Node
	health          map[model.NodeKey]model.HealthState
	registryVersion uint64
	seeded          bool

	hooksMu sync.Mutex
	hooks   []func(*Snapshot)
}

// NewBuilder creates a builder that starts with an empty table.
func NewBuilder(events <-chan model.Event, m *metrics.Metrics, logger *zap.Logger) *Builder {
	b := &Builder{
		events:  events,
		metrics: m,
		logger:  logger,
		now:     time.Now,
		health:  make(map[model.NodeKey]model.HealthState),
	}
	b.current.Store(Empty())
	return b
}

// Current returns the published snapshot. It never returns nil.
func (b *Builder) Current() *Snapshot {
	return b.current.Load()
}

// OnPublish registers fn to run after each publish, on the builder goroutine.
// fn must not block.
func (b *Builder) OnPublish(fn func(*Snapshot)) {
	b.hooksMu.Lock()
	defer b.hooksMu.Unlock()
	b.hooks = append(b.hooks, fn)
}

// Seed publishes a persisted snapshot as-is. It stays current until the first
// registry event arrives; later generations continue its numbering.
func (b *Builder) Seed(s *Snapshot) {
	if s == nil {
		return
	}
	if s.Subnets == nil {
		s.Subnets = map[string][]model.Node{}
	}
	b.seeded = true
	b.current.Store(s)
	b.metrics.SetSnapshot(s.Generation, s.EligibleCounts())
	b.logger.Info("published seed snapshot",
		zap.Uint64("generation", s.Generation),
		zap.Uint64("registry_version", s.RegistryVersion),
		zap.Int("eligible", s.Eligible()))
}

// Run applies events until ctx is done.
func (b *Builder) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-b.events:
			b.Apply(ev)
		case <-ctx.Done():
			b.logger.Info("snapshot builder stopped", zap.Uint64("generation", b.Current().Generation))
			return nil
		}
	}
}

// Apply folds one event into the builder state and publishes a new
// generation when the event can change the table.
func (b *Builder) Apply(ev model.Event) {
	switch {
	case ev.Registry != nil:
		b.nodes = ev.Registry.Nodes
		b.registryVersion = ev.Registry.Version
		b.health = make(map[model.NodeKey]model.HealthState, len(ev.Records))
		for _, rec := range ev.Records {
			b.health[rec.Key()] = rec.State
		}
		b.seeded = false
		b.publish()

	case ev.Health != nil:
		if b.seeded {
			return
		}
		key := ev.Health.Key()
		prev, registered := b.health[key]
		if !registered || prev == ev.Health.State {
			return
		}
		b.health[key] = ev.Health.State
		b.publish()
	}
}

func (b *Builder) publish() {
	generation := b.Current().Generation + 1
	s := &Snapshot{
		Generation:      generation,
		RegistryVersion: b.registryVersion,
		CreatedAt:       b.now(),
		Subnets:         build(b.nodes, b.health, generation),
	}
	b.current.Store(s)

	counts := s.EligibleCounts()
	b.metrics.SetSnapshot(generation, counts)
	b.logger.Debug("published snapshot",
		zap.Uint64("generation", generation),
		zap.Uint64("registry_version", s.RegistryVersion),
		zap.Int("subnets", len(counts)),
		zap.Int("eligible", s.Eligible()))

	b.hooksMu.Lock()
	hooks := b.hooks
	b.hooksMu.Unlock()
	for _, fn := range hooks {
		fn(s)
	}
}
