// Package health actively probes every registered node and tracks a
// hysteresis-based liveness state per node incarnation.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/devrev/boundary-gateway/internal/metrics"
	"github.com/devrev/boundary-gateway/internal/model"
	"go.uber.org/zap"
)

// Prober performs one liveness probe against a node. A nil error is a
// successful probe.
type Prober interface {
	Probe(ctx context.Context, node model.Node) error
}

// retainer is implemented by probers that hold per-node resources.
type retainer interface {
	Retain(nodes []model.Node) int
}

// Config holds checker settings.
type Config struct {
	FailThreshold    int
	SuccessThreshold int
	ProbeInterval    time.Duration
	ProbeTimeout     time.Duration
	DispatchFeedback bool
}

func (c Config) withDefaults() Config {
	if c.FailThreshold <= 0 {
		c.FailThreshold = 3
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 5 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 2 * time.Second
	}
	return c
}

// Checker owns every HealthRecord. It is the only writer; other components
// observe state through the ordered event stream or Records.
type Checker struct {
	prober  Prober
	events  chan<- model.Event
	metrics *metrics.Metrics
	logger  *zap.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu      sync.Mutex
	cfg     Config
	runCtx  context.Context
	nodes   map[model.NodeKey]model.Node
	records map[model.NodeKey]*model.HealthRecord
	cancels map[model.NodeKey]context.CancelFunc
}

// NewChecker creates a checker that publishes to events.
func NewChecker(cfg Config, prober Prober, events chan<- model.Event, m *metrics.Metrics, logger *zap.Logger) *Checker {
	return &Checker{
		prober:  prober,
		events:  events,
		metrics: m,
		logger:  logger,
		stopCh:  make(chan struct{}),
		cfg:     cfg.withDefaults(),
		nodes:   make(map[model.NodeKey]model.Node),
		records: make(map[model.NodeKey]*model.HealthRecord),
		cancels: make(map[model.NodeKey]context.CancelFunc),
	}
}

// Seed marks nodes from a persisted snapshot as Healthy so they stay
// eligible until live probes say otherwise. Seeds only take effect for nodes
// the first registry delta still lists with the same identity.
func (c *Checker) Seed(nodes []model.Node) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, n := range nodes {
		key := n.Key()
		if _, exists := c.records[key]; exists {
			continue
		}
		c.records[key] = &model.HealthRecord{
			NodeID:      n.ID,
			Fingerprint: n.Fingerprint,
			SubnetID:    n.SubnetID,
			State:       model.HealthHealthy,
		}
	}
}

// ApplyDelta reconciles the probed set with the registry. Removed nodes lose
// their record and probe immediately; added nodes start Unknown (or keep a
// seeded state) and begin probing.
func (c *Checker) ApplyDelta(delta *model.RegistryDelta) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := make(map[model.NodeKey]model.Node, len(delta.Nodes))
	for _, n := range delta.Nodes {
		current[n.Key()] = n
	}

	for key, cancel := range c.cancels {
		if _, ok := current[key]; !ok {
			cancel()
			delete(c.cancels, key)
		}
	}
	for key := range c.records {
		if _, ok := current[key]; !ok {
			delete(c.records, key)
		}
	}

	for key, n := range current {
		if _, ok := c.records[key]; !ok {
			c.records[key] = &model.HealthRecord{
				NodeID:      n.ID,
				Fingerprint: n.Fingerprint,
				SubnetID:    n.SubnetID,
				State:       model.HealthUnknown,
			}
		}
		if _, probing := c.cancels[key]; !probing && c.runCtx != nil {
			c.startProbeLocked(n)
		}
	}
	c.nodes = current

	if r, ok := c.prober.(retainer); ok {
		if dropped := r.Retain(delta.Nodes); dropped > 0 {
			c.logger.Debug("released probe resources for retired nodes", zap.Int("count", dropped))
		}
	}

	c.emitLocked(model.Event{Registry: delta, Records: c.recordsLocked()})
}

// Run starts probing and blocks until ctx is done. On return every probe
// goroutine has exited.
func (c *Checker) Run(ctx context.Context) error {
	c.mu.Lock()
	c.runCtx = ctx
	for _, n := range c.nodes {
		if _, probing := c.cancels[n.Key()]; !probing {
			c.startProbeLocked(n)
		}
	}
	c.mu.Unlock()

	c.logger.Info("health checker started")
	<-ctx.Done()

	c.stopOnce.Do(func() { close(c.stopCh) })
	c.mu.Lock()
	for key, cancel := range c.cancels {
		cancel()
		delete(c.cancels, key)
	}
	c.mu.Unlock()
	c.wg.Wait()

	c.logger.Info("health checker stopped")
	return nil
}

func (c *Checker) startProbeLocked(n model.Node) {
	ctx, cancel := context.WithCancel(c.runCtx)
	c.cancels[n.Key()] = cancel
	c.wg.Add(1)
	go c.probeLoop(ctx, n)
}

func (c *Checker) probeLoop(ctx context.Context, n model.Node) {
	defer c.wg.Done()

	for {
		c.probeOnce(ctx, n)

		timer := time.NewTimer(c.settings().ProbeInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (c *Checker) probeOnce(ctx context.Context, n model.Node) {
	probeCtx, cancel := context.WithTimeout(ctx, c.settings().ProbeTimeout)
	defer cancel()

	start := time.Now()
	err := c.prober.Probe(probeCtx, n)
	latency := time.Since(start)

	if ctx.Err() != nil {
		// Retired or shutting down: the result belongs to nobody.
		return
	}
	c.metrics.RecordProbe(err == nil, latency)
	c.observe(ctx, n.Key(), err, latency, start)
}

// observe feeds one probe outcome into the node's state machine. ctx is the
// probe loop's context; it is checked under the lock because retirement
// cancels it under the same lock.
func (c *Checker) observe(ctx context.Context, key model.NodeKey, probeErr error, latency time.Duration, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[key]
	if !ok || ctx.Err() != nil {
		return
	}

	rec.LastProbeTime = at
	rec.LastLatency = latency
	rec.LastError = ""
	if probeErr != nil {
		rec.LastError = probeErr.Error()
	}
	c.advanceLocked(rec, probeErr == nil)
}

func (c *Checker) advanceLocked(rec *model.HealthRecord, success bool) {
	from := rec.State
	if !Advance(rec, success, c.cfg.FailThreshold, c.cfg.SuccessThreshold) {
		return
	}

	c.metrics.RecordHealthTransition(string(from), string(rec.State))
	fields := []zap.Field{
		zap.String("node_id", rec.NodeID),
		zap.String("subnet_id", rec.SubnetID),
		zap.String("from", string(from)),
		zap.String("to", string(rec.State)),
	}
	if rec.State == model.HealthUnhealthy {
		c.logger.Warn("node marked unhealthy", append(fields, zap.String("last_error", rec.LastError))...)
	} else {
		c.logger.Info("node health changed", fields...)
	}

	snapshot := *rec
	c.emitLocked(model.Event{Health: &snapshot})
}

// Advance applies one probe outcome to rec and reports whether the state
// changed.
func Advance(rec *model.HealthRecord, success bool, failThreshold, successThreshold int) bool {
	from := rec.State
	if success {
		rec.ConsecutiveSuccesses++
		rec.ConsecutiveFailures = 0
		switch rec.State {
		case model.HealthUnknown:
			rec.State = model.HealthHealthy
		case model.HealthUnhealthy:
			if rec.ConsecutiveSuccesses >= successThreshold {
				rec.State = model.HealthHealthy
			}
		}
	} else {
		rec.ConsecutiveFailures++
		rec.ConsecutiveSuccesses = 0
		if rec.State != model.HealthUnhealthy && rec.ConsecutiveFailures >= failThreshold {
			rec.State = model.HealthUnhealthy
		}
	}
	return rec.State != from
}

// ReportDispatchFailure counts a transient dispatch failure against node as a
// failed observation when dispatch feedback is enabled.
func (c *Checker) ReportDispatchFailure(node model.Node, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.cfg.DispatchFeedback {
		return
	}
	rec, ok := c.records[node.Key()]
	if !ok {
		return
	}
	if err != nil {
		rec.LastError = err.Error()
	}
	c.advanceLocked(rec, false)
}

// UpdateConfig applies new thresholds and timings. Running probe loops pick
// up the interval and timeout on their next cycle.
func (c *Checker) UpdateConfig(cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg.withDefaults()
}

func (c *Checker) settings() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Records returns a copy of every health record, ordered by node id.
func (c *Checker) Records() []model.HealthRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recordsLocked()
}

func (c *Checker) recordsLocked() []model.HealthRecord {
	out := make([]model.HealthRecord, 0, len(c.records))
	for _, rec := range c.records {
		out = append(out, *rec)
	}
	sortRecords(out)
	return out
}

// emitLocked publishes ev in the order state changes were applied. It gives
// up once the checker is stopping so shutdown never blocks on a full channel.
func (c *Checker) emitLocked(ev model.Event) {
	select {
	case c.events <- ev:
	case <-c.stopCh:
	}
}

func sortRecords(records []model.HealthRecord) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].NodeID != records[j].NodeID {
			return records[i].NodeID < records[j].NodeID
		}
		return records[i].Fingerprint < records[j].Fingerprint
	})
}
