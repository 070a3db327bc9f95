// Package dispatch sends a call to one eligible node of a subnet, retrying on
// other nodes when an attempt fails transiently.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/boundary-gateway/internal/identity"
	"github.com/devrev/boundary-gateway/internal/metrics"
	"github.com/devrev/boundary-gateway/internal/model"
	"github.com/devrev/boundary-gateway/internal/snapshot"
	"github.com/devrev/boundary-gateway/internal/upstream"
	"go.uber.org/zap"
)

// Request is one inbound call. Payload is opaque.
type Request struct {
	Subnet      string
	Method      string
	Payload     []byte
	ContentType string
	RequestID   string
}

// Response is a successful upstream reply.
type Response struct {
	NodeID      string
	Status      int
	ContentType string
	Body        []byte
	Attempts    int
	Failures    []AttemptFailure
}

// SnapshotSource exposes the published routing table.
type SnapshotSource interface {
	Current() *snapshot.Snapshot
}

// FailureReporter receives transient per-node failures. The health checker
// implements it; whether it acts on them is its own configuration.
type FailureReporter interface {
	ReportDispatchFailure(node model.Node, err error)
}

// Settings bound a dispatch.
type Settings struct {
	AttemptBudget     int
	Deadline          time.Duration
	PerAttemptTimeout time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	MaxResponseBytes  int64
}

func (s Settings) withDefaults() Settings {
	if s.AttemptBudget <= 0 {
		s.AttemptBudget = 3
	}
	if s.Deadline <= 0 {
		s.Deadline = 10 * time.Second
	}
	if s.PerAttemptTimeout <= 0 {
		s.PerAttemptTimeout = 3 * time.Second
	}
	if s.BackoffBase <= 0 {
		s.BackoffBase = 50 * time.Millisecond
	}
	if s.BackoffMax <= 0 {
		s.BackoffMax = time.Second
	}
	if s.MaxResponseBytes <= 0 {
		s.MaxResponseBytes = 4 << 20
	}
	return s
}

// Backoff returns the wait before retry number n (n >= 1): BackoffBase
// doubled per retry, capped at BackoffMax.
func (s Settings) Backoff(n int) time.Duration {
	if n < 1 {
		return 0
	}
	d := s.BackoffBase
	for i := 1; i < n; i++ {
		d *= 2
		if d >= s.BackoffMax {
			return s.BackoffMax
		}
	}
	if d > s.BackoffMax {
		return s.BackoffMax
	}
	return d
}

// Dispatcher routes calls using the current snapshot.
type Dispatcher struct {
	snapshots SnapshotSource
	pool      *upstream.Pool
	feedback  FailureReporter
	metrics   *metrics.Metrics
	logger    *zap.Logger

	next  atomic.Uint64
	sleep func(ctx context.Context, d time.Duration) error

	mu       sync.RWMutex
	settings Settings
}

// NewDispatcher creates a dispatcher. feedback may be nil.
func NewDispatcher(
	snapshots SnapshotSource,
	pool *upstream.Pool,
	settings Settings,
	feedback FailureReporter,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		snapshots: snapshots,
		pool:      pool,
		feedback:  feedback,
		metrics:   m,
		logger:    logger,
		sleep:     sleepContext,
		settings:  settings.withDefaults(),
	}
}

// UpdateSettings applies new bounds to dispatches that start afterwards.
func (d *Dispatcher) UpdateSettings(s Settings) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.settings = s.withDefaults()
}

// Settings returns the bounds currently in force.
func (d *Dispatcher) Settings() Settings {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.settings
}

// retryContext is the per-request record of tried nodes and remaining
// budget. It is never shared between requests.
type retryContext struct {
	candidates []model.Node
	start      int
	tried      map[string]struct{}
	remaining  int
	failures   []AttemptFailure
}

func newRetryContext(candidates []model.Node, start uint64, budget int) *retryContext {
	return &retryContext{
		candidates: candidates,
		start:      int(start % uint64(len(candidates))),
		tried:      make(map[string]struct{}, len(candidates)),
		remaining:  budget,
	}
}

// pick returns the next untried candidate in snapshot order, beginning at
// the request's start offset.
func (rc *retryContext) pick() (model.Node, bool) {
	if rc.remaining <= 0 {
		return model.Node{}, false
	}
	for i := 0; i < len(rc.candidates); i++ {
		n := rc.candidates[(rc.start+i)%len(rc.candidates)]
		if _, done := rc.tried[n.ID]; done {
			continue
		}
		rc.tried[n.ID] = struct{}{}
		rc.remaining--
		return n, true
	}
	return model.Node{}, false
}

// Dispatch sends req to one node of subnet. The routing table is read once;
// registry changes during the retries do not alter the candidate set.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	settings := d.Settings()

	nodes, known := d.snapshots.Current().Nodes(req.Subnet)
	if !known {
		d.metrics.RecordDispatch(req.Subnet, req.Method, "unknown_subnet", time.Since(start))
		return nil, fmt.Errorf("%w: %s", ErrUnknownSubnet, req.Subnet)
	}
	if len(nodes) == 0 {
		d.metrics.RecordDispatch(req.Subnet, req.Method, "no_eligible_nodes", time.Since(start))
		return nil, fmt.Errorf("%w in subnet %s", ErrNoEligibleNodes, req.Subnet)
	}

	ctx, cancel := context.WithTimeout(ctx, settings.Deadline)
	defer cancel()

	rc := newRetryContext(nodes, d.next.Add(1)-1, settings.AttemptBudget)
	for attempt := 0; ; attempt++ {
		node, ok := rc.pick()
		if !ok {
			break
		}
		if attempt > 0 {
			if err := d.sleep(ctx, settings.Backoff(attempt)); err != nil {
				break
			}
		}

		resp, failure, err := d.attempt(ctx, node, req, settings)
		if err != nil {
			d.metrics.RecordDispatch(req.Subnet, req.Method, "rejected", time.Since(start))
			return nil, err
		}
		if failure == nil {
			resp.Attempts = attempt + 1
			resp.Failures = rc.failures
			d.metrics.RecordAttempt(req.Subnet, "success")
			d.metrics.RecordDispatch(req.Subnet, req.Method, "success", time.Since(start))
			return resp, nil
		}

		if errors.Is(ctx.Err(), context.Canceled) {
			// Caller cancellation is not a node failure.
			break
		}
		rc.failures = append(rc.failures, *failure)
		d.recordFailure(req, node, failure)
		if ctx.Err() != nil {
			break
		}
	}

	if errors.Is(ctx.Err(), context.Canceled) {
		d.metrics.RecordDispatch(req.Subnet, req.Method, "canceled", time.Since(start))
		return nil, ctx.Err()
	}

	failed := &AllAttemptsFailedError{
		Subnet:           req.Subnet,
		Failures:         rc.failures,
		DeadlineExceeded: errors.Is(ctx.Err(), context.DeadlineExceeded),
	}
	d.metrics.RecordDispatch(req.Subnet, req.Method, "all_attempts_failed", time.Since(start))
	d.logger.Warn("dispatch failed on every attempted node",
		zap.String("request_id", req.RequestID),
		zap.String("subnet_id", req.Subnet),
		zap.Int("attempts", len(rc.failures)),
		zap.Bool("deadline_exceeded", failed.DeadlineExceeded))
	return nil, failed
}

// attempt performs one call against node. It returns a response on success,
// a failure for a retriable outcome, or an error that ends the dispatch.
func (d *Dispatcher) attempt(ctx context.Context, node model.Node, req Request, s Settings) (*Response, *AttemptFailure, error) {
	actx, cancel := context.WithTimeout(ctx, s.PerAttemptTimeout)
	defer cancel()

	target := upstream.URL(node, "/api/v2/subnet/"+url.PathEscape(req.Subnet)+"/"+url.PathEscape(req.Method))
	httpReq, err := http.NewRequestWithContext(actx, http.MethodPost, target, bytes.NewReader(req.Payload))
	if err != nil {
		return nil, nil, err
	}
	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/cbor"
	}
	httpReq.Header.Set("Content-Type", contentType)
	if req.RequestID != "" {
		httpReq.Header.Set("X-Request-ID", req.RequestID)
	}

	httpResp, err := d.pool.Client(node).Do(httpReq)
	if err != nil {
		return nil, &AttemptFailure{NodeID: node.ID, Kind: classifyError(err), Err: err}, nil
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, s.MaxResponseBytes+1))
	if err != nil {
		return nil, &AttemptFailure{NodeID: node.ID, Kind: classifyError(err), Err: err}, nil
	}
	if int64(len(body)) > s.MaxResponseBytes {
		return nil, &AttemptFailure{
			NodeID: node.ID,
			Kind:   KindResponseTooLarge,
			Status: httpResp.StatusCode,
			Err:    fmt.Errorf("response exceeds %d bytes", s.MaxResponseBytes),
		}, nil
	}

	status := httpResp.StatusCode
	switch {
	case status >= 200 && status < 300:
		return &Response{
			NodeID:      node.ID,
			Status:      status,
			ContentType: httpResp.Header.Get("Content-Type"),
			Body:        body,
		}, nil, nil
	case retriableStatus(status):
		return nil, &AttemptFailure{
			NodeID: node.ID,
			Kind:   KindUpstreamStatus,
			Status: status,
			Err:    &upstreamStatusError{Status: status},
		}, nil
	default:
		return nil, nil, &NonRetriableError{
			NodeID:      node.ID,
			Status:      status,
			ContentType: httpResp.Header.Get("Content-Type"),
			Body:        body,
		}
	}
}

func (d *Dispatcher) recordFailure(req Request, node model.Node, f *AttemptFailure) {
	d.metrics.RecordAttempt(req.Subnet, string(f.Kind))

	if f.Kind == KindIdentityMismatch {
		d.metrics.RecordIdentityMismatch(node.ID)
		d.logger.Warn("node presented an unexpected identity",
			zap.Bool("security_event", true),
			zap.String("request_id", req.RequestID),
			zap.String("node_id", node.ID),
			zap.String("subnet_id", node.SubnetID),
			zap.String("address", node.Address),
			zap.Error(f.Err))
		return
	}

	d.logger.Debug("dispatch attempt failed, trying another node",
		zap.String("request_id", req.RequestID),
		zap.String("node_id", node.ID),
		zap.String("kind", string(f.Kind)),
		zap.Error(f.Err))
	if d.feedback != nil {
		d.feedback.ReportDispatchFailure(node, f.Err)
	}
}

func classifyError(err error) FailureKind {
	if identity.IsMismatch(err) {
		return KindIdentityMismatch
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindConnection
}

// retriableStatus reports whether another node may answer differently.
func retriableStatus(status int) bool {
	return status >= 500 || status == http.StatusRequestTimeout || status == http.StatusTooManyRequests
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Close releases every pinned connection.
func (d *Dispatcher) Close() {
	d.pool.Close()
}
