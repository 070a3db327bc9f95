// Package handler provides HTTP request handlers for the gateway.
package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/devrev/boundary-gateway/internal/cache"
	"github.com/devrev/boundary-gateway/internal/dispatch"
	apierrors "github.com/devrev/boundary-gateway/internal/errors"
	"github.com/devrev/boundary-gateway/internal/firewall"
	"github.com/devrev/boundary-gateway/internal/metrics"
	"github.com/devrev/boundary-gateway/internal/model"
	"github.com/devrev/boundary-gateway/internal/ratelimit"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Call methods accepted on the subnet route. Only query responses are
// cacheable.
const (
	MethodQuery     = "query"
	MethodCall      = "call"
	MethodReadState = "read_state"
)

var cacheable = map[string]bool{
	MethodQuery:     true,
	MethodCall:      false,
	MethodReadState: false,
}

// Cache header values.
const (
	CacheHit    = "HIT"
	CacheMiss   = "MISS"
	CacheBypass = "BYPASS"
)

// Dispatcher sends a call to the subnet.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Response, error)
}

// HealthSource exposes the per-node health table.
type HealthSource interface {
	Records() []model.HealthRecord
}

// RegistryStatus exposes the registry poller's progress.
type RegistryStatus interface {
	Version() uint64
	FetchErrors() uint64
	LastSuccess() time.Time
}

// Deps are the components the handlers read from. Cache and Limiter may be
// nil to disable them.
type Deps struct {
	Dispatcher Dispatcher
	Snapshots  dispatch.SnapshotSource
	Health     HealthSource
	Registry   RegistryStatus
	Cache      *cache.Cache
	Limiter    *ratelimit.Limiter
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	deps            Deps
	errorHandler    *apierrors.Handler
	metrics         *metrics.Metrics
	logger          *zap.Logger
	maxRequestBytes int64
	version         string
	started         time.Time
	now             func() time.Time
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(
	deps Deps,
	errorHandler *apierrors.Handler,
	m *metrics.Metrics,
	logger *zap.Logger,
	maxRequestBytes int64,
	version string,
) *Handlers {
	if maxRequestBytes <= 0 {
		maxRequestBytes = 1 << 20
	}
	return &Handlers{
		deps:            deps,
		errorHandler:    errorHandler,
		metrics:         m,
		logger:          logger,
		maxRequestBytes: maxRequestBytes,
		version:         version,
		started:         time.Now(),
		now:             time.Now,
	}
}

// Call handles POST /api/v2/subnet/{subnet_id}/{method}.
func (h *Handlers) Call(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	vars := mux.Vars(r)
	subnet, method := vars["subnet_id"], vars["method"]

	isCacheable, known := cacheable[method]
	if !known {
		h.errorHandler.WriteValidationError(w, "unsupported method "+strconv.Quote(method), requestID)
		return
	}
	if subnet == "" {
		h.errorHandler.WriteValidationError(w, "subnet_id is required", requestID)
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxRequestBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.errorHandler.WritePayloadTooLarge(w, h.maxRequestBytes, requestID)
			return
		}
		h.errorHandler.WriteValidationError(w, "failed to read request body", requestID)
		return
	}

	if !h.admit(w, r, subnet, requestID) {
		return
	}

	var key cache.Key
	useCache := isCacheable && h.deps.Cache != nil
	if useCache {
		key = cache.NewKey(subnet, method, payload)
		if entry, ok := h.deps.Cache.Lookup(key); ok {
			w.Header().Set("X-Gateway-Cache", CacheHit)
			w.Header().Set("X-Gateway-Node", entry.NodeID)
			writeBody(w, entry.Status, entry.ContentType, entry.Body)
			return
		}
		w.Header().Set("X-Gateway-Cache", CacheMiss)
	} else {
		w.Header().Set("X-Gateway-Cache", CacheBypass)
	}

	resp, err := h.deps.Dispatcher.Dispatch(r.Context(), dispatch.Request{
		Subnet:      subnet,
		Method:      method,
		Payload:     payload,
		ContentType: r.Header.Get("Content-Type"),
		RequestID:   requestID,
	})
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	if useCache && resp.Status >= 200 && resp.Status < 300 {
		h.deps.Cache.Store(key, cache.Response{
			Status:      resp.Status,
			ContentType: resp.ContentType,
			Body:        resp.Body,
			NodeID:      resp.NodeID,
		}, 0)
	}

	w.Header().Set("X-Gateway-Node", resp.NodeID)
	w.Header().Set("X-Gateway-Attempts", strconv.Itoa(resp.Attempts))
	writeBody(w, resp.Status, resp.ContentType, resp.Body)
}

// admit consults the rate limiter. It writes the rejection itself and
// returns false when the request must not proceed.
func (h *Handlers) admit(w http.ResponseWriter, r *http.Request, subnet, requestID string) bool {
	limiter := h.deps.Limiter
	if limiter == nil {
		return true
	}

	mode := limiter.KeyMode()
	key := subnet
	if mode == ratelimit.KeyByClient {
		if addr, ok := firewall.ClientAddr(r.RemoteAddr); ok {
			key = addr.String()
		} else {
			key = r.RemoteAddr
		}
	}

	now := h.now()
	if limiter.Admit(key, now) {
		return true
	}
	h.metrics.RecordRateLimited(mode)
	h.logger.Debug("request rate limited",
		zap.String("request_id", requestID),
		zap.String("key_mode", mode),
		zap.String("key", key))
	h.errorHandler.WriteRateLimitedError(w, limiter.RetryAfter(key, now), requestID)
	return false
}

func writeBody(w http.ResponseWriter, status int, contentType string, body []byte) {
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	w.Write(body)
}
