package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/devrev/boundary-gateway/internal/cache"
	"github.com/devrev/boundary-gateway/internal/dispatch"
	apierrors "github.com/devrev/boundary-gateway/internal/errors"
	"github.com/devrev/boundary-gateway/internal/model"
	"github.com/devrev/boundary-gateway/internal/ratelimit"
	"github.com/devrev/boundary-gateway/internal/snapshot"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockDispatcher struct {
	mock.Mock
}

func (m *mockDispatcher) Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Response, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*dispatch.Response)
	return resp, args.Error(1)
}

type fixedSnapshots struct {
	s *snapshot.Snapshot
}

func (f fixedSnapshots) Current() *snapshot.Snapshot { return f.s }

type fixedHealth []model.HealthRecord

func (f fixedHealth) Records() []model.HealthRecord { return f }

type fixedRegistry struct{}

func (fixedRegistry) Version() uint64        { return 42 }
func (fixedRegistry) FetchErrors() uint64    { return 1 }
func (fixedRegistry) LastSuccess() time.Time { return time.Unix(100, 0).UTC() }

func testSnapshot() *snapshot.Snapshot {
	return &snapshot.Snapshot{
		Generation:      3,
		RegistryVersion: 42,
		Subnets: map[string][]model.Node{
			"subnet-a": {{ID: "n1", Address: "10.0.0.1:443", SubnetID: "subnet-a", Fingerprint: "aa"}},
		},
	}
}

type fixture struct {
	handlers   *Handlers
	router     *mux.Router
	dispatcher *mockDispatcher
}

func newFixture(t *testing.T, deps Deps) *fixture {
	t.Helper()
	d := &mockDispatcher{}
	deps.Dispatcher = d
	if deps.Snapshots == nil {
		deps.Snapshots = fixedSnapshots{s: testSnapshot()}
	}
	h := NewHandlers(deps, apierrors.NewHandler(zap.NewNop()), nil, zap.NewNop(), 64, "test")

	r := mux.NewRouter()
	r.HandleFunc("/api/v2/subnet/{subnet_id}/{method}", h.Call).Methods(http.MethodPost)
	r.HandleFunc("/api/v2/status", h.Status).Methods(http.MethodGet)
	r.HandleFunc("/health", h.Liveness).Methods(http.MethodGet)
	r.HandleFunc("/ready", h.Readiness).Methods(http.MethodGet)
	r.HandleFunc("/debug/snapshot", h.DebugSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/debug/health", h.DebugHealth).Methods(http.MethodGet)
	return &fixture{handlers: h, router: r, dispatcher: d}
}

func (f *fixture) do(method, path string, body []byte, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("X-Request-ID", "req-1")
	req.Header.Set("Content-Type", "application/cbor")
	if remote != "" {
		req.RemoteAddr = remote
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func newCache(t *testing.T) *cache.Cache {
	t.Helper()
	c, err := cache.New(cache.Config{Capacity: 16, DefaultTTL: time.Minute}, nil, zap.NewNop())
	require.NoError(t, err)
	return c
}

func okResponse(body string) *dispatch.Response {
	return &dispatch.Response{
		NodeID:      "n1",
		Status:      http.StatusOK,
		ContentType: "application/cbor",
		Body:        []byte(body),
		Attempts:    2,
	}
}

func TestCall_QueryIsCached(t *testing.T) {
	f := newFixture(t, Deps{Cache: newCache(t)})
	f.dispatcher.On("Dispatch", mock.Anything, mock.MatchedBy(func(r dispatch.Request) bool {
		return r.Subnet == "subnet-a" && r.Method == MethodQuery && string(r.Payload) == "q1" &&
			r.RequestID == "req-1" && r.ContentType == "application/cbor"
	})).Return(okResponse("answer"), nil).Once()

	first := f.do(http.MethodPost, "/api/v2/subnet/subnet-a/query", []byte("q1"), "")
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "answer", first.Body.String())
	assert.Equal(t, CacheMiss, first.Header().Get("X-Gateway-Cache"))
	assert.Equal(t, "n1", first.Header().Get("X-Gateway-Node"))
	assert.Equal(t, "2", first.Header().Get("X-Gateway-Attempts"))
	assert.Equal(t, "application/cbor", first.Header().Get("Content-Type"))

	second := f.do(http.MethodPost, "/api/v2/subnet/subnet-a/query", []byte("q1"), "")
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "answer", second.Body.String())
	assert.Equal(t, CacheHit, second.Header().Get("X-Gateway-Cache"))
	assert.Equal(t, "n1", second.Header().Get("X-Gateway-Node"))

	f.dispatcher.AssertNumberOfCalls(t, "Dispatch", 1)
}

func TestCall_DifferentPayloadMisses(t *testing.T) {
	f := newFixture(t, Deps{Cache: newCache(t)})
	f.dispatcher.On("Dispatch", mock.Anything, mock.Anything).Return(okResponse("answer"), nil)

	f.do(http.MethodPost, "/api/v2/subnet/subnet-a/query", []byte("q1"), "")
	rec := f.do(http.MethodPost, "/api/v2/subnet/subnet-a/query", []byte("q2"), "")

	assert.Equal(t, CacheMiss, rec.Header().Get("X-Gateway-Cache"))
	f.dispatcher.AssertNumberOfCalls(t, "Dispatch", 2)
}

func TestCall_UpdatesBypassCache(t *testing.T) {
	c := newCache(t)
	f := newFixture(t, Deps{Cache: c})
	f.dispatcher.On("Dispatch", mock.Anything, mock.Anything).Return(okResponse("accepted"), nil)

	for _, method := range []string{MethodCall, MethodReadState, MethodCall} {
		rec := f.do(http.MethodPost, "/api/v2/subnet/subnet-a/"+method, []byte("c1"), "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, CacheBypass, rec.Header().Get("X-Gateway-Cache"))
	}
	f.dispatcher.AssertNumberOfCalls(t, "Dispatch", 3)
	assert.Zero(t, c.Len())
}

func TestCall_ErrorsAreNotCached(t *testing.T) {
	c := newCache(t)
	f := newFixture(t, Deps{Cache: c})
	f.dispatcher.On("Dispatch", mock.Anything, mock.Anything).
		Return(nil, fmt.Errorf("%w in subnet subnet-a", dispatch.ErrNoEligibleNodes))

	rec := f.do(http.MethodPost, "/api/v2/subnet/subnet-a/query", []byte("q1"), "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), string(apierrors.ErrorCodeNoEligibleNodes))
	assert.Zero(t, c.Len())
}

func TestCall_InvalidRequests(t *testing.T) {
	f := newFixture(t, Deps{})

	rec := f.do(http.MethodPost, "/api/v2/subnet/subnet-a/delete", []byte("x"), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), string(apierrors.ErrorCodeInvalidRequest))

	rec = f.do(http.MethodPost, "/api/v2/subnet/subnet-a/query", bytes.Repeat([]byte("x"), 65), "")
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	f.dispatcher.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything)
}

func TestCall_RateLimitedNeverDispatches(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Config{Enabled: true, Capacity: 1, RefillRate: 0.5}, zap.NewNop())
	c := newCache(t)
	f := newFixture(t, Deps{Limiter: limiter, Cache: c})
	f.dispatcher.On("Dispatch", mock.Anything, mock.Anything).Return(okResponse("answer"), nil).Once()

	first := f.do(http.MethodPost, "/api/v2/subnet/subnet-a/query", []byte("q1"), "")
	assert.Equal(t, http.StatusOK, first.Code)

	second := f.do(http.MethodPost, "/api/v2/subnet/subnet-a/query", []byte("q1"), "")
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Contains(t, second.Body.String(), string(apierrors.ErrorCodeRateLimited))
	assert.Equal(t, "2", second.Header().Get("Retry-After"))
	assert.Empty(t, second.Header().Get("X-Gateway-Cache"))

	f.dispatcher.AssertNumberOfCalls(t, "Dispatch", 1)
}

func TestCall_RateLimitByClient(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Config{
		Enabled:    true,
		KeyMode:    ratelimit.KeyByClient,
		Capacity:   1,
		RefillRate: 0.001,
	}, zap.NewNop())
	f := newFixture(t, Deps{Limiter: limiter})
	f.dispatcher.On("Dispatch", mock.Anything, mock.Anything).Return(okResponse("ok"), nil)

	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/v2/subnet/subnet-a/call", nil, "198.51.100.1:1000").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/v2/subnet/subnet-a/call", nil, "198.51.100.2:1000").Code)
	assert.Equal(t, http.StatusTooManyRequests, f.do(http.MethodPost, "/api/v2/subnet/subnet-a/call", nil, "198.51.100.1:2000").Code)
}

func TestCall_RelaysUpstreamRejection(t *testing.T) {
	f := newFixture(t, Deps{Cache: newCache(t)})
	f.dispatcher.On("Dispatch", mock.Anything, mock.Anything).Return(nil, &dispatch.NonRetriableError{
		NodeID:      "n1",
		Status:      http.StatusBadRequest,
		ContentType: "text/plain",
		Body:        []byte("bad payload"),
	})

	rec := f.do(http.MethodPost, "/api/v2/subnet/subnet-a/query", []byte("q1"), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "bad payload", rec.Body.String())
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
}

func TestStatusEndpoints(t *testing.T) {
	records := fixedHealth{{NodeID: "n1", Fingerprint: "aa", SubnetID: "subnet-a", State: model.HealthHealthy}}
	f := newFixture(t, Deps{Health: records, Registry: fixedRegistry{}, Cache: newCache(t)})

	rec := f.do(http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/ready", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/api/v2/status", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "test", status.Version)
	assert.Equal(t, uint64(3), status.Snapshot.Generation)
	assert.Equal(t, map[string]int{"subnet-a": 1}, status.Snapshot.EligibleNodes)
	require.NotNil(t, status.Registry)
	assert.Equal(t, uint64(42), status.Registry.Version)

	rec = f.do(http.MethodGet, "/debug/snapshot", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"generation":3`)

	rec = f.do(http.MethodGet, "/debug/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `"state":"healthy"`))
}

func TestReadiness_NotReadyWithoutEligibleNodes(t *testing.T) {
	empty := &snapshot.Snapshot{Generation: 1, Subnets: map[string][]model.Node{"subnet-a": {}}}
	f := newFixture(t, Deps{Snapshots: fixedSnapshots{s: empty}})

	rec := f.do(http.MethodGet, "/ready", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "not_ready")

	rec = f.do(http.MethodGet, "/api/v2/status", nil, "")
	assert.Contains(t, rec.Body.String(), `"status":"degraded"`)
}
