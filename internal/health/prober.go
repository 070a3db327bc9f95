package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/devrev/boundary-gateway/internal/identity"
	"github.com/devrev/boundary-gateway/internal/model"
	"github.com/devrev/boundary-gateway/internal/upstream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	// DefaultStatusPath is the node status endpoint probed over HTTPS.
	DefaultStatusPath = "/api/v2/status"

	maxStatusBody = 64 << 10
)

// HTTPProber issues GET <status path> over the node's pinned transport. A
// probe succeeds on 200 with a JSON object body whose optional "status" field
// is not "unhealthy".
type HTTPProber struct {
	pool *upstream.Pool
	path string
}

// NewHTTPProber creates an HTTP prober on top of a pinned client pool.
func NewHTTPProber(pool *upstream.Pool, path string) *HTTPProber {
	if path == "" {
		path = DefaultStatusPath
	}
	return &HTTPProber{pool: pool, path: path}
}

type statusBody struct {
	Status string `json:"status"`
}

func (p *HTTPProber) Probe(ctx context.Context, node model.Node) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, upstream.URL(node, p.path), nil)
	if err != nil {
		return err
	}

	resp, err := p.pool.Client(node).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxStatusBody))
	if err != nil {
		return fmt.Errorf("failed to read status body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status endpoint returned %d", resp.StatusCode)
	}

	var status statusBody
	if err := json.Unmarshal(body, &status); err != nil {
		return fmt.Errorf("malformed status body: %w", err)
	}
	if status.Status == "unhealthy" {
		return fmt.Errorf("node reports itself unhealthy")
	}
	return nil
}

// Retain releases pinned transports for nodes no longer registered.
func (p *HTTPProber) Retain(nodes []model.Node) int {
	return p.pool.Retain(nodes)
}

// GRPCProber calls grpc.health.v1.Health/Check over a TLS channel pinned to
// the node identity. SERVING is the only successful answer.
type GRPCProber struct {
	service string

	mu    sync.Mutex
	conns map[model.NodeKey]*grpc.ClientConn
}

// NewGRPCProber creates a gRPC health prober for the named service ("" checks
// the server as a whole).
func NewGRPCProber(service string) *GRPCProber {
	return &GRPCProber{
		service: service,
		conns:   make(map[model.NodeKey]*grpc.ClientConn),
	}
}

func (p *GRPCProber) Probe(ctx context.Context, node model.Node) error {
	conn, err := p.conn(node)
	if err != nil {
		return err
	}

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: p.service})
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("node health status %s", resp.GetStatus())
	}
	return nil
}

func (p *GRPCProber) conn(node model.Node) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.conns[node.Key()]; ok {
		return conn, nil
	}

	creds := credentials.NewTLS(identity.ClientTLSConfig(node.ID, node.Fingerprint))
	conn, err := grpc.NewClient(node.Address, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("failed to create channel to %s: %w", node.Address, err)
	}
	p.conns[node.Key()] = conn
	return conn, nil
}

// Retain closes channels for nodes no longer registered.
func (p *GRPCProber) Retain(nodes []model.Node) int {
	keep := make(map[model.NodeKey]struct{}, len(nodes))
	for _, n := range nodes {
		keep[n.Key()] = struct{}{}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	dropped := 0
	for key, conn := range p.conns {
		if _, ok := keep[key]; ok {
			continue
		}
		conn.Close()
		delete(p.conns, key)
		dropped++
	}
	return dropped
}

// Close closes every channel.
func (p *GRPCProber) Close() {
	p.Retain(nil)
}
