// Package upstream keeps one identity-pinned HTTP client per node incarnation.
package upstream

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/devrev/boundary-gateway/internal/identity"
	"github.com/devrev/boundary-gateway/internal/model"
)

// PoolConfig holds transport settings shared by every pinned client.
type PoolConfig struct {
	DialTimeout     time.Duration
	IdleConnTimeout time.Duration
	MaxIdlePerNode  int
}

// Pool maps node keys to pinned clients. A node whose identity changes gets
// a new key and therefore a new transport; connections made under the old
// identity are never reused for it.
type Pool struct {
	cfg     PoolConfig
	mu      sync.RWMutex
	clients map[model.NodeKey]*http.Client
}

// NewPool creates an empty pool.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = 90 * time.Second
	}
	if cfg.MaxIdlePerNode <= 0 {
		cfg.MaxIdlePerNode = 16
	}
	return &Pool{
		cfg:     cfg,
		clients: make(map[model.NodeKey]*http.Client),
	}
}

// Client returns the pinned client for node, creating it on first use.
func (p *Pool) Client(node model.Node) *http.Client {
	key := node.Key()

	p.mu.RLock()
	client, exists := p.clients[key]
	p.mu.RUnlock()

	if exists {
		return client
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check
	if client, exists := p.clients[key]; exists {
		return client
	}

	dialer := &identity.Dialer{
		NodeID:      node.ID,
		Fingerprint: node.Fingerprint,
		Net:         net.Dialer{Timeout: p.cfg.DialTimeout, KeepAlive: 30 * time.Second},
	}
	client = &http.Client{
		Transport: &http.Transport{
			DialTLSContext:      dialer.DialTLSContext,
			MaxIdleConnsPerHost: p.cfg.MaxIdlePerNode,
			IdleConnTimeout:     p.cfg.IdleConnTimeout,
			DisableCompression:  true,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	p.clients[key] = client
	return client
}

// Retain drops clients for nodes outside the given set and closes their idle
// connections. In-flight requests on a dropped client run to completion.
func (p *Pool) Retain(nodes []model.Node) int {
	keep := make(map[model.NodeKey]struct{}, len(nodes))
	for _, n := range nodes {
		keep[n.Key()] = struct{}{}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	dropped := 0
	for key, client := range p.clients {
		if _, ok := keep[key]; ok {
			continue
		}
		client.CloseIdleConnections()
		delete(p.clients, key)
		dropped++
	}
	return dropped
}

// Len returns the number of pinned clients.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.clients)
}

// Close closes idle connections on every client and empties the pool.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key, client := range p.clients {
		client.CloseIdleConnections()
		delete(p.clients, key)
	}
}

// URL builds the https URL for path on node.
func URL(node model.Node, path string) string {
	return "https://" + node.Address + path
}
