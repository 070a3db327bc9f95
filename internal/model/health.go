package model

import "time"

// HealthState is the probe-derived liveness classification of a node
type HealthState string

const (
	HealthUnknown   HealthState = "unknown"
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
)

// HealthRecord tracks the rolling probe outcome for one node incarnation.
type HealthRecord struct {
	NodeID               string        `json:"node_id"`
	Fingerprint          string        `json:"fingerprint"`
	SubnetID             string        `json:"subnet_id"`
	State                HealthState   `json:"state"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
	LastProbeTime        time.Time     `json:"last_probe_time"`
	LastLatency          time.Duration `json:"last_latency"`
	LastError            string        `json:"last_error,omitempty"`
}

// Key returns the incarnation key of the probed node
func (r *HealthRecord) Key() NodeKey {
	return NodeKey{ID: r.NodeID, Fingerprint: r.Fingerprint}
}
