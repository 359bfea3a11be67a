package model

// HealthStatus is the aggregated health of this node's backends
type HealthStatus struct {
	NodeID    string                   `json:"node_id"`
	Status    NodeStatus               `json:"status"`
	Timestamp int64                    `json:"timestamp"`
	Backends  map[string]BackendHealth `json:"backends"`
	Warning   string                   `json:"warning,omitempty"`
}

// NodeStatus defines the operational status of a node
type NodeStatus string

const (
	NodeStatusHealthy   NodeStatus = "healthy"
	NodeStatusDegraded  NodeStatus = "degraded"
	NodeStatusUnhealthy NodeStatus = "unhealthy"
)

// BackendHealth is the result of the last probe of one backend
type BackendHealth struct {
	Name      string  `json:"name"`
	Healthy   bool    `json:"healthy"`
	LatencyMs float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}
