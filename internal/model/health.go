package model

// HealthStatus represents the health state of a compaction node
type HealthStatus struct {
	NodeID    string
	Status    NodeStatus
	Timestamp int64
	Metrics   HealthMetrics
}

// NodeStatus defines the operational status of a node
type NodeStatus string

const (
	NodeStatusHealthy   NodeStatus = "healthy"
	NodeStatusDegraded  NodeStatus = "degraded"
	NodeStatusUnhealthy NodeStatus = "unhealthy"
)

// HealthMetrics contains the figures the health checks were derived from
type HealthMetrics struct {
	DiskUsage          float64
	MaxBacklog         float64
	PendingCompactions int64
	LiveSSTables       int
}
