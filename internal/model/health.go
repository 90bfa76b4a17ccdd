package model

// HealthStatus represents the health state of a storage node
type HealthStatus struct {
	NodeID    string        `json:"node_id"`
	Status    NodeStatus    `json:"status"`
	Timestamp int64         `json:"timestamp"`
	Metrics   HealthMetrics `json:"metrics"`
}

// NodeStatus defines the operational status of a node
type NodeStatus string

const (
	NodeStatusHealthy   NodeStatus = "healthy"
	NodeStatusDegraded  NodeStatus = "degraded"
	NodeStatusUnhealthy NodeStatus = "unhealthy"
)

// HealthMetrics summarizes disk availability across erasure sets
type HealthMetrics struct {
	TotalDisks      int     `json:"total_disks"`
	OnlineDisks     int     `json:"online_disks"`
	SetsBelowQuorum int     `json:"sets_below_quorum"`
	MaxDiskUsage    float64 `json:"max_disk_usage"`
}
