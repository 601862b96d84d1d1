package models

import "time"

// InstanceState tracks one child through its lifecycle. Failed and Stopped
// instances are never handed out by a lease.
type InstanceState string

const (
	InstanceStarting InstanceState = "starting"
	InstanceReady    InstanceState = "ready"
	InstanceLeased   InstanceState = "leased"
	InstanceFailed   InstanceState = "failed"
	InstanceStopped  InstanceState = "stopped"
)

// HealthStatus is the outcome of the most recent probe of an instance.
type HealthStatus struct {
	LastCheck  *time.Time `json:"last_check,omitempty"`
	Responsive bool       `json:"responsive"`
	Error      string     `json:"error,omitempty"`
}

// InstanceStatus is the per-child slice of a pool status report.
type InstanceStatus struct {
	ID             int           `json:"id"`
	Alias          string        `json:"alias,omitempty"`
	State          InstanceState `json:"state"`
	Leased         bool          `json:"leased"`
	LeaseStartedAt *time.Time    `json:"lease_started_at,omitempty"`
	LeaseDuration  int64         `json:"lease_duration_ms,omitempty"`
	Browser        string        `json:"browser"`
	Headless       bool          `json:"headless"`
	PID            int           `json:"process_id,omitempty"`
	Health         HealthStatus  `json:"health_check"`
}

// PoolStatus is the report for one pool.
type PoolStatus struct {
	Name               string           `json:"name"`
	Description        string           `json:"description,omitempty"`
	IsDefault          bool             `json:"is_default"`
	TotalInstances     int              `json:"total_instances"`
	HealthyInstances   int              `json:"healthy_instances"`
	LeasedInstances    int              `json:"leased_instances"`
	AvailableInstances int              `json:"available_instances"`
	Instances          []InstanceStatus `json:"instances"`
}

// FleetSummary rolls up counts across the reported pools.
type FleetSummary struct {
	TotalPools         int `json:"total_pools"`
	TotalInstances     int `json:"total_instances"`
	HealthyInstances   int `json:"healthy_instances"`
	FailedInstances    int `json:"failed_instances"`
	LeasedInstances    int `json:"leased_instances"`
	AvailableInstances int `json:"available_instances"`
}

// FleetStatus is the full browser_pool_status response.
type FleetStatus struct {
	Pools   []PoolStatus `json:"pools"`
	Summary FleetSummary `json:"summary"`
}
