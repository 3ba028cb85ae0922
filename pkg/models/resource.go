package models

import "time"

type ResourceType string

const (
	CPUResourceType     ResourceType = "cpu"
	MemoryResourceType  ResourceType = "memory"
	DiskResourceType    ResourceType = "disk"
	NetworkResourceType ResourceType = "network"
	GPUResourceType     ResourceType = "gpu"
)

// ResourceTypes lists every resource type in a stable order.
var ResourceTypes = []ResourceType{
	CPUResourceType, MemoryResourceType, DiskResourceType, NetworkResourceType, GPUResourceType,
}

// Valid reports whether t is a known resource type.
func (t ResourceType) Valid() bool {
	for _, rt := range ResourceTypes {
		if rt == t {
			return true
		}
	}
	return false
}

// ResourceQuota is the bookkeeping for one resource type.
// Invariant: Allocated + Reserved <= Total.
type ResourceQuota struct {
	Type      ResourceType `json:"resource_type"`
	Total     float64      `json:"total"`
	Allocated float64      `json:"allocated"`
	Reserved  float64      `json:"reserved"`
	Unit      string       `json:"unit"`
}

// Available is the amount that can still be allocated.
func (q ResourceQuota) Available() float64 {
	avail := q.Total - q.Allocated - q.Reserved
	if avail < 0 {
		return 0
	}
	return avail
}

// UsagePercentage is allocated/total in percent.
func (q ResourceQuota) UsagePercentage() float64 {
	if q.Total <= 0 {
		return 0
	}
	return q.Allocated / q.Total * 100
}

// ResourceAllocation is a grant of some amount of one resource type to an owner.
type ResourceAllocation struct {
	ID          string       `json:"id"`
	Type        ResourceType `json:"resource_type"`
	Amount      float64      `json:"amount"`
	AllocatedTo string       `json:"allocated_to"`
	AllocatedAt time.Time    `json:"allocated_at"`
	ExpiresAt   *time.Time   `json:"expires_at,omitempty"`
}

// Expired reports whether the allocation has passed its expiry at now.
func (a ResourceAllocation) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && !now.Before(*a.ExpiresAt)
}

// ResourceUsage is the read-only view returned to callers.
type ResourceUsage struct {
	Type            ResourceType `json:"resource_type"`
	Total           float64      `json:"total"`
	Allocated       float64      `json:"allocated"`
	Reserved        float64      `json:"reserved"`
	Available       float64      `json:"available"`
	UsagePercentage float64      `json:"usage_percentage"`
	Unit            string       `json:"unit"`
	Allocations     int          `json:"allocations"`
}

// SystemMetrics is a host snapshot.
type SystemMetrics struct {
	Timestamp time.Time      `json:"timestamp"`
	CPU       CPUMetrics     `json:"cpu"`
	Memory    MemoryMetrics  `json:"memory"`
	Disk      DiskMetrics    `json:"disk"`
	Network   NetworkMetrics `json:"network"`
	Process   ProcessMetrics `json:"process"`
}

type CPUMetrics struct {
	UsagePercent float64 `json:"usage_percent"`
	Count        int     `json:"count"`
}

type MemoryMetrics struct {
	Total       uint64  `json:"total"`
	Used        uint64  `json:"used"`
	Available   uint64  `json:"available"`
	UsedPercent float64 `json:"used_percent"`
}

type DiskMetrics struct {
	Total       uint64  `json:"total"`
	Used        uint64  `json:"used"`
	Free        uint64  `json:"free"`
	UsedPercent float64 `json:"used_percent"`
}

type NetworkMetrics struct {
	BytesSent   uint64 `json:"bytes_sent"`
	BytesRecv   uint64 `json:"bytes_recv"`
	PacketsSent uint64 `json:"packets_sent"`
	PacketsRecv uint64 `json:"packets_recv"`
}

type ProcessMetrics struct {
	Count      int    `json:"count"`
	GoRoutines int    `json:"go_routines"`
	HeapAlloc  uint64 `json:"heap_alloc"`
}
