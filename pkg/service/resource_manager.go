package service

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/alexchuang650730/aicore0707-sub001/pkg/models"
	"github.com/alexchuang650730/aicore0707-sub001/pkg/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ResourceConfig configures quota detection and the monitoring loop.
type ResourceConfig struct {
	MonitorInterval time.Duration
	// Totals overrides detected capacity per resource type.
	Totals map[models.ResourceType]float64
	// ReservedFraction is the never-allocatable headroom per type, 0..1.
	ReservedFraction map[models.ResourceType]float64
	NetworkMbps      float64
	GPUCount         float64
	WarnPercent      float64
	CriticalPercent  float64
}

func DefaultResourceConfig() ResourceConfig {
	return ResourceConfig{
		MonitorInterval: 5 * time.Second,
		ReservedFraction: map[models.ResourceType]float64{
			models.CPUResourceType:     0.10,
			models.MemoryResourceType:  0.10,
			models.DiskResourceType:    0.05,
			models.NetworkResourceType: 0.10,
		},
		NetworkMbps:     1000,
		WarnPercent:     80,
		CriticalPercent: 90,
	}
}

var resourceUnits = map[models.ResourceType]string{
	models.CPUResourceType:     "cores",
	models.MemoryResourceType:  "MB",
	models.DiskResourceType:    "GB",
	models.NetworkResourceType: "Mbps",
	models.GPUResourceType:     "devices",
}

// ResourceManager owns the process-wide quotas. Quotas change only through
// AllocateResource and ReleaseResource.
type ResourceManager struct {
	store    storage.Store
	provider HostMetricsProvider
	logger   Logger
	cfg      ResourceConfig
	now      func() time.Time

	mu          sync.RWMutex
	quotas      map[models.ResourceType]*models.ResourceQuota
	allocations map[string]models.ResourceAllocation
	lastMetrics *models.SystemMetrics

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func NewResourceManager(store storage.Store, provider HostMetricsProvider, logger Logger, cfg ResourceConfig) *ResourceManager {
	if provider == nil {
		provider = NewHostMetricsProvider("/")
	}
	return &ResourceManager{
		store:       store,
		provider:    provider,
		logger:      orNop(logger),
		cfg:         cfg,
		now:         time.Now,
		quotas:      make(map[models.ResourceType]*models.ResourceQuota),
		allocations: make(map[string]models.ResourceAllocation),
	}
}

// Start seeds quotas from host capacity, restores persisted allocations and
// launches the monitoring loop.
func (rm *ResourceManager) Start(ctx context.Context) error {
	rm.mu.Lock()
	if rm.running {
		rm.mu.Unlock()
		return nil
	}
	rm.mu.Unlock()

	capacity, err := rm.provider.Capacity(ctx)
	if err != nil {
		rm.logger.Warnf("Failed to detect host capacity, relying on configured totals: %v", err)
	}
	totals := map[models.ResourceType]float64{
		models.CPUResourceType:     capacity.CPUCores,
		models.MemoryResourceType:  capacity.MemoryMB,
		models.DiskResourceType:    capacity.DiskGB,
		models.NetworkResourceType: rm.cfg.NetworkMbps,
		models.GPUResourceType:     rm.cfg.GPUCount,
	}
	for rt, total := range rm.cfg.Totals {
		totals[rt] = total
	}

	rm.mu.Lock()
	for _, rt := range models.ResourceTypes {
		total := totals[rt]
		rm.quotas[rt] = &models.ResourceQuota{
			Type:     rt,
			Total:    total,
			Reserved: total * rm.cfg.ReservedFraction[rt],
			Unit:     resourceUnits[rt],
		}
	}
	rm.mu.Unlock()

	if err := rm.restoreAllocations(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	rm.mu.Lock()
	rm.cancel = cancel
	rm.running = true
	rm.mu.Unlock()

	rm.wg.Add(1)
	go rm.monitorLoop(loopCtx)
	rm.logger.Infof("Resource manager started (cpu=%.1f cores, memory=%.0f MB, disk=%.1f GB)",
		totals[models.CPUResourceType], totals[models.MemoryResourceType], totals[models.DiskResourceType])
	return nil
}

// Stop halts the monitoring loop. Allocations stay persisted.
func (rm *ResourceManager) Stop(_ context.Context) error {
	rm.mu.Lock()
	if !rm.running {
		rm.mu.Unlock()
		return nil
	}
	rm.running = false
	cancel := rm.cancel
	rm.mu.Unlock()

	cancel()
	rm.wg.Wait()
	rm.logger.Infof("Resource manager stopped")
	return nil
}

func (rm *ResourceManager) restoreAllocations(ctx context.Context) error {
	if rm.store == nil {
		return nil
	}
	persisted, err := rm.store.ListAllocations(ctx)
	if err != nil {
		return errors.Wrap(err, "load allocations")
	}
	now := rm.now()
	for _, a := range persisted {
		if a.Expired(now) {
			if err := rm.store.DeleteAllocation(ctx, a.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
				rm.logger.Errorf("Failed to delete expired allocation %s: %v", a.ID, err)
			}
			continue
		}
		rm.mu.Lock()
		quota, ok := rm.quotas[a.Type]
		if !ok || a.Amount > quota.Available() {
			rm.mu.Unlock()
			rm.logger.Warnf("Dropping persisted allocation %s: %.2f %s no longer fits", a.ID, a.Amount, a.Type)
			if err := rm.store.DeleteAllocation(ctx, a.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
				rm.logger.Warnf("Failed to delete dropped allocation %s: %v", a.ID, err)
			}
			continue
		}
		quota.Allocated += a.Amount
		rm.allocations[a.ID] = a
		rm.mu.Unlock()
	}
	return nil
}

// AllocateResource grants amount of rt to owner. A zero duration never expires.
// It fails with ErrResourceExhausted, leaving the quota untouched, when amount
// exceeds what is available.
func (rm *ResourceManager) AllocateResource(ctx context.Context, rt models.ResourceType, amount float64, owner string, duration time.Duration) (string, error) {
	if !rt.Valid() {
		return "", validationErrorf("unknown resource type %q", rt)
	}
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return "", validationErrorf("allocation amount must be positive, got %v", amount)
	}
	if owner == "" {
		return "", validationErrorf("allocation owner is required")
	}

	now := rm.now()
	alloc := models.ResourceAllocation{
		ID:          uuid.NewString(),
		Type:        rt,
		Amount:      amount,
		AllocatedTo: owner,
		AllocatedAt: now,
	}
	if duration > 0 {
		expires := now.Add(duration)
		alloc.ExpiresAt = &expires
	}

	rm.mu.Lock()
	quota, ok := rm.quotas[rt]
	if !ok {
		rm.mu.Unlock()
		return "", errors.Wrap(ErrNotInitialized, "resource quotas not initialized")
	}
	if amount > quota.Available() {
		available := quota.Available()
		rm.mu.Unlock()
		return "", errors.Wrapf(ErrResourceExhausted, "requested %.2f %s of %s, only %.2f available",
			amount, quota.Unit, rt, available)
	}
	quota.Allocated += amount
	rm.allocations[alloc.ID] = alloc
	rm.mu.Unlock()

	if rm.store != nil {
		if err := rm.store.SaveAllocation(ctx, alloc); err != nil {
			rm.mu.Lock()
			quota.Allocated -= amount
			delete(rm.allocations, alloc.ID)
			rm.mu.Unlock()
			return "", errors.Wrap(err, "persist allocation")
		}
	}
	rm.logger.Debugf("Allocated %.2f %s of %s to %s (%s)", amount, quota.Unit, rt, owner, alloc.ID)
	return alloc.ID, nil
}

// ReleaseResource returns an allocation to its quota. It reports false for unknown ids.
func (rm *ResourceManager) ReleaseResource(ctx context.Context, allocationID string) bool {
	rm.mu.Lock()
	alloc, ok := rm.allocations[allocationID]
	if !ok {
		rm.mu.Unlock()
		return false
	}
	rm.releaseLocked(alloc)
	rm.mu.Unlock()

	if rm.store != nil {
		if err := rm.store.DeleteAllocation(ctx, allocationID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			rm.logger.Errorf("Failed to delete allocation %s: %v", allocationID, err)
		}
	}
	rm.logger.Debugf("Released allocation %s (%.2f %s)", allocationID, alloc.Amount, alloc.Type)
	return true
}

func (rm *ResourceManager) releaseLocked(alloc models.ResourceAllocation) {
	delete(rm.allocations, alloc.ID)
	if quota, ok := rm.quotas[alloc.Type]; ok {
		quota.Allocated -= alloc.Amount
		if quota.Allocated < 1e-9 {
			quota.Allocated = 0
		}
	}
}

// GetResourceUsage returns the usage snapshot of one resource type.
func (rm *ResourceManager) GetResourceUsage(rt models.ResourceType) (models.ResourceUsage, error) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	quota, ok := rm.quotas[rt]
	if !ok {
		return models.ResourceUsage{}, notFoundErrorf("resource type %q", rt)
	}
	return rm.usageLocked(quota), nil
}

// GetAllResourceUsage returns usage snapshots for every resource type.
func (rm *ResourceManager) GetAllResourceUsage() map[models.ResourceType]models.ResourceUsage {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	out := make(map[models.ResourceType]models.ResourceUsage, len(rm.quotas))
	for rt, quota := range rm.quotas {
		out[rt] = rm.usageLocked(quota)
	}
	return out
}

func (rm *ResourceManager) usageLocked(quota *models.ResourceQuota) models.ResourceUsage {
	count := 0
	for _, a := range rm.allocations {
		if a.Type == quota.Type {
			count++
		}
	}
	return models.ResourceUsage{
		Type:            quota.Type,
		Total:           quota.Total,
		Allocated:       quota.Allocated,
		Reserved:        quota.Reserved,
		Available:       quota.Available(),
		UsagePercentage: quota.UsagePercentage(),
		Unit:            quota.Unit,
		Allocations:     count,
	}
}

// ListAllocations returns the live allocations ordered by allocation time.
func (rm *ResourceManager) ListAllocations() []models.ResourceAllocation {
	rm.mu.RLock()
	out := make([]models.ResourceAllocation, 0, len(rm.allocations))
	for _, a := range rm.allocations {
		out = append(out, a)
	}
	rm.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AllocatedAt.Before(out[j].AllocatedAt) })
	return out
}

// GetSystemMetrics returns the most recent host sample, collecting one if the
// loop has not produced any yet.
func (rm *ResourceManager) GetSystemMetrics(ctx context.Context) (models.SystemMetrics, error) {
	rm.mu.RLock()
	last := rm.lastMetrics
	rm.mu.RUnlock()
	if last != nil {
		return *last, nil
	}
	return rm.collect(ctx)
}

func (rm *ResourceManager) collect(ctx context.Context) (models.SystemMetrics, error) {
	metrics, err := rm.provider.Collect(ctx)
	if err != nil {
		return models.SystemMetrics{}, errors.Wrap(err, "collect system metrics")
	}
	rm.mu.Lock()
	rm.lastMetrics = &metrics
	rm.mu.Unlock()
	return metrics, nil
}

func (rm *ResourceManager) monitorLoop(ctx context.Context) {
	defer rm.wg.Done()
	interval := rm.cfg.MonitorInterval
	if interval <= 0 {
		interval = DefaultResourceConfig().MonitorInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rm.tick(ctx)
		}
	}
}

func (rm *ResourceManager) tick(ctx context.Context) {
	if _, err := rm.collect(ctx); err != nil {
		rm.logger.Warnf("Failed to collect system metrics: %v", err)
	}
	rm.reapExpired(ctx)
	rm.checkUsage()
}

// reapExpired releases every allocation whose expiry has passed.
func (rm *ResourceManager) reapExpired(ctx context.Context) int {
	now := rm.now()
	var expired []string
	rm.mu.RLock()
	for id, a := range rm.allocations {
		if a.Expired(now) {
			expired = append(expired, id)
		}
	}
	rm.mu.RUnlock()

	for _, id := range expired {
		if rm.ReleaseResource(ctx, id) {
			rm.logger.Infof("Allocation %s expired and was released", id)
		}
	}
	return len(expired)
}

func (rm *ResourceManager) checkUsage() {
	for rt, usage := range rm.GetAllResourceUsage() {
		switch {
		case usage.UsagePercentage > rm.cfg.CriticalPercent:
			rm.logger.Errorf("Resource %s usage at %.1f%% (%.2f/%.2f %s)", rt, usage.UsagePercentage, usage.Allocated, usage.Total, usage.Unit)
		case usage.UsagePercentage > rm.cfg.WarnPercent:
			rm.logger.Warnf("Resource %s usage at %.1f%% (%.2f/%.2f %s)", rt, usage.UsagePercentage, usage.Allocated, usage.Total, usage.Unit)
		}
	}
}
