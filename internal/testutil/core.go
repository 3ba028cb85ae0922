package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/alexchuang650730/aicore0707-sub001/pkg/models"
	"github.com/alexchuang650730/aicore0707-sub001/pkg/service"
	"github.com/alexchuang650730/aicore0707-sub001/pkg/storage"
	"github.com/stretchr/testify/require"
)

// StaticHost reports a fixed machine of 8 cores, 8 GB memory and 100 GB disk.
type StaticHost struct {
	Metrics models.SystemMetrics
}

func (h StaticHost) Capacity(context.Context) (service.HostCapacity, error) {
	return service.HostCapacity{CPUCores: 8, MemoryMB: 8192, DiskGB: 100}, nil
}

func (h StaticHost) Collect(context.Context) (models.SystemMetrics, error) {
	m := h.Metrics
	m.Timestamp = time.Now()
	return m, nil
}

// FastCoreConfig shortens every polling loop so tests finish quickly.
func FastCoreConfig() service.CoreConfig {
	cfg := service.DefaultCoreConfig()
	cfg.Resources.MonitorInterval = time.Hour
	cfg.MCP.HeartbeatInterval = time.Hour
	cfg.Workflow.RetryDelay = 10 * time.Millisecond
	cfg.Scheduler.PollInterval = 10 * time.Millisecond
	cfg.Scheduler.DependencyRecheckDelay = 20 * time.Millisecond
	cfg.Scheduler.RecurringCheckInterval = 50 * time.Millisecond
	cfg.Monitoring.Interval = time.Hour
	cfg.StatusInterval = time.Hour
	return cfg
}

// StartCore starts a core on a memory store and stops it when the test ends.
func StartCore(t *testing.T) *service.AutomationCore {
	t.Helper()
	host := StaticHost{Metrics: models.SystemMetrics{
		CPU:    models.CPUMetrics{UsagePercent: 15, Count: 8},
		Memory: models.MemoryMetrics{UsedPercent: 40},
		Disk:   models.DiskMetrics{UsedPercent: 50},
	}}
	core := service.NewAutomationCore(FastCoreConfig(), storage.NewMemoryStore(), nil,
		service.WithHostMetricsProvider(host))
	require.NoError(t, core.Start(context.Background()))
	t.Cleanup(func() { _ = core.Stop(context.Background()) })
	return core
}
