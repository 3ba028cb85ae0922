package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alexchuang650730/aicore0707-sub001/pkg/models"
	"github.com/alexchuang650730/aicore0707-sub001/pkg/service"
	"github.com/alexchuang650730/aicore0707-sub001/pkg/storage"
	"github.com/stretchr/testify/require"
)

// fakeHost is a HostMetricsProvider with fixed capacity and settable metrics.
type fakeHost struct {
	mu       sync.Mutex
	capacity service.HostCapacity
	metrics  models.SystemMetrics
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		capacity: service.HostCapacity{CPUCores: 10, MemoryMB: 1000, DiskGB: 100},
		metrics: models.SystemMetrics{
			CPU:    models.CPUMetrics{UsagePercent: 10, Count: 10},
			Memory: models.MemoryMetrics{UsedPercent: 20},
			Disk:   models.DiskMetrics{UsedPercent: 30},
		},
	}
}

func (h *fakeHost) Capacity(context.Context) (service.HostCapacity, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.capacity, nil
}

func (h *fakeHost) Collect(context.Context) (models.SystemMetrics, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m := h.metrics
	m.Timestamp = time.Now()
	return m, nil
}

func (h *fakeHost) setCPU(percent float64) {
	h.mu.Lock()
	h.metrics.CPU.UsagePercent = percent
	h.mu.Unlock()
}

// testCoreConfig keeps every loop fast so tests finish quickly.
func testCoreConfig() service.CoreConfig {
	cfg := service.DefaultCoreConfig()
	cfg.Resources.MonitorInterval = time.Hour
	cfg.MCP.HeartbeatInterval = time.Hour
	cfg.Workflow.RetryDelay = 10 * time.Millisecond
	cfg.Workflow.Workers = 4
	cfg.Scheduler.PollInterval = 10 * time.Millisecond
	cfg.Scheduler.DependencyRecheckDelay = 20 * time.Millisecond
	cfg.Scheduler.RecurringCheckInterval = 50 * time.Millisecond
	cfg.Monitoring.Interval = time.Hour
	cfg.StatusInterval = time.Hour
	return cfg
}

func startCore(t *testing.T, opts ...service.CoreOption) *service.AutomationCore {
	t.Helper()
	return startCoreWith(t, testCoreConfig(), nil, opts...)
}

func startCoreWith(t *testing.T, cfg service.CoreConfig, store storage.Store, opts ...service.CoreOption) *service.AutomationCore {
	t.Helper()
	opts = append([]service.CoreOption{service.WithHostMetricsProvider(newFakeHost())}, opts...)
	core := service.NewAutomationCore(cfg, store, service.NopLogger(), opts...)
	require.NoError(t, core.Start(context.Background()))
	t.Cleanup(func() {
		_ = core.Stop(context.Background())
	})
	return core
}

// echoHandler answers every method with its params and the method name.
func echoHandler() service.MCPHandler {
	return service.MCPHandlerFunc(func(_ context.Context, method string, params map[string]interface{}) (interface{}, error) {
		out := map[string]interface{}{"method": method}
		for k, v := range params {
			out[k] = v
		}
		return out, nil
	})
}

func registerEcho(t *testing.T, core *service.AutomationCore, id string, capabilities ...string) {
	t.Helper()
	core.RegisterMCPHandler(id, echoHandler())
	require.NoError(t, core.RegisterMCP(context.Background(), models.MCPInfo{
		ID:           id,
		Name:         id,
		Endpoint:     "internal://" + id,
		Capabilities: capabilities,
	}))
}

func waitExecution(t *testing.T, core *service.AutomationCore, id string) models.WorkflowExecution {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	exec, err := core.WaitExecution(ctx, id)
	require.NoError(t, err)
	return exec
}

func boolPtr(b bool) *bool {
	return &b
}
