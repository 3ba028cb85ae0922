package service

import (
	"context"
	"runtime"
	"time"

	"github.com/alexchuang650730/aicore0707-sub001/pkg/models"
	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// HostCapacity is the detected size of the machine used to seed quotas.
type HostCapacity struct {
	CPUCores float64
	MemoryMB float64
	DiskGB   float64
}

// HostMetricsProvider reads host capacity and utilisation.
type HostMetricsProvider interface {
	Capacity(ctx context.Context) (HostCapacity, error)
	Collect(ctx context.Context) (models.SystemMetrics, error)
}

type gopsutilProvider struct {
	diskPath string
}

// NewHostMetricsProvider returns a provider backed by gopsutil. diskPath selects
// the filesystem whose usage is reported; it defaults to "/".
func NewHostMetricsProvider(diskPath string) HostMetricsProvider {
	if diskPath == "" {
		diskPath = "/"
	}
	return &gopsutilProvider{diskPath: diskPath}
}

func (p *gopsutilProvider) Capacity(ctx context.Context) (HostCapacity, error) {
	var capacity HostCapacity

	cores, err := cpu.CountsWithContext(ctx, true)
	if err != nil || cores <= 0 {
		cores = runtime.NumCPU()
	}
	capacity.CPUCores = float64(cores)

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return capacity, errors.Wrap(err, "read memory capacity")
	}
	capacity.MemoryMB = float64(vm.Total) / (1024 * 1024)

	usage, err := disk.UsageWithContext(ctx, p.diskPath)
	if err != nil {
		return capacity, errors.Wrapf(err, "read disk capacity of %s", p.diskPath)
	}
	capacity.DiskGB = float64(usage.Total) / (1024 * 1024 * 1024)
	return capacity, nil
}

func (p *gopsutilProvider) Collect(ctx context.Context) (models.SystemMetrics, error) {
	metrics := models.SystemMetrics{Timestamp: time.Now()}

	// interval 0 compares against the previous call instead of sleeping
	if percent, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percent) > 0 {
		metrics.CPU.UsagePercent = percent[0]
	}
	if count, err := cpu.CountsWithContext(ctx, true); err == nil {
		metrics.CPU.Count = count
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return metrics, errors.Wrap(err, "collect memory metrics")
	}
	metrics.Memory = models.MemoryMetrics{
		Total:       vm.Total,
		Used:        vm.Used,
		Available:   vm.Available,
		UsedPercent: vm.UsedPercent,
	}

	if usage, err := disk.UsageWithContext(ctx, p.diskPath); err == nil {
		metrics.Disk = models.DiskMetrics{
			Total:       usage.Total,
			Used:        usage.Used,
			Free:        usage.Free,
			UsedPercent: usage.UsedPercent,
		}
	}

	if counters, err := net.IOCountersWithContext(ctx, false); err == nil && len(counters) > 0 {
		metrics.Network = models.NetworkMetrics{
			BytesSent:   counters[0].BytesSent,
			BytesRecv:   counters[0].BytesRecv,
			PacketsSent: counters[0].PacketsSent,
			PacketsRecv: counters[0].PacketsRecv,
		}
	}

	if pids, err := process.PidsWithContext(ctx); err == nil {
		metrics.Process.Count = len(pids)
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	metrics.Process.GoRoutines = runtime.NumGoroutine()
	metrics.Process.HeapAlloc = ms.HeapAlloc

	return metrics, nil
}
