package capability

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// Sampler reads raw resource figures from the host.
type Sampler interface {
	CPUBusyPercent(ctx context.Context) (float64, error)
	AvailableMemoryBytes(ctx context.Context) (uint64, error)
	FreeStorageBytes(ctx context.Context) (uint64, error)
}

// UsageSampler is implemented by samplers that can also report memory
// utilization. Optimize uses it when available.
type UsageSampler interface {
	MemoryUsedPercent(ctx context.Context) (float64, error)
}

// SystemSampler reads the local machine through gopsutil.
type SystemSampler struct {
	// Interval is the CPU measurement window. Zero compares against the last call.
	Interval time.Duration
	// Volume is the path whose filesystem is reported as storage.
	Volume string
}

func NewSystemSampler() *SystemSampler {
	return &SystemSampler{Interval: time.Second, Volume: defaultVolume()}
}

func defaultVolume() string {
	if runtime.GOOS == "windows" {
		return `C:\`
	}
	return "/"
}

func (s *SystemSampler) CPUBusyPercent(ctx context.Context) (float64, error) {
	pct, err := cpu.PercentWithContext(ctx, s.Interval, false)
	if err != nil {
		return 0, fmt.Errorf("cpu percent: %w", err)
	}
	if len(pct) == 0 {
		return 0, fmt.Errorf("cpu percent: no samples")
	}
	return pct[0], nil
}

func (s *SystemSampler) AvailableMemoryBytes(ctx context.Context) (uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("virtual memory: %w", err)
	}
	return vm.Available, nil
}

func (s *SystemSampler) FreeStorageBytes(ctx context.Context) (uint64, error) {
	volume := s.Volume
	if volume == "" {
		volume = defaultVolume()
	}
	usage, err := disk.UsageWithContext(ctx, volume)
	if err != nil {
		return 0, fmt.Errorf("disk usage %s: %w", volume, err)
	}
	return usage.Free, nil
}

func (s *SystemSampler) MemoryUsedPercent(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("virtual memory: %w", err)
	}
	return vm.UsedPercent, nil
}
