package monitoring

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// CollectSystemStats polls process resource usage on a fixed interval and
// publishes it to the system gauges. Blocks until ctx is cancelled; run it
// in its own goroutine.
func CollectSystemStats(ctx context.Context, logger zerolog.Logger, interval time.Duration) {
	defer RecoverPanic(logger, "system_stats", nil)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Error().Err(err).Msg("Failed to get process handle for stats collection")
		proc = nil
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if proc != nil {
				if memInfo, err := proc.MemoryInfo(); err == nil {
					ProcessMemoryMB.Set(float64(memInfo.RSS) / 1024 / 1024)
				}
				if cpuPct, err := proc.CPUPercent(); err == nil {
					ProcessCPUPercent.Set(cpuPct)
				}
			} else {
				// Fallback to system-wide memory
				if vmem, err := mem.VirtualMemory(); err == nil {
					ProcessMemoryMB.Set(float64(vmem.Used) / 1024 / 1024)
				}
			}
		}
	}
}
