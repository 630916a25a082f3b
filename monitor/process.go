package monitor

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

type ProcessStats struct {
	PID            int32   `json:"pid"`
	RSSBytes       uint64  `json:"rssBytes"`
	CPUPercent     float64 `json:"cpuPercent"`
	Threads        int32   `json:"threads"`
	Goroutines     int     `json:"goroutines"`
	UptimeSeconds  float64 `json:"uptimeSeconds"`
	HostMemPercent float64 `json:"hostMemPercent"`
}

// ReadProcess samples the current process. Fields that cannot be read on
// this platform stay zero.
func ReadProcess(ctx context.Context) (ProcessStats, error) {
	stats := ProcessStats{
		PID:        int32(os.Getpid()),
		Goroutines: runtime.NumGoroutine(),
	}
	p, err := process.NewProcessWithContext(ctx, stats.PID)
	if err != nil {
		return stats, err
	}
	if m, err := p.MemoryInfoWithContext(ctx); err == nil {
		stats.RSSBytes = m.RSS
	}
	if c, err := p.CPUPercentWithContext(ctx); err == nil {
		stats.CPUPercent = c
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		stats.Threads = n
	}
	if created, err := p.CreateTimeWithContext(ctx); err == nil {
		stats.UptimeSeconds = time.Since(time.UnixMilli(created)).Seconds()
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		stats.HostMemPercent = vm.UsedPercent
	}
	return stats, nil
}
