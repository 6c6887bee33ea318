// Package sysinfo reports host and disk statistics for the status API and
// the pipeline's free-space guard.
package sysinfo

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// DiskUsage describes the filesystem holding a path.
type DiskUsage struct {
	Path        string  `json:"path"`
	Total       uint64  `json:"totalBytes"`
	Used        uint64  `json:"usedBytes"`
	Free        uint64  `json:"freeBytes"`
	UsedPercent float64 `json:"usedPercent"`
}

// Stats is a point-in-time snapshot of the host.
type Stats struct {
	Hostname        string        `json:"hostname"`
	OS              string        `json:"os"`
	Arch            string        `json:"arch"`
	Uptime          time.Duration `json:"uptime"`
	ProcessUptime   time.Duration `json:"processUptime"`
	CPUCores        int           `json:"cpuCores"`
	LoadAvg1m       float64       `json:"loadAvg1m"`
	LoadAvg5m       float64       `json:"loadAvg5m"`
	LoadAvg15m      float64       `json:"loadAvg15m"`
	MemoryTotal     uint64        `json:"memoryTotalBytes"`
	MemoryAvailable uint64        `json:"memoryAvailableBytes"`
	MemoryPercent   float64       `json:"memoryPercent"`
	Disk            *DiskUsage    `json:"disk,omitempty"`
}

// StatsCollector collects host statistics. Collection is best effort;
// fields the platform cannot report stay zero.
type StatsCollector struct {
	hostname  string
	startTime time.Time
	diskPath  string
}

// NewStatsCollector creates a collector reporting disk usage for diskPath.
func NewStatsCollector(diskPath string) *StatsCollector {
	hostname, _ := os.Hostname()
	return &StatsCollector{
		hostname:  hostname,
		startTime: time.Now(),
		diskPath:  diskPath,
	}
}

// Collect gathers current host statistics.
func (c *StatsCollector) Collect(ctx context.Context) Stats {
	stats := Stats{
		Hostname:      c.hostname,
		OS:            runtime.GOOS,
		Arch:          runtime.GOARCH,
		ProcessUptime: time.Since(c.startTime).Round(time.Second),
	}

	if uptime, err := host.UptimeWithContext(ctx); err == nil {
		stats.Uptime = time.Duration(uptime) * time.Second
	}

	if cpuCounts, err := cpu.CountsWithContext(ctx, true); err == nil {
		stats.CPUCores = cpuCounts
	}

	if loadAvg, err := load.AvgWithContext(ctx); err == nil {
		stats.LoadAvg1m = loadAvg.Load1
		stats.LoadAvg5m = loadAvg.Load5
		stats.LoadAvg15m = loadAvg.Load15
	}

	if memInfo, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		stats.MemoryTotal = memInfo.Total
		stats.MemoryAvailable = memInfo.Available
		stats.MemoryPercent = memInfo.UsedPercent
	}

	if c.diskPath != "" {
		if usage, err := Usage(ctx, c.diskPath); err == nil {
			stats.Disk = &usage
		}
	}

	return stats
}

// Usage reports the filesystem usage for path.
func Usage(ctx context.Context, path string) (DiskUsage, error) {
	info, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return DiskUsage{}, fmt.Errorf("reading disk usage for %s: %w", path, err)
	}
	return DiskUsage{
		Path:        path,
		Total:       info.Total,
		Used:        info.Used,
		Free:        info.Free,
		UsedPercent: info.UsedPercent,
	}, nil
}

// FreeBytes reports the free space on the filesystem holding path.
func FreeBytes(ctx context.Context, path string) (uint64, error) {
	usage, err := Usage(ctx, path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}
