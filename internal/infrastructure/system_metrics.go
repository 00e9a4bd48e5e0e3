package infrastructure

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.opentelemetry.io/otel/metric"
)

// SystemStats is a point-in-time view of the node process.
type SystemStats struct {
	Goroutines     int       `json:"goroutines"`
	HeapAllocBytes uint64    `json:"heap_alloc_bytes"`
	RSSBytes       uint64    `json:"rss_bytes"`
	CPUPercent     float64   `json:"cpu_percent"`
	OpenFiles      int       `json:"open_files"`
	Uptime         float64   `json:"uptime_seconds"`
	CollectedAt    time.Time `json:"collected_at"`
}

// SystemMetrics reports process resource usage as observable gauges.
type SystemMetrics struct {
	proc   *process.Process
	start  time.Time
	logger *slog.Logger
}

// NewSystemMetrics registers the process gauges on meter.
func NewSystemMetrics(meter metric.Meter, logger *slog.Logger) (*SystemMetrics, error) {
	if logger == nil {
		logger = GetLogger()
	}
	sm := &SystemMetrics{start: time.Now(), logger: logger}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn("process metrics unavailable", slog.String("error", err.Error()))
	} else {
		sm.proc = proc
	}

	goroutines, err := meter.Int64ObservableGauge("system_goroutines",
		metric.WithDescription("Number of active goroutines"))
	if err != nil {
		return nil, err
	}
	rss, err := meter.Int64ObservableGauge("system_memory_rss_bytes",
		metric.WithDescription("Resident set size of the process"),
		metric.WithUnit("By"))
	if err != nil {
		return nil, err
	}
	cpu, err := meter.Float64ObservableGauge("system_cpu_percent",
		metric.WithDescription("CPU usage of the process in percent"))
	if err != nil {
		return nil, err
	}
	uptime, err := meter.Float64ObservableGauge("system_uptime_seconds",
		metric.WithDescription("Process uptime in seconds"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	_, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		stats := sm.Collect(ctx)
		o.ObserveInt64(goroutines, int64(stats.Goroutines))
		o.ObserveInt64(rss, int64(stats.RSSBytes))
		o.ObserveFloat64(cpu, stats.CPUPercent)
		o.ObserveFloat64(uptime, stats.Uptime)
		return nil
	}, goroutines, rss, cpu, uptime)
	if err != nil {
		return nil, err
	}
	return sm, nil
}

// Collect samples the process. Values gopsutil cannot read stay zero.
func (sm *SystemMetrics) Collect(ctx context.Context) *SystemStats {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	stats := &SystemStats{
		Goroutines:     runtime.NumGoroutine(),
		HeapAllocBytes: mem.HeapAlloc,
		Uptime:         time.Since(sm.start).Seconds(),
		CollectedAt:    time.Now(),
	}
	if sm.proc == nil {
		return stats
	}
	if info, err := sm.proc.MemoryInfoWithContext(ctx); err == nil {
		stats.RSSBytes = info.RSS
	}
	if pct, err := sm.proc.CPUPercentWithContext(ctx); err == nil {
		stats.CPUPercent = pct
	}
	if n, err := sm.proc.NumFDsWithContext(ctx); err == nil {
		stats.OpenFiles = int(n)
	}
	return stats
}
