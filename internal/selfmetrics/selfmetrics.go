// Package selfmetrics periodically logs this process's own resource usage
// (CPU, RSS, goroutine count) for operational visibility into the monitor
// daemon itself, independent of the connectivity data it collects.
package selfmetrics

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// DefaultInterval is how often self metrics are logged.
const DefaultInterval = 60 * time.Second

// Reporter samples and logs the current process's resource usage on a
// fixed interval until its context is cancelled.
type Reporter struct {
	interval time.Duration
	logger   *slog.Logger
	proc     *process.Process
	start    time.Time
}

// NewReporter builds a Reporter for the current process.
func NewReporter(logger *slog.Logger) (*Reporter, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &Reporter{
		interval: DefaultInterval,
		logger:   logger.With("component", "selfmetrics"),
		proc:     proc,
		start:    time.Now(),
	}, nil
}

// Run logs one sample immediately, then on every interval until ctx is done.
func (r *Reporter) Run(ctx context.Context) {
	r.logOnce()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.logOnce()
		}
	}
}

func (r *Reporter) logOnce() {
	fields := []any{
		"uptime_seconds", int64(time.Since(r.start).Seconds()),
		"goroutines", runtime.NumGoroutine(),
	}

	if cpu, err := r.proc.CPUPercent(); err == nil {
		fields = append(fields, "cpu_percent", cpu)
	}
	if mem, err := r.proc.MemoryInfo(); err == nil && mem != nil {
		fields = append(fields, "rss_mb", float64(mem.RSS)/(1024*1024))
	}

	r.logger.Info("self metrics", fields...)
}
