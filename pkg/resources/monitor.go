package resources

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/zuolabs/trellis-runner/pkg/logging"
)

// Gauges receives the sampled values; wired to the prometheus set when
// metrics are enabled.
type Gauges interface {
	SetCPUPercent(v float64)
	SetRSSBytes(v float64)
}

// Monitor periodically samples CPU and resident memory of the work unit
// process. Sampling is observational only: a failed sample never affects
// the run.
type Monitor struct {
	Interval time.Duration
	Log      *logging.Logger
	Gauges   Gauges
}

// Watch samples the process until the context ends or the process exits.
// It is meant to run in its own goroutine alongside cmd.Wait.
func (m *Monitor) Watch(ctx context.Context, pid int) {
	interval := m.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}

	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		if m.Log != nil {
			m.Log.Debug("resource monitor could not attach", map[string]interface{}{"pid": pid, "error": err.Error()})
		}
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			running, err := proc.IsRunning()
			if err != nil || !running {
				return
			}

			cpu, err := proc.CPUPercent()
			if err != nil {
				continue
			}
			var rss uint64
			if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
				rss = mem.RSS
			}

			if m.Gauges != nil {
				m.Gauges.SetCPUPercent(cpu)
				m.Gauges.SetRSSBytes(float64(rss))
			}
			if m.Log != nil {
				m.Log.Debug("work unit resources", map[string]interface{}{
					"pid":         pid,
					"cpu_percent": cpu,
					"rss_bytes":   rss,
				})
			}
		}
	}
}
