package observability

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// ResourceGuard samples host CPU and memory on an interval and exposes a
// soft admission check, grounded on ws/internal/shared/limits/resource_guard.go
// and ws/internal/single/platform/cgroup_cpu.go, simplified to a host-level
// (rather than cgroup-aware) sampler since this module targets a single
// process rather than the teacher's containerized deployment.
//
// This is additive to spec §4.6's hard maxConnections cap: it rejects new
// upgrades *below* that cap when the process is already CPU-saturated, the
// same "emergency brake" role the teacher's ResourceGuard plays.
type ResourceGuard struct {
	logger zerolog.Logger

	rejectThreshold float64 // percent, e.g. 75.0

	currentCPU atomic.Value // float64
}

func NewResourceGuard(logger zerolog.Logger, rejectThreshold float64) *ResourceGuard {
	g := &ResourceGuard{logger: logger, rejectThreshold: rejectThreshold}
	g.currentCPU.Store(float64(0))
	return g
}

// StartMonitoring samples CPU percent every interval until ctx is
// cancelled.
func (g *ResourceGuard) StartMonitoring(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.sample()
			}
		}
	}()
}

func (g *ResourceGuard) sample() {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		return
	}
	g.currentCPU.Store(percents[0])

	if vm, err := mem.VirtualMemory(); err == nil {
		g.logger.Debug().
			Float64("cpu_percent", percents[0]).
			Float64("mem_used_percent", vm.UsedPercent).
			Msg("resource sample")
	}
}

// CPUPercent returns the most recently sampled CPU percentage.
func (g *ResourceGuard) CPUPercent() float64 {
	v, _ := g.currentCPU.Load().(float64)
	return v
}

// AllowConnection reports whether a new upgrade should be admitted given
// the current CPU sample. If rejectThreshold is zero or negative, the guard
// is disabled and always allows.
func (g *ResourceGuard) AllowConnection() bool {
	if g.rejectThreshold <= 0 {
		return true
	}
	return g.CPUPercent() < g.rejectThreshold
}
