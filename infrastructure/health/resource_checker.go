package health

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	rerr "github.com/twshwa/rarf/infrastructure/errors"
)

// ResourceChecker is a Checker reporting host CPU/memory pressure. It is
// disabled by default (not registered unless the embedding application
// opts in) since spec.md names only dependency-facing checkers; a host-
// resource checker is a supplemented feature matching the pack's own
// inclusion of gopsutil as a dependency.
type ResourceChecker struct {
	name          string
	maxCPUPercent float64
	maxMemPercent float64
}

// NewResourceChecker constructs a ResourceChecker that fails once either
// threshold is exceeded. A threshold of 0 disables that dimension's check.
func NewResourceChecker(name string, maxCPUPercent, maxMemPercent float64) *ResourceChecker {
	return &ResourceChecker{name: name, maxCPUPercent: maxCPUPercent, maxMemPercent: maxMemPercent}
}

func (r *ResourceChecker) Name() string { return r.name }

func (r *ResourceChecker) Check(ctx context.Context) error {
	if r.maxCPUPercent > 0 {
		percents, err := cpu.PercentWithContext(ctx, 0, false)
		if err != nil {
			return rerr.FabricInternal("health.ResourceChecker.cpu", err)
		}
		if len(percents) > 0 && percents[0] > r.maxCPUPercent {
			return fmt.Errorf("cpu usage %.1f%% exceeds threshold %.1f%%", percents[0], r.maxCPUPercent)
		}
	}
	if r.maxMemPercent > 0 {
		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			return rerr.FabricInternal("health.ResourceChecker.mem", err)
		}
		if vm.UsedPercent > r.maxMemPercent {
			return fmt.Errorf("memory usage %.1f%% exceeds threshold %.1f%%", vm.UsedPercent, r.maxMemPercent)
		}
	}
	return nil
}
