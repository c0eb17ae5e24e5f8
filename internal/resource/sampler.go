package resource

import (
	"context"
	"math"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Sampler reports current compute pressure as a fraction in [0,1].
type Sampler interface {
	Sample(ctx context.Context) (float64, error)
}

// HostSampler measures host CPU and memory utilization and reports the
// higher of the two. Either signal missing makes the sample fail, which
// the controller treats as telemetry unavailable.
type HostSampler struct{}

func (HostSampler) Sample(ctx context.Context) (float64, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, err
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	var cpuFrac float64
	if len(percents) > 0 {
		cpuFrac = percents[0] / 100
	}
	return math.Min(math.Max(cpuFrac, vm.UsedPercent/100), 1), nil
}
