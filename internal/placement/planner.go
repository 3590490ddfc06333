package placement

import (
	"github.com/rs/zerolog"

	"github.com/RuntimeRacer/KoboldAI-united/internal/config"
)

// Planner turns declared hardware capability flags into a Plan.
type Planner struct {
	Log zerolog.Logger
}

// Compute produces the placement plan for a model whose transformer blocks
// have the given estimated sizes in MB. Decision order, first match wins:
//
//  1. accelerator-only with an accelerator present: every block on GPU
//  2. split placement: greedy GPU prefix within the VRAM budget, remainder
//     CPU, with any declared disk-block count carved from the CPU tail
//  3. disk offload without an accelerator: CPU with the disk tail carved out
//  4. everything on CPU
//
// Requesting split placement with a zero VRAM budget degrades to all-CPU
// rather than failing. Compute must run before lazy tensor loading begins:
// the loader routes each tensor read with this plan.
func (p *Planner) Compute(dev config.Device, layerSizesMB []int) Plan {
	n := len(layerSizesMB)
	plan := Plan{assignments: make([]Assignment, n)}
	for i := range plan.assignments {
		plan.assignments[i] = Assignment{Device: DeviceCPU, ShardFraction: 1}
	}

	switch {
	case dev.AcceleratorOnly && dev.HasAccelerator:
		for i := range plan.assignments {
			plan.assignments[i].Device = DeviceGPU
			plan.vramUsedMB += layerSizesMB[i]
		}
	case dev.SplitPlacement && dev.HasAccelerator:
		used := 0
		cut := 0
		for i, size := range layerSizesMB {
			if used+size > dev.VRAMBudgetMB {
				break
			}
			plan.assignments[i].Device = DeviceGPU
			used += size
			cut = i + 1
		}
		plan.vramUsedMB = used
		p.carveDiskTail(&plan, cut, dev.DiskBlocks)
	case dev.DiskOffload && dev.DiskBlocks > 0:
		p.carveDiskTail(&plan, 0, dev.DiskBlocks)
	}

	p.Log.Info().
		Int("layers", n).
		Int("gpu", plan.Count(DeviceGPU)).
		Int("cpu", plan.Count(DeviceCPU)).
		Int("disk", plan.Count(DeviceDisk)).
		Int("vram_used_mb", plan.vramUsedMB).
		Msg("placement plan computed")
	return plan
}

// carveDiskTail reassigns up to blocks CPU layers at the end of the plan to
// disk, never touching layers before firstCPU.
func (p *Planner) carveDiskTail(plan *Plan, firstCPU, blocks int) {
	for i := len(plan.assignments) - 1; i >= firstCPU && blocks > 0; i-- {
		if plan.assignments[i].Device != DeviceCPU {
			continue
		}
		plan.assignments[i].Device = DeviceDisk
		blocks--
	}
}
