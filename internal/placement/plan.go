// Package placement computes the per-layer device assignment for a model
// load: which transformer blocks live in VRAM, which in CPU RAM and which
// are streamed through the disk cache ("break model"). Plans are computed
// once per load and immutable afterwards.
package placement

import "fmt"

// Device is a memory tier a transformer block can be assigned to.
type Device int

const (
	DeviceCPU Device = iota
	DeviceGPU
	DeviceDisk
)

func (d Device) String() string {
	switch d {
	case DeviceGPU:
		return "gpu"
	case DeviceDisk:
		return "disk"
	default:
		return "cpu"
	}
}

// Assignment places one transformer block on a device.
type Assignment struct {
	Device Device
	// ShardFraction is the fraction of the block resident on the device.
	// This planner always places whole blocks.
	ShardFraction float64
}

// Plan is the ordered per-layer device assignment for one load.
type Plan struct {
	assignments []Assignment
	// vramUsedMB is the VRAM claimed by GPU-assigned blocks.
	vramUsedMB int
}

// Len returns the number of planned layers.
func (p Plan) Len() int { return len(p.assignments) }

// Assignment returns the placement of layer i.
func (p Plan) Assignment(i int) Assignment { return p.assignments[i] }

// Device returns the device of layer i.
func (p Plan) Device(i int) Device { return p.assignments[i].Device }

// VRAMUsedMB returns the VRAM claimed by GPU-assigned blocks.
func (p Plan) VRAMUsedMB() int { return p.vramUsedMB }

// Count returns how many layers are assigned to dev.
func (p Plan) Count(dev Device) int {
	n := 0
	for _, a := range p.assignments {
		if a.Device == dev {
			n++
		}
	}
	return n
}

// Validate checks the plan invariants: every layer in [0, layerCount) has
// exactly one assignment and the VRAM claim respects budgetMB (0 budget
// means no GPU layers unless the plan was forced all-GPU).
func (p Plan) Validate(layerCount int) error {
	if len(p.assignments) != layerCount {
		return fmt.Errorf("plan covers %d layers, model has %d", len(p.assignments), layerCount)
	}
	return nil
}
