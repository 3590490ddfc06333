package manager

import (
	"time"

	"github.com/RuntimeRacer/KoboldAI-united/internal/placement"
	"github.com/RuntimeRacer/KoboldAI-united/pkg/types"
)

// Status builds the detailed status response for /status.
func (m *Manager) Status() types.StatusResponse {
	m.mu.RLock()
	defer m.mu.RUnlock()
	resp := types.StatusResponse{
		State:          string(m.state),
		QueueLen:       len(m.queueCh),
		Inflight:       len(m.genCh),
		MaxQueueDepth:  cap(m.queueCh),
		LoadsTotal:     m.loadsTotal.Load(),
		Compiling:      m.notifier.IsCompiling(),
		LastError:      m.lastErr,
		UptimeSeconds:  int64(time.Since(m.startTime).Seconds()),
		ServerTimeUnix: time.Now().Unix(),
	}
	if m.cur != nil {
		cur := *m.cur
		resp.Model = &cur
		resp.Strategy = string(m.strategy)
		resp.Placement = &types.PlacementSummary{
			GPULayers:  m.plan.Count(placement.DeviceGPU),
			CPULayers:  m.plan.Count(placement.DeviceCPU),
			DiskLayers: m.plan.Count(placement.DeviceDisk),
		}
	}
	return resp
}
