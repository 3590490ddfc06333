package manager

import (
	"time"
)

// Unload drains in-flight work and drops the live model.
// New generations are rejected while draining; waiting up to the drain
// timeout lets queued requests finish before the model goes away.
func (m *Manager) Unload() error {
	m.mu.Lock()
	if m.mdl == nil {
		m.mu.Unlock()
		return ErrModelNotFound("(none loaded)")
	}
	id := m.cur.ID
	m.state = StateDraining
	m.mu.Unlock()
	m.log.Info().Str("model", id).Msg("unload started")

	deadline := time.Now().Add(m.drainTimeout)
	for {
		if len(m.genCh) == 0 && len(m.queueCh) == 0 {
			break
		}
		if time.Now().After(deadline) {
			m.log.Warn().Str("model", id).Int("inflight", len(m.genCh)).Int("queued", len(m.queueCh)).Msg("unload drain timeout")
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	m.mu.Lock()
	m.cur = nil
	m.mdl = nil
	m.strategy = ""
	m.state = StateIdle
	m.mu.Unlock()
	modelLoaded.Set(0)

	m.log.Info().Str("model", id).Msg("unload done")
	return nil
}
