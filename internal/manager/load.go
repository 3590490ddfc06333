package manager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/RuntimeRacer/KoboldAI-united/internal/checkpoint"
	"github.com/RuntimeRacer/KoboldAI-united/internal/common/fsutil"
	"github.com/RuntimeRacer/KoboldAI-united/internal/engine"
	"github.com/RuntimeRacer/KoboldAI-united/internal/model"
	"github.com/RuntimeRacer/KoboldAI-united/internal/placement"
	"github.com/RuntimeRacer/KoboldAI-united/internal/tokenizer"
	"github.com/RuntimeRacer/KoboldAI-united/pkg/types"
)

// CheckpointResolver locates or fetches checkpoints.
type CheckpointResolver interface {
	Resolve(ctx context.Context, ref checkpoint.Ref) (checkpoint.Checkpoint, error)
}

// neoxPadTokenID is the pad token id NeoX style vocabularies reserve.
const neoxPadTokenID = 1

// Load resolves, plans, hydrates and publishes the model for id. The whole
// sequence is all-or-nothing: nothing of a failed load is observable, and a
// fatal error leaves the manager in the error state with no model. Loading a
// second model replaces the first.
func (m *Manager) Load(ctx context.Context, id, revision string) error {
	m.mu.Lock()
	if m.state == StateLoading {
		m.mu.Unlock()
		return tooBusyError{modelID: id}
	}
	m.state = StateLoading
	m.lastErr = ""
	m.mu.Unlock()

	mdl, plan, strategy, entry, err := m.loadSequence(ctx, id, revision)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.state = StateError
		m.lastErr = err.Error()
		m.cur = nil
		m.mdl = nil
		loadErrorsTotal.Inc()
		modelLoaded.Set(0)
		m.log.Error().Err(err).Str("model", id).Msg("model load failed")
		return err
	}
	m.cur = entry
	m.mdl = mdl
	m.plan = plan
	m.strategy = strategy
	m.state = StateReady
	m.loadsTotal.Add(1)
	loadsTotal.Inc()
	modelLoaded.Set(1)
	m.log.Info().Str("model", id).Str("strategy", string(strategy)).
		Int("gpu_layers", plan.Count(placement.DeviceGPU)).
		Int("cpu_layers", plan.Count(placement.DeviceCPU)).
		Int("disk_layers", plan.Count(placement.DeviceDisk)).
		Msg("model ready")
	return nil
}

// loadSequence runs the load sequence into locals; nothing is published until
// the caller commits the result.
func (m *Manager) loadSequence(ctx context.Context, id, revision string) (*model.Model, placement.Plan, model.Strategy, *types.Model, error) {
	entry, known := m.modelByID(id)
	if !known {
		// Unknown ids are treated as remote repository ids; the resolver
		// decides whether it can fetch them.
		entry = types.Model{ID: id, Name: id, Revision: revision}
	}

	if m.cfg.Device.UseShardedEngine && entry.Path != "" {
		// The engine consumes the checkpoint directory itself; hand it a
		// file and it fails far less legibly than this does.
		st, err := os.Stat(entry.Path)
		if err != nil || !st.IsDir() {
			return nil, placement.Plan{}, "", nil, ErrConfiguration(fmt.Sprintf("model path %s is not a directory", entry.Path))
		}
	}

	cp, err := m.resolver.Resolve(ctx, checkpoint.Ref{ID: id, Revision: revision})
	if err != nil {
		return nil, placement.Plan{}, "", nil, err
	}

	mcfg, err := model.LoadConfig(cp.ConfigPath())
	if err != nil {
		return nil, placement.Plan{}, "", nil, ErrConfiguration(err.Error())
	}
	entry.Type = mcfg.ModelType
	entry.Path = cp.Dir

	var tok tokenizer.Tokenizer
	vocabPath := filepath.Join(cp.Dir, checkpoint.VocabName)
	if fsutil.PathExists(vocabPath) {
		vt, err := tokenizer.LoadVocab(vocabPath)
		if err != nil {
			return nil, placement.Plan{}, "", nil, ErrConfiguration(err.Error())
		}
		tok = vt
	}

	strategy := model.SelectStrategy(mcfg, m.cfg)

	var planner placement.Planner
	plan := planner.Compute(m.cfg.Device, estimateLayerSizesMB(cp, mcfg.NumLayers))
	if err := plan.Validate(mcfg.NumLayers); err != nil {
		return nil, placement.Plan{}, "", nil, ErrConfiguration(err.Error())
	}

	if strategy == model.StrategyEngine {
		if m.eng == nil {
			return nil, placement.Plan{}, "", nil, ErrDependencyUnavailable("sharded engine strategy configured but no engine registered")
		}
		init := engine.InitConfig{
			ModelType:  mcfg.ModelType,
			NumLayers:  mcfg.NumLayers,
			HiddenSize: mcfg.HiddenSize,
			VocabSize:  mcfg.VocabSize,
			Callbacks:  m.callbacks(),
		}
		if mcfg.ModelType == "gpt_neox" {
			init.PadTokenID = neoxPadTokenID
		}
		if err := m.eng.Init(init); err != nil {
			return nil, placement.Plan{}, "", nil, ErrDependencyUnavailable("engine init: " + err.Error())
		}
	}

	mat := &model.Materializer{Log: m.log, CacheDir: m.cfg.CacheDir}
	mdl, probe, err := mat.Materialize(model.Request{
		Checkpoint:      cp,
		Config:          mcfg,
		Device:          m.cfg.Device,
		Plan:            plan,
		Strategy:        strategy,
		Tokenizer:       tok,
		SpacesAsNewline: m.cfg.SpacesAsNewline,
	})
	if err != nil {
		return nil, placement.Plan{}, "", nil, err
	}

	// Full-precision checkpoints are rewritten to fp16 so the next load
	// skips the conversion. Skipped under disk offload: the streamed blocks
	// reference the original file offsets.
	if probe.FP32Detected && !m.cfg.Device.DiskOffload {
		if err := checkpoint.ConvertFP16(cp); err != nil {
			m.log.Warn().Err(err).Msg("fp16 checkpoint rewrite failed, keeping fp32 copy")
		}
	}

	return mdl, plan, strategy, &entry, nil
}

// estimateLayerSizesMB spreads the on-disk weight bytes evenly over the
// transformer blocks. Good enough for budget planning; per-tensor accounting
// would need the headers of every shard.
func estimateLayerSizesMB(cp checkpoint.Checkpoint, numLayers int) []int {
	if numLayers <= 0 {
		return nil
	}
	var total int64
	for _, p := range cp.WeightFiles {
		if st, err := os.Stat(p); err == nil {
			total += st.Size()
		}
	}
	perLayer := int(total / int64(numLayers) / (1 << 20))
	if perLayer < 1 {
		perLayer = 1
	}
	sizes := make([]int, numLayers)
	for i := range sizes {
		sizes[i] = perLayer
	}
	return sizes
}
