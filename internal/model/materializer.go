package model

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/x448/float16"

	"github.com/RuntimeRacer/KoboldAI-united/internal/checkpoint"
	"github.com/RuntimeRacer/KoboldAI-united/internal/config"
	"github.com/RuntimeRacer/KoboldAI-united/internal/lazyload"
	"github.com/RuntimeRacer/KoboldAI-united/internal/placement"
	"github.com/RuntimeRacer/KoboldAI-united/internal/tokenizer"
)

// Strategy is the hydration strategy used to instantiate the model.
type Strategy string

const (
	// StrategyEager is an ordinary full in-memory load.
	StrategyEager Strategy = "eager"
	// StrategyLazy streams tensors through lazy handles per the placement
	// plan.
	StrategyLazy Strategy = "lazy"
	// StrategyEngine delegates hydration and generation to the external
	// sharded inference engine.
	StrategyEngine Strategy = "engine"
)

// SelectStrategy picks the hydration strategy. The three are mutually
// exclusive: the sharded engine wins when configured, lazy loading applies
// unless disabled or the architecture does not support it.
func SelectStrategy(cfg Config, appCfg config.Config) Strategy {
	if appCfg.Device.UseShardedEngine {
		return StrategyEngine
	}
	// The gpt2 graph is rebuilt during construction in a way the lazy
	// loader cannot intercept, so it always loads eagerly.
	if !appCfg.LazyLoad || cfg.ModelType == "gpt2" {
		return StrategyEager
	}
	return StrategyLazy
}

// Model is the fully materialized, device-placed model plus its tokenizer.
type Model struct {
	Config   Config
	Meta     Meta
	Strategy Strategy
	Plan     placement.Plan

	// Tensors maps state-dict keys to materialized tensors. Empty for the
	// engine strategy.
	Tensors map[string]*lazyload.Tensor
	// Buffers holds the non-parameter buffers instantiated alongside the
	// weights; the kernels fill in their real content.
	Buffers map[string][]float32
	// DiskSpills maps tensor names streamed through the disk cache to
	// their cache file paths.
	DiskSpills map[string]string

	Embedding *Embedding
	Tokenizer tokenizer.Tokenizer
	// BadWords are the derived suppression groups; nil keeps the caller's
	// defaults.
	BadWords [][]int
}

// Materializer builds Models from resolved checkpoints.
type Materializer struct {
	Log zerolog.Logger
	// CacheDir backs the disk-offload block cache.
	CacheDir string
}

// Request carries everything one materialization needs.
type Request struct {
	Checkpoint checkpoint.Checkpoint
	Config     Config
	Device     config.Device
	Plan       placement.Plan
	Strategy   Strategy
	Tokenizer  tokenizer.Tokenizer
	// SpacesAsNewline and CustomBadWords feed the bad-words derivation.
	SpacesAsNewline bool
	CustomBadWords  [][]int
}

// Materialize hydrates the model per the selected strategy, applies the
// soft-prompt embedding patch, runs the final device placement pass and
// derives the suppression list. The probe result is returned so the
// orchestrator can decide on the fp16 conversion; it is never written to
// shared state here.
func (m *Materializer) Materialize(req Request) (*Model, lazyload.ProbeResult, error) {
	mdl := &Model{
		Config:   req.Config,
		Meta:     DeriveMeta(req.Config),
		Strategy: req.Strategy,
		Plan:     req.Plan,
	}

	var probe lazyload.ProbeResult
	if req.Strategy == StrategyEngine {
		// The sharded engine hydrates its own parameters; only the
		// tokenizer-derived state is produced here.
		m.deriveBadWords(mdl, req)
		mdl.Tokenizer = req.Tokenizer
		return mdl, probe, nil
	}

	// Route tensor reads with the placement plan under the lazy strategy;
	// an eager load reads everything into CPU RAM first and lets the final
	// pass move it.
	deviceOf := func(string) placement.Device { return placement.DeviceCPU }
	if req.Strategy == StrategyLazy {
		deviceOf = func(name string) placement.Device {
			if idx, ok := BlockOf(name); ok && idx < req.Plan.Len() {
				return req.Plan.Device(idx)
			}
			return placement.DeviceCPU
		}
	}

	loader := lazyload.Bind(req.Checkpoint, mdl.Meta.StateKeys, deviceOf, m.Log)
	var err error
	probe, err = loader.Probe()
	if err != nil {
		return nil, probe, err
	}

	mdl.Tensors = make(map[string]*lazyload.Tensor, len(mdl.Meta.StateKeys))
	for _, h := range loader.Handles() {
		t, err := h.Materialize()
		if err != nil {
			return nil, probe, err
		}
		mdl.Tensors[t.Name] = t
	}

	mdl.Buffers = make(map[string][]float32, len(mdl.Meta.Buffers))
	for _, name := range mdl.Meta.Buffers {
		mdl.Buffers[name] = make([]float32, 1)
	}

	mdl.Embedding = NewEmbedding(mdl.Tensors["transformer.wte.weight"], req.Config.HiddenSize, req.Config.VocabSize)

	if err := m.moveToDevices(mdl, req.Device); err != nil {
		return nil, probe, err
	}

	mdl.Tokenizer = req.Tokenizer
	m.deriveBadWords(mdl, req)
	return mdl, probe, nil
}

func (m *Materializer) deriveBadWords(mdl *Model, req Request) {
	if req.Tokenizer == nil {
		return
	}
	mdl.BadWords = DeriveBadWords(req.Tokenizer.Vocab(), req.Config.ModelType, req.SpacesAsNewline, req.CustomBadWords)
}

// moveToDevices is the final placement pass. Priority order: accelerator
// only, then split placement, then disk offload, then plain CPU; the first
// matching branch wins even when several flags are set.
func (m *Materializer) moveToDevices(mdl *Model, dev config.Device) error {
	switch {
	case dev.HasAccelerator && dev.AcceleratorOnly:
		for _, t := range mdl.Tensors {
			moveTensor(t, placement.DeviceGPU)
		}
	case dev.HasAccelerator && dev.SplitPlacement:
		for _, t := range mdl.Tensors {
			target := placement.DeviceCPU
			if idx, ok := BlockOf(t.Name); ok && idx < mdl.Plan.Len() {
				target = mdl.Plan.Device(idx)
			}
			moveTensor(t, target)
		}
		return m.spillDiskBlocks(mdl)
	case mdl.Plan.Count(placement.DeviceDisk) > 0:
		for _, t := range mdl.Tensors {
			target := placement.DeviceCPU
			if idx, ok := BlockOf(t.Name); ok && idx < mdl.Plan.Len() {
				target = mdl.Plan.Device(idx)
			}
			moveTensor(t, target)
		}
		return m.spillDiskBlocks(mdl)
	default:
		for _, t := range mdl.Tensors {
			moveTensor(t, placement.DeviceCPU)
		}
	}
	return nil
}

// moveTensor reassigns a tensor's device, applying the fp16 rounding a VRAM
// transfer implies when the values were not already half precision.
func moveTensor(t *lazyload.Tensor, target placement.Device) {
	if target == placement.DeviceGPU && !t.HalfPrecision && t.Dtype == checkpoint.DtypeF32 {
		// Mirrors lazyload's coercion for handles that were routed to the
		// CPU first.
		for i, v := range t.Data {
			t.Data[i] = halfRound(v)
		}
		t.HalfPrecision = true
	}
	t.Device = target
}

func halfRound(v float32) float32 {
	return float16.Fromfloat32(v).Float32()
}

// spillDiskBlocks streams disk-assigned blocks through the block cache,
// releasing their RAM copies.
func (m *Materializer) spillDiskBlocks(mdl *Model) error {
	dir := filepath.Join(m.CacheDir, "disk-blocks")
	spilled := 0
	for _, t := range mdl.Tensors {
		if t.Device != placement.DeviceDisk || len(t.Data) == 0 {
			continue
		}
		if mdl.DiskSpills == nil {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("disk cache: %w", err)
			}
			mdl.DiskSpills = make(map[string]string)
		}
		p := filepath.Join(dir, t.Name+".bin")
		if err := os.WriteFile(p, checkpoint.EncodeF32(t.Data), 0o644); err != nil {
			return fmt.Errorf("disk cache %s: %w", t.Name, err)
		}
		mdl.DiskSpills[t.Name] = p
		t.Data = nil
		spilled++
	}
	if spilled > 0 {
		m.Log.Info().Int("tensors", spilled).Str("dir", dir).Msg("blocks spilled to disk cache")
	}
	return nil
}
