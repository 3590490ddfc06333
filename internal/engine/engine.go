package engine

import (
	"context"

	"github.com/RuntimeRacer/KoboldAI-united/pkg/types"
)

// Geometry describes the engine's core layout. Fixed for the lifetime of the
// loaded model.
type Geometry struct {
	// CoresPerReplica is the accelerator core count one model replica spans.
	CoresPerReplica int
	// SeqLength is the maximum sequence length the compiled graph accepts.
	SeqLength int
	// DModel is the embedding width.
	DModel int
	// PaddedVocab is the vocabulary size after padding to the engine's
	// shard granularity.
	PaddedVocab int
}

// InferRequest is the static-inference call payload.
type InferRequest struct {
	PromptTokens []uint32
	MaxTokens    int
	BatchCount   int
	// SoftTokens holds the per-core soft prompt shards, placeholder or real.
	SoftTokens [][][]float32
	// BadWords are singleton token suppression groups.
	BadWords [][]int
	Settings Settings
}

// Engine is the external sharded inference runtime. Implementations receive
// the scripting callbacks once at initialization through the explicit
// Callbacks struct and run the blocking static-inference call.
type Engine interface {
	// Init hands the engine its model configuration and callback hooks.
	// Must be called exactly once before InferStatic.
	Init(cfg InitConfig) error
	// InferStatic runs one batched generation and returns raw output token
	// batches. Blocking; run it off the caller's scheduling loop.
	InferStatic(ctx context.Context, req InferRequest) ([][]uint32, error)
	// Geometry reports the core layout negotiated at Init.
	Geometry() Geometry
}

// InitConfig carries the model configuration and the callback hooks passed
// to the engine at initialization.
type InitConfig struct {
	ModelType  string
	NumLayers  int
	HiddenSize int
	VocabSize  int
	// PadTokenID overrides the engine's pad token for architectures that
	// need it (NeoX style checkpoints).
	PadTokenID int
	Callbacks  Callbacks
}

// Settings is the per-call sampling parameter snapshot handed to the
// engine, field for field what the engine's sampler consumes.
type Settings struct {
	Temperature float64
	TopP        float64
	TopK        int
	TFS         float64
	Typical     float64
	TopA        float64
	RepPen      float64
	RepPenSlope float64
	RepPenRange int
	// SamplerOrder is the normalized stage order; always 7 entries.
	SamplerOrder []int
}

// StageRepetitionPenalty is the sampler stage identifier of the repetition
// penalty pass.
const StageRepetitionPenalty = 6

// defaultSamplerOrder applies the stages in their historical order with the
// repetition penalty first.
var defaultSamplerOrder = []int{StageRepetitionPenalty, 0, 1, 2, 3, 4, 5}

// NormalizeSamplerOrder returns order with the repetition penalty stage
// prepended when fewer than 7 stages were given. Orders from older clients
// predate the repetition penalty stage id and omit it.
func NormalizeSamplerOrder(order []int) []int {
	if len(order) == 0 {
		out := make([]int, len(defaultSamplerOrder))
		copy(out, defaultSamplerOrder)
		return out
	}
	if len(order) < 7 {
		out := make([]int, 0, len(order)+1)
		out = append(out, StageRepetitionPenalty)
		return append(out, order...)
	}
	out := make([]int, len(order))
	copy(out, order)
	return out
}

// SettingsFrom translates the API sampler settings 1:1 into the engine's
// snapshot, normalizing the sampler order.
func SettingsFrom(s types.SamplerSettings) Settings {
	return Settings{
		Temperature:  s.Temperature,
		TopP:         s.TopP,
		TopK:         s.TopK,
		TFS:          s.TFS,
		Typical:      s.Typical,
		TopA:         s.TopA,
		RepPen:       s.RepPen,
		RepPenSlope:  s.RepPenSlope,
		RepPenRange:  s.RepPenRange,
		SamplerOrder: NormalizeSamplerOrder(s.SamplerOrder),
	}
}

// result pairs the off-thread call outcome for channel delivery.
type result struct {
	batches [][]uint32
	err     error
}

// Dispatch runs the engine's blocking static-inference call on its own
// goroutine and delivers the outcome over a channel, so the caller's loop
// keeps scheduling while the engine works. Context cancellation returns
// early; the engine call itself observes the same context.
func Dispatch(ctx context.Context, eng Engine, req InferRequest) ([][]uint32, error) {
	ch := make(chan result, 1)
	go func() {
		batches, err := eng.InferStatic(ctx, req)
		ch <- result{batches: batches, err: err}
	}()
	select {
	case r := <-ch:
		return r.batches, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
