package manager

import (
	"context"
	"encoding/json"
	"io"

	"github.com/google/uuid"

	"github.com/RuntimeRacer/KoboldAI-united/internal/engine"
	"github.com/RuntimeRacer/KoboldAI-united/internal/model"
	"github.com/RuntimeRacer/KoboldAI-united/pkg/types"
)

// defaultMaxTokens bounds generation length when the request leaves it unset.
const defaultMaxTokens = 80

// batchLine is one streamed NDJSON line carrying a finished batch.
type batchLine struct {
	RequestID string   `json:"request_id"`
	Batch     int      `json:"batch"`
	Tokens    []uint32 `json:"tokens"`
	Text      string   `json:"text,omitempty"`
}

// Generate runs one generation over the loaded model, uniform across
// hydration strategies, and streams NDJSON result lines to w. The model is
// loaded on demand when the requested id is not the live one.
func (m *Manager) Generate(ctx context.Context, req types.GenerateRequest, w io.Writer, flush func()) error {
	modelID := req.Model
	if modelID == "" {
		modelID = m.cfg.DefaultModel
		if modelID == "" {
			return modelNotFoundError{id: "(unspecified)"}
		}
	}

	m.mu.RLock()
	live := m.state == StateReady && m.cur != nil && m.cur.ID == modelID
	m.mu.RUnlock()
	if !live {
		if err := m.Load(ctx, modelID, m.cfg.Revision); err != nil {
			return err
		}
	}

	release, err := m.beginGeneration(ctx, modelID)
	if err != nil {
		return err
	}
	defer release()

	m.mu.RLock()
	mdl := m.mdl
	strategy := m.strategy
	m.mu.RUnlock()
	if mdl == nil {
		return modelNotFoundError{id: modelID}
	}

	prompt := req.PromptTokens
	if len(prompt) == 0 && req.Prompt != "" {
		if mdl.Tokenizer == nil {
			return ErrDependencyUnavailable("no tokenizer available for text prompts, send prompt_tokens")
		}
		prompt = mdl.Tokenizer.Encode(req.Prompt)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	batchCount := req.BatchCount
	if batchCount <= 0 {
		batchCount = 1
	}

	// Per-request state read by the stopping hook.
	m.aborted.Store(false)
	m.genBudget.Store(int64(maxTokens))
	m.generating.Store(true)
	defer m.generating.Store(false)

	requestID := uuid.NewString()
	settings := engine.SettingsFrom(req.Samplers)

	var batches [][]uint32
	switch strategy {
	case model.StrategyEngine:
		batches, err = m.generateEngine(ctx, mdl, prompt, maxTokens, batchCount, settings)
	default:
		if m.backend == nil {
			err = ErrDependencyUnavailable("no local generation backend registered")
		} else {
			batches, err = m.backend.Generate(ctx, mdl, prompt, maxTokens, batchCount, settings)
		}
	}
	if err != nil {
		generationsTotal.WithLabelValues(string(strategy), "error").Inc()
		return err
	}
	generationsTotal.WithLabelValues(string(strategy), "ok").Inc()
	for _, b := range batches {
		generatedTokensTotal.Add(float64(len(b)))
	}

	return streamResult(w, flush, requestID, prompt, batches, mdl, req.Stream)
}

// generateEngine dispatches the blocking static-inference call off this
// goroutine's loop and synthesizes the soft-token placeholder shards.
func (m *Manager) generateEngine(ctx context.Context, mdl *model.Model, prompt []uint32, maxTokens, batchCount int, settings engine.Settings) ([][]uint32, error) {
	geo := m.eng.Geometry()
	var soft [][]float32
	if mdl.Embedding != nil {
		start, n := mdl.Embedding.SoftTokenRange()
		for i := 0; i < n; i++ {
			soft = append(soft, mdl.Embedding.Lookup(start+uint32(i)))
		}
	}
	return engine.Dispatch(ctx, m.eng, engine.InferRequest{
		PromptTokens: prompt,
		MaxTokens:    maxTokens,
		BatchCount:   batchCount,
		SoftTokens:   engine.PadSoftTokens(soft, geo.DModel, geo.CoresPerReplica, geo.SeqLength),
		BadWords:     mdl.BadWords,
		Settings:     settings,
	})
}

// streamResult writes per-batch NDJSON lines when streaming was requested,
// always followed by the terminal response line.
func streamResult(w io.Writer, flush func(), requestID string, prompt []uint32, batches [][]uint32, mdl *model.Model, stream bool) error {
	enc := json.NewEncoder(w)
	if stream {
		for i, tokens := range batches {
			line := batchLine{RequestID: requestID, Batch: i, Tokens: tokens}
			if mdl.Tokenizer != nil {
				line.Text = mdl.Tokenizer.Decode(tokens)
			}
			if err := enc.Encode(line); err != nil {
				return err
			}
			if flush != nil {
				flush()
			}
		}
	}
	final := types.GenerateResponse{
		RequestID: requestID,
		Prompt:    prompt,
		Batches:   batches,
		Done:      true,
	}
	if err := enc.Encode(final); err != nil {
		return err
	}
	if flush != nil {
		flush()
	}
	return nil
}
