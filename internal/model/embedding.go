package model

import (
	"github.com/RuntimeRacer/KoboldAI-united/internal/lazyload"
)

// Embedding wraps the token embedding lookup so that input ids in the
// reserved soft-token range resolve to session-provided soft prompt vectors
// instead of the table row. Applied once after hydration.
type Embedding struct {
	table  *lazyload.Tensor
	hidden int
	// softStart is the first reserved soft-token id (one past the real
	// vocabulary).
	softStart uint32
	soft      [][]float32
}

// NewEmbedding builds the patched lookup over a materialized [vocab, hidden]
// embedding table.
func NewEmbedding(table *lazyload.Tensor, hidden, vocabSize int) *Embedding {
	return &Embedding{table: table, hidden: hidden, softStart: uint32(vocabSize)}
}

// SetSoftPrompt installs session soft prompt vectors. Passing nil clears the
// soft prompt; lookups in the reserved range then return zeros.
func (e *Embedding) SetSoftPrompt(vectors [][]float32) {
	e.soft = vectors
}

// SoftTokenRange returns the reserved id range [start, start+n) currently
// backed by soft prompt vectors.
func (e *Embedding) SoftTokenRange() (uint32, int) {
	return e.softStart, len(e.soft)
}

// Lookup returns the embedding vector for one input id.
func (e *Embedding) Lookup(id uint32) []float32 {
	if id >= e.softStart {
		i := int(id - e.softStart)
		if i < len(e.soft) {
			return e.soft[i]
		}
		// Reserved id without a configured vector: zero embedding keeps
		// downstream shapes intact.
		return make([]float32, e.hidden)
	}
	row := int(id) * e.hidden
	if e.table == nil || row+e.hidden > len(e.table.Data) {
		return make([]float32, e.hidden)
	}
	return e.table.Data[row : row+e.hidden]
}
