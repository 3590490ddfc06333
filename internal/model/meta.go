package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Meta is the result of the metadata-only construction pass: the module
// layout of the target architecture, discovered before any weight bytes are
// read. The lazy loader routes tensors with it and the materializer knows
// which non-parameter buffers still need instantiation.
type Meta struct {
	// BlockNames lists the transformer block module names in layer order.
	BlockNames []string
	// StateKeys is the full ordered list of state-dict key names.
	StateKeys []string
	// Buffers lists non-parameter buffers (e.g. attention bias caches)
	// that must be materialized even though they are not learned weights.
	Buffers []string
}

const blockPrefix = "transformer.h."

// perBlockParams are the learned parameters of one transformer block, in
// state-dict order.
var perBlockParams = []string{
	"ln_1.weight", "ln_1.bias",
	"attn.q_proj.weight", "attn.k_proj.weight", "attn.v_proj.weight",
	"attn.out_proj.weight", "attn.out_proj.bias",
	"ln_2.weight", "ln_2.bias",
	"mlp.fc_in.weight", "mlp.fc_in.bias",
	"mlp.fc_out.weight", "mlp.fc_out.bias",
}

// perBlockBuffers are the per-block non-parameter buffers.
var perBlockBuffers = []string{"attn.bias", "attn.masked_bias"}

// DeriveMeta walks the architecture described by cfg and returns the module
// layout. This is the dematerialized equivalent of constructing the model
// with empty weights and listing its modules.
func DeriveMeta(cfg Config) Meta {
	var m Meta
	m.StateKeys = append(m.StateKeys, "transformer.wte.weight", "transformer.wpe.weight")
	for i := 0; i < cfg.NumLayers; i++ {
		block := blockPrefix + strconv.Itoa(i)
		m.BlockNames = append(m.BlockNames, block)
		for _, p := range perBlockParams {
			m.StateKeys = append(m.StateKeys, block+"."+p)
		}
		for _, b := range perBlockBuffers {
			m.Buffers = append(m.Buffers, block+"."+b)
		}
	}
	m.StateKeys = append(m.StateKeys, "transformer.ln_f.weight", "transformer.ln_f.bias", "lm_head.weight")
	return m
}

// BlockOf returns the layer index owning a state-dict key, or false for
// keys outside the transformer blocks (embeddings, final norm, head).
func BlockOf(name string) (int, bool) {
	if !strings.HasPrefix(name, blockPrefix) {
		return 0, false
	}
	rest := name[len(blockPrefix):]
	dot := strings.IndexByte(rest, '.')
	if dot < 0 {
		return 0, false
	}
	idx, err := strconv.Atoi(rest[:dot])
	if err != nil {
		return 0, false
	}
	return idx, true
}

// BlockName returns the module name of layer i.
func BlockName(i int) string { return fmt.Sprintf("%s%d", blockPrefix, i) }
