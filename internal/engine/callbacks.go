package engine

import (
	"io"
	"sync/atomic"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"
)

// TokenSet is a per-sequence exclusion set of world info entry ids already
// seen during this generation.
type TokenSet map[int]struct{}

// Clone returns an independent copy of the set.
func (s TokenSet) Clone() TokenSet {
	out := make(TokenSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

// WarperHook rewrites the raw next-token score distribution, one row per
// batch sequence.
type WarperHook func(scores *mat.Dense) (*mat.Dense, error)

// StoppingHook is called once per generated token and decides whether
// generation regenerates the step or halts.
type StoppingHook func(generated [][]uint32, nGenerated int, excluded []TokenSet) (updated []TokenSet, regen, halt bool)

// Callbacks is the explicit hook set handed to the engine at Init. All four
// fields must be non-nil.
type Callbacks struct {
	Warper           WarperHook
	Stopping         StoppingHook
	Compiling        func()
	StoppedCompiling func()
}

// GuardWarper wraps hook with the mandatory shape round-trip check: the
// rewritten matrix must have exactly the input's dimensions or the
// generation call fails with a shape mismatch. A nil hook passes scores
// through unchanged.
func GuardWarper(hook WarperHook) WarperHook {
	return func(scores *mat.Dense) (*mat.Dense, error) {
		if hook == nil {
			return scores, nil
		}
		rows, cols := scores.Dims()
		out, err := hook(scores)
		if err != nil {
			return nil, err
		}
		if out == nil {
			return nil, ErrShapeMismatch(rows, cols, 0, 0)
		}
		gotRows, gotCols := out.Dims()
		if gotRows != rows || gotCols != cols {
			return nil, ErrShapeMismatch(rows, cols, gotRows, gotCols)
		}
		return out, nil
	}
}

// WorldInfoScanner reports which world info entries newly match a generated
// sequence, given the entries already excluded for that sequence.
type WorldInfoScanner func(seq []uint32, excluded TokenSet) []int

// Stopper builds the stopping-decision hook. Halting is forced by the abort
// flag, by generation being disabled, or by an exhausted token budget; any
// new world info match forces regeneration of the step.
type Stopper struct {
	// MaxTokens is the per-sequence new-token budget.
	MaxTokens int
	// Aborted is polled each token step; cancellation is cooperative only.
	Aborted func() bool
	// Generating reports whether generation is still externally enabled.
	Generating func() bool
	// Scan finds new world info matches; nil disables world info handling.
	Scan WorldInfoScanner
}

// Hook returns the StoppingHook closure. It reads only the receiver and its
// arguments, never surrounding loop state.
func (s Stopper) Hook() StoppingHook {
	return func(generated [][]uint32, nGenerated int, excluded []TokenSet) ([]TokenSet, bool, bool) {
		updated := make([]TokenSet, len(generated))
		regen := false
		for i, seq := range generated {
			var prev TokenSet
			if i < len(excluded) {
				prev = excluded[i]
			}
			updated[i] = prev.Clone()
			if s.Scan == nil {
				continue
			}
			for _, id := range s.Scan(seq, prev) {
				updated[i][id] = struct{}{}
				regen = true
			}
		}
		halt := nGenerated >= s.MaxTokens
		if s.Aborted != nil && s.Aborted() {
			halt = true
		}
		if s.Generating != nil && !s.Generating() {
			halt = true
		}
		return updated, regen, halt
	}
}

// Notifier renders the engine's compilation-state notifications. The first
// generation after a load triggers a slow JIT compile; the colored line
// tells the operator the stall is expected.
type Notifier struct {
	Out io.Writer
	Log zerolog.Logger

	compiling atomic.Bool
}

var (
	compileNote = color.New(color.FgHiYellow)
	doneNote    = color.New(color.FgHiGreen)
)

// Compiling marks entry into the JIT compilation phase.
func (n *Notifier) Compiling() {
	n.compiling.Store(true)
	if n.Out != nil {
		compileNote.Fprintln(n.Out, "Compiling inference graph, the first generation will take a while...")
	}
	n.Log.Info().Msg("engine compiling")
}

// StoppedCompiling marks exit from the compilation phase.
func (n *Notifier) StoppedCompiling() {
	n.compiling.Store(false)
	if n.Out != nil {
		doneNote.Fprintln(n.Out, "Inference graph compiled.")
	}
	n.Log.Info().Msg("engine compilation finished")
}

// IsCompiling reports whether the engine is currently inside a compile
// phase. Served on the status endpoint.
func (n *Notifier) IsCompiling() bool {
	return n.compiling.Load()
}
