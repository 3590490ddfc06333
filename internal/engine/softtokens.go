package engine

// PadSoftTokens sizes soft prompt vectors to the per-core shard geometry:
// rows are zero-padded to a multiple of cores and to at least seq, then
// split into one shard per core. With no vectors configured a single zero
// row is synthesized first, so downstream shapes hold even without a real
// soft prompt.
func PadSoftTokens(vectors [][]float32, dModel, cores, seq int) [][][]float32 {
	if cores < 1 {
		cores = 1
	}
	rows := len(vectors)
	if rows == 0 {
		rows = 1
	}
	target := rows
	if target < seq {
		target = seq
	}
	if rem := target % cores; rem != 0 {
		target += cores - rem
	}

	padded := make([][]float32, target)
	for i := 0; i < target; i++ {
		if i < len(vectors) && len(vectors[i]) == dModel {
			padded[i] = vectors[i]
			continue
		}
		padded[i] = make([]float32, dModel)
	}

	perCore := target / cores
	shards := make([][][]float32, cores)
	for c := 0; c < cores; c++ {
		shards[c] = padded[c*perCore : (c+1)*perCore]
	}
	return shards
}
