package model

import (
	"sort"
	"strings"
)

// builtinSuppression lists architectures whose generation path already
// handles special-token suppression; the derived list is skipped for them.
var builtinSuppression = map[string]bool{
	"gpt2":    true,
	"gpt_neo": true,
	"gptj":    true,
}

const suppressChars = "<>[]"

// DeriveBadWords computes the token suppression groups for generation:
// every vocabulary entry containing one of '<', '>', '[' or ']' becomes a
// singleton group. The end-of-sequence literal "</s>" stays usable unless
// spaces-as-newline mode is active. Returns nil (keep defaults) when the
// architecture has built-in handling or the caller already customized the
// list.
func DeriveBadWords(vocab map[string]int, modelType string, spacesAsNewline bool, custom [][]int) [][]int {
	if custom != nil {
		return custom
	}
	if builtinSuppression[modelType] {
		return nil
	}
	var ids []int
	for tok, id := range vocab {
		if !strings.ContainsAny(tok, suppressChars) {
			continue
		}
		if tok == "</s>" && !spacesAsNewline {
			continue
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	groups := make([][]int, len(ids))
	for i, id := range ids {
		groups[i] = []int{id}
	}
	return groups
}
