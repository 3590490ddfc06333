package model

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDeriveBadWordsSuppressesSpecialTokens(t *testing.T) {
	vocab := map[string]int{"<pad>": 0, "hello": 1, "</s>": 2}
	got := DeriveBadWords(vocab, "opt", false, nil)
	// <pad> suppressed; </s> stays usable while spaces-as-newline is off.
	want := [][]int{{0}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("suppression groups (-want +got):\n%s", diff)
	}
}

func TestDeriveBadWordsSpacesAsNewlineSuppressesEOS(t *testing.T) {
	vocab := map[string]int{"<pad>": 0, "hello": 1, "</s>": 2}
	got := DeriveBadWords(vocab, "opt", true, nil)
	want := [][]int{{0}, {2}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("suppression groups (-want +got):\n%s", diff)
	}
}

func TestDeriveBadWordsSkipsBuiltinArchitectures(t *testing.T) {
	vocab := map[string]int{"<pad>": 0}
	for _, mt := range []string{"gpt2", "gpt_neo", "gptj"} {
		if got := DeriveBadWords(vocab, mt, false, nil); got != nil {
			t.Fatalf("%s: expected nil (keep defaults), got %v", mt, got)
		}
	}
}

func TestDeriveBadWordsKeepsCustomList(t *testing.T) {
	custom := [][]int{{42}}
	got := DeriveBadWords(map[string]int{"<x>": 7}, "opt", false, custom)
	if diff := cmp.Diff(custom, got); diff != "" {
		t.Fatalf("custom list not preserved (-want +got):\n%s", diff)
	}
}

func TestDeriveBadWordsBracketVariants(t *testing.T) {
	vocab := map[string]int{"[WP]": 3, "plain": 4, "a]b": 5, "<": 6}
	got := DeriveBadWords(vocab, "opt", false, nil)
	want := [][]int{{3}, {5}, {6}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("suppression groups (-want +got):\n%s", diff)
	}
}
