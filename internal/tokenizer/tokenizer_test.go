package tokenizer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEncodeGreedyLongestMatch(t *testing.T) {
	tok := NewVocabTokenizer(map[string]int{
		"he":    0,
		"hello": 1,
		"llo":   2,
		" ":     3,
	})

	got := tok.Encode("hello hello")
	want := []uint32{1, 3, 1}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("encode mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeSkipsUnknownBytes(t *testing.T) {
	tok := NewVocabTokenizer(map[string]int{"ab": 0})
	got := tok.Encode("xabyab")
	want := []uint32{0, 0}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("encode mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	tok := NewVocabTokenizer(map[string]int{"he": 0, "llo": 1})
	ids := tok.Encode("hello")
	if got := tok.Decode(ids); got != "hello" {
		t.Fatalf("decode = %q, want %q", got, "hello")
	}
}

func TestLoadVocab(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vocab.json")
	if err := os.WriteFile(path, []byte(`{"<pad>":0,"hi":1}`), 0o644); err != nil {
		t.Fatalf("write vocab: %v", err)
	}

	tok, err := LoadVocab(path)
	if err != nil {
		t.Fatalf("LoadVocab: %v", err)
	}
	if got := tok.Vocab()["hi"]; got != 1 {
		t.Fatalf("vocab[hi] = %d, want 1", got)
	}

	if _, err := LoadVocab(filepath.Join(dir, "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
