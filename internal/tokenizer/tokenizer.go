// Package tokenizer exposes the read-only tokenizer collaborator. The
// orchestration layer only needs the vocabulary (for suppression lists) and
// basic encode/decode; the real subword machinery lives outside this
// repository.
package tokenizer

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Tokenizer is consumed read-only by the loading pipeline.
type Tokenizer interface {
	// Vocab maps token string to token id.
	Vocab() map[string]int
	Encode(text string) []uint32
	Decode(ids []uint32) string
}

// VocabTokenizer is a minimal vocabulary-backed tokenizer for local
// checkpoints and tests. Encoding is greedy longest-match over the
// vocabulary; unknown bytes are skipped.
type VocabTokenizer struct {
	vocab   map[string]int
	byID    map[int]string
	maxTok  int
	ordered []string
}

// LoadVocab reads a vocab.json file mapping token string to id.
func LoadVocab(path string) (*VocabTokenizer, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read vocab: %w", err)
	}
	var vocab map[string]int
	if err := json.Unmarshal(b, &vocab); err != nil {
		return nil, fmt.Errorf("parse vocab: %w", err)
	}
	return NewVocabTokenizer(vocab), nil
}

// NewVocabTokenizer builds a tokenizer over an in-memory vocabulary.
func NewVocabTokenizer(vocab map[string]int) *VocabTokenizer {
	t := &VocabTokenizer{vocab: vocab, byID: make(map[int]string, len(vocab))}
	for tok, id := range vocab {
		t.byID[id] = tok
		if len(tok) > t.maxTok {
			t.maxTok = len(tok)
		}
		t.ordered = append(t.ordered, tok)
	}
	// Longest tokens first for greedy matching.
	sort.Slice(t.ordered, func(i, j int) bool { return len(t.ordered[i]) > len(t.ordered[j]) })
	return t
}

func (t *VocabTokenizer) Vocab() map[string]int { return t.vocab }

func (t *VocabTokenizer) Encode(text string) []uint32 {
	var out []uint32
	for len(text) > 0 {
		matched := false
		for _, tok := range t.ordered {
			if strings.HasPrefix(text, tok) {
				out = append(out, uint32(t.vocab[tok]))
				text = text[len(tok):]
				matched = true
				break
			}
		}
		if !matched {
			text = text[1:]
		}
	}
	return out
}

func (t *VocabTokenizer) Decode(ids []uint32) string {
	var sb strings.Builder
	for _, id := range ids {
		sb.WriteString(t.byID[int(id)])
	}
	return sb.String()
}
