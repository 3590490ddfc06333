// Package model materializes a device-placed model from a resolved
// checkpoint: a metadata-only pass discovers the module layout, then one of
// three hydration strategies instantiates the weights in place.
package model

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config is the structural metadata read once from the checkpoint's config
// file and shared read-only by every downstream component.
type Config struct {
	ModelType  string
	NumLayers  int
	HiddenSize int
	VocabSize  int
	EOSTokenID int
}

// rawConfig accepts the field aliases used across checkpoint generations.
type rawConfig struct {
	ModelType       string `json:"model_type"`
	NumLayers       int    `json:"num_layers"`
	NLayer          int    `json:"n_layer"`
	NumHiddenLayers int    `json:"num_hidden_layers"`
	HiddenSize      int    `json:"hidden_size"`
	NEmbd           int    `json:"n_embd"`
	DModel          int    `json:"d_model"`
	VocabSize       int    `json:"vocab_size"`
	EOSTokenID      int    `json:"eos_token_id"`
}

// LoadConfig reads and normalizes a checkpoint config.json.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read model config: %w", err)
	}
	var raw rawConfig
	if err := json.Unmarshal(b, &raw); err != nil {
		return Config{}, fmt.Errorf("parse model config: %w", err)
	}
	cfg := Config{
		ModelType:  raw.ModelType,
		NumLayers:  firstNonZero(raw.NumLayers, raw.NLayer, raw.NumHiddenLayers),
		HiddenSize: firstNonZero(raw.HiddenSize, raw.NEmbd, raw.DModel),
		VocabSize:  raw.VocabSize,
		EOSTokenID: raw.EOSTokenID,
	}
	if cfg.ModelType == "" {
		return Config{}, fmt.Errorf("model config %s: missing model_type", path)
	}
	if cfg.NumLayers <= 0 {
		return Config{}, fmt.Errorf("model config %s: missing layer count", path)
	}
	return cfg, nil
}

func firstNonZero(vals ...int) int {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}
