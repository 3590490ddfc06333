package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Device holds the declared hardware capability flags consumed by the
// placement planner. These describe what the host claims to have, not what
// was probed; requesting split placement with zero VRAM is legal and
// degrades to all-CPU.
type Device struct {
	// HasAccelerator declares that a CUDA/ROCm class accelerator is present.
	HasAccelerator bool `json:"has_accelerator" yaml:"has_accelerator" toml:"has_accelerator"`
	// AcceleratorOnly places the entire model in VRAM. Takes precedence
	// over SplitPlacement when both are set.
	AcceleratorOnly bool `json:"accelerator_only" yaml:"accelerator_only" toml:"accelerator_only"`
	// SplitPlacement distributes transformer blocks across VRAM and RAM.
	SplitPlacement bool `json:"split_placement" yaml:"split_placement" toml:"split_placement"`
	// VRAMBudgetMB caps the VRAM assigned during split placement.
	VRAMBudgetMB int `json:"vram_budget_mb" yaml:"vram_budget_mb" toml:"vram_budget_mb"`
	// DiskOffload enables streaming blocks through the disk cache.
	DiskOffload bool `json:"disk_offload" yaml:"disk_offload" toml:"disk_offload"`
	// DiskBlocks is the number of trailing blocks carved out to disk.
	DiskBlocks int `json:"disk_blocks" yaml:"disk_blocks" toml:"disk_blocks"`
	// UseShardedEngine delegates hydration and generation to the external
	// sharded inference engine (TPU class hosts).
	UseShardedEngine bool `json:"use_sharded_engine" yaml:"use_sharded_engine" toml:"use_sharded_engine"`
}

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and will be replaced by defaults in main.
type Config struct {
	Addr         string `json:"addr" yaml:"addr" toml:"addr"`
	ModelsDir    string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	CacheDir     string `json:"cache_dir" yaml:"cache_dir" toml:"cache_dir"`
	DefaultModel string `json:"default_model" yaml:"default_model" toml:"default_model"`
	// Revision pins the checkpoint revision fetched for remote models.
	Revision string `json:"revision" yaml:"revision" toml:"revision"`
	// LazyLoad enables the streaming tensor loader. Architectures that are
	// incompatible with lazy loading fall back to an eager load regardless.
	LazyLoad bool `json:"lazy_load" yaml:"lazy_load" toml:"lazy_load"`
	// SpacesAsNewline enables the "s" newline mode; the </s> literal then
	// joins the derived bad-words suppression list.
	SpacesAsNewline bool `json:"spaces_as_newline" yaml:"spaces_as_newline" toml:"spaces_as_newline"`

	Device Device `json:"device" yaml:"device" toml:"device"`
}

// Default returns the baseline configuration used when no config file is
// given.
func Default() Config {
	return Config{
		Addr:      ":5000",
		ModelsDir: "models",
		CacheDir:  "cache",
		LazyLoad:  true,
	}
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}
