package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/RuntimeRacer/KoboldAI-united/internal/common/fsutil"
	"github.com/RuntimeRacer/KoboldAI-united/pkg/types"
)

// configName is the file whose presence marks a directory as a checkpoint.
const configName = "config.json"

// LoadDir scans a directory for checkpoint subdirectories and builds a
// registry from them. A subdirectory counts when it carries a config.json;
// ID is the directory name and Type is the architecture tag read from the
// config when present.
func LoadDir(dir string) ([]types.Model, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var models []types.Model
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		p := filepath.Join(abs, e.Name())
		cfgPath := filepath.Join(p, configName)
		if !fsutil.PathExists(cfgPath) {
			continue
		}
		models = append(models, types.Model{
			ID:   e.Name(),
			Name: e.Name(),
			Path: p,
			Type: readModelType(cfgPath),
		})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models, nil
}

// readModelType pulls the architecture tag out of a checkpoint config.
// A malformed config leaves the tag empty rather than failing the scan.
func readModelType(path string) string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	var cfg struct {
		ModelType string `json:"model_type"`
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return ""
	}
	return cfg.ModelType
}
