package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/RuntimeRacer/KoboldAI-united/internal/common/fsutil"
)

// Canonical checkpoint filenames.
const (
	ConfigName     = "config.json"
	WeightsName    = "pytorch_model.bin"
	AltWeightsName = "model.safetensors"
	IndexName      = "pytorch_model.bin.index.json"
	VocabName      = "vocab.json"
)

const defaultFetchParallelism = 4

// Ref names a checkpoint: a local folder name or remote repository id, plus
// an optional revision tag.
type Ref struct {
	ID       string
	Revision string
}

// Fetcher is the external download collaborator. Fetch returns a local file
// path for the named file of the referenced checkpoint.
type Fetcher interface {
	Fetch(ctx context.Context, ref Ref, filename string) (string, error)
}

// Checkpoint is a resolved, ready-to-load checkpoint on local disk.
type Checkpoint struct {
	Dir     string
	Sharded bool
	// WeightFiles lists the weight file paths, index order for sharded
	// checkpoints.
	WeightFiles []string
	// WeightMap maps tensor name to shard file name for sharded
	// checkpoints; nil otherwise.
	WeightMap map[string]string
}

// FileFor returns the weight file path holding the named tensor. Unsharded
// checkpoints route every name to their single file.
func (c Checkpoint) FileFor(name string) (string, bool) {
	if c.WeightMap == nil {
		if len(c.WeightFiles) == 0 {
			return "", false
		}
		return c.WeightFiles[0], true
	}
	shard, ok := c.WeightMap[name]
	if !ok {
		return "", false
	}
	return filepath.Join(c.Dir, shard), true
}

// ConfigPath returns the path of the checkpoint's config file.
func (c Checkpoint) ConfigPath() string { return filepath.Join(c.Dir, ConfigName) }

// indexManifest is the sharded-index file format: a weight map from tensor
// name to the shard file holding it.
type indexManifest struct {
	WeightMap map[string]string `json:"weight_map"`
}

// Resolver locates or fetches checkpoints and normalizes legacy layouts.
type Resolver struct {
	// RootDir is the legacy location where model folders used to live
	// directly; defaults to the parent of ModelsDir.
	RootDir   string
	ModelsDir string
	Fetcher   Fetcher
	// Parallelism bounds concurrent shard fetches.
	Parallelism int
	Log         zerolog.Logger
}

// LocalPath returns the namespaced local directory for a checkpoint id.
func (r *Resolver) LocalPath(id string) string {
	return filepath.Join(r.ModelsDir, strings.ReplaceAll(id, "/", "_"))
}

func (r *Resolver) legacyPath(id string) string {
	root := r.RootDir
	if root == "" {
		root = filepath.Dir(r.ModelsDir)
	}
	return filepath.Join(root, strings.ReplaceAll(id, "/", "_"))
}

// MigrateLegacy relocates a model folder from the legacy root location into
// the namespaced models directory. Idempotent: a missing legacy folder is a
// no-op and an existing target is never overwritten.
func (r *Resolver) MigrateLegacy(id string) error {
	src := r.legacyPath(id)
	dst := r.LocalPath(id)
	if src == dst || !fsutil.PathExists(filepath.Join(src, ConfigName)) {
		return nil
	}
	if fsutil.PathExists(dst) {
		// Target already populated; leave both in place rather than risk
		// clobbering a good checkpoint.
		r.Log.Warn().Str("legacy", src).Str("target", dst).Msg("legacy model folder left in place, target exists")
		return nil
	}
	r.Log.Info().Str("from", src).Str("to", dst).Msg("migrating legacy model folder")
	if err := fsutil.MovePath(src, dst); err != nil {
		return ErrFilesystem(fmt.Sprintf("migrate %s: %v", id, err))
	}
	return nil
}

// Resolve returns a local directory containing a ready-to-load checkpoint
// for ref, fetching config and weights when no local copy exists.
func (r *Resolver) Resolve(ctx context.Context, ref Ref) (Checkpoint, error) {
	if err := r.MigrateLegacy(ref.ID); err != nil {
		return Checkpoint{}, err
	}

	dir := r.LocalPath(ref.ID)
	if fsutil.PathExists(filepath.Join(dir, ConfigName)) {
		return r.describeLocal(dir)
	}
	if r.Fetcher == nil {
		return Checkpoint{}, ErrUnavailable(fmt.Sprintf("%s: not present locally and no fetcher configured", ref.ID))
	}

	r.Log.Info().Str("model", ref.ID).Str("revision", ref.Revision).Msg("fetching checkpoint")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Checkpoint{}, ErrFilesystem(fmt.Sprintf("create %s: %v", dir, err))
	}

	// Config first: everything downstream needs the structural metadata.
	if err := r.fetchInto(ctx, ref, ConfigName, dir); err != nil {
		return Checkpoint{}, ErrUnavailable(fmt.Sprintf("%s: fetch %s: %v", ref.ID, ConfigName, err))
	}
	// Vocabulary is optional; some checkpoints ship the tokenizer separately.
	_ = r.fetchInto(ctx, ref, VocabName, dir)

	// Sharded checkpoints carry an index manifest; try it before falling
	// back to the unsharded canonical names.
	if err := r.fetchInto(ctx, ref, IndexName, dir); err == nil {
		cp, err := r.fetchShards(ctx, ref, dir)
		if err != nil {
			return Checkpoint{}, err
		}
		return cp, nil
	}

	if err := r.fetchInto(ctx, ref, WeightsName, dir); err != nil {
		r.Log.Debug().Err(err).Str("name", WeightsName).Msg("canonical weight name missing, trying fallback")
		if err := r.fetchInto(ctx, ref, AltWeightsName, dir); err != nil {
			return Checkpoint{}, ErrUnavailable(fmt.Sprintf("%s: no weight file under %q or %q", ref.ID, WeightsName, AltWeightsName))
		}
		return Checkpoint{Dir: dir, WeightFiles: []string{filepath.Join(dir, AltWeightsName)}}, nil
	}
	return Checkpoint{Dir: dir, WeightFiles: []string{filepath.Join(dir, WeightsName)}}, nil
}

// fetchShards reads the already-fetched index manifest and fetches every
// shard it lists. A single missing shard fails the whole resolution.
func (r *Resolver) fetchShards(ctx context.Context, ref Ref, dir string) (Checkpoint, error) {
	weightMap, shards, err := parseIndex(filepath.Join(dir, IndexName))
	if err != nil {
		return Checkpoint{}, ErrUnavailable(fmt.Sprintf("%s: index manifest: %v", ref.ID, err))
	}

	par := r.Parallelism
	if par <= 0 {
		par = defaultFetchParallelism
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(par)
	for _, name := range shards {
		name := name
		g.Go(func() error {
			if err := r.fetchInto(gctx, ref, name, dir); err != nil {
				return ErrUnavailable(fmt.Sprintf("%s: fetch shard %s: %v", ref.ID, name, err))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Checkpoint{}, err
	}

	files := make([]string, len(shards))
	for i, name := range shards {
		files[i] = filepath.Join(dir, name)
	}
	return Checkpoint{Dir: dir, Sharded: true, WeightFiles: files, WeightMap: weightMap}, nil
}

// fetchInto fetches one file and moves it into the checkpoint directory.
// Already-present files are kept (partial downloads resume cheaply).
func (r *Resolver) fetchInto(ctx context.Context, ref Ref, filename, dir string) error {
	dst := filepath.Join(dir, filename)
	if fsutil.PathExists(dst) {
		return nil
	}
	src, err := r.Fetcher.Fetch(ctx, ref, filename)
	if err != nil {
		return err
	}
	if src == dst {
		return nil
	}
	if err := fsutil.MovePath(src, dst); err != nil {
		return ErrFilesystem(fmt.Sprintf("place %s: %v", filename, err))
	}
	return nil
}

// describeLocal inventories an existing local checkpoint directory.
func (r *Resolver) describeLocal(dir string) (Checkpoint, error) {
	if fsutil.PathExists(filepath.Join(dir, IndexName)) {
		weightMap, shards, err := parseIndex(filepath.Join(dir, IndexName))
		if err != nil {
			return Checkpoint{}, ErrUnavailable(fmt.Sprintf("%s: index manifest: %v", dir, err))
		}
		files := make([]string, 0, len(shards))
		for _, name := range shards {
			p := filepath.Join(dir, name)
			if !fsutil.PathExists(p) {
				return Checkpoint{}, ErrUnavailable(fmt.Sprintf("%s: missing shard %s", dir, name))
			}
			files = append(files, p)
		}
		return Checkpoint{Dir: dir, Sharded: true, WeightFiles: files, WeightMap: weightMap}, nil
	}
	for _, name := range []string{WeightsName, AltWeightsName} {
		p := filepath.Join(dir, name)
		if fsutil.PathExists(p) {
			return Checkpoint{Dir: dir, WeightFiles: []string{p}}, nil
		}
	}
	return Checkpoint{}, ErrUnavailable(fmt.Sprintf("%s: config present but no weight files", dir))
}

// parseIndex parses an index manifest, returning the weight map and the
// unique shard file names in stable order.
func parseIndex(indexPath string) (map[string]string, []string, error) {
	b, err := os.ReadFile(indexPath)
	if err != nil {
		return nil, nil, err
	}
	var idx indexManifest
	if err := json.Unmarshal(b, &idx); err != nil {
		return nil, nil, err
	}
	if len(idx.WeightMap) == 0 {
		return nil, nil, fmt.Errorf("empty weight map")
	}
	seen := make(map[string]struct{})
	var names []string
	for _, shard := range idx.WeightMap {
		if _, ok := seen[shard]; ok {
			continue
		}
		seen[shard] = struct{}{}
		names = append(names, shard)
	}
	sort.Strings(names)
	return idx.WeightMap, names, nil
}
