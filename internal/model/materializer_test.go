package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/RuntimeRacer/KoboldAI-united/internal/checkpoint"
	"github.com/RuntimeRacer/KoboldAI-united/internal/config"
	"github.com/RuntimeRacer/KoboldAI-united/internal/placement"
	"github.com/RuntimeRacer/KoboldAI-united/internal/tokenizer"
)

func testConfig() Config {
	return Config{ModelType: "gptj", NumLayers: 2, HiddenSize: 2, VocabSize: 3}
}

// writeTestCheckpoint materializes a tiny on-disk checkpoint holding every
// state-dict key the test architecture expects.
func writeTestCheckpoint(t *testing.T, cfg Config) checkpoint.Checkpoint {
	t.Helper()
	dir := t.TempDir()
	meta := DeriveMeta(cfg)
	var entries []checkpoint.TensorEntry
	for _, key := range meta.StateKeys {
		data := []float32{1, 2, 3, 4}
		if key == "transformer.wte.weight" {
			data = []float32{0, 1, 2, 3, 4, 5}
		}
		entries = append(entries, checkpoint.TensorEntry{
			Name:  key,
			Dtype: checkpoint.DtypeF32,
			Shape: []int{len(data) / 2, 2},
			Data:  checkpoint.EncodeF32(data),
		})
	}
	path := filepath.Join(dir, checkpoint.AltWeightsName)
	if err := checkpoint.WriteTensorFile(path, entries); err != nil {
		t.Fatalf("write checkpoint: %v", err)
	}
	return checkpoint.Checkpoint{Dir: dir, WeightFiles: []string{path}}
}

func TestSelectStrategy(t *testing.T) {
	cases := []struct {
		name      string
		modelType string
		app       config.Config
		want      Strategy
	}{
		{"engine wins", "gptj", config.Config{LazyLoad: true, Device: config.Device{UseShardedEngine: true}}, StrategyEngine},
		{"lazy default", "gptj", config.Config{LazyLoad: true}, StrategyLazy},
		{"lazy disabled", "gptj", config.Config{LazyLoad: false}, StrategyEager},
		{"gpt2 forces eager", "gpt2", config.Config{LazyLoad: true}, StrategyEager},
	}
	for _, tc := range cases {
		cfg := testConfig()
		cfg.ModelType = tc.modelType
		if got := SelectStrategy(cfg, tc.app); got != tc.want {
			t.Errorf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestMaterializeEagerAllCPU(t *testing.T) {
	cfg := testConfig()
	cp := writeTestCheckpoint(t, cfg)
	m := &Materializer{Log: zerolog.Nop(), CacheDir: t.TempDir()}

	var planner placement.Planner
	dev := config.Device{}
	plan := planner.Compute(dev, []int{1, 1})

	mdl, probe, err := m.Materialize(Request{
		Checkpoint: cp,
		Config:     cfg,
		Device:     dev,
		Plan:       plan,
		Strategy:   StrategyEager,
	})
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if !probe.FP32Detected {
		t.Fatal("expected fp32 probe hit on a full-precision checkpoint")
	}
	if got, want := len(mdl.Tensors), len(mdl.Meta.StateKeys); got != want {
		t.Fatalf("materialized %d tensors, want %d", got, want)
	}
	for name, tensor := range mdl.Tensors {
		if tensor.Device != placement.DeviceCPU {
			t.Fatalf("%s on %s, want cpu", name, tensor.Device)
		}
	}
	if got, want := len(mdl.Buffers), len(mdl.Meta.Buffers); got != want {
		t.Fatalf("instantiated %d buffers, want %d", got, want)
	}
	if mdl.Embedding == nil {
		t.Fatal("embedding patch missing")
	}
}

func TestMaterializeSplitPlacement(t *testing.T) {
	cfg := testConfig()
	cp := writeTestCheckpoint(t, cfg)
	m := &Materializer{Log: zerolog.Nop(), CacheDir: t.TempDir()}

	var planner placement.Planner
	dev := config.Device{HasAccelerator: true, SplitPlacement: true, VRAMBudgetMB: 1}
	plan := planner.Compute(dev, []int{1, 1})
	if plan.Device(0) != placement.DeviceGPU || plan.Device(1) != placement.DeviceCPU {
		t.Fatalf("unexpected plan: %v %v", plan.Device(0), plan.Device(1))
	}

	mdl, _, err := m.Materialize(Request{
		Checkpoint: cp,
		Config:     cfg,
		Device:     dev,
		Plan:       plan,
		Strategy:   StrategyLazy,
	})
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	for name, tensor := range mdl.Tensors {
		idx, ok := BlockOf(name)
		switch {
		case ok && idx == 0:
			if tensor.Device != placement.DeviceGPU {
				t.Fatalf("%s on %s, want gpu", name, tensor.Device)
			}
			if !tensor.HalfPrecision {
				t.Fatalf("%s moved to gpu without half-precision coercion", name)
			}
		default:
			if tensor.Device != placement.DeviceCPU {
				t.Fatalf("%s on %s, want cpu", name, tensor.Device)
			}
		}
	}
}

func TestMaterializeDiskOffload(t *testing.T) {
	cfg := testConfig()
	cp := writeTestCheckpoint(t, cfg)
	cache := t.TempDir()
	m := &Materializer{Log: zerolog.Nop(), CacheDir: cache}

	var planner placement.Planner
	dev := config.Device{DiskOffload: true, DiskBlocks: 1}
	plan := planner.Compute(dev, []int{1, 1})
	if plan.Device(1) != placement.DeviceDisk {
		t.Fatalf("expected tail layer on disk, got %v", plan.Device(1))
	}

	mdl, _, err := m.Materialize(Request{
		Checkpoint: cp,
		Config:     cfg,
		Device:     dev,
		Plan:       plan,
		Strategy:   StrategyLazy,
	})
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if len(mdl.DiskSpills) == 0 {
		t.Fatal("no tensors spilled to the disk cache")
	}
	for name, path := range mdl.DiskSpills {
		idx, ok := BlockOf(name)
		if !ok || idx != 1 {
			t.Fatalf("spilled %s which is not in the disk-assigned block", name)
		}
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("spill file for %s: %v", name, err)
		}
		if len(mdl.Tensors[name].Data) != 0 {
			t.Fatalf("%s kept its RAM copy after spilling", name)
		}
	}
}

func TestMaterializeEngineSkipsTensors(t *testing.T) {
	cfg := testConfig()
	cfg.ModelType = "opt"
	m := &Materializer{Log: zerolog.Nop()}
	tok := tokenizer.NewVocabTokenizer(map[string]int{"<pad>": 0, "hello": 1, "</s>": 2})

	mdl, _, err := m.Materialize(Request{
		Config:    cfg,
		Strategy:  StrategyEngine,
		Tokenizer: tok,
	})
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if mdl.Tensors != nil {
		t.Fatal("engine strategy must not hydrate tensors locally")
	}
	want := [][]int{{0}}
	if diff := cmp.Diff(want, mdl.BadWords); diff != "" {
		t.Fatalf("bad words (-want +got):\n%s", diff)
	}
}

func TestEmbeddingSoftPromptLookup(t *testing.T) {
	cfg := testConfig()
	cp := writeTestCheckpoint(t, cfg)
	m := &Materializer{Log: zerolog.Nop(), CacheDir: t.TempDir()}

	var planner placement.Planner
	plan := planner.Compute(config.Device{}, []int{1, 1})
	mdl, _, err := m.Materialize(Request{
		Checkpoint: cp,
		Config:     cfg,
		Plan:       plan,
		Strategy:   StrategyEager,
	})
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}

	if got := mdl.Embedding.Lookup(1); !floatsEqual(got, []float32{2, 3}) {
		t.Fatalf("table row lookup: got %v", got)
	}

	mdl.Embedding.SetSoftPrompt([][]float32{{9, 9}})
	if got := mdl.Embedding.Lookup(3); !floatsEqual(got, []float32{9, 9}) {
		t.Fatalf("soft token lookup: got %v", got)
	}
	if got := mdl.Embedding.Lookup(4); !floatsEqual(got, []float32{0, 0}) {
		t.Fatalf("unbacked reserved id: got %v, want zeros", got)
	}

	mdl.Embedding.SetSoftPrompt(nil)
	if got := mdl.Embedding.Lookup(3); !floatsEqual(got, []float32{0, 0}) {
		t.Fatalf("cleared soft prompt: got %v, want zeros", got)
	}
}

func floatsEqual(a, b []float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
