package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/RuntimeRacer/KoboldAI-united/pkg/types"
)

func TestNormalizeSamplerOrder(t *testing.T) {
	cases := []struct {
		name string
		in   []int
		want []int
	}{
		{"empty gets default", nil, []int{6, 0, 1, 2, 3, 4, 5}},
		{"short order prepends rep pen", []int{0, 1, 2, 3, 4, 5}, []int{6, 0, 1, 2, 3, 4, 5}},
		{"full order untouched", []int{5, 4, 3, 2, 1, 0, 6}, []int{5, 4, 3, 2, 1, 0, 6}},
	}
	for _, tc := range cases {
		got := NormalizeSamplerOrder(tc.in)
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Errorf("%s (-want +got):\n%s", tc.name, diff)
		}
	}
}

func TestSettingsFromTranslatesFields(t *testing.T) {
	s := SettingsFrom(types.SamplerSettings{
		Temperature: 0.7,
		TopP:        0.9,
		TopK:        40,
		TFS:         0.95,
		Typical:     1,
		TopA:        0.2,
		RepPen:      1.1,
		RepPenSlope: 0.5,
		RepPenRange: 1024,
	})
	if s.Temperature != 0.7 || s.TopK != 40 || s.RepPenRange != 1024 {
		t.Fatalf("field translation lost values: %+v", s)
	}
	if len(s.SamplerOrder) != 7 {
		t.Fatalf("sampler order not normalized: %v", s.SamplerOrder)
	}
}

func TestPadSoftTokensPlaceholderGeometry(t *testing.T) {
	shards := PadSoftTokens(nil, 4, 8, 20)
	if len(shards) != 8 {
		t.Fatalf("got %d shards, want one per core", len(shards))
	}
	total := 0
	for _, shard := range shards {
		total += len(shard)
		for _, row := range shard {
			if len(row) != 4 {
				t.Fatalf("row width %d, want d_model 4", len(row))
			}
			for _, v := range row {
				if v != 0 {
					t.Fatal("placeholder rows must be zero")
				}
			}
		}
	}
	if total%8 != 0 || total < 20 {
		t.Fatalf("total rows %d: want a multiple of 8 and at least 20", total)
	}
}

func TestPadSoftTokensKeepsRealVectors(t *testing.T) {
	vectors := [][]float32{{1, 1}, {2, 2}, {3, 3}}
	shards := PadSoftTokens(vectors, 2, 2, 0)
	// 3 rows pad to 4, 2 per core.
	if len(shards) != 2 || len(shards[0]) != 2 || len(shards[1]) != 2 {
		t.Fatalf("unexpected shard geometry: %d shards", len(shards))
	}
	if shards[0][0][0] != 1 || shards[0][1][0] != 2 || shards[1][0][0] != 3 {
		t.Fatal("real vectors not preserved in row order")
	}
	if shards[1][1][0] != 0 {
		t.Fatal("pad row not zeroed")
	}
}

type blockingEngine struct {
	batches [][]uint32
	err     error
	delay   time.Duration
}

func (e *blockingEngine) Init(InitConfig) error { return nil }

func (e *blockingEngine) InferStatic(ctx context.Context, _ InferRequest) ([][]uint32, error) {
	select {
	case <-time.After(e.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return e.batches, e.err
}

func (e *blockingEngine) Geometry() Geometry { return Geometry{CoresPerReplica: 8} }

func TestDispatchDeliversResult(t *testing.T) {
	want := [][]uint32{{1, 2, 3}}
	got, err := Dispatch(context.Background(), &blockingEngine{batches: want}, InferRequest{})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("batches (-want +got):\n%s", diff)
	}
}

func TestDispatchHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Dispatch(ctx, &blockingEngine{delay: time.Minute}, InferRequest{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
