package checkpoint

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeTestWeights(t *testing.T, path string, entries []TensorEntry) {
	t.Helper()
	if err := WriteTensorFile(path, entries); err != nil {
		t.Fatalf("write tensor file: %v", err)
	}
}

func f32Entry(name string, shape []int, vals []float32) TensorEntry {
	return TensorEntry{Name: name, Dtype: DtypeF32, Shape: shape, Data: EncodeF32(vals)}
}

func TestTensorFileRoundTrip(t *testing.T) {
	d := t.TempDir()
	p := filepath.Join(d, WeightsName)
	writeTestWeights(t, p, []TensorEntry{
		f32Entry("transformer.wte.weight", []int{2, 2}, []float32{1, 2, 3, 4}),
		f32Entry("transformer.h.0.attn.bias", []int{4}, []float32{0.5, -0.5, 1.5, -1.5}),
	})

	tf, err := OpenTensorFile(p)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	wantNames := []string{"transformer.wte.weight", "transformer.h.0.attn.bias"}
	if diff := cmp.Diff(wantNames, tf.Names()); diff != "" {
		t.Fatalf("names out of order (-want +got):\n%s", diff)
	}

	info, ok := tf.Lookup("transformer.wte.weight")
	if !ok {
		t.Fatalf("missing tensor")
	}
	if info.Dtype != DtypeF32 || info.NumElements() != 4 {
		t.Fatalf("unexpected info: %+v", info)
	}
	raw, err := tf.ReadTensorData(info)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	vals, err := DecodeFloat32(info.Dtype, raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff([]float32{1, 2, 3, 4}, vals); diff != "" {
		t.Fatalf("values (-want +got):\n%s", diff)
	}
}

func TestTensorFileF16Decode(t *testing.T) {
	d := t.TempDir()
	p := filepath.Join(d, AltWeightsName)
	vals := []float32{0, 1, -2, 0.25}
	writeTestWeights(t, p, []TensorEntry{{
		Name: "w", Dtype: DtypeF16, Shape: []int{2, 2}, Data: EncodeF16(vals),
	}})

	tf, err := OpenTensorFile(p)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	info, _ := tf.Lookup("w")
	raw, err := tf.ReadTensorData(info)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	got, err := DecodeFloat32(DtypeF16, raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	// All chosen values are exactly representable in fp16.
	if diff := cmp.Diff(vals, got); diff != "" {
		t.Fatalf("values (-want +got):\n%s", diff)
	}
}

func TestOpenTensorFileRejectsBadLength(t *testing.T) {
	d := t.TempDir()
	p := filepath.Join(d, "bad.bin")
	// Shape says 4 elements but data holds 2.
	entries := []TensorEntry{{Name: "w", Dtype: DtypeF32, Shape: []int{2, 2}, Data: EncodeF32([]float32{1, 2})}}
	writeTestWeights(t, p, entries)
	if _, err := OpenTensorFile(p); err == nil {
		t.Fatalf("expected length mismatch error")
	}
}
