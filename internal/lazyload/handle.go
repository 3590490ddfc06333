// Package lazyload defers weight tensor materialization until first access.
// Parameters are bound to handles that carry the storage location and the
// planned target device; the bytes are only read when a handle is resolved,
// and resolution is idempotent.
package lazyload

import (
	"fmt"
	"sync"

	"github.com/x448/float16"

	"github.com/RuntimeRacer/KoboldAI-united/internal/checkpoint"
	"github.com/RuntimeRacer/KoboldAI-united/internal/placement"
)

// Tensor is a materialized weight tensor.
type Tensor struct {
	Name   string
	Shape  []int
	Device placement.Device
	// Dtype is the storage dtype the values were read from.
	Dtype checkpoint.Dtype
	// HalfPrecision reports that the values were rounded through fp16 for
	// a VRAM-resident tensor.
	HalfPrecision bool
	Data          []float32
}

// fileRef opens a weight file's header exactly once, on first use.
type fileRef struct {
	path string
	once sync.Once
	tf   *checkpoint.TensorFile
	err  error
}

func (f *fileRef) open() (*checkpoint.TensorFile, error) {
	f.once.Do(func() {
		f.tf, f.err = checkpoint.OpenTensorFile(f.path)
	})
	return f.tf, f.err
}

// Handle is a placeholder standing in for a weight tensor. Binding a handle
// never touches storage; Materialize performs the read on first call and
// returns the identical tensor on every later call.
type Handle struct {
	Name   string
	Device placement.Device

	file *fileRef
	once sync.Once
	t    *Tensor
	err  error
}

// Materialize resolves the handle to its tensor, reading storage at most
// once. A missing or corrupt source file surfaces here as a tensor
// unavailable error.
func (h *Handle) Materialize() (*Tensor, error) {
	h.once.Do(func() {
		h.t, h.err = h.resolve()
	})
	return h.t, h.err
}

func (h *Handle) resolve() (*Tensor, error) {
	if h.file == nil {
		return nil, ErrTensorUnavailable(h.Name + ": no storage location")
	}
	tf, err := h.file.open()
	if err != nil {
		return nil, ErrTensorUnavailable(fmt.Sprintf("%s: %v", h.Name, err))
	}
	info, ok := tf.Lookup(h.Name)
	if !ok {
		return nil, ErrTensorUnavailable(fmt.Sprintf("%s: not present in %s", h.Name, h.file.path))
	}
	raw, err := tf.ReadTensorData(info)
	if err != nil {
		return nil, ErrTensorUnavailable(fmt.Sprintf("%s: %v", h.Name, err))
	}
	vals, err := checkpoint.DecodeFloat32(info.Dtype, raw)
	if err != nil {
		return nil, ErrTensorUnavailable(fmt.Sprintf("%s: %v", h.Name, err))
	}

	t := &Tensor{
		Name:   h.Name,
		Shape:  info.Shape,
		Device: h.Device,
		Dtype:  info.Dtype,
		Data:   vals,
	}
	// VRAM-resident tensors run at half precision; round the values the
	// way a device transfer would.
	if h.Device == placement.DeviceGPU && info.Dtype == checkpoint.DtypeF32 {
		for i, v := range t.Data {
			t.Data[i] = float16.Fromfloat32(v).Float32()
		}
		t.HalfPrecision = true
	}
	return t, nil
}
