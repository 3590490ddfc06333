package checkpoint

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/d4l3k/go-bfloat16"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"github.com/x448/float16"
)

// Dtype names follow the safetensors convention.
type Dtype string

const (
	DtypeF32  Dtype = "F32"
	DtypeF16  Dtype = "F16"
	DtypeBF16 Dtype = "BF16"
)

// ByteSize returns the storage size of one element, or 0 for unknown dtypes.
func (d Dtype) ByteSize() int {
	switch d {
	case DtypeF32:
		return 4
	case DtypeF16, DtypeBF16:
		return 2
	}
	return 0
}

// TensorInfo describes one tensor's storage location inside a weight file.
type TensorInfo struct {
	Name  string
	Dtype Dtype
	Shape []int
	// Offset is the absolute byte offset of the tensor data in the file.
	Offset int64
	// Length is the byte length of the tensor data.
	Length int64
}

// NumElements returns the product of the shape dimensions.
func (ti TensorInfo) NumElements() int {
	n := 1
	for _, d := range ti.Shape {
		n *= d
	}
	return n
}

// headerEntry is the JSON form of a tensor header record.
type headerEntry struct {
	Dtype       Dtype  `json:"dtype"`
	Shape       []int  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// TensorFile reads a single weight file: an 8-byte little-endian header
// length, a JSON header mapping tensor name to dtype/shape/data_offsets,
// then the raw data section. Header order is preserved so the state-dict
// key order survives a round trip.
type TensorFile struct {
	Path    string
	tensors *orderedmap.OrderedMap[string, TensorInfo]
}

// OpenTensorFile parses the header of the weight file at path. Tensor data
// is not read; callers use ReadTensorData or read at TensorInfo offsets.
func OpenTensorFile(path string) (*TensorFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open weight file: %w", err)
	}
	defer f.Close()

	var hdrLen uint64
	if err := binary.Read(f, binary.LittleEndian, &hdrLen); err != nil {
		return nil, fmt.Errorf("read header length: %w", err)
	}
	if hdrLen == 0 || hdrLen > 512*1024*1024 {
		return nil, fmt.Errorf("implausible header length %d", hdrLen)
	}
	hdr := make([]byte, hdrLen)
	if _, err := io.ReadFull(f, hdr); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	tf := &TensorFile{Path: path, tensors: orderedmap.New[string, TensorInfo]()}
	dataStart := int64(8 + hdrLen)

	// Decode token by token to preserve the header's key order.
	dec := json.NewDecoder(bytes.NewReader(hdr))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("malformed header: expected object")
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("decode header key: %w", err)
		}
		name, _ := keyTok.(string)
		if name == "__metadata__" {
			var meta map[string]string
			if err := dec.Decode(&meta); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
			continue
		}
		var e headerEntry
		if err := dec.Decode(&e); err != nil {
			return nil, fmt.Errorf("decode header entry %q: %w", name, err)
		}
		if e.Dtype.ByteSize() == 0 {
			return nil, fmt.Errorf("tensor %q: unsupported dtype %q", name, e.Dtype)
		}
		info := TensorInfo{
			Name:   name,
			Dtype:  e.Dtype,
			Shape:  e.Shape,
			Offset: dataStart + e.DataOffsets[0],
			Length: e.DataOffsets[1] - e.DataOffsets[0],
		}
		if want := int64(info.NumElements() * e.Dtype.ByteSize()); info.Length != want {
			return nil, fmt.Errorf("tensor %q: data length %d does not match shape (want %d)", name, info.Length, want)
		}
		tf.tensors.Set(name, info)
	}
	return tf, nil
}

// Lookup returns the tensor info for name.
func (tf *TensorFile) Lookup(name string) (TensorInfo, bool) {
	return tf.tensors.Get(name)
}

// Names returns the tensor names in header order.
func (tf *TensorFile) Names() []string {
	out := make([]string, 0, tf.tensors.Len())
	for pair := tf.tensors.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

// Infos returns tensor infos in header order.
func (tf *TensorFile) Infos() []TensorInfo {
	out := make([]TensorInfo, 0, tf.tensors.Len())
	for pair := tf.tensors.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// ReadTensorData reads the raw bytes of one tensor.
func (tf *TensorFile) ReadTensorData(info TensorInfo) ([]byte, error) {
	f, err := os.Open(tf.Path)
	if err != nil {
		return nil, fmt.Errorf("open weight file: %w", err)
	}
	defer f.Close()
	buf := make([]byte, info.Length)
	if _, err := f.ReadAt(buf, info.Offset); err != nil {
		return nil, fmt.Errorf("read tensor %q: %w", info.Name, err)
	}
	return buf, nil
}

// DecodeFloat32 converts raw tensor bytes to float32 values according to the
// storage dtype.
func DecodeFloat32(dtype Dtype, raw []byte) ([]float32, error) {
	switch dtype {
	case DtypeF32:
		out := make([]float32, len(raw)/4)
		for i := range out {
			bits := binary.LittleEndian.Uint32(raw[i*4:])
			out[i] = math.Float32frombits(bits)
		}
		return out, nil
	case DtypeF16:
		out := make([]float32, len(raw)/2)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
		return out, nil
	case DtypeBF16:
		return bfloat16.DecodeFloat32(raw), nil
	}
	return nil, fmt.Errorf("unsupported dtype %q", dtype)
}

// EncodeF16 converts float32 values to little-endian fp16 bytes.
func EncodeF16(vals []float32) []byte {
	out := make([]byte, len(vals)*2)
	for i, v := range vals {
		binary.LittleEndian.PutUint16(out[i*2:], float16.Fromfloat32(v).Bits())
	}
	return out
}

// EncodeF32 converts float32 values to little-endian fp32 bytes.
func EncodeF32(vals []float32) []byte {
	out := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// TensorEntry pairs a tensor header record with its encoded data for writing.
type TensorEntry struct {
	Name  string
	Dtype Dtype
	Shape []int
	Data  []byte
}

// WriteTensorFile writes entries to path in the container layout read by
// OpenTensorFile, preserving entry order.
func WriteTensorFile(path string, entries []TensorEntry) error {
	// Build the header by hand so key order is preserved.
	var hdr bytes.Buffer
	hdr.WriteByte('{')
	var offset int64
	for i, e := range entries {
		if i > 0 {
			hdr.WriteByte(',')
		}
		name, _ := json.Marshal(e.Name)
		hdr.Write(name)
		hdr.WriteByte(':')
		rec, err := json.Marshal(headerEntry{
			Dtype:       e.Dtype,
			Shape:       e.Shape,
			DataOffsets: [2]int64{offset, offset + int64(len(e.Data))},
		})
		if err != nil {
			return fmt.Errorf("marshal header entry %q: %w", e.Name, err)
		}
		hdr.Write(rec)
		offset += int64(len(e.Data))
	}
	hdr.WriteByte('}')

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create weight file: %w", err)
	}
	defer f.Close()
	if err := binary.Write(f, binary.LittleEndian, uint64(hdr.Len())); err != nil {
		return fmt.Errorf("write header length: %w", err)
	}
	if _, err := f.Write(hdr.Bytes()); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, e := range entries {
		if _, err := f.Write(e.Data); err != nil {
			return fmt.Errorf("write tensor %q: %w", e.Name, err)
		}
	}
	return f.Close()
}
